package model

import (
	"errors"
	"fmt"
)

// ProcessingStatus is the fine-grained lifecycle state of an uploaded asset.
type ProcessingStatus string

const (
	ProcessingStatusUploaded          ProcessingStatus = "UPLOADED"
	ProcessingStatusPendingScan       ProcessingStatus = "PENDING_SCAN"
	ProcessingStatusScanning          ProcessingStatus = "SCANNING"
	ProcessingStatusClean             ProcessingStatus = "CLEAN"
	ProcessingStatusInfected          ProcessingStatus = "INFECTED"
	ProcessingStatusQuarantined       ProcessingStatus = "QUARANTINED"
	ProcessingStatusScanFailed        ProcessingStatus = "SCAN_FAILED"
	ProcessingStatusAnalyzing         ProcessingStatus = "ANALYZING"
	ProcessingStatusPendingReview     ProcessingStatus = "PENDING_REVIEW"
	ProcessingStatusAnalysisComplete  ProcessingStatus = "ANALYSIS_COMPLETE"
	ProcessingStatusPermanentlyFailed ProcessingStatus = "PERMANENTLY_FAILED"
)

// AllProcessingStatuses lists every known state, in lifecycle order.
var AllProcessingStatuses = []ProcessingStatus{
	ProcessingStatusUploaded,
	ProcessingStatusPendingScan,
	ProcessingStatusScanning,
	ProcessingStatusClean,
	ProcessingStatusInfected,
	ProcessingStatusQuarantined,
	ProcessingStatusScanFailed,
	ProcessingStatusAnalyzing,
	ProcessingStatusPendingReview,
	ProcessingStatusAnalysisComplete,
	ProcessingStatusPermanentlyFailed,
}

// ErrInvalidTransition is wrapped by every rejected processing status change.
var ErrInvalidTransition = errors.New("invalid processing status transition")

var processingTransitions = map[ProcessingStatus][]ProcessingStatus{
	ProcessingStatusUploaded: {
		ProcessingStatusPendingScan,
		ProcessingStatusScanning,
		ProcessingStatusAnalyzing,
		ProcessingStatusPermanentlyFailed,
	},
	ProcessingStatusPendingScan: {
		ProcessingStatusScanning,
		ProcessingStatusScanFailed,
		ProcessingStatusPermanentlyFailed,
	},
	ProcessingStatusScanning: {
		ProcessingStatusPendingScan,
		ProcessingStatusClean,
		ProcessingStatusInfected,
		ProcessingStatusQuarantined,
		ProcessingStatusScanFailed,
	},
	ProcessingStatusClean: {
		ProcessingStatusAnalyzing,
	},
	ProcessingStatusInfected: {
		ProcessingStatusQuarantined,
	},
	ProcessingStatusScanFailed: {
		ProcessingStatusPendingScan,
		ProcessingStatusQuarantined,
	},
	ProcessingStatusAnalyzing: {
		ProcessingStatusAnalysisComplete,
		ProcessingStatusPendingReview,
		ProcessingStatusPermanentlyFailed,
	},
	ProcessingStatusPendingReview: {
		ProcessingStatusAnalyzing,
		ProcessingStatusAnalysisComplete,
		ProcessingStatusPermanentlyFailed,
	},
}

func (s ProcessingStatus) String() string { return string(s) }

// ParseProcessingStatus converts a stored string back to a known status.
func ParseProcessingStatus(s string) (ProcessingStatus, error) {
	for _, st := range AllProcessingStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown processing status %q", s)
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s ProcessingStatus) CanTransitionTo(next ProcessingStatus) bool {
	for _, candidate := range processingTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error wrapping ErrInvalidTransition when next is not reachable from s.
func (s ProcessingStatus) ValidateTransition(next ProcessingStatus) error {
	if !s.CanTransitionTo(next) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, s, next)
	}
	return nil
}

// IsTerminal reports whether the lifecycle has ended.
func (s ProcessingStatus) IsTerminal() bool {
	switch s {
	case ProcessingStatusAnalysisComplete, ProcessingStatusPermanentlyFailed, ProcessingStatusQuarantined:
		return true
	default:
		return false
	}
}

// IsBlocked reports whether a security verdict forbids any further processing.
func (s ProcessingStatus) IsBlocked() bool {
	switch s {
	case ProcessingStatusInfected, ProcessingStatusQuarantined, ProcessingStatusScanFailed:
		return true
	default:
		return false
	}
}

// CanReopen reports whether a finished asset may be sent back through analysis.
// Security blocks are never reopened.
func (s ProcessingStatus) CanReopen() bool {
	switch s {
	case ProcessingStatusAnalysisComplete, ProcessingStatusPendingReview, ProcessingStatusPermanentlyFailed:
		return true
	default:
		return false
	}
}

// Coarse maps a fine-grained state to the coarse status shown in listings.
func (s ProcessingStatus) Coarse() AssetStatus {
	switch s {
	case ProcessingStatusUploaded, ProcessingStatusPendingScan:
		return AssetStatusPending
	case ProcessingStatusScanning, ProcessingStatusClean, ProcessingStatusAnalyzing:
		return AssetStatusProcessing
	case ProcessingStatusAnalysisComplete:
		return AssetStatusReady
	case ProcessingStatusPendingReview:
		return AssetStatusReview
	case ProcessingStatusInfected, ProcessingStatusQuarantined, ProcessingStatusScanFailed:
		return AssetStatusBlocked
	default:
		return AssetStatusFailed
	}
}

func (s ProcessingStatus) ProgressPercentage() int {
	switch s {
	case ProcessingStatusUploaded:
		return 5
	case ProcessingStatusPendingScan:
		return 10
	case ProcessingStatusScanning:
		return 25
	case ProcessingStatusClean:
		return 40
	case ProcessingStatusAnalyzing:
		return 60
	case ProcessingStatusPendingReview:
		return 90
	case ProcessingStatusAnalysisComplete, ProcessingStatusPermanentlyFailed,
		ProcessingStatusInfected, ProcessingStatusQuarantined, ProcessingStatusScanFailed:
		return 100
	default:
		return 0
	}
}

func (s ProcessingStatus) Label() string {
	switch s {
	case ProcessingStatusUploaded:
		return "Uploaded"
	case ProcessingStatusPendingScan:
		return "Waiting for security scan"
	case ProcessingStatusScanning:
		return "Scanning"
	case ProcessingStatusClean:
		return "Scan passed"
	case ProcessingStatusInfected:
		return "Blocked"
	case ProcessingStatusQuarantined:
		return "Quarantined"
	case ProcessingStatusScanFailed:
		return "Scan failed"
	case ProcessingStatusAnalyzing:
		return "Analyzing"
	case ProcessingStatusPendingReview:
		return "Needs review"
	case ProcessingStatusAnalysisComplete:
		return "Ready"
	case ProcessingStatusPermanentlyFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s ProcessingStatus) Description() string {
	switch s {
	case ProcessingStatusUploaded:
		return "Your file was received."
	case ProcessingStatusPendingScan:
		return "Your file is queued for a security scan."
	case ProcessingStatusScanning:
		return "Your file is being checked for malicious content."
	case ProcessingStatusClean:
		return "No threats were found. Analysis will start shortly."
	case ProcessingStatusInfected, ProcessingStatusQuarantined:
		return "This file has been quarantined for your protection."
	case ProcessingStatusScanFailed:
		return "We could not verify this file, so it has been quarantined for your protection."
	case ProcessingStatusAnalyzing:
		return "Reading the contents of your file."
	case ProcessingStatusPendingReview:
		return "Your file was processed with some issues and is waiting for a manual review."
	case ProcessingStatusAnalysisComplete:
		return "Your file is ready."
	case ProcessingStatusPermanentlyFailed:
		return "We could not process this file."
	default:
		return ""
	}
}

package service

import (
	"fmt"
	"time"

	"github.com/stagehand/asset-pipeline/internal/config"
	"github.com/stagehand/asset-pipeline/internal/store/model"
)

// JobClass names a kind of pipeline work; each class has its own retry policy.
type JobClass string

const (
	JobClassVirusScan       JobClass = "virus_scan"
	JobClassRackAnalysis    JobClass = "rack_analysis"
	JobClassPresetAnalysis  JobClass = "preset_analysis"
	JobClassSessionAnalysis JobClass = "session_analysis"
)

// AnalysisJobClass returns the analysis class for an asset type.
func AnalysisJobClass(t model.AssetType) (JobClass, error) {
	switch t {
	case model.AssetTypeRack:
		return JobClassRackAnalysis, nil
	case model.AssetTypePreset:
		return JobClassPresetAnalysis, nil
	case model.AssetTypeSession:
		return JobClassSessionAnalysis, nil
	default:
		return "", fmt.Errorf("no analysis job class for asset type %q", t)
	}
}

// Policy bounds the attempts of one job class and spaces its retries.
type Policy struct {
	JobClass    JobClass
	MaxAttempts int
	// Delays[i] is the wait before retry i+1; the last entry repeats.
	Delays  []time.Duration
	Timeout time.Duration
}

// Delay returns the wait after the given number of failed attempts.
func (p Policy) Delay(failedAttempts int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	idx := failedAttempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Delays) {
		idx = len(p.Delays) - 1
	}
	return p.Delays[idx]
}

// Decision is the controller's answer for one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
	Kind  ErrorKind
}

// Decide classifies err raised by attempt number attempts.
// Validation, not-found, security and unexpected errors are never retried.
func (p Policy) Decide(attempts int, err error) Decision {
	kind := Classify(err)
	switch kind {
	case KindTransient, KindFormat:
		if attempts < p.MaxAttempts {
			return Decision{Retry: true, Delay: p.Delay(attempts), Kind: kind}
		}
	}
	return Decision{Kind: kind}
}

// Policies holds the policy of every job class.
type Policies map[JobClass]Policy

func NewPolicies(cfg *config.PipelineConfig) Policies {
	return Policies{
		JobClassVirusScan: {
			JobClass: JobClassVirusScan, MaxAttempts: cfg.ScanMaxAttempts,
			Delays: cfg.ScanBackoff, Timeout: cfg.ScanTimeout,
		},
		JobClassRackAnalysis: {
			JobClass: JobClassRackAnalysis, MaxAttempts: cfg.RackMaxAttempts,
			Delays: cfg.RackBackoff, Timeout: cfg.RackTimeout,
		},
		JobClassPresetAnalysis: {
			JobClass: JobClassPresetAnalysis, MaxAttempts: cfg.PresetMaxAttempts,
			Delays: cfg.PresetBackoff, Timeout: cfg.PresetTimeout,
		},
		JobClassSessionAnalysis: {
			JobClass: JobClassSessionAnalysis, MaxAttempts: cfg.SessionMaxAttempts,
			Delays: cfg.SessionBackoff, Timeout: cfg.SessionTimeout,
		},
	}
}

// For returns the policy of class, or a single-attempt policy for unknown classes.
func (p Policies) For(class JobClass) Policy {
	if policy, ok := p[class]; ok {
		return policy
	}
	return Policy{JobClass: class, MaxAttempts: 1}
}

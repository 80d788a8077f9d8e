package jobs

import (
	"github.com/riverqueue/river"
	"github.com/stagehand/asset-pipeline/internal/service"
)

const (
	ScanKind     = "asset_scan"
	AnalysisKind = "asset_analysis"
	BatchKind    = "asset_batch"
)

// ScanArgs points a scan worker at its ledger row. Stored in river_job.args as JSON.
type ScanArgs struct {
	JobID   string `json:"job_id"`
	AssetID uint   `json:"asset_id"`
	Context string `json:"context,omitempty"`
}

func (ScanArgs) Kind() string {
	return ScanKind
}

func (ScanArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:      service.QueueScan,
		UniqueOpts: river.UniqueOpts{ByArgs: true},
	}
}

type AnalysisArgs struct {
	JobID    string `json:"job_id"`
	AssetID  uint   `json:"asset_id"`
	JobClass string `json:"job_class"`
}

func (AnalysisArgs) Kind() string {
	return AnalysisKind
}

func (AnalysisArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:      service.QueueAnalysis,
		UniqueOpts: river.UniqueOpts{ByArgs: true},
	}
}

type BatchArgs struct {
	BatchID string `json:"batch_id"`
}

func (BatchArgs) Kind() string {
	return BatchKind
}

func (BatchArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       service.QueueBatch,
		MaxAttempts: 1,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// priorityFor maps a batch priority onto river's 1 (first) to 4 scale.
func priorityFor(priority string) int {
	switch priority {
	case service.BatchPriorityHigh:
		return 1
	case service.BatchPriorityLow:
		return 3
	default:
		return 2
	}
}

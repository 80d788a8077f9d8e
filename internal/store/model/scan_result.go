package model

import "time"

type ScanStatus string

const (
	ScanStatusPending     ScanStatus = "pending"
	ScanStatusScanning    ScanStatus = "scanning"
	ScanStatusClean       ScanStatus = "clean"
	ScanStatusInfected    ScanStatus = "infected"
	ScanStatusQuarantined ScanStatus = "quarantined"
	ScanStatusFailed      ScanStatus = "failed"
)

// ScanResult is the cached outcome of one scan, keyed by job id and by content hash.
// It is a projection of ledger and asset state, not a source of truth.
type ScanResult struct {
	JobID        string        `json:"job_id"`
	AssetID      uint          `json:"asset_id"`
	FileHash     string        `json:"file_hash,omitempty"`
	Context      string        `json:"context,omitempty"`
	Status       ScanStatus    `json:"status"`
	IsClean      bool          `json:"is_clean"`
	Threats      []Threat      `json:"threats_found"`
	ThreatLevel  ThreatLevel   `json:"threat_level"`
	EnginesUsed  []string      `json:"scan_engines_used"`
	ScanDuration time.Duration `json:"scan_duration"`
	Quarantined  bool          `json:"quarantined"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

// ScanMetrics aggregates one day of scans.
type ScanMetrics struct {
	Day          string           `json:"day"`
	Total        int64            `json:"total"`
	Clean        int64            `json:"clean"`
	Infected     int64            `json:"infected"`
	Quarantined  int64            `json:"quarantined"`
	Failed       int64            `json:"failed"`
	EngineUsage  map[string]int64 `json:"engine_usage"`
	MeanDuration time.Duration    `json:"mean_duration"`
}

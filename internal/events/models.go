package events

import "time"

// StatusEvent is emitted on every processing status change of an asset.
type StatusEvent struct {
	AssetID          uint   `json:"asset_id"`
	AssetUUID        string `json:"asset_uuid"`
	ProcessingStatus string `json:"processing_status"`
	Status           string `json:"status"`
	ProgressPercent  int    `json:"progress_percent"`
	JobID            string `json:"job_id,omitempty"`
}

// NotificationEvent carries a user-safe message for the notification service.
type NotificationEvent struct {
	UserID    string `json:"user_id"`
	AssetUUID string `json:"asset_uuid,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// SecurityAlertEvent is read by the security team, never by the uploader.
type SecurityAlertEvent struct {
	UserID      string    `json:"user_id"`
	AssetID     uint      `json:"asset_id"`
	AssetUUID   string    `json:"asset_uuid"`
	FileName    string    `json:"file_name"`
	FileHash    string    `json:"file_hash"`
	JobID       string    `json:"job_id"`
	ThreatLevel string    `json:"threat_level"`
	Threats     []string  `json:"threats"`
	Quarantined bool      `json:"quarantined"`
	Violations  int       `json:"violations"`
	Flagged     bool      `json:"flagged"`
	DetectedAt  time.Time `json:"detected_at"`
}

// BatchEvent is emitted once when a batch closes.
type BatchEvent struct {
	BatchID      string `json:"batch_id"`
	RequesterID  string `json:"requester_id"`
	Status       string `json:"status"`
	Total        int    `json:"total"`
	SuccessCount int    `json:"success_count"`
	FailureCount int    `json:"failure_count"`
}

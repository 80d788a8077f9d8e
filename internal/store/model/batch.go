package model

import "time"

type BatchStatus string

const (
	BatchStatusQueued     BatchStatus = "queued"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

func (s BatchStatus) IsClosed() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// BatchItem is the outcome of one asset in a batch.
type BatchItem struct {
	AssetID          uint             `json:"asset_id"`
	Success          bool             `json:"success"`
	Skipped          bool             `json:"skipped,omitempty"`
	ProcessingStatus ProcessingStatus `json:"processing_status,omitempty"`
	ParseErrors      int              `json:"parse_errors"`
	Error            string           `json:"error,omitempty"`
	FinishedAt       time.Time        `json:"finished_at"`
}

// BatchRecord tracks a reprocessing batch. Counters are derived from Items.
type BatchRecord struct {
	BatchID        string             `json:"batch_id"`
	Status         BatchStatus        `json:"status"`
	RequesterID    string             `json:"requester_id"`
	RequesterRoles []string           `json:"requester_roles,omitempty"`
	Priority       string             `json:"priority"`
	Force          bool               `json:"force"`
	AssetIDs       []uint             `json:"asset_ids"`
	Items          map[uint]BatchItem `json:"items"`
	Total          int                `json:"total"`
	SuccessCount   int                `json:"success_count"`
	FailureCount   int                `json:"failure_count"`
	Error          string             `json:"error,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	ClosedAt       *time.Time         `json:"closed_at,omitempty"`
}

// Tally recomputes the aggregate counters from the item map.
func (b *BatchRecord) Tally() {
	b.Total = len(b.AssetIDs)
	b.SuccessCount, b.FailureCount = 0, 0
	for _, item := range b.Items {
		if item.Success {
			b.SuccessCount++
		} else {
			b.FailureCount++
		}
	}
}

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/stagehand/asset-pipeline/internal/events"
	"github.com/stagehand/asset-pipeline/internal/store/model"
	"go.uber.org/zap"
)

// Notifier delivers pipeline outcomes to users, the security team and listeners.
type Notifier interface {
	Notify(ctx context.Context, n events.NotificationEvent) error
	SecurityAlert(ctx context.Context, a events.SecurityAlertEvent) error
	StatusChanged(ctx context.Context, s events.StatusEvent) error
	BatchClosed(ctx context.Context, b events.BatchEvent) error
}

// ScanRequest asks the worker pool to scan one asset.
type ScanRequest struct {
	JobID    string
	AssetID  uint
	Context  string
	Priority bool
}

// AnalysisRequest asks the worker pool to analyze one asset, optionally later.
type AnalysisRequest struct {
	JobID       string
	AssetID     uint
	JobClass    JobClass
	Priority    bool
	ScheduledAt time.Time
}

// Enqueuer hands work to the worker pool.
type Enqueuer interface {
	EnqueueScan(ctx context.Context, req ScanRequest) error
	EnqueueAnalysis(ctx context.Context, req AnalysisRequest) error
	EnqueueBatch(ctx context.Context, batchID string, priority string) error
}

type eventWriter interface {
	WriteSubject(ctx context.Context, kind, subject string, body io.Reader) error
}

// EventNotifier publishes notifications as cloudevents.
type EventNotifier struct {
	writer eventWriter
}

var _ Notifier = (*EventNotifier)(nil)

func NewEventNotifier(w eventWriter) *EventNotifier {
	return &EventNotifier{writer: w}
}

func (n *EventNotifier) Notify(ctx context.Context, e events.NotificationEvent) error {
	return n.write(ctx, events.NotificationMessageKind, e.UserID, e)
}

func (n *EventNotifier) SecurityAlert(ctx context.Context, e events.SecurityAlertEvent) error {
	return n.write(ctx, events.SecurityAlertMessageKind, e.UserID, e)
}

func (n *EventNotifier) StatusChanged(ctx context.Context, e events.StatusEvent) error {
	return n.write(ctx, events.StatusMessageKind, e.AssetUUID, e)
}

func (n *EventNotifier) BatchClosed(ctx context.Context, e events.BatchEvent) error {
	return n.write(ctx, events.BatchMessageKind, e.BatchID, e)
}

func (n *EventNotifier) write(ctx context.Context, kind, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return n.writer.WriteSubject(ctx, kind, subject, bytes.NewReader(data))
}

// Queues the worker pool listens on.
const (
	QueueScan         = "scan"
	QueueScanPriority = "scan_priority"
	QueueAnalysis     = "analysis"
	QueueBatch        = "batch"
)

// notify delivers n and only logs failures; delivery never fails a stage.
func notify(ctx context.Context, notifier Notifier, n events.NotificationEvent) {
	if n.UserID == "" {
		return
	}
	if err := notifier.Notify(ctx, n); err != nil {
		zap.S().Named("notifier").Warnw("failed to deliver notification", "user_id", n.UserID, "kind", n.Kind, "error", err)
	}
}

func jobMetadata(job *model.JobExecution) map[string]any {
	values := map[string]any{}
	if len(job.Metadata) > 0 {
		_ = json.Unmarshal(job.Metadata, &values)
	}
	if values == nil {
		values = map[string]any{}
	}
	return values
}

func metadataString(values map[string]any, key string) string {
	if s, ok := values[key].(string); ok {
		return s
	}
	return ""
}

func metadataBool(values map[string]any, key string) bool {
	b, _ := values[key].(bool)
	return b
}

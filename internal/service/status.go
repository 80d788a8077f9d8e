package service

import (
	"context"
	"errors"

	"github.com/stagehand/asset-pipeline/internal/events"
	"github.com/stagehand/asset-pipeline/internal/store"
	"github.com/stagehand/asset-pipeline/internal/store/model"
	"go.uber.org/zap"
)

// statusWriter applies processing status changes through the state machine.
type statusWriter struct {
	store    store.Store
	notifier Notifier
	log      *zap.SugaredLogger
}

func newStatusWriter(s store.Store, n Notifier) *statusWriter {
	return &statusWriter{store: s, notifier: n, log: zap.S().Named("asset_status")}
}

// Move transitions asset to next and writes extra alongside. An illegal transition
// is logged and only the coarse status and processing_error are written; Move then reports false.
func (w *statusWriter) Move(ctx context.Context, asset *model.Asset, next model.ProcessingStatus, extra map[string]any) (bool, error) {
	for try := 0; try < 2; try++ {
		if err := asset.ProcessingStatus.ValidateTransition(next); err != nil {
			w.log.Errorw("rejected processing status transition",
				"asset_id", asset.ID, "from", asset.ProcessingStatus, "to", next, "error", err)
			return false, w.fallback(ctx, asset, next, extra)
		}

		fields := model.ProjectionFields(next)
		for k, v := range extra {
			fields[k] = v
		}
		err := w.store.Asset().Transition(ctx, asset.ID, asset.ProcessingStatus, fields)
		if errors.Is(err, store.ErrConcurrentUpdate) {
			fresh, getErr := w.store.Asset().Get(ctx, asset.ID)
			if getErr != nil {
				return false, getErr
			}
			*asset = *fresh
			continue
		}
		if err != nil {
			return false, err
		}

		w.log.Debugw("processing status changed", "asset_id", asset.ID, "from", asset.ProcessingStatus, "to", next)
		return true, w.reload(ctx, asset)
	}
	return false, store.ErrConcurrentUpdate
}

// Reopen sends a finished asset back to CLEAN for reprocessing. Only assets with a
// completed virus scan on the ledger qualify.
func (w *statusWriter) Reopen(ctx context.Context, asset *model.Asset) error {
	if !asset.ProcessingStatus.CanReopen() {
		return NewErrValidation("asset %d in %s cannot be reprocessed", asset.ID, asset.ProcessingStatus)
	}
	scans, err := w.store.Job().List(ctx, store.NewJobQueryFilter().
		ByModel(asset.ModelType(), asset.ID).
		ByJobClass(string(JobClassVirusScan)).
		ByStatus(model.JobStatusCompleted))
	if err != nil {
		return err
	}
	if len(scans) == 0 {
		return NewErrValidation("asset %d has no completed virus scan", asset.ID)
	}
	fields := model.ProjectionFields(model.ProcessingStatusClean)
	fields["processing_error"] = nil
	if err := w.store.Asset().Transition(ctx, asset.ID, asset.ProcessingStatus, fields); err != nil {
		return err
	}
	w.log.Infow("asset reopened", "asset_id", asset.ID, "from", asset.ProcessingStatus)
	return w.reload(ctx, asset)
}

// fallback writes only the coarse status and any processing error; the rest of
// extra belongs to the rejected fine-grained state. A security block keeps its
// coarse status.
func (w *statusWriter) fallback(ctx context.Context, asset *model.Asset, next model.ProcessingStatus, extra map[string]any) error {
	fields := map[string]any{}
	if !asset.ProcessingStatus.IsBlocked() {
		fields["status"] = next.Coarse()
	}
	if procErr, ok := extra["processing_error"]; ok {
		fields["processing_error"] = procErr
	}
	if len(fields) > 0 {
		if err := w.store.Asset().Update(ctx, asset.ID, fields); err != nil {
			return err
		}
	}
	return w.reload(ctx, asset)
}

func (w *statusWriter) reload(ctx context.Context, asset *model.Asset) error {
	fresh, err := w.store.Asset().Get(ctx, asset.ID)
	if err != nil {
		return err
	}
	*asset = *fresh

	jobID := ""
	if asset.CurrentJobID != nil {
		jobID = *asset.CurrentJobID
	}
	if err := w.notifier.StatusChanged(ctx, events.StatusEvent{
		AssetID:          asset.ID,
		AssetUUID:        asset.UUID,
		ProcessingStatus: string(asset.ProcessingStatus),
		Status:           string(asset.Status),
		ProgressPercent:  asset.ProgressPercent,
		JobID:            jobID,
	}); err != nil {
		w.log.Warnw("failed to publish status event", "asset_id", asset.ID, "error", err)
	}
	return nil
}

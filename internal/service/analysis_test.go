package service_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stagehand/asset-pipeline/internal/analyzer"
	"github.com/stagehand/asset-pipeline/internal/service"
	"github.com/stagehand/asset-pipeline/internal/store"
	"github.com/stagehand/asset-pipeline/internal/store/model"
	"gorm.io/gorm"
)

var _ = Describe("analysis stage", Ordered, func() {
	var (
		s       store.Store
		gormDB  *gorm.DB
		cleanup func()
		p       *pipeline
	)

	BeforeAll(func() {
		gormDB, s, cleanup = newTestStore()
	})

	AfterAll(func() {
		cleanup()
	})

	BeforeEach(func() {
		p = newPipeline(s)
	})

	AfterEach(func() {
		cleanTables(gormDB)
	})

	schedule := func(asset *model.Asset) *model.JobExecution {
		job, err := p.analysis.Schedule(context.TODO(), asset, service.ScheduleOptions{Enqueue: true})
		Expect(err).To(BeNil())
		return job
	}

	It("completes an asset whose analyzer reported no parse errors", func() {
		asset := createAsset(s, "alice", model.ProcessingStatusClean, uploadFile([]byte("rack")))
		job := schedule(asset)
		Expect(p.enqueuer.analyses).To(HaveLen(1))

		outcome, err := p.analysis.Execute(context.TODO(), job.JobID)
		Expect(err).To(BeNil())
		Expect(outcome.Completed).To(BeTrue())

		stored := reload(s, asset.ID)
		Expect(stored.ProcessingStatus).To(Equal(model.ProcessingStatusAnalysisComplete))
		Expect(stored.Status).To(Equal(model.AssetStatusReady))
		Expect(stored.ProgressPercent).To(Equal(100))
		Expect(string(stored.AnalysisPayload)).To(MatchJSON(`{"devices":2}`))
		Expect(stored.ParsingErrors).To(BeEmpty())
		Expect(stored.ProcessingError).To(BeNil())
		Expect(p.notifier.Kinds()).To(ContainElement("analysis_complete"))
	})

	It("sends a partially parsed asset to review instead of completing it", func() {
		p.analyzers.result = &analyzer.Result{
			Analyzer:      "fake",
			Payload:       map[string]any{"devices": 1},
			ParseErrors:   []string{"x"},
			ParseWarnings: []string{"sample missing"},
		}
		asset := createAsset(s, "alice", model.ProcessingStatusClean, uploadFile([]byte("rack")))
		job := schedule(asset)

		outcome, err := p.analysis.Execute(context.TODO(), job.JobID)
		Expect(err).To(BeNil())
		Expect(outcome.Completed).To(BeTrue())

		stored := reload(s, asset.ID)
		Expect(stored.ProcessingStatus).To(Equal(model.ProcessingStatusPendingReview))
		Expect(stored.Status).To(Equal(model.AssetStatusReview))
		Expect([]string(stored.ParsingErrors)).To(Equal([]string{"x"}))
		Expect([]string(stored.ParsingWarnings)).To(Equal([]string{"sample missing"}))
	})

	It("retries a file that is not gzip with the configured delays, then fails it", func() {
		p.analyzers.real = analyzer.NewRegistry(p.cfg.MaxDecompressedBytes)
		garbage := make([]byte, 2048)
		for i := range garbage {
			garbage[i] = byte('a' + i%26)
		}
		asset := createAsset(s, "alice", model.ProcessingStatusClean, uploadFile(garbage))
		job := schedule(asset)

		var delays []time.Duration
		for i := 0; i < 2; i++ {
			outcome, err := p.analysis.Execute(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(outcome.Retry).To(BeTrue())
			Expect(outcome.Kind).To(Equal(service.KindFormat))
			delays = append(delays, outcome.Delay)
			Expect(reload(s, asset.ID).ProcessingError).ToNot(BeNil())
		}
		Expect(delays).To(Equal([]time.Duration{30 * time.Second, 60 * time.Second}))

		outcome, err := p.analysis.Execute(context.TODO(), job.JobID)
		Expect(err).To(BeNil())
		Expect(outcome.Permanent()).To(BeTrue())
		Expect(outcome.Kind).To(Equal(service.KindFormat))

		stored := reload(s, asset.ID)
		Expect(stored.ProcessingStatus).To(Equal(model.ProcessingStatusPermanentlyFailed))
		Expect(stored.ProcessingError).ToNot(BeNil())
		Expect(*stored.ProcessingError).ToNot(BeEmpty())

		ledgerRow, err := p.ledger.Get(context.TODO(), job.JobID)
		Expect(err).To(BeNil())
		Expect(ledgerRow.Attempts).To(Equal(3))
		Expect(ledgerRow.Status).To(Equal(model.JobStatusPermanentlyFailed))
		Expect(p.notifier.Kinds()).To(ContainElement("analysis_failed"))
	})

	It("fails fast when the stored file is gone", func() {
		asset := createAsset(s, "alice", model.ProcessingStatusClean, "/uploads/missing.adg")
		job := schedule(asset)

		outcome, err := p.analysis.Execute(context.TODO(), job.JobID)
		Expect(err).To(BeNil())
		Expect(outcome.Kind).To(Equal(service.KindNotFound))
		Expect(outcome.Permanent()).To(BeTrue())

		ledgerRow, err := p.ledger.Get(context.TODO(), job.JobID)
		Expect(err).To(BeNil())
		Expect(ledgerRow.Attempts).To(Equal(1))
		Expect(reload(s, asset.ID).ProcessingStatus).To(Equal(model.ProcessingStatusPermanentlyFailed))
	})

	It("refuses to analyze an asset that has not been scanned", func() {
		asset := createAsset(s, "alice", model.ProcessingStatusPendingScan, uploadFile([]byte("rack")))
		job := schedule(asset)

		outcome, err := p.analysis.Execute(context.TODO(), job.JobID)
		Expect(err).To(BeNil())
		Expect(outcome.Kind).To(Equal(service.KindValidation))

		stored := reload(s, asset.ID)
		Expect(stored.ProcessingStatus).To(Equal(model.ProcessingStatusPendingScan))
		Expect(stored.Status).To(Equal(model.AssetStatusPending))
	})

	It("discards the analysis of an asset that left the stage while it ran", func() {
		asset := createAsset(s, "alice", model.ProcessingStatusClean, uploadFile([]byte("rack")))
		job := schedule(asset)
		p.analyzers.during = func() {
			tx := gormDB.Model(&model.Asset{}).Where("id = ?", asset.ID).
				Updates(map[string]any{"processing_status": model.ProcessingStatusQuarantined})
			Expect(tx.Error).To(BeNil())
		}

		outcome, err := p.analysis.Execute(context.TODO(), job.JobID)
		Expect(err).To(BeNil())
		Expect(outcome.Permanent()).To(BeTrue())
		Expect(outcome.Kind).To(Equal(service.KindValidation))

		stored := reload(s, asset.ID)
		Expect(stored.ProcessingStatus).To(Equal(model.ProcessingStatusQuarantined))
		Expect(stored.Status).ToNot(Equal(model.AssetStatusReady))
		Expect(stored.AnalysisPayload).To(BeEmpty())
		Expect(stored.ParsingErrors).To(BeEmpty())
		Expect(p.notifier.Kinds()).ToNot(ContainElement("analysis_complete"))
	})

	It("falls back to the coarse status when the fine transition is illegal", func() {
		asset := createAsset(s, "alice", model.ProcessingStatusClean, uploadFile([]byte("rack")))
		job := schedule(asset)
		tx := gormDB.Model(&model.JobExecution{}).Where("job_id = ?", job.JobID).
			Updates(map[string]any{"attempts": job.MaxAttempts, "status": model.JobStatusRetryScheduled})
		Expect(tx.Error).To(BeNil())

		outcome, err := p.analysis.Execute(context.TODO(), job.JobID)
		Expect(err).ToNot(BeNil())
		Expect(outcome.Permanent()).To(BeTrue())

		stored := reload(s, asset.ID)
		Expect(stored.ProcessingStatus).To(Equal(model.ProcessingStatusClean))
		Expect(stored.Status).To(Equal(model.AssetStatusFailed))
	})
})

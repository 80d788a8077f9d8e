package store_test

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	st "github.com/stagehand/asset-pipeline/internal/store"
	"github.com/stagehand/asset-pipeline/internal/store/model"
	"gorm.io/gorm"
)

func newAsset(owner string) model.Asset {
	return model.Asset{
		UUID:             uuid.NewString(),
		Type:             model.AssetTypeRack,
		UserID:           owner,
		FileName:         "drums.adg",
		FilePath:         "/tmp/drums.adg",
		Status:           model.AssetStatusPending,
		ProcessingStatus: model.ProcessingStatusUploaded,
	}
}

var _ = Describe("Store", Ordered, func() {
	var (
		store   st.Store
		gormDB  *gorm.DB
		cleanup func()
	)

	BeforeAll(func() {
		gormDB, store, cleanup = newTestDB()
	})

	AfterAll(func() {
		cleanup()
	})

	AfterEach(func() {
		gormDB.Exec("DELETE from assets;")
		gormDB.Exec("DELETE from job_executions;")
		gormDB.Exec("DELETE from uploader_violations;")
	})

	Context("transaction", func() {
		It("commits an asset", func() {
			ctx, err := store.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())

			asset, err := store.Asset().Create(ctx, newAsset("alice"))
			Expect(err).To(BeNil())
			Expect(asset.ID).ToNot(BeZero())

			_, err = st.Commit(ctx)
			Expect(err).To(BeNil())

			count := 0
			Expect(gormDB.Raw("SELECT COUNT(*) from assets;").Scan(&count).Error).To(BeNil())
			Expect(count).To(Equal(1))
		})

		It("rolls back an asset", func() {
			ctx, err := store.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())

			_, err = store.Asset().Create(ctx, newAsset("alice"))
			Expect(err).To(BeNil())

			assets, err := store.Asset().List(ctx, st.NewAssetQueryFilter().ByOwner("alice"))
			Expect(err).To(BeNil())
			Expect(assets).To(HaveLen(1))

			_, err = st.Rollback(ctx)
			Expect(err).To(BeNil())

			count := 0
			Expect(gormDB.Raw("SELECT COUNT(*) from assets;").Scan(&count).Error).To(BeNil())
			Expect(count).To(Equal(0))
		})

		It("joins the transaction already on the context", func() {
			ctx, err := store.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())
			joined, err := store.NewTransactionContext(ctx)
			Expect(err).To(BeNil())
			Expect(st.FromContext(joined)).To(BeIdenticalTo(st.FromContext(ctx)))

			_, err = store.Asset().Create(joined, newAsset("alice"))
			Expect(err).To(BeNil())
			_, err = st.Rollback(ctx)
			Expect(err).To(BeNil())

			count := 0
			Expect(gormDB.Raw("SELECT COUNT(*) from assets;").Scan(&count).Error).To(BeNil())
			Expect(count).To(Equal(0))
		})

		It("keeps committed rows when a deferred rollback runs", func() {
			ctx, err := store.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())
			_, err = store.Asset().Create(ctx, newAsset("alice"))
			Expect(err).To(BeNil())

			_, err = st.Commit(ctx)
			Expect(err).To(BeNil())
			_, err = st.Rollback(ctx)
			Expect(err).ToNot(BeNil())

			count := 0
			Expect(gormDB.Raw("SELECT COUNT(*) from assets;").Scan(&count).Error).To(BeNil())
			Expect(count).To(Equal(1))
		})

		It("deletes an asset and its ledger row together", func() {
			asset, err := store.Asset().Create(context.TODO(), newAsset("alice"))
			Expect(err).To(BeNil())
			key := model.ActiveKeyFor(asset.ModelType(), asset.ID, "virus_scan")
			_, err = store.Job().Create(context.TODO(), model.JobExecution{
				JobID: "job-del", JobClass: "virus_scan", Queue: "scan", ModelType: asset.ModelType(), ModelID: asset.ID,
				Status: model.JobStatusQueued, MaxAttempts: 3, QueuedAt: time.Now(), ActiveKey: &key,
			})
			Expect(err).To(BeNil())

			ctx, err := store.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())
			Expect(store.Job().Delete(ctx, "job-del")).To(Succeed())
			Expect(store.Asset().Delete(ctx, asset.ID)).To(Succeed())
			_, err = st.Commit(ctx)
			Expect(err).To(BeNil())

			_, err = store.Asset().Get(context.TODO(), asset.ID)
			Expect(err).To(MatchError(st.ErrRecordNotFound))
			_, err = store.Job().Get(context.TODO(), "job-del")
			Expect(err).To(MatchError(st.ErrRecordNotFound))
		})
	})

	Context("asset", func() {
		It("transitions only from the expected status", func() {
			asset, err := store.Asset().Create(context.TODO(), newAsset("bob"))
			Expect(err).To(BeNil())

			err = store.Asset().Transition(context.TODO(), asset.ID, model.ProcessingStatusUploaded,
				model.ProjectionFields(model.ProcessingStatusPendingScan))
			Expect(err).To(BeNil())

			err = store.Asset().Transition(context.TODO(), asset.ID, model.ProcessingStatusUploaded,
				model.ProjectionFields(model.ProcessingStatusScanning))
			Expect(errors.Is(err, st.ErrConcurrentUpdate)).To(BeTrue())

			got, err := store.Asset().Get(context.TODO(), asset.ID)
			Expect(err).To(BeNil())
			Expect(got.ProcessingStatus).To(Equal(model.ProcessingStatusPendingScan))
			Expect(got.Status).To(Equal(model.AssetStatusPending))
			Expect(got.ProgressPercent).To(Equal(10))
		})

		It("reports missing assets", func() {
			_, err := store.Asset().Get(context.TODO(), 4242)
			Expect(err).To(Equal(st.ErrRecordNotFound))

			err = store.Asset().Transition(context.TODO(), 4242, model.ProcessingStatusUploaded, map[string]any{"stage_label": "x"})
			Expect(err).To(Equal(st.ErrRecordNotFound))
		})

		It("counts assets per processing status", func() {
			for i := 0; i < 3; i++ {
				_, err := store.Asset().Create(context.TODO(), newAsset("carol"))
				Expect(err).To(BeNil())
			}
			a, err := store.Asset().Create(context.TODO(), newAsset("carol"))
			Expect(err).To(BeNil())
			Expect(store.Asset().Update(context.TODO(), a.ID, model.ProjectionFields(model.ProcessingStatusQuarantined))).To(Succeed())

			counts, err := store.Asset().CountByProcessingStatus(context.TODO())
			Expect(err).To(BeNil())
			Expect(counts[model.ProcessingStatusUploaded]).To(Equal(int64(3)))
			Expect(counts[model.ProcessingStatusQuarantined]).To(Equal(int64(1)))
		})
	})

	Context("job executions", func() {
		It("allows one active chain per asset and job class", func() {
			key := model.ActiveKeyFor("rack", 7, "rack_analysis")
			first := model.JobExecution{
				JobID: uuid.NewString(), JobClass: "rack_analysis", Queue: "analysis",
				ModelType: "rack", ModelID: 7, Status: model.JobStatusQueued,
				MaxAttempts: 3, QueuedAt: time.Now(), ActiveKey: &key,
			}
			_, err := store.Job().Create(context.TODO(), first)
			Expect(err).To(BeNil())

			second := first
			second.ID = 0
			second.JobID = uuid.NewString()
			_, err = store.Job().Create(context.TODO(), second)
			Expect(err).To(Equal(st.ErrDuplicateKey))

			active, err := store.Job().FindActive(context.TODO(), "rack", 7, "rack_analysis")
			Expect(err).To(BeNil())
			Expect(active.JobID).To(Equal(first.JobID))
		})

		It("rejects updates from a stale status", func() {
			job, err := store.Job().Create(context.TODO(), model.JobExecution{
				JobID: uuid.NewString(), JobClass: "virus_scan", Queue: "scan",
				ModelType: "preset", ModelID: 1, Status: model.JobStatusQueued,
				MaxAttempts: 3, QueuedAt: time.Now(),
			})
			Expect(err).To(BeNil())

			err = store.Job().UpdateFromStatus(context.TODO(), job.JobID, model.JobStatusQueued,
				map[string]any{"status": model.JobStatusProcessing, "attempts": 1})
			Expect(err).To(BeNil())

			err = store.Job().UpdateFromStatus(context.TODO(), job.JobID, model.JobStatusQueued,
				map[string]any{"status": model.JobStatusProcessing, "attempts": 2})
			Expect(err).To(Equal(st.ErrConcurrentUpdate))

			err = store.Job().UpdateFromStatus(context.TODO(), "missing", model.JobStatusQueued, map[string]any{"attempts": 2})
			Expect(err).To(Equal(st.ErrRecordNotFound))

			jobs, err := store.Job().List(context.TODO(), st.NewJobQueryFilter().ByModel("preset", 1).ByStatus(model.JobStatusProcessing))
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].Attempts).To(Equal(1))
		})
	})

	Context("violations", func() {
		It("flags an uploader at the threshold", func() {
			v, err := store.Violation().Increment(context.TODO(), "mallory", "high", 2)
			Expect(err).To(BeNil())
			Expect(v.Count).To(Equal(1))
			Expect(v.Flagged).To(BeFalse())

			v, err = store.Violation().Increment(context.TODO(), "mallory", "critical", 2)
			Expect(err).To(BeNil())
			Expect(v.Count).To(Equal(2))
			Expect(v.Flagged).To(BeTrue())
			Expect(v.LastThreatLevel).To(Equal("critical"))

			_, err = store.Violation().Get(context.TODO(), "nobody")
			Expect(err).To(Equal(st.ErrRecordNotFound))
		})
	})
})

package service_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stagehand/asset-pipeline/internal/service"
	"github.com/stagehand/asset-pipeline/internal/store"
	"github.com/stagehand/asset-pipeline/internal/store/model"
	"gorm.io/gorm"
)

var _ = Describe("ledger", Ordered, func() {
	var (
		s       store.Store
		gormDB  *gorm.DB
		cleanup func()
		ledger  *service.Ledger
		asset   *model.Asset
	)

	BeforeAll(func() {
		gormDB, s, cleanup = newTestStore()
		ledger = service.NewLedger(s)
	})

	AfterAll(func() {
		cleanup()
	})

	BeforeEach(func() {
		asset = createAsset(s, "alice", model.ProcessingStatusClean, "/uploads/bass.adg")
	})

	AfterEach(func() {
		cleanTables(gormDB)
	})

	open := func(maxAttempts int) service.OpenRequest {
		return service.OpenRequest{
			Asset:       *asset,
			JobClass:    service.JobClassRackAnalysis,
			Queue:       service.QueueAnalysis,
			MaxAttempts: maxAttempts,
			Payload:     map[string]any{"asset_id": asset.ID},
			Metadata:    map[string]any{"uploader_id": "alice"},
		}
	}

	Context("create or resume", func() {
		It("resumes the active row instead of opening a second one", func() {
			first, created, err := ledger.CreateOrResume(context.TODO(), open(3))
			Expect(err).To(BeNil())
			Expect(created).To(BeTrue())
			Expect(first.Status).To(Equal(model.JobStatusQueued))
			Expect(first.ModelType).To(Equal("rack"))

			second, created, err := ledger.CreateOrResume(context.TODO(), open(3))
			Expect(err).To(BeNil())
			Expect(created).To(BeFalse())
			Expect(second.JobID).To(Equal(first.JobID))
		})

		It("keeps one active row under concurrent callers", func() {
			var (
				wg  sync.WaitGroup
				mu  sync.Mutex
				ids = map[string]struct{}{}
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					job, _, err := ledger.CreateOrResume(context.TODO(), open(3))
					Expect(err).To(BeNil())
					mu.Lock()
					ids[job.JobID] = struct{}{}
					mu.Unlock()
				}()
			}
			wg.Wait()
			Expect(ids).To(HaveLen(1))

			var count int64
			tx := gormDB.Model(&model.JobExecution{}).Where("active_key IS NOT NULL").Count(&count)
			Expect(tx.Error).To(BeNil())
			Expect(count).To(BeNumerically("==", 1))
		})

		It("opens a new chain once the previous one finished", func() {
			first, _, err := ledger.CreateOrResume(context.TODO(), open(3))
			Expect(err).To(BeNil())
			_, err = ledger.RecordAttemptStart(context.TODO(), first.JobID)
			Expect(err).To(BeNil())
			_, err = ledger.RecordSuccess(context.TODO(), first.JobID)
			Expect(err).To(BeNil())

			second, created, err := ledger.CreateOrResume(context.TODO(), open(3))
			Expect(err).To(BeNil())
			Expect(created).To(BeTrue())
			Expect(second.JobID).ToNot(Equal(first.JobID))
		})
	})

	Context("attempts", func() {
		It("records a retry then a success", func() {
			job, _, err := ledger.CreateOrResume(context.TODO(), open(3))
			Expect(err).To(BeNil())

			job, err = ledger.RecordAttemptStart(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.JobStatusProcessing))
			Expect(job.Attempts).To(Equal(1))
			Expect(job.StartedAt).ToNot(BeNil())

			next := time.Now().Add(time.Minute)
			job, err = ledger.RecordAttemptFailure(context.TODO(), job.JobID, "gzip: invalid header", next)
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.JobStatusRetryScheduled))
			Expect(*job.FailureReason).To(Equal("gzip: invalid header"))
			Expect(job.NextRetryAt).ToNot(BeNil())

			job, err = ledger.RecordAttemptStart(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(job.Attempts).To(Equal(2))
			Expect(job.NextRetryAt).To(BeNil())

			job, err = ledger.RecordSuccess(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.JobStatusCompleted))
			Expect(job.CompletedAt).ToNot(BeNil())
			Expect(job.ActiveKey).To(BeNil())
		})

		It("never exceeds the attempt ceiling", func() {
			job, _, err := ledger.CreateOrResume(context.TODO(), open(1))
			Expect(err).To(BeNil())
			_, err = ledger.RecordAttemptStart(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			_, err = ledger.RecordAttemptFailure(context.TODO(), job.JobID, "boom", time.Now())
			Expect(err).To(BeNil())

			job, err = ledger.RecordAttemptStart(context.TODO(), job.JobID)
			Expect(errors.Is(err, service.ErrAttemptsExhausted)).To(BeTrue())
			Expect(job.Attempts).To(Equal(1))
		})

		It("counts an attempt abandoned by a lost worker", func() {
			job, _, err := ledger.CreateOrResume(context.TODO(), open(3))
			Expect(err).To(BeNil())
			_, err = ledger.RecordAttemptStart(context.TODO(), job.JobID)
			Expect(err).To(BeNil())

			job, err = ledger.RecordAttemptStart(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(job.Attempts).To(Equal(2))
			Expect(*job.FailureReason).To(Equal("worker lost during attempt"))
		})

		It("freezes a terminal row", func() {
			job, _, err := ledger.CreateOrResume(context.TODO(), open(3))
			Expect(err).To(BeNil())
			_, err = ledger.RecordAttemptStart(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			job, err = ledger.RecordPermanentFailure(context.TODO(), job.JobID, "asset vanished", "trace")
			Expect(err).To(BeNil())
			Expect(*job.StackTrace).To(Equal("trace"))

			_, err = ledger.RecordAttemptStart(context.TODO(), job.JobID)
			Expect(errors.Is(err, model.ErrInvalidJobTransition)).To(BeTrue())
			_, err = ledger.RecordSuccess(context.TODO(), job.JobID)
			Expect(errors.Is(err, model.ErrInvalidJobTransition)).To(BeTrue())
			err = ledger.MergeMetadata(context.TODO(), job.JobID, map[string]any{"note": "late"})
			Expect(errors.Is(err, model.ErrInvalidJobTransition)).To(BeTrue())

			stored, err := ledger.Get(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(stored.Status).To(Equal(model.JobStatusPermanentlyFailed))
			Expect(*stored.FailureReason).To(Equal("asset vanished"))
		})

		It("merges metadata without losing existing keys", func() {
			job, _, err := ledger.CreateOrResume(context.TODO(), open(3))
			Expect(err).To(BeNil())
			Expect(ledger.MergeMetadata(context.TODO(), job.JobID, map[string]any{"scan_outcome": "clean"})).To(Succeed())

			stored, err := ledger.Get(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(string(stored.Metadata)).To(ContainSubstring(`"uploader_id":"alice"`))
			Expect(string(stored.Metadata)).To(ContainSubstring(`"scan_outcome":"clean"`))
		})
	})
})

package cache_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"github.com/stagehand/asset-pipeline/internal/cache"
	"github.com/stagehand/asset-pipeline/internal/store/model"
)

var _ = Describe("cache", func() {
	var (
		mr *miniredis.Miniredis
		c  *cache.Client
	)

	BeforeEach(func() {
		mr = miniredis.RunT(GinkgoT())
		c = cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	})

	AfterEach(func() {
		_ = c.Close()
	})

	Context("scan results", func() {
		It("is reachable by job id and by hash until it expires", func() {
			r := model.ScanResult{JobID: "job-1", FileHash: "abc", Status: model.ScanStatusClean, IsClean: true}
			Expect(c.SaveScanResult(context.TODO(), r, time.Hour)).To(Succeed())

			byJob, err := c.ScanResultByJob(context.TODO(), "job-1")
			Expect(err).To(BeNil())
			Expect(byJob.IsClean).To(BeTrue())

			byHash, err := c.ScanResultByHash(context.TODO(), "abc")
			Expect(err).To(BeNil())
			Expect(byHash.JobID).To(Equal("job-1"))

			mr.FastForward(2 * time.Hour)
			_, err = c.ScanResultByJob(context.TODO(), "job-1")
			Expect(err).To(Equal(cache.ErrCacheMiss))
		})
	})

	Context("daily metrics", func() {
		It("aggregates counts, engines and mean duration", func() {
			day := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			results := []model.ScanResult{
				{JobID: "1", Status: model.ScanStatusClean, EnginesUsed: []string{"clamav", "hashlist"}, ScanDuration: 100 * time.Millisecond, StartedAt: day},
				{JobID: "2", Status: model.ScanStatusQuarantined, EnginesUsed: []string{"clamav"}, ScanDuration: 300 * time.Millisecond, StartedAt: day},
			}
			for _, r := range results {
				Expect(c.RecordScanMetrics(context.TODO(), r, 24*time.Hour)).To(Succeed())
			}

			m, err := c.DailyScanMetrics(context.TODO(), day)
			Expect(err).To(BeNil())
			Expect(m.Total).To(Equal(int64(2)))
			Expect(m.Clean).To(Equal(int64(1)))
			Expect(m.Infected).To(Equal(int64(1)))
			Expect(m.Quarantined).To(Equal(int64(1)))
			Expect(m.EngineUsage).To(HaveKeyWithValue("clamav", int64(2)))
			Expect(m.EngineUsage).To(HaveKeyWithValue("hashlist", int64(1)))
			Expect(m.MeanDuration).To(Equal(200 * time.Millisecond))
		})

		It("keeps the scan log bounded", func() {
			day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				r := model.ScanResult{JobID: string(rune('a' + i)), StartedAt: day}
				Expect(c.AppendScanLog(context.TODO(), r, 3, time.Hour)).To(Succeed())
			}

			entries, err := c.ScanLog(context.TODO(), day, 10)
			Expect(err).To(BeNil())
			Expect(entries).To(HaveLen(3))
			Expect(entries[0].JobID).To(Equal("e"))
		})
	})

	Context("batches", func() {
		It("does not double count an item written twice", func() {
			b := model.BatchRecord{BatchID: "b1", Status: model.BatchStatusProcessing, AssetIDs: []uint{1, 2}}
			Expect(c.SaveBatch(context.TODO(), b, time.Hour)).To(Succeed())

			Expect(c.SetBatchItem(context.TODO(), "b1", model.BatchItem{AssetID: 1, Success: false, Error: "boom"}, time.Hour)).To(Succeed())
			Expect(c.SetBatchItem(context.TODO(), "b1", model.BatchItem{AssetID: 1, Success: true}, time.Hour)).To(Succeed())

			got, err := c.GetBatch(context.TODO(), "b1")
			Expect(err).To(BeNil())
			Expect(got.Total).To(Equal(2))
			Expect(got.SuccessCount).To(Equal(1))
			Expect(got.FailureCount).To(Equal(0))
			Expect(got.Items).To(HaveLen(1))
		})

		It("grants the close guard once", func() {
			first, err := c.AcquireBatchClose(context.TODO(), "b2", time.Hour)
			Expect(err).To(BeNil())
			Expect(first).To(BeTrue())

			second, err := c.AcquireBatchClose(context.TODO(), "b2", time.Hour)
			Expect(err).To(BeNil())
			Expect(second).To(BeFalse())
		})

		It("misses unknown batches", func() {
			_, err := c.GetBatch(context.TODO(), "nope")
			Expect(err).To(Equal(cache.ErrCacheMiss))
		})
	})
})

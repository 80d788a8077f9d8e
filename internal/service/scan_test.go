package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stagehand/asset-pipeline/internal/scanner"
	"github.com/stagehand/asset-pipeline/internal/service"
	"github.com/stagehand/asset-pipeline/internal/store"
	"github.com/stagehand/asset-pipeline/internal/store/model"
	"github.com/stagehand/asset-pipeline/pkg/filestore"
	"gorm.io/gorm"
)

var _ = Describe("scan stage", Ordered, func() {
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

	submit := func(owner, scanContext string) (*model.Asset, *model.JobExecution, string) {
		path := uploadFile([]byte("project bytes"))
		asset, job, err := p.ingest.Submit(context.TODO(), service.Upload{
			Type:     model.AssetTypeRack,
			UserID:   owner,
			FileName: "kit.adg",
			Location: path,
			Context:  scanContext,
		})
		Expect(err).To(BeNil())
		return asset, job, path
	}

	Context("intake", func() {
		It("registers the upload and queues its scan", func() {
			asset, job, _ := submit("alice", "upload")

			stored := reload(s, asset.ID)
			Expect(stored.ProcessingStatus).To(Equal(model.ProcessingStatusPendingScan))
			Expect(stored.Status).To(Equal(model.AssetStatusPending))
			Expect(stored.FileSize).To(BeNumerically("==", len("project bytes")))
			Expect(stored.FileHash).To(HaveLen(64))
			Expect(*stored.CurrentJobID).To(Equal(job.JobID))

			Expect(job.JobClass).To(Equal(string(service.JobClassVirusScan)))
			Expect(job.Queue).To(Equal(service.QueueScan))
			Expect(job.MaxAttempts).To(Equal(3))
			Expect(p.enqueuer.scans).To(HaveLen(1))
			Expect(p.enqueuer.scans[0].Priority).To(BeFalse())
		})

		It("routes critical uploads to the priority queue", func() {
			_, job, _ := submit("alice", service.ScanContextCritical)
			Expect(job.Queue).To(Equal(service.QueueScanPriority))
			Expect(p.enqueuer.scans[0].Priority).To(BeTrue())
		})

		It("rejects an upload that does not exist", func() {
			_, _, err := p.ingest.Submit(context.TODO(), service.Upload{
				Type: model.AssetTypeRack, UserID: "alice", Location: "/nowhere/kit.adg",
			})
			Expect(service.Classify(err)).To(Equal(service.KindNotFound))
		})

		It("leaves nothing behind when the scan cannot be queued", func() {
			p.enqueuer.scanErr = errors.New("queue down")
			path := uploadFile([]byte("project bytes"))
			upload := service.Upload{Type: model.AssetTypeRack, UserID: "alice", FileName: "kit.adg", Location: path}

			_, _, err := p.ingest.Submit(context.TODO(), upload)
			Expect(err).To(MatchError(ContainSubstring("queue down")))
			Expect(service.Classify(err)).To(Equal(service.KindTransient))

			assets, err := s.Asset().List(context.TODO(), nil)
			Expect(err).To(BeNil())
			Expect(assets).To(BeEmpty())
			ledgerRows, err := s.Job().List(context.TODO(), nil)
			Expect(err).To(BeNil())
			Expect(ledgerRows).To(BeEmpty())

			p.enqueuer.scanErr = nil
			asset, job, err := p.ingest.Submit(context.TODO(), upload)
			Expect(err).To(BeNil())
			Expect(reload(s, asset.ID).ProcessingStatus).To(Equal(model.ProcessingStatusPendingScan))
			Expect(p.enqueuer.scans).To(HaveLen(1))
			Expect(p.enqueuer.scans[0].JobID).To(Equal(job.JobID))
		})

		It("rejects an upload that fails validation before touching storage", func() {
			_, _, err := p.ingest.Submit(context.TODO(), service.Upload{
				Type: "video", UserID: "alice", FileName: "../kit.adg", Location: "/nowhere/kit.adg",
			})
			Expect(service.Classify(err)).To(Equal(service.KindValidation))
			Expect(err.Error()).To(ContainSubstring("Upload.Type failed on asset_type"))
			Expect(err.Error()).To(ContainSubstring("Upload.FileName failed on file_name"))
			Expect(p.enqueuer.scans).To(BeEmpty())
		})
	})

	Context("clean file", func() {
		It("marks the asset clean and schedules analysis without blocking the file", func() {
			asset, job, path := submit("alice", "upload")

			outcome, err := p.scan.Execute(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(outcome.Completed).To(BeTrue())

			stored := reload(s, asset.ID)
			Expect(stored.ProcessingStatus).To(Equal(model.ProcessingStatusClean))
			Expect(*stored.CurrentJobID).ToNot(Equal(job.JobID))

			Expect(p.enqueuer.analyses).To(HaveLen(1))
			Expect(p.enqueuer.analyses[0].JobClass).To(Equal(service.JobClassRackAnalysis))
			Expect(p.enqueuer.analyses[0].JobID).To(Equal(*stored.CurrentJobID))

			_, err = os.Stat(path + filestore.BlockedSuffix)
			Expect(os.IsNotExist(err)).To(BeTrue())

			ledgerRow, err := p.ledger.Get(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(ledgerRow.Status).To(Equal(model.JobStatusCompleted))
			Expect(ledgerRow.Attempts).To(Equal(1))

			result, err := p.scan.Status(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(result.IsClean).To(BeTrue())
			Expect(result.EnginesUsed).To(ConsistOf("fake"))

			byHash, err := p.scan.LookupByHash(context.TODO(), stored.FileHash)
			Expect(err).To(BeNil())
			Expect(byHash.JobID).To(Equal(job.JobID))

			metrics, err := p.cache.DailyScanMetrics(context.TODO(), time.Now())
			Expect(err).To(BeNil())
			Expect(metrics.Total).To(BeNumerically("==", 1))
			Expect(metrics.Clean).To(BeNumerically("==", 1))
			Expect(metrics.EngineUsage).To(HaveKeyWithValue("fake", int64(1)))
		})

		It("treats a redelivered finished job as done", func() {
			_, job, _ := submit("alice", "upload")
			_, err := p.scan.Execute(context.TODO(), job.JobID)
			Expect(err).To(BeNil())

			outcome, err := p.scan.Execute(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(outcome.Completed).To(BeTrue())
			Expect(p.scanner.Calls()).To(Equal(1))
		})

		It("rebuilds the scan status once the cache expired", func() {
			asset, job, _ := submit("alice", "upload")
			_, err := p.scan.Execute(context.TODO(), job.JobID)
			Expect(err).To(BeNil())

			p.redis.FlushAll()

			result, err := p.scan.Status(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(result.Status).To(Equal(model.ScanStatusClean))
			Expect(result.AssetID).To(Equal(asset.ID))

			_, err = p.scan.LookupByHash(context.TODO(), asset.FileHash)
			Expect(service.Classify(err)).To(Equal(service.KindNotFound))
		})
	})

	Context("infected file", func() {
		It("quarantines a critical threat and alerts the security team", func() {
			p.scanner.threats = []model.Threat{{Name: "Win.Trojan.Agent", Engine: "clamav", Severity: model.ThreatLevelCritical}}
			asset, job, path := submit("mallory", "upload")

			outcome, err := p.scan.Execute(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(outcome.Permanent()).To(BeTrue())
			Expect(outcome.Kind).To(Equal(service.KindSecurity))

			stored := reload(s, asset.ID)
			Expect(stored.ProcessingStatus).To(Equal(model.ProcessingStatusQuarantined))
			Expect(stored.Status).To(Equal(model.AssetStatusBlocked))

			data, err := os.ReadFile(path + filestore.BlockedSuffix)
			Expect(err).To(BeNil())
			var marker service.BlockMarker
			Expect(json.Unmarshal(data, &marker)).To(Succeed())
			Expect(marker.JobID).To(Equal(job.JobID))
			Expect(marker.ScanResult.Quarantined).To(BeTrue())
			Expect(marker.ScanResult.ThreatLevel).To(Equal(model.ThreatLevelCritical))

			ledgerRow, err := p.ledger.Get(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(ledgerRow.Status).To(Equal(model.JobStatusPermanentlyFailed))
			Expect(ledgerRow.Attempts).To(Equal(1))
			Expect(string(ledgerRow.Metadata)).To(ContainSubstring(`"scan_outcome":"quarantined"`))

			Expect(p.notifier.alerts).To(HaveLen(1))
			Expect(p.notifier.alerts[0].Violations).To(Equal(1))
			Expect(p.notifier.alerts[0].Flagged).To(BeFalse())
			Expect(p.notifier.Kinds()).To(ContainElement("scan_blocked"))
			for _, n := range p.notifier.notifications {
				Expect(n.Message).ToNot(ContainSubstring("Trojan"))
			}

			Expect(p.enqueuer.analyses).To(BeEmpty())
		})

		It("blocks a low threat without quarantine or alert", func() {
			p.scanner.threats = []model.Threat{{Name: "PUA.Win.Adware", Engine: "clamav", Severity: model.ThreatLevelLow}}
			asset, job, path := submit("alice", "upload")

			outcome, err := p.scan.Execute(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(outcome.Kind).To(Equal(service.KindSecurity))

			stored := reload(s, asset.ID)
			Expect(stored.ProcessingStatus).To(Equal(model.ProcessingStatusInfected))
			_, err = os.Stat(path + filestore.BlockedSuffix)
			Expect(os.IsNotExist(err)).To(BeTrue())
			Expect(p.notifier.alerts).To(BeEmpty())
		})

		It("flags an uploader once the violation threshold is reached", func() {
			p.scanner.threats = []model.Threat{{Name: "Eicar-Signature", Engine: "clamav", Severity: model.ThreatLevelHigh}}
			for i := 0; i < p.cfg.ViolationThreshold; i++ {
				_, job, _ := submit("mallory", "upload")
				_, err := p.scan.Execute(context.TODO(), job.JobID)
				Expect(err).To(BeNil())
			}

			Expect(p.notifier.alerts).To(HaveLen(p.cfg.ViolationThreshold))
			last := p.notifier.alerts[len(p.notifier.alerts)-1]
			Expect(last.Violations).To(Equal(p.cfg.ViolationThreshold))
			Expect(last.Flagged).To(BeTrue())

			violation, err := s.Violation().Get(context.TODO(), "mallory")
			Expect(err).To(BeNil())
			Expect(violation.Flagged).To(BeTrue())
		})
	})

	Context("scan that cannot complete", func() {
		It("rejects an empty upload before calling any engine and fails closed", func() {
			path := uploadFile([]byte("x"))
			asset, job, err := p.ingest.Submit(context.TODO(), service.Upload{
				Type: model.AssetTypeRack, UserID: "alice", Location: path,
			})
			Expect(err).To(BeNil())
			Expect(os.Truncate(path, 0)).To(Succeed())

			outcome, err := p.scan.Execute(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(outcome.Kind).To(Equal(service.KindValidation))
			Expect(p.scanner.Calls()).To(Equal(0))

			stored := reload(s, asset.ID)
			Expect(stored.ProcessingStatus).To(Equal(model.ProcessingStatusScanFailed))
			Expect(path + filestore.BlockedSuffix).To(BeAnExistingFile())
		})

		It("retries timeouts with the configured delays then blocks the file", func() {
			p.scanner.block = true
			asset, job, path := submit("alice", "upload")

			outcome, err := p.scan.Execute(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(outcome.Retry).To(BeTrue())
			Expect(outcome.Delay).To(Equal(60 * time.Second))
			Expect(reload(s, asset.ID).ProcessingStatus).To(Equal(model.ProcessingStatusPendingScan))

			outcome, err = p.scan.Execute(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(outcome.Retry).To(BeTrue())
			Expect(outcome.Delay).To(Equal(120 * time.Second))

			outcome, err = p.scan.Execute(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(outcome.Permanent()).To(BeTrue())
			Expect(outcome.Kind).To(Equal(service.KindTransient))
			Expect(p.scanner.Calls()).To(Equal(3))

			stored := reload(s, asset.ID)
			Expect(stored.ProcessingStatus).To(Equal(model.ProcessingStatusScanFailed))
			Expect(stored.Status).To(Equal(model.AssetStatusBlocked))
			Expect(path + filestore.BlockedSuffix).To(BeAnExistingFile())

			ledgerRow, err := p.ledger.Get(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(ledgerRow.Status).To(Equal(model.JobStatusPermanentlyFailed))
			Expect(ledgerRow.Attempts).To(Equal(3))
			Expect(*ledgerRow.StackTrace).ToNot(BeEmpty())

			Expect(p.notifier.Kinds()).To(ContainElement("scan_failed"))
			Expect(p.enqueuer.analyses).To(BeEmpty())
		})

		It("treats an engine outage as transient", func() {
			p.scanner.err = errors.Join(scanner.ErrUnavailable, errors.New("dial tcp: connection refused"))
			_, job, _ := submit("alice", "upload")

			outcome, err := p.scan.Execute(context.TODO(), job.JobID)
			Expect(err).To(BeNil())
			Expect(outcome.Retry).To(BeTrue())
			Expect(outcome.Kind).To(Equal(service.KindTransient))
		})
	})
})

package migrations_test

import (
	"io/fs"
	"strings"
	"testing/fstest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stagehand/asset-pipeline/pkg/migrations"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var _ = Describe("migrations", Ordered, func() {
	var db *gorm.DB

	BeforeAll(func() {
		var err error
		db, err = gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
		Expect(err).To(BeNil())
	})

	AfterAll(func() {
		sqlDB, err := db.DB()
		Expect(err).To(BeNil())
		_ = sqlDB.Close()
	})

	It("embeds the initial schema", func() {
		sources, err := migrations.Sources(db, migrations.SQL())
		Expect(err).To(BeNil())
		Expect(sources).To(HaveLen(1))
		Expect(sources[0].Version).To(BeNumerically("==", 20251019090000))

		body, err := fs.ReadFile(migrations.SQL(), "20251019090000_initial_schema.sql")
		Expect(err).To(BeNil())
		for _, table := range []string{"assets", "job_executions", "uploader_violations"} {
			Expect(string(body)).To(ContainSubstring("CREATE TABLE IF NOT EXISTS " + table))
		}
		Expect(strings.Count(string(body), "-- +goose")).To(BeNumerically(">=", 2))
	})

	It("keeps one active chain per asset and job class", func() {
		body, err := fs.ReadFile(migrations.SQL(), "20251019090000_initial_schema.sql")
		Expect(err).To(BeNil())
		Expect(string(body)).To(ContainSubstring("CREATE UNIQUE INDEX IF NOT EXISTS idx_job_executions_active_key"))
	})

	It("lists migrations in version order", func() {
		set := fstest.MapFS{
			"2_b.sql": {Data: []byte("-- +goose Up\nSELECT 2;\n")},
			"1_a.sql": {Data: []byte("-- +goose Up\nSELECT 1;\n")},
		}
		sources, err := migrations.Sources(db, set)
		Expect(err).To(BeNil())
		Expect(sources).To(HaveLen(2))
		Expect(sources[0].Version).To(BeNumerically("==", 1))
		Expect(sources[1].Version).To(BeNumerically("==", 2))
	})

	It("rejects a migration set with a duplicate version", func() {
		dup := fstest.MapFS{
			"1_a.sql": {Data: []byte("-- +goose Up\nSELECT 1;\n")},
			"1_b.sql": {Data: []byte("-- +goose Up\nSELECT 1;\n")},
		}
		_, err := migrations.Sources(db, dup)
		Expect(err).To(MatchError(ContainSubstring("duplicate migration version 1")))
	})
})

package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed sql/*.sql
var embedded embed.FS

// SQL returns the embedded goose migrations.
func SQL() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// MigrateStore applies the pipeline schema and, when pgxPool is set, river's
// own tables. migrations is usually SQL().
func MigrateStore(ctx context.Context, db *gorm.DB, migrations fs.FS, pgxPool *pgxpool.Pool) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	provider, err := newProvider(sqlDB, migrations)
	if err != nil {
		return fmt.Errorf("store migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store migrations: %w", err)
	}
	for _, r := range results {
		zap.S().Named("migrations").Infow("store migration applied", "version", r.Source.Version, "path", r.Source.Path, "duration", r.Duration)
	}

	if pgxPool == nil {
		return nil
	}
	if err := migrateRiver(ctx, pgxPool); err != nil {
		return fmt.Errorf("river migrations: %w", err)
	}
	return nil
}

// Sources lists the migrations found in migrations, in apply order. The database
// is not queried. Duplicate versions are an error.
func Sources(db *gorm.DB, migrations fs.FS) ([]*goose.Source, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	provider, err := newProvider(sqlDB, migrations)
	if err != nil {
		return nil, err
	}
	return provider.ListSources(), nil
}

// newProvider must not be closed: that would close the gorm connection pool.
func newProvider(sqlDB *sql.DB, migrations fs.FS) (*goose.Provider, error) {
	return goose.NewProvider(goose.DialectPostgres, sqlDB, migrations,
		goose.WithDisableGlobalRegistry(true),
		goose.WithLogger(&logger{}),
	)
}

func migrateRiver(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return err
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return err
	}
	for _, v := range res.Versions {
		zap.S().Named("migrations").Infow("river migration applied", "version", v.Version, "duration", v.Duration)
	}
	return nil
}

// logger routes goose output to zap.
type logger struct{}

func (m *logger) Printf(format string, v ...interface{}) { zap.S().Named("migrations").Infof(format, v...) }
func (m *logger) Fatalf(format string, v ...interface{}) { zap.S().Named("migrations").Fatalf(format, v...) }

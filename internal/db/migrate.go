package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const (
	// migrationsDir is "." rather than "migrations": the caller's embed.FS
	// is rooted at the migrations package itself (its go:embed directive
	// lives inside migrations/), so the SQL files appear at the FS root,
	// not under a migrations/ subdirectory.
	migrationsDir   = "."
	migrationsTable = "schema_migrations"
)

var (
	ErrSetDialect      = errors.New("db migrator: failed to set dialect")
	ErrApplyMigrations = errors.New("db migrator: failed to apply migrations")
)

// Migrate runs every pending migration in migrations against pool. The
// pgx pool is bridged to database/sql via stdlib.OpenDBFromPool since
// goose drives migrations through that interface; the bridge shares the
// pool's underlying connections, so it is never closed here.
func Migrate(ctx context.Context, pool *pgxpool.Pool, migrations embed.FS, log *slog.Logger) error {
	conn := stdlib.OpenDBFromPool(pool)

	goose.SetBaseFS(migrations)
	goose.SetTableName(migrationsTable)

	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	goose.SetLogger(&gooseLoggerAdapter{log})

	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Join(ErrSetDialect, err)
	}

	if err := goose.UpContext(ctx, conn, migrationsDir); err != nil {
		return errors.Join(ErrApplyMigrations, err)
	}

	return nil
}

type gooseLoggerAdapter struct {
	log *slog.Logger
}

func (g *gooseLoggerAdapter) Printf(format string, args ...any) {
	g.log.Info(fmt.Sprintf(format, args...))
}

func (g *gooseLoggerAdapter) Fatalf(format string, args ...any) {
	g.log.Error(fmt.Sprintf(format, args...))
}

// Command migrate applies goose migrations to the audit store database.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/resolvercore/confd/internal/auditstore"
)

func main() {
	down := flag.Bool("down", false, "roll back the most recent migration instead of applying pending ones")
	status := flag.Bool("status", false, "print migration status and exit")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := auditstore.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid audit store configuration", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to reach database", "error", err)
		os.Exit(1)
	}

	switch {
	case *status:
		if err := auditstore.MigrationStatus(db); err != nil {
			logger.Error("migration status failed", "error", err)
			os.Exit(1)
		}
	case *down:
		if err := auditstore.MigrateDown(db); err != nil {
			logger.Error("migration rollback failed", "error", err)
			os.Exit(1)
		}
		logger.Info("rolled back one migration")
	default:
		if err := auditstore.Migrate(db); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}
}

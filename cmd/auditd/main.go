// Command auditd verifies the hash chain of a register event archive
// offline, without starting the service.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/example/bond-register/internal/archive"
)

func main() {
	_ = godotenv.Load()

	driver := flag.String("driver", envOr("REGISTER_ARCHIVE_DRIVER", "sqlite"), "archive driver: sqlite or postgres")
	sqlitePath := flag.String("sqlite", envOr("REGISTER_SQLITE_PATH", "register.db"), "sqlite archive path")
	dsn := flag.String("database-url", os.Getenv("REGISTER_DATABASE_URL"), "postgres connection string")
	dump := flag.Bool("dump", false, "print every entry as a JSON line before the report")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := verify(ctx, logger, *driver, *sqlitePath, *dsn, *dump)
	if err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}
	_ = json.NewEncoder(os.Stdout).Encode(report)
	if !report.Intact {
		logger.Error("archive chain is broken", "broken_at", report.BrokenAt)
		os.Exit(2)
	}
}

func verify(ctx context.Context, logger *slog.Logger, driver, sqlitePath, dsn string, dump bool) (archive.Report, error) {
	var backend archive.Backend
	switch driver {
	case "sqlite":
		b, err := archive.OpenSQLite(ctx, sqlitePath)
		if err != nil {
			return archive.Report{}, err
		}
		defer b.Close()
		backend = b
	case "postgres":
		if dsn == "" {
			return archive.Report{}, fmt.Errorf("-database-url is required for postgres")
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return archive.Report{}, err
		}
		defer pool.Close()
		backend = archive.NewPostgresBackend(pool)
	default:
		return archive.Report{}, fmt.Errorf("unknown driver %q", driver)
	}

	arch, err := archive.Open(ctx, backend, logger)
	if err != nil {
		return archive.Report{}, err
	}
	if dump {
		enc := json.NewEncoder(os.Stdout)
		var after uint64
		for {
			page, err := arch.Entries(ctx, after, 500)
			if err != nil {
				return archive.Report{}, err
			}
			if len(page) == 0 {
				break
			}
			for _, e := range page {
				_ = enc.Encode(e)
			}
			after = page[len(page)-1].Seq
		}
	}
	return arch.Verify(ctx)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

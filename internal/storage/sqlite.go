package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jobrunner/pkg/errx"
	logx "jobrunner/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var sqliteDialect = dialect{
	name:    "sqlite",
	lockRow: "",
	isUniqueViolation: func(err error) bool {
		return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
	isForeignKeyFailed: func(err error) bool {
		return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
	},
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errx.Validationf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)",
		path, busy.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(context.Background(), db, "migrations/sqlite.sql"); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return &sqlStore{db: db, d: sqliteDialect, log: log}, nil
}

func migrate(ctx context.Context, db *sql.DB, file string) error {
	b, err := migrationsFS.ReadFile(file)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		return errx.Wrapf(err, "apply %s", file)
	}
	return nil
}

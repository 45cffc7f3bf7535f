package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"jobrunner/pkg/errx"
	logx "jobrunner/pkg/logx"

	"github.com/lib/pq"
)

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	lockRow:  " FOR UPDATE",
	isUniqueViolation: func(err error) bool {
		return pqCode(err) == "23505"
	},
	isForeignKeyFailed: func(err error) bool {
		return pqCode(err) == "23503"
	},
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errx.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errx.Validationf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errx.Wrap(err, "ping postgres")
	}
	if err := migrate(ctx, db, "migrations/postgres.sql"); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", "postgres"))
	return newPostgresStore(db, log), nil
}

func newPostgresStore(db *sql.DB, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, d: postgresDialect, log: log}
}

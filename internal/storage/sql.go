package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"jobrunner/pkg/errx"
	logx "jobrunner/pkg/logx"
)

// dialect captures the few differences between the SQL drivers.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of "?"
	numbered bool
	// row lock suffix for read-modify-write transactions
	lockRow            string
	isUniqueViolation  func(err error) bool
	isForeignKeyFailed func(err error) bool
}

// sqlStore implements Store on database/sql. Timestamps are stored as unix
// milliseconds so both drivers share one schema shape.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

const jobColumns = `id, name, description, cron_expression, handler_ref, enabled, locked, notify_on_failure,
	success_count, failure_count, consecutive_failures, average_duration_ms,
	last_run_at, next_run_at, created_at, updated_at`

const runColumns = `id, job_id, status, trigger_kind, started_at, completed_at, duration_ms, error, stack_trace`

func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(sc rowScanner) (JobDefinition, error) {
	var (
		j                       JobDefinition
		lastRun, nextRun        sql.NullInt64
		createdAt, updatedAt    int64
		successCount, failCount int64
		consecutive             int64
	)
	err := sc.Scan(&j.ID, &j.Name, &j.Description, &j.CronExpression, &j.HandlerRef,
		&j.Enabled, &j.Locked, &j.NotifyOnFailure,
		&successCount, &failCount, &consecutive, &j.AverageDurationMs,
		&lastRun, &nextRun, &createdAt, &updatedAt)
	if err != nil {
		return JobDefinition{}, err
	}
	j.SuccessCount = uint64(successCount)
	j.FailureCount = uint64(failCount)
	j.ConsecutiveFailures = uint32(consecutive)
	j.LastRunAt = fromNullMillis(lastRun)
	j.NextRunAt = fromNullMillis(nextRun)
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	return j, nil
}

func scanRun(sc rowScanner) (RunRecord, error) {
	var (
		r           RunRecord
		status      string
		trigger     string
		startedAt   int64
		completedAt sql.NullInt64
		duration    sql.NullInt64
		errText     sql.NullString
		stack       sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.JobID, &status, &trigger, &startedAt, &completedAt, &duration, &errText, &stack); err != nil {
		return RunRecord{}, err
	}
	r.Status = RunStatus(status)
	r.Trigger = Trigger(trigger)
	r.StartedAt = fromMillis(startedAt)
	r.CompletedAt = fromNullMillis(completedAt)
	if duration.Valid {
		v := duration.Int64
		r.DurationMs = &v
	}
	r.Error = errText.String
	r.StackTrace = stack.String
	return r, nil
}

func (s *sqlStore) UpsertJob(ctx context.Context, spec JobSpec) (JobDefinition, bool, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return JobDefinition{}, false, errx.Validationf("job name required")
	}
	now := toMillis(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return JobDefinition{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing int64
	err = tx.QueryRowContext(ctx, s.q(`SELECT id FROM jobs WHERE name = ?`), name).Scan(&existing)
	created := errx.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return JobDefinition{}, false, err
	}

	row := tx.QueryRowContext(ctx, s.q(`
		INSERT INTO jobs(name, description, cron_expression, handler_ref, enabled, locked, notify_on_failure, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			cron_expression = excluded.cron_expression,
			handler_ref = excluded.handler_ref,
			locked = excluded.locked,
			notify_on_failure = excluded.notify_on_failure,
			updated_at = excluded.updated_at
		RETURNING `+jobColumns),
		name, spec.Description, spec.CronExpression, spec.HandlerRef, spec.Enabled, spec.Locked, spec.NotifyOnFailure, now, now,
	)
	j, err := scanJob(row)
	if err != nil {
		return JobDefinition{}, false, errx.Wrapf(err, "upsert job %q", name)
	}
	if err := tx.Commit(); err != nil {
		return JobDefinition{}, false, err
	}
	return j, created, nil
}

func (s *sqlStore) GetJob(ctx context.Context, id int64) (JobDefinition, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
	if errx.Is(err, sql.ErrNoRows) {
		return JobDefinition{}, jobNotFound(id)
	}
	return j, err
}

func (s *sqlStore) GetJobByName(ctx context.Context, name string) (JobDefinition, error) {
	name = strings.TrimSpace(name)
	j, err := scanJob(s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE name = ?`), name))
	if errx.Is(err, sql.ErrNoRows) {
		return JobDefinition{}, jobNameNotFound(name)
	}
	return j, err
}

func (s *sqlStore) ListJobs(ctx context.Context) ([]JobDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]JobDefinition, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// updateJob runs a single-row UPDATE ... RETURNING and maps "no row" to NotFound.
func (s *sqlStore) updateJob(ctx context.Context, id int64, set string, args ...any) (JobDefinition, error) {
	args = append(args, toMillis(time.Now()), id)
	row := s.db.QueryRowContext(ctx, s.q(`UPDATE jobs SET `+set+`, updated_at = ? WHERE id = ? RETURNING `+jobColumns), args...)
	j, err := scanJob(row)
	if errx.Is(err, sql.ErrNoRows) {
		return JobDefinition{}, jobNotFound(id)
	}
	return j, err
}

func (s *sqlStore) SetEnabled(ctx context.Context, id int64, enabled bool) (JobDefinition, error) {
	return s.updateJob(ctx, id, `enabled = ?`, enabled)
}

func (s *sqlStore) SetCronExpression(ctx context.Context, id int64, expr string) (JobDefinition, error) {
	return s.updateJob(ctx, id, `cron_expression = ?`, expr)
}

func (s *sqlStore) SetNextRunAt(ctx context.Context, id int64, next *time.Time) error {
	_, err := s.updateJob(ctx, id, `next_run_at = ?`, toNullMillis(next))
	return err
}

func (s *sqlStore) recordOutcome(ctx context.Context, id int64, set string, args ...any) (Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var prev int64
	err = tx.QueryRowContext(ctx, s.q(`SELECT consecutive_failures FROM jobs WHERE id = ?`+s.d.lockRow), id).Scan(&prev)
	if errx.Is(err, sql.ErrNoRows) {
		return Outcome{}, jobNotFound(id)
	}
	if err != nil {
		return Outcome{}, err
	}

	args = append(args, toMillis(time.Now()), id)
	j, err := scanJob(tx.QueryRowContext(ctx, s.q(`UPDATE jobs SET `+set+`, updated_at = ? WHERE id = ? RETURNING `+jobColumns), args...))
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	return Outcome{Job: j, PrevConsecutiveFailures: uint32(prev)}, nil
}

func (s *sqlStore) RecordSuccess(ctx context.Context, id int64, durationMs float64, at time.Time) (Outcome, error) {
	// SET expressions see the pre-update row, so the average uses the old count.
	return s.recordOutcome(ctx, id, `
		average_duration_ms = (average_duration_ms * success_count + ?) / (success_count + 1),
		success_count = success_count + 1,
		consecutive_failures = 0,
		last_run_at = ?`, durationMs, toMillis(at))
}

func (s *sqlStore) RecordFailure(ctx context.Context, id int64, at time.Time) (Outcome, error) {
	return s.recordOutcome(ctx, id, `
		failure_count = failure_count + 1,
		consecutive_failures = consecutive_failures + 1,
		last_run_at = ?`, toMillis(at))
}

func (s *sqlStore) CreateRun(ctx context.Context, r RunRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO runs(`+runColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`),
		r.ID, r.JobID, string(RunRunning), string(r.Trigger), toMillis(r.StartedAt), nil, nil, nil, nil)
	switch {
	case err == nil:
		return nil
	case s.d.isUniqueViolation(err):
		return runAlreadyRunning(r.JobID)
	case s.d.isForeignKeyFailed(err):
		return jobNotFound(r.JobID)
	default:
		return errx.Wrapf(err, "create run for job %d", r.JobID)
	}
}

func (s *sqlStore) CompleteRun(ctx context.Context, r RunRecord) error {
	if r.Status == RunRunning || !r.Status.Valid() {
		return errx.Validationf("invalid final status %q", r.Status)
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runs SET status = ?, completed_at = ?, duration_ms = ?, error = ?, stack_trace = ?
		WHERE id = ? AND status = ?`),
		string(r.Status), toNullMillis(r.CompletedAt), nullInt(r.DurationMs), nullStr(r.Error), nullStr(r.StackTrace),
		r.ID, string(RunRunning))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, s.q(`SELECT status FROM runs WHERE id = ?`), r.ID).Scan(&status)
	if errx.Is(err, sql.ErrNoRows) {
		return errx.NotFoundf("run %s not found", r.ID)
	}
	if err != nil {
		return err
	}
	return errx.Conflictf("run %s already completed", r.ID)
}

func (s *sqlStore) GetRunningRun(ctx context.Context, jobID int64) (RunRecord, bool, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM runs WHERE job_id = ? AND status = ?`), jobID, string(RunRunning)))
	if errx.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	return r, true, nil
}

func (s *sqlStore) ListRuns(ctx context.Context, jobID int64, f LogFilter) ([]RunRecord, error) {
	f = f.Normalize()
	query := `SELECT ` + runColumns + ` FROM runs WHERE job_id = ?`
	args := []any{jobID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.StartDate != nil {
		query += ` AND started_at >= ?`
		args = append(args, toMillis(*f.StartDate))
	}
	if f.EndDate != nil {
		query += ` AND started_at <= ?`
		args = append(args, toMillis(*f.EndDate))
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]RunRecord, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) LastRun(ctx context.Context, jobID int64, status RunStatus) (RunRecord, bool, error) {
	runs, err := s.ListRuns(ctx, jobID, LogFilter{Status: status, Limit: 1})
	if err != nil || len(runs) == 0 {
		return RunRecord{}, false, err
	}
	return runs[0], true, nil
}

func (s *sqlStore) FailInterruptedRuns(ctx context.Context, reason string, at time.Time) (int64, error) {
	ms := toMillis(at)
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runs SET status = ?, completed_at = ?, duration_ms = ? - started_at, error = ?
		WHERE status = ?`),
		string(RunFailed), ms, ms, reason, string(RunRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM runs WHERE status <> ? AND started_at < ?`), string(RunRunning), toMillis(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err == nil && n > 0 {
		s.log.Debug("runs pruned", logx.Int64("deleted", n), logx.Time("before", before))
	}
	return n, err
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func toNullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

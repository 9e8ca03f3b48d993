package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/iris-serving/internal/domain"
	"github.com/cuongbtq/iris-serving/internal/store/migrations"
)

const jobColumns = `job_id, state, predictions, error_message, worker_id, attempts, created_at, updated_at, expires_at`

// jobRow is the prediction_jobs row; timestamps are unix nanoseconds.
type jobRow struct {
	JobID        string         `db:"job_id"`
	State        string         `db:"state"`
	Predictions  sql.NullString `db:"predictions"`
	ErrorMessage string         `db:"error_message"`
	WorkerID     string         `db:"worker_id"`
	Attempts     int            `db:"attempts"`
	CreatedAt    int64          `db:"created_at"`
	UpdatedAt    int64          `db:"updated_at"`
	ExpiresAt    int64          `db:"expires_at"`
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	job := &domain.Job{
		JobID:     r.JobID,
		State:     domain.JobState(r.State),
		Error:     r.ErrorMessage,
		WorkerID:  r.WorkerID,
		Attempts:  r.Attempts,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt: time.Unix(0, r.UpdatedAt).UTC(),
		ExpiresAt: time.Unix(0, r.ExpiresAt).UTC(),
	}
	if r.Predictions.Valid {
		if err := json.Unmarshal([]byte(r.Predictions.String), &job.Predictions); err != nil {
			return nil, fmt.Errorf("failed to decode predictions of job %s: %w", r.JobID, err)
		}
	}
	return job, nil
}

// SQL is a Store on any sqlx database whose driver understands
// ON CONFLICT, RETURNING and row-value comparison (postgres, sqlite).
type SQL struct {
	db     *sqlx.DB
	opts   Options
	logger *slog.Logger
}

func NewSQL(db *sqlx.DB, opts Options, logger *slog.Logger) *SQL {
	return &SQL{db: db, opts: opts.withDefaults(), logger: logger}
}

// Migrate applies the embedded migrations that have not run yet.
func (s *SQL) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version VARCHAR(255) PRIMARY KEY, applied_at BIGINT NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	files, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		var applied int
		err := s.db.GetContext(ctx, &applied, s.db.Rebind(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`), file)
		if err != nil {
			return fmt.Errorf("failed to check migration %s: %w", file, err)
		}
		if applied > 0 {
			continue
		}
		if err := s.applyMigration(ctx, file); err != nil {
			return err
		}
		s.logger.Info("Migration applied", slog.String("version", file))
	}
	return nil
}

func (s *SQL) applyMigration(ctx context.Context, file string) error {
	body, err := migrations.Files.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read migration %s: %w", file, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %s: %w", file, err)
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", file, err)
		}
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`), file, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func splitStatements(script string) []string {
	var out []string
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func (s *SQL) Create(ctx context.Context, jobID string) (*domain.Job, error) {
	now := s.opts.Now()
	row := jobRow{
		JobID:     jobID,
		State:     string(domain.JobStatePending),
		CreatedAt: now.UnixNano(),
		UpdatedAt: now.UnixNano(),
		ExpiresAt: now.Add(s.opts.Retention).UnixNano(),
	}

	// an expired row with the same id is reclaimed
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM prediction_jobs WHERE job_id = ? AND expires_at <= ?`), jobID, row.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	query := s.db.Rebind(`
		INSERT INTO prediction_jobs (job_id, state, error_message, worker_id, attempts, created_at, updated_at, expires_at)
		VALUES (?, ?, '', '', 0, ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING
	`)
	res, err := s.db.ExecContext(ctx, query, row.JobID, row.State, row.CreatedAt, row.UpdatedAt, row.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrJobExists
	}
	return row.toDomain()
}

// update runs a guarded UPDATE ... RETURNING on a live non-terminal row.
// set holds the SET assignments without the trailing timestamps.
func (s *SQL) update(ctx context.Context, jobID, set string, args ...any) (*domain.Job, error) {
	now := s.opts.Now()
	query := s.db.Rebind(`
		UPDATE prediction_jobs
		SET ` + set + `,
		    updated_at = ?,
		    expires_at = ?
		WHERE job_id = ?
		  AND expires_at > ?
		  AND state IN (?, ?)
		RETURNING ` + jobColumns)

	args = append(args,
		now.UnixNano(), now.Add(s.opts.Retention).UnixNano(),
		jobID, now.UnixNano(),
		string(domain.JobStatePending), string(domain.JobStateStarted),
	)

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.classifyMiss(ctx, jobID, now)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	return row.toDomain()
}

// classifyMiss explains why a guarded update matched no row.
func (s *SQL) classifyMiss(ctx context.Context, jobID string, now time.Time) error {
	var state string
	err := s.db.GetContext(ctx, &state,
		s.db.Rebind(`SELECT state FROM prediction_jobs WHERE job_id = ? AND expires_at > ?`),
		jobID, now.UnixNano())
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrUnknownJob
	}
	if err != nil {
		return fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	if domain.JobState(state).IsTerminal() {
		return domain.ErrJobTerminal
	}
	// lost a race with a concurrent writer; last write wins
	return fmt.Errorf("job %s changed concurrently", jobID)
}

func (s *SQL) MarkStarted(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	job, err := s.update(ctx, jobID, `state = ?, worker_id = ?, attempts = attempts + 1`,
		string(domain.JobStateStarted), workerID)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Job claimed",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.Int("attempts", job.Attempts),
	)
	return job, nil
}

func (s *SQL) Complete(ctx context.Context, jobID string, predictions []int) error {
	if predictions == nil {
		predictions = []int{}
	}
	encoded, err := json.Marshal(predictions)
	if err != nil {
		return fmt.Errorf("failed to marshal predictions: %w", err)
	}
	_, err = s.update(ctx, jobID, `state = ?, predictions = ?, error_message = ''`,
		string(domain.JobStateSuccess), string(encoded))
	return err
}

func (s *SQL) Fail(ctx context.Context, jobID, detail string) error {
	_, err := s.update(ctx, jobID, `state = ?, error_message = ?`,
		string(domain.JobStateFailure), detail)
	return err
}

func (s *SQL) Touch(ctx context.Context, jobID string) error {
	_, err := s.update(ctx, jobID, `state = state`)
	return err
}

func (s *SQL) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT `+jobColumns+` FROM prediction_jobs WHERE job_id = ? AND expires_at > ?`),
		jobID, s.opts.Now().UnixNano())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnknownJob
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain()
}

func (s *SQL) Delete(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM prediction_jobs WHERE job_id = ?`), jobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func (s *SQL) List(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM prediction_jobs WHERE expires_at > ?`
	args := []interface{}{s.opts.Now().UnixNano()}

	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}

	if filter.Cursor != nil {
		query += " AND (created_at, job_id) < (?, ?)"
		args = append(args, filter.Cursor.CreatedAt.UnixNano(), filter.Cursor.JobID)
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra to determine if there are more results
	if filter.PageSize > 0 {
		query += " LIMIT ?"
		args = append(args, filter.PageSize+1)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (s *SQL) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM prediction_jobs WHERE expires_at <= ?`), s.opts.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

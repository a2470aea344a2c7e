package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/quantorhq/quantor/internal/cache"
	"github.com/quantorhq/quantor/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Execution history ---

func (s *LibSQLStore) SaveExecution(ctx context.Context, rec schema.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_history (id, command, success, execution_time_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.Command, boolToInt(rec.Success), rec.ExecutionTimeMs,
		nullStr(rec.Error), timeOrNow(rec.Timestamp),
	)
	if err != nil {
		return storeError("save execution", err)
	}
	return nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, limit int) ([]schema.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, success, execution_time_ms, error, created_at
		 FROM execution_history ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storeError("list executions", err)
	}
	defer rows.Close()

	var out []schema.ExecutionRecord
	for rows.Next() {
		var rec schema.ExecutionRecord
		var success int
		var errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Command, &success, &rec.ExecutionTimeMs, &errMsg, &rec.Timestamp); err != nil {
			return nil, storeError("scan execution", err)
		}
		rec.Success = success != 0
		rec.Error = errMsg.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Pipeline runs ---

func (s *LibSQLStore) SavePipelineRun(ctx context.Context, run *schema.PipelineRun) error {
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	variables, err := nullableJSON(run.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	runErr, err := nullableJSON(run.Error)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, pipeline_id, status, steps, variables, error, background, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, steps=excluded.steps, variables=excluded.variables,
		   error=excluded.error, completed_at=excluded.completed_at`,
		run.ID, run.PipelineID, string(run.Status), string(steps), variables, runErr,
		boolToInt(run.Background), timeOrNow(run.CreatedAt), nullTime(run.CompletedAt),
	)
	if err != nil {
		return storeError("save pipeline run", err)
	}
	return nil
}

func (s *LibSQLStore) GetPipelineRun(ctx context.Context, id string) (*schema.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline_id, status, steps, variables, error, background, created_at, completed_at
		 FROM pipeline_runs WHERE id = ?`, id)
	run, err := scanPipelineRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "pipeline run %q not found", id)
	}
	if err != nil {
		return nil, storeError("get pipeline run", err)
	}
	return run, nil
}

func (s *LibSQLStore) ListPipelineRuns(ctx context.Context, pipelineID string, limit int) ([]*schema.PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pipeline_id, status, steps, variables, error, background, created_at, completed_at
		 FROM pipeline_runs WHERE pipeline_id = ? ORDER BY created_at DESC LIMIT ?`, pipelineID, limit)
	if err != nil {
		return nil, storeError("list pipeline runs", err)
	}
	defer rows.Close()

	var out []*schema.PipelineRun
	for rows.Next() {
		run, err := scanPipelineRun(rows.Scan)
		if err != nil {
			return nil, storeError("scan pipeline run", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanPipelineRun(scan func(dest ...any) error) (*schema.PipelineRun, error) {
	run := &schema.PipelineRun{}
	var (
		status            string
		stepsJSON         string
		varsJSON, errJSON sql.NullString
		background        int
		completedAt       sql.NullTime
	)
	if err := scan(&run.ID, &run.PipelineID, &status, &stepsJSON, &varsJSON, &errJSON,
		&background, &run.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.Background = background != 0
	if err := json.Unmarshal([]byte(stepsJSON), &run.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if varsJSON.Valid {
		if err := json.Unmarshal([]byte(varsJSON.String), &run.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	if errJSON.Valid {
		if err := json.Unmarshal([]byte(errJSON.String), &run.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Cache snapshot ---

func (s *LibSQLStore) SaveCacheSnapshot(ctx context.Context, entries []cache.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin snapshot", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_snapshot`); err != nil {
		_ = tx.Rollback()
		return storeError("clear snapshot", err)
	}
	for _, e := range entries {
		result, merr := nullableJSON(e.Result)
		if merr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("marshal cache result: %w", merr)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cache_snapshot (key, command, result, ttl_ns, created_at) VALUES (?, ?, ?, ?, ?)`,
			e.Key, e.Command, result, int64(e.TTL), e.CreatedAt,
		); err != nil {
			_ = tx.Rollback()
			return storeError("save snapshot entry", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit snapshot", err)
	}
	return nil
}

func (s *LibSQLStore) LoadCacheSnapshot(ctx context.Context) ([]cache.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, command, result, ttl_ns, created_at FROM cache_snapshot ORDER BY created_at ASC`)
	if err != nil {
		return nil, storeError("load snapshot", err)
	}
	defer rows.Close()

	var out []cache.Entry
	for rows.Next() {
		var e cache.Entry
		var result sql.NullString
		var ttlNs int64
		if err := rows.Scan(&e.Key, &e.Command, &result, &ttlNs, &e.CreatedAt); err != nil {
			return nil, storeError("scan snapshot entry", err)
		}
		e.TTL = time.Duration(ttlNs)
		if result.Valid {
			if err := json.Unmarshal([]byte(result.String), &e.Result); err != nil {
				return nil, fmt.Errorf("unmarshal cache result: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Scheduled pipelines ---

func (s *LibSQLStore) CreateScheduledPipeline(ctx context.Context, sp *ScheduledPipeline) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_pipelines (id, pipeline_id, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.PipelineID, sp.CronExpression, nullRaw(sp.Inputs), boolToInt(sp.Enabled),
		nullTime(sp.LastRunAt), nullTime(sp.NextRunAt), nullStr(sp.LastRunStatus), timeOrNow(sp.CreatedAt),
	)
	if err != nil {
		return storeError("create scheduled pipeline", err)
	}
	return nil
}

func (s *LibSQLStore) ListScheduledPipelines(ctx context.Context, filter ScheduledPipelineFilter) ([]*ScheduledPipeline, error) {
	query := `SELECT id, pipeline_id, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at
	          FROM scheduled_pipelines`
	var args []any
	if filter.Enabled != nil {
		query += ` WHERE enabled = ?`
		args = append(args, boolToInt(*filter.Enabled))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list scheduled pipelines", err)
	}
	defer rows.Close()

	var out []*ScheduledPipeline
	for rows.Next() {
		sp := &ScheduledPipeline{}
		var inputs, status sql.NullString
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sp.ID, &sp.PipelineID, &sp.CronExpression, &inputs, &enabled,
			&lastRun, &nextRun, &status, &sp.CreatedAt); err != nil {
			return nil, storeError("scan scheduled pipeline", err)
		}
		sp.Enabled = enabled != 0
		sp.LastRunStatus = status.String
		if inputs.Valid {
			sp.Inputs = json.RawMessage(inputs.String)
		}
		if lastRun.Valid {
			sp.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			sp.NextRunAt = &nextRun.Time
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateScheduledPipeline(ctx context.Context, id string, update ScheduledPipelineUpdate) error {
	query := `UPDATE scheduled_pipelines SET `
	var sets []string
	var args []any
	if update.LastRunAt != nil {
		sets = append(sets, `last_run_at = ?`)
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, `next_run_at = ?`)
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, `last_run_status = ?`)
		args = append(args, update.LastRunStatus)
	}
	if update.Enabled != nil {
		sets = append(sets, `enabled = ?`)
		args = append(args, boolToInt(*update.Enabled))
	}
	if len(sets) == 0 {
		return nil
	}
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeError("update scheduled pipeline", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("update scheduled pipeline", err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled pipeline %q not found", id)
	}
	return nil
}

// --- helpers ---

func storeError(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullableJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

var _ Store = (*LibSQLStore)(nil)

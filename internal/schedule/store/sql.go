package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/orchid/orchid/internal/common/config"
	"github.com/orchid/orchid/internal/schedule/models"
)

// SQLStore provides schedule storage backed by SQLite or Postgres through
// sqlx. Queries are written with ? placeholders and rebound per driver.
type SQLStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLite opens (creating if needed) a SQLite-backed store at path.
func NewSQLite(path string) (*SQLStore, error) {
	normalized, err := filepath.Abs(path)
	if err != nil {
		normalized = path
	}
	if dir := filepath.Dir(normalized); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc&_loc=UTC", normalized)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewPostgres opens a Postgres-backed store using the pgx stdlib driver.
func NewPostgres(cfg config.DatabaseConfig) (*SQLStore, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, cfg.SSLMode)
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}

	s := &SQLStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the tables if they don't exist.
func (s *SQLStore) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS task_definitions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '{}',
			cron_expr TEXT NOT NULL DEFAULT '',
			loop_config TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_temporary BOOLEAN NOT NULL DEFAULT FALSE,
			default_timeout INTEGER NOT NULL DEFAULT 0,
			last_triggered_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_runs (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			scheduled_time TIMESTAMP NOT NULL,
			schedule_type TEXT NOT NULL,
			schedule_config TEXT NOT NULL DEFAULT '{}',
			input_params TEXT NOT NULL DEFAULT '{}',
			round_index INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_instances (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			status TEXT NOT NULL,
			schedule_type TEXT NOT NULL,
			round_index INTEGER NOT NULL DEFAULT 0,
			input_params TEXT NOT NULL DEFAULT '{}',
			output_ref TEXT NOT NULL DEFAULT '',
			error_msg TEXT NOT NULL DEFAULT '',
			depends_on TEXT NOT NULL DEFAULT '[]',
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS request_traces (
			request_id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			bound_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_time ON scheduled_runs(status, scheduled_time)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_trace ON scheduled_runs(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_trace ON task_instances(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_definitions_cron ON task_definitions(is_active, cron_expr)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func marshalJSON(v interface{}) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalMap(data string) map[string]interface{} {
	out := map[string]interface{}{}
	if data == "" {
		return out
	}
	_ = json.Unmarshal([]byte(data), &out)
	return out
}

// ---------------------------------------------------------------------------
// Definitions

type definitionRow struct {
	ID              string       `db:"id"`
	Name            string       `db:"name"`
	Content         string       `db:"content"`
	CronExpr        string       `db:"cron_expr"`
	LoopConfig      string       `db:"loop_config"`
	IsActive        bool         `db:"is_active"`
	IsTemporary     bool         `db:"is_temporary"`
	DefaultTimeout  int          `db:"default_timeout"`
	LastTriggeredAt sql.NullTime `db:"last_triggered_at"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

func (r *definitionRow) toModel() *models.Definition {
	def := &models.Definition{
		ID:             r.ID,
		Name:           r.Name,
		Content:        unmarshalMap(r.Content),
		CronExpr:       r.CronExpr,
		IsActive:       r.IsActive,
		IsTemporary:    r.IsTemporary,
		DefaultTimeout: r.DefaultTimeout,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if r.LastTriggeredAt.Valid {
		t := r.LastTriggeredAt.Time.UTC()
		def.LastTriggeredAt = &t
	}
	if r.LoopConfig != "" {
		var lc models.LoopConfig
		if err := json.Unmarshal([]byte(r.LoopConfig), &lc); err == nil && lc.MaxRounds > 0 {
			def.LoopConfig = &lc
		}
	}
	return def
}

// CreateDefinition inserts a new task definition.
func (s *SQLStore) CreateDefinition(ctx context.Context, def *models.Definition) error {
	loopCfg := ""
	if def.LoopConfig != nil {
		loopCfg = marshalJSON(def.LoopConfig)
	}
	query := s.db.Rebind(`INSERT INTO task_definitions
		(id, name, content, cron_expr, loop_config, is_active, is_temporary, default_timeout, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		def.ID, def.Name, marshalJSON(def.Content), def.CronExpr, loopCfg,
		def.IsActive, def.IsTemporary, def.DefaultTimeout, def.CreatedAt.UTC(), def.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create definition: %w", err)
	}
	return nil
}

// GetDefinition fetches a definition by id.
func (s *SQLStore) GetDefinition(ctx context.Context, id string) (*models.Definition, error) {
	var row definitionRow
	query := s.db.Rebind(`SELECT * FROM task_definitions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get definition: %w", err)
	}
	return row.toModel(), nil
}

// ListDefinitions returns all definitions, newest first.
func (s *SQLStore) ListDefinitions(ctx context.Context) ([]*models.Definition, error) {
	var rows []definitionRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM task_definitions ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	out := make([]*models.Definition, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// ListActiveCron returns active definitions that carry a cron expression.
func (s *SQLStore) ListActiveCron(ctx context.Context) ([]*models.Definition, error) {
	var rows []definitionRow
	query := s.db.Rebind(`SELECT * FROM task_definitions WHERE is_active = ? AND cron_expr != ''`)
	if err := s.db.SelectContext(ctx, &rows, query, true); err != nil {
		return nil, fmt.Errorf("failed to list cron definitions: %w", err)
	}
	out := make([]*models.Definition, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// UpdateDefinitionActive flips the is_active flag.
func (s *SQLStore) UpdateDefinitionActive(ctx context.Context, id string, active bool) error {
	query := s.db.Rebind(`UPDATE task_definitions SET is_active = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update definition: %w", err)
	}
	return checkAffected(res)
}

// UpdateLastTriggeredAt records the wall-clock minute the cron loop fired.
func (s *SQLStore) UpdateLastTriggeredAt(ctx context.Context, id string, at time.Time) error {
	query := s.db.Rebind(`UPDATE task_definitions SET last_triggered_at = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update last_triggered_at: %w", err)
	}
	return checkAffected(res)
}

// DeleteDefinition removes a definition when no live run or instance
// references it.
func (s *SQLStore) DeleteDefinition(ctx context.Context, id string) error {
	var live int
	query := s.db.Rebind(`SELECT
		(SELECT COUNT(*) FROM scheduled_runs WHERE definition_id = ? AND status IN ('PENDING','SCHEDULED','DISPATCHED')) +
		(SELECT COUNT(*) FROM task_instances WHERE definition_id = ? AND status IN ('PENDING','RUNNING','PAUSED','DISPATCHED'))`)
	if err := s.db.GetContext(ctx, &live, query, id, id); err != nil {
		return fmt.Errorf("failed to count live references: %w", err)
	}
	if live > 0 {
		return ErrDefinitionInUse
	}
	del := s.db.Rebind(`DELETE FROM task_definitions WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, del, id)
	if err != nil {
		return fmt.Errorf("failed to delete definition: %w", err)
	}
	return checkAffected(res)
}

// ---------------------------------------------------------------------------
// Scheduled runs

type runRow struct {
	ID             string    `db:"id"`
	DefinitionID   string    `db:"definition_id"`
	TraceID        string    `db:"trace_id"`
	ScheduledTime  time.Time `db:"scheduled_time"`
	ScheduleType   string    `db:"schedule_type"`
	ScheduleConfig string    `db:"schedule_config"`
	InputParams    string    `db:"input_params"`
	RoundIndex     int       `db:"round_index"`
	Priority       int       `db:"priority"`
	Status         string    `db:"status"`
	RetryCount     int       `db:"retry_count"`
	LastError      string    `db:"last_error"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r *runRow) toModel() *models.ScheduledRun {
	return &models.ScheduledRun{
		ID:             r.ID,
		DefinitionID:   r.DefinitionID,
		TraceID:        r.TraceID,
		ScheduledTime:  r.ScheduledTime.UTC(),
		Type:           models.ScheduleType(r.ScheduleType),
		ScheduleConfig: unmarshalMap(r.ScheduleConfig),
		InputParams:    unmarshalMap(r.InputParams),
		RoundIndex:     r.RoundIndex,
		Priority:       r.Priority,
		Status:         models.RunStatus(r.Status),
		RetryCount:     r.RetryCount,
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

// CreateRun inserts a new scheduled run.
func (s *SQLStore) CreateRun(ctx context.Context, run *models.ScheduledRun) error {
	query := s.db.Rebind(`INSERT INTO scheduled_runs
		(id, definition_id, trace_id, scheduled_time, schedule_type, schedule_config, input_params,
		 round_index, priority, status, retry_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.DefinitionID, run.TraceID, run.ScheduledTime.UTC(), string(run.Type),
		marshalJSON(run.ScheduleConfig), marshalJSON(run.InputParams),
		run.RoundIndex, run.Priority, string(run.Status), run.RetryCount, run.LastError,
		run.CreatedAt.UTC(), run.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun fetches a scheduled run by id.
func (s *SQLStore) GetRun(ctx context.Context, id string) (*models.ScheduledRun, error) {
	var row runRow
	query := s.db.Rebind(`SELECT * FROM scheduled_runs WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return row.toModel(), nil
}

// GetPending returns due PENDING runs ordered by priority then time.
func (s *SQLStore) GetPending(ctx context.Context, before time.Time, limit int) ([]*models.ScheduledRun, error) {
	var rows []runRow
	query := s.db.Rebind(`SELECT * FROM scheduled_runs
		WHERE status = ? AND scheduled_time <= ?
		ORDER BY priority DESC, scheduled_time ASC
		LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, query, string(models.RunPending), before.UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to query pending runs: %w", err)
	}
	out := make([]*models.ScheduledRun, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// UpdateRunStatus performs a guarded, atomic status transition. The update
// is a compare-and-set on the current status so concurrent writers cannot
// both claim the same transition.
func (s *SQLStore) UpdateRunStatus(ctx context.Context, id string, to models.RunStatus) error {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if !models.ValidRunTransition(run.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, run.Status, to)
	}

	query := s.db.Rebind(`UPDATE scheduled_runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query, string(to), time.Now().UTC(), id, string(run.Status))
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Lost the race: someone else moved the row first.
		return fmt.Errorf("%w: concurrent transition on run %s", ErrInvalidTransition, id)
	}
	return nil
}

// RecordRetry increments the retry counter and stores the last error.
func (s *SQLStore) RecordRetry(ctx context.Context, id string, errMsg string) error {
	query := s.db.Rebind(`UPDATE scheduled_runs
		SET retry_count = retry_count + 1, last_error = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record retry: %w", err)
	}
	return checkAffected(res)
}

// ListRunsByTrace returns all runs of a trace ordered by round.
func (s *SQLStore) ListRunsByTrace(ctx context.Context, traceID string) ([]*models.ScheduledRun, error) {
	var rows []runRow
	query := s.db.Rebind(`SELECT * FROM scheduled_runs WHERE trace_id = ? ORDER BY round_index ASC, created_at ASC`)
	if err := s.db.SelectContext(ctx, &rows, query, traceID); err != nil {
		return nil, fmt.Errorf("failed to list runs by trace: %w", err)
	}
	out := make([]*models.ScheduledRun, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// UpdateRunInputParams replaces the input params of a run.
func (s *SQLStore) UpdateRunInputParams(ctx context.Context, id string, params map[string]interface{}) error {
	query := s.db.Rebind(`UPDATE scheduled_runs SET input_params = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, marshalJSON(params), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update run input params: %w", err)
	}
	return checkAffected(res)
}

// UpdateRunScheduleConfig replaces the schedule config of a run.
func (s *SQLStore) UpdateRunScheduleConfig(ctx context.Context, id string, cfg map[string]interface{}) error {
	query := s.db.Rebind(`UPDATE scheduled_runs SET schedule_config = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, marshalJSON(cfg), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update run schedule config: %w", err)
	}
	return checkAffected(res)
}

// ---------------------------------------------------------------------------
// Task instances

type instanceRow struct {
	ID           string       `db:"id"`
	DefinitionID string       `db:"definition_id"`
	TraceID      string       `db:"trace_id"`
	Status       string       `db:"status"`
	ScheduleType string       `db:"schedule_type"`
	RoundIndex   int          `db:"round_index"`
	InputParams  string       `db:"input_params"`
	OutputRef    string       `db:"output_ref"`
	ErrorMsg     string       `db:"error_msg"`
	DependsOn    string       `db:"depends_on"`
	StartedAt    sql.NullTime `db:"started_at"`
	FinishedAt   sql.NullTime `db:"finished_at"`
	CreatedAt    time.Time    `db:"created_at"`
}

func (r *instanceRow) toModel() *models.TaskInstance {
	inst := &models.TaskInstance{
		ID:           r.ID,
		DefinitionID: r.DefinitionID,
		TraceID:      r.TraceID,
		Status:       models.InstanceStatus(r.Status),
		ScheduleType: models.ScheduleType(r.ScheduleType),
		RoundIndex:   r.RoundIndex,
		InputParams:  unmarshalMap(r.InputParams),
		OutputRef:    r.OutputRef,
		ErrorMsg:     r.ErrorMsg,
		CreatedAt:    r.CreatedAt.UTC(),
	}
	_ = json.Unmarshal([]byte(r.DependsOn), &inst.DependsOn)
	if r.StartedAt.Valid {
		t := r.StartedAt.Time.UTC()
		inst.StartedAt = &t
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time.UTC()
		inst.FinishedAt = &t
	}
	return inst
}

// CreateInstance inserts a new task instance.
func (s *SQLStore) CreateInstance(ctx context.Context, inst *models.TaskInstance) error {
	dependsOn := "[]"
	if len(inst.DependsOn) > 0 {
		dependsOn = marshalJSON(inst.DependsOn)
	}
	query := s.db.Rebind(`INSERT INTO task_instances
		(id, definition_id, trace_id, status, schedule_type, round_index, input_params,
		 output_ref, error_msg, depends_on, started_at, finished_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		inst.ID, inst.DefinitionID, inst.TraceID, string(inst.Status), string(inst.ScheduleType),
		inst.RoundIndex, marshalJSON(inst.InputParams), inst.OutputRef, inst.ErrorMsg, dependsOn,
		nullTime(inst.StartedAt), nullTime(inst.FinishedAt), inst.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// GetInstance fetches a task instance by id.
func (s *SQLStore) GetInstance(ctx context.Context, id string) (*models.TaskInstance, error) {
	var row instanceRow
	query := s.db.Rebind(`SELECT * FROM task_instances WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return row.toModel(), nil
}

// ListInstancesByTrace returns all instances of a trace ordered by round.
func (s *SQLStore) ListInstancesByTrace(ctx context.Context, traceID string) ([]*models.TaskInstance, error) {
	var rows []instanceRow
	query := s.db.Rebind(`SELECT * FROM task_instances WHERE trace_id = ? ORDER BY round_index ASC, created_at ASC`)
	if err := s.db.SelectContext(ctx, &rows, query, traceID); err != nil {
		return nil, fmt.Errorf("failed to list instances by trace: %w", err)
	}
	out := make([]*models.TaskInstance, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// UpdateInstanceStatus sets the status and error message of an instance.
func (s *SQLStore) UpdateInstanceStatus(ctx context.Context, id string, status models.InstanceStatus, errMsg string) error {
	query := s.db.Rebind(`UPDATE task_instances SET status = ?, error_msg = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, string(status), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}
	return checkAffected(res)
}

// UpdateInstanceFinished marks an instance terminal. finished_at is only
// ever set together with a terminal status.
func (s *SQLStore) UpdateInstanceFinished(ctx context.Context, id string, finishedAt time.Time, status models.InstanceStatus, outputRef, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: finished_at requires a terminal status, got %s", ErrInvalidTransition, status)
	}
	query := s.db.Rebind(`UPDATE task_instances
		SET status = ?, output_ref = ?, error_msg = ?, finished_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, string(status), outputRef, errMsg, finishedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish instance: %w", err)
	}
	return checkAffected(res)
}

// UpdateInstanceStarted marks an instance as running.
func (s *SQLStore) UpdateInstanceStarted(ctx context.Context, id string, startedAt time.Time) error {
	query := s.db.Rebind(`UPDATE task_instances SET status = ?, started_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, string(models.InstanceRunning), startedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to start instance: %w", err)
	}
	return checkAffected(res)
}

// UpdateInstanceInputParams replaces the input params of an instance.
func (s *SQLStore) UpdateInstanceInputParams(ctx context.Context, id string, params map[string]interface{}) error {
	query := s.db.Rebind(`UPDATE task_instances SET input_params = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, marshalJSON(params), id)
	if err != nil {
		return fmt.Errorf("failed to update instance input params: %w", err)
	}
	return checkAffected(res)
}

// ---------------------------------------------------------------------------
// Request id binding

// BindRequestID records the latest trace started for a request id.
func (s *SQLStore) BindRequestID(ctx context.Context, requestID, traceID string) error {
	del := s.db.Rebind(`DELETE FROM request_traces WHERE request_id = ?`)
	if _, err := s.db.ExecContext(ctx, del, requestID); err != nil {
		return fmt.Errorf("failed to rebind request id: %w", err)
	}
	ins := s.db.Rebind(`INSERT INTO request_traces (request_id, trace_id, bound_at) VALUES (?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, ins, requestID, traceID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to bind request id: %w", err)
	}
	return nil
}

// LatestTraceForRequest returns the trace most recently bound to a request id.
func (s *SQLStore) LatestTraceForRequest(ctx context.Context, requestID string) (string, error) {
	var traceID string
	query := s.db.Rebind(`SELECT trace_id FROM request_traces WHERE request_id = ?`)
	if err := s.db.GetContext(ctx, &traceID, query, requestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to resolve request id: %w", err)
	}
	return traceID, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

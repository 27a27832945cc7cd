package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// txKey is the context key for transactions.
type txKey struct{}

// txState holds transaction state including post-commit callbacks.
type txState struct {
	tx        *sql.Tx
	callbacks []func() error
}

// timeLayout is the wire format for datetime columns. Stored in UTC; TEXT
// on SQLite, native timestamp types elsewhere.
const timeLayout = "2006-01-02 15:04:05"

// sqlStore implements Storage for any supported SQL dialect. All
// dialect-specific behavior goes through the Driver.
type sqlStore struct {
	db     *sql.DB
	driver Driver
}

func newSQLStore(db *sql.DB, driver Driver) *sqlStore {
	return &sqlStore{db: db, driver: driver}
}

// DB returns the underlying database connection.
func (s *sqlStore) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect driver in use.
func (s *sqlStore) Dialect() Driver { return s.driver }

// Close closes the database connection.
func (s *sqlStore) Close() error { return s.db.Close() }

// q rewrites ? placeholders to the dialect's parameter syntax.
func (s *sqlStore) q(query string) string {
	if s.driver.Placeholder(1) == "?" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.driver.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// getConn returns the executor for the context: the active transaction if
// one is attached, otherwise the database.
func (s *sqlStore) getConn(ctx context.Context) Executor {
	if state, ok := ctx.Value(txKey{}).(*txState); ok {
		return state.tx
	}
	return s.db
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses datetime TEXT as written by formatTime, plus RFC3339
// variants produced by some drivers when converting native timestamps.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{
		timeLayout,
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time: %s", v)
}

func scanTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	t, err := parseTime(ns.String)
	if err != nil {
		slog.Debug("unparseable datetime column", "value", ns.String)
		return time.Time{}
	}
	return t
}

func scanTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// isUniqueViolation classifies duplicate-key errors across dialects.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "23505") // Postgres unique_violation
}

// --- Transaction Manager ---

// BeginTransaction starts a new transaction.
func (s *sqlStore) BeginTransaction(ctx context.Context) (context.Context, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ctx, err
	}
	return context.WithValue(ctx, txKey{}, &txState{tx: tx}), nil
}

// CommitTransaction commits the current transaction and then runs
// registered post-commit callbacks.
func (s *sqlStore) CommitTransaction(ctx context.Context) error {
	state, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return fmt.Errorf("no transaction in context")
	}
	if err := state.tx.Commit(); err != nil {
		return err
	}
	for _, cb := range state.callbacks {
		if err := cb(); err != nil {
			// Commit already succeeded; callback failures are best-effort.
			slog.Debug("post-commit callback error", "error", err)
		}
	}
	return nil
}

// RollbackTransaction rolls back the current transaction. Callbacks are
// discarded.
func (s *sqlStore) RollbackTransaction(ctx context.Context) error {
	state, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return nil
	}
	return state.tx.Rollback()
}

// InTransaction returns whether a transaction is in progress.
func (s *sqlStore) InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*txState)
	return ok
}

// Conn returns the executor for the current context.
func (s *sqlStore) Conn(ctx context.Context) Executor {
	return s.getConn(ctx)
}

// RegisterPostCommitCallback registers a callback executed after a
// successful commit.
func (s *sqlStore) RegisterPostCommitCallback(ctx context.Context, cb func() error) error {
	state, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return fmt.Errorf("not in a transaction")
	}
	state.callbacks = append(state.callbacks, cb)
	return nil
}

// --- Run Manager ---

const runColumns = `run_id, process_name, process_version, dsl_version, status,
	inputs, context, idempotency_key, error, created_at, updated_at, completed_at`

// CreateRun inserts a new run row. Zero timestamps are filled in so
// rows always carry a real created_at.
func (s *sqlStore) CreateRun(ctx context.Context, run *ProcessRun) error {
	conn := s.getConn(ctx)

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}

	var key any
	if run.IdempotencyKey != "" {
		key = run.IdempotencyKey
	}

	_, err := conn.ExecContext(ctx, s.q(`
		INSERT INTO process_runs (
			run_id, process_name, process_version, dsl_version, status,
			inputs, context, idempotency_key, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), run.RunID, run.ProcessName, run.ProcessVersion, run.DSLVersion, run.Status,
		nullBytes(run.Inputs), nullBytes(run.Context), key, run.ErrorMessage,
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
	if err != nil {
		if run.IdempotencyKey != "" && isUniqueViolation(err) {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (s *sqlStore) scanRun(scan func(dest ...any) error) (*ProcessRun, error) {
	var run ProcessRun
	var inputs, contextDoc, key, errMsg sql.NullString
	var createdAt, updatedAt, completedAt sql.NullString

	err := scan(
		&run.RunID, &run.ProcessName, &run.ProcessVersion, &run.DSLVersion, &run.Status,
		&inputs, &contextDoc, &key, &errMsg, &createdAt, &updatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if inputs.Valid {
		run.Inputs = []byte(inputs.String)
	}
	if contextDoc.Valid {
		run.Context = []byte(contextDoc.String)
	}
	if key.Valid {
		run.IdempotencyKey = key.String
	}
	if errMsg.Valid {
		run.ErrorMessage = errMsg.String
	}
	run.CreatedAt = scanTime(createdAt)
	run.UpdatedAt = scanTime(updatedAt)
	run.CompletedAt = scanTimePtr(completedAt)
	return &run, nil
}

// GetRun retrieves a run by ID.
func (s *sqlStore) GetRun(ctx context.Context, runID string) (*ProcessRun, error) {
	row := s.getConn(ctx).QueryRowContext(ctx, s.q(`
		SELECT `+runColumns+` FROM process_runs WHERE run_id = ?
	`), runID)
	return s.scanRun(row.Scan)
}

// GetRunByIdempotencyKey retrieves the run holding the given key.
func (s *sqlStore) GetRunByIdempotencyKey(ctx context.Context, processName, key string) (*ProcessRun, error) {
	row := s.getConn(ctx).QueryRowContext(ctx, s.q(`
		SELECT `+runColumns+` FROM process_runs
		WHERE process_name = ? AND idempotency_key = ?
	`), processName, key)
	return s.scanRun(row.Scan)
}

// UpdateRunStatus sets the run status. Terminal statuses also record
// completed_at.
func (s *sqlStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errMsg string) error {
	conn := s.getConn(ctx)
	now := s.driver.CurrentTimeExpr()

	var err error
	if status.IsTerminal() {
		_, err = conn.ExecContext(ctx, s.q(`
			UPDATE process_runs
			SET status = ?, error = ?, updated_at = `+now+`, completed_at = `+now+`
			WHERE run_id = ?
		`), status, errMsg, runID)
	} else {
		_, err = conn.ExecContext(ctx, s.q(`
			UPDATE process_runs
			SET status = ?, error = ?, updated_at = `+now+`
			WHERE run_id = ?
		`), status, errMsg, runID)
	}
	return err
}

// UpdateRunContext replaces the run's context document.
func (s *sqlStore) UpdateRunContext(ctx context.Context, runID string, contextJSON []byte) error {
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE process_runs
		SET context = ?, updated_at = `+s.driver.CurrentTimeExpr()+`
		WHERE run_id = ?
	`), nullBytes(contextJSON), runID)
	return err
}

// conditionalStatusFlip updates status only when the row currently holds
// fromStatus. The affected-row count is the claim signal.
func (s *sqlStore) conditionalStatusFlip(ctx context.Context, runID string, from, to RunStatus) (bool, error) {
	res, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE process_runs
		SET status = ?, updated_at = `+s.driver.CurrentTimeExpr()+`
		WHERE run_id = ? AND status = ?
	`), to, runID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClaimRun atomically flips a run from pending to running.
func (s *sqlStore) ClaimRun(ctx context.Context, runID string) (bool, error) {
	return s.conditionalStatusFlip(ctx, runID, RunPending, RunRunning)
}

// RequeueRun flips a run from the given status back to pending.
func (s *sqlStore) RequeueRun(ctx context.Context, runID string, fromStatus RunStatus) (bool, error) {
	return s.conditionalStatusFlip(ctx, runID, fromStatus, RunPending)
}

// SuspendRun atomically flips a run from running to suspended.
func (s *sqlStore) SuspendRun(ctx context.Context, runID string) (bool, error) {
	return s.conditionalStatusFlip(ctx, runID, RunRunning, RunSuspended)
}

// CancelRun marks a non-terminal run cancelled.
func (s *sqlStore) CancelRun(ctx context.Context, runID, reason string) error {
	now := s.driver.CurrentTimeExpr()
	res, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE process_runs
		SET status = ?, error = ?, updated_at = `+now+`, completed_at = `+now+`
		WHERE run_id = ? AND status NOT IN (?, ?, ?)
	`), RunCancelled, reason, runID, RunCompleted, RunFailed, RunCancelled)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotCancellable
	}
	return nil
}

// ListRuns lists runs with optional filtering, newest first.
func (s *sqlStore) ListRuns(ctx context.Context, opts ListRunsOptions) ([]*ProcessRun, error) {
	query := `SELECT ` + runColumns + ` FROM process_runs WHERE 1=1`
	var args []any

	if opts.StatusFilter != "" {
		query += ` AND status = ?`
		args = append(args, opts.StatusFilter)
	}
	if opts.ProcessName != "" {
		query += ` AND process_name = ?`
		args = append(args, opts.ProcessName)
	}
	if opts.DSLVersion != "" {
		query += ` AND dsl_version = ?`
		args = append(args, opts.DSLVersion)
	}
	if opts.CreatedAfter != nil {
		query += ` AND ` + s.driver.DatetimeComparable("created_at") + ` > ?`
		args = append(args, formatTime(*opts.CreatedAfter))
	}
	if opts.CreatedBefore != nil {
		query += ` AND ` + s.driver.DatetimeComparable("created_at") + ` < ?`
		args = append(args, formatTime(*opts.CreatedBefore))
	}
	if len(opts.InputFilters) > 0 {
		conds, filterArgs, err := buildInputFilters(s.driver, "inputs", opts.InputFilters)
		if err != nil {
			return nil, err
		}
		for _, cond := range conds {
			query += ` AND ` + cond
		}
		args = append(args, filterArgs...)
	}

	query += ` ORDER BY created_at DESC, run_id DESC`
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(` LIMIT %d`, limit)
	if opts.Offset > 0 {
		query += fmt.Sprintf(` OFFSET %d`, opts.Offset)
	}

	rows, err := s.getConn(ctx).QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ProcessRun
	for rows.Next() {
		run, err := s.scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CountActiveRunsByVersion counts non-terminal runs under a DSL version.
func (s *sqlStore) CountActiveRunsByVersion(ctx context.Context, dslVersion string) (int, error) {
	row := s.getConn(ctx).QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM process_runs
		WHERE dsl_version = ? AND status NOT IN (?, ?, ?)
	`), dslVersion, RunCompleted, RunFailed, RunCancelled)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// SuspendActiveRunsByVersion force-suspends all active runs under a version.
func (s *sqlStore) SuspendActiveRunsByVersion(ctx context.Context, dslVersion string) (int, error) {
	res, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE process_runs
		SET status = ?, updated_at = `+s.driver.CurrentTimeExpr()+`
		WHERE dsl_version = ? AND status NOT IN (?, ?, ?, ?)
	`), RunSuspended, dslVersion, RunCompleted, RunFailed, RunCancelled, RunSuspended)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// FindPendingRuns returns queued runs, oldest first.
func (s *sqlStore) FindPendingRuns(ctx context.Context, limit int) ([]*ProcessRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.getConn(ctx).QueryContext(ctx, s.q(fmt.Sprintf(`
		SELECT `+runColumns+` FROM process_runs
		WHERE status = ?
		ORDER BY created_at ASC, run_id ASC
		LIMIT %d
	`, limit)), RunPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ProcessRun
	for rows.Next() {
		run, err := s.scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Task Manager ---

const taskColumns = `task_id, run_id, assignee_id, status, outcome, outcome_data, created_at, completed_at`

// CreateTask inserts a new task row.
func (s *sqlStore) CreateTask(ctx context.Context, task *ProcessTask) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		INSERT INTO process_tasks (
			task_id, run_id, assignee_id, status, outcome, outcome_data, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`), task.TaskID, task.RunID, task.AssigneeID, task.Status, task.Outcome,
		nullBytes(task.OutcomeData), formatTime(task.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *sqlStore) scanTask(scan func(dest ...any) error) (*ProcessTask, error) {
	var task ProcessTask
	var assignee, outcome, outcomeData sql.NullString
	var createdAt, completedAt sql.NullString

	err := scan(&task.TaskID, &task.RunID, &assignee, &task.Status,
		&outcome, &outcomeData, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if assignee.Valid {
		task.AssigneeID = assignee.String
	}
	if outcome.Valid {
		task.Outcome = outcome.String
	}
	if outcomeData.Valid {
		task.OutcomeData = []byte(outcomeData.String)
	}
	task.CreatedAt = scanTime(createdAt)
	task.CompletedAt = scanTimePtr(completedAt)
	return &task, nil
}

// GetTask retrieves a task by ID.
func (s *sqlStore) GetTask(ctx context.Context, taskID string) (*ProcessTask, error) {
	row := s.getConn(ctx).QueryRowContext(ctx, s.q(`
		SELECT `+taskColumns+` FROM process_tasks WHERE task_id = ?
	`), taskID)
	return s.scanTask(row.Scan)
}

// ListTasks lists tasks with optional filtering, newest first.
func (s *sqlStore) ListTasks(ctx context.Context, opts ListTasksOptions) ([]*ProcessTask, error) {
	query := `SELECT ` + taskColumns + ` FROM process_tasks WHERE 1=1`
	var args []any

	if opts.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, opts.RunID)
	}
	if opts.AssigneeID != "" {
		query += ` AND assignee_id = ?`
		args = append(args, opts.AssigneeID)
	}
	if opts.StatusFilter != "" {
		query += ` AND status = ?`
		args = append(args, opts.StatusFilter)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, task_id DESC LIMIT %d`, limit)

	rows, err := s.getConn(ctx).QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*ProcessTask
	for rows.Next() {
		task, err := s.scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CompleteTask records the outcome and marks the task completed. Only
// open (pending/assigned) tasks complete.
func (s *sqlStore) CompleteTask(ctx context.Context, taskID, outcome string, outcomeData []byte) (bool, error) {
	now := s.driver.CurrentTimeExpr()
	res, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE process_tasks
		SET status = ?, outcome = ?, outcome_data = ?, completed_at = `+now+`
		WHERE task_id = ? AND status IN (?, ?)
	`), TaskCompleted, outcome, nullBytes(outcomeData), taskID, TaskPending, TaskAssigned)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReassignTask changes the assignee on an open task.
func (s *sqlStore) ReassignTask(ctx context.Context, taskID, assigneeID string) (bool, error) {
	res, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE process_tasks
		SET assignee_id = ?, status = ?
		WHERE task_id = ? AND status IN (?, ?)
	`), assigneeID, TaskAssigned, taskID, TaskPending, TaskAssigned)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CancelTasksForRun cancels all open tasks belonging to a run.
func (s *sqlStore) CancelTasksForRun(ctx context.Context, runID string) (int, error) {
	now := s.driver.CurrentTimeExpr()
	res, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE process_tasks
		SET status = ?, completed_at = `+now+`
		WHERE run_id = ? AND status IN (?, ?)
	`), TaskCancelled, runID, TaskPending, TaskAssigned)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Entity Manager ---

// EnsureEntityTable creates the entity table if it does not exist. Columns
// are TEXT; the DSL's generated schema owns the real types in production
// deployments.
func (s *sqlStore) EnsureEntityTable(ctx context.Context, meta EntityMeta) error {
	cols := []string{meta.KeyColumn() + " TEXT PRIMARY KEY"}
	for _, f := range meta.Fields {
		if f == meta.KeyColumn() {
			continue
		}
		cols = append(cols, f+" TEXT")
	}
	if meta.StatusField != "" && !meta.HasField(meta.StatusField) {
		cols = append(cols, meta.StatusField+" TEXT")
	}
	_, err := s.getConn(ctx).ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s)", meta.TableName, strings.Join(cols, ", ")))
	return err
}

// InsertEntityRow inserts values into the entity table. Column order is
// fixed by sorting so statements are deterministic.
func (s *sqlStore) InsertEntityRow(ctx context.Context, meta EntityMeta, values map[string]any) error {
	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		args[i] = values[c]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		meta.TableName, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(query), args...)
	return err
}

// GetEntityRow fetches a row by primary key as a column→value map.
func (s *sqlStore) GetEntityRow(ctx context.Context, meta EntityMeta, id string) (map[string]any, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", meta.TableName, meta.KeyColumn())
	rows, err := s.getConn(ctx).QueryContext(ctx, s.q(query), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	row := make(map[string]any, len(cols))
	for i, c := range cols {
		switch v := raw[i].(type) {
		case []byte:
			row[c] = string(v)
		default:
			row[c] = v
		}
	}
	return row, rows.Err()
}

// UpdateEntityRow updates the given columns, returning affected rows.
func (s *sqlStore) UpdateEntityRow(ctx context.Context, meta EntityMeta, id string, values map[string]any) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = c + " = ?"
		args = append(args, values[c])
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		meta.TableName, strings.Join(sets, ", "), meta.KeyColumn())
	res, err := s.getConn(ctx).ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteEntityRow deletes a row by primary key, returning affected rows.
func (s *sqlStore) DeleteEntityRow(ctx context.Context, meta EntityMeta, id string) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", meta.TableName, meta.KeyColumn())
	res, err := s.getConn(ctx).ExecContext(ctx, s.q(query), id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Outbox Manager ---

const outboxColumns = `id, event_id, event_type, topic, event_key, payload, headers,
	correlation_id, causation_id, status, attempts, created_at, updated_at`

// AddOutboxEntry appends an entry to the outbox within the context
// transaction.
func (s *sqlStore) AddOutboxEntry(ctx context.Context, entry *OutboxEntry) error {
	now := s.driver.CurrentTimeExpr()
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		INSERT INTO outbox (
			event_id, event_type, topic, event_key, payload, headers,
			correlation_id, causation_id, status, attempts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, `+now+`, `+now+`)
	`), entry.EventID, entry.EventType, entry.Topic, entry.Key,
		nullBytes(entry.Payload), nullBytes(entry.Headers),
		entry.CorrelationID, entry.CausationID, OutboxPending)
	if err != nil {
		return fmt.Errorf("failed to append outbox entry: %w", err)
	}
	return nil
}

func (s *sqlStore) scanOutbox(scan func(dest ...any) error) (*OutboxEntry, error) {
	var e OutboxEntry
	var key, payload, headers, correlation, causation sql.NullString
	var createdAt, updatedAt sql.NullString

	err := scan(&e.ID, &e.EventID, &e.EventType, &e.Topic, &key, &payload, &headers,
		&correlation, &causation, &e.Status, &e.Attempts, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if key.Valid {
		e.Key = key.String
	}
	if payload.Valid {
		e.Payload = []byte(payload.String)
	}
	if headers.Valid {
		e.Headers = []byte(headers.String)
	}
	if correlation.Valid {
		e.CorrelationID = correlation.String
	}
	if causation.Valid {
		e.CausationID = causation.String
	}
	e.CreatedAt = scanTime(createdAt)
	e.UpdatedAt = scanTime(updatedAt)
	return &e, nil
}

// GetPendingOutboxEntries fetches pending entries in insertion order and
// flips them to publishing. The select-then-flip runs in one transaction
// with SKIP LOCKED on dialects that support it.
func (s *sqlStore) GetPendingOutboxEntries(ctx context.Context, limit int) ([]*OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		SELECT `+outboxColumns+` FROM outbox
		WHERE status = ?
		ORDER BY id ASC
		LIMIT %d %s
	`, limit, s.driver.SelectForUpdateSkipLocked())

	rows, err := tx.QueryContext(ctx, s.q(query), OutboxPending)
	if err != nil {
		return nil, err
	}

	var entries []*OutboxEntry
	for rows.Next() {
		e, err := s.scanOutbox(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// The flip leaves updated_at alone: it marks the last real delivery
	// outcome and drives retry backoff.
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE outbox SET status = ? WHERE event_id = ?
		`), OutboxPublishing, e.EventID); err != nil {
			return nil, err
		}
		e.Status = OutboxPublishing
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *sqlStore) setOutboxStatus(ctx context.Context, eventID string, status OutboxStatus) error {
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE outbox SET status = ?, updated_at = `+s.driver.CurrentTimeExpr()+`
		WHERE event_id = ?
	`), status, eventID)
	return err
}

// MarkOutboxPublished marks an entry delivered.
func (s *sqlStore) MarkOutboxPublished(ctx context.Context, eventID string) error {
	return s.setOutboxStatus(ctx, eventID, OutboxPublished)
}

// MarkOutboxFailed dead-letters an entry.
func (s *sqlStore) MarkOutboxFailed(ctx context.Context, eventID string) error {
	return s.setOutboxStatus(ctx, eventID, OutboxFailed)
}

// ReturnOutboxToPending flips a publishing entry back to pending for a
// later poll. When countAttempt is set the failed attempt is recorded and
// the backoff clock restarts; otherwise updated_at is left alone so an
// in-progress backoff window keeps elapsing.
func (s *sqlStore) ReturnOutboxToPending(ctx context.Context, eventID string, countAttempt bool) error {
	var err error
	if countAttempt {
		_, err = s.getConn(ctx).ExecContext(ctx, s.q(`
			UPDATE outbox
			SET status = ?, attempts = attempts + 1, updated_at = `+s.driver.CurrentTimeExpr()+`
			WHERE event_id = ?
		`), OutboxPending, eventID)
	} else {
		_, err = s.getConn(ctx).ExecContext(ctx, s.q(`
			UPDATE outbox SET status = ? WHERE event_id = ?
		`), OutboxPending, eventID)
	}
	return err
}

// CountUnpublishedOutbox counts entries still pending or publishing.
func (s *sqlStore) CountUnpublishedOutbox(ctx context.Context) (int, error) {
	row := s.getConn(ctx).QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM outbox WHERE status IN (?, ?)
	`), OutboxPending, OutboxPublishing)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// CleanupOldOutboxEntries removes published entries older than the given age.
func (s *sqlStore) CleanupOldOutboxEntries(ctx context.Context, olderThan time.Duration) error {
	cutoff := formatTime(time.Now().Add(-olderThan))
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		DELETE FROM outbox
		WHERE status = ? AND `+s.driver.DatetimeComparable("updated_at")+` < ?
	`), OutboxPublished, cutoff)
	return err
}

// --- Inbox Manager ---

// InsertInboxEntry records a processed event idempotently. Concurrent
// duplicate marks never error; the affected-row count says who won.
func (s *sqlStore) InsertInboxEntry(ctx context.Context, entry *InboxEntry) (bool, error) {
	head, suffix := s.driver.InsertIgnore("event_id", "consumer_name")
	res, err := s.getConn(ctx).ExecContext(ctx, s.q(head+`
		INTO inbox (event_id, consumer_name, processed_at, result, result_data)
		VALUES (?, ?, `+s.driver.CurrentTimeExpr()+`, ?, ?)
	`+suffix), entry.EventID, entry.ConsumerName, entry.Result, nullBytes(entry.ResultData))
	if err != nil {
		return false, fmt.Errorf("failed to insert inbox entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HasInboxEntry reports whether the (event, consumer) pair was processed.
func (s *sqlStore) HasInboxEntry(ctx context.Context, eventID, consumerName string) (bool, error) {
	row := s.getConn(ctx).QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM inbox WHERE event_id = ? AND consumer_name = ?
	`), eventID, consumerName)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetInboxEntry fetches the ledger row for a processed event.
func (s *sqlStore) GetInboxEntry(ctx context.Context, eventID, consumerName string) (*InboxEntry, error) {
	row := s.getConn(ctx).QueryRowContext(ctx, s.q(`
		SELECT event_id, consumer_name, processed_at, result, result_data
		FROM inbox WHERE event_id = ? AND consumer_name = ?
	`), eventID, consumerName)

	var e InboxEntry
	var processedAt, resultData sql.NullString
	err := row.Scan(&e.EventID, &e.ConsumerName, &processedAt, &e.Result, &resultData)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.ProcessedAt = scanTime(processedAt)
	if resultData.Valid {
		e.ResultData = []byte(resultData.String)
	}
	return &e, nil
}

// --- Version Store ---

const versionColumns = `id, version_label, content_hash, spec_snapshot, diff_data, status, created_at`

// CreateVersion inserts a version record.
func (s *sqlStore) CreateVersion(ctx context.Context, rec *VersionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		INSERT INTO spec_versions (
			id, version_label, content_hash, spec_snapshot, diff_data, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`), rec.ID, rec.VersionLabel, rec.ContentHash,
		nullBytes(rec.SpecSnapshot), nullBytes(rec.DiffData), rec.Status,
		formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create version: %w", err)
	}
	return nil
}

func (s *sqlStore) scanVersion(scan func(dest ...any) error) (*VersionRecord, error) {
	var rec VersionRecord
	var snapshot, diff sql.NullString
	var createdAt sql.NullString

	err := scan(&rec.ID, &rec.VersionLabel, &rec.ContentHash, &snapshot, &diff,
		&rec.Status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if snapshot.Valid {
		rec.SpecSnapshot = []byte(snapshot.String)
	}
	if diff.Valid {
		rec.DiffData = []byte(diff.String)
	}
	rec.CreatedAt = scanTime(createdAt)
	return &rec, nil
}

// GetVersion fetches a version by ID.
func (s *sqlStore) GetVersion(ctx context.Context, id string) (*VersionRecord, error) {
	row := s.getConn(ctx).QueryRowContext(ctx, s.q(`
		SELECT `+versionColumns+` FROM spec_versions WHERE id = ?
	`), id)
	return s.scanVersion(row.Scan)
}

// GetActiveVersion returns the currently active version.
func (s *sqlStore) GetActiveVersion(ctx context.Context) (*VersionRecord, error) {
	row := s.getConn(ctx).QueryRowContext(ctx, s.q(`
		SELECT `+versionColumns+` FROM spec_versions
		WHERE status = ? ORDER BY created_at DESC LIMIT 1
	`), VersionActive)
	return s.scanVersion(row.Scan)
}

// UpdateVersionStatus sets a version's lifecycle status.
func (s *sqlStore) UpdateVersionStatus(ctx context.Context, id string, status VersionStatus) error {
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE spec_versions SET status = ? WHERE id = ?
	`), status, id)
	return err
}

// ListVersions lists versions, newest first.
func (s *sqlStore) ListVersions(ctx context.Context, status VersionStatus, limit int) ([]*VersionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + versionColumns + ` FROM spec_versions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.getConn(ctx).QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*VersionRecord
	for rows.Next() {
		rec, err := s.scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

const migrationColumns = `id, from_version, to_version, status, started_at, completed_at, runs_drained`

// CreateMigration inserts a migration record.
func (s *sqlStore) CreateMigration(ctx context.Context, rec *MigrationRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		INSERT INTO version_migrations (
			id, from_version, to_version, status, started_at, runs_drained
		) VALUES (?, ?, ?, ?, ?, ?)
	`), rec.ID, rec.FromVersion, rec.ToVersion, rec.Status,
		formatTime(rec.StartedAt), rec.RunsDrained)
	if err != nil {
		return fmt.Errorf("failed to create migration: %w", err)
	}
	return nil
}

func (s *sqlStore) scanMigration(scan func(dest ...any) error) (*MigrationRecord, error) {
	var rec MigrationRecord
	var startedAt, completedAt sql.NullString

	err := scan(&rec.ID, &rec.FromVersion, &rec.ToVersion, &rec.Status,
		&startedAt, &completedAt, &rec.RunsDrained)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.StartedAt = scanTime(startedAt)
	rec.CompletedAt = scanTimePtr(completedAt)
	return &rec, nil
}

// GetMigration fetches a migration by ID.
func (s *sqlStore) GetMigration(ctx context.Context, id string) (*MigrationRecord, error) {
	row := s.getConn(ctx).QueryRowContext(ctx, s.q(`
		SELECT `+migrationColumns+` FROM version_migrations WHERE id = ?
	`), id)
	return s.scanMigration(row.Scan)
}

// UpdateMigration sets the migration status, completion time and drained
// count.
func (s *sqlStore) UpdateMigration(ctx context.Context, id string, status MigrationStatus, completedAt *time.Time, runsDrained int) error {
	var completed any
	if completedAt != nil {
		completed = formatTime(*completedAt)
	}
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE version_migrations
		SET status = ?, completed_at = ?, runs_drained = ?
		WHERE id = ?
	`), status, completed, runsDrained, id)
	return err
}

// ListMigrations lists migrations, newest first.
func (s *sqlStore) ListMigrations(ctx context.Context, status MigrationStatus, limit int) ([]*MigrationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + migrationColumns + ` FROM version_migrations`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.getConn(ctx).QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*MigrationRecord
	for rows.Next() {
		rec, err := s.scanMigration(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// GetInProgressMigrationForVersion returns the in-progress migration
// draining the given version.
func (s *sqlStore) GetInProgressMigrationForVersion(ctx context.Context, fromVersion string) (*MigrationRecord, error) {
	row := s.getConn(ctx).QueryRowContext(ctx, s.q(`
		SELECT `+migrationColumns+` FROM version_migrations
		WHERE from_version = ? AND status = ?
		ORDER BY started_at DESC LIMIT 1
	`), fromVersion, MigrationInProgress)
	return s.scanMigration(row.Scan)
}

// --- System Lock Manager ---

// TryAcquireSystemLock attempts to acquire a named lock. An expired lock
// is stolen; a live lock held by another owner is left alone.
func (s *sqlStore) TryAcquireSystemLock(ctx context.Context, lockName, ownerID string, timeoutSec int) (bool, error) {
	conn := s.getConn(ctx)
	now := s.driver.CurrentTimeExpr()
	expiresAt := formatTime(time.Now().Add(time.Duration(timeoutSec) * time.Second))

	head, suffix := s.driver.InsertIgnore("lock_name")
	res, err := conn.ExecContext(ctx, s.q(head+`
		INTO system_locks (lock_name, locked_by, locked_at, expires_at)
		VALUES (?, ?, `+now+`, ?)
	`+suffix), lockName, ownerID, expiresAt)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return true, nil
	}

	// Row exists: take over only when expired or already ours.
	res, err = conn.ExecContext(ctx, s.q(`
		UPDATE system_locks
		SET locked_by = ?, locked_at = `+now+`, expires_at = ?
		WHERE lock_name = ?
		  AND (locked_by = ? OR `+s.driver.DatetimeComparable("expires_at")+` < `+now+`)
	`), ownerID, expiresAt, lockName, ownerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseSystemLock releases a named lock held by ownerID.
func (s *sqlStore) ReleaseSystemLock(ctx context.Context, lockName, ownerID string) error {
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		DELETE FROM system_locks WHERE lock_name = ? AND locked_by = ?
	`), lockName, ownerID)
	return err
}

// CleanupExpiredSystemLocks removes expired locks.
func (s *sqlStore) CleanupExpiredSystemLocks(ctx context.Context) error {
	now := s.driver.CurrentTimeExpr()
	_, err := s.getConn(ctx).ExecContext(ctx,
		`DELETE FROM system_locks WHERE `+s.driver.DatetimeComparable("expires_at")+` < `+now)
	return err
}

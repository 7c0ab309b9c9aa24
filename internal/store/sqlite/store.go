package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pingpong/internal/domain"

	_ "modernc.org/sqlite"
)

var ErrWorkflowNotFound = errors.New("workflow not found")

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	mode TEXT NOT NULL,
	prompt TEXT NOT NULL,
	workspace_path TEXT NOT NULL,
	max_iterations INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_workflow ON decision_log(workflow_id, created_at);

CREATE TABLE IF NOT EXISTS test_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id TEXT NOT NULL,
	passed INTEGER NOT NULL,
	total INTEGER NOT NULL DEFAULT 0,
	passed_count INTEGER NOT NULL DEFAULT 0,
	failed_count INTEGER NOT NULL DEFAULT 0,
	output TEXT NOT NULL,
	triggered_by TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_test_results_workflow ON test_results(workflow_id, created_at);

CREATE TABLE IF NOT EXISTS file_change_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id TEXT NOT NULL,
	role TEXT NOT NULL,
	operation TEXT NOT NULL,
	path TEXT NOT NULL,
	allowed INTEGER NOT NULL,
	reason TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_change_log_workflow ON file_change_log(workflow_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateWorkflow(ctx context.Context, wf domain.WorkflowRecord) error {
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	if wf.UpdatedAt.IsZero() {
		wf.UpdatedAt = now
	}
	if wf.State == "" {
		wf.State = string(domain.StateIdle)
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO workflows(
			id, mode, prompt, workspace_path, max_iterations, state, last_error, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Mode, wf.Prompt, wf.WorkspacePath, wf.MaxIterations, wf.State, wf.LastError,
		wf.CreatedAt.Unix(), wf.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (domain.WorkflowRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, mode, prompt, workspace_path, max_iterations, state, last_error, created_at, updated_at
		FROM workflows WHERE id = ?`,
		workflowID,
	)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkflowRecord{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return domain.WorkflowRecord{}, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]domain.WorkflowRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, mode, prompt, workspace_path, max_iterations, state, last_error, created_at, updated_at
		FROM workflows
		ORDER BY created_at DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var result []domain.WorkflowRecord
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		result = append(result, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}
	return result, nil
}

// UpdateWorkflowState records the latest machine state or coordinator
// status. An empty lastError keeps the stored one.
func (s *Store) UpdateWorkflowState(ctx context.Context, workflowID, state, lastError string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE workflows
		SET state = ?,
			last_error = CASE WHEN ? = '' THEN last_error ELSE ? END,
			updated_at = ?
		WHERE id = ?`,
		state, lastError, lastError, time.Now().UTC().Unix(), workflowID,
	)
	if err != nil {
		return fmt.Errorf("update workflow state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return nil
}

func (s *Store) SetWorkflowError(ctx context.Context, workflowID, lastError string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE workflows SET last_error = ?, updated_at = ? WHERE id = ?`,
		lastError, time.Now().UTC().Unix(), workflowID,
	)
	if err != nil {
		return fmt.Errorf("set workflow error: %w", err)
	}
	return nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(workflow_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.WorkflowID, entry.Actor, entry.Action, entry.Reason, payload, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListWorkflowDecisions(ctx context.Context, workflowID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, workflow_id, actor, action, reason, payload, created_at
		FROM decision_log
		WHERE workflow_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		workflowID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list workflow decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0, limit)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.WorkflowID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

func (s *Store) AddTestResult(ctx context.Context, workflowID string, tr domain.TestResult) error {
	passed := 0
	if tr.Passed {
		passed = 1
	}
	at := tr.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO test_results(workflow_id, passed, total, passed_count, failed_count, output, triggered_by, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		workflowID, passed, tr.Total, tr.PassedCount, tr.FailedCount, tr.Output, string(tr.TriggeredBy), at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("add test result: %w", err)
	}
	return nil
}

// ListTestResults returns results oldest first, matching the context order.
func (s *Store) ListTestResults(ctx context.Context, workflowID string, limit int) ([]domain.StoredTestResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, workflow_id, passed, total, passed_count, failed_count, output, triggered_by, created_at
		FROM (
			SELECT * FROM test_results WHERE workflow_id = ? ORDER BY id DESC LIMIT ?
		)
		ORDER BY id`,
		workflowID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list test results: %w", err)
	}
	defer rows.Close()

	result := make([]domain.StoredTestResult, 0, limit)
	for rows.Next() {
		var item domain.StoredTestResult
		var passed int
		var role string
		var createdAt int64
		if err := rows.Scan(
			&item.ID, &item.WorkflowID, &passed, &item.Total, &item.PassedCount, &item.FailedCount,
			&item.Output, &role, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan test result: %w", err)
		}
		item.Passed = passed == 1
		item.TriggeredBy = domain.Role(role)
		item.Timestamp = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate test results: %w", err)
	}
	return result, nil
}

func (s *Store) LogFileChange(ctx context.Context, entry domain.FileChangeLog) error {
	allowed := 0
	if entry.Allowed {
		allowed = 1
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO file_change_log(workflow_id, role, operation, path, allowed, reason, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.WorkflowID, string(entry.Role), string(entry.Operation), normalizeRelPath(entry.Path),
		allowed, entry.Reason, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("log file change: %w", err)
	}
	return nil
}

func (s *Store) ListFileChanges(ctx context.Context, workflowID string, limit int) ([]domain.FileChangeLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, workflow_id, role, operation, path, allowed, reason, created_at
		FROM file_change_log
		WHERE workflow_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		workflowID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list file changes: %w", err)
	}
	defer rows.Close()

	result := make([]domain.FileChangeLog, 0, limit)
	for rows.Next() {
		var item domain.FileChangeLog
		var role, op string
		var allowed int
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.WorkflowID, &role, &op, &item.Path, &allowed, &item.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan file change: %w", err)
		}
		item.Role = domain.Role(role)
		item.Operation = domain.FileOperation(op)
		item.Allowed = allowed == 1
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file changes: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (domain.WorkflowRecord, error) {
	var wf domain.WorkflowRecord
	var created, updated int64
	if err := row.Scan(
		&wf.ID, &wf.Mode, &wf.Prompt, &wf.WorkspacePath, &wf.MaxIterations, &wf.State, &wf.LastError,
		&created, &updated,
	); err != nil {
		return domain.WorkflowRecord{}, err
	}
	wf.CreatedAt = unixToTime(created)
	wf.UpdatedAt = unixToTime(updated)
	return wf, nil
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func normalizeRelPath(p string) string {
	cleaned := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	cleaned = strings.TrimPrefix(cleaned, "./")
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return "."
	}
	return cleaned
}

// IsBusy reports whether err is sqlite lock contention.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

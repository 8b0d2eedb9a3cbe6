package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/modeleval/modeleval/app/web/enums"
)

// SQLite implements persistence using a single sqlite database file.
type SQLite struct {
	db *sqlx.DB
}

// NewSQLite opens the database and enables WAL mode.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Initialize creates the database schema.
func (s *SQLite) Initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			progress INTEGER DEFAULT 0,
			stage TEXT,
			message TEXT,
			error TEXT,
			source_files TEXT,
			model TEXT,
			params TEXT,
			file_progress TEXT,
			step_progress TEXT,
			stage_progress TEXT,
			result TEXT,
			created_at INTEGER,
			started_at INTEGER,
			completed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS task_logs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			level TEXT,
			message TEXT,
			created_at INTEGER,
			FOREIGN KEY (task_id) REFERENCES tasks(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_state (
			key TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			updated_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS survey_projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER,
			updated_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS survey_responses (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER,
			FOREIGN KEY (project_id) REFERENCES survey_projects(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_survey_responses_project ON survey_responses(project_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// taskRow mirrors the tasks table, json columns held as nullable strings.
type taskRow struct {
	ID            string         `db:"id"`
	Type          string         `db:"type"`
	Status        string         `db:"status"`
	Progress      int            `db:"progress"`
	Stage         sql.NullString `db:"stage"`
	Message       sql.NullString `db:"message"`
	Error         sql.NullString `db:"error"`
	SourceFiles   sql.NullString `db:"source_files"`
	Model         sql.NullString `db:"model"`
	Params        sql.NullString `db:"params"`
	FileProgress  sql.NullString `db:"file_progress"`
	StepProgress  sql.NullString `db:"step_progress"`
	StageProgress sql.NullString `db:"stage_progress"`
	Result        sql.NullString `db:"result"`
	CreatedAt     sql.NullInt64  `db:"created_at"`
	StartedAt     sql.NullInt64  `db:"started_at"`
	CompletedAt   sql.NullInt64  `db:"completed_at"`
}

func (r taskRow) toTask() (Task, error) {
	task := Task{
		ID:       r.ID,
		Progress: r.Progress,
		Stage:    r.Stage.String,
		Message:  r.Message.String,
		Error:    r.Error.String,
		Model:    r.Model.String,
	}

	var err error
	if task.Type, err = enums.ParseTaskType(r.Type); err != nil {
		return Task{}, fmt.Errorf("task %s: %w", r.ID, err)
	}
	if task.Status, err = enums.ParseTaskStatus(r.Status); err != nil {
		return Task{}, fmt.Errorf("task %s: %w", r.ID, err)
	}

	if r.SourceFiles.Valid && r.SourceFiles.String != "" {
		if err := json.Unmarshal([]byte(r.SourceFiles.String), &task.SourceFiles); err != nil {
			return Task{}, fmt.Errorf("task %s source files: %w", r.ID, err)
		}
	}
	if r.Params.Valid && r.Params.String != "" {
		if err := json.Unmarshal([]byte(r.Params.String), &task.Params); err != nil {
			return Task{}, fmt.Errorf("task %s params: %w", r.ID, err)
		}
	}
	if r.FileProgress.Valid && r.FileProgress.String != "" {
		task.Files = &FileProgress{}
		if err := json.Unmarshal([]byte(r.FileProgress.String), task.Files); err != nil {
			return Task{}, fmt.Errorf("task %s file progress: %w", r.ID, err)
		}
	}
	if r.StepProgress.Valid && r.StepProgress.String != "" {
		task.Steps = &StepProgress{}
		if err := json.Unmarshal([]byte(r.StepProgress.String), task.Steps); err != nil {
			return Task{}, fmt.Errorf("task %s step progress: %w", r.ID, err)
		}
	}
	if r.StageProgress.Valid && r.StageProgress.String != "" {
		if err := json.Unmarshal([]byte(r.StageProgress.String), &task.Stages); err != nil {
			return Task{}, fmt.Errorf("task %s stage progress: %w", r.ID, err)
		}
	}
	if r.Result.Valid && r.Result.String != "" {
		task.Result = json.RawMessage(r.Result.String)
	}

	if r.CreatedAt.Valid && r.CreatedAt.Int64 > 0 {
		task.CreatedAt = time.Unix(r.CreatedAt.Int64, 0)
	}
	if r.StartedAt.Valid && r.StartedAt.Int64 > 0 {
		task.StartedAt = time.Unix(r.StartedAt.Int64, 0)
	}
	if r.CompletedAt.Valid && r.CompletedAt.Int64 > 0 {
		task.CompletedAt = time.Unix(r.CompletedAt.Int64, 0)
	}

	return task, nil
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SaveTask inserts a new task record.
func (s *SQLite) SaveTask(ctx context.Context, task Task) error {
	sourceFiles, err := marshalJSON(task.SourceFiles)
	if err != nil {
		return fmt.Errorf("failed to marshal source files: %w", err)
	}
	params, err := marshalJSON(task.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	stages, err := marshalJSON(task.Stages)
	if err != nil {
		return fmt.Errorf("failed to marshal stage progress: %w", err)
	}

	var startedAt, completedAt int64
	if !task.StartedAt.IsZero() {
		startedAt = task.StartedAt.Unix()
	}
	if !task.CompletedAt.IsZero() {
		completedAt = task.CompletedAt.Unix()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks
		(id, type, status, progress, stage, message, error, source_files, model, params, stage_progress, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.Type.String(),
		task.Status.String(),
		task.Progress,
		task.Stage,
		task.Message,
		task.Error,
		sourceFiles,
		task.Model,
		params,
		stages,
		task.CreatedAt.Unix(),
		startedAt,
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}

	return nil
}

// GetTask retrieves a single task by id. Returns ErrNotFound if it does not exist.
func (s *SQLite) GetTask(ctx context.Context, id string) (Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("failed to query task %s: %w", id, err)
	}
	return row.toTask()
}

// ListTasks returns tasks of the given type, newest first. Zero value type returns all.
func (s *SQLite) ListTasks(ctx context.Context, taskType enums.TaskType) ([]Task, error) {
	query := `SELECT * FROM tasks ORDER BY created_at DESC, id`
	args := []any{}
	if taskType != (enums.TaskType{}) {
		query = `SELECT * FROM tasks WHERE type = ? ORDER BY created_at DESC, id`
		args = append(args, taskType.String())
	}

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	tasks := make([]Task, 0, len(rows))
	for _, row := range rows {
		task, err := row.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// SetStatus updates the task status and, for terminal statuses, the completion time.
// Error message is recorded for failed tasks.
func (s *SQLite) SetStatus(ctx context.Context, id string, status enums.TaskStatus, errMsg string) error {
	now := time.Now().Unix()
	var res sql.Result
	var err error

	switch {
	case status == enums.TaskStatusProcessing:
		res, err = s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, started_at = ? WHERE id = ?`,
			status.String(), now, id)
	case status.Terminal():
		res, err = s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
			status.String(), errMsg, now, id)
	default:
		res, err = s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, status.String(), id)
	}
	if err != nil {
		return fmt.Errorf("failed to update status for task %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update for task %s: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProgress applies a partial progress update. The stored percentage only
// moves forward, a stale or out-of-order report can not roll it back.
func (s *SQLite) UpdateProgress(ctx context.Context, id string, upd ProgressUpdate) error {
	fileProgress, err := marshalJSON(upd.Files)
	if err != nil {
		return fmt.Errorf("failed to marshal file progress: %w", err)
	}
	stepProgress, err := marshalJSON(upd.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal step progress: %w", err)
	}
	stages, err := marshalJSON(upd.Stages)
	if err != nil {
		return fmt.Errorf("failed to marshal stage progress: %w", err)
	}

	query := `UPDATE tasks SET progress = MAX(progress, ?), stage = ?, message = ?`
	args := []any{upd.Progress, upd.Stage, upd.Message}
	if upd.Files != nil {
		query += `, file_progress = ?`
		args = append(args, fileProgress)
	}
	if upd.Steps != nil {
		query += `, step_progress = ?`
		args = append(args, stepProgress)
	}
	if upd.Stages != nil {
		query += `, stage_progress = ?`
		args = append(args, stages)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update progress for task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update for task %s: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetResult stores the final result document for a task.
func (s *SQLite) SetResult(ctx context.Context, id string, result json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET result = ? WHERE id = ?`, string(result), id)
	if err != nil {
		return fmt.Errorf("failed to set result for task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update for task %s: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkInterrupted flips all pending and processing tasks to interrupted.
// Called on startup to clean up after an unclean shutdown.
func (s *SQLite) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error = ?, completed_at = ?
		WHERE status IN (?, ?)`,
		enums.TaskStatusInterrupted.String(), "interrupted by restart", time.Now().Unix(),
		enums.TaskStatusPending.String(), enums.TaskStatusProcessing.String())
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted tasks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count interrupted tasks: %w", err)
	}
	return affected, nil
}

// DeleteTasksBefore removes terminal tasks older than the cutoff with their logs.
// Returns the number of deleted tasks.
func (s *SQLite) DeleteTasksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is no-op

	cond := `created_at < ? AND status IN (?, ?, ?)`
	args := []any{cutoff.Unix(), enums.TaskStatusCompleted.String(),
		enums.TaskStatusFailed.String(), enums.TaskStatusInterrupted.String()}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_logs WHERE task_id IN (SELECT id FROM tasks WHERE `+cond+`)`, args...); err != nil {
		return 0, fmt.Errorf("failed to delete task logs: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE `+cond, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tasks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted tasks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return affected, nil
}

// AppendLog attaches a log line to a task.
func (s *SQLite) AppendLog(ctx context.Context, taskID, level, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, level, message, created_at) VALUES (?, ?, ?, ?)`,
		taskID, level, message, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to append log for task %s: %w", taskID, err)
	}
	return nil
}

// GetLogs returns log entries for a task with seq greater than afterSeq, oldest first.
func (s *SQLite) GetLogs(ctx context.Context, taskID string, afterSeq int64) ([]LogEntry, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT seq, task_id, level, message, created_at FROM task_logs
		WHERE task_id = ? AND seq > ? ORDER BY seq`, taskID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs for task %s: %w", taskID, err)
	}
	defer rows.Close()

	entries := []LogEntry{}
	for rows.Next() {
		var entry LogEntry
		var createdAt sql.NullInt64
		if err := rows.Scan(&entry.Seq, &entry.TaskID, &entry.Level, &entry.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		if createdAt.Valid {
			entry.CreatedAt = time.Unix(createdAt.Int64, 0)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log rows: %w", err)
	}
	return entries, nil
}

// GetStats aggregates task counts by status.
func (s *SQLite) GetStats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := Stats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.Total += count
		switch status {
		case enums.TaskStatusPending.String():
			stats.Pending = count
		case enums.TaskStatusProcessing.String():
			stats.Processing = count
		case enums.TaskStatusCompleted.String():
			stats.Completed = count
		case enums.TaskStatusFailed.String():
			stats.Failed = count
		case enums.TaskStatusInterrupted.String():
			stats.Interrupted = count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("error iterating stats rows: %w", err)
	}
	return stats, nil
}

// GetWorkflowState loads the stored workflow state blob for the given key.
// Returns ErrNotFound when no state has been saved yet.
func (s *SQLite) GetWorkflowState(ctx context.Context, key string) (json.RawMessage, error) {
	var payload string
	err := s.db.GetContext(ctx, &payload, `SELECT payload FROM workflow_state WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow state %s: %w", key, err)
	}
	return json.RawMessage(payload), nil
}

// SaveWorkflowState stores the workflow state blob, replacing any previous value.
func (s *SQLite) SaveWorkflowState(ctx context.Context, key string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO workflow_state (key, payload, updated_at) VALUES (?, ?, ?)`,
		key, string(payload), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save workflow state %s: %w", key, err)
	}
	return nil
}

// SaveSurveyProject inserts or replaces a survey project.
func (s *SQLite) SaveSurveyProject(ctx context.Context, p SurveyProject) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO survey_projects (id, name, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.Payload), p.CreatedAt.Unix(), p.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save survey project %s: %w", p.ID, err)
	}
	return nil
}

// GetSurveyProject retrieves a survey project by id.
func (s *SQLite) GetSurveyProject(ctx context.Context, id string) (SurveyProject, error) {
	var row struct {
		ID        string        `db:"id"`
		Name      string        `db:"name"`
		Payload   string        `db:"payload"`
		CreatedAt sql.NullInt64 `db:"created_at"`
		UpdatedAt sql.NullInt64 `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM survey_projects WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return SurveyProject{}, ErrNotFound
	}
	if err != nil {
		return SurveyProject{}, fmt.Errorf("failed to query survey project %s: %w", id, err)
	}

	p := SurveyProject{ID: row.ID, Name: row.Name, Payload: json.RawMessage(row.Payload)}
	if row.CreatedAt.Valid {
		p.CreatedAt = time.Unix(row.CreatedAt.Int64, 0)
	}
	if row.UpdatedAt.Valid {
		p.UpdatedAt = time.Unix(row.UpdatedAt.Int64, 0)
	}
	return p, nil
}

// ListSurveyProjects returns all survey projects, newest first.
func (s *SQLite) ListSurveyProjects(ctx context.Context) ([]SurveyProject, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, name, payload, created_at, updated_at FROM survey_projects
		ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query survey projects: %w", err)
	}
	defer rows.Close()

	projects := []SurveyProject{}
	for rows.Next() {
		var id, name, payload string
		var createdAt, updatedAt sql.NullInt64
		if err := rows.Scan(&id, &name, &payload, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan survey project row: %w", err)
		}
		p := SurveyProject{ID: id, Name: name, Payload: json.RawMessage(payload)}
		if createdAt.Valid {
			p.CreatedAt = time.Unix(createdAt.Int64, 0)
		}
		if updatedAt.Valid {
			p.UpdatedAt = time.Unix(updatedAt.Int64, 0)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating survey project rows: %w", err)
	}
	return projects, nil
}

// DeleteSurveyProject removes a project and its responses.
func (s *SQLite) DeleteSurveyProject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is no-op

	if _, err := tx.ExecContext(ctx, `DELETE FROM survey_responses WHERE project_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete survey responses for %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM survey_projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete survey project %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete for project %s: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveSurveyResponse inserts a questionnaire submission.
func (s *SQLite) SaveSurveyResponse(ctx context.Context, r SurveyResponse) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO survey_responses (id, project_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.ProjectID, string(r.Payload), r.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save survey response %s: %w", r.ID, err)
	}
	return nil
}

// ListSurveyResponses returns all responses for a project, oldest first.
func (s *SQLite) ListSurveyResponses(ctx context.Context, projectID string) ([]SurveyResponse, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, project_id, payload, created_at FROM survey_responses
		WHERE project_id = ? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query survey responses: %w", err)
	}
	defer rows.Close()

	responses := []SurveyResponse{}
	for rows.Next() {
		var id, projID, payload string
		var createdAt sql.NullInt64
		if err := rows.Scan(&id, &projID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan survey response row: %w", err)
		}
		r := SurveyResponse{ID: id, ProjectID: projID, Payload: json.RawMessage(payload)}
		if createdAt.Valid {
			r.CreatedAt = time.Unix(createdAt.Int64, 0)
		}
		responses = append(responses, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating survey response rows: %w", err)
	}
	return responses, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Package store provides SQLite-backed persistence for tasks, task logs,
// workflow state and survey records.
package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/modeleval/modeleval/app/web/enums"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Task represents a background task with its progress state.
// Progress is a percentage in [0, 100] and never decreases within
// a task lifecycle, the store enforces this on update.
type Task struct {
	ID          string            `json:"id"`
	Type        enums.TaskType    `json:"type"`
	Status      enums.TaskStatus  `json:"status"`
	Progress    int               `json:"progress"`
	Stage       string            `json:"stage,omitempty"`
	Message     string            `json:"message,omitempty"`
	Error       string            `json:"error,omitempty"`
	SourceFiles []string          `json:"source_files,omitempty"`
	Model       string            `json:"model,omitempty"`
	Params      map[string]any    `json:"params,omitempty"`
	Files       *FileProgress     `json:"file_progress,omitempty"`
	Steps       *StepProgress     `json:"step_progress,omitempty"`
	Stages      []StageEntry      `json:"stage_progress,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   time.Time         `json:"started_at,omitzero"`
	CompletedAt time.Time         `json:"completed_at,omitzero"`
}

// FileProgress tracks how many input files a task has processed.
type FileProgress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Name    string `json:"name,omitempty"`
}

// StepProgress tracks fine-grained progress inside the current stage,
// e.g. questions evaluated out of the total.
type StepProgress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Label   string `json:"label,omitempty"`
}

// StageEntry describes one named stage of a multi-stage task. Evaluation
// tasks carry a fixed ordered list of these, each with its own percentage.
type StageEntry struct {
	Key       string            `json:"key"`
	Label     string            `json:"label"`
	Progress  int               `json:"progress"`
	Status    enums.StageStatus `json:"status"`
	Message   string            `json:"message,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ProgressUpdate is a partial update applied to a running task.
// Nil pointer fields are left unchanged.
type ProgressUpdate struct {
	Progress int
	Stage    string
	Message  string
	Files    *FileProgress
	Steps    *StepProgress
	Stages   []StageEntry
}

// LogEntry is a single log line attached to a task, streamed to
// progress subscribers in order of Seq.
type LogEntry struct {
	Seq       int64     `json:"seq"`
	TaskID    string    `json:"task_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// SurveyProject is a stored capability survey project. The store keeps
// the domain payload opaque, the survey package owns its shape.
type SurveyProject struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SurveyResponse is a stored questionnaire submission for a project.
type SurveyResponse struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Stats aggregates task counts by status.
type Stats struct {
	Total       int `json:"total"`
	Pending     int `json:"pending"`
	Processing  int `json:"processing"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Interrupted int `json:"interrupted"`
}

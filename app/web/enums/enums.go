// Package enums provides type-safe enumeration types shared by the task
// runner, the store and the web interface.
//
// Each enum is a small value struct with a string name and an int value.
// Values marshal to their lower-case names in JSON and in the database,
// and parse back with the corresponding Parse function. Using structs
// instead of raw string constants makes an invalid status unrepresentable
// outside of Parse.
package enums

import (
	"database/sql/driver"
	"fmt"
)

// TaskStatus represents the lifecycle status of a background task.
type TaskStatus struct {
	name  string
	value int
}

// TaskStatus values, ordered by lifecycle.
var (
	TaskStatusPending     = TaskStatus{name: "pending", value: 0}
	TaskStatusProcessing  = TaskStatus{name: "processing", value: 1}
	TaskStatusCompleted   = TaskStatus{name: "completed", value: 2}
	TaskStatusFailed      = TaskStatus{name: "failed", value: 3}
	TaskStatusInterrupted = TaskStatus{name: "interrupted", value: 4}
)

// String returns the string representation of the status.
func (e TaskStatus) String() string { return e.name }

// Terminal reports whether the status is final and the task will not progress further.
func (e TaskStatus) Terminal() bool {
	return e == TaskStatusCompleted || e == TaskStatusFailed || e == TaskStatusInterrupted
}

// MarshalText implements encoding.TextMarshaler.
func (e TaskStatus) MarshalText() ([]byte, error) { return []byte(e.name), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *TaskStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseTaskStatus(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Value implements driver.Valuer for database storage.
func (e TaskStatus) Value() (driver.Value, error) { return e.name, nil }

// Scan implements sql.Scanner for database retrieval.
func (e *TaskStatus) Scan(value any) error {
	if value == nil {
		*e = TaskStatusPending
		return nil
	}
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("unsupported type for TaskStatus: %T", value)
	}
	parsed, err := ParseTaskStatus(s)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// ParseTaskStatus converts a string to a TaskStatus.
func ParseTaskStatus(v string) (TaskStatus, error) {
	switch v {
	case "pending":
		return TaskStatusPending, nil
	case "processing":
		return TaskStatusProcessing, nil
	case "completed":
		return TaskStatusCompleted, nil
	case "failed":
		return TaskStatusFailed, nil
	case "interrupted":
		return TaskStatusInterrupted, nil
	}
	return TaskStatus{}, fmt.Errorf("invalid task status: %q", v)
}

// TaskType represents the kind of background task.
type TaskType struct {
	name  string
	value int
}

// TaskType values.
var (
	TaskTypeQA         = TaskType{name: "qa", value: 0}
	TaskTypeEvaluation = TaskType{name: "evaluation", value: 1}
)

// String returns the string representation of the type.
func (e TaskType) String() string { return e.name }

// MarshalText implements encoding.TextMarshaler.
func (e TaskType) MarshalText() ([]byte, error) { return []byte(e.name), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *TaskType) UnmarshalText(text []byte) error {
	parsed, err := ParseTaskType(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Value implements driver.Valuer for database storage.
func (e TaskType) Value() (driver.Value, error) { return e.name, nil }

// Scan implements sql.Scanner for database retrieval.
func (e *TaskType) Scan(value any) error {
	if value == nil {
		*e = TaskTypeQA
		return nil
	}
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("unsupported type for TaskType: %T", value)
	}
	parsed, err := ParseTaskType(s)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// ParseTaskType converts a string to a TaskType.
func ParseTaskType(v string) (TaskType, error) {
	switch v {
	case "qa":
		return TaskTypeQA, nil
	case "evaluation":
		return TaskTypeEvaluation, nil
	}
	return TaskType{}, fmt.Errorf("invalid task type: %q", v)
}

// StageStatus represents the status of a single pipeline stage within a task.
type StageStatus struct {
	name  string
	value int
}

// StageStatus values.
var (
	StageStatusPending    = StageStatus{name: "pending", value: 0}
	StageStatusProcessing = StageStatus{name: "processing", value: 1}
	StageStatusCompleted  = StageStatus{name: "completed", value: 2}
	StageStatusFailed     = StageStatus{name: "failed", value: 3}
)

// String returns the string representation of the stage status.
func (e StageStatus) String() string { return e.name }

// MarshalText implements encoding.TextMarshaler.
func (e StageStatus) MarshalText() ([]byte, error) { return []byte(e.name), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *StageStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseStageStatus(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// ParseStageStatus converts a string to a StageStatus.
func ParseStageStatus(v string) (StageStatus, error) {
	switch v {
	case "pending":
		return StageStatusPending, nil
	case "processing":
		return StageStatusProcessing, nil
	case "completed":
		return StageStatusCompleted, nil
	case "failed":
		return StageStatusFailed, nil
	}
	return StageStatus{}, fmt.Errorf("invalid stage status: %q", v)
}

// EventType represents the kind of server-sent event pushed to progress subscribers.
type EventType struct {
	name  string
	value int
}

// EventType values.
var (
	EventTypeProgress = EventType{name: "progress", value: 0}
	EventTypeLog      = EventType{name: "log", value: 1}
	EventTypeComplete = EventType{name: "complete", value: 2}
	EventTypeError    = EventType{name: "error", value: 3}
)

// String returns the string representation of the event type.
func (e EventType) String() string { return e.name }

// MarshalText implements encoding.TextMarshaler.
func (e EventType) MarshalText() ([]byte, error) { return []byte(e.name), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *EventType) UnmarshalText(text []byte) error {
	parsed, err := ParseEventType(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// ParseEventType converts a string to an EventType.
func ParseEventType(v string) (EventType, error) {
	switch v {
	case "progress":
		return EventTypeProgress, nil
	case "log":
		return EventTypeLog, nil
	case "complete":
		return EventTypeComplete, nil
	case "error":
		return EventTypeError, nil
	}
	return EventType{}, fmt.Errorf("invalid event type: %q", v)
}

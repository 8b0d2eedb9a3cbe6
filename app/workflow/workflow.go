// Package workflow tracks per-module completion state and gates analysis
// operations on it. Each module (qa, evaluation, survey) carries a
// process-completion flag, analysis for a module is allowed only after
// its processing has completed at least once.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/modeleval/modeleval/app/store"
)

// section names
const (
	SectionQA         = "qa"
	SectionEvaluation = "evaluation"
	SectionSurvey     = "survey"
)

// stateKey is the single row key used in the workflow_state table.
const stateKey = "default"

// ErrGated is returned when an analysis operation is requested before
// the module's processing has completed.
var ErrGated = errors.New("processing not completed")

// SectionState is the stored state of one workflow module.
type SectionState struct {
	ProcessCompleted bool           `json:"process_completed"`
	LastTaskID       string         `json:"last_task_id,omitempty"`
	Params           map[string]any `json:"params,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at,omitzero"`
}

// State holds all workflow sections. Missing sections deserialize to
// their zero value, so a partial stored blob always loads into a fully
// populated state with defaults filled in.
type State struct {
	QA         SectionState `json:"qa"`
	Evaluation SectionState `json:"evaluation"`
	Survey     SectionState `json:"survey"`
}

// Section returns the named section state.
func (s State) Section(name string) (SectionState, error) {
	switch name {
	case SectionQA:
		return s.QA, nil
	case SectionEvaluation:
		return s.Evaluation, nil
	case SectionSurvey:
		return s.Survey, nil
	}
	return SectionState{}, fmt.Errorf("unknown workflow section %q", name)
}

func (s *State) setSection(name string, sec SectionState) error {
	switch name {
	case SectionQA:
		s.QA = sec
	case SectionEvaluation:
		s.Evaluation = sec
	case SectionSurvey:
		s.Survey = sec
	default:
		return fmt.Errorf("unknown workflow section %q", name)
	}
	return nil
}

// Store is the persistence interface the manager needs.
type Store interface {
	GetWorkflowState(ctx context.Context, key string) (json.RawMessage, error)
	SaveWorkflowState(ctx context.Context, key string, payload json.RawMessage) error
}

// Manager loads, updates and persists workflow state. Writes follow
// last-write-wins, concurrent updates are not merged field by field.
type Manager struct {
	store Store
}

// NewManager creates a workflow manager on top of the given store.
func NewManager(s Store) *Manager {
	return &Manager{store: s}
}

// Load returns the current state, a fresh default state if nothing was
// saved yet. A stored blob that can't be parsed also falls back to
// defaults, the next Save replaces it.
func (m *Manager) Load(ctx context.Context) (State, error) {
	payload, err := m.store.GetWorkflowState(ctx, stateKey)
	if errors.Is(err, store.ErrNotFound) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to load workflow state: %w", err)
	}

	state := State{}
	if err := json.Unmarshal(payload, &state); err != nil {
		log.Printf("[WARN] stored workflow state not readable, using defaults: %v", err)
		return State{}, nil
	}
	return state, nil
}

// Save persists the full state, replacing the previous value.
func (m *Manager) Save(ctx context.Context, state State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow state: %w", err)
	}
	if err := m.store.SaveWorkflowState(ctx, stateKey, payload); err != nil {
		return fmt.Errorf("failed to save workflow state: %w", err)
	}
	return nil
}

// Update replaces one section and persists the result.
func (m *Manager) Update(ctx context.Context, section string, sec SectionState) (State, error) {
	state, err := m.Load(ctx)
	if err != nil {
		return State{}, err
	}
	sec.UpdatedAt = time.Now()
	if err := state.setSection(section, sec); err != nil {
		return State{}, err
	}
	if err := m.Save(ctx, state); err != nil {
		return State{}, err
	}
	return state, nil
}

// MarkCompleted flips the process-completion flag for a section,
// recording the task that completed it.
func (m *Manager) MarkCompleted(ctx context.Context, section, taskID string) error {
	state, err := m.Load(ctx)
	if err != nil {
		return err
	}
	sec, err := state.Section(section)
	if err != nil {
		return err
	}
	sec.ProcessCompleted = true
	sec.LastTaskID = taskID
	sec.UpdatedAt = time.Now()
	if err := state.setSection(section, sec); err != nil {
		return err
	}
	return m.Save(ctx, state)
}

// Reset clears a section back to its initial state.
func (m *Manager) Reset(ctx context.Context, section string) error {
	state, err := m.Load(ctx)
	if err != nil {
		return err
	}
	if err := state.setSection(section, SectionState{UpdatedAt: time.Now()}); err != nil {
		return err
	}
	return m.Save(ctx, state)
}

// CheckGate returns ErrGated unless the section's processing has completed.
func (m *Manager) CheckGate(ctx context.Context, section string) error {
	state, err := m.Load(ctx)
	if err != nil {
		return err
	}
	sec, err := state.Section(section)
	if err != nil {
		return err
	}
	if !sec.ProcessCompleted {
		return fmt.Errorf("%w for section %s", ErrGated, section)
	}
	return nil
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modeleval/modeleval/app/conditions"
	"github.com/modeleval/modeleval/app/store"
	"github.com/modeleval/modeleval/app/web/enums"
	"github.com/modeleval/modeleval/app/workflow"
)

// memStore is an in-memory Store for runner tests
type memStore struct {
	mu          sync.Mutex
	tasks       map[string]store.Task
	logs        []store.LogEntry
	interrupted bool
}

func newMemStore() *memStore { return &memStore{tasks: map[string]store.Task{}} }

func (m *memStore) SaveTask(_ context.Context, task store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
	return nil
}

func (m *memStore) GetTask(_ context.Context, id string) (store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return store.Task{}, store.ErrNotFound
	}
	return task, nil
}

func (m *memStore) SetStatus(_ context.Context, id string, status enums.TaskStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task := m.tasks[id]
	task.Status, task.Error = status, errMsg
	m.tasks[id] = task
	return nil
}

func (m *memStore) UpdateProgress(_ context.Context, id string, upd store.ProgressUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task := m.tasks[id]
	if upd.Progress > task.Progress {
		task.Progress = upd.Progress
	}
	if upd.Stage != "" {
		task.Stage = upd.Stage
	}
	if upd.Message != "" {
		task.Message = upd.Message
	}
	m.tasks[id] = task
	return nil
}

func (m *memStore) SetResult(_ context.Context, id string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task := m.tasks[id]
	task.Result = result
	m.tasks[id] = task
	return nil
}

func (m *memStore) AppendLog(_ context.Context, taskID, level, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, store.LogEntry{TaskID: taskID, Level: level, Message: message})
	return nil
}

func (m *memStore) MarkInterrupted(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupted = true
	return 0, nil
}

func (m *memStore) DeleteTasksBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, task := range m.tasks {
		if task.Status.Terminal() && task.CreatedAt.Before(cutoff) {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed, nil
}

func (m *memStore) task(t *testing.T, id string) store.Task {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id]
}

type stubExecutor struct {
	fn func(ctx context.Context, task store.Task, report func(store.ProgressUpdate)) (json.RawMessage, string, error)
}

func (s *stubExecutor) Execute(ctx context.Context, task store.Task, report func(store.ProgressUpdate)) (json.RawMessage, string, error) {
	return s.fn(ctx, task, report)
}

type stubMarker struct {
	mu       sync.Mutex
	sections []string
}

func (s *stubMarker) MarkCompleted(_ context.Context, section, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sections = append(s.sections, section)
	return nil
}

type stubNotifier struct {
	mu           sync.Mutex
	onError      bool
	onCompletion bool
	subjects     []string
}

func (s *stubNotifier) Send(_ context.Context, subj, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects = append(s.subjects, subj)
	return nil
}
func (s *stubNotifier) IsOnError() bool                               { return s.onError }
func (s *stubNotifier) IsOnCompletion() bool                          { return s.onCompletion }
func (s *stubNotifier) MakeErrorHTML(store.Task) (string, error)      { return "<err/>", nil }
func (s *stubNotifier) MakeCompletionHTML(store.Task) (string, error) { return "<done/>", nil }

type stubChecker struct {
	ok     bool
	reason string
}

func (s *stubChecker) Check(conditions.Config) (bool, string) { return s.ok, s.reason }

func waitStatus(t *testing.T, m *memStore, id string, status enums.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.task(t, id).Status == status
	}, 5*time.Second, 10*time.Millisecond, "task %s should reach %s", id, status)
}

func TestRunner_SubmitAndExecute(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := newMemStore()
	marker := &stubMarker{}
	notifier := &stubNotifier{onCompletion: true}

	runner := Runner{
		Store: st,
		Executors: map[enums.TaskType]Executor{
			enums.TaskTypeQA: &stubExecutor{fn: func(_ context.Context, _ store.Task, report func(store.ProgressUpdate)) (json.RawMessage, string, error) {
				report(store.ProgressUpdate{Progress: 50, Stage: "halfway", Message: "working"})
				return json.RawMessage(`{"pairs": 3}`), "3 pairs generated", nil
			}},
		},
		Workflow: marker,
		Notifier: notifier,
		HostName: "test-host",
	}
	go func() { _ = runner.Run(ctx) }()

	task, err := runner.Submit(ctx, store.Task{Type: enums.TaskTypeQA, SourceFiles: []string{"doc.md"}})
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)
	assert.Equal(t, enums.TaskStatusPending, task.Status)

	waitStatus(t, st, task.ID, enums.TaskStatusCompleted)

	saved := st.task(t, task.ID)
	assert.JSONEq(t, `{"pairs": 3}`, string(saved.Result))
	assert.Equal(t, 100, saved.Progress)
	assert.Equal(t, "3 pairs generated", saved.Message)
	assert.True(t, st.interrupted, "restart cleanup ran")

	require.Eventually(t, func() bool {
		marker.mu.Lock()
		defer marker.mu.Unlock()
		return len(marker.sections) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{workflow.SectionQA}, marker.sections)

	require.Eventually(t, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.subjects) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, notifier.subjects[0], "completed task")
	assert.Contains(t, notifier.subjects[0], "test-host")
}

func TestRunner_ExecutorFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := newMemStore()
	notifier := &stubNotifier{onError: true}

	runner := Runner{
		Store: st,
		Executors: map[enums.TaskType]Executor{
			enums.TaskTypeEvaluation: &stubExecutor{fn: func(context.Context, store.Task, func(store.ProgressUpdate)) (json.RawMessage, string, error) {
				return nil, "", errors.New("judge unavailable")
			}},
		},
		Notifier: notifier,
	}
	go func() { _ = runner.Run(ctx) }()

	task, err := runner.Submit(ctx, store.Task{Type: enums.TaskTypeEvaluation})
	require.NoError(t, err)

	waitStatus(t, st, task.ID, enums.TaskStatusFailed)
	assert.Equal(t, "judge unavailable", st.task(t, task.ID).Error)

	require.Eventually(t, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.subjects) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, notifier.subjects[0], "failed task")
}

func TestRunner_CanceledExecutorMarksInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := newMemStore()
	runner := Runner{
		Store: st,
		Executors: map[enums.TaskType]Executor{
			enums.TaskTypeQA: &stubExecutor{fn: func(ctx context.Context, _ store.Task, _ func(store.ProgressUpdate)) (json.RawMessage, string, error) {
				return nil, "", fmt.Errorf("wrapped: %w", context.Canceled)
			}},
		},
	}
	go func() { _ = runner.Run(ctx) }()

	task, err := runner.Submit(ctx, store.Task{Type: enums.TaskTypeQA})
	require.NoError(t, err)
	waitStatus(t, st, task.ID, enums.TaskStatusInterrupted)
}

func TestRunner_SubmitUnknownType(t *testing.T) {
	runner := Runner{Store: newMemStore(), Executors: map[enums.TaskType]Executor{}}
	_, err := runner.Submit(context.Background(), store.Task{Type: enums.TaskTypeQA})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no executor")
}

func TestRunner_QueueFull(t *testing.T) {
	st := newMemStore()
	runner := Runner{
		Store:     st,
		QueueSize: 1,
		Executors: map[enums.TaskType]Executor{
			enums.TaskTypeQA: &stubExecutor{fn: func(context.Context, store.Task, func(store.ProgressUpdate)) (json.RawMessage, string, error) {
				return nil, "", nil
			}},
		},
	}
	// no Run loop, nothing consumes the queue

	_, err := runner.Submit(context.Background(), store.Task{Type: enums.TaskTypeQA, SourceFiles: []string{"a.md"}})
	require.NoError(t, err)

	task2, err := runner.Submit(context.Background(), store.Task{Type: enums.TaskTypeQA, SourceFiles: []string{"b.md"}})
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Empty(t, task2.ID)

	// the overflow task recorded as failed
	var failed int
	st.mu.Lock()
	for _, task := range st.tasks {
		if task.Status == enums.TaskStatusFailed {
			failed++
		}
	}
	st.mu.Unlock()
	assert.Equal(t, 1, failed)
}

func TestRunner_DeDup(t *testing.T) {
	st := newMemStore()
	runner := Runner{
		Store:     st,
		DeDup:     NewDeDup(true),
		QueueSize: 10,
		Executors: map[enums.TaskType]Executor{
			enums.TaskTypeQA: &stubExecutor{fn: func(context.Context, store.Task, func(store.ProgressUpdate)) (json.RawMessage, string, error) {
				return nil, "", nil
			}},
		},
	}
	// no Run loop, first submission stays registered

	_, err := runner.Submit(context.Background(), store.Task{Type: enums.TaskTypeQA, SourceFiles: []string{"doc.md"}})
	require.NoError(t, err)

	_, err = runner.Submit(context.Background(), store.Task{Type: enums.TaskTypeQA, SourceFiles: []string{"doc.md"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicated task")

	// different source files pass
	_, err = runner.Submit(context.Background(), store.Task{Type: enums.TaskTypeQA, SourceFiles: []string{"other.md"}})
	require.NoError(t, err)
}

func TestRunner_ConditionsNotMet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := newMemStore()
	runner := Runner{
		Store:            st,
		Conditions:       conditions.Config{CPUBelow: intPtr(50)},
		ConditionChecker: &stubChecker{ok: false, reason: "CPU at 90%"},
		Executors: map[enums.TaskType]Executor{
			enums.TaskTypeQA: &stubExecutor{fn: func(context.Context, store.Task, func(store.ProgressUpdate)) (json.RawMessage, string, error) {
				t.Error("executor must not run")
				return nil, "", nil
			}},
		},
	}
	go func() { _ = runner.Run(ctx) }()

	task, err := runner.Submit(ctx, store.Task{Type: enums.TaskTypeQA})
	require.NoError(t, err)

	waitStatus(t, st, task.ID, enums.TaskStatusFailed)
	assert.Contains(t, st.task(t, task.ID).Error, "CPU at 90%")
}

func TestRunner_ConditionsPostponed(t *testing.T) {
	checker := &flippingChecker{failures: 2, reason: "memory at 95%"}
	runner := Runner{
		ConditionChecker: checker,
		Conditions:       conditions.Config{MemoryBelow: intPtr(80)},
		CheckInterval:    10 * time.Millisecond,
		MaxPostpone:      time.Second,
	}

	ok, reason := runner.waitForConditions(context.Background(), "task-1")
	assert.True(t, ok)
	assert.Empty(t, reason)
	assert.GreaterOrEqual(t, checker.calls, 3)
}

type flippingChecker struct {
	mu       sync.Mutex
	failures int
	calls    int
	reason   string
}

func (f *flippingChecker) Check(conditions.Config) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return false, f.reason
	}
	return true, ""
}

func TestRunner_Cleanup(t *testing.T) {
	st := newMemStore()
	old := store.Task{ID: "old", Type: enums.TaskTypeQA, Status: enums.TaskStatusCompleted,
		CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := store.Task{ID: "fresh", Type: enums.TaskTypeQA, Status: enums.TaskStatusCompleted,
		CreatedAt: time.Now()}
	require.NoError(t, st.SaveTask(context.Background(), old))
	require.NoError(t, st.SaveTask(context.Background(), fresh))

	runner := Runner{Store: st, Retention: 24 * time.Hour}
	runner.cleanup(context.Background())

	st.mu.Lock()
	ids := make([]string, 0, len(st.tasks))
	for id := range st.tasks {
		ids = append(ids, id)
	}
	st.mu.Unlock()
	sort.Strings(ids)
	assert.Equal(t, []string{"fresh"}, ids)
}

func TestSectionForType(t *testing.T) {
	assert.Equal(t, workflow.SectionQA, sectionForType(enums.TaskTypeQA))
	assert.Equal(t, workflow.SectionEvaluation, sectionForType(enums.TaskTypeEvaluation))
	assert.Empty(t, sectionForType(enums.TaskType{}))
}

func intPtr(i int) *int { return &i }

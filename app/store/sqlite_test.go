package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modeleval/modeleval/app/web/enums"
)

func prepStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Initialize())
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestSQLite_SaveAndGetTask(t *testing.T) {
	s := prepStore(t)
	ctx := context.Background()

	task := Task{
		ID:          "task-1",
		Type:        enums.TaskTypeQA,
		Status:      enums.TaskStatusPending,
		SourceFiles: []string{"doc1.txt", "doc2.md"},
		Model:       "deepseek-chat",
		Params:      map[string]any{"qa_count": float64(10), "chunk_size": float64(2000)},
		Stages: []StageEntry{
			{Key: "init", Label: "Initialization", Status: enums.StageStatusPending},
			{Key: "stage1", Label: "Stage 1 Evaluation", Status: enums.StageStatusPending},
		},
		CreatedAt: time.Now().Truncate(time.Second),
	}
	require.NoError(t, s.SaveTask(ctx, task))

	got, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, enums.TaskTypeQA, got.Type)
	assert.Equal(t, enums.TaskStatusPending, got.Status)
	assert.Equal(t, task.SourceFiles, got.SourceFiles)
	assert.Equal(t, task.Params, got.Params)
	require.Len(t, got.Stages, 2)
	assert.Equal(t, "stage1", got.Stages[1].Key)
	assert.Equal(t, enums.StageStatusPending, got.Stages[1].Status)
	assert.True(t, got.StartedAt.IsZero())
	assert.True(t, got.CompletedAt.IsZero())
}

func TestSQLite_GetTaskNotFound(t *testing.T) {
	s := prepStore(t)
	_, err := s.GetTask(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ListTasks(t *testing.T) {
	s := prepStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, typ := range []enums.TaskType{enums.TaskTypeQA, enums.TaskTypeEvaluation, enums.TaskTypeQA} {
		task := Task{
			ID:        "task-" + string(rune('a'+i)),
			Type:      typ,
			Status:    enums.TaskStatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.SaveTask(ctx, task))
	}

	all, err := s.ListTasks(ctx, enums.TaskType{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "task-c", all[0].ID, "newest first")

	qa, err := s.ListTasks(ctx, enums.TaskTypeQA)
	require.NoError(t, err)
	assert.Len(t, qa, 2)
}

func TestSQLite_SetStatus(t *testing.T) {
	s := prepStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTask(ctx, Task{ID: "t1", Type: enums.TaskTypeQA,
		Status: enums.TaskStatusPending, CreatedAt: time.Now()}))

	require.NoError(t, s.SetStatus(ctx, "t1", enums.TaskStatusProcessing, ""))
	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, enums.TaskStatusProcessing, got.Status)
	assert.False(t, got.StartedAt.IsZero())

	require.NoError(t, s.SetStatus(ctx, "t1", enums.TaskStatusFailed, "llm call failed"))
	got, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, enums.TaskStatusFailed, got.Status)
	assert.Equal(t, "llm call failed", got.Error)
	assert.False(t, got.CompletedAt.IsZero())

	assert.ErrorIs(t, s.SetStatus(ctx, "missing", enums.TaskStatusCompleted, ""), ErrNotFound)
}

func TestSQLite_UpdateProgressMonotonic(t *testing.T) {
	s := prepStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTask(ctx, Task{ID: "t1", Type: enums.TaskTypeQA,
		Status: enums.TaskStatusProcessing, CreatedAt: time.Now()}))

	require.NoError(t, s.UpdateProgress(ctx, "t1", ProgressUpdate{Progress: 40, Stage: "qa_generation"}))
	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)

	// stale update with lower percentage must not roll progress back
	require.NoError(t, s.UpdateProgress(ctx, "t1", ProgressUpdate{Progress: 25, Stage: "qa_generation", Message: "stale"}))
	got, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress, "progress never decreases")
	assert.Equal(t, "stale", got.Message, "other fields still updated")

	require.NoError(t, s.UpdateProgress(ctx, "t1", ProgressUpdate{Progress: 75,
		Files: &FileProgress{Current: 2, Total: 3, Name: "doc2.txt"},
		Steps: &StepProgress{Current: 5, Total: 10, Label: "questions"},
	}))
	got, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 75, got.Progress)
	require.NotNil(t, got.Files)
	assert.Equal(t, 2, got.Files.Current)
	require.NotNil(t, got.Steps)
	assert.Equal(t, 10, got.Steps.Total)

	// update without nested structs keeps the previous ones
	require.NoError(t, s.UpdateProgress(ctx, "t1", ProgressUpdate{Progress: 80, Stage: "done"}))
	got, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.Files)
	assert.Equal(t, 2, got.Files.Current)
}

func TestSQLite_UpdateStages(t *testing.T) {
	s := prepStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTask(ctx, Task{ID: "t1", Type: enums.TaskTypeEvaluation,
		Status: enums.TaskStatusProcessing, CreatedAt: time.Now()}))

	stages := []StageEntry{
		{Key: "init", Label: "Initialization", Progress: 100, Status: enums.StageStatusCompleted, UpdatedAt: time.Now()},
		{Key: "stage1", Label: "Stage 1", Progress: 30, Status: enums.StageStatusProcessing, UpdatedAt: time.Now()},
	}
	require.NoError(t, s.UpdateProgress(ctx, "t1", ProgressUpdate{Progress: 20, Stages: stages}))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got.Stages, 2)
	assert.Equal(t, enums.StageStatusCompleted, got.Stages[0].Status)
	assert.Equal(t, 30, got.Stages[1].Progress)
}

func TestSQLite_SetResult(t *testing.T) {
	s := prepStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTask(ctx, Task{ID: "t1", Type: enums.TaskTypeEvaluation,
		Status: enums.TaskStatusProcessing, CreatedAt: time.Now()}))

	result := json.RawMessage(`{"final_accuracy_rate": 72.5}`)
	require.NoError(t, s.SetResult(ctx, "t1", result))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.JSONEq(t, string(result), string(got.Result))

	assert.ErrorIs(t, s.SetResult(ctx, "missing", result), ErrNotFound)
}

func TestSQLite_MarkInterrupted(t *testing.T) {
	s := prepStore(t)
	ctx := context.Background()

	for id, status := range map[string]enums.TaskStatus{
		"p1": enums.TaskStatusPending,
		"p2": enums.TaskStatusProcessing,
		"c1": enums.TaskStatusCompleted,
	} {
		require.NoError(t, s.SaveTask(ctx, Task{ID: id, Type: enums.TaskTypeQA, Status: status, CreatedAt: time.Now()}))
	}

	n, err := s.MarkInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.GetTask(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, enums.TaskStatusInterrupted, got.Status)

	got, err = s.GetTask(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, enums.TaskStatusCompleted, got.Status, "completed task untouched")
}

func TestSQLite_DeleteTasksBefore(t *testing.T) {
	s := prepStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.SaveTask(ctx, Task{ID: "old-done", Type: enums.TaskTypeQA,
		Status: enums.TaskStatusCompleted, CreatedAt: old}))
	require.NoError(t, s.SaveTask(ctx, Task{ID: "old-running", Type: enums.TaskTypeQA,
		Status: enums.TaskStatusProcessing, CreatedAt: old}))
	require.NoError(t, s.SaveTask(ctx, Task{ID: "fresh", Type: enums.TaskTypeQA,
		Status: enums.TaskStatusCompleted, CreatedAt: time.Now()}))
	require.NoError(t, s.AppendLog(ctx, "old-done", "info", "log line"))

	n, err := s.DeleteTasksBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only terminal old tasks removed")

	_, err = s.GetTask(ctx, "old-done")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetTask(ctx, "old-running")
	assert.NoError(t, err, "running task survives retention")

	logs, err := s.GetLogs(ctx, "old-done", 0)
	require.NoError(t, err)
	assert.Empty(t, logs, "logs removed with the task")
}

func TestSQLite_Logs(t *testing.T) {
	s := prepStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTask(ctx, Task{ID: "t1", Type: enums.TaskTypeQA,
		Status: enums.TaskStatusProcessing, CreatedAt: time.Now()}))

	require.NoError(t, s.AppendLog(ctx, "t1", "info", "started"))
	require.NoError(t, s.AppendLog(ctx, "t1", "info", "extracting text"))
	require.NoError(t, s.AppendLog(ctx, "t1", "warn", "chunk too short, skipped"))

	logs, err := s.GetLogs(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "started", logs[0].Message)
	assert.Equal(t, "warn", logs[2].Level)

	tail, err := s.GetLogs(ctx, "t1", logs[1].Seq)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "chunk too short, skipped", tail[0].Message)
}

func TestSQLite_GetStats(t *testing.T) {
	s := prepStore(t)
	ctx := context.Background()

	statuses := []enums.TaskStatus{enums.TaskStatusCompleted, enums.TaskStatusCompleted,
		enums.TaskStatusFailed, enums.TaskStatusProcessing}
	for i, status := range statuses {
		require.NoError(t, s.SaveTask(ctx, Task{ID: "t" + string(rune('0'+i)), Type: enums.TaskTypeQA,
			Status: status, CreatedAt: time.Now()}))
	}

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Processing)
	assert.Equal(t, 0, stats.Interrupted)
}

func TestSQLite_WorkflowState(t *testing.T) {
	s := prepStore(t)
	ctx := context.Background()

	_, err := s.GetWorkflowState(ctx, "default")
	assert.ErrorIs(t, err, ErrNotFound)

	payload := json.RawMessage(`{"qa":{"process_completed":true}}`)
	require.NoError(t, s.SaveWorkflowState(ctx, "default", payload))

	got, err := s.GetWorkflowState(ctx, "default")
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(got))

	// last write wins
	payload2 := json.RawMessage(`{"qa":{"process_completed":false}}`)
	require.NoError(t, s.SaveWorkflowState(ctx, "default", payload2))
	got, err = s.GetWorkflowState(ctx, "default")
	require.NoError(t, err)
	assert.JSONEq(t, string(payload2), string(got))
}

func TestSQLite_SurveyProjects(t *testing.T) {
	s := prepStore(t)
	ctx := context.Background()

	p := SurveyProject{
		ID:        "proj-1",
		Name:      "acme-support-bot",
		Payload:   json.RawMessage(`{"company":"acme","functions":["ticket triage"]}`),
		CreatedAt: time.Now().Truncate(time.Second),
		UpdatedAt: time.Now().Truncate(time.Second),
	}
	require.NoError(t, s.SaveSurveyProject(ctx, p))

	got, err := s.GetSurveyProject(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "acme-support-bot", got.Name)
	assert.JSONEq(t, string(p.Payload), string(got.Payload))

	list, err := s.ListSurveyProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.SaveSurveyResponse(ctx, SurveyResponse{
		ID: "resp-1", ProjectID: "proj-1",
		Payload: json.RawMessage(`{"answers":{"q1":4}}`), CreatedAt: time.Now(),
	}))
	require.NoError(t, s.SaveSurveyResponse(ctx, SurveyResponse{
		ID: "resp-2", ProjectID: "proj-1",
		Payload: json.RawMessage(`{"answers":{"q1":5}}`), CreatedAt: time.Now().Add(time.Second),
	}))

	responses, err := s.ListSurveyResponses(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, responses, 2)
	assert.Equal(t, "resp-1", responses[0].ID, "oldest first")

	require.NoError(t, s.DeleteSurveyProject(ctx, "proj-1"))
	_, err = s.GetSurveyProject(ctx, "proj-1")
	assert.ErrorIs(t, err, ErrNotFound)
	responses, err = s.ListSurveyResponses(ctx, "proj-1")
	require.NoError(t, err)
	assert.Empty(t, responses)

	assert.ErrorIs(t, s.DeleteSurveyProject(ctx, "missing"), ErrNotFound)
}

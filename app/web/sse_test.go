package web

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modeleval/modeleval/app/store"
	"github.com/modeleval/modeleval/app/web/enums"
)

// sseEvent is a parsed server-sent event
type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, body io.Reader) []sseEvent {
	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.name != "" {
				events = append(events, current)
				current = sseEvent{}
			}
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestSSE_CompletedTaskClosesStream(t *testing.T) {
	ts, st, _, _ := prepServer(t)
	st.tasks["t1"] = store.Task{ID: "t1", Type: enums.TaskTypeQA, Status: enums.TaskStatusCompleted,
		Progress: 100, Message: "done", StartedAt: time.Now().Add(-time.Minute), CompletedAt: time.Now()}
	st.logs["t1"] = []store.LogEntry{
		{Seq: 1, TaskID: "t1", Level: "info", Message: "task started"},
		{Seq: 2, TaskID: "t1", Level: "info", Message: "task completed"},
	}

	resp, err := http.Get(ts.URL + "/api/v1/tasks/t1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp.Body) // server closes after the terminal event
	require.Len(t, events, 4)
	assert.Equal(t, "log", events[0].name)
	assert.Equal(t, "log", events[1].name)
	assert.Equal(t, "progress", events[2].name)
	assert.Equal(t, "complete", events[3].name)

	var ev progressEvent
	require.NoError(t, json.Unmarshal([]byte(events[3].data), &ev))
	assert.Equal(t, "t1", ev.TaskID)
	assert.Equal(t, 100, ev.Progress)
	assert.Equal(t, "completed", ev.Status)
	assert.InDelta(t, 60, ev.ElapsedSeconds, 1)
}

func TestSSE_FailedTaskEmitsError(t *testing.T) {
	ts, st, _, _ := prepServer(t)
	st.tasks["t1"] = store.Task{ID: "t1", Type: enums.TaskTypeQA, Status: enums.TaskStatusFailed,
		Progress: 40, Error: "model unavailable"}

	resp, err := http.Get(ts.URL + "/api/v1/tasks/t1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readSSE(t, resp.Body)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "error", last.name)
	assert.Contains(t, last.data, "model unavailable")
}

func TestSSE_StreamsProgressUpdates(t *testing.T) {
	ts, st, _, _ := prepServer(t)
	st.tasks["t1"] = store.Task{ID: "t1", Type: enums.TaskTypeQA, Status: enums.TaskStatusProcessing,
		Progress: 10, Stage: "chunking", StartedAt: time.Now()}

	resp, err := http.Get(ts.URL + "/api/v1/tasks/t1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		st.mu.Lock()
		task := st.tasks["t1"]
		task.Progress, task.Stage = 60, "qa_generation"
		st.tasks["t1"] = task
		st.mu.Unlock()

		time.Sleep(50 * time.Millisecond)
		st.mu.Lock()
		task = st.tasks["t1"]
		task.Status, task.Progress = enums.TaskStatusCompleted, 100
		st.tasks["t1"] = task
		st.mu.Unlock()
	}()

	events := readSSE(t, resp.Body)
	require.GreaterOrEqual(t, len(events), 3)

	var progresses []int
	for _, e := range events {
		if e.name != "progress" && e.name != "complete" {
			continue
		}
		var ev progressEvent
		require.NoError(t, json.Unmarshal([]byte(e.data), &ev))
		progresses = append(progresses, ev.Progress)
	}
	require.GreaterOrEqual(t, len(progresses), 3)
	assert.IsNonDecreasing(t, progresses)
	assert.Equal(t, 100, progresses[len(progresses)-1])
	assert.Equal(t, "complete", events[len(events)-1].name)
}

func TestSSE_UnknownTask(t *testing.T) {
	ts, _, _, _ := prepServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/tasks/missing/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMakeProgressEvent_Estimates(t *testing.T) {
	srv, err := New(Config{Store: newMockStore(), Runner: &mockRunner{}, Workflow: &mockWorkflow{}})
	require.NoError(t, err)

	started := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	srv.nowFn = func() time.Time { return started.Add(30 * time.Second) }

	ev := srv.makeProgressEvent(store.Task{ID: "t1", Status: enums.TaskStatusProcessing,
		Progress: 25, StartedAt: started})
	assert.Equal(t, 30, ev.ElapsedSeconds)
	assert.Equal(t, 120, ev.EstimatedTotal, "quarter done in 30s extrapolates to 120s total")
	assert.Equal(t, 90, ev.EstimatedRemaining)

	// no estimates at zero progress
	ev = srv.makeProgressEvent(store.Task{ID: "t1", Status: enums.TaskStatusProcessing, StartedAt: started})
	assert.Equal(t, 30, ev.ElapsedSeconds)
	assert.Zero(t, ev.EstimatedTotal)

	// completed tasks use the completion timestamp
	ev = srv.makeProgressEvent(store.Task{ID: "t1", Status: enums.TaskStatusCompleted, Progress: 100,
		StartedAt: started, CompletedAt: started.Add(45 * time.Second)})
	assert.Equal(t, 45, ev.ElapsedSeconds)
	assert.Zero(t, ev.EstimatedTotal, "no estimate once finished")
}

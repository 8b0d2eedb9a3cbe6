package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/modeleval/modeleval/app/store"
	"github.com/modeleval/modeleval/app/web/enums"
)

// progressEvent is the payload of SSE progress events
type progressEvent struct {
	TaskID             string               `json:"task_id"`
	Status             string               `json:"status"`
	Progress           int                  `json:"progress"`
	Stage              string               `json:"stage,omitempty"`
	Message            string               `json:"message,omitempty"`
	Files              *store.FileProgress `json:"files,omitempty"`
	Stages             []store.StageEntry  `json:"stages,omitempty"`
	Steps              *store.StepProgress `json:"steps,omitempty"`
	ElapsedSeconds     int                 `json:"elapsed_seconds"`
	EstimatedTotal     int                 `json:"estimated_total_seconds,omitempty"`
	EstimatedRemaining int                 `json:"estimated_remaining_seconds,omitempty"`
}

// logEvent is the payload of SSE log events
type logEvent struct {
	Seq     int64     `json:"seq"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	TS      time.Time `json:"ts"`
}

// handleTaskEvents streams task progress and log entries as server-sent
// events. Polls the store faster while the task is processing, slower
// otherwise, and closes the stream after a terminal event.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "task not found")
			return
		}
		log.Printf("[WARN] failed to get task, %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var lastProgress, lastSeq int64 = -1, 0
	var lastStage, lastMessage string

	send := func(event enums.EventType, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("[WARN] can't marshal sse payload, %v", err)
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	for {
		task, err := s.store.GetTask(r.Context(), taskID)
		if err != nil {
			send(enums.EventTypeError, map[string]string{"task_id": taskID, "error": "task no longer available"})
			return
		}

		logs, err := s.store.GetLogs(r.Context(), taskID, lastSeq)
		if err != nil {
			log.Printf("[WARN] failed to get logs for task %s, %v", taskID, err)
		}
		for _, entry := range logs {
			send(enums.EventTypeLog, logEvent{Seq: entry.Seq, Level: entry.Level, Message: entry.Message, TS: entry.CreatedAt})
			lastSeq = entry.Seq
		}

		if int64(task.Progress) != lastProgress || task.Stage != lastStage || task.Message != lastMessage {
			send(enums.EventTypeProgress, s.makeProgressEvent(task))
			lastProgress, lastStage, lastMessage = int64(task.Progress), task.Stage, task.Message
		}

		switch task.Status {
		case enums.TaskStatusCompleted:
			send(enums.EventTypeComplete, s.makeProgressEvent(task))
			return
		case enums.TaskStatusFailed, enums.TaskStatusInterrupted:
			send(enums.EventTypeError, map[string]string{"task_id": task.ID, "status": task.Status.String(), "error": task.Error})
			return
		}

		interval := s.pollIdle
		if task.Status == enums.TaskStatusProcessing {
			interval = s.pollActive
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(interval):
		}
	}
}

// makeProgressEvent builds the event payload with timing estimates derived
// from elapsed time and current progress
func (s *Server) makeProgressEvent(task store.Task) progressEvent {
	ev := progressEvent{
		TaskID:   task.ID,
		Status:   task.Status.String(),
		Progress: task.Progress,
		Stage:    task.Stage,
		Message:  task.Message,
		Files:    task.Files,
		Stages:   task.Stages,
		Steps:    task.Steps,
	}
	if task.StartedAt.IsZero() {
		return ev
	}

	end := s.nowFn()
	if !task.CompletedAt.IsZero() {
		end = task.CompletedAt
	}
	elapsed := int(end.Sub(task.StartedAt).Seconds())
	if elapsed < 0 {
		elapsed = 0
	}
	ev.ElapsedSeconds = elapsed

	if task.Progress > 0 && task.Progress < 100 {
		total := elapsed * 100 / task.Progress
		ev.EstimatedTotal = total
		ev.EstimatedRemaining = total - elapsed
	}
	return ev
}

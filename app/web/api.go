package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/modeleval/modeleval/app/evaluation"
	"github.com/modeleval/modeleval/app/qa"
	"github.com/modeleval/modeleval/app/store"
	"github.com/modeleval/modeleval/app/web/enums"
	"github.com/modeleval/modeleval/app/workflow"
)

// allowedExtensions for uploaded source files
var allowedExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".csv":      true,
}

// handleUpload accepts multipart file uploads and stores them in the upload dir
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.maxUploadMB << 20); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		s.writeJSONError(w, http.StatusBadRequest, "no files provided")
		return
	}

	saved := make([]string, 0, len(files))
	for _, fh := range files {
		name := sanitizeFileName(fh.Filename)
		ext := strings.ToLower(filepath.Ext(name))
		if !allowedExtensions[ext] {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("file type %q not allowed", ext))
			return
		}

		src, err := fh.Open()
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("can't read uploaded file %s", name))
			return
		}
		dstPath := filepath.Join(s.uploadDir, name)
		dst, err := os.Create(dstPath) //nolint:gosec // name sanitized above
		if err != nil {
			_ = src.Close()
			log.Printf("[WARN] can't create upload file %s, %v", dstPath, err)
			s.writeJSONError(w, http.StatusInternalServerError, "failed to store file")
			return
		}
		_, err = io.Copy(dst, io.LimitReader(src, s.maxUploadMB<<20))
		_ = src.Close()
		if cerr := dst.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			log.Printf("[WARN] can't write upload file %s, %v", dstPath, err)
			s.writeJSONError(w, http.StatusInternalServerError, "failed to store file")
			return
		}
		saved = append(saved, name)
	}

	log.Printf("[INFO] uploaded %d files: %v", len(saved), saved)
	s.writeJSON(w, http.StatusCreated, map[string]any{"files": saved})
}

// handleAllowedTypes lists accepted upload extensions
func (s *Server) handleAllowedTypes(w http.ResponseWriter, _ *http.Request) {
	types := make([]string, 0, len(allowedExtensions))
	for ext := range allowedExtensions {
		types = append(types, ext)
	}
	sort.Strings(types)
	s.writeJSON(w, http.StatusOK, map[string]any{"allowed_types": types})
}

// taskRequest is the common payload for task-creating endpoints
type taskRequest struct {
	Files  []string       `json:"files"`
	Model  string         `json:"model"`
	Params map[string]any `json:"params"`
}

func (s *Server) decodeTaskRequest(w http.ResponseWriter, r *http.Request) (taskRequest, bool) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if len(req.Files) == 0 {
		s.writeJSONError(w, http.StatusBadRequest, "files are required")
		return req, false
	}
	for _, name := range req.Files {
		if sanitizeFileName(name) != name {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid file name %q", name))
			return req, false
		}
		if _, err := os.Stat(filepath.Join(s.uploadDir, name)); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("file %q not uploaded", name))
			return req, false
		}
	}
	return req, true
}

// handleQAGenerate creates one generation task per source file
func (s *Server) handleQAGenerate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTaskRequest(w, r)
	if !ok {
		return
	}

	tasks := make([]store.Task, 0, len(req.Files))
	for _, name := range req.Files {
		task, err := s.runner.Submit(r.Context(), store.Task{
			Type:        enums.TaskTypeQA,
			Model:       req.Model,
			SourceFiles: []string{name},
			Params:      req.Params,
		})
		if err != nil {
			s.writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		tasks = append(tasks, task)
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"tasks": tasks})
}

// handleQAEvaluate creates evaluate-only tasks over previous generation outputs
func (s *Server) handleQAEvaluate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTaskRequest(w, r)
	if !ok {
		return
	}

	params := map[string]any{}
	for k, v := range req.Params {
		params[k] = v
	}
	params["mode"] = "evaluate"

	tasks := make([]store.Task, 0, len(req.Files))
	for _, name := range req.Files {
		task, err := s.runner.Submit(r.Context(), store.Task{
			Type:        enums.TaskTypeQA,
			Model:       req.Model,
			SourceFiles: []string{name},
			Params:      params,
		})
		if err != nil {
			s.writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		tasks = append(tasks, task)
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"tasks": tasks})
}

// handleEvalCreate creates a two-stage evaluation task
func (s *Server) handleEvalCreate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTaskRequest(w, r)
	if !ok {
		return
	}

	task, err := s.runner.Submit(r.Context(), store.Task{
		Type:        enums.TaskTypeEvaluation,
		Model:       req.Model,
		SourceFiles: req.Files,
		Params:      req.Params,
	})
	if err != nil {
		s.writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, task)
}

// handleTaskList returns tasks, optionally filtered by type
func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	var taskType enums.TaskType
	if v := r.URL.Query().Get("type"); v != "" {
		parsed, err := enums.ParseTaskType(v)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown task type %q", v))
			return
		}
		taskType = parsed
	}

	tasks, err := s.store.ListTasks(r.Context(), taskType)
	if err != nil {
		log.Printf("[WARN] failed to list tasks, %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleTaskGet returns a single task with progress details
func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		log.Printf("[WARN] failed to get task, %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// handleTaskStats returns task counts by status
func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		log.Printf("[WARN] failed to get stats, %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleTaskDownload serves a result artifact of a completed task
func (s *Server) handleTaskDownload(w http.ResponseWriter, r *http.Request) {
	task, ok := s.completedTask(w, r)
	if !ok {
		return
	}

	if task.Type == enums.TaskTypeEvaluation {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", task.ID+"_result.json"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(task.Result)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "json" {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
		return
	}

	var results []qa.Result
	if err := json.Unmarshal(task.Result, &results); err != nil || len(results) == 0 {
		s.writeJSONError(w, http.StatusInternalServerError, "task result not readable")
		return
	}
	path, ok := results[0].OutputFiles[format]
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no %s output recorded", format))
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

// handleTaskPreview returns the first N result entries of a completed task.
// Gated behind the qa workflow section for generation tasks.
func (s *Server) handleTaskPreview(w http.ResponseWriter, r *http.Request) {
	task, ok := s.completedTask(w, r)
	if !ok {
		return
	}

	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "limit must be a positive number")
			return
		}
		limit = n
	}

	if task.Type == enums.TaskTypeEvaluation {
		if !s.gate(w, r, workflow.SectionEvaluation) {
			return
		}
		var results []evaluation.Result
		if err := json.Unmarshal(task.Result, &results); err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, "task result not readable")
			return
		}
		questions := []evaluation.QuestionResult{}
		for _, res := range results {
			questions = append(questions, res.Questions...)
		}
		if len(questions) > limit {
			questions = questions[:limit]
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"task_id": task.ID, "questions": questions})
		return
	}

	if !s.gate(w, r, workflow.SectionQA) {
		return
	}
	var results []qa.Result
	if err := json.Unmarshal(task.Result, &results); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "task result not readable")
		return
	}
	pairs := []qa.EvaluatedPair{}
	for _, res := range results {
		pairs = append(pairs, res.Pairs...)
	}
	if len(pairs) > limit {
		pairs = pairs[:limit]
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task_id": task.ID, "pairs": pairs})
}

// handleEvalList returns evaluation tasks only
func (s *Server) handleEvalList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context(), enums.TaskTypeEvaluation)
	if err != nil {
		log.Printf("[WARN] failed to list evaluation tasks, %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleEvalResults returns the full evaluation result, gated on the
// evaluation workflow section
func (s *Server) handleEvalResults(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, r, workflow.SectionEvaluation) {
		return
	}
	task, ok := s.completedTask(w, r)
	if !ok {
		return
	}
	if task.Type != enums.TaskTypeEvaluation {
		s.writeJSONError(w, http.StatusBadRequest, "not an evaluation task")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(task.Result)
}

// handleEvalFiles lists uploaded CSV question files
func (s *Server) handleEvalFiles(w http.ResponseWriter, _ *http.Request) {
	entries, err := os.ReadDir(s.uploadDir)
	if err != nil {
		log.Printf("[WARN] failed to read upload dir, %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	files := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	s.writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// evalHistoryEntry is a compact view of a finished evaluation
type evalHistoryEntry struct {
	TaskID      string    `json:"task_id"`
	Model       string    `json:"model"`
	Accuracy    float64   `json:"accuracy_rate"`
	Rounds      int       `json:"rounds"`
	Files       int       `json:"files"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// handleEvalHistory summarizes completed evaluations, gated on the
// evaluation workflow section
func (s *Server) handleEvalHistory(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, r, workflow.SectionEvaluation) {
		return
	}

	tasks, err := s.store.ListTasks(r.Context(), enums.TaskTypeEvaluation)
	if err != nil {
		log.Printf("[WARN] failed to list evaluation tasks, %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	history := []evalHistoryEntry{}
	for _, task := range tasks {
		if task.Status != enums.TaskStatusCompleted || len(task.Result) == 0 {
			continue
		}
		var results []evaluation.Result
		if err := json.Unmarshal(task.Result, &results); err != nil {
			log.Printf("[WARN] unreadable result for task %s, %v", task.ID, err)
			continue
		}
		if len(results) == 0 {
			continue
		}
		accuracy := 0.0
		for _, res := range results {
			accuracy += res.FinalAccuracyRate
		}
		history = append(history, evalHistoryEntry{
			TaskID:      task.ID,
			Model:       results[0].Model,
			Accuracy:    accuracy / float64(len(results)),
			Rounds:      results[0].Rounds,
			Files:       len(results),
			CompletedAt: task.CompletedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

// handleModels lists enabled model names
func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	models := []string{}
	if s.models != nil {
		models = s.models.Available()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// handleWorkflowGet returns the full workflow state
func (s *Server) handleWorkflowGet(w http.ResponseWriter, r *http.Request) {
	state, err := s.workflow.Load(r.Context())
	if err != nil {
		log.Printf("[WARN] failed to load workflow state, %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load workflow state")
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

// handleWorkflowUpdate replaces one section's state, last write wins
func (s *Server) handleWorkflowUpdate(w http.ResponseWriter, r *http.Request) {
	var sec workflow.SectionState
	if err := json.NewDecoder(r.Body).Decode(&sec); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	state, err := s.workflow.Update(r.Context(), r.PathValue("module"), sec)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

// handleWorkflowReset clears one section back to defaults
func (s *Server) handleWorkflowReset(w http.ResponseWriter, r *http.Request) {
	if err := s.workflow.Reset(r.Context(), r.PathValue("module")); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// completedTask loads the task and rejects non-terminal or failed ones
func (s *Server) completedTask(w http.ResponseWriter, r *http.Request) (store.Task, bool) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "task not found")
		return store.Task{}, false
	}
	if err != nil {
		log.Printf("[WARN] failed to get task, %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to get task")
		return store.Task{}, false
	}
	if task.Status != enums.TaskStatusCompleted {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("task is %s, results not available", task.Status))
		return store.Task{}, false
	}
	return task, true
}

// gate rejects the request with 409 when the section's process is not completed
func (s *Server) gate(w http.ResponseWriter, r *http.Request, section string) bool {
	err := s.workflow.CheckGate(r.Context(), section)
	if err == nil {
		return true
	}
	if errors.Is(err, workflow.ErrGated) {
		s.writeJSONError(w, http.StatusConflict, err.Error())
		return false
	}
	log.Printf("[WARN] workflow gate check failed, %v", err)
	s.writeJSONError(w, http.StatusInternalServerError, "failed to check workflow state")
	return false
}

// sanitizeFileName strips path components and rejects dot names
func sanitizeFileName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

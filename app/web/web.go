// Package web implements the JSON REST API and SSE progress stream
// for the evaluation control panel.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/modeleval/modeleval/app/store"
	"github.com/modeleval/modeleval/app/survey"
	"github.com/modeleval/modeleval/app/web/enums"
	"github.com/modeleval/modeleval/app/workflow"
)

// Server represents the web server
type Server struct {
	store        Store
	runner       Runner
	workflow     Workflow
	models       Models
	framework    *survey.Framework
	uploadDir    string
	maxUploadMB  int64
	version      string
	hostname     string
	passwordHash string        // bcrypt hash for basic auth, empty disables auth
	loginTTL     time.Duration // session TTL
	pollActive   time.Duration // SSE poll interval while processing
	pollIdle     time.Duration // SSE poll interval otherwise
	nowFn        func() time.Time

	createLimiter *limiter.Limiter // limits uploads and task creation
	loginLimiter  *limiter.Limiter
}

// Store defines storage operations used by handlers
type Store interface {
	GetTask(ctx context.Context, id string) (store.Task, error)
	ListTasks(ctx context.Context, taskType enums.TaskType) ([]store.Task, error)
	GetLogs(ctx context.Context, taskID string, afterSeq int64) ([]store.LogEntry, error)
	GetStats(ctx context.Context) (store.Stats, error)
	SaveSurveyProject(ctx context.Context, p store.SurveyProject) error
	GetSurveyProject(ctx context.Context, id string) (store.SurveyProject, error)
	ListSurveyProjects(ctx context.Context) ([]store.SurveyProject, error)
	DeleteSurveyProject(ctx context.Context, id string) error
	SaveSurveyResponse(ctx context.Context, r store.SurveyResponse) error
	ListSurveyResponses(ctx context.Context, projectID string) ([]store.SurveyResponse, error)
}

// Runner accepts new tasks for background execution
type Runner interface {
	Submit(ctx context.Context, task store.Task) (store.Task, error)
}

// Workflow manages section state and gating
type Workflow interface {
	Load(ctx context.Context) (workflow.State, error)
	Update(ctx context.Context, section string, sec workflow.SectionState) (workflow.State, error)
	MarkCompleted(ctx context.Context, section, taskID string) error
	Reset(ctx context.Context, section string) error
	CheckGate(ctx context.Context, section string) error
}

// Models exposes the model registry to the API
type Models interface {
	Available() []string
}

// Config holds server configuration
type Config struct {
	Store        Store
	Runner       Runner
	Workflow     Workflow
	Models       Models
	Framework    *survey.Framework
	UploadDir    string
	MaxUploadMB  int64
	Version      string
	Hostname     string
	PasswordHash string        // bcrypt hash for basic auth (empty to disable)
	LoginTTL     time.Duration // session TTL, defaults to 24h if not set
}

// New creates a new web server
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Runner == nil || cfg.Workflow == nil {
		return nil, fmt.Errorf("web server initialization failed: store, runner and workflow are required")
	}

	loginTTL := cfg.LoginTTL
	if loginTTL == 0 {
		loginTTL = 24 * time.Hour
	}
	maxUploadMB := cfg.MaxUploadMB
	if maxUploadMB == 0 {
		maxUploadMB = 16
	}
	framework := cfg.Framework
	if framework == nil {
		framework = survey.DefaultFramework()
	}

	s := &Server{
		store:        cfg.Store,
		runner:       cfg.Runner,
		workflow:     cfg.Workflow,
		models:       cfg.Models,
		framework:    framework,
		uploadDir:    cfg.UploadDir,
		maxUploadMB:  maxUploadMB,
		version:      cfg.Version,
		hostname:     cfg.Hostname,
		passwordHash: cfg.PasswordHash,
		loginTTL:     loginTTL,
		pollActive:   500 * time.Millisecond,
		pollIdle:     2 * time.Second,
		nowFn:        time.Now,

		createLimiter: tollbooth.NewLimiter(5, nil),
		loginLimiter:  tollbooth.NewLimiter(1, nil),
	}
	return s, nil
}

// Run starts the web server, blocks until ctx is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware - applied to all routes
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("modeleval", "modeleval", s.version),
		rest.Ping,
		rest.Trace,
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.passwordHash != "" {
		log.Printf("[INFO] authentication enabled for API")
		router.Use(s.authMiddleware)
		router.With(tollbooth.HTTPMiddleware(s.loginLimiter)).HandleFunc("POST /login", s.handleLogin)
		router.HandleFunc("POST /logout", s.handleLogout)
	}

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)

		// uploads and task creation, rate limited
		api.With(tollbooth.HTTPMiddleware(s.createLimiter)).HandleFunc("POST /upload", s.handleUpload)
		api.HandleFunc("GET /upload/allowed-types", s.handleAllowedTypes)
		api.With(rest.SizeLimit(64*1024), tollbooth.HTTPMiddleware(s.createLimiter)).Route(func(create *routegroup.Bundle) {
			create.HandleFunc("POST /qa/generate", s.handleQAGenerate)
			create.HandleFunc("POST /qa/evaluate", s.handleQAEvaluate)
			create.HandleFunc("POST /eval/tasks", s.handleEvalCreate)
		})

		// tasks
		api.HandleFunc("GET /tasks", s.handleTaskList)
		api.HandleFunc("GET /tasks/stats", s.handleTaskStats)
		api.HandleFunc("GET /tasks/{id}", s.handleTaskGet)
		api.HandleFunc("GET /tasks/{id}/download", s.handleTaskDownload)
		api.HandleFunc("GET /tasks/{id}/preview", s.handleTaskPreview)
		api.HandleFunc("GET /tasks/{id}/events", s.handleTaskEvents)

		// evaluation views over the same task store
		api.HandleFunc("GET /eval/tasks", s.handleEvalList)
		api.HandleFunc("GET /eval/tasks/{id}", s.handleTaskGet)
		api.HandleFunc("GET /eval/tasks/{id}/results", s.handleEvalResults)
		api.HandleFunc("GET /eval/files", s.handleEvalFiles)
		api.HandleFunc("GET /eval/history", s.handleEvalHistory)

		api.HandleFunc("GET /models", s.handleModels)

		// survey
		api.HandleFunc("GET /survey/structure", s.handleSurveyStructure)
		api.With(rest.SizeLimit(256*1024)).HandleFunc("POST /survey/projects", s.handleSurveyProjectCreate)
		api.HandleFunc("GET /survey/projects", s.handleSurveyProjectList)
		api.HandleFunc("GET /survey/projects/{id}", s.handleSurveyProjectGet)
		api.HandleFunc("GET /survey/projects/{id}/questionnaire", s.handleSurveyQuestionnaireCSV)
		api.HandleFunc("DELETE /survey/projects/{id}", s.handleSurveyProjectDelete)
		api.With(rest.SizeLimit(256*1024)).HandleFunc("POST /survey/projects/{id}/responses", s.handleSurveyResponse)
		api.HandleFunc("GET /survey/projects/{id}/analysis/statistics", s.handleSurveyStatistics)
		api.HandleFunc("GET /survey/projects/{id}/analysis/questions", s.handleSurveyQuestions)
		api.HandleFunc("GET /survey/projects/{id}/analysis/ratings", s.handleSurveyRatings)

		// workflow state
		api.HandleFunc("GET /workflow", s.handleWorkflowGet)
		api.With(rest.SizeLimit(64*1024)).HandleFunc("PUT /workflow/{module}", s.handleWorkflowUpdate)
		api.HandleFunc("DELETE /workflow/{module}", s.handleWorkflowReset)
	})

	return router
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}

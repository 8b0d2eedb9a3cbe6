package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/modeleval/modeleval/app/store"
	"github.com/modeleval/modeleval/app/survey"
	"github.com/modeleval/modeleval/app/workflow"
)

// handleSurveyStructure returns the capability framework with counts
func (s *Server) handleSurveyStructure(w http.ResponseWriter, _ *http.Request) {
	questions := s.framework.AllQuestions()
	subdomains := 0
	for _, d := range s.framework.Domains {
		subdomains += len(d.Subdomains)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"framework":       s.framework,
		"domain_count":    len(s.framework.Domains),
		"subdomain_count": subdomains,
		"question_count":  len(questions),
	})
}

// handleSurveyProjectCreate builds a questionnaire from the framework
func (s *Server) handleSurveyProjectCreate(w http.ResponseWriter, r *http.Request) {
	var spec survey.ProjectSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	project, err := survey.NewProject(uuid.New().String(), spec, s.framework, s.nowFn())
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload, err := json.Marshal(project)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "failed to encode project")
		return
	}
	rec := store.SurveyProject{ID: project.ID, Name: project.Name, Payload: payload,
		CreatedAt: project.CreatedAt, UpdatedAt: project.CreatedAt}
	if err := s.store.SaveSurveyProject(r.Context(), rec); err != nil {
		log.Printf("[WARN] failed to save survey project, %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to save project")
		return
	}

	log.Printf("[INFO] survey project %s created, %d questions", project.ID, len(project.Questions))
	s.writeJSON(w, http.StatusCreated, project)
}

// handleSurveyProjectList returns stored projects without their payloads
func (s *Server) handleSurveyProjectList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListSurveyProjects(r.Context())
	if err != nil {
		log.Printf("[WARN] failed to list survey projects, %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}

	type projectInfo struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		CreatedAt string `json:"created_at"`
	}
	list := []projectInfo{}
	for _, rec := range recs {
		list = append(list, projectInfo{ID: rec.ID, Name: rec.Name, CreatedAt: rec.CreatedAt.Format("2006-01-02T15:04:05Z07:00")})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"projects": list})
}

// handleSurveyProjectGet returns one project questionnaire
func (s *Server) handleSurveyProjectGet(w http.ResponseWriter, r *http.Request) {
	project, ok := s.surveyProject(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, project)
}

// handleSurveyQuestionnaireCSV serves the project questionnaire as a CSV
// artifact with an empty answer column for offline collection
func (s *Server) handleSurveyQuestionnaireCSV(w http.ResponseWriter, r *http.Request) {
	project, ok := s.surveyProject(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", project.ID+"_questionnaire.csv"))
	if err := project.WriteCSV(w); err != nil {
		log.Printf("[WARN] failed to write questionnaire csv for project %s, %v", project.ID, err)
	}
}

// handleSurveyProjectDelete removes a project and its responses
func (s *Server) handleSurveyProjectDelete(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteSurveyProject(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		log.Printf("[WARN] failed to delete survey project, %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to delete project")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSurveyResponse validates and stores a questionnaire submission,
// marking the survey workflow section completed on first accepted response
func (s *Server) handleSurveyResponse(w http.ResponseWriter, r *http.Request) {
	project, ok := s.surveyProject(w, r)
	if !ok {
		return
	}

	var resp survey.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := project.ValidateResponse(resp); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	rec := store.SurveyResponse{ID: uuid.New().String(), ProjectID: project.ID, Payload: payload, CreatedAt: s.nowFn()}
	if err := s.store.SaveSurveyResponse(r.Context(), rec); err != nil {
		log.Printf("[WARN] failed to save survey response, %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to save response")
		return
	}

	if err := s.workflow.MarkCompleted(r.Context(), workflow.SectionSurvey, ""); err != nil {
		log.Printf("[WARN] failed to mark survey section completed, %v", err)
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": rec.ID, "status": "ok"})
}

// handleSurveyStatistics returns response totals per question, gated on
// the survey workflow section
func (s *Server) handleSurveyStatistics(w http.ResponseWriter, r *http.Request) {
	analysis, ok := s.surveyAnalysis(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"project_id":      analysis.ProjectID,
		"total_responses": analysis.TotalResponses,
		"question_count":  len(analysis.Questions),
	})
}

// handleSurveyQuestions returns per-question answer distributions
func (s *Server) handleSurveyQuestions(w http.ResponseWriter, r *http.Request) {
	analysis, ok := s.surveyAnalysis(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"project_id": analysis.ProjectID,
		"questions":  analysis.Questions,
	})
}

// handleSurveyRatings returns the five capability ratings
func (s *Server) handleSurveyRatings(w http.ResponseWriter, r *http.Request) {
	analysis, ok := s.surveyAnalysis(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"project_id": analysis.ProjectID,
		"ratings":    analysis.Ratings,
	})
}

// surveyProject loads and decodes the project from the path id
func (s *Server) surveyProject(w http.ResponseWriter, r *http.Request) (survey.Project, bool) {
	rec, err := s.store.GetSurveyProject(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "project not found")
		return survey.Project{}, false
	}
	if err != nil {
		log.Printf("[WARN] failed to get survey project, %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to get project")
		return survey.Project{}, false
	}

	var project survey.Project
	if err := json.Unmarshal(rec.Payload, &project); err != nil {
		log.Printf("[WARN] unreadable survey project %s, %v", rec.ID, err)
		s.writeJSONError(w, http.StatusInternalServerError, "project payload not readable")
		return survey.Project{}, false
	}
	return project, true
}

// surveyAnalysis runs the survey gate, loads the project and its
// responses and aggregates them
func (s *Server) surveyAnalysis(w http.ResponseWriter, r *http.Request) (survey.Analysis, bool) {
	if !s.gate(w, r, workflow.SectionSurvey) {
		return survey.Analysis{}, false
	}
	project, ok := s.surveyProject(w, r)
	if !ok {
		return survey.Analysis{}, false
	}

	recs, err := s.store.ListSurveyResponses(r.Context(), project.ID)
	if err != nil {
		log.Printf("[WARN] failed to list survey responses, %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to list responses")
		return survey.Analysis{}, false
	}
	responses := make([]survey.Response, 0, len(recs))
	for _, rec := range recs {
		var resp survey.Response
		if err := json.Unmarshal(rec.Payload, &resp); err != nil {
			log.Printf("[WARN] unreadable survey response %s, %v", rec.ID, err)
			continue
		}
		responses = append(responses, resp)
	}

	analysis, err := survey.Analyze(project, responses)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return survey.Analysis{}, false
	}
	return analysis, true
}

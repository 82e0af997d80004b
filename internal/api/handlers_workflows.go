package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"yesterday/internal/core"
)

type workflowResponse struct {
	*core.Workflow
	Parameters core.ParameterAnalysis `json:"parameters"`
}

func newWorkflowResponse(wf *core.Workflow) workflowResponse {
	return workflowResponse{Workflow: wf, Parameters: core.AnalyzeParameters(wf.Graph)}
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	var (
		workflows []*core.Workflow
		err       error
	)
	query := r.URL.Query()
	if q := strings.TrimSpace(query.Get("q")); q != "" {
		workflows, err = s.store.SearchWorkflows(r.Context(), q)
	} else {
		workflows, err = s.store.ListWorkflowsByTags(r.Context(), splitList(query["tag"]))
	}
	if err != nil {
		s.writeDomainError(w, err, "list workflows")
		return
	}
	res := make([]workflowResponse, 0, len(workflows))
	for _, wf := range workflows {
		res = append(res, newWorkflowResponse(wf))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req core.CreateWorkflowInput
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	wf, err := s.store.CreateWorkflow(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err, "create workflow")
		return
	}
	s.logger.Info("workflow created", "workflow_id", wf.ID, "nodes", wf.Metadata.NodeCount)
	writeJSON(w, http.StatusCreated, newWorkflowResponse(wf))
}

func (s *Server) handleImportWorkflows(w http.ResponseWriter, r *http.Request) {
	var req []core.CreateWorkflowInput
	if !decodeJSON(w, r, &req) {
		return
	}
	workflows, err := s.store.BulkImportWorkflows(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err, "import workflows")
		return
	}
	s.logger.Info("workflows imported", "count", len(workflows))
	writeJSON(w, http.StatusCreated, workflows)
}

func (s *Server) handleExportWorkflows(w http.ResponseWriter, r *http.Request) {
	data, err := s.store.ExportWorkflows(r.Context(), splitList(r.URL.Query()["id"]))
	if err != nil {
		s.writeDomainError(w, err, "export workflows")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="workflows.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleWorkflowTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.store.AllTags(r.Context())
	if err != nil {
		s.writeDomainError(w, err, "list tags")
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "load workflow", "workflow_id", id)
		return
	}
	writeJSON(w, http.StatusOK, newWorkflowResponse(wf))
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	var req core.UpdateWorkflowInput
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		req.Name = &trimmed
	}
	wf, err := s.store.UpdateWorkflow(r.Context(), id, req)
	if err != nil {
		s.writeDomainError(w, err, "update workflow", "workflow_id", id)
		return
	}
	writeJSON(w, http.StatusOK, newWorkflowResponse(wf))
}

// handleDeleteWorkflow refuses while tasks reference the workflow unless
// cascade=true, which deletes those tasks first.
func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	if r.URL.Query().Get("cascade") == "true" {
		n, err := s.store.DeleteTasksByWorkflow(r.Context(), id)
		if err != nil {
			s.writeDomainError(w, err, "delete workflow tasks", "workflow_id", id)
			return
		}
		if n > 0 {
			s.logger.Info("deleted tasks of workflow", "workflow_id", id, "count", n)
		}
	}
	if err := s.store.DeleteWorkflow(r.Context(), id); err != nil {
		s.writeDomainError(w, err, "delete workflow", "workflow_id", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkflowParameters(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "load workflow", "workflow_id", id)
		return
	}
	writeJSON(w, http.StatusOK, core.AnalyzeParameters(wf.Graph))
}

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ERPlora/module-messaging/internal/automation"
	"github.com/ERPlora/module-messaging/internal/channel"
	"github.com/ERPlora/module-messaging/internal/metrics"
)

// AutomationRequest is the request for creating or updating an automation
type AutomationRequest struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	Trigger      automation.Trigger     `json:"trigger"`
	Channel      channel.Channel        `json:"channel"`
	TemplateID   string                 `json:"template_id"`
	DelaySeconds int64                  `json:"delay_seconds"`
	Conditions   []automation.Condition `json:"conditions,omitempty"`
	IsActive     *bool                  `json:"is_active,omitempty"`
}

// AutomationListResponse is the response for listing automations
type AutomationListResponse struct {
	Automations []*automation.Automation `json:"automations"`
	Total       int                      `json:"total"`
}

// ExecutionListResponse is the response for listing executions
type ExecutionListResponse struct {
	Executions []*automation.Execution `json:"executions"`
	Total      int                     `json:"total"`
}

// EventResponse is the response for POST /events
type EventResponse struct {
	Executions []*automation.Execution `json:"executions"`
	Scheduled  int                     `json:"scheduled"`
}

// handleListAutomations handles GET /api/v1/automations
func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := automation.ListFilter{Trigger: automation.Trigger(q.Get("trigger"))}
	if v, err := strconv.ParseBool(q.Get("active")); err == nil {
		filter.Active = &v
	}

	list, err := s.svc.Automations.List(r.Context(), tenantFrom(r.Context()), filter)
	if err != nil {
		s.sendServiceError(w, err, "Failed to list automations")
		return
	}
	if list == nil {
		list = []*automation.Automation{}
	}

	s.sendJSON(w, http.StatusOK, AutomationListResponse{Automations: list, Total: len(list)})
}

// handleCreateAutomation handles POST /api/v1/automations. New automations are active unless stated.
func (s *Server) handleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	var req AutomationRequest
	if !s.decode(w, r, &req) {
		return
	}

	a := &automation.Automation{
		TenantID:     tenantFrom(r.Context()),
		Name:         req.Name,
		Description:  req.Description,
		Trigger:      req.Trigger,
		Channel:      req.Channel,
		TemplateID:   req.TemplateID,
		DelaySeconds: req.DelaySeconds,
		Conditions:   req.Conditions,
		IsActive:     true,
	}
	if req.IsActive != nil {
		a.IsActive = *req.IsActive
	}

	if err := s.svc.Automations.Create(r.Context(), a); err != nil {
		s.sendServiceError(w, err, "Failed to create automation")
		return
	}

	s.sendJSON(w, http.StatusCreated, a)
}

// handleGetAutomation handles GET /api/v1/automations/{id}
func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Automations.Get(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err, "Failed to get automation")
		return
	}
	s.sendJSON(w, http.StatusOK, a)
}

// handleUpdateAutomation handles PUT /api/v1/automations/{id}
func (s *Server) handleUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	var req AutomationRequest
	if !s.decode(w, r, &req) {
		return
	}

	a, err := s.svc.Automations.Get(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err, "Failed to get automation")
		return
	}

	if req.Name != "" {
		a.Name = req.Name
	}
	if req.Trigger != "" {
		a.Trigger = req.Trigger
	}
	if req.Channel != "" {
		a.Channel = req.Channel
	}
	if req.TemplateID != "" {
		a.TemplateID = req.TemplateID
	}
	if req.IsActive != nil {
		a.IsActive = *req.IsActive
	}
	a.Description = req.Description
	a.DelaySeconds = req.DelaySeconds
	a.Conditions = req.Conditions

	updated, err := s.svc.Automations.Update(r.Context(), a)
	if err != nil {
		s.sendServiceError(w, err, "Failed to update automation")
		return
	}
	s.sendJSON(w, http.StatusOK, updated)
}

// handleDeleteAutomation handles DELETE /api/v1/automations/{id}
func (s *Server) handleDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Automations.Delete(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.sendServiceError(w, err, "Failed to delete automation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateAutomation(w http.ResponseWriter, r *http.Request) {
	s.setAutomationActive(w, r, true)
}

func (s *Server) handleDeactivateAutomation(w http.ResponseWriter, r *http.Request) {
	s.setAutomationActive(w, r, false)
}

func (s *Server) setAutomationActive(w http.ResponseWriter, r *http.Request, active bool) {
	a, err := s.svc.Automations.SetActive(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"), active)
	if err != nil {
		s.sendServiceError(w, err, "Failed to update automation")
		return
	}
	s.sendJSON(w, http.StatusOK, a)
}

// handleListExecutions handles GET /api/v1/automations/{id}/executions
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	id := chi.URLParam(r, "id")

	if _, err := s.svc.Automations.Get(r.Context(), tenant, id); err != nil {
		s.sendServiceError(w, err, "Failed to get automation")
		return
	}

	q := r.URL.Query()
	filter := automation.ExecutionFilter{
		AutomationID: id,
		CustomerID:   q.Get("customer_id"),
		Status:       automation.ExecStatus(q.Get("status")),
	}
	filter.Limit, filter.Offset = pagination(r)

	execs, err := s.svc.Automations.ListExecutions(r.Context(), tenant, filter)
	if err != nil {
		s.sendServiceError(w, err, "Failed to list executions")
		return
	}
	if execs == nil {
		execs = []*automation.Execution{}
	}

	s.sendJSON(w, http.StatusOK, ExecutionListResponse{Executions: execs, Total: len(execs)})
}

// handleEvent handles POST /api/v1/events, the synchronous alternative to the event stream
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev automation.Event
	if !s.decode(w, r, &ev) {
		return
	}
	ev.TenantID = tenantFrom(r.Context())
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	execs, err := s.svc.Automations.OnEvent(r.Context(), &ev)
	if err != nil {
		metrics.IncEvents(string(ev.Type), "rejected")
		s.sendServiceError(w, err, "Failed to process event")
		return
	}

	resp := EventResponse{Executions: execs}
	if resp.Executions == nil {
		resp.Executions = []*automation.Execution{}
	}
	for _, e := range execs {
		if e.Status == automation.ExecPending {
			resp.Scheduled++
		}
	}

	s.sendJSON(w, http.StatusAccepted, resp)
}

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ERPlora/module-messaging/internal/channel"
	"github.com/ERPlora/module-messaging/internal/template"
)

// TemplateRequest is the request for creating or updating a template
type TemplateRequest struct {
	Name     string            `json:"name"`
	Channel  channel.Channel   `json:"channel"`
	Category template.Category `json:"category,omitempty"`
	Subject  string            `json:"subject,omitempty"`
	Body     string            `json:"body"`
	IsActive *bool             `json:"is_active,omitempty"`
}

// TemplateListResponse is the response for listing templates
type TemplateListResponse struct {
	Templates []*template.Template `json:"templates"`
	Total     int                  `json:"total"`
}

// TemplatePreviewRequest is the request for previewing a template
type TemplatePreviewRequest struct {
	Channel   channel.Channel   `json:"channel,omitempty"`
	Variables map[string]string `json:"variables"`
}

// handleListTemplates handles GET /api/v1/templates
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := template.ListFilter{
		Channel:  channel.Channel(q.Get("channel")),
		Category: template.Category(q.Get("category")),
		Search:   q.Get("search"),
	}
	if v, err := strconv.ParseBool(q.Get("active")); err == nil {
		filter.Active = &v
	}
	filter.Limit, filter.Offset = pagination(r)

	templates, err := s.svc.Templates.List(r.Context(), tenantFrom(r.Context()), filter)
	if err != nil {
		s.sendServiceError(w, err, "Failed to list templates")
		return
	}
	if templates == nil {
		templates = []*template.Template{}
	}

	s.sendJSON(w, http.StatusOK, TemplateListResponse{Templates: templates, Total: len(templates)})
}

// handleCreateTemplate handles POST /api/v1/templates
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if !s.decode(w, r, &req) {
		return
	}

	tmpl := &template.Template{
		TenantID: tenantFrom(r.Context()),
		Name:     req.Name,
		Channel:  req.Channel,
		Category: req.Category,
		Subject:  req.Subject,
		Body:     req.Body,
		IsActive: true,
	}
	if req.IsActive != nil {
		tmpl.IsActive = *req.IsActive
	}

	if err := s.svc.Templates.Create(r.Context(), tmpl); err != nil {
		s.sendServiceError(w, err, "Failed to create template")
		return
	}

	s.sendJSON(w, http.StatusCreated, tmpl)
}

// handleGetTemplate handles GET /api/v1/templates/{id}, falling back to a name lookup
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.lookupTemplate(r)
	if err != nil {
		s.sendServiceError(w, err, "Failed to get template")
		return
	}
	s.sendJSON(w, http.StatusOK, tmpl)
}

func (s *Server) lookupTemplate(r *http.Request) (*template.Template, error) {
	tenant := tenantFrom(r.Context())
	id := chi.URLParam(r, "id")

	tmpl, err := s.svc.Templates.Get(r.Context(), tenant, id)
	if errors.Is(err, template.ErrNotFound) {
		return s.svc.Templates.GetByName(r.Context(), tenant, id)
	}
	return tmpl, err
}

// handleUpdateTemplate handles PUT /api/v1/templates/{id}
func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if !s.decode(w, r, &req) {
		return
	}

	tmpl, err := s.svc.Templates.Get(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err, "Failed to get template")
		return
	}

	if req.Name != "" {
		tmpl.Name = req.Name
	}
	if req.Channel != "" {
		tmpl.Channel = req.Channel
	}
	if req.Category != "" {
		tmpl.Category = req.Category
	}
	if req.Body != "" {
		tmpl.Body = req.Body
	}
	if req.IsActive != nil {
		tmpl.IsActive = *req.IsActive
	}
	// an empty subject clears it so the template can move off email
	tmpl.Subject = req.Subject

	if err := s.svc.Templates.Update(r.Context(), tmpl); err != nil {
		s.sendServiceError(w, err, "Failed to update template")
		return
	}

	s.sendJSON(w, http.StatusOK, tmpl)
}

// handleDeleteTemplate handles DELETE /api/v1/templates/{id}
func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Templates.Delete(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.sendServiceError(w, err, "Failed to delete template")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateTemplate(w http.ResponseWriter, r *http.Request) {
	s.setTemplateActive(w, r, true)
}

func (s *Server) handleDeactivateTemplate(w http.ResponseWriter, r *http.Request) {
	s.setTemplateActive(w, r, false)
}

func (s *Server) setTemplateActive(w http.ResponseWriter, r *http.Request, active bool) {
	tmpl, err := s.svc.Templates.SetActive(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"), active)
	if err != nil {
		s.sendServiceError(w, err, "Failed to update template")
		return
	}
	s.sendJSON(w, http.StatusOK, tmpl)
}

// handlePreviewTemplate handles POST /api/v1/templates/{id}/preview.
// Rendering errors are returned as 400 with the missing variable named.
func (s *Server) handlePreviewTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplatePreviewRequest
	if !s.decode(w, r, &req) {
		return
	}

	tmpl, err := s.lookupTemplate(r)
	if err != nil {
		s.sendServiceError(w, err, "Failed to get template")
		return
	}

	target := req.Channel
	if target == "" {
		target = tmpl.Channel
	}
	if target == channel.All {
		target = channel.Email
	}

	result, err := template.Render(tmpl, target, req.Variables)
	if err != nil {
		s.sendServiceError(w, err, "Failed to render template")
		return
	}

	s.sendJSON(w, http.StatusOK, result)
}

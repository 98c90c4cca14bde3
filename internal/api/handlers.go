package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ERPlora/module-messaging/internal/automation"
	"github.com/ERPlora/module-messaging/internal/campaign"
	"github.com/ERPlora/module-messaging/internal/channel"
	"github.com/ERPlora/module-messaging/internal/metrics"
	"github.com/ERPlora/module-messaging/internal/template"
	"github.com/ERPlora/module-messaging/internal/tracker"
)

// SendRequest is the request body for POST /messages
type SendRequest struct {
	Channel          channel.Channel   `json:"channel"`
	RecipientContact string            `json:"recipient_contact"`
	RecipientName    string            `json:"recipient_name,omitempty"`
	Subject          string            `json:"subject,omitempty"`
	Body             string            `json:"body,omitempty"`
	TemplateID       string            `json:"template_id,omitempty"`
	Variables        map[string]string `json:"variables,omitempty"`
	CustomerID       string            `json:"customer_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// SendResponse is the response for POST /messages
type SendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// MessageListResponse is the response for GET /messages
type MessageListResponse struct {
	Messages []*tracker.Message `json:"messages"`
	Total    int                `json:"total"`
}

// StatusWebhookRequest is a provider delivery report
type StatusWebhookRequest struct {
	ExternalID string     `json:"external_id"`
	Status     string     `json:"status"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// StatusWebhookResponse is the response for POST /webhooks/status
type StatusWebhookResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Applied   bool   `json:"applied"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleSend handles POST /api/v1/messages
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.Channel == "" || req.RecipientContact == "" || (req.Body == "" && req.TemplateID == "") {
		s.sendError(w, http.StatusBadRequest, "channel, recipient_contact, and body are required")
		return
	}
	if !req.Channel.Valid() {
		s.sendError(w, http.StatusBadRequest, "Invalid channel. Must be whatsapp, sms, or email")
		return
	}
	if req.Subject != "" && !req.Channel.AllowsSubject() {
		s.sendError(w, http.StatusBadRequest, "subject is only supported on email")
		return
	}

	tenant := tenantFrom(r.Context())
	// with an explicit body the template is only a reference
	if req.TemplateID != "" && req.Body == "" {
		if _, err := s.svc.Templates.Get(r.Context(), tenant, req.TemplateID); err != nil {
			s.sendServiceError(w, err, "Failed to get template")
			return
		}
	}

	msg := &tracker.Message{
		ID:            uuid.New().String(),
		TenantID:      tenant,
		Channel:       req.Channel,
		Recipient:     req.RecipientContact,
		RecipientName: req.RecipientName,
		Subject:       req.Subject,
		Body:          req.Body,
		TemplateID:    req.TemplateID,
		Variables:     req.Variables,
		CustomerID:    req.CustomerID,
		Metadata:      req.Metadata,
	}

	if _, err := s.svc.Tracker.Store().Enqueue(r.Context(), msg); err != nil {
		s.logger.Error("failed to enqueue message", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to queue message")
		return
	}

	s.logger.Info("message queued via API",
		"message_id", msg.ID,
		"tenant_id", tenant,
		"channel", msg.Channel,
	)

	s.sendJSON(w, http.StatusAccepted, SendResponse{
		MessageID: msg.ID,
		Status:    string(tracker.StatusQueued),
	})
}

// handleListMessages handles GET /api/v1/messages
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := tracker.ListFilter{
		Status:     tracker.Status(q.Get("status")),
		Channel:    channel.Channel(q.Get("channel")),
		CampaignID: q.Get("campaign_id"),
		CustomerID: q.Get("customer_id"),
	}
	filter.Limit, filter.Offset = pagination(r)

	msgs, err := s.svc.Tracker.Store().List(r.Context(), tenantFrom(r.Context()), filter)
	if err != nil {
		s.logger.Error("failed to list messages", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []*tracker.Message{}
	}

	s.sendJSON(w, http.StatusOK, MessageListResponse{Messages: msgs, Total: len(msgs)})
}

// handleGetMessage handles GET /api/v1/messages/{id}
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.svc.Tracker.Store().Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && msg.TenantID != tenantFrom(r.Context()) {
		err = tracker.ErrNotFound
	}
	if err != nil {
		s.sendServiceError(w, err, "Failed to get message")
		return
	}
	s.sendJSON(w, http.StatusOK, msg)
}

// handleStatusWebhook handles POST /webhooks/status
func (s *Server) handleStatusWebhook(w http.ResponseWriter, r *http.Request) {
	var req StatusWebhookRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ExternalID == "" || req.Status == "" {
		s.sendError(w, http.StatusBadRequest, "external_id and status required")
		return
	}

	status, ok := tracker.ParseStatus(req.Status)
	if !ok || status == tracker.StatusQueued {
		metrics.IncStatusReports(req.Status, "invalid")
		s.sendError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(req.Status))
		return
	}

	var at time.Time
	if req.Timestamp != nil {
		at = *req.Timestamp
	}

	msg, applied, err := s.svc.Tracker.ReportStatus(r.Context(), req.ExternalID, status, at, req.Error)
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		metrics.IncStatusReports(req.Status, "unknown")
		s.sendError(w, http.StatusNotFound, "Message not found")
		return
	case errors.Is(err, tracker.ErrInvalidTransition):
		metrics.IncStatusReports(req.Status, "rejected")
		s.sendError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to apply status report", "external_id", req.ExternalID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to apply status")
		return
	}

	result := "applied"
	if !applied {
		result = "duplicate"
	}
	metrics.IncStatusReports(req.Status, result)

	s.sendJSON(w, http.StatusOK, StatusWebhookResponse{
		MessageID: msg.ID,
		Status:    string(msg.Status),
		Applied:   applied,
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

// decode reads a JSON body, answering 400 when it is malformed
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

// pagination reads limit and offset query parameters
func pagination(r *http.Request) (limit, offset int) {
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

// sendServiceError maps engine errors to HTTP status codes
func (s *Server) sendServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, tracker.ErrNotFound),
		errors.Is(err, template.ErrNotFound),
		errors.Is(err, campaign.ErrNotFound),
		errors.Is(err, automation.ErrNotFound),
		errors.Is(err, automation.ErrExecutionNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, template.ErrInvalid),
		errors.Is(err, template.ErrSubjectRequired),
		errors.Is(err, template.ErrUnknownChannelField),
		errors.Is(err, template.ErrMissingVariable),
		errors.Is(err, campaign.ErrInvalid),
		errors.Is(err, automation.ErrInvalid):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, campaign.ErrInvalidTransition),
		errors.Is(err, campaign.ErrNotEditable),
		errors.Is(err, campaign.ErrNoRecipients),
		errors.Is(err, template.ErrNameTaken),
		errors.Is(err, template.ErrSystemTemplate):
		s.sendError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(strings.ToLower(fallback), "error", err)
		metrics.IncAPIErrors("internal")
		s.sendError(w, http.StatusInternalServerError, fallback)
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

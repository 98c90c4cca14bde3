package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ERPlora/module-messaging/internal/campaign"
	"github.com/ERPlora/module-messaging/internal/channel"
)

// CampaignRequest is the request for creating or updating a draft campaign
type CampaignRequest struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Channel     channel.Channel      `json:"channel"`
	TemplateID  string               `json:"template_id"`
	Variables   map[string]string    `json:"variables,omitempty"`
	Recipients  []campaign.Recipient `json:"recipients"`
}

// ScheduleRequest is the request for POST /campaigns/{id}/schedule
type ScheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

// CampaignListResponse is the response for listing campaigns
type CampaignListResponse struct {
	Campaigns []*campaign.Campaign `json:"campaigns"`
	Total     int                  `json:"total"`
}

func (req *CampaignRequest) campaign(tenantID, id string) *campaign.Campaign {
	return &campaign.Campaign{
		ID:          id,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Channel:     req.Channel,
		TemplateID:  req.TemplateID,
		Variables:   req.Variables,
		Recipients:  req.Recipients,
	}
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter := campaign.ListFilter{Status: campaign.Status(r.URL.Query().Get("status"))}
	filter.Limit, filter.Offset = pagination(r)

	campaigns, err := s.svc.Campaigns.List(r.Context(), tenantFrom(r.Context()), filter)
	if err != nil {
		s.sendServiceError(w, err, "Failed to list campaigns")
		return
	}
	if campaigns == nil {
		campaigns = []*campaign.Campaign{}
	}

	s.sendJSON(w, http.StatusOK, CampaignListResponse{Campaigns: campaigns, Total: len(campaigns)})
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if !s.decode(w, r, &req) {
		return
	}

	c := req.campaign(tenantFrom(r.Context()), "")
	if err := s.svc.Campaigns.Create(r.Context(), c); err != nil {
		s.sendServiceError(w, err, "Failed to create campaign")
		return
	}

	s.sendJSON(w, http.StatusCreated, c)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Campaigns.Get(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err, "Failed to get campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleUpdateCampaign handles PUT /api/v1/campaigns/{id}. Only drafts are editable.
func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if !s.decode(w, r, &req) {
		return
	}

	c, err := s.svc.Campaigns.UpdateDraft(r.Context(), req.campaign(tenantFrom(r.Context()), chi.URLParam(r, "id")))
	if err != nil {
		s.sendServiceError(w, err, "Failed to update campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleDeleteCampaign handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Campaigns.Delete(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.sendServiceError(w, err, "Failed to delete campaign")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleScheduleCampaign handles POST /api/v1/campaigns/{id}/schedule
func (s *Server) handleScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ScheduledAt.IsZero() {
		s.sendError(w, http.StatusBadRequest, "scheduled_at is required")
		return
	}

	c, err := s.svc.Campaigns.Schedule(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"), req.ScheduledAt)
	if err != nil {
		s.sendServiceError(w, err, "Failed to schedule campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleStartCampaign handles POST /api/v1/campaigns/{id}/start
func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Campaigns.Start(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err, "Failed to start campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleCancelCampaign handles POST /api/v1/campaigns/{id}/cancel
func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Campaigns.Cancel(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err, "Failed to cancel campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleCampaignProgress handles GET /api/v1/campaigns/{id}/progress
func (s *Server) handleCampaignProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Campaigns.Progress(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err, "Failed to get campaign progress")
		return
	}
	s.sendJSON(w, http.StatusOK, p)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/postwave/postwave/internal/campaign"
	"github.com/postwave/postwave/internal/event"
	"github.com/postwave/postwave/internal/task"
	"github.com/postwave/postwave/internal/template"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string      `json:"status"`
	Uptime string      `json:"uptime"`
	Queue  *task.Stats `json:"queue"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// CampaignStatsResponse is the response for GET /campaigns/{id}/stats
type CampaignStatsResponse struct {
	CampaignID string      `json:"campaign_id"`
	Status     string      `json:"status"`
	Tasks      *task.Stats `json:"tasks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, _ := s.queue.Stats(r.Context())

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).String(),
		Queue:  stats,
	})
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var c campaign.Campaign
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.campaigns.Create(r.Context(), &c); err != nil {
		s.sendStoreError(w, err)
		return
	}

	s.logger.Info("campaign created", "campaign_id", c.ID, "name", c.Name, "kind", c.Kind)
	s.sendJSON(w, http.StatusCreated, &c)
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.campaigns.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list campaigns")
		return
	}
	s.sendJSON(w, http.StatusOK, campaigns)
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := s.campaigns.Get(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}

	stats, err := s.queue.CampaignStats(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to collect campaign stats", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}

	s.sendJSON(w, http.StatusOK, CampaignStatsResponse{
		CampaignID: id,
		Status:     string(c.Status),
		Tasks:      stats,
	})
}

func (s *Server) handleAddRecipients(w http.ResponseWriter, r *http.Request) {
	var recipients []*campaign.Recipient
	if err := json.NewDecoder(r.Body).Decode(&recipients); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(recipients) == 0 {
		s.sendError(w, http.StatusBadRequest, "at least one recipient is required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.campaigns.AddRecipients(r.Context(), id, recipients); err != nil {
		s.sendStoreError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]int{"added": len(recipients)})
}

func (s *Server) handleSuppressRecipient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rid := chi.URLParam(r, "rid")

	if err := s.campaigns.Suppress(r.Context(), id, rid); err != nil {
		s.sendStoreError(w, err)
		return
	}

	s.logger.Info("recipient suppressed", "campaign_id", id, "recipient_id", rid)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, campaign.StatusScheduled)
}

func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, campaign.StatusPaused)
}

func (s *Server) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, campaign.StatusRunning)
}

func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.control.Cancel(r.Context(), id); err != nil {
		s.sendStoreError(w, err)
		return
	}

	c, err := s.campaigns.Get(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// transition applies a plain status change and returns the campaign
func (s *Server) transition(w http.ResponseWriter, r *http.Request, to campaign.Status) {
	id := chi.URLParam(r, "id")

	if err := s.campaigns.UpdateStatus(r.Context(), id, to); err != nil {
		s.sendStoreError(w, err)
		return
	}

	c, err := s.campaigns.Get(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}

	s.logger.Info("campaign transitioned", "campaign_id", id, "status", to)
	s.sendJSON(w, http.StatusOK, c)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl template.Template
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.engine.Validate(&tmpl); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.templates.Create(r.Context(), &tmpl); err != nil {
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}

	s.sendJSON(w, http.StatusCreated, &tmpl)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	filter := template.ListFilter{
		Account: r.URL.Query().Get("account"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		filter.Limit, _ = strconv.Atoi(limit)
	}

	templates, err := s.templates.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list templates", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list templates")
		return
	}
	s.sendJSON(w, http.StatusOK, templates)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("failed to get template", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to get template")
		return
	}
	if tmpl == nil {
		s.sendError(w, http.StatusNotFound, "template not found")
		return
	}
	s.sendJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl template.Template
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tmpl.ID = chi.URLParam(r, "id")

	if err := s.engine.Validate(&tmpl); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.templates.Update(r.Context(), &tmpl); err != nil {
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, &tmpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.templates.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.logger.Error("failed to delete template", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to delete template")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	filter := event.ListFilter{
		CampaignID: r.URL.Query().Get("campaign_id"),
		Outcome:    event.Outcome(r.URL.Query().Get("outcome")),
		Limit:      100,
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	events, err := s.events.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list events", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	s.sendJSON(w, http.StatusOK, events)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to collect queue stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// sendStoreError maps campaign store failures to HTTP status codes:
// unknown IDs are 404, invalid transitions and validation failures 409.
func (s *Server) sendStoreError(w http.ResponseWriter, err error) {
	var ve *campaign.ValidationError
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ve):
		s.sendError(w, http.StatusConflict, ve.Error())
	default:
		s.logger.Error("campaign operation failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, err.Error())
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

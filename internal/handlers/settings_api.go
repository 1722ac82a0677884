package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/laurikarhu/stealth-gate/internal/models"
	"github.com/rs/zerolog/log"
)

// SiteDirectory looks sites up by ID
type SiteDirectory interface {
	GetSiteByID(ctx context.Context, id uuid.UUID) (*models.Site, error)
	ListSites(ctx context.Context) ([]*models.Site, error)
}

// SettingsAPIHandler exposes the settings of every site as JSON
type SettingsAPIHandler struct {
	sites    SiteDirectory
	settings SettingsManager
}

// NewSettingsAPIHandler creates a new settings API handler
func NewSettingsAPIHandler(sites SiteDirectory, mgr SettingsManager) *SettingsAPIHandler {
	return &SettingsAPIHandler{sites: sites, settings: mgr}
}

// ListSites lists all sites
// GET /api/stealth/sites
func (h *SettingsAPIHandler) ListSites(w http.ResponseWriter, r *http.Request) {
	sites, err := h.sites.ListSites(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list sites")
		writeJSONError(w, http.StatusInternalServerError, "Failed to list sites")
		return
	}
	if sites == nil {
		sites = []*models.Site{}
	}
	writeJSON(w, http.StatusOK, sites)
}

// GetSettings returns the settings of a site without the key
// GET /api/stealth/sites/{id}/settings
func (h *SettingsAPIHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	site, ok := h.site(w, r)
	if !ok {
		return
	}

	current, err := h.settings.Load(r.Context(), site)
	if err != nil {
		log.Error().Err(err).Str("site_id", site.ID.String()).Msg("Failed to load settings")
		writeJSONError(w, http.StatusInternalServerError, "Failed to load settings")
		return
	}

	writeJSON(w, http.StatusOK, viewOf(site, current))
}

// UpdateSettings replaces the settings of a site
// PUT /api/stealth/sites/{id}/settings
func (h *SettingsAPIHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	site, ok := h.site(w, r)
	if !ok {
		return
	}

	var req models.UpdateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.settings.Save(r.Context(), site, models.Settings{
		Enabled:     req.Enabled,
		AuthKey:     req.AuthKey,
		RedirectURL: req.RedirectURL,
		EmailOnSave: req.EmailOnSave,
	})
	if err != nil {
		log.Error().Err(err).Str("site_id", site.ID.String()).Msg("Failed to save settings")
		writeJSONError(w, http.StatusInternalServerError, "Failed to save settings")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		models.SettingsView
		Message   string `json:"message"`
		EmailSent bool   `json:"email_sent"`
	}{
		SettingsView: viewOf(site, result.Settings),
		Message:      result.Message,
		EmailSent:    result.EmailSent,
	})
}

// site resolves the {id} path value, writing the error response itself
func (h *SettingsAPIHandler) site(w http.ResponseWriter, r *http.Request) (*models.Site, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid site ID")
		return nil, false
	}

	site, err := h.sites.GetSiteByID(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("site_id", id.String()).Msg("Failed to get site")
		writeJSONError(w, http.StatusInternalServerError, "Failed to get site")
		return nil, false
	}
	if site == nil {
		writeJSONError(w, http.StatusNotFound, "Site not found")
		return nil, false
	}
	return site, true
}

func viewOf(site *models.Site, s *models.Settings) models.SettingsView {
	return models.SettingsView{
		SiteID:      site.ID,
		Enabled:     s.Enabled,
		AuthKeySet:  s.AuthKey != "",
		RedirectURL: s.RedirectURL,
	}
}

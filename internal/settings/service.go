// Package settings loads and saves the per-site gate configuration.
package settings

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/laurikarhu/stealth-gate/internal/gate"
	"github.com/laurikarhu/stealth-gate/internal/mailer"
	"github.com/laurikarhu/stealth-gate/internal/models"
	"github.com/rs/zerolog/log"
)

// Store persists settings blobs
type Store interface {
	GetSettings(ctx context.Context, siteID uuid.UUID) (*models.Settings, error)
	SaveSettings(ctx context.Context, siteID uuid.UUID, settings *models.Settings) error
	DeleteSettings(ctx context.Context, siteID uuid.UUID) error
}

// Cache keeps recently loaded settings close to the gate
type Cache interface {
	GetCachedSettings(ctx context.Context, siteID uuid.UUID) (*models.Settings, error)
	SetCachedSettings(ctx context.Context, siteID uuid.UUID, settings *models.Settings, ttl time.Duration) error
	InvalidateSettings(ctx context.Context, siteID uuid.UUID) error
}

// Notices records one-shot messages for the settings page
type Notices interface {
	AddNotice(ctx context.Context, siteID uuid.UUID, notice models.Notice) error
}

const (
	MessageSaved     = "Settings saved."
	MessageSavedMail = "Settings saved and email sent to admin with the authorization key."
	MessageMailFail  = "Settings saved, but the authorization key could not be emailed."

	mailSubject = "Stealth Login Auth Key"
)

// Service loads and saves settings
type Service struct {
	store    Store
	cache    Cache
	notices  Notices
	mailer   mailer.Mailer
	cacheTTL time.Duration
}

// NewService creates a settings service. cache and notices may be nil.
func NewService(store Store, cache Cache, notices Notices, m mailer.Mailer, cacheTTL time.Duration) *Service {
	if m == nil {
		m = mailer.LogMailer{}
	}
	return &Service{
		store:    store,
		cache:    cache,
		notices:  notices,
		mailer:   m,
		cacheTTL: cacheTTL,
	}
}

// Load returns the settings of a site, or defaults (disabled) when none are stored
func (s *Service) Load(ctx context.Context, site *models.Site) (*models.Settings, error) {
	if s.cache != nil && s.cacheTTL > 0 {
		cached, err := s.cache.GetCachedSettings(ctx, site.ID)
		if err != nil {
			log.Warn().Err(err).Str("site_id", site.ID.String()).Msg("Failed to read settings cache")
		}
		if cached != nil {
			return cached, nil
		}
	}

	stored, err := s.store.GetSettings(ctx, site.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if stored == nil {
		stored = models.DefaultSettings(site.HomeURL)
	}

	if s.cache != nil && s.cacheTTL > 0 {
		if err := s.cache.SetCachedSettings(ctx, site.ID, stored, s.cacheTTL); err != nil {
			log.Warn().Err(err).Str("site_id", site.ID.String()).Msg("Failed to cache settings")
		}
	}
	return stored, nil
}

// SaveResult describes what a save did
type SaveResult struct {
	Settings  *models.Settings
	EmailSent bool
	EmailErr  error
	Message   string
}

// Save sanitizes and persists settings. When EmailOnSave is set the key is
// mailed to the site admin once and the flag is stored cleared.
func (s *Service) Save(ctx context.Context, site *models.Site, input models.Settings) (*SaveResult, error) {
	settings := &models.Settings{
		Enabled:     input.Enabled,
		AuthKey:     gate.SanitizeText(input.AuthKey),
		RedirectURL: gate.SanitizeURL(input.RedirectURL),
		EmailOnSave: input.EmailOnSave,
	}

	if err := s.persist(ctx, site.ID, settings); err != nil {
		return nil, err
	}

	result := &SaveResult{Settings: settings, Message: MessageSaved}
	notice := models.Notice{Type: models.NoticeSuccess, Message: MessageSaved}

	if settings.EmailOnSave {
		body := fmt.Sprintf("Your authorization key is: %s", settings.AuthKey)
		if err := s.mailer.Send(ctx, site.AdminEmail, mailSubject, body); err != nil {
			log.Error().Err(err).Str("site_id", site.ID.String()).Msg("Failed to email authorization key")
			result.EmailErr = err
			result.Message = MessageMailFail
			notice = models.Notice{Type: models.NoticeError, Message: MessageMailFail}
		} else {
			result.EmailSent = true
			result.Message = MessageSavedMail
			notice.Message = MessageSavedMail
		}

		settings.EmailOnSave = false
		if err := s.persist(ctx, site.ID, settings); err != nil {
			return nil, err
		}
	}

	if s.notices != nil {
		if err := s.notices.AddNotice(ctx, site.ID, notice); err != nil {
			log.Warn().Err(err).Msg("Failed to record settings notice")
		}
	}

	log.Info().
		Str("site_id", site.ID.String()).
		Bool("enabled", settings.Enabled).
		Bool("email_sent", result.EmailSent).
		Msg("Settings saved")

	return result, nil
}

// Delete removes the settings of a site
func (s *Service) Delete(ctx context.Context, siteID uuid.UUID) error {
	if err := s.store.DeleteSettings(ctx, siteID); err != nil {
		return fmt.Errorf("failed to delete settings: %w", err)
	}
	s.invalidate(ctx, siteID)
	return nil
}

// Invalidate drops any cached copy of a site's settings
func (s *Service) Invalidate(ctx context.Context, siteID uuid.UUID) {
	s.invalidate(ctx, siteID)
}

func (s *Service) persist(ctx context.Context, siteID uuid.UUID, settings *models.Settings) error {
	if err := s.store.SaveSettings(ctx, siteID, settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	s.invalidate(ctx, siteID)
	return nil
}

func (s *Service) invalidate(ctx context.Context, siteID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateSettings(ctx, siteID); err != nil {
		log.Warn().Err(err).Str("site_id", siteID.String()).Msg("Failed to invalidate settings cache")
	}
}

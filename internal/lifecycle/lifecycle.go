// Package lifecycle seeds, cleans up and removes gate settings across the
// sites of an installation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/laurikarhu/stealth-gate/internal/models"
	"github.com/rs/zerolog/log"
)

// ErrSiteNotFound is returned when a single-site operation has no site to act on
var ErrSiteNotFound = errors.New("site not found")

// Store is the persistence the lifecycle operations need
type Store interface {
	ListSites(ctx context.Context) ([]*models.Site, error)
	GetSiteByHostPath(ctx context.Context, host, path string) (*models.Site, error)
	CreateSite(ctx context.Context, site *models.Site) error
	AddSettingsIfMissing(ctx context.Context, siteID uuid.UUID, settings *models.Settings) (bool, error)
	DeleteSettings(ctx context.Context, siteID uuid.UUID) error
	SetSiteActive(ctx context.Context, id uuid.UUID, active bool) error
	IsNetworkActive(ctx context.Context) (bool, error)
	SetNetworkActive(ctx context.Context, active bool) error
}

// Invalidator drops cached settings
type Invalidator interface {
	Invalidate(ctx context.Context, siteID uuid.UUID)
}

// Manager runs lifecycle operations
type Manager struct {
	store Store
	cache Invalidator
}

// NewManager creates a lifecycle manager. cache may be nil.
func NewManager(store Store, cache Invalidator) *Manager {
	return &Manager{store: store, cache: cache}
}

// ActivateSite turns the gate on for a site and seeds default settings when
// it has none. Existing settings are never touched. Returns true when
// defaults were written.
func (m *Manager) ActivateSite(ctx context.Context, site *models.Site) (bool, error) {
	if site == nil {
		return false, ErrSiteNotFound
	}

	added, err := m.store.AddSettingsIfMissing(ctx, site.ID, models.DefaultSettings(site.HomeURL))
	if err != nil {
		return false, fmt.Errorf("failed to seed settings for site %s: %w", site.ID, err)
	}
	if added {
		log.Info().Str("site_id", site.ID.String()).Str("host", site.Host).Msg("Default settings seeded")
	}

	if err := m.setActive(ctx, site, true); err != nil {
		return added, err
	}
	return added, nil
}

// Activate seeds one site, or every site when network is set
func (m *Manager) Activate(ctx context.Context, network bool, site *models.Site) error {
	if !network {
		_, err := m.ActivateSite(ctx, site)
		return err
	}

	if err := m.forEachSite(ctx, func(s *models.Site) error {
		_, err := m.ActivateSite(ctx, s)
		return err
	}); err != nil {
		return err
	}

	if err := m.store.SetNetworkActive(ctx, true); err != nil {
		return fmt.Errorf("failed to record network activation: %w", err)
	}
	log.Info().Msg("Gate activated network-wide")
	return nil
}

// Deactivate stops gating a site, or every site when network is set.
// Settings are kept so a later activation restores the previous configuration.
func (m *Manager) Deactivate(ctx context.Context, network bool, site *models.Site) error {
	if !network {
		if site == nil {
			return ErrSiteNotFound
		}
		return m.setActive(ctx, site, false)
	}

	if err := m.forEachSite(ctx, func(s *models.Site) error {
		return m.setActive(ctx, s, false)
	}); err != nil {
		return err
	}

	if err := m.store.SetNetworkActive(ctx, false); err != nil {
		return fmt.Errorf("failed to clear network activation: %w", err)
	}
	log.Info().Msg("Gate deactivated network-wide")
	return nil
}

// SiteCreated seeds a newly created site when the gate is network-active
func (m *Manager) SiteCreated(ctx context.Context, site *models.Site) error {
	active, err := m.store.IsNetworkActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to read network state: %w", err)
	}
	if !active {
		return nil
	}
	_, err = m.ActivateSite(ctx, site)
	return err
}

// Uninstall removes the settings of a site, or of every site when network is set
func (m *Manager) Uninstall(ctx context.Context, network bool, site *models.Site) error {
	if !network {
		if site == nil {
			return ErrSiteNotFound
		}
		return m.removeSettings(ctx, site)
	}

	if err := m.forEachSite(ctx, func(s *models.Site) error {
		return m.removeSettings(ctx, s)
	}); err != nil {
		return err
	}

	if err := m.store.SetNetworkActive(ctx, false); err != nil {
		return fmt.Errorf("failed to clear network activation: %w", err)
	}
	return nil
}

// FindSite returns the site registered at host and path
func (m *Manager) FindSite(ctx context.Context, host, path string) (*models.Site, error) {
	if path == "" {
		path = "/"
	}
	site, err := m.store.GetSiteByHostPath(ctx, host, path)
	if err != nil {
		return nil, err
	}
	if site == nil {
		return nil, ErrSiteNotFound
	}
	return site, nil
}

func (m *Manager) removeSettings(ctx context.Context, site *models.Site) error {
	if err := m.setActive(ctx, site, false); err != nil {
		return err
	}
	if err := m.store.DeleteSettings(ctx, site.ID); err != nil {
		return fmt.Errorf("failed to delete settings for site %s: %w", site.ID, err)
	}
	m.invalidate(ctx, site.ID)
	log.Info().Str("site_id", site.ID.String()).Msg("Settings removed")
	return nil
}

func (m *Manager) setActive(ctx context.Context, site *models.Site, active bool) error {
	if err := m.store.SetSiteActive(ctx, site.ID, active); err != nil {
		return fmt.Errorf("failed to update activation of site %s: %w", site.ID, err)
	}
	if site.Active != active {
		log.Info().Str("site_id", site.ID.String()).Bool("active", active).Msg("Site activation changed")
	}
	site.Active = active
	m.invalidate(ctx, site.ID)
	return nil
}

// forEachSite applies fn to every site and stops at the first failure
func (m *Manager) forEachSite(ctx context.Context, fn func(*models.Site) error) error {
	sites, err := m.store.ListSites(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sites: %w", err)
	}
	for _, s := range sites {
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) invalidate(ctx context.Context, siteID uuid.UUID) {
	if m.cache != nil {
		m.cache.Invalidate(ctx, siteID)
	}
}

package lifecycle

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/laurikarhu/stealth-gate/internal/models"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Manifest lists the sites of an installation
type Manifest struct {
	Sites []ManifestSite `yaml:"sites"`
}

// ManifestSite is one entry of a site manifest
type ManifestSite struct {
	Host         string `yaml:"host"`
	Path         string `yaml:"path"`
	HomeURL      string `yaml:"home_url"`
	AdminEmail   string `yaml:"admin_email"`
	CookieDomain string `yaml:"cookie_domain"`
	CookiePath   string `yaml:"cookie_path"`
}

// ImportResult summarizes an import
type ImportResult struct {
	Created  int
	Existing int
}

// ParseManifest decodes a YAML site manifest
func ParseManifest(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("error parsing manifest: %w", err)
	}

	for i, s := range manifest.Sites {
		if strings.TrimSpace(s.Host) == "" {
			return nil, fmt.Errorf("site %d: host is required", i+1)
		}
	}
	return &manifest, nil
}

// ImportSites creates the manifest sites that do not exist yet and runs
// SiteCreated for each of them
func (m *Manager) ImportSites(ctx context.Context, manifest *Manifest) (*ImportResult, error) {
	result := &ImportResult{}

	for _, entry := range manifest.Sites {
		site := entry.toSite()

		existing, err := m.store.GetSiteByHostPath(ctx, site.Host, site.Path)
		if err != nil {
			return result, fmt.Errorf("failed to look up %s%s: %w", site.Host, site.Path, err)
		}
		if existing != nil && existing.Path == site.Path {
			result.Existing++
			continue
		}

		if err := m.store.CreateSite(ctx, site); err != nil {
			return result, fmt.Errorf("failed to create %s%s: %w", site.Host, site.Path, err)
		}
		result.Created++
		log.Info().Str("site_id", site.ID.String()).Str("host", site.Host).Str("path", site.Path).Msg("Site imported")

		if err := m.SiteCreated(ctx, site); err != nil {
			return result, err
		}
	}

	return result, nil
}

func (e ManifestSite) toSite() *models.Site {
	host := strings.ToLower(strings.TrimSpace(e.Host))
	p := e.Path
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}

	home := e.HomeURL
	if home == "" {
		home = "https://" + host + p
	}

	return &models.Site{
		Host:         host,
		Path:         p,
		HomeURL:      home,
		AdminEmail:   e.AdminEmail,
		CookieDomain: e.CookieDomain,
		CookiePath:   e.CookiePath,
	}
}

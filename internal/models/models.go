package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// OptionName is the slot the settings blob is stored under, one per site
const OptionName = "stealth_login_page_settings"

// Settings is the persisted gate configuration for a single site
type Settings struct {
	Enabled     bool   `json:"enabled"`
	AuthKey     string `json:"auth_key"`
	RedirectURL string `json:"redirect_url"`
	EmailOnSave bool   `json:"email_checkbox"`
}

// DefaultSettings returns the settings a freshly activated site starts with
func DefaultSettings(homeURL string) *Settings {
	return &Settings{
		Enabled:     false,
		AuthKey:     "",
		RedirectURL: homeURL,
		EmailOnSave: false,
	}
}

// Clone returns a copy of the settings
func (s *Settings) Clone() *Settings {
	c := *s
	return &c
}

// Site represents one site of a (possibly multisite) installation
type Site struct {
	ID           uuid.UUID `json:"id"`
	Host         string    `json:"host"`
	Path         string    `json:"path"`
	HomeURL      string    `json:"home_url"`
	AdminEmail   string    `json:"admin_email"`
	CookieDomain string    `json:"cookie_domain,omitempty"`
	CookiePath   string    `json:"cookie_path,omitempty"`
	// Active is false until the gate is activated for the site, and again
	// after deactivation. Inactive sites are never gated.
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// RelativePath strips the site path from a request path.
// Root sites ("/") return the path unchanged.
func (s *Site) RelativePath(p string) string {
	base := strings.TrimSuffix(s.Path, "/")
	if base == "" {
		return p
	}
	if p == base {
		return "/"
	}
	if strings.HasPrefix(p, base+"/") {
		return p[len(base):]
	}
	return p
}

// EffectiveCookiePath returns the path the session-proof cookie is scoped to
func (s *Site) EffectiveCookiePath() string {
	if s.CookiePath != "" {
		return s.CookiePath
	}
	if s.Path != "" {
		return s.Path
	}
	return "/"
}

// NoticeType is the severity of an admin notice
type NoticeType string

const (
	NoticeSuccess NoticeType = "success"
	NoticeError   NoticeType = "error"
)

// Notice is a one-shot message shown on the settings page
type Notice struct {
	Type    NoticeType `json:"type"`
	Message string     `json:"message"`
}

// AdminRole determines what an admin user may do
type AdminRole string

const (
	// RoleAdministrator can manage the gate settings
	RoleAdministrator AdminRole = "administrator"
	RoleEditor        AdminRole = "editor"
)

// CanManage reports whether the role carries the management capability
func (r AdminRole) CanManage() bool {
	return r == RoleAdministrator
}

// SettingsView is the API representation of settings. The key itself is never returned.
type SettingsView struct {
	SiteID      uuid.UUID `json:"site_id"`
	Enabled     bool      `json:"enabled"`
	AuthKeySet  bool      `json:"auth_key_set"`
	RedirectURL string    `json:"redirect_url"`
}

// UpdateSettingsRequest is the request body for updating settings through the API
type UpdateSettingsRequest struct {
	Enabled     bool   `json:"enabled"`
	AuthKey     string `json:"auth_key"`
	RedirectURL string `json:"redirect_url"`
	EmailOnSave bool   `json:"email_checkbox"`
}

// APIError represents an error response
type APIError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// APISuccess represents a success response
type APISuccess struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

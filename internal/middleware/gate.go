package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/laurikarhu/stealth-gate/internal/gate"
	"github.com/laurikarhu/stealth-gate/internal/models"
	"github.com/rs/zerolog/log"
)

// SiteResolver maps an incoming request to the site it belongs to. On a
// lookup failure it may still return the fallback site alongside the error.
type SiteResolver interface {
	ResolveSite(ctx context.Context, host, path string) (*models.Site, error)
}

// SettingsLoader loads the gate settings of a site
type SettingsLoader interface {
	Load(ctx context.Context, site *models.Site) (*models.Settings, error)
}

// PrivilegeChecker tells whether the caller is an administrator with the
// management capability
type PrivilegeChecker interface {
	IsPrivileged(r *http.Request) bool
}

// DecisionRecorder observes gate decisions
type DecisionRecorder interface {
	RecordDecision(d gate.Decision)
}

// lockedSettings are evaluated when the site or its settings cannot be read:
// only administrators and holders of a session-proof cookie get in
var lockedSettings = &models.Settings{Enabled: true}

// inactiveSettings are evaluated for sites the gate is not activated on
var inactiveSettings = &models.Settings{Enabled: false}

type siteContextKey struct{}

// WithSite returns a context carrying the resolved site
func WithSite(ctx context.Context, site *models.Site) context.Context {
	return context.WithValue(ctx, siteContextKey{}, site)
}

// SiteFromContext returns the site the gate resolved for the request, if any
func SiteFromContext(ctx context.Context) *models.Site {
	site, _ := ctx.Value(siteContextKey{}).(*models.Site)
	return site
}

// SiteRelative serves requests whose site-relative path lies under prefix
// with that relative path, so routes registered for the root site also
// answer under every subdirectory site. Other requests pass unchanged.
// It must run inside Protect, which puts the site in the context.
func SiteRelative(prefix string, next http.Handler) http.Handler {
	prefix = strings.TrimSuffix(prefix, "/")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		site := SiteFromContext(r.Context())
		if site == nil || strings.TrimSuffix(site.Path, "/") == "" {
			next.ServeHTTP(w, r)
			return
		}

		rel := site.RelativePath(r.URL.Path)
		if rel == r.URL.Path || (rel != prefix && !strings.HasPrefix(rel, prefix+"/")) {
			next.ServeHTTP(w, r)
			return
		}

		r2 := r.Clone(r.Context())
		r2.URL.Path = rel
		r2.URL.RawPath = ""
		next.ServeHTTP(w, r2)
	})
}

// GateMiddleware applies the access gate to every request
type GateMiddleware struct {
	gate       *gate.Gate
	sites      SiteResolver
	settings   SettingsLoader
	privileges PrivilegeChecker
	recorder   DecisionRecorder
}

// NewGateMiddleware creates a new gate middleware. recorder may be nil.
func NewGateMiddleware(g *gate.Gate, sites SiteResolver, settings SettingsLoader, privileges PrivilegeChecker, recorder DecisionRecorder) *GateMiddleware {
	return &GateMiddleware{
		gate:       g,
		sites:      sites,
		settings:   settings,
		privileges: privileges,
		recorder:   recorder,
	}
}

// Protect returns a middleware that allows, remembers or redirects each request
func (m *GateMiddleware) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		site, err := m.sites.ResolveSite(ctx, r.Host, r.URL.Path)
		if err != nil {
			log.Error().Err(err).Str("host", r.Host).Msg("Failed to resolve site, failing closed")
		}
		if site == nil {
			if err != nil && m.gate.Paths().IsProtected(r.URL.Path) {
				// Nothing to scope a redirect to but the server root
				http.Redirect(w, r, "/", http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		settings := m.loadSettings(ctx, site, err)

		r = r.WithContext(WithSite(ctx, site))
		req := m.buildRequest(r, site, settings)
		decision := m.gate.Evaluate(settings, site.HomeURL, req)

		if m.recorder != nil {
			m.recorder.RecordDecision(decision)
		}

		switch decision.Outcome {
		case gate.Remember:
			setProofCookie(w, r, site)
			log.Debug().Str("site_id", site.ID.String()).Str("path", r.URL.Path).Msg("Auth key accepted, session proof issued")
			next.ServeHTTP(w, r)

		case gate.Redirect:
			switch decision.Reason {
			case gate.ReasonKeyMismatch:
				log.Debug().Str("site_id", site.ID.String()).Str("path", r.URL.Path).Msg("Auth key mismatch, redirecting")
			default:
				log.Debug().Str("site_id", site.ID.String()).Str("path", r.URL.Path).Msg("Auth key missing from URL, redirecting")
			}
			http.Redirect(w, r, decision.RedirectURL, http.StatusFound)

		default:
			if decision.Reason == gate.ReasonCookie {
				log.Debug().Str("path", r.URL.Path).Msg("Auth cookie found, access granted")
			}
			next.ServeHTTP(w, r)
		}
	})
}

// loadSettings returns the settings to evaluate for site. A failed site
// resolution or settings load locks the gate.
func (m *GateMiddleware) loadSettings(ctx context.Context, site *models.Site, resolveErr error) *models.Settings {
	if resolveErr != nil {
		return lockedSettings
	}
	if !site.Active {
		return inactiveSettings
	}

	settings, err := m.settings.Load(ctx, site)
	if err != nil {
		log.Error().Err(err).Str("site_id", site.ID.String()).Msg("Failed to load gate settings, failing closed")
		return lockedSettings
	}
	return settings
}

// buildRequest collects the request facts the gate decides on. The privilege
// lookup only runs when the gate is enabled.
func (m *GateMiddleware) buildRequest(r *http.Request, site *models.Site, settings *models.Settings) gate.Request {
	req := gate.Request{Path: site.RelativePath(r.URL.Path)}

	if values, ok := r.URL.Query()[gate.KeyParam]; ok && len(values) > 0 {
		req.HasKey = true
		req.Key = values[0]
	}

	if cookie, err := r.Cookie(gate.CookieName); err == nil {
		req.HasCookie = true
		req.Cookie = cookie.Value
	}

	if settings.Enabled && m.privileges != nil {
		req.Privileged = m.privileges.IsPrivileged(r)
	}
	return req
}

// setProofCookie issues the session-proof cookie scoped to the site
func setProofCookie(w http.ResponseWriter, r *http.Request, site *models.Site) {
	http.SetCookie(w, &http.Cookie{
		Name:     gate.CookieName,
		Value:    gate.CookieValue,
		Path:     site.EffectiveCookiePath(),
		Domain:   site.CookieDomain,
		Expires:  time.Now().Add(gate.CookieTTL),
		MaxAge:   int(gate.CookieTTL.Seconds()),
		Secure:   IsTLS(r),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// IsTLS reports whether the request reached us (or the fronting proxy) over TLS
func IsTLS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

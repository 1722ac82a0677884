// Package gate decides, per request, whether access to the login endpoint and
// the administrative area is allowed, remembered or redirected away.
package gate

import (
	"crypto/subtle"
	"path"
	"strings"
	"time"

	"github.com/laurikarhu/stealth-gate/internal/models"
)

const (
	// CookieName is the session-proof cookie
	CookieName = "stealth_auth_verified"
	// CookieValue is the fixed sentinel the cookie carries
	CookieValue = "1"
	// CookieTTL is how long a presented key is remembered
	CookieTTL = time.Hour
	// KeyParam is the query parameter carrying the shared secret
	KeyParam = "auth_key"

	DefaultAdminPrefix = "/wp-admin"
	DefaultLoginPath   = "/wp-login.php"
)

// Outcome is the result of evaluating a request
type Outcome int

const (
	// Allow lets the request through untouched
	Allow Outcome = iota
	// Remember lets the request through and issues the session-proof cookie
	Remember
	// Redirect sends the visitor to the redirect target and stops processing
	Redirect
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Remember:
		return "remember"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Reason names the rule that produced a decision
type Reason string

const (
	ReasonDisabled    Reason = "disabled"
	ReasonPrivileged  Reason = "privileged"
	ReasonCookie      Reason = "cookie"
	ReasonUnprotected Reason = "unprotected"
	ReasonKeyMatch    Reason = "key_match"
	ReasonKeyMismatch Reason = "key_mismatch"
	ReasonKeyMissing  Reason = "key_missing"
)

// Request is everything the gate needs to know about an incoming request
type Request struct {
	// Path relative to the site root
	Path       string
	HasKey     bool
	Key        string
	HasCookie  bool
	Cookie     string
	Privileged bool
}

// Decision is the gate's verdict for one request
type Decision struct {
	Outcome     Outcome
	Reason      Reason
	RedirectURL string
}

// Paths holds the two protected URL patterns
type Paths struct {
	AdminPrefix string
	LoginPath   string
}

// DefaultPaths returns the standard CMS admin and login paths
func DefaultPaths() Paths {
	return Paths{AdminPrefix: DefaultAdminPrefix, LoginPath: DefaultLoginPath}
}

// IsProtected reports whether p targets the admin area or the login endpoint
func (ps Paths) IsProtected(p string) bool {
	if p == "" {
		return false
	}
	clean := path.Clean("/" + p)

	prefix := strings.TrimSuffix(ps.AdminPrefix, "/")
	if prefix != "" && (clean == prefix || strings.HasPrefix(clean, prefix+"/")) {
		return true
	}
	return ps.LoginPath != "" && clean == ps.LoginPath
}

// Gate evaluates requests against a site's settings
type Gate struct {
	paths Paths
}

// New creates a gate protecting the given paths
func New(paths Paths) *Gate {
	if paths.AdminPrefix == "" && paths.LoginPath == "" {
		paths = DefaultPaths()
	}
	return &Gate{paths: paths}
}

// Paths returns the protected paths
func (g *Gate) Paths() Paths {
	return g.paths
}

// Evaluate applies the decision rules in order; the first match wins.
// homeURL is the fallback redirect target when settings carry none.
func (g *Gate) Evaluate(settings *models.Settings, homeURL string, req Request) Decision {
	if settings == nil || !settings.Enabled {
		return Decision{Outcome: Allow, Reason: ReasonDisabled}
	}

	if req.Privileged {
		return Decision{Outcome: Allow, Reason: ReasonPrivileged}
	}

	if req.HasCookie && req.Cookie == CookieValue {
		return Decision{Outcome: Allow, Reason: ReasonCookie}
	}

	if !g.paths.IsProtected(req.Path) {
		return Decision{Outcome: Allow, Reason: ReasonUnprotected}
	}

	target := strings.TrimSpace(settings.RedirectURL)
	if target == "" {
		target = homeURL
	}

	if !req.HasKey {
		return Decision{Outcome: Redirect, Reason: ReasonKeyMissing, RedirectURL: target}
	}
	if KeyMatches(settings.AuthKey, SanitizeText(req.Key)) {
		return Decision{Outcome: Remember, Reason: ReasonKeyMatch}
	}
	return Decision{Outcome: Redirect, Reason: ReasonKeyMismatch, RedirectURL: target}
}

// KeyMatches compares a supplied credential with the configured key.
// An empty configured key never matches anything.
func KeyMatches(configured, supplied string) bool {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return false
	}
	supplied = strings.TrimSpace(supplied)
	return subtle.ConstantTimeCompare([]byte(configured), []byte(supplied)) == 1
}

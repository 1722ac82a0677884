package handlers

import (
	"context"
	"embed"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/laurikarhu/stealth-gate/internal/middleware"
	"github.com/laurikarhu/stealth-gate/internal/models"
	"github.com/laurikarhu/stealth-gate/internal/security"
	"github.com/laurikarhu/stealth-gate/internal/settings"
	"github.com/laurikarhu/stealth-gate/internal/storage"
	"github.com/rs/zerolog/log"
)

//go:embed templates/admin/*.html
var adminTemplates embed.FS

const (
	// NonceField is the form field carrying the anti-forgery token
	NonceField = "stealth_nonce"
	// SaveAction is the action the anti-forgery token is bound to
	SaveAction = "save_stealth_settings"

	permissionDenied = "You do not have permission to access this page."
	saveFailed       = "Settings could not be saved."
)

// SiteResolver finds the site an admin request belongs to
type SiteResolver interface {
	ResolveSite(ctx context.Context, host, path string) (*models.Site, error)
}

// SettingsManager loads and saves gate settings
type SettingsManager interface {
	Load(ctx context.Context, site *models.Site) (*models.Settings, error)
	Save(ctx context.Context, site *models.Site, input models.Settings) (*settings.SaveResult, error)
}

// NoticeStore holds one-shot settings page notices
type NoticeStore interface {
	AddNotice(ctx context.Context, siteID uuid.UUID, notice models.Notice) error
	PopNotices(ctx context.Context, siteID uuid.UUID) ([]models.Notice, error)
}

// AdminAuthenticator checks admin credentials and throttles attempts
type AdminAuthenticator interface {
	VerifyAdminPassword(ctx context.Context, username, password string) (*storage.AdminUser, bool)
	CheckAdminLoginRateLimit(ctx context.Context, username, ip string) (bool, error)
}

// SettingsPageHandler renders and saves the gate settings page. Paths are
// site-relative: a subdirectory site serves the page under its own path.
type SettingsPageHandler struct {
	basePath  string
	loginPath string
	sites     SiteResolver
	settings  SettingsManager
	notices   NoticeStore
	auth      AdminAuthenticator
	sessionMw *middleware.AdminSessionMiddleware
	csrf      *security.CSRFSigner
	templates *template.Template
}

// NewSettingsPageHandler creates the settings page handler mounted at basePath.
// loginPath is the gated CMS login endpoint shown in the page hint.
func NewSettingsPageHandler(basePath, loginPath string, sites SiteResolver, mgr SettingsManager, notices NoticeStore, auth AdminAuthenticator, sessionMw *middleware.AdminSessionMiddleware, csrf *security.CSRFSigner) (*SettingsPageHandler, error) {
	templates, err := template.ParseFS(adminTemplates, "templates/admin/*.html")
	if err != nil {
		return nil, err
	}

	return &SettingsPageHandler{
		basePath:  strings.TrimSuffix(basePath, "/"),
		loginPath: loginPath,
		sites:     sites,
		settings:  mgr,
		notices:   notices,
		auth:      auth,
		sessionMw: sessionMw,
		csrf:      csrf,
		templates: templates,
	}, nil
}

// base returns the page path for the site the request belongs to
func (h *SettingsPageHandler) base(r *http.Request) string {
	if site := middleware.SiteFromContext(r.Context()); site != nil {
		return strings.TrimSuffix(site.Path, "/") + h.basePath
	}
	return h.basePath
}

// siteOf returns the site resolved by the gate, or resolves it directly
func (h *SettingsPageHandler) siteOf(r *http.Request) (*models.Site, error) {
	if site := middleware.SiteFromContext(r.Context()); site != nil {
		return site, nil
	}
	return h.sites.ResolveSite(r.Context(), r.Host, r.URL.Path)
}

// pageData contains common data for admin pages
type pageData struct {
	Title    string
	BasePath string
	Username string
	Year     int
}

// --- Login ---

type loginData struct {
	pageData
	Error    string
	Username string
}

// ShowLogin renders the login page
func (h *SettingsPageHandler) ShowLogin(w http.ResponseWriter, r *http.Request) {
	if h.sessionMw.CurrentSession(r) != nil {
		http.Redirect(w, r, h.base(r)+"/", http.StatusFound)
		return
	}
	h.renderLogin(w, r, "", "")
}

// ProcessLogin handles login form submission
func (h *SettingsPageHandler) ProcessLogin(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")

	ctx := r.Context()
	clientIP := getClientIP(r)

	allowed, err := h.auth.CheckAdminLoginRateLimit(ctx, username, clientIP)
	if err != nil {
		log.Error().Err(err).Msg("Failed to check login rate limit")
	}
	if !allowed {
		h.renderLogin(w, r, "Too many login attempts. Please try again later.", username)
		return
	}

	user, valid := h.auth.VerifyAdminPassword(ctx, username, password)
	if !valid {
		log.Warn().Str("username", username).Str("ip", clientIP).Msg("Failed admin login attempt")
		h.renderLogin(w, r, "Invalid username or password.", username)
		return
	}

	sessionID, err := h.sessionMw.CreateSession(ctx, user)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create admin session")
		h.renderLogin(w, r, "Failed to create session. Please try again.", username)
		return
	}

	h.sessionMw.SetSessionCookie(w, r, sessionID)
	log.Info().Str("username", username).Str("role", string(user.Role)).Msg("Admin logged in")

	http.Redirect(w, r, h.base(r)+"/", http.StatusFound)
}

// Logout ends the admin session
func (h *SettingsPageHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var sessionID string
	if cookie, err := r.Cookie(middleware.AdminSessionCookieName); err == nil {
		sessionID = cookie.Value
	}
	h.sessionMw.ClearSession(r.Context(), w, sessionID)
	http.Redirect(w, r, h.base(r)+"/login", http.StatusFound)
}

func (h *SettingsPageHandler) renderLogin(w http.ResponseWriter, r *http.Request, errorMsg, username string) {
	data := loginData{
		pageData: pageData{Title: "Login", BasePath: h.base(r), Year: time.Now().Year()},
		Error:    errorMsg,
		Username: username,
	}
	h.render(w, "login.html", data)
}

// --- Settings ---

// RedirectToPage sends a request for the bare page path to the page itself
func (h *SettingsPageHandler) RedirectToPage(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.base(r)+"/", http.StatusMovedPermanently)
}

type settingsData struct {
	pageData
	Site      *models.Site
	Settings  *models.Settings
	Notices   []models.Notice
	Nonce     string
	LoginURL  string
	LoadError bool
}

// ShowSettings renders the settings form and consumes pending notices.
// Only sessions with the management capability may see it.
func (h *SettingsPageHandler) ShowSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := middleware.GetAdminSession(ctx)
	if session == nil {
		http.Redirect(w, r, h.base(r)+"/login", http.StatusFound)
		return
	}
	if !session.CanManage {
		http.Error(w, permissionDenied, http.StatusForbidden)
		return
	}

	site, err := h.siteOf(r)
	if err != nil || site == nil {
		log.Error().Err(err).Str("host", r.Host).Msg("No site for settings page")
		http.Error(w, "Site not found", http.StatusNotFound)
		return
	}

	data := settingsData{
		pageData: pageData{Title: "Stealth Login Page Options", BasePath: h.base(r), Username: session.Username, Year: time.Now().Year()},
		Site:     site,
		Nonce:    h.csrf.Issue(session.SessionID, SaveAction),
		LoginURL: strings.TrimSuffix(site.Path, "/") + h.loginPath,
	}

	current, err := h.settings.Load(ctx, site)
	if err != nil {
		log.Error().Err(err).Str("site_id", site.ID.String()).Msg("Failed to load settings for page")
		current = models.DefaultSettings(site.HomeURL)
		data.LoadError = true
	}
	data.Settings = current

	notices, err := h.notices.PopNotices(ctx, site.ID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read settings notices")
	}
	data.Notices = notices

	h.render(w, "settings.html", data)
}

// SaveSettings handles the settings form submission
func (h *SettingsPageHandler) SaveSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := middleware.GetAdminSession(ctx)

	if session == nil || !session.CanManage {
		http.Error(w, permissionDenied, http.StatusForbidden)
		return
	}
	if err := h.csrf.Verify(session.SessionID, SaveAction, r.FormValue(NonceField)); err != nil {
		log.Warn().Err(err).Str("username", session.Username).Msg("Rejected settings save with invalid nonce")
		http.Error(w, permissionDenied, http.StatusForbidden)
		return
	}

	site, err := h.siteOf(r)
	if err != nil || site == nil {
		log.Error().Err(err).Str("host", r.Host).Msg("No site for settings save")
		http.Error(w, "Site not found", http.StatusNotFound)
		return
	}

	input := models.Settings{
		Enabled:     r.FormValue("enabled") != "",
		AuthKey:     r.FormValue("auth_key"),
		RedirectURL: r.FormValue("redirect_url"),
		EmailOnSave: r.FormValue("email_checkbox") != "",
	}

	if _, err := h.settings.Save(ctx, site, input); err != nil {
		log.Error().Err(err).Str("site_id", site.ID.String()).Msg("Failed to save settings")
		if nerr := h.notices.AddNotice(ctx, site.ID, models.Notice{Type: models.NoticeError, Message: saveFailed}); nerr != nil {
			log.Warn().Err(nerr).Msg("Failed to record settings notice")
		}
	}

	http.Redirect(w, r, h.base(r)+"/", http.StatusSeeOther)
}

func (h *SettingsPageHandler) render(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	if err := h.templates.ExecuteTemplate(w, name, data); err != nil {
		log.Error().Err(err).Str("template", name).Msg("Failed to render admin template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

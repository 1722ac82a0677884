package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/laurikarhu/stealth-gate/internal/middleware"
	"github.com/laurikarhu/stealth-gate/internal/models"
	"github.com/laurikarhu/stealth-gate/internal/security"
	"github.com/laurikarhu/stealth-gate/internal/settings"
	"github.com/laurikarhu/stealth-gate/internal/storage"
)

const basePath = "/wp-admin/stealth-login-page"

var site = &models.Site{
	ID:         uuid.MustParse("0b7e6a1c-4a51-4e43-8a7a-111111111111"),
	Host:       "example.com",
	Path:       "/",
	HomeURL:    "https://example.com/",
	AdminEmail: "admin@example.com",
}

type fixedSite struct{}

func (fixedSite) ResolveSite(ctx context.Context, host, path string) (*models.Site, error) {
	return site, nil
}

func (fixedSite) GetSiteByID(ctx context.Context, id uuid.UUID) (*models.Site, error) {
	if id == site.ID {
		return site, nil
	}
	return nil, nil
}

func (fixedSite) ListSites(ctx context.Context) ([]*models.Site, error) {
	return []*models.Site{site}, nil
}

type fakeManager struct {
	current   *models.Settings
	saved     []models.Settings
	saveErr   error
	loadedFor *models.Site
	savedFor  *models.Site
}

func (f *fakeManager) Load(ctx context.Context, s *models.Site) (*models.Settings, error) {
	f.loadedFor = s
	return f.current, nil
}

func (f *fakeManager) Save(ctx context.Context, s *models.Site, input models.Settings) (*settings.SaveResult, error) {
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	f.savedFor = s
	f.saved = append(f.saved, input)
	stored := input
	stored.EmailOnSave = false
	f.current = &stored
	return &settings.SaveResult{Settings: &stored, Message: settings.MessageSaved}, nil
}

type memNotices struct {
	notices []models.Notice
}

func (m *memNotices) AddNotice(ctx context.Context, siteID uuid.UUID, n models.Notice) error {
	m.notices = append(m.notices, n)
	return nil
}

func (m *memNotices) PopNotices(ctx context.Context, siteID uuid.UUID) ([]models.Notice, error) {
	out := m.notices
	m.notices = nil
	return out, nil
}

type fakeAuth struct {
	users   map[string]*storage.AdminUser
	limited bool
}

func (f *fakeAuth) VerifyAdminPassword(ctx context.Context, username, password string) (*storage.AdminUser, bool) {
	u, ok := f.users[username]
	if !ok || password != "correct horse" {
		return nil, false
	}
	return u, true
}

func (f *fakeAuth) CheckAdminLoginRateLimit(ctx context.Context, username, ip string) (bool, error) {
	return !f.limited, nil
}

type memSessions struct {
	sessions map[string]*storage.AdminSession
}

func (m *memSessions) SetAdminSession(ctx context.Context, s *storage.AdminSession, ttl time.Duration) error {
	m.sessions[s.SessionID] = s
	return nil
}

func (m *memSessions) GetAdminSession(ctx context.Context, id string) (*storage.AdminSession, error) {
	return m.sessions[id], nil
}

func (m *memSessions) DeleteAdminSession(ctx context.Context, id string) error {
	delete(m.sessions, id)
	return nil
}

func (m *memSessions) RefreshAdminSession(ctx context.Context, id string, ttl time.Duration) error {
	return nil
}

type fixture struct {
	handler   *SettingsPageHandler
	sessionMw *middleware.AdminSessionMiddleware
	manager   *fakeManager
	notices   *memNotices
	auth      *fakeAuth
	csrf      *security.CSRFSigner
	mux       *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		manager: &fakeManager{current: models.DefaultSettings(site.HomeURL)},
		notices: &memNotices{},
		auth: &fakeAuth{users: map[string]*storage.AdminUser{
			"root": {ID: uuid.New(), Username: "root", Role: models.RoleAdministrator},
			"ed":   {ID: uuid.New(), Username: "ed", Role: models.RoleEditor},
		}},
		csrf: security.NewCSRFSigner("test-secret", time.Hour),
	}
	f.sessionMw = middleware.NewAdminSessionMiddleware(nil, &memSessions{sessions: map[string]*storage.AdminSession{}}, basePath+"/login")

	h, err := NewSettingsPageHandler(basePath, "/wp-login.php", fixedSite{}, f.manager, f.notices, f.auth, f.sessionMw, f.csrf)
	if err != nil {
		t.Fatalf("NewSettingsPageHandler: %v", err)
	}
	f.handler = h

	f.mux = http.NewServeMux()
	f.mux.HandleFunc("GET "+basePath+"/login", h.ShowLogin)
	f.mux.HandleFunc("POST "+basePath+"/login", h.ProcessLogin)
	f.mux.Handle("GET "+basePath+"/{$}", f.sessionMw.RequireAdminSession(http.HandlerFunc(h.ShowSettings)))
	f.mux.Handle("POST "+basePath+"/save", f.sessionMw.RequireAdminSession(http.HandlerFunc(h.SaveSettings)))
	f.mux.HandleFunc("GET "+basePath, h.RedirectToPage)
	return f
}

// forSite serves the fixture routes the way the gate does for s
func (f *fixture) forSite(s *models.Site) http.Handler {
	routed := middleware.SiteRelative(basePath, f.mux)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		routed.ServeHTTP(w, r.WithContext(middleware.WithSite(r.Context(), s)))
	})
}

func (f *fixture) login(t *testing.T, username string) *storage.AdminSession {
	t.Helper()
	id, err := f.sessionMw.CreateSession(context.Background(), f.auth.users[username])
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: middleware.AdminSessionCookieName, Value: id})
	return f.sessionMw.CurrentSession(req)
}

func (f *fixture) postSave(session *storage.AdminSession, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, basePath+"/save", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if session != nil {
		req.AddCookie(&http.Cookie{Name: middleware.AdminSessionCookieName, Value: session.SessionID})
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestSaveSettingsRequiresManageCapability(t *testing.T) {
	f := newFixture(t)
	session := f.login(t, "ed")

	form := url.Values{
		"auth_key": {"secret123"},
		NonceField: {f.csrf.Issue(session.SessionID, SaveAction)},
		"enabled":  {"1"},
	}
	rec := f.postSave(session, form)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), permissionDenied) {
		t.Errorf("body = %q", rec.Body.String())
	}
	if len(f.manager.saved) != 0 {
		t.Error("settings written without capability")
	}
}

func TestSaveSettingsRejectsBadNonce(t *testing.T) {
	f := newFixture(t)
	session := f.login(t, "root")

	for _, nonce := range []string{"", "garbage", f.csrf.Issue(session.SessionID, "other_action"), f.csrf.Issue("other-session", SaveAction)} {
		rec := f.postSave(session, url.Values{"auth_key": {"k"}, NonceField: {nonce}})
		if rec.Code != http.StatusForbidden {
			t.Errorf("nonce %q: status = %d, want 403", nonce, rec.Code)
		}
	}
	if len(f.manager.saved) != 0 {
		t.Error("settings written with invalid nonce")
	}
}

func TestSaveSettings(t *testing.T) {
	f := newFixture(t)
	session := f.login(t, "root")

	rec := f.postSave(session, url.Values{
		"enabled":        {"1"},
		"auth_key":       {"secret123"},
		"redirect_url":   {"https://away.test/"},
		"email_checkbox": {"1"},
		NonceField:       {f.csrf.Issue(session.SessionID, SaveAction)},
	})

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != basePath+"/" {
		t.Errorf("Location = %q", loc)
	}
	if len(f.manager.saved) != 1 {
		t.Fatalf("saves = %d, want 1", len(f.manager.saved))
	}
	want := models.Settings{Enabled: true, AuthKey: "secret123", RedirectURL: "https://away.test/", EmailOnSave: true}
	if f.manager.saved[0] != want {
		t.Errorf("saved %+v, want %+v", f.manager.saved[0], want)
	}
}

func TestSaveSettingsFailureRecordsNotice(t *testing.T) {
	f := newFixture(t)
	f.manager.saveErr = errors.New("db down")
	session := f.login(t, "root")

	rec := f.postSave(session, url.Values{NonceField: {f.csrf.Issue(session.SessionID, SaveAction)}})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	if len(f.notices.notices) != 1 || f.notices.notices[0].Type != models.NoticeError {
		t.Errorf("notices = %+v, want one error notice", f.notices.notices)
	}
}

func TestShowSettingsConsumesNotices(t *testing.T) {
	f := newFixture(t)
	session := f.login(t, "root")
	f.manager.current = &models.Settings{Enabled: true, AuthKey: "secret123", RedirectURL: "https://away.test/"}
	f.notices.notices = []models.Notice{{Type: models.NoticeSuccess, Message: settings.MessageSaved}}

	get := func() string {
		req := httptest.NewRequest(http.MethodGet, basePath+"/", nil)
		req.AddCookie(&http.Cookie{Name: middleware.AdminSessionCookieName, Value: session.SessionID})
		rec := httptest.NewRecorder()
		f.mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		return rec.Body.String()
	}

	body := get()
	for _, want := range []string{settings.MessageSaved, `type="password"`, `value="secret123"`, `name="stealth_nonce"`, "Save Settings", "/wp-login.php?auth_key="} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}

	if strings.Contains(get(), settings.MessageSaved) {
		t.Error("notice shown twice")
	}
}

func TestShowSettingsRequiresManageCapability(t *testing.T) {
	f := newFixture(t)
	f.manager.current = &models.Settings{Enabled: true, AuthKey: "secret123"}
	session := f.login(t, "ed")

	req := httptest.NewRequest(http.MethodGet, basePath+"/", nil)
	req.AddCookie(&http.Cookie{Name: middleware.AdminSessionCookieName, Value: session.SessionID})
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret123") {
		t.Error("auth key shown to a user without the management capability")
	}
}

func TestSettingsPageForSubdirectorySite(t *testing.T) {
	blog := &models.Site{ID: uuid.New(), Host: "example.com", Path: "/blog/", HomeURL: "https://example.com/blog/", Active: true}
	f := newFixture(t)
	h := f.forSite(blog)
	session := f.login(t, "root")
	blogBase := "/blog" + basePath

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, blogBase+"/", nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != blogBase+"/login" {
		t.Errorf("anonymous: status %d Location %q", rec.Code, rec.Header().Get("Location"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, blogBase, nil))
	if rec.Code != http.StatusMovedPermanently || rec.Header().Get("Location") != blogBase+"/" {
		t.Errorf("bare path: status %d Location %q", rec.Code, rec.Header().Get("Location"))
	}

	req := httptest.NewRequest(http.MethodGet, blogBase+"/", nil)
	req.AddCookie(&http.Cookie{Name: middleware.AdminSessionCookieName, Value: session.SessionID})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`action="` + blogBase + `/save"`, "/blog/wp-login.php?auth_key="} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
	if f.manager.loadedFor != blog {
		t.Errorf("loaded settings of %+v, want the blog site", f.manager.loadedFor)
	}

	form := url.Values{"auth_key": {"blogkey"}, NonceField: {f.csrf.Issue(session.SessionID, SaveAction)}}
	req = httptest.NewRequest(http.MethodPost, blogBase+"/save", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: middleware.AdminSessionCookieName, Value: session.SessionID})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != blogBase+"/" {
		t.Errorf("save: status %d Location %q", rec.Code, rec.Header().Get("Location"))
	}
	if f.manager.savedFor != blog {
		t.Errorf("saved settings of %+v, want the blog site", f.manager.savedFor)
	}
}

func TestSiteRelativeLeavesOtherPathsAlone(t *testing.T) {
	blog := &models.Site{ID: uuid.New(), Host: "example.com", Path: "/blog/", Active: true}
	var seen string
	h := middleware.SiteRelative(basePath, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Path
	}))

	tests := map[string]string{
		"/blog/hello-world/":         "/blog/hello-world/",
		"/blog/wp-admin/":            "/blog/wp-admin/",
		"/blog" + basePath + "/save": basePath + "/save",
		basePath + "/":               basePath + "/",
	}
	for in, want := range tests {
		req := httptest.NewRequest(http.MethodGet, in, nil)
		h.ServeHTTP(httptest.NewRecorder(), req.WithContext(middleware.WithSite(req.Context(), blog)))
		if seen != want {
			t.Errorf("%s routed as %s, want %s", in, seen, want)
		}
	}
}

func TestShowSettingsRedirectsAnonymous(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, basePath+"/", nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != basePath+"/login" {
		t.Errorf("status %d Location %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestProcessLogin(t *testing.T) {
	post := func(f *fixture, username, password string) *httptest.ResponseRecorder {
		form := url.Values{"username": {username}, "password": {password}}
		req := httptest.NewRequest(http.MethodPost, basePath+"/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		f.mux.ServeHTTP(rec, req)
		return rec
	}

	t.Run("valid", func(t *testing.T) {
		f := newFixture(t)
		rec := post(f, "root", "correct horse")
		if rec.Code != http.StatusFound {
			t.Fatalf("status = %d, want 302", rec.Code)
		}
		found := false
		for _, c := range rec.Result().Cookies() {
			if c.Name == middleware.AdminSessionCookieName && c.Value != "" {
				found = true
			}
		}
		if !found {
			t.Error("session cookie not set")
		}
	})

	t.Run("invalid", func(t *testing.T) {
		f := newFixture(t)
		rec := post(f, "root", "wrong")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Invalid username or password.") {
			t.Errorf("status %d, body missing error", rec.Code)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		f := newFixture(t)
		f.auth.limited = true
		rec := post(f, "root", "correct horse")
		if !strings.Contains(rec.Body.String(), "Too many login attempts") {
			t.Error("rate limit message missing")
		}
	})
}

func TestSettingsAPI(t *testing.T) {
	mgr := &fakeManager{current: &models.Settings{Enabled: true, AuthKey: "secret123", RedirectURL: "https://away.test/"}}
	h := NewSettingsAPIHandler(fixedSite{}, mgr)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stealth/sites", h.ListSites)
	mux.HandleFunc("GET /api/stealth/sites/{id}/settings", h.GetSettings)
	mux.HandleFunc("PUT /api/stealth/sites/{id}/settings", h.UpdateSettings)

	t.Run("get hides key", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stealth/sites/"+site.ID.String()+"/settings", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if strings.Contains(rec.Body.String(), "secret123") {
			t.Error("auth key leaked")
		}
		var view models.SettingsView
		if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !view.Enabled || !view.AuthKeySet || view.RedirectURL != "https://away.test/" {
			t.Errorf("view = %+v", view)
		}
	})

	t.Run("put saves", func(t *testing.T) {
		body := `{"enabled":false,"auth_key":"new","redirect_url":""}`
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/stealth/sites/"+site.ID.String()+"/settings", strings.NewReader(body)))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if len(mgr.saved) != 1 || mgr.saved[0].AuthKey != "new" || mgr.saved[0].Enabled {
			t.Errorf("saved = %+v", mgr.saved)
		}
		if strings.Contains(rec.Body.String(), `"new"`) {
			t.Error("auth key echoed")
		}
	})

	t.Run("errors", func(t *testing.T) {
		tests := []struct {
			method, target, body string
			want                 int
		}{
			{http.MethodGet, "/api/stealth/sites/not-a-uuid/settings", "", http.StatusBadRequest},
			{http.MethodGet, "/api/stealth/sites/" + uuid.NewString() + "/settings", "", http.StatusNotFound},
			{http.MethodPut, "/api/stealth/sites/" + site.ID.String() + "/settings", "{", http.StatusBadRequest},
		}
		for _, tt := range tests {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body)))
			if rec.Code != tt.want {
				t.Errorf("%s %s: status = %d, want %d", tt.method, tt.target, rec.Code, tt.want)
			}
		}
	})
}

func TestUpstreamProxy(t *testing.T) {
	var gotPath, gotHost, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHost = r.Header.Get("X-Forwarded-Host")
		if r.URL.Path == "/wp-login.php" {
			http.Redirect(w, r, "http://"+r.Host+"/wp-admin/", http.StatusFound)
			return
		}
		w.Write([]byte("upstream"))
	}))
	defer upstream.Close()

	h, err := NewUpstreamProxyHandler(upstream.URL)
	if err != nil {
		t.Fatalf("NewUpstreamProxyHandler: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.com/blog/hello?p=1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "upstream" {
		t.Fatalf("status %d body %q", rec.Code, rec.Body.String())
	}
	if gotPath != "/blog/hello" || gotQuery != "p=1" || gotHost != "example.com" {
		t.Errorf("upstream saw path %q query %q host %q", gotPath, gotQuery, gotHost)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/wp-login.php", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("redirect followed, status = %d", rec.Code)
	}
}

func TestRewriteLocation(t *testing.T) {
	h, err := NewUpstreamProxyHandler("http://cms:8080/")
	if err != nil {
		t.Fatal(err)
	}
	sub, err := NewUpstreamProxyHandler("http://cms:8080/wp")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		proxy *UpstreamProxyHandler
		in    string
		want  string
	}{
		{h, "http://cms:8080/wp-admin/?x=1", "/wp-admin/?x=1"},
		{h, "http://CMS:8080", "/"},
		{h, "http://cms:80801/wp-admin/", "http://cms:80801/wp-admin/"},
		{h, "https://cms:8080/wp-admin/", "https://cms:8080/wp-admin/"},
		{h, "https://example.com/wp-admin/", "https://example.com/wp-admin/"},
		{h, "/already/relative", "/already/relative"},
		{sub, "http://cms:8080/wp/wp-admin/", "/wp-admin/"},
		{sub, "http://cms:8080/wpx/", "http://cms:8080/wpx/"},
	}
	for _, tt := range tests {
		if got := tt.proxy.rewriteLocation(tt.in); got != tt.want {
			t.Errorf("rewriteLocation(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	if ip := getClientIP(r); ip != "192.0.2.1" {
		t.Errorf("RemoteAddr ip = %q", ip)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if ip := getClientIP(r); ip != "203.0.113.5" {
		t.Errorf("forwarded ip = %q", ip)
	}
}

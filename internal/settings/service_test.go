package settings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/laurikarhu/stealth-gate/internal/models"
)

type memStore struct {
	mu      sync.Mutex
	data    map[uuid.UUID]models.Settings
	saves   int
	getErr  error
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{data: make(map[uuid.UUID]models.Settings)}
}

func (m *memStore) GetSettings(ctx context.Context, siteID uuid.UUID) (*models.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	s, ok := m.data[siteID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memStore) SaveSettings(ctx context.Context, siteID uuid.UUID, s *models.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.data[siteID] = *s
	return nil
}

func (m *memStore) DeleteSettings(ctx context.Context, siteID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, siteID)
	return nil
}

type memCache struct {
	data        map[uuid.UUID]models.Settings
	invalidated int
	getErr      error
}

func (c *memCache) GetCachedSettings(ctx context.Context, siteID uuid.UUID) (*models.Settings, error) {
	if c.getErr != nil {
		return nil, c.getErr
	}
	s, ok := c.data[siteID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (c *memCache) SetCachedSettings(ctx context.Context, siteID uuid.UUID, s *models.Settings, ttl time.Duration) error {
	c.data[siteID] = *s
	return nil
}

func (c *memCache) InvalidateSettings(ctx context.Context, siteID uuid.UUID) error {
	c.invalidated++
	delete(c.data, siteID)
	return nil
}

type memNotices struct {
	notices []models.Notice
}

func (n *memNotices) AddNotice(ctx context.Context, siteID uuid.UUID, notice models.Notice) error {
	n.notices = append(n.notices, notice)
	return nil
}

type recordingMailer struct {
	sent []string
	err  error
}

func (m *recordingMailer) Send(ctx context.Context, to, subject, body string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, to+"|"+subject+"|"+body)
	return nil
}

func testSite() *models.Site {
	return &models.Site{ID: uuid.New(), Host: "example.com", Path: "/", HomeURL: "https://example.com", AdminEmail: "admin@example.com"}
}

func TestLoadDefaultsWhenUnset(t *testing.T) {
	svc := NewService(newMemStore(), nil, nil, &recordingMailer{}, 0)
	site := testSite()

	s, err := svc.Load(context.Background(), site)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if s.Enabled {
		t.Error("missing settings must load as disabled")
	}
	if s.RedirectURL != site.HomeURL {
		t.Errorf("RedirectURL = %q, want home URL", s.RedirectURL)
	}
}

func TestLoadPropagatesStoreError(t *testing.T) {
	store := newMemStore()
	store.getErr = errors.New("db down")
	svc := NewService(store, nil, nil, nil, 0)

	if _, err := svc.Load(context.Background(), testSite()); err == nil {
		t.Error("expected store error")
	}
}

func TestLoadUsesCache(t *testing.T) {
	store := newMemStore()
	cache := &memCache{data: make(map[uuid.UUID]models.Settings)}
	svc := NewService(store, cache, nil, nil, time.Minute)
	site := testSite()
	store.data[site.ID] = models.Settings{Enabled: true, AuthKey: "k"}

	if _, err := svc.Load(context.Background(), site); err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.data[site.ID]; !ok {
		t.Fatal("expected settings to be cached after load")
	}

	// A cache hit must not touch the store
	store.getErr = errors.New("should not be called")
	s, err := svc.Load(context.Background(), site)
	if err != nil {
		t.Fatalf("Load() with warm cache error: %v", err)
	}
	if !s.Enabled || s.AuthKey != "k" {
		t.Errorf("cached settings = %+v", s)
	}
}

func TestLoadBypassesBrokenCache(t *testing.T) {
	store := newMemStore()
	cache := &memCache{data: make(map[uuid.UUID]models.Settings), getErr: errors.New("redis down")}
	svc := NewService(store, cache, nil, nil, time.Minute)
	site := testSite()
	store.data[site.ID] = models.Settings{Enabled: true}

	s, err := svc.Load(context.Background(), site)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !s.Enabled {
		t.Error("expected settings from store")
	}
}

func TestSaveSanitizesAndInvalidates(t *testing.T) {
	store := newMemStore()
	cache := &memCache{data: make(map[uuid.UUID]models.Settings)}
	notices := &memNotices{}
	svc := NewService(store, cache, notices, &recordingMailer{}, time.Minute)
	site := testSite()
	cache.data[site.ID] = models.Settings{}

	res, err := svc.Save(context.Background(), site, models.Settings{
		Enabled:     true,
		AuthKey:     "  <i>secret123</i> ",
		RedirectURL: "javascript:alert(1)",
	})
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	stored := store.data[site.ID]
	if stored.AuthKey != "secret123" {
		t.Errorf("AuthKey = %q, want sanitized key", stored.AuthKey)
	}
	if stored.RedirectURL != "" {
		t.Errorf("RedirectURL = %q, want unsafe URL dropped", stored.RedirectURL)
	}
	if _, ok := cache.data[site.ID]; ok {
		t.Error("expected cache invalidated after save")
	}
	if res.Message != MessageSaved {
		t.Errorf("Message = %q", res.Message)
	}
	if len(notices.notices) != 1 || notices.notices[0].Type != models.NoticeSuccess {
		t.Errorf("notices = %+v", notices.notices)
	}
}

func TestSaveEmailsOnceAndClearsFlag(t *testing.T) {
	store := newMemStore()
	m := &recordingMailer{}
	svc := NewService(store, nil, nil, m, 0)
	site := testSite()
	input := models.Settings{Enabled: true, AuthKey: "secret123", EmailOnSave: true}

	res, err := svc.Save(context.Background(), site, input)
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if !res.EmailSent || res.Message != MessageSavedMail {
		t.Errorf("result = %+v", res)
	}
	if len(m.sent) != 1 || m.sent[0] != "admin@example.com|Stealth Login Auth Key|Your authorization key is: secret123" {
		t.Errorf("sent = %v", m.sent)
	}
	if store.data[site.ID].EmailOnSave {
		t.Error("email flag must be stored cleared")
	}

	// Saving the stored state again sends nothing more and leaves it unchanged
	before := store.data[site.ID]
	if _, err := svc.Save(context.Background(), site, before); err != nil {
		t.Fatal(err)
	}
	if len(m.sent) != 1 {
		t.Errorf("expected no further email, sent = %d", len(m.sent))
	}
	if store.data[site.ID] != before {
		t.Errorf("stored state changed: %+v vs %+v", store.data[site.ID], before)
	}
}

func TestSaveIdempotent(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, nil, nil, &recordingMailer{}, 0)
	site := testSite()
	input := models.Settings{Enabled: true, AuthKey: "k", RedirectURL: "https://away.test/"}

	if _, err := svc.Save(context.Background(), site, input); err != nil {
		t.Fatal(err)
	}
	first := store.data[site.ID]
	if _, err := svc.Save(context.Background(), site, input); err != nil {
		t.Fatal(err)
	}
	if store.data[site.ID] != first {
		t.Errorf("second save changed state: %+v vs %+v", store.data[site.ID], first)
	}
}

func TestSaveMailFailureIsNonFatal(t *testing.T) {
	store := newMemStore()
	notices := &memNotices{}
	svc := NewService(store, nil, notices, &recordingMailer{err: errors.New("smtp down")}, 0)
	site := testSite()

	res, err := svc.Save(context.Background(), site, models.Settings{Enabled: true, AuthKey: "k", EmailOnSave: true})
	if err != nil {
		t.Fatalf("Save() should succeed despite mail failure: %v", err)
	}
	if res.EmailErr == nil || res.EmailSent {
		t.Errorf("result = %+v", res)
	}
	if store.data[site.ID].EmailOnSave {
		t.Error("email flag must be cleared even when mail fails")
	}
	if len(notices.notices) != 1 || notices.notices[0].Type != models.NoticeError {
		t.Errorf("notices = %+v", notices.notices)
	}
}

func TestSaveStoreFailure(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("db down")
	m := &recordingMailer{}
	svc := NewService(store, nil, nil, m, 0)

	if _, err := svc.Save(context.Background(), testSite(), models.Settings{EmailOnSave: true}); err == nil {
		t.Error("expected error")
	}
	if len(m.sent) != 0 {
		t.Error("no email may be sent when the write fails")
	}
}

func TestDelete(t *testing.T) {
	store := newMemStore()
	cache := &memCache{data: make(map[uuid.UUID]models.Settings)}
	svc := NewService(store, cache, nil, nil, time.Minute)
	site := testSite()
	store.data[site.ID] = models.Settings{Enabled: true}

	if err := svc.Delete(context.Background(), site.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.data[site.ID]; ok {
		t.Error("settings not deleted")
	}
	if cache.invalidated != 1 {
		t.Errorf("invalidated = %d, want 1", cache.invalidated)
	}
}

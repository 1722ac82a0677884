package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/laurikarhu/stealth-gate/internal/models"
)

// PostgresStore handles all PostgreSQL database operations
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Configure connection pool
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// GetPool returns the underlying connection pool for direct access
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}

const schema = `
CREATE TABLE IF NOT EXISTS sites (
	id            UUID PRIMARY KEY,
	host          TEXT NOT NULL,
	path          TEXT NOT NULL DEFAULT '/',
	home_url      TEXT NOT NULL,
	admin_email   TEXT NOT NULL DEFAULT '',
	cookie_domain TEXT NOT NULL DEFAULT '',
	cookie_path   TEXT NOT NULL DEFAULT '',
	active        BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (host, path)
);

-- sites created before the column existed were being gated
ALTER TABLE sites ADD COLUMN IF NOT EXISTS active BOOLEAN NOT NULL DEFAULT TRUE;

CREATE TABLE IF NOT EXISTS site_options (
	site_id     UUID NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
	option_name TEXT NOT NULL,
	value       JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (site_id, option_name)
);

CREATE TABLE IF NOT EXISTS network_options (
	option_name TEXT PRIMARY KEY,
	value       JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS admin_users (
	id            UUID PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL DEFAULT 'administrator',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_login    TIMESTAMPTZ
);
`

// EnsureSchema creates the tables if they do not exist yet
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// --- Site Operations ---

const siteColumns = `id, host, path, home_url, admin_email, cookie_domain, cookie_path, active, created_at`

// scanSite scans a row into a Site struct
func scanSite(row pgx.Row) (*models.Site, error) {
	site := &models.Site{}
	err := row.Scan(
		&site.ID,
		&site.Host,
		&site.Path,
		&site.HomeURL,
		&site.AdminEmail,
		&site.CookieDomain,
		&site.CookiePath,
		&site.Active,
		&site.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return site, nil
}

// CreateSite inserts a new site
func (s *PostgresStore) CreateSite(ctx context.Context, site *models.Site) error {
	if site.ID == uuid.Nil {
		site.ID = uuid.New()
	}
	if site.Path == "" {
		site.Path = "/"
	}
	if site.CreatedAt.IsZero() {
		site.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO sites (id, host, path, home_url, admin_email, cookie_domain, cookie_path, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.pool.Exec(ctx, query,
		site.ID,
		site.Host,
		site.Path,
		site.HomeURL,
		site.AdminEmail,
		site.CookieDomain,
		site.CookiePath,
		site.Active,
		site.CreatedAt,
	)
	return err
}

// GetSiteByID retrieves a site by its ID
func (s *PostgresStore) GetSiteByID(ctx context.Context, id uuid.UUID) (*models.Site, error) {
	query := fmt.Sprintf("SELECT %s FROM sites WHERE id = $1", siteColumns)
	return scanSite(s.pool.QueryRow(ctx, query, id))
}

// GetSiteByHostPath returns the site for a host whose path is the longest
// prefix of the request path
func (s *PostgresStore) GetSiteByHostPath(ctx context.Context, host, path string) (*models.Site, error) {
	query := fmt.Sprintf(`SELECT %s FROM sites
		WHERE host = $1 AND ($2 = path OR $2 LIKE rtrim(path, '/') || '/%%')
		ORDER BY length(path) DESC
		LIMIT 1`, siteColumns)
	return scanSite(s.pool.QueryRow(ctx, query, host, path))
}

// ListSites retrieves all sites
func (s *PostgresStore) ListSites(ctx context.Context) ([]*models.Site, error) {
	query := fmt.Sprintf("SELECT %s FROM sites ORDER BY created_at ASC", siteColumns)
	return s.querySites(ctx, query)
}

// ListSitesByHost retrieves every site registered under host, deepest path first
func (s *PostgresStore) ListSitesByHost(ctx context.Context, host string) ([]*models.Site, error) {
	query := fmt.Sprintf("SELECT %s FROM sites WHERE host = $1 ORDER BY length(path) DESC", siteColumns)
	return s.querySites(ctx, query, host)
}

// SetSiteActive records whether the gate runs for a site
func (s *PostgresStore) SetSiteActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sites SET active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("site %s does not exist", id)
	}
	return nil
}

func (s *PostgresStore) querySites(ctx context.Context, query string, args ...any) ([]*models.Site, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []*models.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

// --- Settings Operations ---

// GetSettings loads the settings blob of a site. Returns nil, nil when unset.
func (s *PostgresStore) GetSettings(ctx context.Context, siteID uuid.UUID) (*models.Settings, error) {
	query := `SELECT value FROM site_options WHERE site_id = $1 AND option_name = $2`

	var raw []byte
	err := s.pool.QueryRow(ctx, query, siteID, models.OptionName).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var settings models.Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &settings, nil
}

// SaveSettings upserts the settings blob of a site
func (s *PostgresStore) SaveSettings(ctx context.Context, siteID uuid.UUID, settings *models.Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	query := `
		INSERT INTO site_options (site_id, option_name, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (site_id, option_name)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`
	_, err = s.pool.Exec(ctx, query, siteID, models.OptionName, raw)
	return err
}

// AddSettingsIfMissing stores settings only when the site has none.
// Returns true when a row was inserted.
func (s *PostgresStore) AddSettingsIfMissing(ctx context.Context, siteID uuid.UUID, settings *models.Settings) (bool, error) {
	raw, err := json.Marshal(settings)
	if err != nil {
		return false, fmt.Errorf("failed to marshal settings: %w", err)
	}

	query := `
		INSERT INTO site_options (site_id, option_name, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (site_id, option_name) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query, siteID, models.OptionName, raw)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteSettings removes the settings blob of a site
func (s *PostgresStore) DeleteSettings(ctx context.Context, siteID uuid.UUID) error {
	query := `DELETE FROM site_options WHERE site_id = $1 AND option_name = $2`
	_, err := s.pool.Exec(ctx, query, siteID, models.OptionName)
	return err
}

// --- Network Options ---

const networkActiveOption = "stealth_login_page_network_active"

// IsNetworkActive reports whether the gate was activated network-wide
func (s *PostgresStore) IsNetworkActive(ctx context.Context) (bool, error) {
	query := `SELECT value FROM network_options WHERE option_name = $1`

	var raw []byte
	err := s.pool.QueryRow(ctx, query, networkActiveOption).Scan(&raw)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var active bool
	if err := json.Unmarshal(raw, &active); err != nil {
		return false, fmt.Errorf("failed to unmarshal network state: %w", err)
	}
	return active, nil
}

// SetNetworkActive records the network-wide activation state
func (s *PostgresStore) SetNetworkActive(ctx context.Context, active bool) error {
	raw, _ := json.Marshal(active)
	query := `
		INSERT INTO network_options (option_name, value)
		VALUES ($1, $2)
		ON CONFLICT (option_name) DO UPDATE SET value = EXCLUDED.value
	`
	_, err := s.pool.Exec(ctx, query, networkActiveOption, raw)
	return err
}

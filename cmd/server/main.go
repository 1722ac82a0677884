package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/laurikarhu/stealth-gate/internal/config"
	"github.com/laurikarhu/stealth-gate/internal/gate"
	"github.com/laurikarhu/stealth-gate/internal/handlers"
	"github.com/laurikarhu/stealth-gate/internal/lifecycle"
	"github.com/laurikarhu/stealth-gate/internal/mailer"
	"github.com/laurikarhu/stealth-gate/internal/metrics"
	"github.com/laurikarhu/stealth-gate/internal/middleware"
	"github.com/laurikarhu/stealth-gate/internal/models"
	"github.com/laurikarhu/stealth-gate/internal/security"
	"github.com/laurikarhu/stealth-gate/internal/settings"
	"github.com/laurikarhu/stealth-gate/internal/sites"
	"github.com/laurikarhu/stealth-gate/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// adminAuth combines password checks (PostgreSQL) with login throttling (Redis)
type adminAuth struct {
	*storage.PostgresStore
	redis *storage.RedisStore
}

func (a adminAuth) CheckAdminLoginRateLimit(ctx context.Context, username, ip string) (bool, error) {
	return a.redis.CheckAdminLoginRateLimit(ctx, username, ip)
}

func main() {
	// Set up logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults for development")
		cfg = config.LoadWithDefaults()
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Str("port", cfg.Port).
		Str("base_url", cfg.BaseURL).
		Str("upstream", cfg.UpstreamURL).
		Str("admin_prefix", cfg.AdminPathPrefix).
		Str("login_path", cfg.LoginPath).
		Msg("Starting stealth gate")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	pgStore, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pgStore.Close()
	log.Info().Msg("Connected to PostgreSQL")

	if err := pgStore.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare schema")
	}

	// Initialize Redis
	redisStore, err := storage.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisStore.Close()
	log.Info().Msg("Connected to Redis")

	createInitialAdminUser(ctx, cfg, pgStore)

	// Services
	mail := mailer.New(mailer.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
	settingsService := settings.NewService(pgStore, redisStore, redisStore, mail, cfg.SettingsCacheTTL)
	lifecycleMgr := lifecycle.NewManager(pgStore, settingsService)

	primary, err := ensurePrimarySite(ctx, cfg, pgStore, lifecycleMgr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare primary site")
	}

	resolver := sites.NewResolver(pgStore, primary, 30*time.Second)
	metricsCollector := metrics.NewCollector(redisStore.GetClient(), pgStore.GetPool())

	// Middleware
	adminAPIMiddleware := middleware.NewAdminMiddleware(cfg.AdminAPIKey)
	adminSessionMiddleware := middleware.NewAdminSessionMiddleware(pgStore, redisStore, cfg.SettingsUIPath()+"/login")
	gateMiddleware := middleware.NewGateMiddleware(
		gate.New(cfg.GatePaths()),
		resolver,
		settingsService,
		adminSessionMiddleware,
		metricsCollector,
	)

	// Handlers
	settingsPage, err := handlers.NewSettingsPageHandler(
		cfg.SettingsUIPath(),
		cfg.LoginPath,
		resolver,
		settingsService,
		redisStore,
		adminAuth{PostgresStore: pgStore, redis: redisStore},
		adminSessionMiddleware,
		security.NewCSRFSigner(cfg.CSRFSecret, security.DefaultTokenValidity),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize settings page handler")
	}
	settingsAPI := handlers.NewSettingsAPIHandler(pgStore, settingsService)
	metricsHandler := handlers.NewMetricsHandler(metricsCollector)

	upstream, err := handlers.NewUpstreamProxyHandler(cfg.UpstreamURL)
	if err != nil {
		log.Fatal().Err(err).Str("upstream", cfg.UpstreamURL).Msg("Invalid upstream URL")
	}

	// Create router
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Settings JSON API (protected by API key)
	mux.Handle("GET /api/stealth/sites", adminAPIMiddleware.RequireAdmin(http.HandlerFunc(settingsAPI.ListSites)))
	mux.Handle("GET /api/stealth/sites/{id}/settings", adminAPIMiddleware.RequireAdmin(http.HandlerFunc(settingsAPI.GetSettings)))
	mux.Handle("PUT /api/stealth/sites/{id}/settings", adminAPIMiddleware.RequireAdmin(http.HandlerFunc(settingsAPI.UpdateSettings)))

	// Settings page, inside the gated admin area of every site
	ui := cfg.SettingsUIPath()
	mux.HandleFunc("GET "+ui+"/login", settingsPage.ShowLogin)
	mux.HandleFunc("POST "+ui+"/login", settingsPage.ProcessLogin)
	mux.HandleFunc("GET "+ui+"/logout", settingsPage.Logout)
	mux.Handle("GET "+ui+"/{$}", adminSessionMiddleware.RequireAdminSession(http.HandlerFunc(settingsPage.ShowSettings)))
	mux.Handle("POST "+ui+"/save", adminSessionMiddleware.RequireAdminSession(http.HandlerFunc(settingsPage.SaveSettings)))
	mux.Handle("GET "+ui+"/api/metrics", adminSessionMiddleware.RequireAdminSession(http.HandlerFunc(metricsHandler.GetMetrics)))
	mux.HandleFunc("GET "+ui, settingsPage.RedirectToPage)

	// Everything else belongs to the CMS
	mux.Handle("/", upstream)

	// The gate sees every request before routing; subdirectory sites reach
	// the settings page under their own path
	routed := middleware.SiteRelative(ui, mux)
	handler := middleware.Recovery(middleware.Logging(gateMiddleware.Protect(routed)))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// ensurePrimarySite registers and activates the site served at BASE_URL on first start
func ensurePrimarySite(ctx context.Context, cfg *config.Config, pgStore *storage.PostgresStore, mgr *lifecycle.Manager) (*models.Site, error) {
	site, err := pgStore.GetSiteByHostPath(ctx, cfg.SiteHost, "/")
	if err != nil {
		return nil, err
	}

	if site == nil || site.Path != "/" {
		site = &models.Site{
			Host:       cfg.SiteHost,
			Path:       "/",
			HomeURL:    strings.TrimSuffix(cfg.BaseURL, "/") + "/",
			AdminEmail: cfg.SiteAdminEmail,
		}
		if err := pgStore.CreateSite(ctx, site); err != nil {
			return nil, err
		}
		log.Info().Str("site_id", site.ID.String()).Str("host", site.Host).Msg("Primary site registered")

		if _, err := mgr.ActivateSite(ctx, site); err != nil {
			return nil, err
		}
	}

	// An existing site keeps its stored state so a deactivation survives restarts
	return site, nil
}

// createInitialAdminUser creates the initial admin user if configured and no admins exist
func createInitialAdminUser(ctx context.Context, cfg *config.Config, pgStore *storage.PostgresStore) {
	if cfg.AdminInitialUser == "" || cfg.AdminInitialPassword == "" {
		return
	}

	count, err := pgStore.CountAdminUsers(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to check admin user count")
		return
	}

	if count > 0 {
		log.Debug().Int("count", count).Msg("Admin users already exist, skipping initial user creation")
		return
	}

	user, err := pgStore.CreateAdminUser(ctx, cfg.AdminInitialUser, cfg.AdminInitialPassword, models.RoleAdministrator)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create initial admin user")
		return
	}

	log.Info().
		Str("username", user.Username).
		Msg("Initial admin user created - please change the password after first login!")
}

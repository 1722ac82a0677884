package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/akamensky/argparse"
	"github.com/laurikarhu/stealth-gate/internal/config"
	"github.com/laurikarhu/stealth-gate/internal/lifecycle"
	"github.com/laurikarhu/stealth-gate/internal/mailer"
	"github.com/laurikarhu/stealth-gate/internal/models"
	"github.com/laurikarhu/stealth-gate/internal/settings"
	"github.com/laurikarhu/stealth-gate/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type siteArgs struct {
	host *string
	path *string
}

func addSiteArgs(cmd *argparse.Command) siteArgs {
	return siteArgs{
		host: cmd.String("", "host", &argparse.Options{Help: "Site host (defaults to the host of BASE_URL)", Default: ""}),
		path: cmd.String("", "path", &argparse.Options{Help: "Site path for subdirectory installs", Default: "/"}),
	}
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	parser := argparse.NewParser("stealthctl", "Manage the stealth login gate")

	activateCmd := parser.NewCommand("activate", "Seed default settings for a site or the whole network")
	activateNetwork := activateCmd.Flag("", "network", &argparse.Options{Help: "Apply to every site", Default: false})
	activateSite := addSiteArgs(activateCmd)

	deactivateCmd := parser.NewCommand("deactivate", "Deactivate for a site or the whole network (settings are kept)")
	deactivateNetwork := deactivateCmd.Flag("", "network", &argparse.Options{Help: "Apply to every site", Default: false})
	deactivateSite := addSiteArgs(deactivateCmd)

	uninstallCmd := parser.NewCommand("uninstall", "Delete stored settings")
	uninstallNetwork := uninstallCmd.Flag("", "network", &argparse.Options{Help: "Delete the settings of every site", Default: false})
	uninstallSite := addSiteArgs(uninstallCmd)

	importCmd := parser.NewCommand("import-sites", "Register the sites listed in a YAML manifest")
	importFile := importCmd.String("f", "file", &argparse.Options{Help: "Manifest file", Required: true})

	listCmd := parser.NewCommand("list-sites", "List registered sites")

	adminCmd := parser.NewCommand("create-admin", "Create an admin user")
	adminUser := adminCmd.String("u", "username", &argparse.Options{Help: "Username", Required: true})
	adminPassword := adminCmd.String("p", "password", &argparse.Options{Help: "Password", Required: true})
	adminRole := adminCmd.Selector("r", "role", []string{string(models.RoleAdministrator), string(models.RoleEditor)}, &argparse.Options{Help: "Role", Default: string(models.RoleAdministrator)})

	passwordCmd := parser.NewCommand("reset-password", "Set a new password for an admin user")
	passwordUser := passwordCmd.String("u", "username", &argparse.Options{Help: "Username", Required: true})
	passwordNew := passwordCmd.String("p", "password", &argparse.Options{Help: "New password", Required: true})

	setCmd := parser.NewCommand("set-settings", "Update the gate settings of a site")
	setSite := addSiteArgs(setCmd)
	setEnable := setCmd.Flag("", "enable", &argparse.Options{Help: "Turn the gate on", Default: false})
	setDisable := setCmd.Flag("", "disable", &argparse.Options{Help: "Turn the gate off", Default: false})
	setKey := setCmd.String("k", "key", &argparse.Options{Help: "Authorization key"})
	setRedirect := setCmd.String("", "redirect", &argparse.Options{Help: "Redirect URL for rejected visitors"})
	setEmail := setCmd.Flag("", "email", &argparse.Options{Help: "Email the key to the site admin", Default: false})

	if err := parser.Parse(os.Args); err != nil {
		fmt.Fprint(os.Stderr, parser.Usage(err))
		os.Exit(1)
	}

	cfg := config.LoadWithDefaults()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pgStore, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pgStore.Close()

	if err := pgStore.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare schema")
	}

	// Redis is optional here; without it cached settings expire on their own
	var cache settings.Cache
	var notices settings.Notices
	redisStore, err := storage.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, cache will not be invalidated")
	} else {
		defer redisStore.Close()
		cache, notices = redisStore, redisStore
	}

	mail := mailer.New(mailer.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
	svc := settings.NewService(pgStore, cache, notices, mail, cfg.SettingsCacheTTL)
	mgr := lifecycle.NewManager(pgStore, svc)

	findSite := func(args siteArgs) *models.Site {
		host := *args.host
		if host == "" {
			host = cfg.SiteHost
		}
		site, err := mgr.FindSite(ctx, host, *args.path)
		if err != nil {
			log.Fatal().Err(err).Str("host", host).Str("path", *args.path).Msg("Failed to find site")
		}
		return site
	}

	switch {
	case activateCmd.Happened():
		var site *models.Site
		if !*activateNetwork {
			site = findSite(activateSite)
		}
		check(mgr.Activate(ctx, *activateNetwork, site), "Activation failed")

	case deactivateCmd.Happened():
		var site *models.Site
		if !*deactivateNetwork {
			site = findSite(deactivateSite)
		}
		check(mgr.Deactivate(ctx, *deactivateNetwork, site), "Deactivation failed")

	case uninstallCmd.Happened():
		var site *models.Site
		if !*uninstallNetwork {
			site = findSite(uninstallSite)
		}
		check(mgr.Uninstall(ctx, *uninstallNetwork, site), "Uninstall failed")

	case importCmd.Happened():
		f, err := os.Open(*importFile)
		check(err, "Failed to open manifest")
		defer f.Close()

		manifest, err := lifecycle.ParseManifest(f)
		check(err, "Invalid manifest")

		result, err := mgr.ImportSites(ctx, manifest)
		check(err, "Import failed")
		log.Info().Int("created", result.Created).Int("existing", result.Existing).Msg("Sites imported")

	case listCmd.Happened():
		all, err := pgStore.ListSites(ctx)
		check(err, "Failed to list sites")

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tHOST\tPATH\tACTIVE\tENABLED")
		for _, s := range all {
			current, err := svc.Load(ctx, s)
			enabled := "?"
			if err == nil {
				enabled = fmt.Sprint(current.Enabled)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", s.ID, s.Host, s.Path, s.Active, enabled)
		}
		w.Flush()

	case adminCmd.Happened():
		user, err := pgStore.CreateAdminUser(ctx, *adminUser, *adminPassword, models.AdminRole(*adminRole))
		check(err, "Failed to create admin user")
		log.Info().Str("username", user.Username).Str("role", string(user.Role)).Msg("Admin user created")

	case passwordCmd.Happened():
		user, err := pgStore.GetAdminUserByUsername(ctx, *passwordUser)
		check(err, "Failed to look up admin user")
		if user == nil {
			log.Fatal().Str("username", *passwordUser).Msg("No such admin user")
		}
		check(pgStore.UpdateAdminPassword(ctx, user.ID, *passwordNew), "Failed to update password")
		log.Info().Str("username", user.Username).Msg("Password updated")

	case setCmd.Happened():
		if *setEnable && *setDisable {
			log.Fatal().Msg("--enable and --disable are mutually exclusive")
		}
		site := findSite(setSite)

		current, err := svc.Load(ctx, site)
		check(err, "Failed to load settings")

		input := *current
		if *setEnable {
			input.Enabled = true
		}
		if *setDisable {
			input.Enabled = false
		}
		if *setKey != "" {
			input.AuthKey = *setKey
		}
		if *setRedirect != "" {
			input.RedirectURL = *setRedirect
		}
		input.EmailOnSave = *setEmail

		result, err := svc.Save(ctx, site, input)
		check(err, "Failed to save settings")
		log.Info().
			Str("site_id", site.ID.String()).
			Bool("enabled", result.Settings.Enabled).
			Bool("email_sent", result.EmailSent).
			Msg(result.Message)
	}
}

func check(err error, msg string) {
	if err != nil {
		log.Fatal().Err(err).Msg(msg)
	}
}

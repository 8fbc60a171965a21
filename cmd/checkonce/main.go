// Command checkonce runs a single scrape cycle and prints the summary.
// Useful for cron-style setups and for verifying credentials and course
// configuration without starting the long-running monitor.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/joho/godotenv"

	"github.com/jrzesz33/teewatch/internal/grid"
	"github.com/jrzesz33/teewatch/internal/logging"
	"github.com/jrzesz33/teewatch/internal/match"
	"github.com/jrzesz33/teewatch/internal/models"
	"github.com/jrzesz33/teewatch/internal/monitor"
	"github.com/jrzesz33/teewatch/internal/notify"
	"github.com/jrzesz33/teewatch/internal/secrets"
	"github.com/jrzesz33/teewatch/internal/session"
	"github.com/jrzesz33/teewatch/internal/store"
	"github.com/jrzesz33/teewatch/pkg/catalog"
	appconfig "github.com/jrzesz33/teewatch/pkg/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	logger := logging.New()
	cfg, err := appconfig.Load()
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}

	days := flag.Int("days", cfg.DaysAhead, "planning horizon in days")
	local := flag.Bool("local", false, "skip AWS lookups; credentials from env only")
	notifyFlag := flag.Bool("notify", false, "dispatch notifications for new slots")
	flag.Parse()
	cfg.DaysAhead = *days

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.Load()
	if err != nil {
		logger.Error("failed to load course catalog", slog.String("error", err.Error()))
		return 1
	}

	if !*local && !cfg.HasCredentials() {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err == nil {
			mgr := secrets.NewManager(awsCfg, logger)
			if creds, err := mgr.GetBookingCredentials(ctx, cfg.GolfSecretName); err == nil {
				cfg.GolfboxUser = creds.Username
				cfg.GolfboxPass = creds.Password
			}
		}
	}
	if !cfg.HasCredentials() {
		logger.Error("no portal credentials; set GOLFBOX_USER and GOLFBOX_PASS")
		return 2
	}

	var st store.Store
	if cfg.DatabaseURL != "" {
		st, err = store.NewPostgres(ctx, cfg.DatabaseURL, logger)
	} else {
		st, err = store.NewFileStore(cfg.PrefsFile, logger)
	}
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		return 1
	}
	defer st.Close()

	sess, err := session.New(session.Options{
		LoginURL: cfg.LoginURL,
		Creds:    session.Credentials{Username: cfg.GolfboxUser, Password: cfg.GolfboxPass},
		JarPath:  cfg.CookieJarPath,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to create session", slog.String("error", err.Error()))
		return 1
	}
	if err := sess.EnsureLoggedIn(ctx); err != nil {
		logger.Error("portal login failed", slog.String("error", err.Error()))
		return 2
	}

	var sender notify.Sender = notify.NewConsoleSender(logger)
	if *notifyFlag && cfg.SMTP.Enabled {
		sender = notify.NewSMTPSender(cfg.SMTP, logger)
	}
	notifier := notify.New(notify.Options{
		Sender:     sender,
		Store:      st,
		Catalog:    cat,
		Recipients: cfg.SMTP.To,
		Logger:     logger,
	})

	mon := monitor.New(monitor.Options{
		Catalog:   cat,
		Fetcher:   sess,
		Parser:    grid.NewParser(cfg.TeeCapacity),
		Store:     st,
		Matcher:   match.New(time.Local),
		Notifier:  notifier,
		DaysAhead: cfg.DaysAhead,
		Logger:    logger,
	})

	result := mon.RunCycle(ctx, models.CheckKindManual)

	out, _ := json.MarshalIndent(result, "", "  ")
	os.Stdout.Write(out)
	os.Stdout.WriteString("\n")

	if !result.Success {
		return 1
	}
	return 0
}

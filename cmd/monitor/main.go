// Command monitor runs the tee-time availability watcher: the scrape
// loop and the digest worker in one process, sharing a store.
//
// Exit codes: 0 on signal-driven shutdown, 1 on unrecoverable
// configuration or store errors, 2 when portal authentication cannot be
// established.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/joho/godotenv"

	"github.com/jrzesz33/teewatch/internal/digest"
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

const (
	exitOK    = 0
	exitFatal = 1
	exitAuth  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// Local .env files are a convenience for development; absence is fine.
	_ = godotenv.Load()

	logger := logging.New()
	cfg, err := appconfig.Load()
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return exitFatal
	}

	timeWindow := flag.String("time-window", cfg.TimeWindow.String(), "global filter window, HH:MM-HH:MM")
	interval := flag.Int("interval", int(cfg.CheckInterval.Seconds()), "cycle period in seconds")
	players := flag.Int("players", cfg.MinSeats, "minimum seats per tee-time")
	days := flag.Int("days", cfg.DaysAhead, "planning horizon in days")
	local := flag.Bool("local", false, "skip AWS lookups; credentials from env only")
	flag.Parse()

	window, err := models.ParseTimeWindow(*timeWindow)
	if err != nil {
		logger.Error("invalid --time-window", slog.String("error", err.Error()))
		return exitFatal
	}
	cfg.TimeWindow = window
	cfg.CheckInterval = time.Duration(*interval) * time.Second
	cfg.MinSeats = *players
	cfg.DaysAhead = *days

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return exitFatal
	}

	logger.Info("monitor starting",
		slog.String("stage", cfg.Stage.String()),
		slog.Duration("interval", cfg.CheckInterval),
		slog.Int("days_ahead", cfg.DaysAhead),
		slog.Bool("local", *local),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.Load()
	if err != nil {
		logger.Error("failed to load course catalog", slog.String("error", err.Error()))
		return exitFatal
	}

	// AWS is optional: --local skips it entirely.
	var (
		bedrockClient *bedrockruntime.Client
		snsClient     *sns.Client
	)
	if !*local {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			logger.Warn("AWS config unavailable, continuing with env credentials only",
				slog.String("error", err.Error()),
			)
		} else {
			bedrockClient = bedrockruntime.NewFromConfig(awsCfg)
			if cfg.AlertsTopicArn != "" {
				snsClient = sns.NewFromConfig(awsCfg)
			}
			if !cfg.HasCredentials() {
				mgr := secrets.NewManager(awsCfg, logger)
				creds, err := mgr.GetBookingCredentials(ctx, cfg.GolfSecretName)
				if err != nil {
					logger.Error("failed to fetch portal credentials",
						slog.String("error", err.Error()),
					)
					return exitAuth
				}
				cfg.GolfboxUser = creds.Username
				cfg.GolfboxPass = creds.Password
			}
		}
	}
	if !cfg.HasCredentials() {
		logger.Error("no portal credentials; set GOLFBOX_USER and GOLFBOX_PASS")
		return exitAuth
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		return exitFatal
	}
	defer st.Close()

	strategies := []session.LoginStrategy{session.NewHeuristicStrategy()}
	if bedrockClient != nil {
		strategies = append(strategies, session.NewLLMStrategy(bedrockClient, cfg.BedrockModelID))
	}
	sess, err := session.New(session.Options{
		LoginURL:   cfg.LoginURL,
		Creds:      session.Credentials{Username: cfg.GolfboxUser, Password: cfg.GolfboxPass},
		JarPath:    cfg.CookieJarPath,
		Strategies: strategies,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to create session", slog.String("error", err.Error()))
		return exitFatal
	}
	if err := sess.EnsureLoggedIn(ctx); err != nil {
		logger.Error("portal login failed", slog.String("error", err.Error()))
		return exitAuth
	}

	if err := seedDefaultUser(ctx, st, cat, cfg, logger); err != nil {
		logger.Error("failed to seed default preferences", slog.String("error", err.Error()))
		return exitFatal
	}

	notifier := buildNotifier(st, cat, cfg, snsClient, logger)
	matcher := match.New(time.Local)

	mon := monitor.New(monitor.Options{
		Catalog:   cat,
		Fetcher:   sess,
		Parser:    grid.NewParser(cfg.TeeCapacity),
		Store:     st,
		Matcher:   matcher,
		Notifier:  notifier,
		Interval:  cfg.CheckInterval,
		Jitter:    time.Duration(cfg.JitterSeconds) * time.Second,
		DaysAhead: cfg.DaysAhead,
		Logger:    logger,
	})

	worker := digest.New(digest.Options{
		Store:      st,
		Matcher:    matcher,
		Notifier:   notifier,
		RetainDays: cfg.RetainDays,
		Logger:     logger,
	})

	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	mon.Run(ctx)
	<-done

	logger.Info("monitor stopped")
	return exitOK
}

// openStore prefers Postgres; without a DATABASE_URL the file-backed
// degraded mode keeps preferences alive.
func openStore(ctx context.Context, cfg *appconfig.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		return store.NewPostgres(ctx, cfg.DatabaseURL, logger)
	}
	logger.Warn("DATABASE_URL not set, using file-backed store",
		slog.String("path", cfg.PrefsFile),
	)
	return store.NewFileStore(cfg.PrefsFile, logger)
}

// seedDefaultUser creates one profile from the global env/flag settings
// when the store is empty, so a fresh single-user install notifies out
// of the box.
func seedDefaultUser(ctx context.Context, st store.Store, cat *catalog.Catalog, cfg *appconfig.Config, logger *slog.Logger) error {
	users, err := st.GetAllPreferences(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 || len(cfg.SMTP.To) == 0 {
		return nil
	}

	windows := []models.TimeWindow{cfg.TimeWindow}
	prefs := &models.UserPreferences{
		Name:            "Standard",
		Email:           cfg.SMTP.To[0],
		SelectedCourses: cat.Keys(),
		MinSeats:        cfg.MinSeats,
		DaysAhead:       cfg.DaysAhead,
		TimePreferences: models.TimePreferences{Weekdays: windows, Weekends: windows},
	}
	prefs.Normalize()
	if err := prefs.Validate(cat.KeySet()); err != nil {
		return fmt.Errorf("default profile invalid: %w", err)
	}

	logger.Info("seeding default profile from environment",
		slog.String("email", prefs.Email),
		slog.Int("courses", len(prefs.SelectedCourses)),
	)
	return st.PutPreferences(ctx, prefs)
}

func buildNotifier(st store.Store, cat *catalog.Catalog, cfg *appconfig.Config, snsClient *sns.Client, logger *slog.Logger) *notify.Notifier {
	var sender notify.Sender
	if cfg.SMTP.Enabled {
		sender = notify.NewSMTPSender(cfg.SMTP, logger)
	} else {
		sender = notify.NewConsoleSender(logger)
	}

	var pushers []notify.Pusher
	if cfg.NtfyURL != "" {
		pushers = append(pushers, notify.NewNtfyPusher(notify.NtfyConfig{
			TopicURL: cfg.NtfyURL,
			Logger:   logger,
		}))
	}
	if snsClient != nil && cfg.AlertsTopicArn != "" {
		pushers = append(pushers, notify.NewSNSPusher(snsClient, cfg.AlertsTopicArn, logger))
	}

	return notify.New(notify.Options{
		Sender:     sender,
		Pushers:    pushers,
		Store:      st,
		Catalog:    cat,
		Recipients: cfg.SMTP.To,
		Logger:     logger,
	})
}

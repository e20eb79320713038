package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/hive-corporation/c2sync/internal/adapter/exporter"
	"github.com/hive-corporation/c2sync/internal/adapter/firewall"
	"github.com/hive-corporation/c2sync/internal/adapter/ledger"
	"github.com/hive-corporation/c2sync/internal/adapter/metrics"
	"github.com/hive-corporation/c2sync/internal/adapter/notifier"
	"github.com/hive-corporation/c2sync/internal/adapter/provider"
	"github.com/hive-corporation/c2sync/internal/adapter/repository"
	"github.com/hive-corporation/c2sync/internal/adapter/transport"
	"github.com/hive-corporation/c2sync/internal/adapter/workspace"
	"github.com/hive-corporation/c2sync/internal/config"
	"github.com/hive-corporation/c2sync/internal/core/domain"
	"github.com/hive-corporation/c2sync/internal/core/ports"
	"github.com/hive-corporation/c2sync/internal/core/service"
)

func main() {
	dateFlag := flag.String("date", "", "Run date (YYYY-MM-DD), defaults to today")
	envFile := flag.String("env", ".env", "Path to the dotenv file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}

	today := domain.Day(time.Now())
	if *dateFlag != "" {
		today, err = domain.ParseLedgerDate(*dateFlag)
		if err != nil {
			log.Fatalf("❌ Invalid -date %q: %v", *dateFlag, err)
		}
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	} else {
		log.Warnf("⚠️  Unknown LOG_LEVEL %q, using info", cfg.Logging.Level)
	}

	if cfg.Logging.Dir != "" {
		if err := os.MkdirAll(cfg.Logging.Dir, 0o755); err != nil {
			log.Fatalf("❌ Failed to create log dir: %v", err)
		}
		logFile, err := os.OpenFile(workspace.LogFileName(cfg.Logging.Dir, today), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Fatalf("❌ Failed to open log file: %v", err)
		}
		defer logFile.Close()
		log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queries, err := config.LoadQueries(cfg.QueryFile, today)
	if err != nil {
		log.Fatalf("❌ Failed to load queries: %v", err)
	}
	log.WithFields(logrus.Fields{"families": len(queries.Families), "queries": queries.Len()}).Info("✅ Queries loaded")

	metrics.InitMetrics()
	log.Println("✅ Prometheus metrics initialized")

	fs := afero.NewOsFs()

	// Ledgers
	var (
		observed ports.Ledger
		carry    ports.Ledger
		runs     ports.RunRepository
		keep     func(time.Time) string
	)
	switch cfg.Ledger.Backend {
	case "postgres":
		log.Println("🔌 Database connection...")
		dbPool, err := pgxpool.New(ctx, cfg.Ledger.DatabaseURL)
		if err != nil {
			log.Fatalf("❌ Error connecting to database: %v", err)
		}
		defer dbPool.Close()

		if err := repository.EnsureSchema(ctx, dbPool); err != nil {
			log.Fatalf("❌ Failed to prepare schema: %v", err)
		}
		observed = repository.NewPostgresLedger(dbPool, "observed")
		carry = repository.NewPostgresLedger(dbPool, "carry")
		runs = repository.NewPostgresRunRepository(dbPool)
		log.Println("✅ PostgreSQL ledger enabled")
	default:
		observedFile := ledger.NewFileLedger(fs, cfg.Workspace.InputDir(), ledger.ObservedPrefix)
		carryFile := ledger.NewFileLedger(fs, cfg.Workspace.InputDir(), ledger.CarryPrefix)
		observed, carry = observedFile, carryFile
		keep = carryFile.Path
		log.WithField("dir", cfg.Workspace.InputDir()).Info("✅ CSV ledger enabled")
	}

	// Feed
	feedConfig := provider.CriminalIPConfig{
		BaseURL:      cfg.Feed.BaseURL,
		Endpoint:     cfg.Feed.Endpoint,
		APIKey:       cfg.Feed.APIKey,
		PageSize:     cfg.Feed.PageSize,
		MaxOffset:    cfg.Feed.MaxOffset,
		RequestDelay: cfg.Feed.RequestDelay,
		RetryDelay:   cfg.Feed.RetryDelay,
		MaxAttempts:  cfg.Feed.MaxAttempts,
	}
	feed := provider.NewCriminalIPProvider(&http.Client{Timeout: cfg.Feed.Timeout}, feedConfig, log)

	// Firewall
	clientConfig := transport.DefaultResilientClientConfig("fortigate")
	clientConfig.EnableCircuitBreaker = cfg.Firewall.CircuitBreakerEnabled
	clientConfig.MaxFailures = uint32(cfg.Firewall.CircuitBreakerMaxFailures)
	clientConfig.MaxRetries = cfg.Firewall.MaxRetries
	clientConfig.InitialInterval = cfg.Firewall.RetryDelay
	clientConfig.MaxInterval = cfg.Firewall.RetryDelay
	clientConfig.InsecureSkipVerify = cfg.Firewall.InsecureTLS
	httpClient := transport.NewResilientClient(cfg.Firewall.Timeout, clientConfig, log)

	fortigate := firewall.NewFortiGateClient(firewall.BaseURL(cfg.Firewall.Host), cfg.Firewall.Token, httpClient, log)
	fwSync := service.NewFirewallSync(fortigate, service.FirewallSyncConfig{
		PolicyID:     cfg.Firewall.PolicyID,
		ChunkSize:    cfg.GroupChunkSize,
		AddressDelay: cfg.Firewall.RequestDelay,
	}, log)

	// Slack notifier (optional - only if token configured)
	var notify ports.Notifier
	if cfg.Slack.Enabled() {
		notify = notifier.NewSlackNotifier(cfg.Slack.BotToken, cfg.Slack.Channel, cfg.Slack.MentionTeam)
		log.Println("✅ Slack notifier enabled")
	} else {
		log.Println("⚠️  Slack notifier disabled (no SLACK_BOT_TOKEN / SLACK_CHANNEL)")
	}

	cleaner := workspace.NewCleaner(fs, workspace.CleanerConfig{
		InputDir:      cfg.Workspace.InputDir(),
		OutputDir:     cfg.Workspace.OutputDir(),
		LogDir:        cfg.Logging.Dir,
		RetentionDays: cfg.RetentionDays,
		Keep:          keep,
	}, log)

	run := service.NewDailyRun(service.DailyRunDeps{
		Collector: service.NewCollector(feed, observed, log),
		Sync:      fwSync,
		Observed:  observed,
		Carry:     carry,
		Audit:     exporter.NewAuditExporter(fs, cfg.Workspace.OutputDir()),
		Runs:      runs,
		Notifier:  notify,
		Cleaner:   cleaner,
		Window:    domain.RetentionWindow{Days: cfg.RetentionDays},
		Log:       log,
	})

	summary := run.Run(ctx, today, queries)

	pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metrics.Push(pushCtx, cfg.PushgatewayURL); err != nil {
		log.WithError(err).Error("❌ Failed to push metrics")
	}

	if len(summary.Failures) > 0 {
		log.Warnf("⚠️  Run %s finished with %d failures", summary.ID, len(summary.Failures))
		return
	}
	log.Infof("🏁 Run %s finished cleanly", summary.ID)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"dealwatch/checker"
	"dealwatch/config"
	"dealwatch/console"
	"dealwatch/detection"
	"dealwatch/httputil"
	"dealwatch/logging"
	"dealwatch/metrics"
	"dealwatch/models"
	"dealwatch/proxy"
	"dealwatch/scheduler"
	"dealwatch/scraper"
	"dealwatch/services"
	"dealwatch/storage"
	"dealwatch/workers"
)

var (
	checkOnce   = flag.Bool("once", false, "Check due products once and exit")
	openConsole = flag.Bool("console", false, "Open the operator console for a running daemon")
	command     = flag.String("cmd", "", "Queue a control command for the running daemon (run_now, pause, resume, scale, restart, cancel, set_schedule)")
	workerN     = flag.Int("workers", 0, "Pool size for -cmd scale")
	taskID      = flag.String("task", "", "Task id for -cmd cancel")
	job         = flag.String("job", scheduler.JobCheck, "Job name for -cmd set_schedule")
	schedule    = flag.String("schedule", "", "Cron expression for -cmd set_schedule")
	productsF   = flag.String("products", "", "Comma-separated product ids for -cmd run_now")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logFile, err := logging.Setup(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		log.Warnf("Could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	sqliteStore, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open SQLite: %v", err)
	}
	defer sqliteStore.Close()

	if *command != "" {
		if err := enqueueCommand(sqliteStore); err != nil {
			log.Fatalf("Command failed: %v", err)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *openConsole {
		// stdout belongs to the terminal UI
		if logFile != nil {
			log.SetOutput(logFile)
		} else {
			log.SetOutput(io.Discard)
		}
		if err := runConsole(ctx, cfg, sqliteStore); err != nil {
			log.Fatalf("Console failed: %v", err)
		}
		return
	}

	log.Info("Starting dealwatch...")

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer closeStore()

	m := metrics.New("dealwatch")

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = proxy.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
	}

	proxies, err := newProxyManager(cfg, rdb)
	if err != nil {
		log.Fatalf("Failed to set up proxies: %v", err)
	}

	sink, err := newArtifactSink(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to set up artifact storage: %v", err)
	}
	artifacts := services.NewArtifactService(sink)

	clients := httputil.NewClients(cfg.HTTP.Timeout, cfg.API.Timeout)
	var stages []scraper.Stage
	var breaker services.BreakerReporter
	if cfg.API.Enabled && cfg.API.AccessKey != "" && cfg.API.SecretKey != "" && cfg.API.PartnerTag != "" {
		api := scraper.NewAPIHandler(cfg.API, clients.API)
		breaker = api
		stages = append(stages, scraper.Stage{Fetcher: api, Escalate: scraper.EscalateOnFailure})
		log.WithField("marketplace", cfg.API.Marketplace).Info("API tier enabled")
	} else {
		log.Info("API tier disabled: credentials not configured")
	}
	stages = append(stages, scraper.Stage{
		Fetcher:  scraper.NewHTTPHandler(cfg.HTTP, clients, proxies),
		Escalate: scraper.EscalateBlockedOrExhausted,
	})
	if cfg.Browser.Enabled {
		browser := scraper.NewBrowserHandler(cfg.Browser, scraper.NewPlaywrightRenderer(cfg.Browser), proxies, artifacts)
		defer browser.Close()
		stages = append(stages, scraper.Stage{Fetcher: browser})
		log.Info("Browser tier enabled")
	}
	pipeline := scraper.NewPipeline(stages...).WithObserver(m)

	engine, err := detection.NewEngine(cfg.Detection)
	if err != nil {
		log.Fatalf("Invalid detection config: %v", err)
	}

	var locks checker.Locker = checker.NewProductLocks()
	if rdb != nil {
		locks = checker.NewRedisLocks(rdb, "", cfg.Workers.CycleTimeout+time.Minute)
	}

	chk := checker.New(pipeline, store, engine, services.NewDealService(store), locks, m, cfg.Workers.CycleTimeout)
	pool := workers.NewPool(chk, sqliteStore, m, cfg.Workers.Size)
	selector := scheduler.NewStaleSelector(store, cfg.Scheduler.DueAfter, cfg.Scheduler.DueLimit)

	if *checkOnce {
		if err := runOnce(ctx, pool, selector); err != nil {
			log.Fatalf("Check failed: %v", err)
		}
		log.Info("Check complete")
		return
	}

	pool.Start(ctx)

	health := services.NewHealthcheckService(m, proxies, pool, breaker)
	sched := scheduler.New(cfg, pool, selector, store, sqliteStore)
	sched.Register("health", "@every 1m", func(ctx context.Context) {
		r := health.Report(ctx)
		if r.Status != services.HealthOK {
			log.WithFields(log.Fields{"status": r.Status, "problems": r.Problems}).Warn("Health check")
		}
	})
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	status := metrics.NewStatusServer(cfg.MetricsAddr, m, health, pool)
	status.Start()

	log.Info("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")
	sched.Stop()

	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Cancelled tasks still running at shutdown")
	}
	cancel()
	if err := status.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Status server shutdown")
	}
	log.Info("Goodbye!")
}

// runOnce submits everything due and waits for the pool to finish it.
func runOnce(ctx context.Context, pool *workers.Pool, selector scheduler.DueSelector) error {
	due, err := selector.SelectDue(ctx, time.Now())
	if err != nil {
		return err
	}
	if len(due) == 0 {
		log.Info("No products due")
		return nil
	}
	if _, err := pool.Submit(due); err != nil {
		return err
	}
	pool.Start(ctx)
	if err := pool.WaitIdle(ctx); err != nil {
		return err
	}
	if err := pool.Shutdown(ctx); err != nil {
		return err
	}
	if failed := pool.Stats().Failed; failed > 0 {
		return fmt.Errorf("%d check tasks failed", failed)
	}
	return nil
}

// runConsole opens the operator console. Deals are listed only when a
// Postgres store is configured; an in-memory store belongs to the daemon.
func runConsole(ctx context.Context, cfg *config.Config, ops *storage.SQLiteStore) error {
	var deals console.DealSource
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		deals = pg
	}
	return console.Run(console.New(ops, deals, cfg.Workers.Size, cfg.Scheduler.CheckCron))
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, keeping products and deals in memory")
		return storage.NewMemoryStore(), func() {}, nil
	}
	pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	log.WithField("db", maskConnectionString(cfg.DatabaseURL)).Info("Connected to Postgres")
	return pg, pg.Close, nil
}

// newProxyManager shares proxy health through rdb when it is set.
func newProxyManager(cfg *config.Config, rdb *redis.Client) (*proxy.Manager, error) {
	endpoints, err := proxy.ParseEndpoints(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	var state proxy.StateStore
	if rdb != nil {
		state = proxy.NewRedisStateStore(rdb, "")
		log.Info("Proxy state shared through Redis")
	}
	opts := proxy.Options{
		FailureThreshold: cfg.ProxyPool.FailureThreshold,
		Cooldown:         cfg.ProxyPool.Cooldown,
	}
	log.WithField("endpoints", len(endpoints)).Info("Proxy pool ready")
	return proxy.NewManager(endpoints, state, opts), nil
}

func newArtifactSink(ctx context.Context, cfg *config.Config) (storage.ArtifactSink, error) {
	if cfg.S3.Enabled() {
		log.WithField("bucket", cfg.S3.Bucket).Info("Artifacts stored in S3")
		return storage.NewS3Uploader(ctx, cfg.S3)
	}
	return storage.NewLocalArtifactSink(cfg.Artifacts.Dir)
}

func enqueueCommand(store *storage.SQLiteStore) error {
	cmd := models.CommandType(*command)
	params := &models.CommandParams{
		Workers:  *workerN,
		TaskID:   *taskID,
		Job:      *job,
		Schedule: *schedule,
	}
	if *productsF != "" {
		for _, id := range strings.Split(*productsF, ",") {
			if id = strings.TrimSpace(id); id != "" {
				params.Products = append(params.Products, id)
			}
		}
	}

	switch cmd {
	case models.CmdRunNow, models.CmdPause, models.CmdResume, models.CmdRestart:
	case models.CmdScale:
		if *workerN < 1 {
			return fmt.Errorf("-workers is required for scale")
		}
	case models.CmdCancel:
		if *taskID == "" {
			return fmt.Errorf("-task is required for cancel")
		}
	case models.CmdSetSchedule:
		if *schedule == "" {
			return fmt.Errorf("-schedule is required for set_schedule")
		}
	default:
		return fmt.Errorf("unknown command %q", *command)
	}

	id, err := store.EnqueueCommand(cmd, params)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"command": cmd, "id": id}).Info("Command queued")
	return nil
}

// maskConnectionString hides the password in a connection string for logging.
func maskConnectionString(connStr string) string {
	start := strings.Index(connStr, "://")
	if start < 0 {
		return connStr
	}
	start += 3
	at := strings.LastIndex(connStr, "@")
	if at < start {
		return connStr
	}
	colon := strings.Index(connStr[start:at], ":")
	if colon < 0 {
		return connStr
	}
	return connStr[:start+colon+1] + "****" + connStr[at:]
}

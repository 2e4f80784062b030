package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/neurify-goto/fs-runner-sub001/internal/analytics"
	"github.com/neurify-goto/fs-runner-sub001/internal/api"
	"github.com/neurify-goto/fs-runner-sub001/internal/backend"
	"github.com/neurify-goto/fs-runner-sub001/internal/circuitbreaker"
	"github.com/neurify-goto/fs-runner-sub001/internal/config"
	"github.com/neurify-goto/fs-runner-sub001/internal/dispatch"
	"github.com/neurify-goto/fs-runner-sub001/internal/leaderelection"
	"github.com/neurify-goto/fs-runner-sub001/internal/metrics"
	"github.com/neurify-goto/fs-runner-sub001/internal/queue"
	"github.com/neurify-goto/fs-runner-sub001/internal/reconciler"
	"github.com/neurify-goto/fs-runner-sub001/internal/store/postgres"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`fsrunner - campaign work-queue and dispatch service

Usage:
  fsrunner <command>

Commands:
  serve      Start the queue service, dispatcher and background sweeps
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  REDIS_ADDR                Redis address for completion analytics (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")

  BUILD_CRON_SPEC           Daily queue-build schedule (default: "0 6 * * *")
  RECLAIM_INTERVAL          Stale-lease sweep interval (default: "1m")
  RECLAIM_STALE_AFTER       Lease age before reclaim (default: "10m")

  RECONCILE_ENABLED         Enable execution reconciliation sweep (default: "false")
  RECONCILE_CRON            Reconciliation schedule (default: "*/5 * * * *")
  RECONCILE_THRESHOLD       Execution age before reconcile (default: "10m")
  RECONCILE_BATCH_SIZE      Max executions per cycle (default: "100")

  QUICK_SERVERLESS_URL      Quick serverless backend base URL
  BATCH_POOL_URL            Batch pool backend base URL
  BACKEND_SECRET            HMAC secret for backend submissions

  CREDENTIAL_BASE_URL       Config artifact store base URL (required)
  CREDENTIAL_SECRET         HMAC secret for config credentials (required)
  CREDENTIAL_TTL            Credential lifetime (default: "1h")
  CREDENTIAL_THRESHOLD      Remaining lifetime forcing reissue (default: "10m")

  CIRCUIT_BREAKER_THRESHOLD Consecutive failures before opening (default: "5", 0 disables)
  CIRCUIT_BREAKER_COOLDOWN  Open-state cooldown (default: "2m")

  LEADER_LOCK_KEY           Postgres advisory lock key (default: "918462")
  LEADER_RETRY_INTERVAL     Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection ping interval (default: "2s")`)
}

// logConfigWarnings flags configuration combinations that degrade the
// service without being outright invalid.
func logConfigWarnings(cfg config.Config) {
	if !cfg.ReconcileEnabled {
		log.Println("WARNING [P0]: RECONCILE_ENABLED=false - executions stranded by backend loss will never settle")
	}

	if !cfg.MetricsEnabled {
		log.Println("WARNING [P1]: METRICS_ENABLED=false - no visibility into queue depth or submission failures")
	}

	if cfg.CircuitBreakerThreshold <= 0 {
		log.Println("WARNING [P1]: CIRCUIT_BREAKER_THRESHOLD=0 - a failing backend will absorb every submission retry")
	}

	if cfg.QuickServerlessURL == "" || cfg.BatchPoolURL == "" {
		log.Println("INFO: single backend configured - backend preference overrides will be rejected")
	}

	if cfg.RedisAddr == "" {
		log.Println("INFO: REDIS_ADDR not set - completion analytics counters disabled")
	}
}

// redisChecker adapts a Redis client to the health probe interface.
type redisChecker struct {
	client *redis.Client
}

func (r *redisChecker) PingContext(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logConfigWarnings(cfg)

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	// Configure connection pool
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("fsrunner: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	store := postgres.New(db, cfg.DBOpTimeout)

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), time.Minute)
	err = store.Migrate(migrateCtx)
	cancelMigrate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		return exitRuntimeError
	}

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("fsrunner: metrics enabled (path=%s)", cfg.MetricsPath)
	} else {
		log.Println("fsrunner: METRICS_ENABLED not set; metrics disabled")
	}

	// Queue components share the one store.
	builder := queue.NewBuilder(store)
	leaser := queue.NewLeaser(store)
	recorder := queue.NewRecorder(store)
	reclaimer := queue.NewReclaimer(queue.ReclaimerConfig{
		Interval:   cfg.ReclaimInterval,
		StaleAfter: cfg.ReclaimStaleAfter,
	}, store)
	if metricsSink != nil {
		builder = builder.WithMetrics(metricsSink)
		leaser = leaser.WithMetrics(metricsSink)
		recorder = recorder.WithMetrics(metricsSink)
		reclaimer = reclaimer.WithMetrics(metricsSink)
	}

	// Wire analytics if Redis is configured
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		recorder = recorder.WithAnalytics(analytics.NewRedisSink(redisClient))
		log.Printf("fsrunner: analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("fsrunner: REDIS_ADDR not set; analytics disabled")
	}

	// Dispatcher with the configured backends.
	var backends []dispatch.Backend
	if cfg.QuickServerlessURL != "" {
		backends = append(backends, backend.NewQuickServerless(cfg.QuickServerlessURL, cfg.BackendSecret))
	}
	if cfg.BatchPoolURL != "" {
		backends = append(backends, backend.NewBatchPool(cfg.BatchPoolURL, cfg.BackendSecret))
	}

	issuer := dispatch.NewHMACIssuer(cfg.CredentialBaseURL, []byte(cfg.CredentialSecret)).
		WithTTL(cfg.CredentialTTL, cfg.CredentialThreshold)

	dispatcher := dispatch.New(store, issuer, backends...)
	if cfg.CircuitBreakerThreshold > 0 {
		dispatcher = dispatcher.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
		log.Printf("fsrunner: circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}
	if metricsSink != nil {
		dispatcher = dispatcher.WithMetrics(metricsSink)
	}

	handler := api.NewHandler(store, builder, leaser, recorder, reclaimer, dispatcher).
		WithStaleAfter(cfg.ReclaimStaleAfter)
	if redisClient != nil {
		handler = handler.WithHealthCheckers(db, &redisChecker{client: redisClient})
	} else {
		handler = handler.WithHealthCheckers(db, nil)
	}

	mux := http.NewServeMux()
	if cfg.MetricsEnabled {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	mux.Handle("/", handler.Router())

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("fsrunner: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("fsrunner: http server error: %v", err)
		}
	}()

	// Background sweeps run on the leader only; the HTTP surface stays
	// active on every instance.
	var recon *reconciler.Reconciler
	if cfg.ReconcileEnabled {
		recon = reconciler.New(reconciler.Config{
			CronSpec:  cfg.ReconcileCron,
			Threshold: cfg.ReconcileThreshold,
			BatchSize: cfg.ReconcileBatchSize,
		}, store, dispatcher.Backends())
		if metricsSink != nil {
			recon = recon.WithMetrics(metricsSink)
		}
		log.Printf("fsrunner: reconciler enabled (cron=%q, threshold=%s, batch=%d)",
			cfg.ReconcileCron, cfg.ReconcileThreshold, cfg.ReconcileBatchSize)
	} else {
		log.Println("fsrunner: RECONCILE_ENABLED not set; reconciler disabled")
	}

	var dutyWg sync.WaitGroup
	onElected := func(leaderCtx context.Context) {
		dutyWg.Add(1)
		go func() {
			defer dutyWg.Done()
			reclaimer.Run(leaderCtx)
		}()

		if recon != nil {
			if err := recon.Start(leaderCtx); err != nil {
				log.Printf("fsrunner: failed to start reconciler: %v", err)
			}
		}

		buildCron := cron.New()
		if _, err := buildCron.AddFunc(cfg.BuildCronSpec, func() {
			runDailyBuild(leaderCtx, store, builder)
		}); err != nil {
			log.Printf("fsrunner: failed to schedule daily build: %v", err)
		} else {
			buildCron.Start()
			log.Printf("fsrunner: daily build scheduled (cron=%q)", cfg.BuildCronSpec)
		}

		dutyWg.Add(1)
		go func() {
			defer dutyWg.Done()
			<-leaderCtx.Done()
			<-buildCron.Stop().Done()
			if recon != nil {
				recon.Stop()
			}
		}()
	}
	onDemoted := func() {
		dutyWg.Wait()
	}

	electorCtx, cancelElector := context.WithCancel(context.Background())
	elector := leaderelection.New(db, cfg.LeaderLockKey,
		cfg.LeaderRetryInterval, cfg.LeaderHeartbeatInterval,
		onElected, onDemoted)
	if metricsSink != nil {
		elector = elector.WithMetrics(metricsSink)
	}

	var electorWg sync.WaitGroup
	electorWg.Add(1)
	go func() {
		defer electorWg.Done()
		elector.Run(electorCtx)
	}()

	log.Printf("fsrunner: started (http=%s)", cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("fsrunner: received signal %v, shutting down", received)

	// Phase 1: Drop leadership; this stops the sweeps and the build cron.
	log.Println("fsrunner: stopping background duties...")
	cancelElector()
	electorWg.Wait()
	log.Println("fsrunner: background duties stopped")

	// Phase 2: Stop HTTP server with graceful shutdown
	log.Println("fsrunner: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("fsrunner: http server shutdown error: %v", err)
	}
	log.Println("fsrunner: http server stopped")

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Printf("fsrunner: redis close error: %v", err)
		}
	}

	log.Println("fsrunner: stopped")
	return exitSuccess
}

// runDailyBuild materializes today's queue for every enabled campaign.
func runDailyBuild(ctx context.Context, store *postgres.Store, builder *queue.Builder) {
	targetDate := time.Now().UTC()

	ids, err := store.ListEnabledCampaignIDs(ctx)
	if err != nil {
		log.Printf("fsrunner: daily build: list campaigns: %v", err)
		return
	}

	total := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		campaign, err := store.GetCampaign(ctx, id)
		if err != nil {
			log.Printf("fsrunner: daily build: campaign %d: %v", id, err)
			continue
		}
		inserted, err := builder.Build(ctx, targetDate, campaign)
		if err != nil {
			log.Printf("fsrunner: daily build: campaign %d: %v", id, err)
			continue
		}
		total += inserted
	}
	log.Printf("fsrunner: daily build complete (campaigns=%d, inserted=%d)", len(ids), total)
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("fsrunner version %s (commit: %s)\n", version, commit)
	return exitSuccess
}

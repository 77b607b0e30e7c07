package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vaultedge/coreledger/internal/account"
	"github.com/vaultedge/coreledger/internal/balance"
	"github.com/vaultedge/coreledger/internal/commit"
	"github.com/vaultedge/coreledger/internal/config"
	"github.com/vaultedge/coreledger/internal/eod"
	"github.com/vaultedge/coreledger/internal/metrics"
	"github.com/vaultedge/coreledger/internal/outbox"
	"github.com/vaultedge/coreledger/internal/policy"
	"github.com/vaultedge/coreledger/internal/schedule"
	"github.com/vaultedge/coreledger/internal/validator"
	"github.com/vaultedge/coreledger/pkg/messaging"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable stores when a database is configured, in-process otherwise.
	var (
		balances   balance.Store
		jobStore   schedule.Store
		outboxRepo outbox.Repository
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to open database", zap.Error(err))
		}
		defer db.Close()
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := balance.EnsureSchema(ctx, db); err != nil {
			logger.Fatal("balance schema", zap.Error(err))
		}
		if err := schedule.EnsureSchema(ctx, db); err != nil {
			logger.Fatal("schedule schema", zap.Error(err))
		}
		if err := outbox.EnsureSchema(ctx, db); err != nil {
			logger.Fatal("outbox schema", zap.Error(err))
		}
		balances = balance.NewPostgresStore(db)
		jobStore = schedule.NewPostgresStore(db)
		outboxRepo = outbox.NewPostgresRepository(db)
	} else {
		logger.Warn("DATABASE_URL not set, running with in-memory stores")
		balances = balance.NewMemoryStore()
		jobStore = schedule.NewMemoryStore()
		outboxRepo = outbox.NewMemoryRepository()
	}

	rec := metrics.Noop()
	if cfg.InfluxURL != "" {
		rec = metrics.NewInflux(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, logger)
	}
	defer rec.Close()

	policies := policy.NewRegistry()
	for _, p := range policy.StandardProducts() {
		if err := policies.Register(p); err != nil {
			logger.Fatal("failed to register product policy", zap.Error(err))
		}
	}
	accounts := account.NewService(policies, balances, logger)

	// Account creation resolves product names to pinned policy versions
	// through etcd when configured.
	var resolver policyRefResolver
	if len(cfg.EtcdEndpoints) > 0 {
		refs, err := config.NewPolicyRefLoader(cfg.EtcdEndpoints, logger)
		if err != nil {
			logger.Fatal("failed to connect policy ref store", zap.Error(err))
		}
		defer refs.Close()
		if err := refs.Load(ctx); err != nil {
			logger.Fatal("failed to load policy refs", zap.Error(err))
		}
		go refs.Watch(ctx)
		resolver = refs
	}

	val := validator.New(validator.Config{
		Budget: cfg.ValidationBudget,
	}, accounts, rec, logger)

	var results commit.ResultStore = commit.NewMemoryResults()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		results = commit.NewRedisResults(results, rdb, 24*time.Hour)
	}

	ob := outbox.New(outboxRepo, "ledgerd")

	engine := commit.NewEngine(balances, accounts, policies, val, results, ob, commit.Config{
		MaxRetries: cfg.MaxCommitRetries,
		Budget:     cfg.CommitBudget,
	}, rec, logger)

	scheduler := schedule.New(jobStore, schedule.RealClock(), scheduleExecutor(engine, ob, logger), schedule.Config{}, logger)
	scheduler.OnTagComplete(schedule.TagEventEmitter(ob, schedule.RealClock(), logger))

	coordinator, err := eod.NewCoordinator(balances, accounts, scheduler, ob, cfg.OvernightAttribution, schedule.RealClock(), logger)
	if err != nil {
		logger.Fatal("failed to build end-of-day coordinator", zap.Error(err))
	}
	engine.SetAdmitter(coordinator)

	if cfg.NATSURL != "" {
		natsClient, err := messaging.NewClient(cfg.NATSURL, messaging.Options{
			Name:          "coreledger",
			ReconnectWait: time.Second,
			MaxReconnects: -1,
		})
		if err != nil {
			logger.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		dispatcher := outbox.NewDispatcher(outboxRepo, natsClient, cfg.DispatchInterval, 100, logger)
		go dispatcher.Run(ctx)
	} else {
		logger.Warn("NATS_URL not set, outbox records will accumulate undelivered")
	}

	go scheduler.Run(ctx, cfg.ScheduleInterval)
	go runEODTicker(ctx, coordinator, cfg.EODTickInterval, logger)

	r := gin.Default()
	registerRoutes(r, accounts, balances, engine, scheduler, coordinator, resolver)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		logger.Info("ledger service listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
		os.Exit(1)
	}
}

// scheduleExecutor runs a fired job's policy hook through the commit engine.
// Failures surface on the bus for operational alerting and manual republish.
func scheduleExecutor(engine *commit.Engine, ob *outbox.Outbox, logger *zap.Logger) schedule.Executor {
	return func(ctx context.Context, job *schedule.Job) error {
		err := engine.FireScheduled(ctx, job.ClientRef, job.ID)
		if err != nil {
			if emitErr := ob.Emit(ctx, messaging.EventTypeJobFailed, job.ClientRef,
				messaging.JobFailedEvent{
					JobID:     job.ID,
					ClientRef: job.ClientRef,
					GroupID:   job.GroupID,
					Error:     err.Error(),
					FailedAt:  time.Now().UTC(),
				}); emitErr != nil {
				logger.Error("failed to enqueue job failure event", zap.Error(emitErr))
			}
		}
		return err
	}
}

func runEODTicker(ctx context.Context, c *eod.Coordinator, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				logger.Warn("end-of-day tick failed", zap.Error(err))
			}
		}
	}
}

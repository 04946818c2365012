package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voice-campaigns/internal/audit"
	"voice-campaigns/internal/auth"
	"voice-campaigns/internal/campaign"
	"voice-campaigns/internal/config"
	"voice-campaigns/internal/scheduler"
	"voice-campaigns/migrations"
	"voice-campaigns/pkg/logger"
	"voice-campaigns/pkg/utils"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.DSN,
			Environment:      cfg.App.Env,
			AttachStacktrace: true,
		}); err != nil {
			log.Warn("sentry init failed", "err", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.DB.Migrate {
		if err := utils.RunMigrations(rootCtx, db, migrations.FS); err != nil {
			log.Error("migrations failed", "err", err)
			os.Exit(1)
		}
		log.Info("migrations applied")
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	provider := newProvider(cfg)
	log.Info("outbound provider selected", "provider", provider.Name())

	metrics := campaign.NewMetrics(prometheus.DefaultRegisterer)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	repo := campaign.NewPostgresRepo(db)

	campaigns := campaign.NewService(repo, provider, audit.CampaignAdapter{Audit: auditSvc}, metrics, campaign.ServiceConfig{
		Defaults:    dispatchDefaults(cfg),
		PhoneRegion: cfg.Campaign.PhoneRegion,
	})

	procOpts := []campaign.ProcessorOption{
		campaign.WithMetrics(metrics),
		campaign.WithLogger(log),
		campaign.WithFailureHook(queueFailureReporter(auditSvc, log)),
	}
	if cfg.Redis.ChunkLock {
		procOpts = append(procOpts, campaign.WithLocker(campaign.NewRedisLocker(rdb)))
	}
	processor := campaign.NewProcessor(repo, campaign.NewDispatcher(provider, metrics), procOpts...)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(repo, processor, scheduler.Config{
			Spec:         cfg.Scheduler.Spec,
			BatchSize:    cfg.Scheduler.BatchSize,
			ChunkTimeout: cfg.Scheduler.ChunkTimeout,
		}, log)
		if err != nil {
			log.Error("scheduler init failed", "err", err)
			os.Exit(1)
		}
		sched.Start()
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:       cfg,
		auth:      authManager,
		campaigns: campaigns,
		processor: processor,
		health: func(ctx context.Context) error {
			if err := utils.HealthCheck(ctx, db, 2*time.Second); err != nil {
				return err
			}
			return rdb.Ping(ctx).Err()
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// the internal chunk trigger runs a whole chunk inline
		WriteTimeout: cfg.Scheduler.ChunkTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			log.Error("scheduler shutdown failed", "err", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

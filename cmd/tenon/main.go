package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/greyhaven/tenon/pkg/audit"
	"github.com/greyhaven/tenon/pkg/autherr"
	"github.com/greyhaven/tenon/pkg/config"
	"github.com/greyhaven/tenon/pkg/httputil"
	"github.com/greyhaven/tenon/pkg/identity"
	"github.com/greyhaven/tenon/pkg/members"
	"github.com/greyhaven/tenon/pkg/observability"
	"github.com/greyhaven/tenon/pkg/rbac"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tenon: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting tenon account management service")

	ctx := context.Background()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnLifetime)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("Database connection established")

	rbacStore, err := rbac.NewSQLStore(db)
	if err != nil {
		return err
	}
	memberStore, err := members.NewSQLStore(db)
	if err != nil {
		return err
	}
	auditStore, err := audit.NewSQLStore(db)
	if err != nil {
		return err
	}

	// Roles first: memberships and invitations reference them.
	if err := rbacStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure rbac schema: %w", err)
	}
	if err := memberStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure membership schema: %w", err)
	}
	if err := auditStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure audit schema: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to parse redis URL: %w", err)
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		if cfg.Redis.DB != 0 {
			opts.DB = cfg.Redis.DB
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		defer redisClient.Close()
		logger.Info("Redis permission cache enabled")
	}

	archiver, err := buildArchiver(ctx, cfg.Archive)
	if err != nil {
		return err
	}

	auditOpts := []audit.Option{
		audit.WithLogger(logger),
		audit.WithMetrics(metrics),
		audit.WithAlertFunc(func(ctx context.Context, entry *audit.Entry) {
			logger.WithFields(map[string]interface{}{
				"event_id": entry.ID,
				"action":   entry.Action,
				"user_id":  entry.UserID,
			}).Error("critical audit event")
		}),
	}
	if archiver != nil {
		auditOpts = append(auditOpts, audit.WithArchiver(archiver))
	}
	auditService, err := audit.NewService(auditStore, auditOpts...)
	if err != nil {
		return err
	}

	permCache := rbac.NewPermissionCache(cfg.Redis.LRUSize, cfg.Redis.CacheTTL, redisClient, metrics)
	rbacService, err := rbac.NewService(rbacStore,
		rbac.WithCache(permCache),
		rbac.WithAuditLogger(auditService),
		rbac.WithLogger(logger),
		rbac.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	memberService, err := members.NewService(memberStore,
		members.WithAuditLogger(auditService),
		members.WithCacheInvalidator(permCache),
		members.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	authErrService := autherr.NewService(
		autherr.WithLogger(logger),
		autherr.WithMetrics(metrics),
	)

	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()

	// Each route is gated on the permission token its operation needs;
	// the guard resolves tokens against the caller's effective role set.
	guard := httputil.PermissionGuard(rbacService.RequirePermission)
	rbac.NewHandlers(rbacService, logger).RegisterRoutes(api, guard)
	members.NewHandlers(memberService, logger).RegisterRoutes(api, guard)
	audit.NewHandlers(auditService, logger).RegisterRoutes(api, guard)
	autherr.NewHandlers(authErrService).RegisterRoutes(api, guard)

	if cfg.Webhook.SigningSecret != "" {
		verifier, err := identity.NewVerifier(cfg.Webhook.SigningSecret)
		if err != nil {
			return err
		}
		webhookService, err := identity.NewService(auditService,
			identity.WithMembershipWriter(memberService),
			identity.WithDefaultRoleID(cfg.Webhook.DefaultRoleID),
			identity.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		identity.NewHandlers(verifier, webhookService, logger, metrics).RegisterRoutes(api)
		logger.Info("Identity webhook endpoint enabled")
	}

	var apiHandler http.Handler = router
	if cfg.Observability.OTelEnabled {
		apiHandler = observability.InstrumentHandler(router, "tenon-api")
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      apiHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.Handler(registry))
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	scheduler := cron.New()
	_, err = scheduler.AddFunc("30 2 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		result, err := auditService.CleanupOldLogs(ctx)
		if err != nil {
			logger.WithError(err).Error("audit log cleanup failed")
			return
		}
		logger.WithFields(map[string]interface{}{
			"deleted":  result.DeletedCount,
			"archived": result.ArchivedCount,
		}).Info("audit log cleanup complete")
	})
	if err != nil {
		return fmt.Errorf("failed to schedule audit cleanup: %w", err)
	}
	_, err = scheduler.AddFunc("45 2 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := memberService.CleanupExpiredInvitations(ctx); err != nil {
			logger.WithError(err).Error("invitation cleanup failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule invitation cleanup: %w", err)
	}
	scheduler.Start()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		stopCtx := scheduler.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return otelProviders.Shutdown(ctx)
	})

	var group errgroup.Group
	group.Go(func() error {
		logger.Infof("API server listening on %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		logger.Infof("Health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})
	group.Go(shutdown.WaitForShutdown)
	return group.Wait()
}

func buildArchiver(ctx context.Context, cfg config.ArchiveConfig) (audit.Archiver, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "filesystem":
		return audit.NewFileArchiver(cfg.FilesystemDir)
	case "s3":
		return audit.NewS3Archiver(ctx, audit.S3Config{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			UsePathStyle: cfg.S3UsePathStyle,
			Prefix:       cfg.S3Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown archive type: %s", cfg.Type)
	}
}

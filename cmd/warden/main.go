package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/api"
	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/dispatch"
	"github.com/platinummonkey/warden/pkg/membership"
	"github.com/platinummonkey/warden/pkg/middleware"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/permcache"
	"github.com/platinummonkey/warden/pkg/records"
	"github.com/platinummonkey/warden/pkg/roles"
	"github.com/platinummonkey/warden/pkg/session"
	"github.com/platinummonkey/warden/pkg/tenant"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (WARDEN_CONFIG_FILE is honored as a fallback)")
	migrateOnly := flag.Bool("migrate-only", false, "Run database migrations and exit")
	flag.Parse()

	boot := logrus.New()
	boot.SetLevel(logrus.InfoLevel)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		boot.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.LogLevel(), os.Stdout)
	ctx := context.Background()

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		boot.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxConns)
	db.SetMaxIdleConns(cfg.Database.MinConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		boot.Fatalf("Failed to ping database: %v", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		boot.Fatalf("Failed to run migrations: %v", err)
	}
	if *migrateOnly {
		logger.Info("migrations complete")
		return
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// push invalidation and rate limiting degrade without redis; the
		// permission cache TTL still bounds staleness
		logger.WithError(err).Warn("redis unavailable, continuing degraded")
	}

	auditLogger, err := audit.NewDBLogger(db)
	if err != nil {
		boot.Fatalf("Failed to initialize audit logger: %v", err)
	}

	memberStore := membership.NewStore(db)
	rolesStore := roles.NewStore(db)
	sessionStore := session.NewStore(db)
	recordsRepo := records.NewRepository(db)

	resolver := roles.NewResolver(rolesStore, cfg.Cache.MaxEntries, cfg.Cache.PermissionTTL.Std())
	publisher := permcache.NewPublisher(redisClient)

	members := membership.NewService(memberStore, membershipHooks(rolesStore, resolver, publisher, auditLogger, logger), logger)

	sessionResolver := &session.SplitResolver{Opaque: sessionStore}
	if cfg.OIDC.Enabled {
		oidcResolver, err := session.NewOIDCResolver(ctx, session.OIDCConfig{
			IssuerURL:    cfg.OIDC.IssuerURL,
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: cfg.OIDC.ClientSecret,
			RedirectURL:  cfg.OIDC.RedirectURL,
		}, session.NewDBDirectory(db))
		if err != nil {
			boot.Fatalf("Failed to initialize OIDC resolver: %v", err)
		}
		sessionResolver.OIDC = oidcResolver
		logger.WithField("issuer", cfg.OIDC.IssuerURL).Info("OIDC resolver enabled")
	}

	establisher := &tenant.Establisher{
		Sessions:    sessionResolver,
		Memberships: memberStore,
		Permissions: resolver,
	}

	registry := api.BuildRegistry(api.Deps{
		Memberships: members,
		Roles:       rolesStore,
		Resolver:    resolver,
		Records:     recordsRepo,
		Invalidator: publisher,
		Auditor:     auditLogger,
		Logger:      logger,
	})

	promRegistry := prometheus.NewRegistry()
	appMetrics := observability.NewMetrics(promRegistry)
	dispatchMetrics := dispatch.NewMetrics(promRegistry)

	dispatcher := dispatch.NewDispatcher(registry, establisher, auditLogger, logger, dispatchMetrics)

	limiter := middleware.NewRateLimiter(redisClient, middleware.DefaultRateLimitConfig(), "warden:ratelimit")
	server := api.NewServer(dispatcher, sessionStore, logger,
		middleware.RequestID,
		middleware.Logging(logger),
		middleware.Recovery(logger),
		observability.HTTPMetricsMiddleware(appMetrics),
		middleware.RateLimit(limiter),
	)

	tracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		boot.Fatalf("Failed to initialize tracing: %v", err)
	}

	sweeper := membership.NewSweeper(memberStore, cfg.Membership.InviteTTL.Std(), cfg.Membership.SweepSchedule, logger)
	if err := sweeper.Start(ctx); err != nil {
		boot.Fatalf("Failed to start invite sweeper: %v", err)
	}

	maintenance := cron.New()
	if _, err := maintenance.AddFunc("@hourly", func() {
		deleted, err := sessionStore.DeleteExpired(context.Background())
		if err != nil {
			logger.WithError(err).Error("failed to delete expired sessions")
			return
		}
		if deleted > 0 {
			logger.WithField("deleted", deleted).Info("expired sessions deleted")
		}
	}); err != nil {
		boot.Fatalf("Failed to schedule session cleanup: %v", err)
	}
	maintenance.Start()

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			appMetrics.RecordDBStats(db)
		}
	}()

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, promRegistry)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}
	go func() {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}
	go func() {
		logger.WithField("addr", httpServer.Addr).Info("warden listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			boot.Fatalf("HTTP server failed: %v", err)
		}
	}()

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout.Std())
	shutdown.RegisterShutdownFunc("tracing", tracing.Shutdown)
	shutdown.RegisterShutdownFunc("health server", func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc("background jobs", func(ctx context.Context) error {
		sweeper.Stop()
		<-maintenance.Stop().Done()
		return nil
	})

	if err := shutdown.WaitForShutdown(); err != nil {
		boot.Fatalf("Shutdown failed: %v", err)
	}
}

// runMigrations applies every package's migrations in dependency order
func runMigrations(ctx context.Context, db *sql.DB) error {
	if err := membership.RunMigrations(ctx, db); err != nil {
		return err
	}
	if err := roles.RunMigrations(ctx, db); err != nil {
		return err
	}
	if err := session.RunMigrations(ctx, db); err != nil {
		return err
	}
	if err := records.RunMigrations(ctx, db); err != nil {
		return err
	}
	return roles.InitializeBuiltInRoles(ctx, roles.NewStore(db))
}

// membershipHooks keeps role grants, client permission caches, and the
// audit trail in step with lifecycle transitions.
func membershipHooks(rolesStore *roles.Store, resolver *roles.Resolver, publisher *permcache.Publisher, auditor audit.Logger, logger *observability.Logger) membership.Hooks {
	record := func(ctx context.Context, eventType audit.EventType, m *membership.Membership) {
		event := &audit.Event{
			EventType:    eventType,
			Status:       audit.EventStatusSuccess,
			TargetUserID: &m.UserID,
			TenantID:     &m.TenantID,
		}
		if err := auditor.Log(ctx, event); err != nil {
			logger.WithError(err).Warn("failed to write audit event")
		}
	}
	pushSnapshot := func(ctx context.Context, userID, tenantID int64) {
		perms, err := rolesStore.ResolvePermissions(ctx, userID, tenantID)
		if err != nil {
			logger.WithError(err).Warn("failed to resolve permissions for push")
			return
		}
		if err := publisher.PublishUpdate(ctx, userID, tenantID, &permcache.Snapshot{Permissions: perms}); err != nil {
			logger.WithError(err).Warn("failed to publish cache update")
		}
	}
	clearCaches := func(ctx context.Context, userID, tenantID int64) {
		resolver.Invalidate(userID, tenantID)
		if err := publisher.PublishClear(ctx, userID, tenantID); err != nil {
			logger.WithError(err).Warn("failed to publish cache clear")
		}
	}

	return membership.Hooks{
		OnInvite: func(ctx context.Context, m *membership.Membership) {
			record(ctx, audit.EventTypeMemberInvite, m)
		},
		OnAccept: func(ctx context.Context, m *membership.Membership, pendingRoleID *int64) {
			if pendingRoleID != nil {
				if _, err := rolesStore.GrantRole(ctx, m.UserID, m.TenantID, *pendingRoleID, m.InvitedBy); err != nil {
					logger.WithError(err).WithFields(map[string]interface{}{
						"user_id":   m.UserID,
						"tenant_id": m.TenantID,
						"role_id":   *pendingRoleID,
					}).Error("failed to grant pending role")
				}
			}
			resolver.Invalidate(m.UserID, m.TenantID)
			pushSnapshot(ctx, m.UserID, m.TenantID)
			record(ctx, audit.EventTypeMemberAccept, m)
		},
		OnSuspend: func(ctx context.Context, m *membership.Membership) {
			clearCaches(ctx, m.UserID, m.TenantID)
			record(ctx, audit.EventTypeMemberSuspend, m)
		},
		OnUnsuspend: func(ctx context.Context, m *membership.Membership) {
			resolver.Invalidate(m.UserID, m.TenantID)
			pushSnapshot(ctx, m.UserID, m.TenantID)
			record(ctx, audit.EventTypeMemberUnsuspend, m)
		},
		OnRemove: func(ctx context.Context, m *membership.Membership) {
			if _, err := rolesStore.DeactivateGrants(ctx, m.UserID, m.TenantID); err != nil {
				logger.WithError(err).WithFields(map[string]interface{}{
					"user_id":   m.UserID,
					"tenant_id": m.TenantID,
				}).Error("failed to deactivate grants")
			}
			clearCaches(ctx, m.UserID, m.TenantID)
			record(ctx, audit.EventTypeMemberRemove, m)
		},
	}
}

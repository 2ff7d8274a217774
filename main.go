package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/ekaya-inc/dbgate/pkg/audit"
	"github.com/ekaya-inc/dbgate/pkg/auth"
	"github.com/ekaya-inc/dbgate/pkg/config"
	"github.com/ekaya-inc/dbgate/pkg/database"
	"github.com/ekaya-inc/dbgate/pkg/governance"
	"github.com/ekaya-inc/dbgate/pkg/handlers"
	"github.com/ekaya-inc/dbgate/pkg/health"
	"github.com/ekaya-inc/dbgate/pkg/logging"
	"github.com/ekaya-inc/dbgate/pkg/middleware"
	"github.com/ekaya-inc/dbgate/pkg/policy"
	"github.com/ekaya-inc/dbgate/pkg/repositories"
	"github.com/ekaya-inc/dbgate/pkg/vault"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("version", cfg.Version),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.URL())))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Migrations run through database/sql; the pool above is pgx-native.
	migrationDB, err := sql.Open("pgx", cfg.Database.URL())
	if err != nil {
		logger.Fatal("Failed to open migration connection", zap.Error(err))
	}
	if err := database.RunMigrations(migrationDB, "migrations", logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	_ = migrationDB.Close()

	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	var limiter auth.RateLimiter
	if redisClient != nil {
		limiter = auth.NewRedisRateLimiter(redisClient)
		logger.Info("Using Redis rate limiter", zap.String("host", cfg.Redis.Host))
	} else {
		limiter = auth.NewMemoryRateLimiter()
		logger.Info("Redis not configured; using in-process rate limiter")
	}

	keyRepo := repositories.NewAPIKeyRepository()
	authAuditRepo := repositories.NewAuthAuditRepository()
	queryAuditRepo := repositories.NewQueryAuditRepository()

	keyVault := vault.New(db, keyRepo, logger)

	jwksClient, err := auth.NewJWKSClient(&auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
	})
	if err != nil {
		logger.Fatal("Failed to create JWKS client", zap.Error(err))
	}

	sink := audit.NewPostgresSink(db)
	security := audit.NewSecurityAuditor(logger)

	authenticator := auth.NewAuthenticator(keyVault, jwksClient, limiter, sink, security, logger, cfg.Governor.DefaultRateLimitPerMin)

	monitor := health.NewMonitor(db, health.Thresholds{
		UsageThresholdPercent: cfg.Governor.UsageThresholdPercent,
		IdleInTxGrace:         cfg.Governor.IdleInTxGrace,
		LongQueryThreshold:    cfg.Governor.LongQueryThreshold,
	}, logger)

	coordinator := governance.NewCoordinator(authenticator, monitor, db, sink, security, logger, governance.Config{
		AuditWriteRetries:        cfg.Governor.AuditWriteRetries,
		AuditReadSamplingPercent: int(cfg.Governor.AuditReadSampling * 100),
	})

	retention := audit.NewRetentionService(db, authAuditRepo, queryAuditRepo, logger)
	retention.RunScheduler(ctx, cfg.Governor.RetentionInterval, cfg.Governor.RetentionDays)

	engine := policy.NewDefaultEngine()

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, monitor, logger).RegisterRoutes(mux)
	handlers.NewSessionHandler(coordinator, logger).RegisterRoutes(mux)

	adminMux := http.NewServeMux()
	handlers.NewAdminKeyHandler(keyVault, logger).RegisterRoutes(adminMux)
	handlers.NewAdminAuditHandler(db, authAuditRepo, queryAuditRepo, engine, logger).RegisterRoutes(adminMux)
	mux.Handle("/api/admin/", middleware.RequireIdentity(authenticator, logger)(adminMux))

	handler := middleware.RequestLogger(logger)(mux)

	server := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting dbgate",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

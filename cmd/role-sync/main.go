package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"role-sync/internal/adapter/gateway"
	adapterhandler "role-sync/internal/adapter/handler"
	"role-sync/internal/domain"
	infracache "role-sync/internal/infrastructure/cache"
	"role-sync/internal/infrastructure/dispatch"
	"role-sync/internal/infrastructure/limiter"
	"role-sync/internal/infrastructure/notifier"
	"role-sync/internal/infrastructure/postgres"
	infratoken "role-sync/internal/infrastructure/token"
	"role-sync/internal/scheduler"
	"role-sync/internal/usecase"

	"role-sync/config"
	appmiddleware "role-sync/middleware"
	"role-sync/utils/logger"
	"role-sync/utils/otel"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Handle healthcheck subcommand (for Docker healthcheck in distroless image)
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		if err := runHealthcheck(); err != nil {
			fmt.Fprintf(os.Stderr, "Healthcheck failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize OpenTelemetry
	otelCfg := otel.ConfigFromEnv()
	otelShutdown, err := otel.InitProvider(ctx, otelCfg)
	if err != nil {
		slog.Warn("failed to initialize OpenTelemetry, continuing without tracing", "error", err)
		otelCfg.Enabled = false
		otelShutdown = func(context.Context) error { return nil }
	}

	// Initialize structured logger
	logger.Init(otelCfg.Enabled)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load configuration", "error", err)
		os.Exit(1)
	}

	table, err := cfg.RoleTable()
	if err != nil {
		slog.ErrorContext(ctx, "failed to build role table", "error", err)
		os.Exit(1)
	}

	slog.InfoContext(ctx, "configuration loaded",
		"port", cfg.Port,
		"guild_id", cfg.Discord.GuildID,
		"role_bindings", len(table),
		"check_interval", cfg.RoleSync.CheckInterval,
		"cache_backend", cfg.Cache.Backend,
		"spworlds_enabled", cfg.SPWorlds.Enabled())

	// Infrastructure
	db, err := postgres.NewConnection(ctx, cfg.DatabaseURL, slog.Default())
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	users := postgres.NewUserStore(db.Pool(), slog.Default())
	passports := postgres.NewPassportStore(db.Pool())
	audit := postgres.NewAuditLog(db.Pool())

	roleCache, closeCache, err := newRoleCache(ctx, cfg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize role cache", "error", err)
		os.Exit(1)
	}
	defer closeCache()

	gate := limiter.New(limiter.Config{
		Concurrency: cfg.RoleSync.Concurrency,
		Cooldown:    cfg.RoleSync.Cooldown,
	}, slog.Default())

	discord := gateway.NewDiscordGateway(gateway.DiscordConfig{
		BaseURL:      cfg.Discord.APIURL,
		ClientID:     cfg.Discord.ClientID,
		ClientSecret: cfg.Discord.ClientSecret,
		Timeout:      cfg.ExternalTimeout,
	}, slog.Default())

	var (
		secondary domain.SecondaryIdentityResolver
		spworlds  *gateway.SPWorldsGateway
	)
	if cfg.SPWorlds.Enabled() {
		spworlds = gateway.NewSPWorldsGateway(gateway.SPWorldsConfig{
			BaseURL:  cfg.SPWorlds.APIURL,
			MapID:    cfg.SPWorlds.MapID,
			MapToken: cfg.SPWorlds.MapToken,
			Timeout:  cfg.ExternalTimeout,
		}, slog.Default())
		secondary = spworlds
	}

	hub := notifier.NewHub(cfg.SubscriberBuffer, slog.Default())
	verifier := infratoken.NewJWTVerifier(infratoken.JWTConfig{
		Secret:   cfg.JWT.Secret,
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
	})

	// Usecases
	reconcile := usecase.NewReconcileUser(usecase.ReconcileDeps{
		Store:       users,
		Cache:       roleCache,
		Gate:        gate,
		Credentials: usecase.NewEnsureCredential(discord, users, slog.Default()),
		Determiner:  usecase.NewDetermineRole(table, passports),
		Gateway:     discord,
		Secondary:   secondary,
		Audit:       audit,
		Publisher:   hub,
		Logger:      slog.Default(),
	}, usecase.ReconcileConfig{
		GuildID:  cfg.Discord.GuildID,
		CacheTTL: cfg.RoleSync.CacheTTL,
	})
	syncIssues := usecase.NewFindSyncIssues(users, cfg.RoleSync.CheckInterval)

	sweeper := scheduler.NewScheduler(reconcile, users, roleCache, scheduler.Config{
		Interval:     cfg.RoleSync.CheckInterval,
		SweepSpacing: cfg.RoleSync.SweepSpacing,
		ShutdownWait: 10 * time.Second,
	}, slog.Default())
	dispatcher := dispatch.NewDispatcher(reconcile, cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, slog.Default())

	// Handlers
	checks := []adapterhandler.HealthCheck{{Name: "database", Critical: true, Probe: db.HealthCheck}}
	if spworlds != nil {
		checks = append(checks, adapterhandler.HealthCheck{Name: "spworlds", Probe: spworlds.Ping})
	}
	if pinger, ok := roleCache.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, adapterhandler.HealthCheck{Name: "role_cache", Probe: pinger.Ping})
	}
	healthHandler := adapterhandler.NewHealthHandler(checks...)
	rolesHandler := adapterhandler.NewRolesHandler(reconcile, sweeper, syncIssues, audit, adapterhandler.RoleConfiguration{
		GuildID:              cfg.Discord.GuildID,
		Bindings:             table,
		CheckIntervalMinutes: cfg.RoleSync.CheckInterval.Minutes(),
		CacheTTLSeconds:      cfg.RoleSync.CacheTTL.Seconds(),
		CooldownSeconds:      cfg.RoleSync.Cooldown.Seconds(),
		Concurrency:          cfg.RoleSync.Concurrency,
		SPWorlds: adapterhandler.SPWorldsIntegration{
			Enabled: cfg.SPWorlds.Enabled(),
			MapID:   cfg.SPWorlds.MapID,
			APIURL:  cfg.SPWorlds.APIURL,
		},
	}, slog.Default())
	eventsHandler := adapterhandler.NewEventsHandler(hub, adapterhandler.DefaultHeartbeat, slog.Default())

	// Setup Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Security middleware
	e.Use(appmiddleware.SecurityHeaders())

	// OpenTelemetry tracing
	if otelCfg.Enabled {
		e.Use(otelecho.Middleware(otelCfg.ServiceName))
		e.Use(appmiddleware.OTelStatusMiddleware())
	}

	// Request logging
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return path == "/health" || path == "/metrics"
		},
		LogStatus:   true,
		LogURI:      true,
		LogError:    true,
		LogMethod:   true,
		LogLatency:  true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			rctx := c.Request().Context()
			if v.Error == nil {
				slog.InfoContext(rctx, "request completed",
					"method", v.Method,
					"uri", v.URI,
					"status", v.Status,
					"latency_ms", v.Latency.Milliseconds())
			} else {
				slog.ErrorContext(rctx, "request failed",
					"method", v.Method,
					"uri", v.URI,
					"status", v.Status,
					"latency_ms", v.Latency.Milliseconds(),
					"error", v.Error.Error())
			}
			return nil
		},
	}))

	e.Use(middleware.Recover())

	// Rate limiters per endpoint group
	apiRL := appmiddleware.NewRateLimiter(ctx, 120.0/60.0, 20) // 120 req/min
	adminRL := appmiddleware.NewRateLimiter(ctx, 30.0/60.0, 5) // 30 req/min

	// Public routes
	e.GET("/health", healthHandler.Handle)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Authenticated routes; every request also queues a passive role check
	api := e.Group("/api/v1",
		apiRL.Middleware(),
		appmiddleware.Authenticate(verifier, users, slog.Default()),
	)
	passiveCheck := appmiddleware.PassiveRoleCheck(dispatcher)

	rolesHandler.Register(api.Group("/roles", passiveCheck, appmiddleware.RequireAdmin(), adminRL.Middleware()))

	events := api.Group("/events")
	events.GET("/role-updates", eventsHandler.Stream, appmiddleware.PassiveRoleCheckOnConnect(dispatcher))
	events.GET("/role-updates/status", eventsHandler.Status, passiveCheck, appmiddleware.RequireAdmin())

	// Start server with errgroup for graceful shutdown
	address := fmt.Sprintf(":%s", cfg.Port)
	slog.InfoContext(ctx, "starting role-sync server", "address", address)

	sweeper.Start()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := e.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return dispatcher.Run(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		sweeper.Stop()
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return otelShutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("server exited properly")
}

// newRoleCache selects the role cache backend. The returned func releases it.
func newRoleCache(ctx context.Context, cfg *config.Config) (domain.RoleCache, func(), error) {
	if cfg.Cache.Backend != config.CacheBackendRedis {
		return infracache.NewRoleCache(ctx, cfg.RoleSync.CacheTTL), func() {}, nil
	}

	rc, err := infracache.NewRedisRoleCache(cfg.Cache.RedisURL, cfg.RoleSync.CacheTTL, slog.Default())
	if err != nil {
		return nil, nil, err
	}
	if err := rc.Ping(ctx); err != nil {
		_ = rc.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return rc, func() {
		if err := rc.Close(); err != nil {
			slog.Warn("failed to close redis role cache", "error", err)
		}
	}, nil
}

// runHealthcheck performs a health check against the local server.
func runHealthcheck() error {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8000"
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%s/health", port))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned status: %d", resp.StatusCode)
	}
	return nil
}

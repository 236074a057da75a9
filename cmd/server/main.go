package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/voltgrid/csms/internal/adapter/cache"
	"github.com/voltgrid/csms/internal/adapter/http/fiber/handlers"
	"github.com/voltgrid/csms/internal/adapter/http/fiber/middleware"
	"github.com/voltgrid/csms/internal/adapter/queue"
	"github.com/voltgrid/csms/internal/adapter/storage/postgres"
	wsAdapter "github.com/voltgrid/csms/internal/adapter/websocket"
	"github.com/voltgrid/csms/internal/gateway"
	"github.com/voltgrid/csms/internal/observability/telemetry"
	"github.com/voltgrid/csms/internal/ocpp/v16"
	"github.com/voltgrid/csms/internal/ocpp/v201"
	"github.com/voltgrid/csms/internal/ports"
	"github.com/voltgrid/csms/internal/service/auth"
	"github.com/voltgrid/csms/internal/service/charging"
	"github.com/voltgrid/csms/internal/service/command"
	"github.com/voltgrid/csms/internal/service/station"
	"github.com/voltgrid/csms/internal/service/tariff"
	"github.com/voltgrid/csms/internal/service/tenantmgmt"
	"github.com/voltgrid/csms/internal/service/user"
	"github.com/voltgrid/csms/internal/tenant"
	"github.com/voltgrid/csms/pkg/config"
)

const serviceName = "voltgrid-csms"

func main() {
	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration: ", err)
	}

	// 2. Logger
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync()

	logger.Info("starting csms",
		zap.String("service", serviceName),
		zap.String("environment", cfg.App.Environment))

	// 3. Tracing
	if cfg.OpenTelemetry.Enabled {
		name := cfg.OpenTelemetry.ServiceName
		if name == "" {
			name = serviceName
		}
		tp, err := telemetry.InitTracer(name, cfg.OpenTelemetry.Endpoint)
		if err != nil {
			logger.Fatal("failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Error("shutting down tracer provider", zap.Error(err))
			}
		}()
	}

	// 4. PostgreSQL
	db, err := postgres.Open(cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer postgres.Close(db)

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(db); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	// 5. Cache
	var kv ports.Cache
	var cachePing func() error
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL, logger)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisCache.Close()
		kv = redisCache
		cachePing = redisCache.Ping
	} else {
		localCache := cache.NewLocalCache(time.Minute, logger)
		defer localCache.Close()
		kv = localCache
		cachePing = localCache.Ping
	}

	// 6. Event bus
	var bus queue.Bus
	var events ports.EventPublisher = queue.NopPublisher{}
	switch cfg.Queue.Backend {
	case "nats":
		bus, err = queue.NewNATSBus(cfg.Queue.NATSURL, logger)
	case "rabbitmq":
		bus, err = queue.NewRabbitMQBus(cfg.Queue.RabbitMQURL, logger)
	case "", "none":
		logger.Info("event bus disabled")
	default:
		logger.Fatal("unknown queue backend", zap.String("backend", cfg.Queue.Backend))
	}
	if err != nil {
		logger.Fatal("failed to connect to event bus", zap.Error(err))
	}
	if bus != nil {
		publisher := queue.NewPublisher(bus, logger)
		defer publisher.Close()
		events = publisher
	}

	// 7. Repositories
	tenantRepo := cache.NewCachedTenantRepository(postgres.NewTenantRepository(db, logger), kv, logger)
	stationRepo := postgres.NewStationRepository(db, logger)
	sessionRepo := postgres.NewSessionRepository(db, logger)
	tariffRepo := postgres.NewTariffRepository(db, logger)
	userRepo := postgres.NewUserRepository(db, logger)
	tokenRepo := postgres.NewAuthTokenRepository(db, logger)

	// 8. Services
	authService := auth.NewService(userRepo, kv, cfg.JWT.Secret, cfg.JWT.AccessTokenDuration, cfg.JWT.RefreshTokenDuration, logger)
	oidcService := auth.NewOIDC(authService, userRepo, kv, oidcProviders(cfg.OIDC), logger)
	userService := user.NewService(userRepo, authService, logger)
	tenantService := tenantmgmt.NewService(tenantRepo, kv, logger)
	stationService := station.NewService(stationRepo, logger)
	tariffService := tariff.NewService(tariffRepo, logger)
	chargingService := charging.NewService(sessionRepo, stationRepo, tokenRepo, tariffService, kv, events, logger)

	// 9. OCPP gateway
	manager := gateway.NewManager(stationService, cfg.OCPP.CallTimeout, logger)
	router := gateway.NewRouter(manager, cfg.OCPP.CallTimeout, logger)
	v16.NewHandlers(chargingService, stationService, logger).RegisterAll(router)
	v201.NewHandlers(chargingService, stationService, logger).RegisterAll(router)

	commandService := command.NewService(manager, router, sessionRepo, kv, logger)

	resolver := tenant.NewResolver(tenantRepo, cfg.Tenancy.DefaultTenant, cfg.Tenancy.DomainStrategy, logger)
	validator := tenant.NewValidator(tenantRepo, logger)

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	ocppServer := gateway.NewServer(manager, router, resolver, validator, logger)
	go func() {
		if err := ocppServer.Start(cfg.OCPP.Port); err != nil {
			logger.Fatal("ocpp gateway failed", zap.Error(err))
		}
	}()
	go manager.Reap(rootCtx, cfg.OCPP.ReapInterval)

	// 10. Dashboard websocket hub
	hub := wsAdapter.NewHub(logger)
	go hub.Run()
	if bus != nil {
		err := hub.Relay(bus,
			charging.EventSessionStarted,
			charging.EventSessionStopped,
			charging.EventSessionCancelled,
		)
		if err != nil {
			logger.Error("subscribing hub to event bus", zap.Error(err))
		}
	}

	// 11. Background sweeps
	go runEvery(rootCtx, cfg.Sessions.ReapInterval, func(ctx context.Context) {
		if _, err := chargingService.ReapStaleSessions(ctx, cfg.Sessions.StaleAfter); err != nil {
			logger.Warn("reaping stale sessions", zap.Error(err))
		}
	})
	go runEvery(rootCtx, cfg.Sessions.ReservationSweepInterval, func(ctx context.Context) {
		if _, err := stationService.ReleaseExpiredReservations(ctx); err != nil {
			logger.Warn("releasing expired reservations", zap.Error(err))
		}
	})

	// 12. HTTP API
	app := fiber.New(fiber.Config{
		AppName:               serviceName,
		DisableStartupMessage: true,
		ReadTimeout:           cfg.HTTP.ReadTimeout,
		WriteTimeout:          cfg.HTTP.WriteTimeout,
		IdleTimeout:           cfg.HTTP.IdleTimeout,
		ErrorHandler:          middleware.ErrorHandler(logger),
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(middleware.NewCORS(cfg.CORS))
	if cfg.CircuitBreaker.Enabled {
		app.Use(middleware.CircuitBreaker(logger))
	}

	app.Get("/health/live", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})
	app.Get("/health/ready", func(c *fiber.Ctx) error {
		sqlDB, err := db.DB()
		if err != nil || sqlDB.Ping() != nil {
			return c.Status(fiber.StatusServiceUnavailable).SendString("database not ready")
		}
		if err := cachePing(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).SendString("cache not ready")
		}
		return c.SendString("Ready")
	})

	if cfg.Prometheus.Enabled {
		metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
		app.Get(cfg.Prometheus.Path, func(c *fiber.Ctx) error {
			metricsHandler(c.Context())
			return nil
		})
	}

	app.Use(middleware.TenantResolution(resolver, validator, authService, logger))

	registerRoutes(app, routeDeps{
		auth:     authService,
		oidc:     oidcService,
		users:    userService,
		tenants:  tenantService,
		stations: stationService,
		charging: chargingService,
		commands: commandService,
		tariffs:  tariffService,
		manager:  manager,
		hub:      hub,
		log:      logger,
	})

	go func() {
		logger.Info("starting http server", zap.Int("port", cfg.HTTP.Port))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.HTTP.Port)); err != nil {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 13. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if err := ocppServer.Shutdown(ctx); err != nil {
		logger.Error("ocpp shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

// oidcProviders maps the config block onto the auth package's provider
// registrations.
func oidcProviders(cfg config.OIDCConfig) map[string]auth.ProviderConfig {
	out := make(map[string]auth.ProviderConfig, len(cfg.Providers))
	for name, p := range cfg.Providers {
		out[name] = auth.ProviderConfig{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  p.RedirectURL,
		}
	}
	return out
}

type routeDeps struct {
	auth     ports.AuthService
	oidc     *auth.OIDC
	users    ports.UserService
	tenants  ports.TenantService
	stations ports.StationService
	charging ports.ChargingService
	commands ports.CommandService
	tariffs  ports.TariffService
	manager  *gateway.Manager
	hub      *wsAdapter.Hub
	log      *zap.Logger
}

func registerRoutes(app *fiber.App, d routeDeps) {
	v1 := app.Group("/api/v1")

	authHandler := handlers.NewAuthHandler(d.auth, d.users, d.oidc, d.log)
	v1.Post("/auth/login", authHandler.Login)
	v1.Post("/auth/register", authHandler.Register)
	v1.Post("/auth/refresh", authHandler.Refresh)
	v1.Get("/auth/oidc/:provider/start", authHandler.OIDCStart)
	v1.Get("/auth/oidc/:provider/callback", authHandler.OIDCCallback)

	protected := v1.Group("", middleware.AuthRequired(d.auth))
	protected.Get("/auth/me", authHandler.Me)

	stationHandler := handlers.NewStationHandler(d.stations, d.log)
	protected.Get("/stations", stationHandler.List)
	protected.Post("/stations", stationHandler.Create)
	// Registered before /stations/:id so "search" is not taken as an id.
	protected.Get("/stations/search", stationHandler.Search)
	protected.Get("/stations/:id", stationHandler.Get)
	protected.Put("/stations/:id", stationHandler.Update)
	protected.Delete("/stations/:id", stationHandler.Delete)
	protected.Post("/stations/:id/activate", stationHandler.Activate)
	protected.Post("/stations/:id/deactivate", stationHandler.Deactivate)
	protected.Post("/stations/:id/maintenance", stationHandler.SetMaintenance)
	protected.Get("/stations/:id/statistics", stationHandler.Statistics)

	commandHandler := handlers.NewCommandHandler(d.commands, d.log)
	protected.Post("/stations/:stationId/commands/remote-start", commandHandler.RemoteStart)
	protected.Post("/stations/:stationId/commands/reset", commandHandler.Reset)
	protected.Post("/stations/:stationId/commands/unlock/:connectorId", commandHandler.UnlockConnector)
	protected.Post("/stations/:stationId/commands/availability", commandHandler.ChangeAvailability)
	protected.Post("/stations/:stationId/commands/trigger", commandHandler.TriggerMessage)

	sessionHandler := handlers.NewSessionHandler(d.charging, d.log)
	protected.Get("/sessions", sessionHandler.List)
	protected.Get("/sessions/:uuid", sessionHandler.Get)
	protected.Post("/sessions/:uuid/cancel", sessionHandler.Cancel)
	protected.Post("/sessions/:uuid/stop", commandHandler.RemoteStop)

	tariffHandler := handlers.NewTariffHandler(d.tariffs, d.log)
	protected.Get("/tariffs", tariffHandler.List)
	protected.Post("/tariffs", tariffHandler.Create)
	protected.Get("/tariffs/:id", tariffHandler.Get)
	protected.Put("/tariffs/:id", tariffHandler.Update)
	protected.Delete("/tariffs/:id", tariffHandler.Delete)

	userHandler := handlers.NewUserHandler(d.users, d.log)
	protected.Post("/users/password", userHandler.ChangePassword)
	admin := protected.Group("", middleware.RequireRole("admin"))
	admin.Get("/users", userHandler.List)
	admin.Post("/users", userHandler.Create)
	admin.Get("/users/:id", userHandler.Get)
	admin.Put("/users/:id", userHandler.Update)
	admin.Delete("/users/:id", userHandler.Delete)

	tenantHandler := handlers.NewTenantHandler(d.tenants, d.log)
	admin.Get("/admin/tenants", tenantHandler.List)
	admin.Post("/admin/tenants", tenantHandler.Create)
	admin.Get("/admin/tenants/:id", tenantHandler.Get)
	admin.Put("/admin/tenants/:id", tenantHandler.Update)
	admin.Post("/admin/tenants/:id/suspend", tenantHandler.Suspend)
	admin.Post("/admin/tenants/:id/activate", tenantHandler.Activate)

	admin.Get("/admin/gateway/stats", func(c *fiber.Ctx) error {
		return c.JSON(d.manager.Snapshot())
	})

	// Live updates for the dashboard. The token travels in the query
	// string because browsers cannot set headers on websocket upgrades.
	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		claims, err := d.auth.ValidateToken(c.UserContext(), c.Query("token"))
		if err != nil {
			return err
		}
		c.Locals("ws_tenant", claims.TenantID)
		c.Locals("ws_user", claims.UserID)
		return c.Next()
	})
	app.Get("/ws/updates", websocket.New(func(c *websocket.Conn) {
		tenantID, _ := c.Locals("ws_tenant").(string)
		userID, _ := c.Locals("ws_user").(string)
		d.hub.AddClient(c, tenantID, userID)
	}))
}

// runEvery invokes fn on the interval until ctx is done. Each run gets a
// fresh background context so a shutdown does not abort mid-sweep.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(context.Background())
		}
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/roomcast/roomcast/internal/adapter"
	"github.com/roomcast/roomcast/internal/bus"
	"github.com/roomcast/roomcast/internal/config"
	"github.com/roomcast/roomcast/internal/database"
	"github.com/roomcast/roomcast/internal/logging"
	"github.com/roomcast/roomcast/internal/middleware"
	"github.com/roomcast/roomcast/internal/observability"
	"github.com/roomcast/roomcast/internal/realtime"
	"github.com/rs/zerolog/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"

	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("roomcast %s\n", Version)
		fmt.Printf("Commit: %s\n", Commit)
		fmt.Printf("Build Date: %s\n", BuildDate)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Setup(cfg.Logging)

	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("Starting roomcast")

	ctx := context.Background()

	// Database pool, only needed by the postgres bus backend.
	var pool *pgxpool.Pool
	if cfg.Bus.Backend == "postgres" {
		pool, err = database.NewPool(ctx, cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer pool.Close()
	}

	busClient, err := bus.NewBus(&cfg.Bus, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bus")
	}
	defer busClient.Close()

	metrics := observability.NewMetrics()

	factory := adapter.NewFactory(busClient,
		adapter.WithChannelPrefix(cfg.Bus.ChannelPrefix),
		adapter.WithMetrics(metrics),
	)
	log.Info().
		Str("instance_id", factory.InstanceID()).
		Str("channel_prefix", factory.ChannelPrefix()).
		Msg("Adapter factory ready")

	manager := realtime.NewManager(ctx, factory)
	manager.SetMetrics(metrics)
	manager.SetMaxConnections(cfg.Realtime.MaxConnections)
	handler := realtime.NewHandler(manager, cfg.Realtime)

	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		BodyLimit:             cfg.Server.BodyLimit,
		DisableStartupMessage: true,
	})
	app.Use(requestid.New())
	app.Use(recover.New())
	app.Use(middleware.RequestLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":      "ok",
			"connections": manager.GetConnectionCount(),
		})
	})
	app.Get("/metrics", metrics.Handler())
	app.Get("/realtime", handler.HandleWebSocket)

	go func() {
		log.Info().Str("address", cfg.Server.Address).Msg("Starting roomcast server")
		if err := app.Listen(cfg.Server.Address); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	if err := app.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	manager.Shutdown()

	log.Info().Msg("Server exited")
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/clusterctl/commissioner/internal/app"
	"github.com/clusterctl/commissioner/internal/config"
	"github.com/clusterctl/commissioner/internal/infrastructure/db"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	transporthttp "github.com/clusterctl/commissioner/internal/transport/http"
	httpmw "github.com/clusterctl/commissioner/internal/transport/http/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "commissioner",
	Short:         "Runs and tracks long-running operations against database clusters",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the task executor",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE:  runMigrate,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Fail tasks left behind by dead processes and exit",
	RunE:  runRecover,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to the config file")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(serveCmd, migrateCmd, recoverCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	path := "config/config.yaml"
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = "../config/config.yaml"
	}
	return path
}

// bootstrap loads config, builds the logger and opens a migrated database.
func bootstrap() (*config.Config, *logger.Logger, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	database, err := db.NewConnection(cfg.Database, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Infow("database_connected", "driver", cfg.Database.Driver)

	if err := db.RunMigrations(database); err != nil {
		_ = db.Close(database)
		return nil, nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("database migrations completed")

	return cfg, log, database, nil
}

func runMigrate(_ *cobra.Command, _ []string) error {
	_, log, database, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()
	return db.Close(database)
}

func runRecover(cmd *cobra.Command, _ []string) error {
	cfg, log, database, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()
	defer db.Close(database)

	engine, err := app.New(cfg, database, log, app.Options{})
	if err != nil {
		return err
	}
	n, err := engine.Recovery.Scan(cmd.Context())
	if err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}
	log.Infow("recovery_complete", "recovered", n)
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, database, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()

	engine, err := app.New(cfg, database, log, app.Options{})
	if err != nil {
		_ = db.Close(database)
		return err
	}
	if err := engine.Start(cmd.Context()); err != nil {
		_ = db.Close(database)
		return err
	}

	fiberApp := fiber.New(fiber.Config{
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		ErrorHandler:          globalErrorHandler(log),
		DisableStartupMessage: true,
	})

	fiberApp.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	allowedOrigins := "http://localhost:3000"
	if len(cfg.Auth.AllowedOrigins) > 0 {
		allowedOrigins = strings.Join(cfg.Auth.AllowedOrigins, ",")
	}

	fiberApp.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Admin-Token, " + cfg.Features.RequestIDHeader,
		AllowMethods: "GET, POST, HEAD",
	}))

	fiberApp.Use(httpmw.RequestID(cfg.Features.RequestIDHeader))
	if cfg.Features.EnableRequestLogging {
		fiberApp.Use(httpmw.RequestLogger(log))
	}

	transporthttp.SetupRoutes(fiberApp, transporthttp.RouterConfig{
		Commissioner: engine.Commissioner,
		Progress:     engine.Progress,
		Ledger:       engine.Ledger,
		Locks:        engine.Locks,
		Logger:       log,
		Config:       cfg,
	})

	addr := cfg.Server.Address()
	go func() {
		if err := fiberApp.Listen(addr); err != nil {
			log.Fatalf("server failed to start: %v", err)
		}
	}()

	log.Infow("server_started", "addr", addr, "owner_id", engine.Recovery.OwnerID())

	gracefulShutdown(fiberApp, engine, database, log)
	return nil
}

func globalErrorHandler(log *logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		// Expected client errors only warrant a warning.
		if code == fiber.StatusRequestTimeout || code == fiber.StatusNotFound {
			log.Warnw("request failed",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Locals(string(httpmw.RequestIDKey)),
			)
		} else {
			log.Errorw("request error",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Locals(string(httpmw.RequestIDKey)),
			)
		}

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

func gracefulShutdown(fiberApp *fiber.App, engine *app.App, database *gorm.DB, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := fiberApp.ShutdownWithContext(ctx); err != nil {
		log.Errorf("server forced to shutdown: %v", err)
	}

	// Tasks still running past the deadline are failed by the next recovery scan.
	if err := engine.Stop(ctx); err != nil {
		log.Errorf("executor did not drain: %v", err)
	}

	if err := db.Close(database); err != nil {
		log.Errorf("failed to close database connection: %v", err)
	}

	log.Info("server exited gracefully")
}

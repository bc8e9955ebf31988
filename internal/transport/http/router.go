package http

import (
	"github.com/clusterctl/commissioner/internal/config"
	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"github.com/clusterctl/commissioner/internal/infrastructure/metrics"
	"github.com/clusterctl/commissioner/internal/transport/http/handlers"
	httpmw "github.com/clusterctl/commissioner/internal/transport/http/middleware"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

type RouterConfig struct {
	Commissioner ports.Commissioner
	Progress     ports.ProgressService
	Ledger       ports.AuditLedger
	Locks        ports.LockManager
	Logger       *logger.Logger
	Config       *config.Config
}

func SetupRoutes(app *fiber.App, cfg RouterConfig) {
	taskHandler := handlers.NewTaskHandler(cfg.Commissioner, cfg.Progress, cfg.Logger)
	auditHandler := handlers.NewAuditHandler(cfg.Ledger, cfg.Logger)
	resourceHandler := handlers.NewResourceHandler(cfg.Locks, cfg.Ledger, cfg.Logger)
	statusStream := handlers.NewStatusStream(cfg.Progress, cfg.Config.Server.StreamInterval, cfg.Logger)

	adminAuth := httpmw.AdminAuth(cfg.Config.Auth)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	if cfg.Config.Features.EnableMetrics {
		app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	}

	// Task status stream
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})
	app.Get("/ws/tasks/:id", adminAuth, websocket.New(statusStream.Handle))

	// API v1 routes
	api := app.Group("/api/v1", adminAuth)

	customers := api.Group("/customers/:customerId")
	customers.Post("/tasks", taskHandler.SubmitTask)
	customers.Get("/audit", auditHandler.ListByCustomer)

	tasks := api.Group("/tasks")
	tasks.Get("/:id", taskHandler.GetTask)
	tasks.Get("/:id/subtasks", taskHandler.GetSubtasks)

	api.Get("/resources/:type/:id", resourceHandler.GetState)
	api.Get("/resources/:type/:id/audit", auditHandler.ListByResource)
	api.Post("/resources/:type/:id/force-complete", resourceHandler.ForceComplete)
}

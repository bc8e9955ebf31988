package middleware

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/clusterctl/commissioner/internal/config"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type ctxKey string

const RequestIDKey ctxKey = "request_id"

// AdminAuth accepts the admin key from X-Admin-Token or a bearer token. With no
// key configured every request passes.
func AdminAuth(cfg config.AuthConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := cfg.AdminAPIKey
		if apiKey == "" {
			return c.Next()
		}

		token := c.Get("X-Admin-Token")
		if token == "" {
			token = strings.TrimPrefix(c.Get("Authorization"), "Bearer ")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unauthorized",
			})
		}

		return c.Next()
	}
}

// RequestID stores the caller's request id, or a fresh one, in the user context
// and echoes it back.
func RequestID(header string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var reqID string
		if header != "" {
			reqID = c.Get(header)
		}
		if reqID == "" {
			reqID = uuid.New().String()
		}
		if header != "" {
			c.Set(header, reqID)
		}
		c.Locals(string(RequestIDKey), reqID)
		c.SetUserContext(context.WithValue(c.UserContext(), RequestIDKey, reqID))
		return c.Next()
	}
}

func RequestLogger(log *logger.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		routePath := ""
		if c.Route() != nil {
			routePath = c.Route().Path
		}
		log.Infow("http_access",
			"method", c.Method(),
			"path", c.Path(),
			"route", routePath,
			"status", c.Response().StatusCode(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.IP(),
			"request_id", c.Locals(string(RequestIDKey)),
			"req_bytes", len(c.Request().Body()),
			"resp_bytes", len(c.Response().Body()),
		)
		return err
	}
}

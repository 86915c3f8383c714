package admin

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-edge/internal/revalidate"
	"github.com/any-hub/any-edge/internal/server"
	"github.com/any-hub/any-edge/internal/timeout"
	"github.com/any-hub/any-edge/internal/txn"
)

// ConnectionStats 由客户端连接端点实现。
type ConnectionStats interface {
	ConnectionCount() int
	Accepted() uint64
}

// RuleReloader 由重新验证协调器实现。
type RuleReloader interface {
	Index() *revalidate.Index
	Reload(ctx context.Context) (revalidate.ReloadResult, error)
	LastResult() revalidate.ReloadResult
}

// Options controls the admin application.
type Options struct {
	Logger      *logrus.Logger
	Table       *txn.Table
	Rules       RuleReloader
	Registry    *server.RemapRegistry
	Connections ConnectionStats
	Supervisor  *timeout.Supervisor
	Version     string
	StartedAt   time.Time
}

const contextKeyRequestID = "_anyedge_request_id"

// NewApp builds the Fiber application serving the /-/ diagnostics endpoints.
func NewApp(opts Options) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Table == nil {
		return nil, errors.New("transaction table is required")
	}
	if opts.Rules == nil {
		return nil, errors.New("rule reloader is required")
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	h := &handlers{opts: opts}
	app.Get("/-/status", h.status)
	app.Get("/-/transactions", h.listTransactions)
	app.Get("/-/transactions/:id", h.getTransaction)
	app.Get("/-/revalidate/rules", h.listRules)
	app.Post("/-/revalidate/reload", h.reload)

	app.All("/*", func(c fiber.Ctx) error {
		path := string(c.Request().URI().Path())
		if !isDiagnosticsPath(path) {
			opts.Logger.WithFields(logrus.Fields{
				"action": "admin_route",
				"path":   path,
			}).Debug("admin path outside diagnostics prefix")
		}
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	})

	return app, nil
}

// requestContextMiddleware 为每个诊断请求生成请求 ID。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the admin middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}

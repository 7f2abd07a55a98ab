package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nuba-io/nuba/internal/files"
	"github.com/nuba-io/nuba/internal/version"
)

// Operations describes the file operations the router dispatches to. It
// allows injecting fake implementations during tests; *files.Service is the
// production implementation.
type Operations interface {
	CreateFile(ctx context.Context, path string) error
	CreateDir(ctx context.Context, path string) error
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, body []byte) error
	Remove(ctx context.Context, path string) (files.EntryKind, error)
	Close(ctx context.Context, path string) error
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger *logrus.Logger
	Files  Operations
	// BodyLimit 限制 /write 请求体大小，0 表示使用 Fiber 默认值。
	BodyLimit    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const contextKeyRequestID = "_nuba_request_id"

// NewApp builds a Fiber application with request-id middleware, the file
// operation route table and a plain-text 404 fallback. Diagnostics routes
// under /-/ can be registered on the returned app afterwards.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Files == nil {
		return nil, errors.New("file operations are required")
	}
	if opts.BodyLimit < 0 {
		return nil, errors.New("body limit must not be negative")
	}

	app := fiber.New(fiber.Config{
		AppName:       version.ServerHeader(),
		ServerHeader:  version.ServerHeader(),
		CaseSensitive: true,
		BodyLimit:     opts.BodyLimit,
		ReadTimeout:   opts.ReadTimeout,
		WriteTimeout:  opts.WriteTimeout,
		IdleTimeout:   opts.IdleTimeout,
		ErrorHandler:  fallbackErrorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	h := &handlers{ops: opts.Files, logger: opts.Logger}
	for _, r := range h.table() {
		app.Add([]string{r.method}, r.path, h.wrap(r))
	}

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return renderNotFound(c)
	})

	return app, nil
}

// requestContextMiddleware 为每个请求生成请求 ID 并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// fallbackErrorHandler 处理未被路由表接住的错误（未匹配的诊断路径、请求体过大等），
// 统一输出纯文本。
func fallbackErrorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		message := "Internal Server Error"

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
			message = fiberErr.Message
		}
		if status == fiber.StatusNotFound || status == fiber.StatusMethodNotAllowed {
			return renderNotFound(c)
		}

		logger.WithError(err).WithFields(logrus.Fields{
			"action":     "request_error",
			"method":     c.Method(),
			"route":      string(c.Request().URI().Path()),
			"status":     status,
			"request_id": RequestID(c),
		}).Warn("request_rejected")
		return c.Status(status).SendString(message)
	}
}

func renderNotFound(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).SendString("Not Found")
}

// RequestID returns the request identifier stored by the router middleware.
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

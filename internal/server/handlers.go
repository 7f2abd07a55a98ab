package server

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	apperrors "github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"

	"github.com/nuba-io/nuba/internal/logging"
)

// route 是路由表中的一项：(method, path) → 具体文件操作。
type route struct {
	method string
	path   string
	action string
	handle func(c fiber.Ctx, target string) error
}

type handlers struct {
	ops    Operations
	logger *logrus.Logger
}

func (h *handlers) table() []route {
	return []route{
		{method: fiber.MethodGet, path: "/create_file", action: "create_file", handle: h.createFile},
		{method: fiber.MethodGet, path: "/create_dir", action: "create_dir", handle: h.createDir},
		{method: fiber.MethodGet, path: "/read", action: "read", handle: h.read},
		{method: fiber.MethodPost, path: "/write", action: "write", handle: h.write},
		{method: fiber.MethodGet, path: "/remove", action: "remove", handle: h.remove},
		{method: fiber.MethodGet, path: "/close", action: "close", handle: h.close},
	}
}

func (h *handlers) createFile(c fiber.Ctx, target string) error {
	if err := h.ops.CreateFile(c.Context(), target); err != nil {
		return err
	}
	return respondText(c, "GET created file "+target)
}

func (h *handlers) createDir(c fiber.Ctx, target string) error {
	if err := h.ops.CreateDir(c.Context(), target); err != nil {
		return err
	}
	return respondText(c, "GET created dir "+target)
}

func (h *handlers) read(c fiber.Ctx, target string) error {
	data, err := h.ops.Read(c.Context(), target)
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	return c.Status(fiber.StatusOK).Send(data)
}

func (h *handlers) write(c fiber.Ctx, target string) error {
	if err := h.ops.Write(c.Context(), target, c.Body()); err != nil {
		return err
	}
	return respondText(c, "POST write to file "+target)
}

func (h *handlers) remove(c fiber.Ctx, target string) error {
	kind, err := h.ops.Remove(c.Context(), target)
	if err != nil {
		return err
	}
	return respondText(c, fmt.Sprintf("GET remove %s %s", kind, target))
}

func (h *handlers) close(c fiber.Ctx, target string) error {
	if err := h.ops.Close(c.Context(), target); err != nil {
		return err
	}
	return respondText(c, "GET close file "+target)
}

// wrap 负责解析目标路径、捕获 handler panic、渲染错误并记录访问日志。
func (h *handlers) wrap(r route) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		target, err := extractTarget(c)
		if err == nil {
			err = h.invoke(c, r, target)
		}
		if err != nil {
			status, message := statusFor(err)
			h.logResult(c, r, target, status, started, err)
			return c.Status(status).SendString(message)
		}
		h.logResult(c, r, target, c.Response().StatusCode(), started, nil)
		return nil
	}
}

func (h *handlers) invoke(c fiber.Ctx, r route, target string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.handle(c, target)
}

func (h *handlers) logResult(c fiber.Ctx, r route, target string, status int, started time.Time, err error) {
	fields := logging.RequestFields(c.Method(), r.path, target, RequestID(c))
	fields["action"] = r.action
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err == nil {
		h.logger.WithFields(fields).Info("request_complete")
		return
	}

	fields["error"] = err.Error()
	var platformErr apperrors.PlatformError
	if errors.As(err, &platformErr) {
		fields["error_code"] = string(platformErr.Code())
		for key, value := range platformErr.Context() {
			if _, exists := fields[key]; !exists {
				fields[key] = value
			}
		}
	}
	if status >= fiber.StatusInternalServerError {
		h.logger.WithFields(fields).Error("request_failed")
		return
	}
	h.logger.WithFields(fields).Warn("request_failed")
}

// extractTarget 将完整的原始查询串解码为目标路径。
func extractTarget(c fiber.Ctx) (string, error) {
	raw := string(c.Request().URI().QueryString())
	if raw == "" {
		return "", apperrors.New(apperrors.CodeInvalidInput, "Empty query")
	}
	target, err := url.PathUnescape(raw)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInvalidInput, "Invalid query: "+err.Error())
	}
	if target == "" {
		return "", apperrors.New(apperrors.CodeInvalidInput, "Empty query")
	}
	return target, nil
}

// statusFor 将结构化错误映射为 HTTP 状态码与纯文本消息。
func statusFor(err error) (int, string) {
	var platformErr apperrors.PlatformError
	if !errors.As(err, &platformErr) {
		return fiber.StatusInternalServerError, "Internal Server Error"
	}
	switch platformErr.Code() {
	case apperrors.CodeNotFound:
		return fiber.StatusNotFound, platformErr.Message()
	case apperrors.CodeForbidden:
		return fiber.StatusForbidden, platformErr.Message()
	case apperrors.CodeAlreadyExists:
		return fiber.StatusConflict, platformErr.Message()
	case apperrors.CodeTimeout:
		return fiber.StatusRequestTimeout, platformErr.Message()
	case apperrors.CodeUnavailable:
		return fiber.StatusServiceUnavailable, platformErr.Message()
	default:
		return fiber.StatusBadRequest, platformErr.Message()
	}
}

func respondText(c fiber.Ctx, message string) error {
	return c.Status(fiber.StatusOK).SendString(message)
}

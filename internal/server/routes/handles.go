package routes

import (
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/nuba-io/nuba/internal/cache"
)

// RegisterHandleRoutes 暴露 /-/handles 诊断接口，供运维查看当前缓存的文件描述符。
func RegisterHandleRoutes(app *fiber.App, c *cache.Cache) {
	if app == nil || c == nil {
		return
	}

	app.Get("/-/handles", func(ctx fiber.Ctx) error {
		return ctx.JSON(encodeSnapshot(c.Snapshot()))
	})
}

type handlesPayload struct {
	LockMode     string          `json:"lock_mode"`
	MaxOpenFiles int             `json:"max_open_files"`
	Open         int             `json:"open"`
	Paths        []string        `json:"paths"`
	Handles      []handlePayload `json:"handles"`
}

type handlePayload struct {
	Path     string `json:"path"`
	OpenedAt string `json:"opened_at"`
}

func encodeSnapshot(s cache.Snapshot) handlesPayload {
	paths := s.Paths
	if paths == nil {
		paths = []string{}
	}
	handles := make([]handlePayload, 0, len(s.Handles))
	for _, h := range s.Handles {
		handles = append(handles, handlePayload{
			Path:     h.Path,
			OpenedAt: h.OpenedAt.Format(time.RFC3339Nano),
		})
	}
	return handlesPayload{
		LockMode:     string(s.LockMode),
		MaxOpenFiles: s.MaxOpenFiles,
		Open:         len(paths),
		Paths:        paths,
		Handles:      handles,
	}
}

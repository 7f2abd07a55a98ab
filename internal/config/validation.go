package config

import (
	"errors"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别: "+g.LogLevel)
	}
	if g.LogMaxSize < 0 {
		return newFieldError("Global.LogMaxSize", "不能为负数")
	}
	if g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxBackups", "不能为负数")
	}
	if strings.TrimSpace(g.RootDir) == "" {
		return newFieldError("Global.RootDir", "不能为空")
	}
	switch strings.ToLower(strings.TrimSpace(g.LockMode)) {
	case "global", "path":
	default:
		return newFieldError("Global.LockMode", "仅支持 global/path")
	}
	if g.MaxOpenFiles < 0 {
		return newFieldError("Global.MaxOpenFiles", "不能为负数")
	}
	if g.BodyLimit <= 0 {
		return newFieldError("Global.BodyLimit", "必须大于 0")
	}
	if g.ReadTimeout.DurationValue() < 0 {
		return newFieldError("Global.ReadTimeout", "不能为负数")
	}
	if g.WriteTimeout.DurationValue() < 0 {
		return newFieldError("Global.WriteTimeout", "不能为负数")
	}
	if g.IdleTimeout.DurationValue() < 0 {
		return newFieldError("Global.IdleTimeout", "不能为负数")
	}
	if g.ShutdownTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ShutdownTimeout", "必须大于 0")
	}

	return nil
}

// validateRootDir 确认根目录存在且为目录。
func validateRootDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return newFieldError("Global.RootDir", err.Error())
	}
	if !info.IsDir() {
		return newFieldError("Global.RootDir", "不是目录: "+path)
	}
	return nil
}

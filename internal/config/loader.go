package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultListenPort      = 8080
	defaultBodyLimit       = 4 * 1024 * 1024
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook()), rejectUnknownKeys); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absRoot, err := filepath.Abs(cfg.Global.RootDir)
	if err != nil {
		return nil, fmt.Errorf("无法解析根目录: %w", err)
	}
	cfg.Global.RootDir = absRoot

	if err := validateRootDir(absRoot); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("RootDir", "/")
	v.SetDefault("LockMode", "global")
	v.SetDefault("MaxOpenFiles", 0)
	v.SetDefault("BodyLimit", defaultBodyLimit)
	v.SetDefault("ReadTimeout", "0s")
	v.SetDefault("WriteTimeout", "0s")
	v.SetDefault("IdleTimeout", "60s")
	v.SetDefault("ShutdownTimeout", "10s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = defaultListenPort
	}
	if strings.TrimSpace(g.RootDir) == "" {
		g.RootDir = "/"
	}
	g.LockMode = strings.ToLower(strings.TrimSpace(g.LockMode))
	if g.LockMode == "" {
		g.LockMode = "global"
	}
	if g.BodyLimit == 0 {
		g.BodyLimit = defaultBodyLimit
	}
	if g.IdleTimeout.DurationValue() == 0 {
		g.IdleTimeout = Duration(defaultIdleTimeout)
	}
	if g.ShutdownTimeout.DurationValue() == 0 {
		g.ShutdownTimeout = Duration(defaultShutdownTimeout)
	}
}

// rejectUnknownKeys 让拼写错误的配置项直接报错，而不是被静默忽略。
func rejectUnknownKeys(dc *mapstructure.DecoderConfig) {
	dc.ErrorUnused = true
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nuba-io/nuba/internal/cache"
	"github.com/nuba-io/nuba/internal/config"
	"github.com/nuba-io/nuba/internal/files"
	"github.com/nuba-io/nuba/internal/logging"
	"github.com/nuba-io/nuba/internal/patch"
	"github.com/nuba-io/nuba/internal/server"
	"github.com/nuba-io/nuba/internal/server/routes"
	"github.com/nuba-io/nuba/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := configFields(logging.BaseFields("check_config", opts.configPath), cfg)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	fields := configFields(logging.BaseFields("startup", opts.configPath), cfg)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务运行失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := pflag.NewFlagSet("nuba", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 NUBA_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("NUBA_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func configFields(fields logrus.Fields, cfg *config.Config) logrus.Fields {
	fields["root_dir"] = cfg.Global.RootDir
	fields["lock_mode"] = cfg.Global.LockMode
	fields["max_open_files"] = cfg.Global.MaxOpenFiles
	return fields
}

// buildApp 按“文件系统 → 打开文件缓存 → 文件服务 → Fiber app”的顺序组装服务，
// 所有连接共享同一个缓存实例。
func buildApp(cfg *config.Config, logger *logrus.Logger) (*fiber.App, *cache.Cache, error) {
	lockMode, err := cache.ParseLockMode(cfg.Global.LockMode)
	if err != nil {
		return nil, nil, err
	}

	fileCache, err := cache.New(cache.Options{
		LockMode:     lockMode,
		MaxOpenFiles: cfg.Global.MaxOpenFiles,
		Logger:       logger,
	})
	if err != nil {
		return nil, nil, err
	}

	svc, err := files.NewService(files.Options{
		FS:      osfs.New(cfg.Global.RootDir),
		Cache:   fileCache,
		Patcher: patch.NewApplier(),
		Logger:  logger,
	})
	if err != nil {
		_ = fileCache.Close()
		return nil, nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:       logger,
		Files:        svc,
		BodyLimit:    cfg.Global.BodyLimit,
		ReadTimeout:  cfg.Global.ReadTimeout.DurationValue(),
		WriteTimeout: cfg.Global.WriteTimeout.DurationValue(),
		IdleTimeout:  cfg.Global.IdleTimeout.DurationValue(),
	})
	if err != nil {
		_ = fileCache.Close()
		return nil, nil, err
	}
	routes.RegisterHandleRoutes(app, fileCache)

	return app, fileCache, nil
}

// serve 运行 Fiber 服务直到 ctx 结束，随后按 ShutdownTimeout 优雅关停并关闭所有缓存描述符。
func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	app, fileCache, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   cfg.Global.ListenPort,
		}).Info("Fiber 服务启动")
		return app.Listen(cfg.ListenAddr(), fiber.ListenConfig{DisableStartupMessage: true})
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Global.ShutdownTimeout.DurationValue())
		defer cancel()

		logger.WithFields(logrus.Fields{
			"action":  "shutdown",
			"timeout": cfg.Global.ShutdownTimeout.DurationValue().String(),
		}).Info("Fiber 服务关停")
		return app.ShutdownWithContext(shutdownCtx)
	})

	serveErr := g.Wait()
	closeErr := fileCache.Close()
	if closeErr != nil {
		logger.WithError(closeErr).WithField("action", "cache_close").Warn("关闭缓存描述符失败")
	}
	return errors.Join(serveErr, closeErr)
}

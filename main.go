package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/klarinet/klarinet-cache/internal/cache"
	"github.com/klarinet/klarinet-cache/internal/config"
	"github.com/klarinet/klarinet-cache/internal/logging"
	"github.com/klarinet/klarinet-cache/internal/metrics"
	"github.com/klarinet/klarinet-cache/internal/proxy"
	"github.com/klarinet/klarinet-cache/internal/server"
	"github.com/klarinet/klarinet-cache/internal/server/routes"
	"github.com/klarinet/klarinet-cache/internal/version"
	"github.com/klarinet/klarinet-cache/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

const shutdownTimeout = 15 * time.Second

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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(ctx context.Context, opts cliOptions) int {
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
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origins"] = len(cfg.Origins)
		fields["cache_driver"] = cfg.Global.CacheDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Origin 注册表失败: %v\n", err)
		return 1
	}

	// 启动顺序：配置 → OriginRegistry → 缓存存储 → worker 注册 → Fiber server，
	// 所有请求共享同一个 Registration 与存储实例。
	storage, err := cache.NewStorage(cfg.Global.CacheDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer func() {
		if err := storage.Close(); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("cache_close_failed")
		}
	}()

	collector, err := metrics.NewCollector()
	if err != nil {
		fmt.Fprintf(stdErr, "初始化指标失败: %v\n", err)
		return 1
	}

	httpClient := server.NewUpstreamClient(cfg)
	builder := newEngine(cfg, registry, storage, httpClient, logger, collector)
	registration := worker.NewRegistration(logger)

	first, err := builder.build()
	if err != nil {
		fmt.Fprintf(stdErr, "构建 worker 失败: %v\n", err)
		return 1
	}
	if err := registration.Register(ctx, first); err != nil {
		// 安装失败时继续提供服务，所有请求直接透传上游，等待下一次更新。
		logger.WithError(err).WithFields(logging.BaseFields("startup", opts.configPath)).Warn("worker_register_failed")
	}

	if err := config.Watch(opts.configPath, func(next *config.Config, err error) {
		fields := logging.BaseFields("reload", opts.configPath)
		if err != nil {
			logger.WithError(err).WithFields(fields).Warn("config_reload_failed")
			return
		}
		builder.setConfig(next)
		registration.Refresh(ctx, builder.build)
	}); err != nil {
		logger.WithError(err).WithFields(logging.BaseFields("reload", opts.configPath)).Warn("config_watch_failed")
	}
	registration.StartUpdater(ctx, cfg.Global.UpdateInterval.DurationValue(), builder.build)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origins"] = len(cfg.Origins)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_driver"] = cfg.Global.CacheDriver
	fields["version"] = version.Full()
	if active := registration.Active(); active != nil {
		fields["worker_version"] = active.Version()
	}
	logger.WithFields(fields).Info("配置加载完成")

	handler := proxy.NewHandler(httpClient, logger, registration, collector)
	if err := serveHTTP(ctx, cfg, registry, registration, storage, proxy.NewForwarder(handler, logger), collector, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("klarinet-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 KLARINET_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("KLARINET_CONFIG")
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

// serveHTTP 阻塞直到 ctx 结束，然后停止接收新请求并等待后台刷新完成。
func serveHTTP(
	ctx context.Context,
	cfg *config.Config,
	registry *server.OriginRegistry,
	registration *worker.Registration,
	storage cache.Storage,
	proxyHandler server.ProxyHandler,
	collector *metrics.Collector,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnostics(app, routes.Options{
		Registration: registration,
		Origins:      registry,
		Storage:      storage,
		Metrics:      collector.Handler(),
		Logger:       logger,
	})

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	fields := logrus.Fields{"action": "shutdown"}
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.WithError(err).WithFields(fields).Warn("server_shutdown_failed")
	}
	if err := registration.Drain(shutdownCtx); err != nil {
		logger.WithError(err).WithFields(fields).Warn("worker_drain_failed")
	}
	logger.WithFields(fields).Info("Fiber 服务已停止")
	return nil
}

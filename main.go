package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-edge/internal/admin"
	"github.com/any-hub/any-edge/internal/cache"
	"github.com/any-hub/any-edge/internal/config"
	"github.com/any-hub/any-edge/internal/logging"
	"github.com/any-hub/any-edge/internal/proxy"
	"github.com/any-hub/any-edge/internal/proxy/hooks"
	"github.com/any-hub/any-edge/internal/revalidate"
	"github.com/any-hub/any-edge/internal/server"
	"github.com/any-hub/any-edge/internal/timeout"
	"github.com/any-hub/any-edge/internal/txn"
	"github.com/any-hub/any-edge/internal/version"
)

// shutdownGrace 是收到退出信号后等待在途事务完成的上限。
const shutdownGrace = 30 * time.Second

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
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["remaps"] = config.RemapSummaries(cfg.Remaps)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["remaps"] = config.RemapSummaries(cfg.Remaps)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["admin_port"] = cfg.Global.AdminPort
	fields["tls"] = cfg.Global.TLSEnabled()
	fields["rules"] = svc.coordinator.Index().Len()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := svc.serve(ctx, cfg); err != nil {
		fmt.Fprintf(stdErr, "服务运行失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	flags := flag.NewFlagSet("any-edge", flag.ContinueOnError)
	flags.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	flags.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ANY_EDGE_CONFIG 覆盖）")
	flags.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	flags.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := flags.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ANY_EDGE_CONFIG")
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

// services 持有进程级组件，按创建的逆序关闭。
type services struct {
	logger      *logrus.Logger
	supervisor  *timeout.Supervisor
	state       *revalidate.SQLiteState
	coordinator *revalidate.Coordinator
	registry    *server.RemapRegistry
	edge        *server.Server
	admin       *fiber.App
}

// buildServices 遵循“计时器 → 规则索引 → 磁盘缓存 → Remap 注册表 → 代理 → 端点”
// 的顺序组装组件，所有事务共享同一份索引、缓存与 Supervisor。
func buildServices(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (svc *services, err error) {
	svc = &services{logger: logger}
	defer func() {
		if err != nil {
			svc.close()
		}
	}()

	svc.supervisor = timeout.NewSupervisor(logger)
	svc.supervisor.Start()

	if path := cfg.Global.RevalidateStatePath; path != "" {
		if svc.state, err = revalidate.OpenSQLiteState(path); err != nil {
			return svc, fmt.Errorf("打开规则状态库失败: %w", err)
		}
	}
	coordOpts := revalidate.Options{Path: cfg.Global.RevalidateConfigPath, Logger: logger}
	if svc.state != nil {
		coordOpts.State = svc.state
	}
	svc.coordinator = revalidate.NewCoordinator(revalidate.NewIndex(), coordOpts)
	if _, err = svc.coordinator.Restore(ctx); err != nil {
		return svc, err
	}
	if _, err = svc.coordinator.Reload(ctx); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return svc, fmt.Errorf("加载重新验证规则失败: %w", err)
		}
		err = nil
		logger.WithFields(logging.BaseFields("revalidate_reload", cfg.Global.RevalidateConfigPath)).
			Warn("revalidate_config_missing")
	}

	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return svc, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	if svc.registry, err = server.NewRemapRegistry(cfg); err != nil {
		return svc, fmt.Errorf("构建 Remap 注册表失败: %w", err)
	}
	chain, err := hooks.Resolve(cfg.Global.DiagnosticHooks)
	if err != nil {
		return svc, err
	}

	handler, err := proxy.NewHandler(proxy.Options{
		Logger:           logger,
		Registry:         svc.registry,
		Client:           server.NewOriginClient(cfg),
		Store:            store,
		Rules:            svc.coordinator.Index(),
		Supervisor:       svc.supervisor,
		OriginNoActivity: cfg.Global.TransactionNoActivityTimeoutOut.DurationValue(),
		Hooks:            chain,
	})
	if err != nil {
		return svc, err
	}

	opts := server.OptionsFromConfig(cfg)
	opts.Logger = logger
	opts.Supervisor = svc.supervisor
	opts.Handler = handler
	opts.Table = txn.NewTable()
	if cfg.Global.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.Global.TLSCertFile, cfg.Global.TLSKeyFile)
		if err != nil {
			return svc, fmt.Errorf("加载 TLS 证书失败: %w", err)
		}
		opts.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}
	if svc.edge, err = server.New(opts); err != nil {
		return svc, err
	}

	if cfg.Global.AdminPort > 0 {
		svc.admin, err = admin.NewApp(admin.Options{
			Logger:      logger,
			Table:       svc.edge.Table(),
			Rules:       svc.coordinator,
			Registry:    svc.registry,
			Connections: svc.edge,
			Supervisor:  svc.supervisor,
			Version:     version.Full(),
		})
		if err != nil {
			return svc, err
		}
	}
	return svc, nil
}

// serve 启动客户端端点与诊断端点，阻塞到 ctx 结束或任一监听失败，然后优雅关闭。
func (s *services) serve(ctx context.Context, cfg *config.Config) error {
	defer s.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Global.RevalidateWatch && cfg.Global.RevalidateConfigPath != "" {
		go func() {
			if err := s.coordinator.Watch(ctx); err != nil {
				s.logger.WithFields(logrus.Fields{"action": "revalidate_watch"}).
					WithError(err).Warn("revalidate_watch_failed")
			}
		}()
	}
	go s.reloadOnHangup(ctx)

	errCh := make(chan error, 2)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Global.ListenPort)
		s.logger.WithFields(logrus.Fields{"action": "listen", "port": cfg.Global.ListenPort}).Info("edge_listen")
		errCh <- s.edge.ListenAndServe(addr)
	}()
	if s.admin != nil {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Global.AdminPort)
			s.logger.WithFields(logrus.Fields{"action": "listen", "port": cfg.Global.AdminPort}).Info("Fiber 服务启动")
			errCh <- s.admin.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, server.ErrServerClosed) {
			runErr = err
		}
	}

	s.logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("shutdown_started")
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
	defer done()
	if err := s.edge.Shutdown(shutdownCtx); err != nil {
		s.logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("edge_shutdown_incomplete")
	}
	if s.admin != nil {
		if err := s.admin.ShutdownWithContext(shutdownCtx); err != nil {
			s.logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("admin_shutdown_failed")
		}
	}
	return runErr
}

// reloadOnHangup 在收到 SIGHUP 时重新加载重新验证规则。
func (s *services) reloadOnHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := s.coordinator.Reload(ctx); err != nil {
				s.logger.WithFields(logrus.Fields{"action": "revalidate_reload", "trigger": "sighup"}).
					WithError(err).Warn("revalidate_reload_failed")
			}
		}
	}
}

// close 停止计时器并关闭状态库，重复调用无副作用。
func (s *services) close() {
	if s.supervisor != nil {
		s.supervisor.Stop()
		s.supervisor = nil
	}
	if s.state != nil {
		if err := s.state.Close(); err != nil {
			s.logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("revalidate_state_close_failed")
		}
		s.state = nil
	}
}

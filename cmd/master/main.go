package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hewenyu/register-center/internal/config"
	"github.com/hewenyu/register-center/internal/discovery"
	"github.com/hewenyu/register-center/internal/master"
	"github.com/hewenyu/register-center/internal/metrics"
	"github.com/hewenyu/register-center/pkg/catalog"
	"github.com/hewenyu/register-center/pkg/model"
	"github.com/hewenyu/register-center/pkg/tunnel"
)

var (
	version    = "0.1.0"
	configFile string
	v          = viper.New()
)

var rootCmd = &cobra.Command{
	Use:     "master",
	Short:   "工作节点",
	Long:    "工作节点主动连接注册中心，上报本地服务目录并执行注册中心发起的远程调用",
	Version: version,
	RunE:    run,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")

	flags := rootCmd.Flags()
	flags.StringSliceP("register", "r", nil, "注册中心地址(host:port)，可重复指定")
	flags.StringP("token", "t", "", "认证令牌")
	flags.Int("retry", 0, "每轮连接的最大尝试次数，0表示不限")
	flags.Duration("retry-delay", 2*time.Second, "重试间隔")
	flags.Bool("follow", true, "根据注册中心广播增删连接")
	flags.Bool("status", false, "启用状态API")
	flags.Int("status-port", 9091, "状态API端口")
	flags.Bool("debug", false, "开发模式日志")

	v.BindPFlag("master.registers", flags.Lookup("register"))
	v.BindPFlag("master.token", flags.Lookup("token"))
	v.BindPFlag("master.retry_attempts", flags.Lookup("retry"))
	v.BindPFlag("master.retry_delay", flags.Lookup("retry-delay"))
	v.BindPFlag("master.follow_topology", flags.Lookup("follow"))
	v.BindPFlag("admin.enabled", flags.Lookup("status"))
	v.BindPFlag("admin.port", flags.Lookup("status-port"))
	v.BindPFlag("log.development", flags.Lookup("debug"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfigWith(v, configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	logger, err := config.NewLoggerWithOptions(cfg.Log)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()

	registers, err := model.ParseEndpoints(cfg.Master.Registers)
	if err != nil {
		return fmt.Errorf("注册中心地址无效: %w", err)
	}
	if len(registers) == 0 && !cfg.Discovery.Etcd.Enabled && !cfg.Discovery.DNS.Enabled {
		return errors.New("未配置注册中心地址，请使用--register或启用etcd/DNS发现")
	}

	logger.Info("Register Center Master Starting...",
		zap.String("version", version),
		zap.Strings("registers", cfg.Master.Registers),
		zap.Bool("token", cfg.Master.Token != ""),
		zap.Bool("follow_topology", cfg.Master.FollowTopology),
		zap.Bool("etcd", cfg.Discovery.Etcd.Enabled),
		zap.Bool("dns", cfg.Discovery.DNS.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat := catalog.New()
	registerSystem(cat, version)

	var worker *master.Worker
	collector := metrics.NewCollector("master", func() metrics.Snapshot { return worker.Stats() })
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	worker = master.New(master.Config{
		MaxAttempts:      cfg.Master.RetryAttempts,
		RetryDelay:       cfg.Master.RetryDelay,
		ReconnectOnClose: cfg.Master.ReconnectOnClose,
		Token:            cfg.Master.Token,
		FollowTopology:   cfg.Master.FollowTopology,
	}, cat, master.WithLogger(logger), master.WithRecorder(collector))

	worker.OnConnect(func(id string, t *tunnel.Tunnel) {
		logger.Info("已连接到注册中心", zap.String("id", id))
	})
	worker.OnError(func(err error, ec master.ErrorContext) {
		logger.Warn("工作节点错误",
			zap.String("target", ec.Key),
			zap.Int("attempt", ec.Attempt),
			zap.String("id", ec.ID),
			zap.Error(err))
	})
	worker.OnCommand(func(id, command string, msg model.Message) {
		logger.Info("收到注册中心命令", zap.String("id", id), zap.String("cmd", command))
	})

	for _, ep := range registers {
		worker.Connect(ep.Host, ep.Port)
	}

	followCtx, stopFollow := context.WithCancel(ctx)
	defer stopFollow()
	sources, closeSources, err := buildSources(cfg, logger)
	if err != nil {
		worker.Shutdown()
		return err
	}
	defer closeSources()
	for _, src := range sources {
		go func(src discovery.Source) {
			if err := discovery.Follow(followCtx, src, worker, logger); err != nil {
				logger.Error("注册中心发现已停止", zap.Error(err))
			}
		}(src)
	}

	var status *echo.Echo
	if cfg.Admin.Enabled {
		status = newStatusServer(worker, registry)
		addr := net.JoinHostPort(cfg.Admin.ListenAddress, strconv.Itoa(cfg.Admin.Port))
		go func() {
			logger.Info("状态API服务启动", zap.String("address", addr))
			if err := status.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("状态API服务异常退出", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("收到退出信号，正在关闭...")

	stopFollow()
	if status != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := status.Shutdown(shutdownCtx); err != nil {
			logger.Error("关闭状态API服务失败", zap.Error(err))
		}
		cancel()
	}

	worker.Shutdown()
	worker.Wait()
	logger.Info("工作节点已关闭")
	return nil
}

// buildSources 按配置创建注册中心地址来源
func buildSources(cfg *config.Config, logger config.Logger) ([]discovery.Source, func(), error) {
	var sources []discovery.Source
	closeFn := func() {}

	if cfg.Discovery.Etcd.Enabled {
		etcdCfg := cfg.Discovery.Etcd
		dir, err := discovery.NewEtcdDirectory(discovery.EtcdConfig{
			Endpoints:   etcdCfg.Endpoints,
			Username:    etcdCfg.Username,
			Password:    etcdCfg.Password,
			DialTimeout: etcdCfg.DialTimeout,
			Prefix:      etcdCfg.Prefix,
		}, logger)
		if err != nil {
			return nil, closeFn, err
		}
		sources = append(sources, dir)
		closeFn = func() { dir.Close() }
	}

	if cfg.Discovery.DNS.Enabled {
		dnsCfg := cfg.Discovery.DNS
		if dnsCfg.Name == "" {
			closeFn()
			return nil, func() {}, errors.New("启用DNS发现时必须配置discovery.dns.name")
		}
		sources = append(sources, discovery.NewSRVResolver(dnsCfg.Name, dnsCfg.Servers,
			discovery.WithSRVLogger(logger),
			discovery.WithSRVInterval(dnsCfg.Interval),
		))
	}

	return sources, closeFn, nil
}

// newStatusServer 提供健康检查、指标和连接目标查询
func newStatusServer(worker *master.Worker, gatherer prometheus.Gatherer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
			"service":   "register-center-master",
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := e.Group("/api/v1")
	api.GET("/targets", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &model.ApiResponse{
			Code:    http.StatusOK,
			Message: "查询成功",
			Data: map[string]interface{}{
				"targets":     worker.Targets(),
				"connections": worker.Connections(),
			},
		})
	})
	api.GET("/services", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &model.ApiResponse{
			Code:    http.StatusOK,
			Message: "查询成功",
			Data: map[string]interface{}{
				"services": worker.Catalog().Describe(),
			},
		})
	})
	return e
}

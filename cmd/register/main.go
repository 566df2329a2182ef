package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hewenyu/register-center/internal/admin"
	"github.com/hewenyu/register-center/internal/admin/service"
	"github.com/hewenyu/register-center/internal/config"
	"github.com/hewenyu/register-center/internal/discovery"
	"github.com/hewenyu/register-center/internal/metrics"
	"github.com/hewenyu/register-center/internal/register"
	"github.com/hewenyu/register-center/pkg/model"
)

var (
	version    = "0.1.0"
	configFile string
	v          = viper.New()
)

var rootCmd = &cobra.Command{
	Use:     "register",
	Short:   "注册中心",
	Long:    "注册中心接受工作节点连接，完成令牌认证和心跳，维护服务目录并向工作节点发起远程调用",
	Version: version,
	RunE:    run,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")

	flags := rootCmd.Flags()
	flags.String("host", "0.0.0.0", "监听地址")
	flags.IntP("port", "p", 8080, "监听端口")
	flags.StringSlice("token", nil, "允许的认证令牌，可重复指定")
	flags.Bool("admin", false, "启用管理API")
	flags.Int("admin-port", 9090, "管理API端口")
	flags.Bool("debug", false, "开发模式日志")

	v.BindPFlag("hub.listen_address", flags.Lookup("host"))
	v.BindPFlag("hub.port", flags.Lookup("port"))
	v.BindPFlag("hub.tokens", flags.Lookup("token"))
	v.BindPFlag("admin.enabled", flags.Lookup("admin"))
	v.BindPFlag("admin.port", flags.Lookup("admin-port"))
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

	logger.Info("Register Center Hub Starting...",
		zap.String("version", version),
		zap.String("listen_address", cfg.Hub.ListenAddress),
		zap.Int("port", cfg.Hub.Port),
		zap.Int("tokens", len(cfg.Hub.Tokens)),
		zap.Bool("admin", cfg.Admin.Enabled),
		zap.Bool("etcd", cfg.Discovery.Etcd.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var hub *register.Hub
	collector := metrics.NewCollector("hub", func() metrics.Snapshot { return hub.Stats() })
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub = register.New(register.Config{
		Host:              cfg.Hub.ListenAddress,
		Port:              cfg.Hub.Port,
		Tokens:            cfg.Hub.Tokens,
		AuthTimeout:       cfg.Hub.AuthTimeout,
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
		ProbeTimeout:      cfg.Hub.ProbeTimeout,
	}, register.WithLogger(logger), register.WithRecorder(collector))

	hub.OnCommand(func(id, command string, msg model.Message) {
		logger.Info("收到工作节点命令", zap.String("id", id), zap.String("cmd", command))
	})

	if err := hub.Start(ctx); err != nil {
		logger.Error("启动注册中心失败", zap.Error(err))
		return err
	}

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer = admin.NewServer(admin.Config{
			Host: cfg.Admin.ListenAddress,
			Port: cfg.Admin.Port,
		}, service.NewAdminService(hub), registry, logger)
		if err := adminServer.Start(); err != nil {
			hub.Close()
			hub.Wait()
			return err
		}
	}

	if cfg.Discovery.Etcd.Enabled {
		dir, err := announce(ctx, cfg, logger)
		if err != nil {
			// 发布失败不影响已连接的工作节点
			logger.Error("发布注册中心地址失败", zap.Error(err))
		} else {
			defer dir.Close()
		}
	}

	<-ctx.Done()
	logger.Info("收到退出信号，正在关闭...")

	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("关闭管理API服务失败", zap.Error(err))
		}
		cancel()
	}

	hub.Close()
	hub.Wait()
	logger.Info("注册中心已关闭")
	return nil
}

// announce 在etcd中发布本注册中心的地址，ctx取消后撤销
func announce(ctx context.Context, cfg *config.Config, logger config.Logger) (*discovery.EtcdDirectory, error) {
	etcdCfg := cfg.Discovery.Etcd
	dir, err := discovery.NewEtcdDirectory(discovery.EtcdConfig{
		Endpoints:   etcdCfg.Endpoints,
		Username:    etcdCfg.Username,
		Password:    etcdCfg.Password,
		DialTimeout: etcdCfg.DialTimeout,
		Prefix:      etcdCfg.Prefix,
	}, logger)
	if err != nil {
		return nil, err
	}

	host := cfg.Hub.AdvertiseAddress
	if host == "" {
		if host, err = os.Hostname(); err != nil {
			dir.Close()
			return nil, fmt.Errorf("获取主机名失败: %w", err)
		}
	}

	ep := model.Endpoint{Host: host, Port: cfg.Hub.Port}
	if err := dir.Announce(ctx, ep, etcdCfg.TTL); err != nil {
		dir.Close()
		return nil, err
	}
	return dir, nil
}

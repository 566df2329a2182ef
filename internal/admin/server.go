// Package admin 提供注册中心的HTTP管理API
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hewenyu/register-center/internal/admin/handler"
	"github.com/hewenyu/register-center/internal/admin/service"
	"github.com/hewenyu/register-center/internal/config"
)

// Config 管理API配置
type Config struct {
	Host string
	Port int

	// ExecuteTimeout 远程执行请求的超时
	ExecuteTimeout time.Duration
}

// Server 表示管理API服务
type Server struct {
	e      *echo.Echo
	addr   string
	logger config.Logger
}

// NewServer 创建一个新的管理API服务，gatherer为nil时不提供/metrics
func NewServer(cfg Config, adminService service.AdminService, gatherer prometheus.Gatherer, logger config.Logger) *Server {
	if logger == nil {
		logger = config.NewNopLogger()
	}

	// 创建Echo实例
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// 添加中间件
	e.Use(middleware.Recover())
	e.Use(requestLogger(logger))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	// 注册路由
	handler.NewServiceHandler(adminService, cfg.ExecuteTimeout).RegisterRoutes(e)
	handler.NewHubHandler(adminService).RegisterRoutes(e)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
			"service":   "register-center-admin-api",
		})
	})
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return &Server{
		e:      e,
		addr:   net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		logger: logger,
	}
}

// Handler 返回HTTP处理器
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start 以非阻塞方式启动服务
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.logger.Error("管理API服务监听失败", zap.String("address", s.addr), zap.Error(err))
		return fmt.Errorf("admin: listen %s: %w", s.addr, err)
	}
	s.e.Listener = ln
	s.logger.Info("管理API服务启动", zap.String("address", ln.Addr().String()))

	go func() {
		if err := s.e.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("管理API服务异常退出", zap.Error(err))
		}
	}()
	return nil
}

// Addr 返回监听地址，未启动时为nil
func (s *Server) Addr() net.Addr {
	if s.e.Listener == nil {
		return nil
	}
	return s.e.Listener.Addr()
}

// Shutdown 关闭服务
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭管理API服务...")
	return s.e.Shutdown(ctx)
}

// requestLogger 使用zap记录每个请求
func requestLogger(logger config.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			logger.Debug("管理API请求", fields...)
			return nil
		},
	})
}

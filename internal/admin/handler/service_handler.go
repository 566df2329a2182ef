package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/register-center/internal/admin/service"
	"github.com/hewenyu/register-center/internal/register"
	"github.com/hewenyu/register-center/pkg/model"
	"github.com/hewenyu/register-center/pkg/tunnel"
)

// DefaultExecuteTimeout 远程执行的默认超时
const DefaultExecuteTimeout = 30 * time.Second

// ServiceHandler 处理服务目录和远程执行相关的HTTP请求
type ServiceHandler struct {
	service service.AdminService
	timeout time.Duration
}

// NewServiceHandler 创建一个新的服务处理器，timeout<=0时使用默认超时
func NewServiceHandler(service service.AdminService, timeout time.Duration) *ServiceHandler {
	if timeout <= 0 {
		timeout = DefaultExecuteTimeout
	}
	return &ServiceHandler{
		service: service,
		timeout: timeout,
	}
}

// RegisterRoutes 注册API路由
func (h *ServiceHandler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/v1")

	// 查询服务目录
	api.GET("/services", h.listServices)
	api.GET("/services/:name", h.findServices)
	api.GET("/connections/:id/services", h.getConnectionServices)

	// 远程执行
	api.POST("/connections/:id/execute", h.execute)
	api.POST("/execute", h.executeAll)
}

// 返回成功响应
func successResponse(code int, message string, data interface{}) *model.ApiResponse {
	return &model.ApiResponse{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// 返回错误响应
func errorResponse(code int, message string) *model.ApiResponse {
	return &model.ApiResponse{
		Code:    code,
		Message: message,
	}
}

// errorStatus 将领域错误映射为HTTP状态码
func errorStatus(err error) int {
	var remote *tunnel.RemoteError
	switch {
	case errors.Is(err, register.ErrTargetNotFound):
		return http.StatusNotFound
	case errors.Is(err, register.ErrTargetNotAuthenticated):
		return http.StatusConflict
	case errors.Is(err, service.ErrEmptyRequest),
		errors.Is(err, service.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.As(err, &remote):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func failure(c echo.Context, prefix string, err error) error {
	code := errorStatus(err)
	return c.JSON(code, errorResponse(code, prefix+": "+err.Error()))
}

// listServices 查询所有连接的服务目录
func (h *ServiceHandler) listServices(c echo.Context) error {
	services := h.service.ListServices(c.Request().Context())
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", map[string]interface{}{
		"services": services,
	}))
}

// findServices 按服务名查询，支持key和value查询参数按元数据过滤
func (h *ServiceHandler) findServices(c echo.Context) error {
	name := c.Param("name")
	if name == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务名不能为空"))
	}
	services := h.service.FindServices(c.Request().Context(), name, c.QueryParam("key"), c.QueryParam("value"))
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", map[string]interface{}{
		"services": services,
	}))
}

// getConnectionServices 查询单个连接的服务目录
func (h *ServiceHandler) getConnectionServices(c echo.Context) error {
	services, err := h.service.GetConnectionServices(c.Request().Context(), c.Param("id"))
	if err != nil {
		return failure(c, "查询服务目录失败", err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", map[string]interface{}{
		"services": services,
	}))
}

// execute 在指定连接上执行服务方法
func (h *ServiceHandler) execute(c echo.Context) error {
	var req model.ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "请求参数无效"))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	result, err := h.service.Execute(ctx, c.Param("id"), req)
	if err != nil {
		return failure(c, "执行失败", err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "执行成功", map[string]interface{}{
		"result": result,
	}))
}

// executeAll 在所有已认证连接上执行服务方法
func (h *ServiceHandler) executeAll(c echo.Context) error {
	var req model.ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "请求参数无效"))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	results, err := h.service.ExecuteAll(ctx, req)
	if err != nil {
		return failure(c, "执行失败", err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "执行成功", map[string]interface{}{
		"results": results,
	}))
}

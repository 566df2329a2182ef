package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/register-center/internal/admin/service"
)

// HubHandler 处理连接、广播和令牌相关的HTTP请求
type HubHandler struct {
	adminService service.AdminService
}

// NewHubHandler 创建一个新的注册中心处理器
func NewHubHandler(adminService service.AdminService) *HubHandler {
	return &HubHandler{
		adminService: adminService,
	}
}

// RegisterRoutes 注册连接、广播和令牌相关的路由
func (h *HubHandler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/v1")
	api.GET("/connections", h.ListConnections)
	api.GET("/stats", h.GetStats)
	api.POST("/broadcast", h.Broadcast)

	api.GET("/tokens", h.ListTokens)
	api.PUT("/tokens", h.ReplaceTokens)
	api.POST("/tokens", h.AddToken)
	api.DELETE("/tokens/:token", h.RemoveToken)
}

// TokensRequest 替换令牌请求
type TokensRequest struct {
	Tokens []string `json:"tokens"`
}

// TokenRequest 添加令牌请求
type TokenRequest struct {
	Token string `json:"token"`
}

// ListConnections 查询所有工作节点连接
func (h *HubHandler) ListConnections(c echo.Context) error {
	connections := h.adminService.ListConnections(c.Request().Context())
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", map[string]interface{}{
		"connections": connections,
		"total":       len(connections),
	}))
}

// GetStats 查询连接统计
func (h *HubHandler) GetStats(c echo.Context) error {
	stats := h.adminService.Stats(c.Request().Context())
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", map[string]interface{}{
		"connections":   stats.Connections,
		"authenticated": stats.Authenticated,
		"services":      stats.Services,
	}))
}

// Broadcast 向所有工作节点广播register或remove命令
func (h *HubHandler) Broadcast(c echo.Context) error {
	var req service.BroadcastRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "请求参数无效"))
	}

	sent, err := h.adminService.Broadcast(c.Request().Context(), req)
	if err != nil {
		return failure(c, "广播失败", err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "广播成功", map[string]interface{}{
		"sent": sent,
	}))
}

// ListTokens 查询令牌
func (h *HubHandler) ListTokens(c echo.Context) error {
	tokens := h.adminService.ListTokens(c.Request().Context())
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", map[string]interface{}{
		"tokens": tokens,
	}))
}

// ReplaceTokens 替换全部令牌
func (h *HubHandler) ReplaceTokens(c echo.Context) error {
	var req TokensRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "请求参数无效"))
	}

	ctx := c.Request().Context()
	h.adminService.ReplaceTokens(ctx, req.Tokens)
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "更新成功", map[string]interface{}{
		"tokens": h.adminService.ListTokens(ctx),
	}))
}

// AddToken 添加令牌
func (h *HubHandler) AddToken(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "请求参数无效"))
	}

	ctx := c.Request().Context()
	if err := h.adminService.AddToken(ctx, req.Token); err != nil {
		return failure(c, "添加令牌失败", err)
	}
	return c.JSON(http.StatusCreated, successResponse(http.StatusCreated, "添加成功", map[string]interface{}{
		"tokens": h.adminService.ListTokens(ctx),
	}))
}

// RemoveToken 删除令牌
func (h *HubHandler) RemoveToken(c echo.Context) error {
	ctx := c.Request().Context()
	h.adminService.RemoveToken(ctx, c.Param("token"))
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "删除成功", map[string]interface{}{
		"tokens": h.adminService.ListTokens(ctx),
	}))
}

package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"snippet-notify/apps/notify-service/dao"
	"snippet-notify/apps/notify-service/model"
	"snippet-notify/apps/notify-service/service"
	"snippet-notify/pkg/httpx"
	"snippet-notify/pkg/logger"
)

// Stores 可选的外部存储，未配置时相关接口返回 404
type Stores struct {
	Events      dao.EventDAO
	Presence    dao.PresenceDAO
	DeadLetters dao.DeadLetterDAO

	// Checks 就绪检查依赖，键为依赖名
	Checks map[string]HealthChecker
}

// HealthChecker 外部依赖探活
type HealthChecker interface {
	Health(ctx context.Context) error
}

const readyCheckTimeout = 2 * time.Second

// HTTPHandler HTTP协议处理器
type HTTPHandler struct {
	svc    *service.Service
	stores Stores
	log    logger.Logger
}

// NewHTTPHandler 创建HTTP处理器
func NewHTTPHandler(svc *service.Service, stores Stores, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		svc:    svc,
		stores: stores,
		log:    log,
	}
}

// RegisterRoutes 注册HTTP路由
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", gin.WrapH(h.svc.Metrics().Handler()))

	api := r.Group("/api/v1/notify")
	{
		// 发送
		api.POST("/send", h.Send)
		api.POST("/send/user", h.sendTo(model.TargetUser))
		api.POST("/send/users", h.sendTo(model.TargetUsers))
		api.POST("/send/group", h.sendTo(model.TargetGroup))
		api.POST("/send/groups", h.sendTo(model.TargetGroups))
		api.POST("/broadcast", h.sendTo(model.TargetAll))
		api.POST("/enqueue", h.Enqueue)

		// 消息与队列
		api.DELETE("/messages/:message_id", h.CancelMessage)
		api.GET("/messages/:message_id/status", h.MessageStatus)
		api.GET("/queue", h.PendingMessages)
		api.POST("/queue/process", h.ProcessQueue)

		// 群组
		api.GET("/groups", h.Groups)
		api.GET("/groups/:group/members", h.GroupMembers)
		api.GET("/groups/:group/stats", h.GroupStats)
		api.POST("/groups/:group/connections", h.AddConnectionToGroup)
		api.DELETE("/groups/:group/connections/:connection_id", h.RemoveConnectionFromGroup)
		api.POST("/groups/:group/users", h.AddUserToGroup)
		api.DELETE("/groups/:group/users/:user_id", h.RemoveUserFromGroup)

		// 连接
		api.GET("/users/:user_id/status", h.ConnectionStatus)
		api.GET("/users/:user_id/presence", h.Presence)
		api.POST("/users/:user_id/disconnect", h.ForceDisconnect)
		api.DELETE("/connections/:connection_id", h.DisconnectConnection)
		api.POST("/cleanup", h.Cleanup)

		// 统计与历史
		api.GET("/stats", h.Stats)
		api.GET("/stats/performance", h.PerformanceMetrics)
		api.GET("/stats/messages", h.MessageStats)
		api.GET("/history/connections", h.ConnectionHistory)
		api.GET("/history/messages", h.MessageEvents)

		// 死信
		api.GET("/dead_letters", h.DeadLetters)
		api.DELETE("/dead_letters/:message_id", h.DeleteDeadLetter)
	}
}

// statusForKind 错误类型到HTTP状态码
func statusForKind(kind model.ErrorKind) int {
	switch kind {
	case model.ErrKindNotFound, model.ErrKindNoActiveConnection:
		return http.StatusNotFound
	case model.ErrKindQueueFull:
		return http.StatusServiceUnavailable
	case model.ErrKindDuplicateConnection, model.ErrKindCancelled:
		return http.StatusConflict
	case model.ErrKindInvalid:
		return http.StatusBadRequest
	case model.ErrKindSendTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// apiError 业务错误转换为接口错误
func apiError(err error) error {
	kind := model.KindOf(err)
	return httpx.NewError(statusForKind(kind), string(kind), err)
}

// badRequest 请求参数错误
func badRequest(err error) error {
	return httpx.NewError(http.StatusBadRequest, string(model.ErrKindInvalid), err)
}

var errStoreDisabled = httpx.NewError(http.StatusNotFound, string(model.ErrKindNotFound), errors.New("store not configured"))

// bindOptionalJSON 允许空请求体
func bindOptionalJSON(c *gin.Context, obj interface{}) error {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Health 健康检查
func (h *HTTPHandler) Health(c *gin.Context) {
	st := h.svc.GetStats()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": st.ActiveConnections,
		"time":        time.Now().Unix(),
	})
}

// Ready 就绪检查，并发探测全部外部依赖，任一失败返回 503
func (h *HTTPHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyCheckTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		failures = make(map[string]string)
		g        errgroup.Group
	)
	for name, checker := range h.stores.Checks {
		g.Go(func() error {
			if err := checker.Health(ctx); err != nil {
				mu.Lock()
				failures[name] = err.Error()
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		h.log.Warn(ctx, "Readiness check failed", logger.F("failures", failures))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "failures": failures})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": len(h.stores.Checks)})
}

// sendResponse 发送接口响应，单目标和多目标结果只有一个非空
type sendResponse struct {
	MessageID string                 `json:"message_id"`
	Result    *model.SendResult      `json:"result,omitempty"`
	Broadcast *model.BroadcastResult `json:"broadcast,omitempty"`
}

// Send 按请求中的 target 派发
func (h *HTTPHandler) Send(c *gin.Context) {
	var req model.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.WriteError(c, badRequest(err))
		return
	}
	h.send(c, req)
}

// sendTo 固定目标类型的发送接口
func (h *HTTPHandler) sendTo(kind model.TargetKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req model.SendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			httpx.WriteError(c, badRequest(err))
			return
		}
		req.Target = kind.String()
		h.send(c, req)
	}
}

func (h *HTTPHandler) send(c *gin.Context, req model.SendRequest) {
	ctx := c.Request.Context()
	env, single, multi, err := h.svc.SendRequest(ctx, req)
	if err != nil {
		h.log.Warn(ctx, "Rejected send request", logger.F("error", err))
		httpx.WriteError(c, apiError(err))
		return
	}
	httpx.WriteObject(c, sendResponse{MessageID: env.ID, Result: single, Broadcast: multi}, nil)
}

// Enqueue 直接入队，由后台处理器投递
func (h *HTTPHandler) Enqueue(c *gin.Context) {
	var req model.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.WriteError(c, badRequest(err))
		return
	}
	env, err := h.svc.BuildEnvelope(req)
	if err != nil {
		httpx.WriteError(c, apiError(err))
		return
	}
	res := h.svc.EnqueueMessage(c.Request.Context(), env)
	if !res.Success {
		c.AbortWithStatusJSON(statusForKind(res.Error), res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CancelMessage 取消排队中的消息
func (h *HTTPHandler) CancelMessage(c *gin.Context) {
	n, err := h.svc.CancelMessage(c.Request.Context(), c.Param("message_id"))
	if err != nil {
		httpx.WriteError(c, apiError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": c.Param("message_id"), "cancelled": n})
}

// MessageStatus 查询消息最新状态
func (h *HTTPHandler) MessageStatus(c *gin.Context) {
	info, ok := h.svc.GetMessageStatus(c.Param("message_id"))
	if !ok {
		httpx.WriteError(c, apiError(fmt.Errorf("message %s: %w", c.Param("message_id"), model.ErrNotFound)))
		return
	}
	c.JSON(http.StatusOK, info)
}

// pendingItem 排队消息摘要
type pendingItem struct {
	MessageID    string              `json:"message_id"`
	Priority     string              `json:"priority"`
	Status       model.MessageStatus `json:"status"`
	RetryCount   int                 `json:"retry_count"`
	ScheduledAt  time.Time           `json:"scheduled_at,omitempty"`
	ConnectionID string              `json:"connection_id,omitempty"`
	LastError    model.ErrorKind     `json:"last_error,omitempty"`
}

// PendingMessages 重试队列内容
func (h *HTTPHandler) PendingMessages(c *gin.Context) {
	pending := h.svc.PendingMessages()
	items := make([]pendingItem, 0, len(pending))
	for _, env := range pending {
		items = append(items, pendingItem{
			MessageID:    env.ID,
			Priority:     env.Priority.String(),
			Status:       env.Status,
			RetryCount:   env.RetryCount,
			ScheduledAt:  env.ScheduledAt,
			ConnectionID: env.ConnectionID,
			LastError:    env.LastError,
		})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(items), "items": items})
}

// ProcessQueue 立即处理一批
func (h *HTTPHandler) ProcessQueue(c *gin.Context) {
	batch, err := intQuery(c, "batch", 0)
	if err != nil {
		httpx.WriteError(c, badRequest(err))
		return
	}
	c.JSON(http.StatusOK, h.svc.ProcessQueue(c.Request.Context(), batch))
}

// Groups 全部群组
func (h *HTTPHandler) Groups(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"groups": h.svc.Groups()})
}

// GroupMembers 群组成员连接
func (h *HTTPHandler) GroupMembers(c *gin.Context) {
	members, err := h.svc.GroupMembers(c.Param("group"))
	if err != nil {
		httpx.WriteError(c, apiError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": c.Param("group"), "members": members})
}

// GroupStats 群组统计
func (h *HTTPHandler) GroupStats(c *gin.Context) {
	st, err := h.svc.GroupStats(c.Param("group"))
	httpx.WriteObject(c, st, wrapErr(err))
}

// AddConnectionToGroup 连接加入群组
func (h *HTTPHandler) AddConnectionToGroup(c *gin.Context) {
	var req struct {
		ConnectionID string `json:"connection_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.WriteError(c, badRequest(err))
		return
	}
	if err := h.svc.AddToGroup(req.ConnectionID, c.Param("group")); err != nil {
		httpx.WriteError(c, apiError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": c.Param("group"), "connection_id": req.ConnectionID})
}

// RemoveConnectionFromGroup 连接移出群组
func (h *HTTPHandler) RemoveConnectionFromGroup(c *gin.Context) {
	if err := h.svc.RemoveFromGroup(c.Param("connection_id"), c.Param("group")); err != nil {
		httpx.WriteError(c, apiError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": c.Param("group"), "connection_id": c.Param("connection_id")})
}

// AddUserToGroup 用户加入群组
func (h *HTTPHandler) AddUserToGroup(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.WriteError(c, badRequest(err))
		return
	}
	n, err := h.svc.AddUserToGroup(req.UserID, c.Param("group"))
	if err != nil {
		httpx.WriteError(c, apiError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": c.Param("group"), "user_id": req.UserID, "connections_added": n})
}

// RemoveUserFromGroup 用户移出群组
func (h *HTTPHandler) RemoveUserFromGroup(c *gin.Context) {
	n := h.svc.RemoveUserFromGroup(c.Param("user_id"), c.Param("group"))
	c.JSON(http.StatusOK, gin.H{"group": c.Param("group"), "user_id": c.Param("user_id"), "connections_removed": n})
}

// ConnectionStatus 用户连接状态
func (h *HTTPHandler) ConnectionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.GetConnectionStatus(c.Param("user_id")))
}

// Presence 跨实例在线状态
func (h *HTTPHandler) Presence(c *gin.Context) {
	if h.stores.Presence == nil {
		httpx.WriteError(c, errStoreDisabled)
		return
	}
	ctx := c.Request.Context()
	userID := c.Param("user_id")
	online, err := h.stores.Presence.IsOnline(ctx, userID)
	if err != nil {
		h.log.Error(ctx, "Presence lookup failed", logger.F("userID", userID), logger.F("error", err))
		httpx.WriteError(c, httpx.NewError(http.StatusBadGateway, string(model.ErrKindInternal), err))
		return
	}
	conns, err := h.stores.Presence.Connections(ctx, userID)
	if err != nil {
		h.log.Error(ctx, "Presence lookup failed", logger.F("userID", userID), logger.F("error", err))
		httpx.WriteError(c, httpx.NewError(http.StatusBadGateway, string(model.ErrKindInternal), err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "online": online, "connections": conns})
}

// ForceDisconnect 强制断开用户的全部连接
func (h *HTTPHandler) ForceDisconnect(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := bindOptionalJSON(c, &req); err != nil {
		httpx.WriteError(c, badRequest(err))
		return
	}
	n := h.svc.ForceDisconnect(c.Request.Context(), c.Param("user_id"), model.DisconnectReason(req.Reason))
	c.JSON(http.StatusOK, gin.H{"user_id": c.Param("user_id"), "disconnected": n})
}

// DisconnectConnection 强制断开单个连接
func (h *HTTPHandler) DisconnectConnection(c *gin.Context) {
	res := h.svc.Disconnect(c.Request.Context(), c.Param("connection_id"), model.ReasonForced)
	if res.NotFound {
		c.AbortWithStatusJSON(http.StatusNotFound, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Cleanup 立即清理超时连接
func (h *HTTPHandler) Cleanup(c *gin.Context) {
	var req struct {
		TimeoutMinutes int `json:"timeout_minutes"`
	}
	if err := bindOptionalJSON(c, &req); err != nil {
		httpx.WriteError(c, badRequest(err))
		return
	}
	c.JSON(http.StatusOK, h.svc.CleanupExpiredConnections(c.Request.Context(), req.TimeoutMinutes))
}

// Stats 实时统计
func (h *HTTPHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.GetStats())
}

// PerformanceMetrics 区间性能指标
func (h *HTTPHandler) PerformanceMetrics(c *gin.Context) {
	r, err := parseRange(c)
	if err != nil {
		httpx.WriteError(c, badRequest(err))
		return
	}
	c.JSON(http.StatusOK, h.svc.GetPerformanceMetrics(r))
}

// MessageStats 区间消息统计
func (h *HTTPHandler) MessageStats(c *gin.Context) {
	r, err := parseRange(c)
	if err != nil {
		httpx.WriteError(c, badRequest(err))
		return
	}
	c.JSON(http.StatusOK, h.svc.GetMessageStats(r))
}

// ConnectionHistory 连接事件；source=store 时查询审计库
func (h *HTTPHandler) ConnectionHistory(c *gin.Context) {
	q, err := parseHistoryQuery(c)
	if err != nil {
		httpx.WriteError(c, badRequest(err))
		return
	}
	if c.Query("source") != "store" {
		c.JSON(http.StatusOK, gin.H{"events": h.svc.ConnectionHistory(q)})
		return
	}
	if h.stores.Events == nil {
		httpx.WriteError(c, errStoreDisabled)
		return
	}
	events, err := h.stores.Events.ConnectionHistory(c.Request.Context(), q)
	if err != nil {
		h.log.Error(c.Request.Context(), "Connection history query failed", logger.F("error", err))
		httpx.WriteError(c, httpx.NewError(http.StatusBadGateway, string(model.ErrKindInternal), err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// MessageEvents 消息事件；source=store 时查询审计库
func (h *HTTPHandler) MessageEvents(c *gin.Context) {
	q, err := parseHistoryQuery(c)
	if err != nil {
		httpx.WriteError(c, badRequest(err))
		return
	}
	if c.Query("source") != "store" {
		c.JSON(http.StatusOK, gin.H{"events": h.svc.MessageEvents(q)})
		return
	}
	if h.stores.Events == nil {
		httpx.WriteError(c, errStoreDisabled)
		return
	}
	events, err := h.stores.Events.MessageHistory(c.Request.Context(), q)
	if err != nil {
		h.log.Error(c.Request.Context(), "Message history query failed", logger.F("error", err))
		httpx.WriteError(c, httpx.NewError(http.StatusBadGateway, string(model.ErrKindInternal), err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// DeadLetters 死信列表
func (h *HTTPHandler) DeadLetters(c *gin.Context) {
	if h.stores.DeadLetters == nil {
		httpx.WriteError(c, errStoreDisabled)
		return
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		httpx.WriteError(c, badRequest(err))
		return
	}
	items, err := h.stores.DeadLetters.List(c.Request.Context(), c.Query("user_id"), limit)
	if err != nil {
		h.log.Error(c.Request.Context(), "Dead letter query failed", logger.F("error", err))
		httpx.WriteError(c, httpx.NewError(http.StatusBadGateway, string(model.ErrKindInternal), err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// DeleteDeadLetter 删除死信
func (h *HTTPHandler) DeleteDeadLetter(c *gin.Context) {
	if h.stores.DeadLetters == nil {
		httpx.WriteError(c, errStoreDisabled)
		return
	}
	n, err := h.stores.DeadLetters.Delete(c.Request.Context(), c.Param("message_id"))
	if err != nil {
		httpx.WriteError(c, httpx.NewError(http.StatusBadGateway, string(model.ErrKindInternal), err))
		return
	}
	if n == 0 {
		httpx.WriteError(c, apiError(model.ErrNotFound))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": c.Param("message_id"), "deleted": n})
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return apiError(err)
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// parseRange 解析 from/to（RFC3339），缺省表示不限制
func parseRange(c *gin.Context) (model.TimeRange, error) {
	var r model.TimeRange
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return r, fmt.Errorf("from: %w", err)
		}
		r.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return r, fmt.Errorf("to: %w", err)
		}
		r.To = t
	}
	if !r.From.IsZero() && !r.To.IsZero() && !r.From.Before(r.To) {
		return r, errors.New("from must be before to")
	}
	return r, nil
}

func parseHistoryQuery(c *gin.Context) (model.HistoryQuery, error) {
	r, err := parseRange(c)
	if err != nil {
		return model.HistoryQuery{}, err
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		return model.HistoryQuery{}, err
	}
	return model.HistoryQuery{
		UserID:       c.Query("user_id"),
		ConnectionID: c.Query("connection_id"),
		MessageID:    c.Query("message_id"),
		Range:        r,
		Limit:        limit,
	}, nil
}

package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/safedrive/internal/repository"
	"github.com/langchou/safedrive/internal/service"
	"github.com/langchou/safedrive/pkg/ws"
)

// defaultWindow 未指定时间范围时向前查询的天数
const defaultWindow = 30 * 24 * time.Hour

// Services 处理器依赖的服务
type Services struct {
	Store     *repository.Store
	Ingest    *service.IngestService
	Trips     *service.TripService
	Fleet     *service.FleetService
	Scores    *service.ScoreService
	Dashboard *service.DashboardService
	Scheduler *service.Scheduler
	Hub       *ws.Hub
	Live      LiveView // 未配置 Redis 时为 nil
	Location  *time.Location
}

// Handler HTTP 处理器
type Handler struct {
	logger    *zap.Logger
	store     *repository.Store
	ingest    *service.IngestService
	trips     *service.TripService
	fleet     *service.FleetService
	scores    *service.ScoreService
	dashboard *service.DashboardService
	scheduler *service.Scheduler
	wsHub     *ws.Hub
	live      LiveView
	location  *time.Location
	upgrader  websocket.Upgrader
	now       func() time.Time
}

// NewHandler 创建处理器
func NewHandler(logger *zap.Logger, s Services) *Handler {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{
		logger:    logger,
		store:     s.Store,
		ingest:    s.Ingest,
		trips:     s.Trips,
		fleet:     s.Fleet,
		scores:    s.Scores,
		dashboard: s.Dashboard,
		scheduler: s.Scheduler,
		wsHub:     s.Hub,
		live:      s.Live,
		location:  loc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		now: time.Now,
	}
}

// respondError 校验错误 400，不存在 404，重复 409，其余 500
func (h *Handler) respondError(c *gin.Context, err error, what string) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation_failed",
			"field":  verr.Field,
			"reason": verr.Reason,
		})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
	case errors.Is(err, repository.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": what + " already exists"})
	default:
		h.respondInternal(c, err, what)
	}
}

// respondIngestError 上报链路只区分校验错误与落库失败，存储层的 ErrNotFound 也按 500 处理
func (h *Handler) respondIngestError(c *gin.Context, err error) {
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		h.respondError(c, err, "report")
		return
	}
	h.respondInternal(c, err, "report")
}

func (h *Handler) respondInternal(c *gin.Context, err error, what string) {
	h.logger.Error("Request failed",
		zap.String("path", c.FullPath()),
		zap.String("what", what),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// parseTime 接受 RFC3339、YYYY-MM-DD（本地日期零点）或毫秒时间戳
func (h *Handler) parseTime(field, v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", v, h.location); err == nil {
		return t, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Time{}, &service.ValidationError{Field: field, Reason: "expected RFC3339, YYYY-MM-DD or epoch milliseconds"}
}

// window 解析 start/end 查询参数，默认最近 30 天
func (h *Handler) window(c *gin.Context) (time.Time, time.Time, error) {
	end := h.now()
	if v := c.Query("end"); v != "" {
		t, err := h.parseTime("end", v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		end = t
	}
	start := end.Add(-defaultWindow)
	if v := c.Query("start"); v != "" {
		t, err := h.parseTime("start", v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		start = t
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, &service.ValidationError{Field: "start", Reason: "must be before end"}
	}
	return start, end, nil
}

// pagination page 从 1 开始，per_page 1-100
func pagination(c *gin.Context) (page, perPage int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ = strconv.Atoi(c.DefaultQuery("per_page", "20"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	return page, perPage
}

// HandleWebSocket WebSocket 推送，?deviceId= 只订阅单个设备
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn, strings.TrimSpace(c.Query("deviceId")))
	client.Register()

	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	clients := 0
	if h.wsHub != nil {
		clients = h.wsHub.ClientCount()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"ws_clients": clients,
		"devices":    len(h.trips.States()),
	})
}

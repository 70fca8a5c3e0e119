package handlers

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/safedrive/internal/metrics"
)

// NewRouter 创建 gin 引擎并注册全部路由
func NewRouter(h *Handler, debug bool) *gin.Engine {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// 设备上报
	r.POST("/api/v2/devices/:deviceId/report", h.Report)

	api := r.Group("/api")
	{
		// 设备与绑定
		api.GET("/devices", h.ListDevices)
		api.GET("/devices/:deviceId", h.GetDevice)
		api.GET("/devices/:deviceId/binding", h.GetBinding)
		api.POST("/devices/:deviceId/bind", h.Bind)
		api.POST("/devices/:deviceId/unbind", h.Unbind)

		// 实时状态（Redis）
		api.GET("/live/devices/:deviceId", h.GetLiveState)
		api.GET("/live/nearby", h.NearbyDevices)

		// 驾驶员
		api.POST("/drivers", h.CreateDriver)
		api.GET("/drivers", h.ListDrivers)
		api.GET("/drivers/:driverId", h.GetDriver)

		// 行程
		api.GET("/drivers/:driverId/trips", h.ListDriverTrips)
		api.GET("/drivers/:driverId/trips/export", h.ExportDriverTrips)
		api.GET("/trips/:tripId", h.GetTrip)
		api.GET("/trips/:tripId/fixes", h.GetTripFixes)
		api.GET("/trips/:tripId/events", h.GetTripEvents)

		// 评分
		api.GET("/drivers/:driverId/score", h.GetScore)
		api.GET("/drivers/:driverId/trend", h.GetTrend)
		api.GET("/drivers/:driverId/ranking", h.GetRanking)
		api.GET("/drivers/:driverId/improvements", h.GetImprovements)

		// 统计
		api.GET("/stats/behaviors", h.BehaviorStats)
		api.GET("/stats/regions", h.RegionStats)
		api.GET("/stats/hours", h.HourStats)

		// 手动触发定时任务
		api.POST("/admin/sweep", h.RunSweep)
		api.POST("/admin/repair", h.RunRepair)
	}

	r.GET("/ws", h.HandleWebSocket)
	r.GET("/metrics", gin.WrapF(metrics.HandleMetrics))
	r.GET("/health", h.HealthCheck)
}

// requestLogger 记录每个请求的方法、路径、状态码与耗时
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

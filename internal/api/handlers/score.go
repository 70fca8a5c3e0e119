package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/langchou/safedrive/internal/service"
)

// maxTrendDays 趋势最多查询的天数
const maxTrendDays = 365

// GetScore 驾驶员评分
func (h *Handler) GetScore(c *gin.Context) {
	start, end, err := h.window(c)
	if err != nil {
		h.respondError(c, err, "score")
		return
	}
	score, err := h.scores.Score(c.Request.Context(), c.Param("driverId"), start, end)
	if err != nil {
		h.respondError(c, err, "score")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": score})
}

// GetTrend 每日评分趋势
// GET /api/drivers/:driverId/trend?days=30
func (h *Handler) GetTrend(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days < 1 || days > maxTrendDays {
		h.respondError(c, &service.ValidationError{Field: "days", Reason: "must be between 1 and 365"}, "trend")
		return
	}
	points, err := h.scores.Trend(c.Request.Context(), c.Param("driverId"), days)
	if err != nil {
		h.respondError(c, err, "trend")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": points})
}

// GetRanking 驾驶员排名
func (h *Handler) GetRanking(c *gin.Context) {
	start, end, err := h.window(c)
	if err != nil {
		h.respondError(c, err, "ranking")
		return
	}
	r, err := h.scores.Ranking(c.Request.Context(), c.Param("driverId"), start, end)
	if err != nil {
		h.respondError(c, err, "ranking")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": r})
}

// GetImprovements 改进建议
func (h *Handler) GetImprovements(c *gin.Context) {
	start, end, err := h.window(c)
	if err != nil {
		h.respondError(c, err, "improvements")
		return
	}
	imp, err := h.scores.Improvements(c.Request.Context(), c.Param("driverId"), start, end)
	if err != nil {
		h.respondError(c, err, "improvements")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": imp})
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// BehaviorStats 按行为统计
func (h *Handler) BehaviorStats(c *gin.Context) {
	start, end, err := h.window(c)
	if err != nil {
		h.respondError(c, err, "stats")
		return
	}
	stats, err := h.dashboard.Behaviors(c.Request.Context(), start, end)
	if err != nil {
		h.respondError(c, err, "stats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

// RegionStats 按区域统计
func (h *Handler) RegionStats(c *gin.Context) {
	start, end, err := h.window(c)
	if err != nil {
		h.respondError(c, err, "stats")
		return
	}
	stats, err := h.dashboard.Regions(c.Request.Context(), start, end)
	if err != nil {
		h.respondError(c, err, "stats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

// HourStats 按小时统计
func (h *Handler) HourStats(c *gin.Context) {
	start, end, err := h.window(c)
	if err != nil {
		h.respondError(c, err, "stats")
		return
	}
	stats, err := h.dashboard.Hours(c.Request.Context(), start, end)
	if err != nil {
		h.respondError(c, err, "stats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/safedrive/internal/service"
)

// RunSweep 立即执行一次巡检
// POST /api/admin/sweep
func (h *Handler) RunSweep(c *gin.Context) {
	report, err := h.scheduler.RunSweep(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "sweep")
		return
	}
	h.logger.Info("Sweep triggered via API", zap.Int("finished", report.Trips.Finished))
	c.JSON(http.StatusOK, gin.H{"data": report})
}

// RunRepair 立即修复某一天，默认前一天
// POST /api/admin/repair?date=YYYY-MM-DD
func (h *Handler) RunRepair(c *gin.Context) {
	day := h.now().In(h.location).AddDate(0, 0, -1)
	if v := c.Query("date"); v != "" {
		t, err := time.ParseInLocation("2006-01-02", v, h.location)
		if err != nil {
			h.respondError(c, &service.ValidationError{Field: "date", Reason: "expected YYYY-MM-DD"}, "repair")
			return
		}
		day = t
	}

	result, err := h.scheduler.RunDailyBatch(c.Request.Context(), day)
	if err != nil {
		h.respondError(c, err, "repair")
		return
	}
	h.logger.Info("Repair triggered via API", zap.String("date", result.Date), zap.Int("created", result.Created))
	c.JSON(http.StatusOK, gin.H{"data": result})
}

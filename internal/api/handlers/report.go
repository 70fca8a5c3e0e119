package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/langchou/safedrive/internal/service"
)

// maxReportBytes 单条上报的最大长度
const maxReportBytes = 1 << 20

// Report 设备上报
// POST /api/v2/devices/:deviceId/report
func (h *Handler) Report(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxReportBytes)
	body, err := c.GetRawData()
	if err != nil {
		h.respondIngestError(c, &service.ValidationError{Field: "body", Reason: "unreadable body"})
		return
	}

	r, err := h.ingest.DecodeReport(body)
	if err != nil {
		h.respondIngestError(c, err)
		return
	}

	ack, err := h.ingest.Ingest(c.Request.Context(), c.Param("deviceId"), r)
	if err != nil {
		h.respondIngestError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

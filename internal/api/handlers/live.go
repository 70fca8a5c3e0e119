package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/langchou/safedrive/internal/service"
)

const (
	defaultNearbyRadius = 1000.0
	maxNearbyRadius     = 50000.0
)

// LiveView 设备实时状态查询
type LiveView interface {
	DeviceState(ctx context.Context, deviceID string) (map[string]string, error)
	DevicesNear(ctx context.Context, lat, lng, radiusMeters float64) ([]string, error)
}

func (h *Handler) liveEnabled(c *gin.Context) bool {
	if h.live == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live state not configured"})
		return false
	}
	return true
}

// GetLiveState 设备最新位置与所在行程
func (h *Handler) GetLiveState(c *gin.Context) {
	if !h.liveEnabled(c) {
		return
	}
	state, err := h.live.DeviceState(c.Request.Context(), c.Param("deviceId"))
	if err != nil {
		h.respondError(c, err, "live state")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": state})
}

// NearbyDevices 半径内的设备，坐标为 GCJ-02
// GET /api/live/nearby?lat=&lng=&radius=
func (h *Handler) NearbyDevices(c *gin.Context) {
	if !h.liveEnabled(c) {
		return
	}

	lat, err := strconv.ParseFloat(c.Query("lat"), 64)
	if err != nil || lat < -90 || lat > 90 {
		h.respondError(c, &service.ValidationError{Field: "lat", Reason: "must be a latitude"}, "devices")
		return
	}
	lng, err := strconv.ParseFloat(c.Query("lng"), 64)
	if err != nil || lng < -180 || lng > 180 {
		h.respondError(c, &service.ValidationError{Field: "lng", Reason: "must be a longitude"}, "devices")
		return
	}
	radius := defaultNearbyRadius
	if v := c.Query("radius"); v != "" {
		radius, err = strconv.ParseFloat(v, 64)
		if err != nil || radius <= 0 || radius > maxNearbyRadius {
			h.respondError(c, &service.ValidationError{Field: "radius", Reason: "must be in (0, 50000]"}, "devices")
			return
		}
	}

	ids, err := h.live.DevicesNear(c.Request.Context(), lat, lng, radius)
	if err != nil {
		h.respondError(c, err, "devices")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ids, "radius": radius})
}

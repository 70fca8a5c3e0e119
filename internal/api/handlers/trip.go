package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListDriverTrips 驾驶员行程列表
// GET /api/drivers/:driverId/trips?start&end&page&per_page
func (h *Handler) ListDriverTrips(c *gin.Context) {
	start, end, err := h.window(c)
	if err != nil {
		h.respondError(c, err, "trips")
		return
	}
	page, perPage := pagination(c)

	trips, total, err := h.store.Trips.ListByDriver(c.Request.Context(), c.Param("driverId"), start, end, perPage, (page-1)*perPage)
	if err != nil {
		h.respondError(c, err, "trips")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": trips,
		"pagination": gin.H{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}

// GetTrip 行程详情
func (h *Handler) GetTrip(c *gin.Context) {
	trip, err := h.store.Trips.Get(c.Request.Context(), c.Param("tripId"))
	if err != nil {
		h.respondError(c, err, "trip")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": trip})
}

// GetTripFixes 行程轨迹
func (h *Handler) GetTripFixes(c *gin.Context) {
	ctx := c.Request.Context()
	tripID := c.Param("tripId")
	if _, err := h.store.Trips.Get(ctx, tripID); err != nil {
		h.respondError(c, err, "trip")
		return
	}

	fixes, err := h.store.Gps.ListByTrip(ctx, tripID)
	if err != nil {
		h.respondError(c, err, "fixes")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": fixes})
}

// GetTripEvents 行程时间范围内该设备的事件
func (h *Handler) GetTripEvents(c *gin.Context) {
	ctx := c.Request.Context()
	trip, err := h.store.Trips.Get(ctx, c.Param("tripId"))
	if err != nil {
		h.respondError(c, err, "trip")
		return
	}

	end := h.now()
	if trip.EndTime != nil {
		end = *trip.EndTime
	}
	events, err := h.store.Events.ListByDevice(ctx, trip.DeviceID, trip.StartTime, end)
	if err != nil {
		h.respondError(c, err, "events")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": events})
}

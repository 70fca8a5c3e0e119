package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/langchou/safedrive/internal/models"
	"github.com/langchou/safedrive/internal/service"
)

// ListDevices 设备列表
func (h *Handler) ListDevices(c *gin.Context) {
	devices, err := h.fleet.ListDevices(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "devices")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": devices})
}

// GetDevice 设备详情，附带当前分段状态
func (h *Handler) GetDevice(c *gin.Context) {
	deviceID := c.Param("deviceId")
	device, err := h.fleet.GetDevice(c.Request.Context(), deviceID)
	if err != nil {
		h.respondError(c, err, "device")
		return
	}

	state := h.trips.States()[deviceID]
	c.JSON(http.StatusOK, gin.H{"data": device, "segmentation_state": state})
}

// GetBinding 当前有效绑定
func (h *Handler) GetBinding(c *gin.Context) {
	b, err := h.fleet.ActiveBinding(c.Request.Context(), c.Param("deviceId"))
	if err != nil {
		h.respondError(c, err, "binding")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": b})
}

type bindRequest struct {
	DriverID string `json:"driverId"`
}

// Bind 绑定驾驶员
// POST /api/devices/:deviceId/bind {"driverId": "..."}
func (h *Handler) Bind(c *gin.Context) {
	var req bindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, &service.ValidationError{Field: "body", Reason: "malformed json"}, "binding")
		return
	}
	if strings.TrimSpace(req.DriverID) == "" {
		h.respondError(c, &service.ValidationError{Field: "driverId", Reason: "required"}, "binding")
		return
	}

	b, err := h.fleet.Bind(c.Request.Context(), c.Param("deviceId"), strings.TrimSpace(req.DriverID))
	if err != nil {
		h.respondError(c, err, "device")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": b})
}

// Unbind 解除绑定
func (h *Handler) Unbind(c *gin.Context) {
	if err := h.fleet.Unbind(c.Request.Context(), c.Param("deviceId")); err != nil {
		h.respondError(c, err, "binding")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "unbound"})
}

type driverRequest struct {
	DriverID      string  `json:"driverId"`
	Name          string  `json:"name"`
	Phone         string  `json:"phone"`
	Email         string  `json:"email"`
	LicenseNumber string  `json:"licenseNumber"`
	LicenseType   string  `json:"licenseType"`
	LicenseExpire string  `json:"licenseExpire"` // YYYY-MM-DD
	TeamID        *string `json:"teamId"`
	Status        string  `json:"status"`
}

// CreateDriver 新建驾驶员
func (h *Handler) CreateDriver(c *gin.Context) {
	var req driverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, &service.ValidationError{Field: "body", Reason: "malformed json"}, "driver")
		return
	}

	d := &models.Driver{
		DriverID:      req.DriverID,
		Name:          req.Name,
		Phone:         req.Phone,
		Email:         req.Email,
		LicenseNumber: req.LicenseNumber,
		LicenseType:   req.LicenseType,
		TeamID:        req.TeamID,
		Status:        req.Status,
	}
	if req.LicenseExpire != "" {
		t, err := h.parseTime("licenseExpire", req.LicenseExpire)
		if err != nil {
			h.respondError(c, err, "driver")
			return
		}
		d.LicenseExpire = &t
	}

	if err := h.fleet.CreateDriver(c.Request.Context(), d); err != nil {
		h.respondError(c, err, "driver")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": d})
}

// ListDrivers 驾驶员列表
func (h *Handler) ListDrivers(c *gin.Context) {
	drivers, err := h.fleet.ListDrivers(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "drivers")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": drivers})
}

// GetDriver 驾驶员详情
func (h *Handler) GetDriver(c *gin.Context) {
	d, err := h.fleet.GetDriver(c.Request.Context(), c.Param("driverId"))
	if err != nil {
		h.respondError(c, err, "driver")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": d})
}

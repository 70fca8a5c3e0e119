package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/langchou/safedrive/internal/metrics"
	"github.com/langchou/safedrive/internal/models"
)

// Broadcaster 实时推送（WebSocket Hub）
type Broadcaster interface {
	BroadcastTripStarted(deviceID string, trip interface{})
	BroadcastTripFinished(deviceID string, trip interface{})
	BroadcastTelemetry(deviceID string, data interface{})
}

// LiveState 设备实时状态（Redis）
type LiveState interface {
	UpdateDeviceState(ctx context.Context, fix *models.GpsFix, tripID string) error
	PublishTrip(ctx context.Context, payload []byte) error
}

// TelemetryNotice 上报通知
type TelemetryNotice struct {
	DeviceID  string      `json:"device_id"`
	Kind      string      `json:"kind"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// TripNotice 行程边界通知
type TripNotice struct {
	Type string       `json:"type"`
	Trip *models.Trip `json:"trip"`
}

// Notifier 推送与实时状态，全部尽力而为，失败只记录日志
type Notifier struct {
	hub    Broadcaster
	live   LiveState
	logger *zap.Logger
}

// NewNotifier hub 与 live 均可为 nil
func NewNotifier(hub Broadcaster, live LiveState, logger *zap.Logger) *Notifier {
	return &Notifier{hub: hub, live: live, logger: logger}
}

func (n *Notifier) TripStarted(ctx context.Context, trip *models.Trip) {
	if n == nil {
		return
	}
	if n.hub != nil {
		n.hub.BroadcastTripStarted(trip.DeviceID, trip)
	}
	n.publishTrip(ctx, "trip_started", trip)
}

func (n *Notifier) TripFinished(ctx context.Context, trip *models.Trip) {
	if n == nil {
		return
	}
	if n.hub != nil {
		n.hub.BroadcastTripFinished(trip.DeviceID, trip)
	}
	n.publishTrip(ctx, "trip_finished", trip)
}

func (n *Notifier) publishTrip(ctx context.Context, kind string, trip *models.Trip) {
	if n.live == nil {
		return
	}
	payload, err := json.Marshal(TripNotice{Type: kind, Trip: trip})
	if err != nil {
		n.logger.Warn("Failed to marshal trip notice", zap.Error(err))
		return
	}
	if err := n.live.PublishTrip(ctx, payload); err != nil {
		metrics.LiveStateFailures.Add(1)
		n.logger.Warn("Failed to publish trip", zap.String("trip_id", trip.TripID), zap.Error(err))
	}
}

// Telemetry 推送一条上报通知
func (n *Notifier) Telemetry(notice TelemetryNotice) {
	if n == nil || n.hub == nil {
		return
	}
	n.hub.BroadcastTelemetry(notice.DeviceID, notice)
}

// DeviceState 写入设备最新位置
func (n *Notifier) DeviceState(ctx context.Context, fix *models.GpsFix, tripID string) {
	if n == nil || n.live == nil {
		return
	}
	if err := n.live.UpdateDeviceState(ctx, fix, tripID); err != nil {
		metrics.LiveStateFailures.Add(1)
		n.logger.Warn("Failed to update device live state",
			zap.String("device_id", fix.DeviceID),
			zap.Error(err))
	}
}

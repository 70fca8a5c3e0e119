package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/langchou/safedrive/internal/coord"
	"github.com/langchou/safedrive/internal/metrics"
	"github.com/langchou/safedrive/internal/models"
	"github.com/langchou/safedrive/internal/repository"
)

// 上报数据类型
const (
	KindEvent  = "event"
	KindStatus = "status"
	KindGps    = "gps"
)

// ValidationError 上报数据不合法
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Report 设备上报的统一信封
type Report struct {
	DataType  string          `json:"dataType" validate:"required,oneof=event status gps"`
	Timestamp int64           `json:"timestamp" validate:"required,gt=0"` // 毫秒
	Data      json.RawMessage `json:"data" validate:"required"`
}

// EventPayload dataType=event
type EventPayload struct {
	EventID         string   `json:"eventId" validate:"required,max=128"`
	Level           string   `json:"level" validate:"required"`
	Score           float64  `json:"score" validate:"gte=0,lte=100"`
	Behavior        string   `json:"behavior" validate:"required,max=64"`
	Confidence      float64  `json:"confidence" validate:"gte=0,lte=1"`
	Duration        float64  `json:"duration" validate:"gte=0"`
	LocationLat     *float64 `json:"locationLat" validate:"omitempty,gte=-90,lte=90"`
	LocationLng     *float64 `json:"locationLng" validate:"omitempty,gte=-180,lte=180"`
	DistractedCount int      `json:"distractedCount" validate:"gte=0"`
}

// StatusPayload dataType=status
type StatusPayload struct {
	Level       string   `json:"level"`
	Score       float64  `json:"score" validate:"gte=0,lte=100"`
	LocationLat *float64 `json:"locationLat" validate:"omitempty,gte=-90,lte=90"`
	LocationLng *float64 `json:"locationLng" validate:"omitempty,gte=-180,lte=180"`
	CPUUsage    *float64 `json:"cpuUsage" validate:"omitempty,gte=0,lte=100"`
	MemoryUsage *float64 `json:"memoryUsage" validate:"omitempty,gte=0,lte=100"`
	Temperature *float64 `json:"temperature"`
}

// GpsPayload dataType=gps
type GpsPayload struct {
	LocationLat *float64 `json:"locationLat" validate:"required,gte=-90,lte=90"`
	LocationLng *float64 `json:"locationLng" validate:"required,gte=-180,lte=180"`
	Speed       *float64 `json:"speed" validate:"omitempty,gte=0"`
	Direction   *float64 `json:"direction" validate:"omitempty,gte=0,lte=360"`
	Altitude    *float64 `json:"altitude"`
	Satellites  *int     `json:"satellites" validate:"omitempty,gte=0"`
}

// Ack 上报应答
type Ack struct {
	Received   bool  `json:"received"`
	ServerTime int64 `json:"serverTime"`
}

// IngestService 上报归一化：校验、坐标转换、绑定解析、去重、落库
type IngestService struct {
	store    *repository.Store
	trips    *TripService
	enricher *Enricher
	notifier *Notifier
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

// NewIngestService 创建上报服务
func NewIngestService(store *repository.Store, trips *TripService, enricher *Enricher, notifier *Notifier, logger *zap.Logger) *IngestService {
	return &IngestService{
		store:    store,
		trips:    trips,
		enricher: enricher,
		notifier: notifier,
		validate: newValidator(),
		logger:   logger,
		now:      time.Now,
	}
}

// DecodeReport 解析并校验上报信封
func (s *IngestService) DecodeReport(body []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, &ValidationError{Field: "body", Reason: "malformed json"}
	}
	if err := s.check(&r, ""); err != nil {
		return nil, err
	}
	return &r, nil
}

// Ingest 处理一条上报
func (s *IngestService) Ingest(ctx context.Context, deviceID string, r *Report) (*Ack, error) {
	metrics.ReportsReceived.Add(1)

	ack, err := s.ingest(ctx, deviceID, r)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			metrics.ReportsRejected.Add(1)
			s.logger.Debug("Report rejected",
				zap.String("device_id", deviceID),
				zap.String("field", verr.Field),
				zap.String("reason", verr.Reason))
		}
		return nil, err
	}
	return ack, nil
}

func (s *IngestService) ingest(ctx context.Context, deviceID string, r *Report) (*Ack, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, &ValidationError{Field: "deviceId", Reason: "required"}
	}
	if r == nil {
		return nil, &ValidationError{Field: "body", Reason: "required"}
	}
	if err := s.check(r, ""); err != nil {
		return nil, err
	}

	ts := time.UnixMilli(r.Timestamp)

	// 先解析负载，非法数据不更新设备
	var handle func(driverID *string) error
	switch r.DataType {
	case KindEvent:
		var p EventPayload
		if err := s.decode(r.Data, &p); err != nil {
			return nil, err
		}
		level, err := models.ParseLevel(p.Level)
		if err != nil {
			return nil, &ValidationError{Field: "data.level", Reason: err.Error()}
		}
		handle = func(driverID *string) error { return s.ingestEvent(ctx, deviceID, driverID, ts, level, &p) }
	case KindStatus:
		var p StatusPayload
		if err := s.decode(r.Data, &p); err != nil {
			return nil, err
		}
		level := models.LevelNormal
		if p.Level != "" {
			l, err := models.ParseLevel(p.Level)
			if err != nil {
				return nil, &ValidationError{Field: "data.level", Reason: err.Error()}
			}
			level = l
		}
		handle = func(driverID *string) error { return s.ingestStatus(ctx, deviceID, driverID, ts, level, &p) }
	case KindGps:
		var p GpsPayload
		if err := s.decode(r.Data, &p); err != nil {
			return nil, err
		}
		handle = func(driverID *string) error { return s.ingestGps(ctx, deviceID, driverID, ts, &p) }
	}

	if err := s.store.Devices.Touch(ctx, deviceID, ts); err != nil {
		return nil, fmt.Errorf("touch device: %w", err)
	}
	driverID, err := s.resolveDriver(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if err := handle(driverID); err != nil {
		return nil, err
	}

	s.notifier.Telemetry(TelemetryNotice{DeviceID: deviceID, Kind: r.DataType, Timestamp: r.Timestamp, Data: r.Data})
	return &Ack{Received: true, ServerTime: s.now().UnixMilli()}, nil
}

// resolveDriver 当前有效绑定的驾驶员，没有绑定返回 nil
func (s *IngestService) resolveDriver(ctx context.Context, deviceID string) (*string, error) {
	b, err := s.store.Bindings.Active(ctx, deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve binding: %w", err)
	}
	id := b.DriverID
	return &id, nil
}

func (s *IngestService) ingestEvent(ctx context.Context, deviceID string, driverID *string, ts time.Time, level models.Level, p *EventPayload) error {
	lat, lng := coord.Transform(p.LocationLat, p.LocationLng)
	event := &models.Event{
		EventID:         p.EventID,
		DeviceID:        deviceID,
		DriverID:        driverID,
		Timestamp:       ts,
		Level:           level,
		Score:           p.Score,
		Behavior:        p.Behavior,
		Confidence:      p.Confidence,
		Duration:        p.Duration,
		DistractedCount: p.DistractedCount,
		EventType:       models.ClassifyBehavior(p.Behavior),
		Severity:        models.SeverityForScore(p.Score),
		Latitude:        lat,
		Longitude:       lng,
	}

	inserted, err := s.store.Events.Insert(ctx, event)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if !inserted {
		metrics.DuplicateEvents.Add(1)
		s.logger.Debug("Duplicate event ignored", zap.String("event_id", p.EventID))
		return nil
	}

	s.enricher.EnqueueEvent(event)
	return nil
}

func (s *IngestService) ingestStatus(ctx context.Context, deviceID string, driverID *string, ts time.Time, level models.Level, p *StatusPayload) error {
	lat, lng := coord.Transform(p.LocationLat, p.LocationLng)
	sample := &models.StatusSample{
		DeviceID:    deviceID,
		DriverID:    driverID,
		Timestamp:   ts,
		Level:       level,
		Score:       p.Score,
		CPUUsage:    p.CPUUsage,
		MemoryUsage: p.MemoryUsage,
		Temperature: p.Temperature,
		Latitude:    lat,
		Longitude:   lng,
	}
	if err := s.store.Statuses.Insert(ctx, sample); err != nil {
		return fmt.Errorf("insert status: %w", err)
	}
	return nil
}

func (s *IngestService) ingestGps(ctx context.Context, deviceID string, driverID *string, ts time.Time, p *GpsPayload) error {
	lat, lng := coord.WGS84ToGCJ02(*p.LocationLat, *p.LocationLng)
	speed := 0.0
	if p.Speed != nil {
		speed = *p.Speed
	}
	fix := &models.GpsFix{
		DeviceID:   deviceID,
		DriverID:   driverID,
		Timestamp:  ts,
		Latitude:   lat,
		Longitude:  lng,
		Speed:      speed,
		Heading:    p.Direction,
		Altitude:   p.Altitude,
		Satellites: p.Satellites,
	}
	if err := s.trips.OnFix(ctx, fix); err != nil {
		return fmt.Errorf("process gps fix: %w", err)
	}
	return nil
}

func (s *IngestService) decode(raw json.RawMessage, v interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return &ValidationError{Field: "data", Reason: "required"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &ValidationError{Field: "data", Reason: "malformed payload"}
	}
	return s.check(v, "data.")
}

func newValidator() *validator.Validate {
	v := validator.New()
	// 错误字段使用 json 名
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// check 执行 validate 标签校验，返回第一个不合法字段
func (s *IngestService) check(v interface{}, prefix string) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: prefix + fe.Field(), Reason: fe.Tag()}
	}
	return &ValidationError{Field: "body", Reason: err.Error()}
}

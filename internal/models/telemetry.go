package models

import "time"

// EventType 事件大类，由 behavior 推导
type EventType string

const (
	EventFatigue     EventType = "FATIGUE"
	EventDistraction EventType = "DISTRACTION"
	EventEmergency   EventType = "EMERGENCY"
)

// Severity 由事件分值推导的严重程度
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// SeverityForScore 分值断点：>=85 critical, >=70 high, >=60 medium
func SeverityForScore(score float64) Severity {
	switch {
	case score >= 85:
		return SeverityCritical
	case score >= 70:
		return SeverityHigh
	case score >= 60:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// GpsFix GPS 定位点，坐标为 GCJ-02
type GpsFix struct {
	ID         int64     `json:"id" db:"id"`
	DeviceID   string    `json:"device_id" db:"device_id"`
	DriverID   *string   `json:"driver_id,omitempty" db:"driver_id"`
	TripID     *string   `json:"trip_id,omitempty" db:"trip_id"` // 行程确定后回填
	Timestamp  time.Time `json:"timestamp" db:"ts"`
	Latitude   float64   `json:"latitude" db:"latitude"`
	Longitude  float64   `json:"longitude" db:"longitude"`
	Speed      float64   `json:"speed" db:"speed"` // km/h
	Heading    *float64  `json:"heading,omitempty" db:"heading"`
	Altitude   *float64  `json:"altitude,omitempty" db:"altitude"`
	Satellites *int      `json:"satellites,omitempty" db:"satellites"`
}

// Event 疲劳/分心事件，EventID 全局唯一（幂等键）
type Event struct {
	EventID         string    `json:"event_id" db:"event_id"`
	DeviceID        string    `json:"device_id" db:"device_id"`
	DriverID        *string   `json:"driver_id,omitempty" db:"driver_id"`
	Timestamp       time.Time `json:"timestamp" db:"ts"`
	Level           Level     `json:"level" db:"level"`
	Score           float64   `json:"score" db:"score"`
	Behavior        string    `json:"behavior" db:"behavior"`
	Confidence      float64   `json:"confidence" db:"confidence"`
	Duration        float64   `json:"duration" db:"duration"` // 秒
	DistractedCount int       `json:"distracted_count" db:"distracted_count"`
	EventType       EventType `json:"event_type" db:"event_type"`
	Severity        Severity  `json:"severity" db:"severity"`
	Latitude        *float64  `json:"latitude,omitempty" db:"latitude"`
	Longitude       *float64  `json:"longitude,omitempty" db:"longitude"`
	Address         *string   `json:"address,omitempty" db:"address"`
	Region          *string   `json:"region,omitempty" db:"region"`
	GeocodeAttempts int       `json:"-" db:"geocode_attempts"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// HasLocation 是否携带坐标
func (e *Event) HasLocation() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// StatusSample 设备状态采样，仅追加
type StatusSample struct {
	DeviceID    string    `json:"device_id" db:"device_id"`
	DriverID    *string   `json:"driver_id,omitempty" db:"driver_id"`
	Timestamp   time.Time `json:"timestamp" db:"ts"`
	Level       Level     `json:"level" db:"level"`
	Score       float64   `json:"score" db:"score"`
	CPUUsage    *float64  `json:"cpu_usage,omitempty" db:"cpu_usage"`
	MemoryUsage *float64  `json:"memory_usage,omitempty" db:"memory_usage"`
	Temperature *float64  `json:"temperature,omitempty" db:"temperature"`
	Latitude    *float64  `json:"latitude,omitempty" db:"latitude"`
	Longitude   *float64  `json:"longitude,omitempty" db:"longitude"`
}

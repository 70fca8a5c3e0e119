package models

import "time"

// TripStatus 行程状态
type TripStatus string

const (
	TripOngoing   TripStatus = "ongoing"
	TripCompleted TripStatus = "completed"
	TripCancelled TripStatus = "cancelled"
)

// Trip 行程，由 GPS 流分段得到
type Trip struct {
	TripID           string     `json:"trip_id" db:"trip_id"`
	DeviceID         string     `json:"device_id" db:"device_id"`
	DriverID         *string    `json:"driver_id,omitempty" db:"driver_id"`
	StartTime        time.Time  `json:"start_time" db:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty" db:"end_time"`
	StartLatitude    float64    `json:"start_latitude" db:"start_latitude"`
	StartLongitude   float64    `json:"start_longitude" db:"start_longitude"`
	EndLatitude      *float64   `json:"end_latitude,omitempty" db:"end_latitude"`
	EndLongitude     *float64   `json:"end_longitude,omitempty" db:"end_longitude"`
	StartAddress     *string    `json:"start_address,omitempty" db:"start_address"`
	EndAddress       *string    `json:"end_address,omitempty" db:"end_address"`
	TotalDistanceKm  float64    `json:"total_distance_km" db:"total_distance_km"`
	TotalDurationSec int64      `json:"total_duration_sec" db:"total_duration_sec"`
	CriticalCount    int        `json:"critical_count" db:"critical_count"` // Level 3
	HighCount        int        `json:"high_count" db:"high_count"`         // Level 2
	MediumCount      int        `json:"medium_count" db:"medium_count"`     // Level 1
	LowCount         int        `json:"low_count" db:"low_count"`           // Normal
	MaxLevel         Level      `json:"max_level" db:"max_level"`
	AvgScore         float64    `json:"avg_score" db:"avg_score"`
	MaxScore         float64    `json:"max_score" db:"max_score"`
	SafetyScore      float64    `json:"safety_score" db:"safety_score"`
	Status           TripStatus `json:"status" db:"status"`
	GeocodeAttempts  int        `json:"-" db:"geocode_attempts"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// EventCount 行程内事件总数
func (t *Trip) EventCount() int {
	return t.CriticalCount + t.HighCount + t.MediumCount + t.LowCount
}

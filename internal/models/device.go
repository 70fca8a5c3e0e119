package models

import "time"

// DeviceStatus 设备在线状态
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
	DeviceError   DeviceStatus = "error"
)

// Device 车载监测设备，首次上报时自动创建
type Device struct {
	DeviceID  string       `json:"device_id" db:"device_id"`
	Name      string       `json:"name,omitempty" db:"name"`
	Type      string       `json:"type,omitempty" db:"type"`
	Version   string       `json:"version,omitempty" db:"version"`
	FirstSeen time.Time    `json:"first_seen" db:"first_seen"`
	LastSeen  time.Time    `json:"last_seen" db:"last_seen"`
	Status    DeviceStatus `json:"status" db:"status"`
	RetiredAt *time.Time   `json:"retired_at,omitempty" db:"retired_at"` // 软删除
}

// Driver 驾驶员
type Driver struct {
	DriverID      string     `json:"driver_id" db:"driver_id"`
	Name          string     `json:"name" db:"name"`
	Phone         string     `json:"phone,omitempty" db:"phone"`
	Email         string     `json:"email,omitempty" db:"email"`
	LicenseNumber string     `json:"license_number,omitempty" db:"license_number"`
	LicenseType   string     `json:"license_type,omitempty" db:"license_type"`
	LicenseExpire *time.Time `json:"license_expire,omitempty" db:"license_expire"`
	TeamID        *string    `json:"team_id,omitempty" db:"team_id"`
	Status        string     `json:"status" db:"status"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// Binding 设备与驾驶员的绑定关系，UnboundAt 为空表示当前有效
type Binding struct {
	ID        int64      `json:"id" db:"id"`
	DeviceID  string     `json:"device_id" db:"device_id"`
	DriverID  string     `json:"driver_id" db:"driver_id"`
	BoundAt   time.Time  `json:"bound_at" db:"bound_at"`
	UnboundAt *time.Time `json:"unbound_at,omitempty" db:"unbound_at"`
}

// Active 是否为当前有效绑定
func (b *Binding) Active() bool {
	return b.UnboundAt == nil
}

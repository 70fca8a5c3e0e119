package repository

import (
	"context"
	"errors"
	"time"

	"github.com/langchou/safedrive/internal/models"
)

// 通用错误
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrOngoingExists = errors.New("device already has an ongoing trip")
)

// DeviceStore 设备
type DeviceStore interface {
	// Touch 不存在则创建，存在则推进 last_seen 并置为在线
	Touch(ctx context.Context, deviceID string, seenAt time.Time) error
	Get(ctx context.Context, deviceID string) (*models.Device, error)
	List(ctx context.Context) ([]*models.Device, error)
	// MarkOffline 将 last_seen 早于 before 的在线设备置为离线，返回受影响的设备
	MarkOffline(ctx context.Context, before time.Time) ([]string, error)
}

// DriverStore 驾驶员
type DriverStore interface {
	Create(ctx context.Context, driver *models.Driver) error
	Get(ctx context.Context, driverID string) (*models.Driver, error)
	List(ctx context.Context) ([]*models.Driver, error)
}

// BindingStore 设备-驾驶员绑定
type BindingStore interface {
	// Active 当前有效绑定，没有时返回 ErrNotFound
	Active(ctx context.Context, deviceID string) (*models.Binding, error)
	// Bind 结束已有的有效绑定并创建新绑定
	Bind(ctx context.Context, deviceID, driverID string, at time.Time) (*models.Binding, error)
	Unbind(ctx context.Context, deviceID string, at time.Time) error
}

// EventStore 事件
type EventStore interface {
	// Insert 按 event_id 原子去重，已存在时 inserted 为 false
	Insert(ctx context.Context, event *models.Event) (inserted bool, err error)
	Get(ctx context.Context, eventID string) (*models.Event, error)
	ListByDevice(ctx context.Context, deviceID string, start, end time.Time) ([]models.Event, error)
	ListByDriver(ctx context.Context, driverID string, start, end time.Time) ([]models.Event, error)
	ListInWindow(ctx context.Context, start, end time.Time) ([]models.Event, error)
	DriversWithEvents(ctx context.Context, start, end time.Time) ([]string, error)
	// PendingGeocode 有坐标、无地址、重试次数未达上限且创建早于 createdBefore 的事件
	PendingGeocode(ctx context.Context, maxAttempts int, createdBefore time.Time, limit int) ([]models.Event, error)
	// SetAddress 只写 address/region
	SetAddress(ctx context.Context, eventID, address, region string) error
	MarkGeocodeFailed(ctx context.Context, eventID string) error
}

// StatusStore 设备状态采样
type StatusStore interface {
	Insert(ctx context.Context, sample *models.StatusSample) error
	ListByDevice(ctx context.Context, deviceID string, start, end time.Time) ([]models.StatusSample, error)
}

// GpsStore 定位点
type GpsStore interface {
	Insert(ctx context.Context, fix *models.GpsFix) error
	ListByDevice(ctx context.Context, deviceID string, start, end time.Time) ([]models.GpsFix, error)
	ListByDriver(ctx context.Context, driverID string, start, end time.Time) ([]models.GpsFix, error)
	ListByTrip(ctx context.Context, tripID string) ([]models.GpsFix, error)
	// BackfillTripID 为时间范围内 trip_id 为空的定位点回填行程 ID
	BackfillTripID(ctx context.Context, deviceID string, start, end time.Time, tripID string) (int64, error)
	// DevicesWithUnassigned 时间范围内存在未归属定位点的设备
	DevicesWithUnassigned(ctx context.Context, start, end time.Time) ([]string, error)
}

// TripStore 行程
type TripStore interface {
	// Create 设备已有进行中行程时返回 ErrOngoingExists
	Create(ctx context.Context, trip *models.Trip) error
	// Update 保存统计与状态；已结束的行程同时回填 [StartTime, EndTime] 内未归属的定位点
	Update(ctx context.Context, trip *models.Trip) error
	Get(ctx context.Context, tripID string) (*models.Trip, error)
	Ongoing(ctx context.Context, deviceID string) (*models.Trip, error)
	ListOngoing(ctx context.Context) ([]models.Trip, error)
	// LastEnded 结束时间不晚于 before 的最近一段行程
	LastEnded(ctx context.Context, deviceID string, before time.Time) (*models.Trip, error)
	// ListByDevice 与 [start, end] 有交集的行程
	ListByDevice(ctx context.Context, deviceID string, start, end time.Time) ([]models.Trip, error)
	// ListByDriver 开始时间在 [start, end) 的行程，按开始时间倒序分页，limit <= 0 不分页
	ListByDriver(ctx context.Context, driverID string, start, end time.Time, limit, offset int) ([]models.Trip, int64, error)
	SetAddresses(ctx context.Context, tripID string, startAddress, endAddress *string) error
	// PendingAddresses 地址未补全的行程：起点缺失，或已完成且终点缺失
	PendingAddresses(ctx context.Context, maxAttempts int, updatedBefore time.Time, limit int) ([]models.Trip, error)
	MarkGeocodeFailed(ctx context.Context, tripID string) error
}

// Store 所有存储的集合
type Store struct {
	Devices  DeviceStore
	Drivers  DriverStore
	Bindings BindingStore
	Events   EventStore
	Statuses StatusStore
	Gps      GpsStore
	Trips    TripStore
}

// NewPostgresStore 基于 PostgreSQL 的存储
func NewPostgresStore(db *DB) *Store {
	return &Store{
		Devices:  NewDeviceRepository(db),
		Drivers:  NewDriverRepository(db),
		Bindings: NewBindingRepository(db),
		Events:   NewEventRepository(db),
		Statuses: NewStatusRepository(db),
		Gps:      NewGpsRepository(db),
		Trips:    NewTripRepository(db),
	}
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/langchou/safedrive/internal/models"
)

// DeviceRepository 设备数据仓库
type DeviceRepository struct {
	db *DB
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db *DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Touch 创建或更新设备最后上报时间
func (r *DeviceRepository) Touch(ctx context.Context, deviceID string, seenAt time.Time) error {
	query := `
		INSERT INTO devices (device_id, first_seen, last_seen, status)
		VALUES ($1, $2, $2, 'online')
		ON CONFLICT (device_id) DO UPDATE SET
			last_seen = GREATEST(devices.last_seen, EXCLUDED.last_seen),
			status = 'online'
	`
	if _, err := r.db.Pool.Exec(ctx, query, deviceID, seenAt); err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// Get 获取设备
func (r *DeviceRepository) Get(ctx context.Context, deviceID string) (*models.Device, error) {
	query := `
		SELECT device_id, name, type, version, first_seen, last_seen, status, retired_at
		FROM devices WHERE device_id = $1
	`
	d := &models.Device{}
	err := r.db.Pool.QueryRow(ctx, query, deviceID).Scan(
		&d.DeviceID, &d.Name, &d.Type, &d.Version, &d.FirstSeen, &d.LastSeen, &d.Status, &d.RetiredAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", notFound(err))
	}
	return d, nil
}

// List 获取未退役的设备
func (r *DeviceRepository) List(ctx context.Context) ([]*models.Device, error) {
	query := `
		SELECT device_id, name, type, version, first_seen, last_seen, status, retired_at
		FROM devices WHERE retired_at IS NULL ORDER BY device_id
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d := &models.Device{}
		if err := rows.Scan(&d.DeviceID, &d.Name, &d.Type, &d.Version, &d.FirstSeen, &d.LastSeen, &d.Status, &d.RetiredAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// MarkOffline 长时间未上报的设备置为离线
func (r *DeviceRepository) MarkOffline(ctx context.Context, before time.Time) ([]string, error) {
	query := `
		UPDATE devices SET status = 'offline'
		WHERE status = 'online' AND last_seen < $1 AND retired_at IS NULL
		RETURNING device_id
	`
	rows, err := r.db.Pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("mark devices offline: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan device id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

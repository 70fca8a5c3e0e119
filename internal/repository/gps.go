package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/safedrive/internal/models"
)

// GpsRepository 定位点数据仓库
type GpsRepository struct {
	db *DB
}

// NewGpsRepository 创建定位点仓库
func NewGpsRepository(db *DB) *GpsRepository {
	return &GpsRepository{db: db}
}

const gpsColumns = `id, device_id, driver_id, trip_id, ts, latitude, longitude, speed, heading, altitude, satellites`

// Insert 写入定位点
func (r *GpsRepository) Insert(ctx context.Context, f *models.GpsFix) error {
	query := `
		INSERT INTO gps_fixes (device_id, driver_id, trip_id, ts, latitude, longitude, speed, heading, altitude, satellites)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query,
		f.DeviceID, f.DriverID, f.TripID, f.Timestamp, f.Latitude, f.Longitude, f.Speed, f.Heading, f.Altitude, f.Satellites,
	).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("insert gps fix: %w", err)
	}
	return nil
}

// ListByDevice 设备时间范围内的定位点，按时间排序
func (r *GpsRepository) ListByDevice(ctx context.Context, deviceID string, start, end time.Time) ([]models.GpsFix, error) {
	return r.list(ctx, `SELECT `+gpsColumns+` FROM gps_fixes WHERE device_id = $1 AND ts >= $2 AND ts <= $3 ORDER BY ts, id`,
		deviceID, start, end)
}

// ListByDriver 驾驶员时间范围内的定位点
func (r *GpsRepository) ListByDriver(ctx context.Context, driverID string, start, end time.Time) ([]models.GpsFix, error) {
	return r.list(ctx, `SELECT `+gpsColumns+` FROM gps_fixes WHERE driver_id = $1 AND ts >= $2 AND ts < $3 ORDER BY ts, id`,
		driverID, start, end)
}

// ListByTrip 行程轨迹
func (r *GpsRepository) ListByTrip(ctx context.Context, tripID string) ([]models.GpsFix, error) {
	return r.list(ctx, `SELECT `+gpsColumns+` FROM gps_fixes WHERE trip_id = $1 ORDER BY ts, id`, tripID)
}

// BackfillTripID 回填行程 ID，已有归属的定位点不变
func (r *GpsRepository) BackfillTripID(ctx context.Context, deviceID string, start, end time.Time, tripID string) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE gps_fixes SET trip_id = $4
		WHERE device_id = $1 AND ts >= $2 AND ts <= $3 AND trip_id IS NULL`,
		deviceID, start, end, tripID)
	if err != nil {
		return 0, fmt.Errorf("backfill trip id: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DevicesWithUnassigned 有未归属定位点的设备
func (r *GpsRepository) DevicesWithUnassigned(ctx context.Context, start, end time.Time) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT DISTINCT device_id FROM gps_fixes WHERE trip_id IS NULL AND ts >= $1 AND ts < $2 ORDER BY device_id`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("list devices with unassigned fixes: %w", err)
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

func (r *GpsRepository) list(ctx context.Context, query string, args ...any) ([]models.GpsFix, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list gps fixes: %w", err)
	}
	defer rows.Close()

	fixes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.GpsFix, error) {
		var f models.GpsFix
		err := row.Scan(&f.ID, &f.DeviceID, &f.DriverID, &f.TripID, &f.Timestamp, &f.Latitude, &f.Longitude,
			&f.Speed, &f.Heading, &f.Altitude, &f.Satellites)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan gps fix: %w", err)
	}
	return fixes, nil
}

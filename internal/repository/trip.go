package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/safedrive/internal/models"
)

// TripRepository 行程数据仓库
type TripRepository struct {
	db *DB
}

// NewTripRepository 创建行程仓库
func NewTripRepository(db *DB) *TripRepository {
	return &TripRepository{db: db}
}

const tripColumns = `trip_id, device_id, driver_id, start_time, end_time, start_latitude, start_longitude,
	end_latitude, end_longitude, start_address, end_address, total_distance_km, total_duration_sec,
	critical_count, high_count, medium_count, low_count, max_level, avg_score, max_score, safety_score,
	status, geocode_attempts, created_at, updated_at`

// Create 创建行程
func (r *TripRepository) Create(ctx context.Context, t *models.Trip) error {
	query := `
		INSERT INTO trips (trip_id, device_id, driver_id, start_time, end_time, start_latitude, start_longitude,
			end_latitude, end_longitude, total_distance_km, total_duration_sec, critical_count, high_count,
			medium_count, low_count, max_level, avg_score, max_score, safety_score, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING created_at, updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		t.TripID, t.DeviceID, t.DriverID, t.StartTime, t.EndTime, t.StartLatitude, t.StartLongitude,
		t.EndLatitude, t.EndLongitude, t.TotalDistanceKm, t.TotalDurationSec, t.CriticalCount, t.HighCount,
		t.MediumCount, t.LowCount, int16(t.MaxLevel), t.AvgScore, t.MaxScore, t.SafetyScore, string(t.Status),
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrOngoingExists
	}
	if err != nil {
		return fmt.Errorf("insert trip: %w", err)
	}
	return nil
}

// Update 更新行程统计与状态；已结束的行程在同一批次内为 [start_time, end_time] 的定位点回填 trip_id
func (r *TripRepository) Update(ctx context.Context, t *models.Trip) error {
	t.UpdatedAt = time.Now()

	batch := &pgx.Batch{}
	batch.Queue(`
		UPDATE trips SET
			end_time = $2, end_latitude = $3, end_longitude = $4,
			total_distance_km = $5, total_duration_sec = $6,
			critical_count = $7, high_count = $8, medium_count = $9, low_count = $10,
			max_level = $11, avg_score = $12, max_score = $13, safety_score = $14,
			status = $15, updated_at = $16
		WHERE trip_id = $1`,
		t.TripID, t.EndTime, t.EndLatitude, t.EndLongitude,
		t.TotalDistanceKm, t.TotalDurationSec,
		t.CriticalCount, t.HighCount, t.MediumCount, t.LowCount,
		int16(t.MaxLevel), t.AvgScore, t.MaxScore, t.SafetyScore,
		string(t.Status), t.UpdatedAt,
	)
	if t.EndTime != nil {
		batch.Queue(`
			UPDATE gps_fixes SET trip_id = $4
			WHERE device_id = $1 AND ts >= $2 AND ts <= $3 AND trip_id IS NULL`,
			t.DeviceID, t.StartTime, *t.EndTime, t.TripID,
		)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()

	tag, err := br.Exec()
	if err != nil {
		return fmt.Errorf("update trip: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update trip %s: %w", t.TripID, ErrNotFound)
	}
	if t.EndTime != nil {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("backfill trip fixes: %w", err)
		}
	}
	return nil
}

// Get 获取行程
func (r *TripRepository) Get(ctx context.Context, tripID string) (*models.Trip, error) {
	t, err := scanTrip(r.db.Pool.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE trip_id = $1`, tripID))
	if err != nil {
		return nil, fmt.Errorf("get trip: %w", notFound(err))
	}
	return &t, nil
}

// Ongoing 设备进行中的行程
func (r *TripRepository) Ongoing(ctx context.Context, deviceID string) (*models.Trip, error) {
	t, err := scanTrip(r.db.Pool.QueryRow(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE device_id = $1 AND status = 'ongoing'`, deviceID))
	if err != nil {
		return nil, fmt.Errorf("get ongoing trip: %w", notFound(err))
	}
	return &t, nil
}

// ListOngoing 所有进行中的行程
func (r *TripRepository) ListOngoing(ctx context.Context) ([]models.Trip, error) {
	return r.list(ctx, `SELECT `+tripColumns+` FROM trips WHERE status = 'ongoing' ORDER BY start_time`)
}

// LastEnded 最近一段已结束的行程
func (r *TripRepository) LastEnded(ctx context.Context, deviceID string, before time.Time) (*models.Trip, error) {
	t, err := scanTrip(r.db.Pool.QueryRow(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE device_id = $1 AND end_time IS NOT NULL AND end_time <= $2
		ORDER BY end_time DESC LIMIT 1`, deviceID, before))
	if err != nil {
		return nil, fmt.Errorf("get last ended trip: %w", notFound(err))
	}
	return &t, nil
}

// ListByDevice 与时间范围有交集的行程
func (r *TripRepository) ListByDevice(ctx context.Context, deviceID string, start, end time.Time) ([]models.Trip, error) {
	return r.list(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE device_id = $1 AND start_time <= $3 AND (end_time IS NULL OR end_time >= $2)
		ORDER BY start_time`, deviceID, start, end)
}

// ListByDriver 驾驶员行程分页
func (r *TripRepository) ListByDriver(ctx context.Context, driverID string, start, end time.Time, limit, offset int) ([]models.Trip, int64, error) {
	var total int64
	if err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trips WHERE driver_id = $1 AND start_time >= $2 AND start_time < $3`,
		driverID, start, end).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count trips: %w", err)
	}
	// LIMIT NULL 不限制条数
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	trips, err := r.list(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE driver_id = $1 AND start_time >= $2 AND start_time < $3
		ORDER BY start_time DESC LIMIT $4 OFFSET $5`, driverID, start, end, lim, offset)
	if err != nil {
		return nil, 0, err
	}
	return trips, total, nil
}

// SetAddresses 回写起止地址，nil 表示不修改
func (r *TripRepository) SetAddresses(ctx context.Context, tripID string, startAddress, endAddress *string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE trips SET
			start_address = COALESCE($2, start_address),
			end_address = COALESCE($3, end_address)
		WHERE trip_id = $1`, tripID, startAddress, endAddress)
	if err != nil {
		return fmt.Errorf("set trip addresses: %w", err)
	}
	return nil
}

// PendingAddresses 起点或终点地址缺失、未超过重试上限的行程
func (r *TripRepository) PendingAddresses(ctx context.Context, maxAttempts int, updatedBefore time.Time, limit int) ([]models.Trip, error) {
	return r.list(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE geocode_attempts < $1 AND updated_at < $2
			AND (start_address IS NULL
				OR (status = 'completed' AND end_address IS NULL AND end_latitude IS NOT NULL AND end_longitude IS NOT NULL))
		ORDER BY updated_at LIMIT $3`,
		maxAttempts, updatedBefore, limit)
}

// MarkGeocodeFailed 记录一次失败的行程地址补全
func (r *TripRepository) MarkGeocodeFailed(ctx context.Context, tripID string) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE trips SET geocode_attempts = geocode_attempts + 1 WHERE trip_id = $1`, tripID)
	if err != nil {
		return fmt.Errorf("mark trip geocode failed: %w", err)
	}
	return nil
}

func (r *TripRepository) list(ctx context.Context, query string, args ...any) ([]models.Trip, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	defer rows.Close()

	var trips []models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

func scanTrip(row pgx.Row) (models.Trip, error) {
	var t models.Trip
	var maxLevel int16
	var status string
	err := row.Scan(
		&t.TripID, &t.DeviceID, &t.DriverID, &t.StartTime, &t.EndTime, &t.StartLatitude, &t.StartLongitude,
		&t.EndLatitude, &t.EndLongitude, &t.StartAddress, &t.EndAddress, &t.TotalDistanceKm, &t.TotalDurationSec,
		&t.CriticalCount, &t.HighCount, &t.MediumCount, &t.LowCount, &maxLevel, &t.AvgScore, &t.MaxScore, &t.SafetyScore,
		&status, &t.GeocodeAttempts, &t.CreatedAt, &t.UpdatedAt,
	)
	t.MaxLevel = models.Level(maxLevel)
	t.Status = models.TripStatus(status)
	return t, err
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/langchou/safedrive/internal/models"
)

// StatusRepository 设备状态采样仓库
type StatusRepository struct {
	db *DB
}

// NewStatusRepository 创建状态仓库
func NewStatusRepository(db *DB) *StatusRepository {
	return &StatusRepository{db: db}
}

// Insert 追加状态采样
func (r *StatusRepository) Insert(ctx context.Context, s *models.StatusSample) error {
	query := `
		INSERT INTO status_samples (device_id, driver_id, ts, level, score, cpu_usage, memory_usage, temperature, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		s.DeviceID, s.DriverID, s.Timestamp, int16(s.Level), s.Score, s.CPUUsage, s.MemoryUsage, s.Temperature, s.Latitude, s.Longitude,
	)
	if err != nil {
		return fmt.Errorf("insert status sample: %w", err)
	}
	return nil
}

// ListByDevice 设备时间范围内的状态采样
func (r *StatusRepository) ListByDevice(ctx context.Context, deviceID string, start, end time.Time) ([]models.StatusSample, error) {
	query := `
		SELECT device_id, driver_id, ts, level, score, cpu_usage, memory_usage, temperature, latitude, longitude
		FROM status_samples WHERE device_id = $1 AND ts >= $2 AND ts <= $3 ORDER BY ts
	`
	rows, err := r.db.Pool.Query(ctx, query, deviceID, start, end)
	if err != nil {
		return nil, fmt.Errorf("list status samples: %w", err)
	}
	defer rows.Close()

	var samples []models.StatusSample
	for rows.Next() {
		var s models.StatusSample
		var level int16
		if err := rows.Scan(&s.DeviceID, &s.DriverID, &s.Timestamp, &level, &s.Score, &s.CPUUsage, &s.MemoryUsage, &s.Temperature, &s.Latitude, &s.Longitude); err != nil {
			return nil, fmt.Errorf("scan status sample: %w", err)
		}
		s.Level = models.Level(level)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/safedrive/internal/models"
)

// EventRepository 事件数据仓库
type EventRepository struct {
	db *DB
}

// NewEventRepository 创建事件仓库
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `event_id, device_id, driver_id, ts, level, score, behavior, confidence, duration,
	distracted_count, event_type, severity, latitude, longitude, address, region, geocode_attempts, created_at`

// Insert 插入事件，event_id 冲突时不做任何修改
func (r *EventRepository) Insert(ctx context.Context, e *models.Event) (bool, error) {
	query := `
		INSERT INTO events (event_id, device_id, driver_id, ts, level, score, behavior, confidence, duration,
			distracted_count, event_type, severity, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING created_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		e.EventID, e.DeviceID, e.DriverID, e.Timestamp, int16(e.Level), e.Score, e.Behavior, e.Confidence, e.Duration,
		e.DistractedCount, string(e.EventType), string(e.Severity), e.Latitude, e.Longitude,
	).Scan(&e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	return true, nil
}

// Get 获取事件
func (r *EventRepository) Get(ctx context.Context, eventID string) (*models.Event, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id = $1`, eventID)
	e, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("get event: %w", notFound(err))
	}
	return &e, nil
}

// ListByDevice 设备时间范围内的事件
func (r *EventRepository) ListByDevice(ctx context.Context, deviceID string, start, end time.Time) ([]models.Event, error) {
	return r.list(ctx, `SELECT `+eventColumns+` FROM events WHERE device_id = $1 AND ts >= $2 AND ts <= $3 ORDER BY ts`,
		deviceID, start, end)
}

// ListByDriver 驾驶员时间范围内的事件
func (r *EventRepository) ListByDriver(ctx context.Context, driverID string, start, end time.Time) ([]models.Event, error) {
	return r.list(ctx, `SELECT `+eventColumns+` FROM events WHERE driver_id = $1 AND ts >= $2 AND ts < $3 ORDER BY ts`,
		driverID, start, end)
}

// ListInWindow 时间范围内的全部事件
func (r *EventRepository) ListInWindow(ctx context.Context, start, end time.Time) ([]models.Event, error) {
	return r.list(ctx, `SELECT `+eventColumns+` FROM events WHERE ts >= $1 AND ts < $2 ORDER BY ts`, start, end)
}

// DriversWithEvents 时间范围内有事件的驾驶员
func (r *EventRepository) DriversWithEvents(ctx context.Context, start, end time.Time) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT DISTINCT driver_id FROM events WHERE driver_id IS NOT NULL AND ts >= $1 AND ts < $2 ORDER BY driver_id`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("list drivers with events: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan driver id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PendingGeocode 待补地址的事件
func (r *EventRepository) PendingGeocode(ctx context.Context, maxAttempts int, createdBefore time.Time, limit int) ([]models.Event, error) {
	return r.list(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE address IS NULL AND latitude IS NOT NULL AND longitude IS NOT NULL
			AND geocode_attempts < $1 AND created_at < $2
		ORDER BY created_at LIMIT $3`,
		maxAttempts, createdBefore, limit)
}

// SetAddress 回写地址
func (r *EventRepository) SetAddress(ctx context.Context, eventID, address, region string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE events SET address = $2, region = $3, geocode_attempts = geocode_attempts + 1 WHERE event_id = $1`,
		eventID, address, region)
	if err != nil {
		return fmt.Errorf("set event address: %w", err)
	}
	return nil
}

// MarkGeocodeFailed 记录一次失败的逆地理编码
func (r *EventRepository) MarkGeocodeFailed(ctx context.Context, eventID string) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE events SET geocode_attempts = geocode_attempts + 1 WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("mark geocode failed: %w", err)
	}
	return nil
}

func (r *EventRepository) list(ctx context.Context, query string, args ...any) ([]models.Event, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (models.Event, error) {
	var e models.Event
	var level int16
	var eventType, severity string
	err := row.Scan(
		&e.EventID, &e.DeviceID, &e.DriverID, &e.Timestamp, &level, &e.Score, &e.Behavior, &e.Confidence, &e.Duration,
		&e.DistractedCount, &eventType, &severity, &e.Latitude, &e.Longitude, &e.Address, &e.Region,
		&e.GeocodeAttempts, &e.CreatedAt,
	)
	e.Level = models.Level(level)
	e.EventType = models.EventType(eventType)
	e.Severity = models.Severity(severity)
	return e, err
}

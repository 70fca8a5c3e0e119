package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB 数据库连接池封装
type DB struct {
	Pool *pgxpool.Pool
}

// New 创建数据库连接
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	// 连接池配置
	config.MaxConns = 20
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close 关闭连接池
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate 执行数据库迁移
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationCreateDevices,
		migrationCreateDrivers,
		migrationCreateBindings,
		migrationCreateEvents,
		migrationCreateStatusSamples,
		migrationCreateGpsFixes,
		migrationCreateTrips,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// notFound 将 pgx.ErrNoRows 转为 ErrNotFound
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// isUniqueViolation 唯一约束冲突
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const migrationCreateDevices = `
CREATE TABLE IF NOT EXISTS devices (
    device_id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL DEFAULT '',
    type VARCHAR(64) NOT NULL DEFAULT '',
    version VARCHAR(64) NOT NULL DEFAULT '',
    first_seen TIMESTAMPTZ NOT NULL,
    last_seen TIMESTAMPTZ NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'online',
    retired_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_devices_status_last_seen ON devices(status, last_seen);
`

const migrationCreateDrivers = `
CREATE TABLE IF NOT EXISTS drivers (
    driver_id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    phone VARCHAR(32) NOT NULL DEFAULT '',
    email VARCHAR(255) NOT NULL DEFAULT '',
    license_number VARCHAR(64) NOT NULL DEFAULT '',
    license_type VARCHAR(16) NOT NULL DEFAULT '',
    license_expire DATE,
    team_id VARCHAR(64),
    status VARCHAR(16) NOT NULL DEFAULT 'active',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// 同一设备最多一条 unbound_at 为空的绑定
const migrationCreateBindings = `
CREATE TABLE IF NOT EXISTS device_driver_bindings (
    id BIGSERIAL PRIMARY KEY,
    device_id VARCHAR(64) NOT NULL,
    driver_id VARCHAR(64) NOT NULL,
    bound_at TIMESTAMPTZ NOT NULL,
    unbound_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_bindings_active_device ON device_driver_bindings(device_id) WHERE unbound_at IS NULL;
`

const migrationCreateEvents = `
CREATE TABLE IF NOT EXISTS events (
    event_id VARCHAR(128) PRIMARY KEY,
    device_id VARCHAR(64) NOT NULL,
    driver_id VARCHAR(64),
    ts TIMESTAMPTZ NOT NULL,
    level SMALLINT NOT NULL,
    score DOUBLE PRECISION NOT NULL,
    behavior VARCHAR(64) NOT NULL DEFAULT '',
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    duration DOUBLE PRECISION NOT NULL DEFAULT 0,
    distracted_count INTEGER NOT NULL DEFAULT 0,
    event_type VARCHAR(16) NOT NULL,
    severity VARCHAR(16) NOT NULL,
    latitude DOUBLE PRECISION,
    longitude DOUBLE PRECISION,
    address TEXT,
    region VARCHAR(255),
    geocode_attempts INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_events_device_ts ON events(device_id, ts);
CREATE INDEX IF NOT EXISTS idx_events_driver_ts ON events(driver_id, ts);
CREATE INDEX IF NOT EXISTS idx_events_pending_geocode ON events(created_at) WHERE address IS NULL AND latitude IS NOT NULL;
`

const migrationCreateStatusSamples = `
CREATE TABLE IF NOT EXISTS status_samples (
    id BIGSERIAL PRIMARY KEY,
    device_id VARCHAR(64) NOT NULL,
    driver_id VARCHAR(64),
    ts TIMESTAMPTZ NOT NULL,
    level SMALLINT NOT NULL,
    score DOUBLE PRECISION NOT NULL DEFAULT 0,
    cpu_usage DOUBLE PRECISION,
    memory_usage DOUBLE PRECISION,
    temperature DOUBLE PRECISION,
    latitude DOUBLE PRECISION,
    longitude DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS idx_status_device_ts ON status_samples(device_id, ts);
`

const migrationCreateGpsFixes = `
CREATE TABLE IF NOT EXISTS gps_fixes (
    id BIGSERIAL PRIMARY KEY,
    device_id VARCHAR(64) NOT NULL,
    driver_id VARCHAR(64),
    trip_id VARCHAR(32),
    ts TIMESTAMPTZ NOT NULL,
    latitude DOUBLE PRECISION NOT NULL,
    longitude DOUBLE PRECISION NOT NULL,
    speed DOUBLE PRECISION NOT NULL DEFAULT 0,
    heading DOUBLE PRECISION,
    altitude DOUBLE PRECISION,
    satellites INTEGER
);
CREATE INDEX IF NOT EXISTS idx_gps_device_ts ON gps_fixes(device_id, ts);
CREATE INDEX IF NOT EXISTS idx_gps_driver_ts ON gps_fixes(driver_id, ts);
CREATE INDEX IF NOT EXISTS idx_gps_trip ON gps_fixes(trip_id);
CREATE INDEX IF NOT EXISTS idx_gps_unassigned ON gps_fixes(ts) WHERE trip_id IS NULL;
`

// 同一设备最多一条进行中的行程
const migrationCreateTrips = `
CREATE TABLE IF NOT EXISTS trips (
    trip_id VARCHAR(32) PRIMARY KEY,
    device_id VARCHAR(64) NOT NULL,
    driver_id VARCHAR(64),
    start_time TIMESTAMPTZ NOT NULL,
    end_time TIMESTAMPTZ,
    start_latitude DOUBLE PRECISION NOT NULL,
    start_longitude DOUBLE PRECISION NOT NULL,
    end_latitude DOUBLE PRECISION,
    end_longitude DOUBLE PRECISION,
    start_address TEXT,
    end_address TEXT,
    total_distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_duration_sec BIGINT NOT NULL DEFAULT 0,
    critical_count INTEGER NOT NULL DEFAULT 0,
    high_count INTEGER NOT NULL DEFAULT 0,
    medium_count INTEGER NOT NULL DEFAULT 0,
    low_count INTEGER NOT NULL DEFAULT 0,
    max_level SMALLINT NOT NULL DEFAULT 0,
    avg_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    max_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    safety_score DOUBLE PRECISION NOT NULL DEFAULT 100,
    status VARCHAR(16) NOT NULL,
    geocode_attempts INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT chk_trip_end_after_start CHECK (end_time IS NULL OR end_time >= start_time)
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_trips_ongoing_device ON trips(device_id) WHERE status = 'ongoing';
CREATE INDEX IF NOT EXISTS idx_trips_device_start ON trips(device_id, start_time);
CREATE INDEX IF NOT EXISTS idx_trips_driver_start ON trips(driver_id, start_time);
ALTER TABLE trips ADD COLUMN IF NOT EXISTS geocode_attempts INTEGER NOT NULL DEFAULT 0;
`

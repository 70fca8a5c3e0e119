package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/safedrive/internal/models"
)

// BindingRepository 设备绑定数据仓库
type BindingRepository struct {
	db *DB
}

// NewBindingRepository 创建绑定仓库
func NewBindingRepository(db *DB) *BindingRepository {
	return &BindingRepository{db: db}
}

// Active 当前有效绑定
func (r *BindingRepository) Active(ctx context.Context, deviceID string) (*models.Binding, error) {
	query := `
		SELECT id, device_id, driver_id, bound_at, unbound_at
		FROM device_driver_bindings WHERE device_id = $1 AND unbound_at IS NULL
	`
	b := &models.Binding{}
	err := r.db.Pool.QueryRow(ctx, query, deviceID).Scan(&b.ID, &b.DeviceID, &b.DriverID, &b.BoundAt, &b.UnboundAt)
	if err != nil {
		return nil, fmt.Errorf("get active binding: %w", notFound(err))
	}
	return b, nil
}

// Bind 在一个事务内结束旧绑定并创建新绑定
func (r *BindingRepository) Bind(ctx context.Context, deviceID, driverID string, at time.Time) (*models.Binding, error) {
	b := &models.Binding{DeviceID: deviceID, DriverID: driverID, BoundAt: at}
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE device_driver_bindings SET unbound_at = $2 WHERE device_id = $1 AND unbound_at IS NULL`,
			deviceID, at,
		); err != nil {
			return fmt.Errorf("close active binding: %w", err)
		}
		return tx.QueryRow(ctx,
			`INSERT INTO device_driver_bindings (device_id, driver_id, bound_at) VALUES ($1, $2, $3) RETURNING id`,
			deviceID, driverID, at,
		).Scan(&b.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("bind device: %w", err)
	}
	return b, nil
}

// Unbind 结束当前绑定
func (r *BindingRepository) Unbind(ctx context.Context, deviceID string, at time.Time) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE device_driver_bindings SET unbound_at = $2 WHERE device_id = $1 AND unbound_at IS NULL`,
		deviceID, at,
	)
	if err != nil {
		return fmt.Errorf("unbind device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

package repository

import (
	"context"
	"fmt"

	"github.com/langchou/safedrive/internal/models"
)

// DriverRepository 驾驶员数据仓库
type DriverRepository struct {
	db *DB
}

// NewDriverRepository 创建驾驶员仓库
func NewDriverRepository(db *DB) *DriverRepository {
	return &DriverRepository{db: db}
}

// Create 创建驾驶员
func (r *DriverRepository) Create(ctx context.Context, d *models.Driver) error {
	query := `
		INSERT INTO drivers (driver_id, name, phone, email, license_number, license_type, license_expire, team_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		d.DriverID, d.Name, d.Phone, d.Email, d.LicenseNumber, d.LicenseType, d.LicenseExpire, d.TeamID, d.Status,
	).Scan(&d.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert driver: %w", err)
	}
	return nil
}

// Get 获取驾驶员
func (r *DriverRepository) Get(ctx context.Context, driverID string) (*models.Driver, error) {
	query := `
		SELECT driver_id, name, phone, email, license_number, license_type, license_expire, team_id, status, created_at
		FROM drivers WHERE driver_id = $1
	`
	d := &models.Driver{}
	err := r.db.Pool.QueryRow(ctx, query, driverID).Scan(
		&d.DriverID, &d.Name, &d.Phone, &d.Email, &d.LicenseNumber, &d.LicenseType, &d.LicenseExpire, &d.TeamID, &d.Status, &d.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get driver: %w", notFound(err))
	}
	return d, nil
}

// List 获取驾驶员列表
func (r *DriverRepository) List(ctx context.Context) ([]*models.Driver, error) {
	query := `
		SELECT driver_id, name, phone, email, license_number, license_type, license_expire, team_id, status, created_at
		FROM drivers ORDER BY driver_id
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list drivers: %w", err)
	}
	defer rows.Close()

	var drivers []*models.Driver
	for rows.Next() {
		d := &models.Driver{}
		if err := rows.Scan(&d.DriverID, &d.Name, &d.Phone, &d.Email, &d.LicenseNumber, &d.LicenseType, &d.LicenseExpire, &d.TeamID, &d.Status, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan driver: %w", err)
		}
		drivers = append(drivers, d)
	}
	return drivers, rows.Err()
}

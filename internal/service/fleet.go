package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/safedrive/internal/models"
	"github.com/langchou/safedrive/internal/repository"
)

// FleetService 设备、驾驶员与绑定管理
type FleetService struct {
	store  *repository.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewFleetService 创建管理服务
func NewFleetService(store *repository.Store, logger *zap.Logger) *FleetService {
	return &FleetService{store: store, logger: logger, now: time.Now}
}

func (s *FleetService) ListDevices(ctx context.Context) ([]*models.Device, error) {
	return s.store.Devices.List(ctx)
}

func (s *FleetService) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	return s.store.Devices.Get(ctx, deviceID)
}

// MarkOffline 超过 after 没有上报的设备置为离线
func (s *FleetService) MarkOffline(ctx context.Context, after time.Duration) ([]string, error) {
	ids, err := s.store.Devices.MarkOffline(ctx, s.now().Add(-after))
	if err != nil {
		return nil, fmt.Errorf("mark devices offline: %w", err)
	}
	if len(ids) > 0 {
		s.logger.Info("Devices marked offline", zap.Strings("device_ids", ids))
	}
	return ids, nil
}

// CreateDriver 新建驾驶员
func (s *FleetService) CreateDriver(ctx context.Context, d *models.Driver) error {
	d.DriverID = strings.TrimSpace(d.DriverID)
	if d.DriverID == "" {
		return &ValidationError{Field: "driver_id", Reason: "required"}
	}
	if strings.TrimSpace(d.Name) == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if d.Status == "" {
		d.Status = "active"
	}
	return s.store.Drivers.Create(ctx, d)
}

func (s *FleetService) ListDrivers(ctx context.Context) ([]*models.Driver, error) {
	return s.store.Drivers.List(ctx)
}

func (s *FleetService) GetDriver(ctx context.Context, driverID string) (*models.Driver, error) {
	return s.store.Drivers.Get(ctx, driverID)
}

// Bind 绑定设备与驾驶员，结束设备原有绑定。设备与驾驶员都必须存在。
func (s *FleetService) Bind(ctx context.Context, deviceID, driverID string) (*models.Binding, error) {
	if _, err := s.store.Devices.Get(ctx, deviceID); err != nil {
		return nil, err
	}
	if _, err := s.store.Drivers.Get(ctx, driverID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &ValidationError{Field: "driver_id", Reason: "unknown driver"}
		}
		return nil, err
	}

	b, err := s.store.Bindings.Bind(ctx, deviceID, driverID, s.now())
	if err != nil {
		return nil, fmt.Errorf("bind device: %w", err)
	}
	s.logger.Info("Device bound",
		zap.String("device_id", deviceID),
		zap.String("driver_id", driverID))
	return b, nil
}

// Unbind 结束设备当前绑定，没有绑定时返回 ErrNotFound
func (s *FleetService) Unbind(ctx context.Context, deviceID string) error {
	if err := s.store.Bindings.Unbind(ctx, deviceID, s.now()); err != nil {
		return err
	}
	s.logger.Info("Device unbound", zap.String("device_id", deviceID))
	return nil
}

func (s *FleetService) ActiveBinding(ctx context.Context, deviceID string) (*models.Binding, error) {
	return s.store.Bindings.Active(ctx, deviceID)
}

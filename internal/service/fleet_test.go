package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/safedrive/internal/models"
	"github.com/langchou/safedrive/internal/repository"
)

func TestFleet_CreateDriverValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.fleet.CreateDriver(ctx, &models.Driver{DriverID: "  ", Name: "张三"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "driver_id", verr.Field)

	err = h.fleet.CreateDriver(ctx, &models.Driver{DriverID: "D001"})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "name", verr.Field)

	d := &models.Driver{DriverID: " D001 ", Name: "张三"}
	require.NoError(t, h.fleet.CreateDriver(ctx, d))
	assert.Equal(t, "D001", d.DriverID)
	assert.Equal(t, "active", d.Status)

	err = h.fleet.CreateDriver(ctx, &models.Driver{DriverID: "D001", Name: "李四"})
	assert.ErrorIs(t, err, repository.ErrAlreadyExists)
}

func TestFleet_BindRequiresKnownDeviceAndDriver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.fleet.CreateDriver(ctx, &models.Driver{DriverID: "D001", Name: "张三"}))

	_, err := h.fleet.Bind(ctx, "DEV404", "D001")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, h.store.Devices.Touch(ctx, "DEV001", t0))
	_, err = h.fleet.Bind(ctx, "DEV001", "D404")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "driver_id", verr.Field)
}

func TestFleet_RebindEndsPreviousBinding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Devices.Touch(ctx, "DEV001", t0))
	require.NoError(t, h.fleet.CreateDriver(ctx, &models.Driver{DriverID: "D001", Name: "张三"}))
	require.NoError(t, h.fleet.CreateDriver(ctx, &models.Driver{DriverID: "D002", Name: "李四"}))

	_, err := h.fleet.Bind(ctx, "DEV001", "D001")
	require.NoError(t, err)
	_, err = h.fleet.Bind(ctx, "DEV001", "D002")
	require.NoError(t, err)

	b, err := h.fleet.ActiveBinding(ctx, "DEV001")
	require.NoError(t, err)
	assert.Equal(t, "D002", b.DriverID)

	require.NoError(t, h.fleet.Unbind(ctx, "DEV001"))
	_, err = h.fleet.ActiveBinding(ctx, "DEV001")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestFleet_MarkOffline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Devices.Touch(ctx, "DEV001", t0))
	require.NoError(t, h.store.Devices.Touch(ctx, "DEV002", t0.Add(9*time.Minute)))
	h.fleet.now = func() time.Time { return t0.Add(10 * time.Minute) }

	ids, err := h.fleet.MarkOffline(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"DEV001"}, ids)

	d, err := h.fleet.GetDevice(ctx, "DEV001")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceOffline, d.Status)

	devices, err := h.fleet.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 2)
}

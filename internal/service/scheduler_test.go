package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNextDailyRun(t *testing.T) {
	shanghai := time.FixedZone("CST", 8*3600)

	tests := []struct {
		name string
		now  time.Time
		hour int
		want time.Time
	}{
		{"later today", time.Date(2024, 3, 1, 1, 0, 0, 0, shanghai), 2, time.Date(2024, 3, 1, 2, 0, 0, 0, shanghai)},
		{"already passed", time.Date(2024, 3, 1, 3, 0, 0, 0, shanghai), 2, time.Date(2024, 3, 2, 2, 0, 0, 0, shanghai)},
		{"exactly at hour", time.Date(2024, 3, 1, 2, 0, 0, 0, shanghai), 2, time.Date(2024, 3, 2, 2, 0, 0, 0, shanghai)},
		{"utc input", time.Date(2024, 2, 29, 17, 30, 0, 0, time.UTC), 2, time.Date(2024, 3, 1, 2, 0, 0, 0, shanghai)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextDailyRun(tt.now, tt.hour, shanghai)
			assert.True(t, tt.want.Equal(got), "want %s got %s", tt.want, got)
		})
	}
}

func TestScheduler_RunSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	times := h.drive(t, "DEV001", t0, []float64{15, 20})
	now := times[1].Add(20 * time.Minute)
	h.trips.now = func() time.Time { return now }
	h.fleet.now = func() time.Time { return now }

	s := NewScheduler(SchedulerConfig{DeviceOfflineAfter: 10 * time.Minute}, h.trips, h.fleet, h.enricher, zap.NewNop())
	report, err := s.RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Trips.Finished)
	assert.Equal(t, []string{"DEV001"}, report.Offline)

	result, err := s.RunDailyBatch(ctx, t0)
	require.NoError(t, err)
	assert.Zero(t, result.Created)
}

func TestScheduler_StartStop(t *testing.T) {
	h := newHarness(t)
	s := NewScheduler(SchedulerConfig{SweepInterval: time.Hour, DailyBatchHour: 2}, h.trips, h.fleet, h.enricher, zap.NewNop())

	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

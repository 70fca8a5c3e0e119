package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/safedrive/internal/models"
	"github.com/langchou/safedrive/internal/repository"
)

func seedDashboard(t *testing.T) *repository.Store {
	t.Helper()
	store := repository.NewMemoryStore()
	ctx := context.Background()
	events := []struct {
		id       string
		offset   time.Duration
		level    models.Level
		behavior string
		region   string
	}{
		{"E1", 0, models.Level3, models.BehaviorEyesClosed, "北京市 东城区"},
		{"E2", time.Minute, models.Level2, models.BehaviorEyesClosed, "北京市 东城区"},
		{"E3", time.Hour, models.Level1, models.BehaviorSeeingLeft, ""},
		{"E4", 2 * time.Hour, models.LevelNormal, models.BehaviorYawning, "上海市 浦东新区"},
	}
	for _, e := range events {
		_, err := store.Events.Insert(ctx, &models.Event{
			EventID:   e.id,
			DeviceID:  "DEV001",
			Timestamp: t0.Add(e.offset),
			Level:     e.level,
			Behavior:  e.behavior,
		})
		require.NoError(t, err)
		if e.region != "" {
			require.NoError(t, store.Events.SetAddress(ctx, e.id, e.region, e.region))
		}
	}
	return store
}

func TestDashboard_Behaviors(t *testing.T) {
	s := NewDashboardService(seedDashboard(t), time.UTC)

	stats, err := s.Behaviors(context.Background(), t0.Add(-time.Hour), t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 3)
	assert.Equal(t, models.BehaviorEyesClosed, stats[0].Behavior)
	assert.Equal(t, "闭眼", stats[0].DisplayName)
	assert.Equal(t, LevelCounts{Total: 2, Critical: 1, High: 1}, stats[0].LevelCounts)
	assert.Equal(t, models.BehaviorSeeingLeft, stats[1].Behavior)
	assert.Equal(t, models.BehaviorYawning, stats[2].Behavior)
}

func TestDashboard_Regions(t *testing.T) {
	s := NewDashboardService(seedDashboard(t), time.UTC)

	stats, err := s.Regions(context.Background(), t0.Add(-time.Hour), t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 3)
	assert.Equal(t, "北京市 东城区", stats[0].Region)
	assert.Equal(t, 2, stats[0].Total)

	var unknown *RegionStat
	for i := range stats {
		if stats[i].Region == unknownRegion {
			unknown = &stats[i]
		}
	}
	require.NotNil(t, unknown)
	assert.Equal(t, 1, unknown.Medium)
}

func TestDashboard_HoursUseLocalTime(t *testing.T) {
	shanghai := time.FixedZone("CST", 8*3600)
	s := NewDashboardService(seedDashboard(t), shanghai)

	stats, err := s.Hours(context.Background(), t0.Add(-time.Hour), t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 24)
	// 08:00 UTC = 16:00 CST
	assert.Equal(t, 2, stats[16].Total)
	assert.Equal(t, 1, stats[17].Total)
	assert.Equal(t, 1, stats[18].Total)
	assert.Zero(t, stats[8].Total)
}

func TestDashboard_WindowExcludesOutside(t *testing.T) {
	s := NewDashboardService(seedDashboard(t), time.UTC)

	stats, err := s.Behaviors(context.Background(), t0.Add(30*time.Minute), t0.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, models.BehaviorSeeingLeft, stats[0].Behavior)
}

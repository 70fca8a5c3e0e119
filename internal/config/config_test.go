package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORAGE", "memory")
	t.Setenv("TIMEZONE", "UTC")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, time.UTC, cfg.Location)

	th := cfg.Thresholds()
	assert.Equal(t, 10.0, th.StartSpeed)
	assert.Equal(t, 5.0, th.StopSpeed)
	assert.Equal(t, 5*time.Minute, th.StopConfirm)
	assert.Equal(t, 30*time.Minute, th.MinTripGap)
	assert.Equal(t, 15*time.Minute, th.GPSTimeout)

	p := cfg.ScoringParams()
	assert.Equal(t, 0.4, p.WeightFatigue)
	assert.Equal(t, 120.0, p.OverspeedKmh)
	assert.Equal(t, time.UTC, p.Location)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORAGE", "memory")
	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("TRIP_START_SPEED", "15")
	t.Setenv("TRIP_GPS_TIMEOUT", "20m")
	t.Setenv("SCORE_WEIGHT_INCIDENT", "0.25")
	t.Setenv("ENRICH_WORKERS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15.0, cfg.Thresholds().StartSpeed)
	assert.Equal(t, 20*time.Minute, cfg.Thresholds().GPSTimeout)
	assert.Equal(t, 0.25, cfg.ScoringParams().WeightIncident)
	assert.Equal(t, 4, cfg.EnrichWorkers, "unparseable values fall back to default")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"storage", map[string]string{"STORAGE": "mongo"}},
		{"batch hour", map[string]string{"STORAGE": "memory", "DAILY_BATCH_HOUR": "24"}},
		{"speed band", map[string]string{"STORAGE": "memory", "TRIP_STOP_SPEED": "12"}},
		{"timezone", map[string]string{"STORAGE": "memory", "TIMEZONE": "Mars/Olympus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

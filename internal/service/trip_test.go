package service

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/safedrive/internal/metrics"
	"github.com/langchou/safedrive/internal/models"
)

var closureSpeeds = []float64{0, 0, 15, 20, 18, 3, 2, 1, 1, 1, 1, 0}

func TestNewTripID(t *testing.T) {
	id := NewTripID()
	assert.Regexp(t, regexp.MustCompile(`^TRIP_[0-9A-F]{16}$`), id)
	assert.NotEqual(t, id, NewTripID())
}

func TestOnFix_TripClosesAfterStopConfirmed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ingest.Ingest(ctx, "DEV001", eventReport(t, "EVT-1", t0.Add(3*time.Minute), "Level 2", 75, "eyes_closed"))
	require.NoError(t, err)
	times := h.drive(t, "DEV001", t0, closureSpeeds)

	trips := h.tripsOf(t, "DEV001")
	require.Len(t, trips, 1)
	trip := trips[0]
	assert.Equal(t, models.TripCompleted, trip.Status)
	assert.True(t, trip.StartTime.Equal(times[2]))
	require.NotNil(t, trip.EndTime)
	assert.True(t, trip.EndTime.Equal(times[5]))
	assert.Equal(t, int64(180), trip.TotalDurationSec)
	assert.Greater(t, trip.TotalDistanceKm, 0.0)
	assert.Equal(t, 1, trip.HighCount)
	assert.Equal(t, models.Level2, trip.MaxLevel)
	assert.Equal(t, 75.0, trip.AvgScore)
	assert.Equal(t, 95.0, trip.SafetyScore)

	fixes, err := h.store.Gps.ListByTrip(ctx, trip.TripID)
	require.NoError(t, err)
	require.Len(t, fixes, 4)
	for i, f := range fixes {
		assert.True(t, f.Timestamp.Equal(times[i+2]))
	}

	assert.Equal(t, []string{trip.TripID}, h.hub.started)
	assert.Equal(t, []string{trip.TripID}, h.hub.finished)
	assert.Equal(t, "no_trip", h.trips.States()["DEV001"])
}

func TestOnFix_HysteresisKeepsTripOpen(t *testing.T) {
	h := newHarness(t)

	h.drive(t, "DEV001", t0, []float64{15, 4, 12, 20})

	trips := h.tripsOf(t, "DEV001")
	require.Len(t, trips, 1)
	assert.Equal(t, models.TripOngoing, trips[0].Status)
	assert.Nil(t, trips[0].EndTime)
	assert.Equal(t, "active", h.trips.States()["DEV001"])
	assert.Empty(t, h.hub.finished)
}

func TestOnFix_ShortStopDoesNotSplit(t *testing.T) {
	h := newHarness(t)

	h.drive(t, "DEV001", t0, []float64{20, 25, 0, 0, 0, 30, 30})

	trips := h.tripsOf(t, "DEV001")
	require.Len(t, trips, 1)
	assert.Equal(t, models.TripOngoing, trips[0].Status)

	fixes, err := h.store.Gps.ListByTrip(context.Background(), trips[0].TripID)
	require.NoError(t, err)
	// 停车候选之后、恢复之前的两个点暂不归属
	assert.Len(t, fixes, 5)
}

func TestOnFix_OutOfOrderFixStoredWithoutTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	before := metrics.OutOfOrderFixes.Load()

	h.drive(t, "DEV001", t0, []float64{15, 20, 22})
	_, err := h.ingest.Ingest(ctx, "DEV001", gpsReport(t, t0.Add(30*time.Second), 39.95, 116.4, 21))
	require.NoError(t, err)

	assert.Equal(t, int64(1), metrics.OutOfOrderFixes.Load()-before)
	fixes, err := h.store.Gps.ListByDevice(ctx, "DEV001", t0.Add(30*time.Second), t0.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	assert.Nil(t, fixes[0].TripID)
	assert.Equal(t, "active", h.trips.States()["DEV001"])
}

func TestSweep_TimesOutSilentTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	times := h.drive(t, "DEV001", t0, []float64{0, 15, 20})
	last := times[len(times)-1]
	h.trips.now = func() time.Time { return last.Add(15 * time.Minute) }

	result, err := h.trips.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 1, Finished: 1}, result)

	trips := h.tripsOf(t, "DEV001")
	require.Len(t, trips, 1)
	assert.Equal(t, models.TripCompleted, trips[0].Status)
	require.NotNil(t, trips[0].EndTime)
	assert.True(t, trips[0].EndTime.Equal(last))
	assert.Equal(t, int64(60), trips[0].TotalDurationSec)
	assert.Len(t, h.hub.finished, 1)
}

func TestSweep_RefreshesOngoingTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.drive(t, "DEV001", t0, []float64{15, 20, 25})
	h.trips.now = func() time.Time { return t0.Add(5 * time.Minute) }

	result, err := h.trips.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 1, Refreshed: 1}, result)

	trips := h.tripsOf(t, "DEV001")
	require.Len(t, trips, 1)
	assert.Equal(t, models.TripOngoing, trips[0].Status)
	assert.Equal(t, int64(300), trips[0].TotalDurationSec)
	assert.Greater(t, trips[0].TotalDistanceKm, 0.0)
}

func TestSweep_AfterRestartRebuildsState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	times := h.drive(t, "DEV001", t0, []float64{15, 20, 3})
	h.restart()
	h.trips.now = func() time.Time { return times[2].Add(5 * time.Minute) }

	result, err := h.trips.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Finished)

	trips := h.tripsOf(t, "DEV001")
	require.Len(t, trips, 1)
	require.NotNil(t, trips[0].EndTime)
	assert.True(t, trips[0].EndTime.Equal(times[2]))
}

func TestOnFix_ResumesOngoingTripAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.drive(t, "DEV001", t0, []float64{0, 15, 20, 18})
	h.restart()
	times := h.drive(t, "DEV001", t0.Add(4*time.Minute), []float64{3, 2, 1, 1, 1, 1, 0})

	trips := h.tripsOf(t, "DEV001")
	require.Len(t, trips, 1)
	assert.Equal(t, models.TripCompleted, trips[0].Status)
	require.NotNil(t, trips[0].EndTime)
	assert.True(t, trips[0].EndTime.Equal(times[0]))

	fixes, err := h.store.Gps.ListByTrip(ctx, trips[0].TripID)
	require.NoError(t, err)
	assert.Len(t, fixes, 4)
	assert.Len(t, h.hub.started, 1)
	assert.Len(t, h.hub.finished, 1)
}

func TestOnFix_MinimumGapBetweenTrips(t *testing.T) {
	h := newHarness(t)

	times := h.drive(t, "DEV001", t0, closureSpeeds)
	// 结束后 10 分钟再次行驶，不足最小间隔
	h.drive(t, "DEV001", times[len(times)-1].Add(10*time.Minute), []float64{30, 30})
	assert.Len(t, h.tripsOf(t, "DEV001"), 1)

	h.drive(t, "DEV001", times[5].Add(31*time.Minute), []float64{30, 30})
	assert.Len(t, h.tripsOf(t, "DEV001"), 2)
}

func TestRepairDay_CreatesMissingTripsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i, v := range closureSpeeds {
		require.NoError(t, h.store.Gps.Insert(ctx, &models.GpsFix{
			DeviceID:  "DEV002",
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Latitude:  39.9 + float64(i)*0.001,
			Longitude: 116.4,
			Speed:     v,
		}))
	}

	result, err := h.trips.RepairDay(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", result.Date)
	assert.Equal(t, 1, result.Devices)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, int64(4), result.Backfilled)

	trips := h.tripsOf(t, "DEV002")
	require.Len(t, trips, 1)
	assert.Equal(t, models.TripCompleted, trips[0].Status)
	assert.True(t, trips[0].StartTime.Equal(t0.Add(2*time.Minute)))
	assert.True(t, trips[0].EndTime.Equal(t0.Add(5*time.Minute)))
	assert.Equal(t, 2, h.drain(ctx))

	again, err := h.trips.RepairDay(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Created)
	assert.Equal(t, int64(0), again.Backfilled)
	assert.Len(t, h.tripsOf(t, "DEV002"), 1)
}

func TestRepairDay_BackfillsExistingTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	times := h.drive(t, "DEV001", t0, closureSpeeds)
	trip := h.tripsOf(t, "DEV001")[0]

	// 行程内迟到的点
	late := &models.GpsFix{DeviceID: "DEV001", Timestamp: times[3].Add(30 * time.Second), Latitude: 39.903, Longitude: 116.4, Speed: 19}
	require.NoError(t, h.store.Gps.Insert(ctx, late))

	result, err := h.trips.RepairDay(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, int64(1), result.Backfilled)

	fixes, err := h.store.Gps.ListByTrip(ctx, trip.TripID)
	require.NoError(t, err)
	assert.Len(t, fixes, 5)
}

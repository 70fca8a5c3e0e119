package state

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/safedrive/internal/models"
)

var base = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func fixesEveryMinute(speeds ...float64) []models.GpsFix {
	fixes := make([]models.GpsFix, len(speeds))
	for i, s := range speeds {
		fixes[i] = models.GpsFix{
			DeviceID:  "dev-1",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Latitude:  31.2 + float64(i)*0.001,
			Longitude: 121.4,
			Speed:     s,
		}
	}
	return fixes
}

func TestSegment_ClosureDeterminism(t *testing.T) {
	fixes := fixesEveryMinute(0, 0, 15, 20, 18, 3, 2, 1, 1, 1, 1, 0)

	spans, err := Segment(fixes, DefaultThresholds(), nil, time.Time{})
	require.NoError(t, err)
	require.Len(t, spans, 1)

	span := spans[0]
	assert.Equal(t, 2, span.StartIndex)
	assert.Equal(t, fixes[2].Timestamp, span.Start.Timestamp)
	require.NotNil(t, span.End)
	assert.Equal(t, 5, span.EndIndex)
	assert.Equal(t, fixes[5].Timestamp, span.End.Timestamp)
	assert.Equal(t, 10, span.ClosedAt)
	assert.Equal(t, EndStopped, span.Reason)
}

func TestSegment_TransientDipAbsorbed(t *testing.T) {
	fixes := fixesEveryMinute(0, 15, 20, 4, 12, 15, 14)

	spans, err := Segment(fixes, DefaultThresholds(), nil, time.Time{})
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Nil(t, spans[0].End)
	assert.Equal(t, -1, spans[0].EndIndex)
}

func TestSegment_ShortStopDoesNotClose(t *testing.T) {
	fixes := fixesEveryMinute(15, 20, 3, 2, 1, 0, 15, 20)

	spans, err := Segment(fixes, DefaultThresholds(), nil, time.Time{})
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Nil(t, spans[0].End)
}

func TestSegment_HysteresisBandKeepsState(t *testing.T) {
	// 5~10 km/h 之间既不启动也不进入停车
	fixes := fixesEveryMinute(8, 9, 7, 6)
	spans, err := Segment(fixes, DefaultThresholds(), nil, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, spans)

	fixes = fixesEveryMinute(20, 8, 7, 9, 8, 7, 6, 8, 9)
	spans, err = Segment(fixes, DefaultThresholds(), nil, time.Time{})
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Nil(t, spans[0].End)
}

func TestSegment_CloseAtTimesOutTail(t *testing.T) {
	fixes := fixesEveryMinute(0, 20, 30, 25)
	last := fixes[3].Timestamp

	spans, err := Segment(fixes, DefaultThresholds(), nil, last.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, spans, 1)
	require.NotNil(t, spans[0].End)
	assert.Equal(t, 3, spans[0].EndIndex)
	assert.Equal(t, -1, spans[0].ClosedAt)
	assert.Equal(t, EndTimeout, spans[0].Reason)
}

func TestSegment_RespectsPriorTripGap(t *testing.T) {
	fixes := fixesEveryMinute(20, 25, 30)
	recent := base.Add(-10 * time.Minute)

	spans, err := Segment(fixes, DefaultThresholds(), &recent, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, spans)

	old := base.Add(-30 * time.Minute)
	spans, err = Segment(fixes, DefaultThresholds(), &old, time.Time{})
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, 0, spans[0].StartIndex)
}

func TestSegment_UnsortedAndDuplicateInput(t *testing.T) {
	fixes := fixesEveryMinute(0, 0, 15, 20, 18, 3, 2, 1, 1, 1, 1, 0)
	shuffled := []models.GpsFix{fixes[4], fixes[0], fixes[11], fixes[2], fixes[2]}
	shuffled = append(shuffled, fixes[1], fixes[3], fixes[5], fixes[6], fixes[7], fixes[8], fixes[9], fixes[10])

	spans, err := Segment(shuffled, DefaultThresholds(), nil, time.Time{})
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, fixes[2].Timestamp, spans[0].Start.Timestamp)
	require.NotNil(t, spans[0].End)
	assert.Equal(t, fixes[5].Timestamp, spans[0].End.Timestamp)
}

func TestMachine_TickTimeout(t *testing.T) {
	m := NewMachine("dev-1", DefaultThresholds(), nil)
	fixes := fixesEveryMinute(20, 25)
	for _, f := range fixes {
		_, ok, err := m.Observe(f)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, StateActive, m.Current())

	b, err := m.Tick(fixes[1].Timestamp.Add(14 * time.Minute))
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = m.Tick(fixes[1].Timestamp.Add(15 * time.Minute))
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, TripEnded, b.Kind)
	assert.Equal(t, EndTimeout, b.Reason)
	assert.Equal(t, fixes[1].Timestamp, b.Fix.Timestamp)
	assert.Equal(t, StateNoTrip, m.Current())
}

func TestMachine_TickConfirmsStop(t *testing.T) {
	m := NewMachine("dev-1", DefaultThresholds(), nil)
	fixes := fixesEveryMinute(20, 3)
	for _, f := range fixes {
		_, _, err := m.Observe(f)
		require.NoError(t, err)
	}
	require.Equal(t, StatePossiblyStopped, m.Current())

	b, err := m.Tick(fixes[1].Timestamp.Add(5 * time.Minute))
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, EndStopped, b.Reason)
	assert.Equal(t, fixes[1].Timestamp, b.Fix.Timestamp)
}

func TestMachine_LongSilenceThenMovingFix(t *testing.T) {
	m := NewMachine("dev-1", DefaultThresholds(), nil)
	_, _, err := m.Observe(models.GpsFix{Timestamp: base, Speed: 30})
	require.NoError(t, err)

	boundaries, ok, err := m.Observe(models.GpsFix{Timestamp: base.Add(20 * time.Minute), Speed: 30})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, boundaries, 1)
	assert.Equal(t, TripEnded, boundaries[0].Kind)
	assert.Equal(t, EndTimeout, boundaries[0].Reason)
	assert.Equal(t, base, boundaries[0].Fix.Timestamp)
	// 距上段结束不足 30 分钟，不开启新行程
	assert.Equal(t, StateNoTrip, m.Current())
}

func TestMachine_IgnoresOutOfOrderFix(t *testing.T) {
	m := NewMachine("dev-1", DefaultThresholds(), nil)
	_, ok, err := m.Observe(models.GpsFix{Timestamp: base, Speed: 30})
	require.NoError(t, err)
	require.True(t, ok)

	boundaries, ok, err := m.Observe(models.GpsFix{Timestamp: base.Add(-time.Minute), Speed: 0})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, boundaries)
	assert.Equal(t, base, m.LastFix().Timestamp)
}

func TestMachine_TransitionCallback(t *testing.T) {
	var got [][2]string
	m := NewMachine("dev-9", DefaultThresholds(), func(deviceID, from, to string) {
		assert.Equal(t, "dev-9", deviceID)
		got = append(got, [2]string{from, to})
	})
	for _, f := range fixesEveryMinute(20, 3, 15) {
		_, _, err := m.Observe(f)
		require.NoError(t, err)
	}
	assert.Equal(t, [][2]string{
		{StateNoTrip, StateActive},
		{StateActive, StatePossiblyStopped},
		{StatePossiblyStopped, StateActive},
	}, got)
}

func TestMachine_RestoreSnapshot(t *testing.T) {
	start := models.GpsFix{Timestamp: base, Speed: 20}
	m := NewMachine("dev-1", DefaultThresholds(), nil)
	m.Restore(Snapshot{State: StateActive, TripID: "TRIP_1", TripStart: &start, LastFix: &start})

	assert.True(t, m.Restored())
	assert.True(t, m.InTrip())
	assert.Equal(t, "TRIP_1", m.TripID())

	m.Invalidate()
	assert.False(t, m.Restored())
}

func TestManager_WithSerializesPerDevice(t *testing.T) {
	mgr := NewManager(DefaultThresholds(), nil)
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = mgr.With("dev-1", func(m *Machine) error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Same(t, mgr.GetOrCreate("dev-1"), mgr.GetOrCreate("dev-1"))
	assert.Equal(t, map[string]string{"dev-1": StateNoTrip}, mgr.States())
}

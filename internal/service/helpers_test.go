package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/safedrive/internal/models"
	"github.com/langchou/safedrive/internal/repository"
	"github.com/langchou/safedrive/internal/state"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type recordingHub struct {
	mu       sync.Mutex
	started  []string
	finished []string
	notices  int
}

func (h *recordingHub) BroadcastTripStarted(_ string, trip interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, trip.(*models.Trip).TripID)
}

func (h *recordingHub) BroadcastTripFinished(_ string, trip interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, trip.(*models.Trip).TripID)
}

func (h *recordingHub) BroadcastTelemetry(string, interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices++
}

type fakeGeocoder struct {
	mu    sync.Mutex
	fail  int // 前 fail 次返回错误
	calls int
}

func (g *fakeGeocoder) ReverseGeocode(ctx context.Context, lat, lng float64) (*models.Address, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.calls <= g.fail {
		return nil, errors.New("geocoder unavailable")
	}
	return &models.Address{
		FormattedAddress: "北京市东城区东华门街道",
		Province:         "北京市",
		City:             "北京市",
		District:         "东城区",
	}, nil
}

type harness struct {
	store    *repository.Store
	hub      *recordingHub
	geocoder *fakeGeocoder
	enricher *Enricher
	trips    *TripService
	ingest   *IngestService
	fleet    *FleetService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    repository.NewMemoryStore(),
		hub:      &recordingHub{},
		geocoder: &fakeGeocoder{},
	}
	h.enricher = NewEnricher(EnricherConfig{Workers: 1, QueueSize: 16, RetryInterval: time.Nanosecond}, h.store, h.geocoder, zap.NewNop())
	h.restart()
	h.fleet = NewFleetService(h.store, zap.NewNop())
	return h
}

// restart 模拟进程重启：状态机全部丢失，存储保留
func (h *harness) restart() {
	notifier := NewNotifier(h.hub, nil, zap.NewNop())
	h.trips = NewTripService(h.store, state.DefaultThresholds(), h.enricher, notifier, time.UTC, zap.NewNop())
	h.ingest = NewIngestService(h.store, h.trips, h.enricher, notifier, zap.NewNop())
}

func report(t *testing.T, kind string, ts time.Time, data interface{}) *Report {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return &Report{DataType: kind, Timestamp: ts.UnixMilli(), Data: raw}
}

func gpsReport(t *testing.T, ts time.Time, lat, lng, speed float64) *Report {
	return report(t, KindGps, ts, map[string]interface{}{
		"locationLat": lat,
		"locationLng": lng,
		"speed":       speed,
	})
}

func eventReport(t *testing.T, id string, ts time.Time, level string, score float64, behavior string) *Report {
	return report(t, KindEvent, ts, map[string]interface{}{
		"eventId":     id,
		"level":       level,
		"score":       score,
		"behavior":    behavior,
		"confidence":  0.92,
		"duration":    2.5,
		"locationLat": 39.908823,
		"locationLng": 116.397470,
	})
}

// drive 按分钟间隔上报一组速度，纬度每分钟增加 0.001 度
func (h *harness) drive(t *testing.T, deviceID string, start time.Time, speeds []float64) []time.Time {
	t.Helper()
	times := make([]time.Time, len(speeds))
	for i, v := range speeds {
		ts := start.Add(time.Duration(i) * time.Minute)
		times[i] = ts
		ack, err := h.ingest.Ingest(context.Background(), deviceID, gpsReport(t, ts, 39.9+float64(i)*0.001, 116.4, v))
		require.NoError(t, err, fmt.Sprintf("fix %d", i))
		require.True(t, ack.Received)
	}
	return times
}

func (h *harness) tripsOf(t *testing.T, deviceID string) []models.Trip {
	t.Helper()
	trips, err := h.store.Trips.ListByDevice(context.Background(), deviceID, t0.Add(-24*time.Hour), t0.Add(48*time.Hour))
	require.NoError(t, err)
	return trips
}

// drain 处理队列中已有的补全任务
func (h *harness) drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case task := <-h.enricher.queue:
			h.enricher.handle(ctx, task)
			n++
		default:
			return n
		}
	}
}

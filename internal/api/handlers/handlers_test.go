package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/langchou/safedrive/internal/models"
	"github.com/langchou/safedrive/internal/repository"
	"github.com/langchou/safedrive/internal/scoring"
	"github.com/langchou/safedrive/internal/service"
	"github.com/langchou/safedrive/internal/state"
	"github.com/langchou/safedrive/pkg/ws"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, store *repository.Store) *gin.Engine {
	t.Helper()
	logger := zap.NewNop()
	hub := ws.NewHub(logger)
	notifier := service.NewNotifier(hub, nil, logger)
	trips := service.NewTripService(store, state.DefaultThresholds(), nil, notifier, time.UTC, logger)
	fleet := service.NewFleetService(store, logger)

	h := NewHandler(logger, Services{
		Store:     store,
		Ingest:    service.NewIngestService(store, trips, nil, notifier, logger),
		Trips:     trips,
		Fleet:     fleet,
		Scores:    service.NewScoreService(store, scoring.DefaultParams(), logger),
		Dashboard: service.NewDashboardService(store, time.UTC),
		Scheduler: service.NewScheduler(service.SchedulerConfig{DeviceOfflineAfter: time.Hour}, trips, fleet, nil, logger),
		Hub:       hub,
		Location:  time.UTC,
	})
	return NewRouter(h, true)
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func gpsBody(ts time.Time, lat, lng, speed float64) string {
	return fmt.Sprintf(`{"dataType":"gps","timestamp":%d,"data":{"locationLat":%f,"locationLng":%f,"speed":%f}}`,
		ts.UnixMilli(), lat, lng, speed)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestReport_AcceptsGps(t *testing.T) {
	store := repository.NewMemoryStore()
	r := newTestRouter(t, store)

	w := do(t, r, http.MethodPost, "/api/v2/devices/DEV001/report", gpsBody(t0, 39.9, 116.4, 30))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, true, body["received"])
	assert.NotZero(t, body["serverTime"])

	fixes, err := store.Gps.ListByDevice(context.Background(), "DEV001", t0, t0)
	require.NoError(t, err)
	assert.Len(t, fixes, 1)
}

func TestReport_ValidationFailures(t *testing.T) {
	r := newTestRouter(t, repository.NewMemoryStore())

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"malformed json", `{"dataType":`, "body"},
		{"unknown data type", `{"dataType":"video","timestamp":1709280000000,"data":{}}`, "dataType"},
		{"missing latitude", `{"dataType":"gps","timestamp":1709280000000,"data":{"locationLng":116.4}}`, "data.locationLat"},
		{"bad level", `{"dataType":"event","timestamp":1709280000000,"data":{"eventId":"E1","level":"Level 7","behavior":"yarning"}}`, "data.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, "/api/v2/devices/DEV001/report", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			body := decode(t, w)
			assert.Equal(t, "validation_failed", body["error"])
			assert.Equal(t, tt.field, body["field"])
			assert.NotEmpty(t, body["reason"])
		})
	}
}

type failingGps struct{ repository.GpsStore }

func (failingGps) Insert(context.Context, *models.GpsFix) error {
	return errors.New("disk full")
}

func TestReport_PersistenceFailureSurfaces(t *testing.T) {
	store := repository.NewMemoryStore()
	store.Gps = failingGps{store.Gps}
	r := newTestRouter(t, store)

	w := do(t, r, http.MethodPost, "/api/v2/devices/DEV001/report", gpsBody(t0, 39.9, 116.4, 30))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, decode(t, w)["error"], "disk full")
}

type missingTripGps struct{ repository.GpsStore }

func (missingTripGps) Insert(context.Context, *models.GpsFix) error {
	return fmt.Errorf("update trip TRIP_0000000000000001: %w", repository.ErrNotFound)
}

func TestReport_StorageNotFoundIsInternalError(t *testing.T) {
	store := repository.NewMemoryStore()
	store.Gps = missingTripGps{store.Gps}
	r := newTestRouter(t, store)

	w := do(t, r, http.MethodPost, "/api/v2/devices/DEV001/report", gpsBody(t0, 39.9, 116.4, 30))
	require.Equal(t, http.StatusInternalServerError, w.Code, w.Body.String())
	assert.Contains(t, decode(t, w)["error"], "not found")

	w = do(t, r, http.MethodPost, "/api/v2/devices/DEV001/report", `{"dataType":"gps"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDriversAndBinding(t *testing.T) {
	r := newTestRouter(t, repository.NewMemoryStore())

	w := do(t, r, http.MethodPost, "/api/drivers", `{"driverId":"D001","name":"张三","licenseExpire":"2026-12-31"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = do(t, r, http.MethodPost, "/api/drivers", `{"driverId":"D001","name":"张三"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = do(t, r, http.MethodPost, "/api/drivers", `{"driverId":"D002"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/devices/DEV001/bind", `{"driverId":"D001"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPost, "/api/v2/devices/DEV001/report", gpsBody(t0, 39.9, 116.4, 0))
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodPost, "/api/devices/DEV001/bind", `{"driverId":"D404"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, r, http.MethodPost, "/api/devices/DEV001/bind", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, r, http.MethodPost, "/api/devices/DEV001/bind", `{"driverId":"D001"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/api/devices/DEV001/binding", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "D001", decode(t, w)["data"].(map[string]interface{})["driver_id"])

	w = do(t, r, http.MethodPost, "/api/devices/DEV001/unbind", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodGet, "/api/devices/DEV001/binding", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/api/devices/DEV001", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no_trip", decode(t, w)["segmentation_state"])
}

// driveBoundDevice 绑定 D001 后上报一段完整行程
func driveBoundDevice(t *testing.T, r http.Handler) {
	t.Helper()
	w := do(t, r, http.MethodPost, "/api/v2/devices/DEV001/report", gpsBody(t0.Add(-time.Minute), 39.9, 116.4, 0))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/api/drivers", `{"driverId":"D001","name":"张三"}`).Code)
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/api/devices/DEV001/bind", `{"driverId":"D001"}`).Code)

	for i, v := range []float64{0, 0, 15, 20, 18, 3, 2, 1, 1, 1, 1, 0} {
		ts := t0.Add(time.Duration(i) * time.Minute)
		w := do(t, r, http.MethodPost, "/api/v2/devices/DEV001/report", gpsBody(ts, 39.9+float64(i)*0.001, 116.4, v))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	event := fmt.Sprintf(`{"dataType":"event","timestamp":%d,"data":{"eventId":"EVT-1","level":"Level 2","score":75,"behavior":"eyes_closed","locationLat":39.9,"locationLng":116.4}}`,
		t0.Add(3*time.Minute).UnixMilli())
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/api/v2/devices/DEV001/report", event).Code)
}

func TestTripReadAPIs(t *testing.T) {
	r := newTestRouter(t, repository.NewMemoryStore())
	driveBoundDevice(t, r)

	w := do(t, r, http.MethodGet, "/api/drivers/D001/trips?start=2024-03-01&end=2024-03-02", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	trips := body["data"].([]interface{})
	require.Len(t, trips, 1)
	assert.Equal(t, float64(1), body["pagination"].(map[string]interface{})["total"])
	tripID := trips[0].(map[string]interface{})["trip_id"].(string)

	w = do(t, r, http.MethodGet, "/api/trips/"+tripID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", decode(t, w)["data"].(map[string]interface{})["status"])

	w = do(t, r, http.MethodGet, "/api/trips/"+tripID+"/fixes", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 4)

	w = do(t, r, http.MethodGet, "/api/trips/"+tripID+"/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 1)

	w = do(t, r, http.MethodGet, "/api/trips/TRIP_MISSING", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/api/drivers/D001/trips?start=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportDriverTrips(t *testing.T) {
	r := newTestRouter(t, repository.NewMemoryStore())
	driveBoundDevice(t, r)

	w := do(t, r, http.MethodGet, "/api/drivers/D001/trips/export?start=2024-03-01&end=2024-03-02", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "trips-D001-20240302.xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(tripSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, TripExportHeader[0], rows[0][0])
	assert.True(t, strings.HasPrefix(rows[1][0], "TRIP_"))
	assert.Equal(t, "2024-03-01 08:02:00", rows[1][2])
	assert.Equal(t, "completed", rows[1][len(TripExportHeader)-1])
}

func TestScoreAndStatsAPIs(t *testing.T) {
	r := newTestRouter(t, repository.NewMemoryStore())
	driveBoundDevice(t, r)
	window := "?start=2024-03-01&end=2024-03-02"

	w := do(t, r, http.MethodGet, "/api/drivers/D001/score"+window, "")
	require.Equal(t, http.StatusOK, w.Code)
	score := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(1), score["event_count"])
	assert.Less(t, score["overall"].(float64), 100.0)

	w = do(t, r, http.MethodGet, "/api/drivers/D001/ranking"+window, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["data"].(map[string]interface{})["rank"])

	w = do(t, r, http.MethodGet, "/api/drivers/D001/trend?days=7", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 7)
	w = do(t, r, http.MethodGet, "/api/drivers/D001/trend?days=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/api/drivers/D001/improvements"+window, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/api/stats/hours"+window, "")
	require.Equal(t, http.StatusOK, w.Code)
	hours := decode(t, w)["data"].([]interface{})
	require.Len(t, hours, 24)
	assert.Equal(t, float64(1), hours[8].(map[string]interface{})["high"])

	w = do(t, r, http.MethodGet, "/api/stats/behaviors"+window, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 1)

	w = do(t, r, http.MethodGet, "/api/stats/regions"+window, "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAdminAndOps(t *testing.T) {
	r := newTestRouter(t, repository.NewMemoryStore())

	w := do(t, r, http.MethodPost, "/api/admin/repair?date=2024-13-01", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/admin/repair?date=2024-03-01", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2024-03-01", decode(t, w)["data"].(map[string]interface{})["date"])

	w = do(t, r, http.MethodPost, "/api/admin/sweep", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "safedrive_reports_received_total")

	w = do(t, r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	req := httptest.NewRequest(http.MethodOptions, "/api/devices", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

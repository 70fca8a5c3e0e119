package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleMetrics(t *testing.T) {
	before := TripsStarted.Load()
	TripsStarted.Add(2)

	rec := httptest.NewRecorder()
	HandleMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "safedrive_trips_started_total ")
	assert.Equal(t, before+2, TripsStarted.Load())
	assert.Contains(t, rec.Body.String(), "safedrive_enrich_queue_drops_total")
}

func TestHandleMetrics_Gauges(t *testing.T) {
	value := int64(7)
	RegisterGauge("safedrive_test_gauge", func() int64 { return value })
	t.Cleanup(func() {
		gaugesMu.Lock()
		delete(gauges, "safedrive_test_gauge")
		gaugesMu.Unlock()
	})

	rec := httptest.NewRecorder()
	HandleMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "safedrive_test_gauge 7\n")

	value = 9
	rec = httptest.NewRecorder()
	HandleMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "safedrive_test_gauge 9\n")
}

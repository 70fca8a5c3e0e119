package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/safedrive/internal/models"
	"github.com/langchou/safedrive/internal/repository"
)

func newLiveRouter(t *testing.T, live LiveView) http.Handler {
	t.Helper()
	h := NewHandler(zap.NewNop(), Services{Store: repository.NewMemoryStore(), Live: live})
	return NewRouter(h, true)
}

func TestLive_NotConfigured(t *testing.T) {
	r := newLiveRouter(t, nil)
	w := do(t, r, http.MethodGet, "/api/live/devices/DEV001", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLive_StateAndNearby(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cache := repository.NewRedisCacheFromClient(client)

	ctx := context.Background()
	require.NoError(t, cache.UpdateDeviceState(ctx, &models.GpsFix{
		DeviceID: "DEV001", Timestamp: t0, Latitude: 39.910226, Longitude: 116.403714, Speed: 30,
	}, "TRIP_0000000000000001"))
	require.NoError(t, cache.UpdateDeviceState(ctx, &models.GpsFix{
		DeviceID: "DEV002", Timestamp: t0, Latitude: 31.230416, Longitude: 121.473701,
	}, ""))

	r := newLiveRouter(t, cache)

	w := do(t, r, http.MethodGet, "/api/live/devices/DEV001", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "TRIP_0000000000000001", data["trip_id"])

	w = do(t, r, http.MethodGet, "/api/live/devices/DEV404", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/api/live/nearby?lat=39.9105&lng=116.4040&radius=2000", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []interface{}{"DEV001"}, decode(t, w)["data"])

	tests := []struct {
		query string
		field string
	}{
		{"lng=116.4", "lat"},
		{"lat=95&lng=116.4", "lat"},
		{"lat=39.9&lng=abc", "lng"},
		{"lat=39.9&lng=116.4&radius=0", "radius"},
		{"lat=39.9&lng=116.4&radius=90000", "radius"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := do(t, r, http.MethodGet, "/api/live/nearby?"+tt.query, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.field, decode(t, w)["field"])
		})
	}
}

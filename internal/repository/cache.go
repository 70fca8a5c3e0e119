package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/langchou/safedrive/internal/models"
)

// Redis 键
const (
	deviceStateKey   = "device:%s:state"
	deviceGeoKey     = "devices:geo"
	geocodeKey       = "geo:%.4f,%.4f"
	TripChannel      = "trips"
	TelemetryChannel = "telemetry"
	deviceStateTTL   = 30 * time.Minute
)

// RedisCache 设备实时状态与逆地理编码缓存
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache 按 URL 连接 Redis，例如 redis://:password@localhost:6379/0
func NewRedisCache(ctx context.Context, url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = 20
	opts.MinIdleConns = 2

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient 使用已有客户端
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// UpdateDeviceState 写入设备最新位置并发布到 telemetry 频道
func (c *RedisCache) UpdateDeviceState(ctx context.Context, fix *models.GpsFix, tripID string) error {
	state := map[string]interface{}{
		"device_id": fix.DeviceID,
		"lat":       fix.Latitude,
		"lng":       fix.Longitude,
		"speed":     fix.Speed,
		"trip_id":   tripID,
		"timestamp": fix.Timestamp.UnixMilli(),
	}
	if fix.DriverID != nil {
		state["driver_id"] = *fix.DriverID
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal device state: %w", err)
	}

	key := fmt.Sprintf(deviceStateKey, fix.DeviceID)
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, state)
	pipe.Expire(ctx, key, deviceStateTTL)
	pipe.GeoAdd(ctx, deviceGeoKey, &redis.GeoLocation{
		Name:      fix.DeviceID,
		Longitude: fix.Longitude,
		Latitude:  fix.Latitude,
	})
	pipe.Publish(ctx, TelemetryChannel, payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// DeviceState 读取设备实时状态，不存在时返回 ErrNotFound
func (c *RedisCache) DeviceState(ctx context.Context, deviceID string) (map[string]string, error) {
	state, err := c.client.HGetAll(ctx, fmt.Sprintf(deviceStateKey, deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get device state: %w", err)
	}
	if len(state) == 0 {
		return nil, ErrNotFound
	}
	return state, nil
}

// DevicesNear 查询某点半径范围内（米）的设备
func (c *RedisCache) DevicesNear(ctx context.Context, lat, lng, radiusMeters float64) ([]string, error) {
	locs, err := c.client.GeoRadius(ctx, deviceGeoKey, lng, lat, &redis.GeoRadiusQuery{
		Radius: radiusMeters,
		Unit:   "m",
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search devices: %w", err)
	}
	ids := make([]string, 0, len(locs))
	for _, l := range locs {
		ids = append(ids, l.Name)
	}
	return ids, nil
}

// PublishTrip 发布行程边界事件
func (c *RedisCache) PublishTrip(ctx context.Context, payload []byte) error {
	if err := c.client.Publish(ctx, TripChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish trip: %w", err)
	}
	return nil
}

// GetAddress 读取逆地理编码缓存
func (c *RedisCache) GetAddress(ctx context.Context, lat, lng float64) (*models.Address, bool, error) {
	val, err := c.client.Get(ctx, fmt.Sprintf(geocodeKey, lng, lat)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached address: %w", err)
	}

	var addr models.Address
	if err := json.Unmarshal(val, &addr); err != nil {
		return nil, false, fmt.Errorf("decode cached address: %w", err)
	}
	return &addr, true, nil
}

// SetAddress 写入逆地理编码缓存
func (c *RedisCache) SetAddress(ctx context.Context, lat, lng float64, addr *models.Address, ttl time.Duration) error {
	val, err := json.Marshal(addr)
	if err != nil {
		return fmt.Errorf("encode address: %w", err)
	}
	if err := c.client.Set(ctx, fmt.Sprintf(geocodeKey, lng, lat), val, ttl).Err(); err != nil {
		return fmt.Errorf("cache address: %w", err)
	}
	return nil
}

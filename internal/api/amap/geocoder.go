package amap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/langchou/safedrive/internal/models"
)

const (
	DefaultBaseURL   = "https://restapi.amap.com/v3"
	placeholderKey   = "YOUR_AMAP_API_KEY"
	maxLocalCacheLen = 10000
)

// Cache 逆地理编码结果的外部缓存（Redis）
type Cache interface {
	GetAddress(ctx context.Context, lat, lng float64) (*models.Address, bool, error)
	SetAddress(ctx context.Context, lat, lng float64, addr *models.Address, ttl time.Duration) error
}

// GeocoderClient 高德逆地理编码客户端
type GeocoderClient struct {
	apiKey string
	http   *resty.Client
	logger *zap.Logger

	cache    Cache
	cacheTTL time.Duration

	// 未配置外部缓存时使用进程内缓存
	local   map[string]*models.Address
	localMu sync.RWMutex
}

// Options 客户端选项
type Options struct {
	BaseURL  string
	Timeout  time.Duration
	Retries  int
	Cache    Cache
	CacheTTL time.Duration
}

// RegeoResponse 高德逆地理编码响应
type RegeoResponse struct {
	Status    string     `json:"status"` // "1" 成功, "0" 失败
	Info      string     `json:"info"`
	InfoCode  string     `json:"infocode"`
	Regeocode *Regeocode `json:"regeocode"`
}

// Regeocode 逆地理编码结果
type Regeocode struct {
	FormattedAddress interface{}      `json:"formatted_address"`
	AddressComponent AddressComponent `json:"addressComponent"`
}

// AddressComponent 地址组成部分，字段为空时高德返回 []
type AddressComponent struct {
	Country  interface{} `json:"country"`
	Province interface{} `json:"province"`
	City     interface{} `json:"city"`
	District interface{} `json:"district"`
	Township interface{} `json:"township"`
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// NewGeocoderClient 创建高德逆地理编码客户端
func NewGeocoderClient(apiKey string, opts Options, logger *zap.Logger) *GeocoderClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 7 * 24 * time.Hour
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Accept", "application/json")

	return &GeocoderClient{
		apiKey:   apiKey,
		http:     client,
		logger:   logger,
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		local:    make(map[string]*models.Address),
	}
}

// IsConfigured 是否已配置可用的 API Key
func (c *GeocoderClient) IsConfigured() bool {
	return c.apiKey != "" && c.apiKey != placeholderKey
}

// ReverseGeocode 逆地理编码，坐标为 GCJ-02
// 未配置 Key 或高德没有结果时返回 nil, nil
func (c *GeocoderClient) ReverseGeocode(ctx context.Context, lat, lng float64) (*models.Address, error) {
	if !c.IsConfigured() {
		return nil, nil
	}

	if addr, ok := c.cached(ctx, lat, lng); ok {
		return addr, nil
	}

	var result RegeoResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"key":        c.apiKey,
			"location":   fmt.Sprintf("%.6f,%.6f", lng, lat), // 经度在前
			"output":     "json",
			"radius":     "1000",
			"extensions": "base",
		}).
		SetResult(&result).
		Get("/geocode/regeo")
	if err != nil {
		return nil, fmt.Errorf("request amap regeo: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("amap api returned status %d", resp.StatusCode())
	}
	if result.Status != "1" {
		c.logger.Warn("Amap geocode failed",
			zap.String("info", result.Info),
			zap.String("infocode", result.InfoCode),
			zap.Float64("lat", lat),
			zap.Float64("lng", lng))
		return nil, fmt.Errorf("amap api error: %s (code: %s)", result.Info, result.InfoCode)
	}
	if result.Regeocode == nil {
		return nil, nil
	}

	comp := result.Regeocode.AddressComponent
	address := &models.Address{
		FormattedAddress: asString(result.Regeocode.FormattedAddress),
		Country:          asString(comp.Country),
		Province:         asString(comp.Province),
		City:             asString(comp.City),
		District:         asString(comp.District),
		Township:         asString(comp.Township),
	}
	if address.IsEmpty() {
		return nil, nil
	}

	c.store(ctx, lat, lng, address)

	c.logger.Debug("Geocoded address",
		zap.Float64("lat", lat),
		zap.Float64("lng", lng),
		zap.String("formatted", address.FormattedAddress),
		zap.String("region", address.Region()))

	return address, nil
}

func localKey(lat, lng float64) string {
	// 精确到小数点后 4 位，约 11 米
	return fmt.Sprintf("%.4f,%.4f", lng, lat)
}

func (c *GeocoderClient) cached(ctx context.Context, lat, lng float64) (*models.Address, bool) {
	if c.cache != nil {
		addr, ok, err := c.cache.GetAddress(ctx, lat, lng)
		if err != nil {
			c.logger.Warn("Geocode cache read failed", zap.Error(err))
			return nil, false
		}
		return addr, ok
	}

	c.localMu.RLock()
	defer c.localMu.RUnlock()
	addr, ok := c.local[localKey(lat, lng)]
	return addr, ok
}

func (c *GeocoderClient) store(ctx context.Context, lat, lng float64, addr *models.Address) {
	if c.cache != nil {
		if err := c.cache.SetAddress(ctx, lat, lng, addr, c.cacheTTL); err != nil {
			c.logger.Warn("Geocode cache write failed", zap.Error(err))
		}
		return
	}

	c.localMu.Lock()
	defer c.localMu.Unlock()
	// 超过上限直接清空
	if len(c.local) >= maxLocalCacheLen {
		c.local = make(map[string]*models.Address)
	}
	c.local[localKey(lat, lng)] = addr
}

// CacheSize 进程内缓存条数
func (c *GeocoderClient) CacheSize() int {
	c.localMu.RLock()
	defer c.localMu.RUnlock()
	return len(c.local)
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/safedrive/internal/api/amap"
	"github.com/langchou/safedrive/internal/api/handlers"
	"github.com/langchou/safedrive/internal/config"
	"github.com/langchou/safedrive/internal/metrics"
	"github.com/langchou/safedrive/internal/repository"
	"github.com/langchou/safedrive/internal/service"
	"github.com/langchou/safedrive/internal/transport/mqtt"
	"github.com/langchou/safedrive/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg)
	defer logger.Sync()

	logger.Info("Starting SafeDrive",
		zap.String("port", cfg.ServerPort),
		zap.String("storage", cfg.Storage),
		zap.String("timezone", cfg.Timezone))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 存储
	var store *repository.Store
	switch cfg.Storage {
	case config.StorageMemory:
		store = repository.NewMemoryStore()
		logger.Warn("Using in-memory storage, data is lost on restart")
	default:
		db, err := repository.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect database", zap.Error(err))
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		logger.Info("Database migrated successfully")
		store = repository.NewPostgresStore(db)
	}

	// Redis：设备实时状态与逆地理编码缓存，可选
	var live service.LiveState
	var liveView handlers.LiveView
	var geoCache amap.Cache
	if cfg.RedisURL != "" {
		cache, err := repository.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("Failed to connect redis", zap.Error(err))
		}
		defer cache.Close()
		live, liveView, geoCache = cache, cache, cache
		logger.Info("Redis connected")
	}

	// 逆地理编码
	var geocoder service.Geocoder
	amapClient := amap.NewGeocoderClient(cfg.AmapAPIKey, amap.Options{
		BaseURL:  cfg.AmapBaseURL,
		Timeout:  cfg.GeocodeTimeout,
		Retries:  2,
		Cache:    geoCache,
		CacheTTL: cfg.GeocodeTTL,
	}, logger)
	if amapClient.IsConfigured() {
		geocoder = amapClient
	} else {
		logger.Warn("AMAP_API_KEY not configured, address enrichment disabled")
	}

	enricher := service.NewEnricher(service.EnricherConfig{
		Workers:       cfg.EnrichWorkers,
		QueueSize:     cfg.EnrichQueueSize,
		Timeout:       cfg.GeocodeTimeout,
		MaxAttempts:   cfg.EnrichMaxAttempts,
		RetryInterval: cfg.EnrichRetryInterval,
	}, store, geocoder, logger)

	// WebSocket Hub
	wsHub := ws.NewHub(logger)
	go wsHub.Run()

	metrics.RegisterGauge("safedrive_ws_clients", func() int64 { return int64(wsHub.ClientCount()) })
	metrics.RegisterGauge("safedrive_ws_dropped_total", wsHub.Dropped)
	metrics.RegisterGauge("safedrive_geocode_cache_entries", func() int64 { return int64(amapClient.CacheSize()) })

	notifier := service.NewNotifier(wsHub, live, logger)

	// 业务服务
	trips := service.NewTripService(store, cfg.Thresholds(), enricher, notifier, cfg.Location, logger)
	ingest := service.NewIngestService(store, trips, enricher, notifier, logger)
	fleet := service.NewFleetService(store, logger)
	scores := service.NewScoreService(store, cfg.ScoringParams(), logger)
	dashboard := service.NewDashboardService(store, cfg.Location)
	scheduler := service.NewScheduler(service.SchedulerConfig{
		SweepInterval:      cfg.SweepInterval,
		DailyBatchHour:     cfg.DailyBatchHour,
		DeviceOfflineAfter: cfg.DeviceOfflineAfter,
		Location:           cfg.Location,
	}, trips, fleet, enricher, logger)

	wsHub.SetInitDataProvider(func() *ws.InitData {
		devices, err := fleet.ListDevices(context.Background())
		if err != nil {
			logger.Warn("Failed to load devices for websocket init", zap.Error(err))
		}
		return &ws.InitData{Devices: devices, States: trips.States()}
	})

	enricher.Start(ctx)
	scheduler.Start(ctx)

	// MQTT 上报通道，可选
	var consumer *mqtt.Consumer
	if cfg.MQTTBroker != "" {
		consumer = mqtt.NewConsumer(mqtt.Config{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Topic:    cfg.MQTTTopic,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			QoS:      1,
		}, ingest, logger)
		if err := consumer.Start(ctx); err != nil {
			logger.Error("Failed to start MQTT consumer", zap.Error(err))
			consumer = nil
		}
	}

	// HTTP
	handler := handlers.NewHandler(logger, handlers.Services{
		Store:     store,
		Ingest:    ingest,
		Trips:     trips,
		Fleet:     fleet,
		Scores:    scores,
		Dashboard: dashboard,
		Scheduler: scheduler,
		Hub:       wsHub,
		Live:      liveView,
		Location:  cfg.Location,
	})
	router := handlers.NewRouter(handler, cfg.Debug)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 先停入口，再停后台任务
	if consumer != nil {
		consumer.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	scheduler.Stop()
	enricher.Stop()
	wsHub.Stop()
	cancel()

	logger.Info("Server exited")
}

// initLogger 初始化日志
func initLogger(cfg *config.Config) *zap.Logger {
	var zc zap.Config
	if cfg.Debug {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zc.Level = zap.NewAtomicLevelAt(level)
	}

	logger, err := zc.Build()
	if err != nil {
		fmt.Printf("Failed to build logger: %v\n", err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	return logger.With(
		zap.String("service_name", cfg.ServiceName),
		zap.String("hostname", hostname),
	)
}

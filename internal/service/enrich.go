package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/safedrive/internal/metrics"
	"github.com/langchou/safedrive/internal/models"
	"github.com/langchou/safedrive/internal/repository"
)

// Geocoder 逆地理编码，无结果时返回 nil, nil
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lng float64) (*models.Address, error)
}

// TaskKind 补全任务类型
type TaskKind string

const (
	TaskEvent     TaskKind = "event"
	TaskTripStart TaskKind = "trip_start"
	TaskTripEnd   TaskKind = "trip_end"
)

// EnrichTask 一次地址补全
type EnrichTask struct {
	Kind TaskKind
	ID   string // eventId 或 tripId
	Lat  float64
	Lng  float64
}

// EnricherConfig 补全参数
type EnricherConfig struct {
	Workers       int
	QueueSize     int
	Timeout       time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
}

// Enricher 地址补全队列。
// 事件与行程先落库再入队，队列满或失败的任务保留在库中，由定时重试按 geocode_attempts 重新入队。
type Enricher struct {
	cfg      EnricherConfig
	store    *repository.Store
	geocoder Geocoder
	logger   *zap.Logger
	queue    chan EnrichTask

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewEnricher geocoder 为 nil 时所有任务直接丢弃
func NewEnricher(cfg EnricherConfig, store *repository.Store, geocoder Geocoder, logger *zap.Logger) *Enricher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	return &Enricher{
		cfg:      cfg,
		store:    store,
		geocoder: geocoder,
		logger:   logger,
		queue:    make(chan EnrichTask, cfg.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

// Enabled 是否配置了逆地理编码
func (e *Enricher) Enabled() bool {
	return e != nil && e.geocoder != nil
}

// Enqueue 非阻塞入队，队列满时返回 false
func (e *Enricher) Enqueue(task EnrichTask) bool {
	if !e.Enabled() {
		return false
	}
	select {
	case e.queue <- task:
		return true
	default:
		metrics.EnrichQueueDrops.Add(1)
		e.logger.Warn("Enrich queue full, task dropped",
			zap.String("kind", string(task.Kind)),
			zap.String("id", task.ID))
		return false
	}
}

// EnqueueEvent 有坐标的事件入队
func (e *Enricher) EnqueueEvent(ev *models.Event) bool {
	if !ev.HasLocation() {
		return false
	}
	return e.Enqueue(EnrichTask{Kind: TaskEvent, ID: ev.EventID, Lat: *ev.Latitude, Lng: *ev.Longitude})
}

// EnqueueTripStart 行程起点入队
func (e *Enricher) EnqueueTripStart(t *models.Trip) bool {
	return e.Enqueue(EnrichTask{Kind: TaskTripStart, ID: t.TripID, Lat: t.StartLatitude, Lng: t.StartLongitude})
}

// EnqueueTripEnd 行程终点入队
func (e *Enricher) EnqueueTripEnd(t *models.Trip) bool {
	if t.EndLatitude == nil || t.EndLongitude == nil {
		return false
	}
	return e.Enqueue(EnrichTask{Kind: TaskTripEnd, ID: t.TripID, Lat: *t.EndLatitude, Lng: *t.EndLongitude})
}

// Start 启动 worker 与定时重试
func (e *Enricher) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running || !e.Enabled() {
		return
	}
	e.stopCh = make(chan struct{})
	e.running = true

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	e.wg.Add(1)
	go e.retryLoop(ctx)

	e.logger.Info("Enricher started", zap.Int("workers", e.cfg.Workers))
}

// Stop 停止，队列中未处理的事件留待下次重试
func (e *Enricher) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("Enricher stopped")
}

func (e *Enricher) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case task := <-e.queue:
			e.handle(ctx, task)
		}
	}
}

func (e *Enricher) retryLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RetryPending(ctx); err != nil {
				e.logger.Warn("Enrich retry pass failed", zap.Error(err))
			}
		}
	}
}

// RetryPending 将未补全且未超过重试上限的事件与行程地址重新入队，返回入队任务数
func (e *Enricher) RetryPending(ctx context.Context) (int, error) {
	if !e.Enabled() {
		return 0, nil
	}
	// 只取超过一个重试周期未变动的记录，避免与刚入队的任务重复
	before := time.Now().Add(-e.cfg.RetryInterval)
	limit := e.cfg.QueueSize / 2

	events, err := e.store.Events.PendingGeocode(ctx, e.cfg.MaxAttempts, before, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range events {
		if !e.EnqueueEvent(&events[i]) {
			return n, nil
		}
		n++
	}

	trips, err := e.store.Trips.PendingAddresses(ctx, e.cfg.MaxAttempts, before, limit)
	if err != nil {
		return n, err
	}
	for i := range trips {
		t := &trips[i]
		if t.StartAddress == nil {
			if !e.EnqueueTripStart(t) {
				return n, nil
			}
			n++
		}
		if t.EndAddress == nil && t.Status == models.TripCompleted {
			if !e.EnqueueTripEnd(t) {
				return n, nil
			}
			n++
		}
	}

	if n > 0 {
		e.logger.Debug("Requeued pending geocode tasks", zap.Int("count", n))
	}
	return n, nil
}

// handle 处理单个任务，失败只记录，不向上返回
func (e *Enricher) handle(ctx context.Context, task EnrichTask) {
	gctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	addr, err := e.geocoder.ReverseGeocode(gctx, task.Lat, task.Lng)
	cancel()

	if err != nil || addr == nil {
		metrics.EnrichFailures.Add(1)
		if err != nil {
			e.logger.Warn("Reverse geocode failed",
				zap.String("kind", string(task.Kind)),
				zap.String("id", task.ID),
				zap.Error(err))
		}
		e.recordFailure(ctx, task)
		return
	}

	text := addr.FormattedAddress
	if text == "" {
		text = addr.Region()
	}

	switch task.Kind {
	case TaskEvent:
		err = e.store.Events.SetAddress(ctx, task.ID, text, addr.Region())
	case TaskTripStart:
		err = e.store.Trips.SetAddresses(ctx, task.ID, &text, nil)
	case TaskTripEnd:
		err = e.store.Trips.SetAddresses(ctx, task.ID, nil, &text)
	}
	if err != nil {
		metrics.EnrichFailures.Add(1)
		e.logger.Warn("Failed to save address",
			zap.String("kind", string(task.Kind)),
			zap.String("id", task.ID),
			zap.Error(err))
		return
	}
	metrics.EnrichSuccess.Add(1)
}

func (e *Enricher) recordFailure(ctx context.Context, task EnrichTask) {
	var err error
	if task.Kind == TaskEvent {
		err = e.store.Events.MarkGeocodeFailed(ctx, task.ID)
	} else {
		err = e.store.Trips.MarkGeocodeFailed(ctx, task.ID)
	}
	if err != nil {
		e.logger.Warn("Failed to record geocode attempt",
			zap.String("kind", string(task.Kind)),
			zap.String("id", task.ID),
			zap.Error(err))
	}
}

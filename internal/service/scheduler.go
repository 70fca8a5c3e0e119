package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SchedulerConfig 定时任务参数
type SchedulerConfig struct {
	SweepInterval      time.Duration
	DailyBatchHour     int
	DeviceOfflineAfter time.Duration
	Location           *time.Location
}

// Scheduler 定时巡检与每日修复
type Scheduler struct {
	cfg      SchedulerConfig
	trips    *TripService
	fleet    *FleetService
	enricher *Enricher
	logger   *zap.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewScheduler 创建调度器
func NewScheduler(cfg SchedulerConfig, trips *TripService, fleet *FleetService, enricher *Enricher, logger *zap.Logger) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{
		cfg:      cfg,
		trips:    trips,
		fleet:    fleet,
		enricher: enricher,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// SweepReport 一次巡检的汇总
type SweepReport struct {
	Trips    SweepResult `json:"trips"`
	Offline  []string    `json:"offline_devices"`
	Requeued int         `json:"requeued_geocodes"`
}

// RunSweep 执行一次巡检：行程超时/停车确认、设备离线、地址补全重试
func (s *Scheduler) RunSweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	trips, err := s.trips.Sweep(ctx)
	report.Trips = trips
	if err != nil {
		return report, err
	}

	offline, err := s.fleet.MarkOffline(ctx, s.cfg.DeviceOfflineAfter)
	if err != nil {
		return report, err
	}
	report.Offline = offline

	n, err := s.enricher.RetryPending(ctx)
	if err != nil {
		s.logger.Warn("Requeue pending geocodes failed", zap.Error(err))
	}
	report.Requeued = n
	return report, nil
}

// RunDailyBatch 修复 day 所在自然日的定位点
func (s *Scheduler) RunDailyBatch(ctx context.Context, day time.Time) (RepairResult, error) {
	return s.trips.RepairDay(ctx, day)
}

// Start 启动定时任务
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.stopCh = make(chan struct{})
	s.running = true

	s.wg.Add(2)
	go s.sweepLoop(ctx)
	go s.dailyLoop(ctx)

	s.logger.Info("Scheduler started",
		zap.Duration("sweep_interval", s.cfg.SweepInterval),
		zap.Int("daily_batch_hour", s.cfg.DailyBatchHour))
}

// Stop 停止定时任务，等待正在执行的任务结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunSweep(ctx); err != nil {
				s.logger.Error("Periodic sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) dailyLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		now := time.Now()
		next := NextDailyRun(now, s.cfg.DailyBatchHour, s.cfg.Location)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case fired := <-timer.C:
			// 修复前一天
			day := fired.In(s.cfg.Location).AddDate(0, 0, -1)
			if _, err := s.RunDailyBatch(ctx, day); err != nil {
				s.logger.Error("Daily trip repair failed", zap.Error(err))
			}
		}
	}
}

// NextDailyRun now 之后下一个本地 hour:00
func NextDailyRun(now time.Time, hour int, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

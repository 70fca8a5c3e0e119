package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/langchou/safedrive/internal/metrics"
	"github.com/langchou/safedrive/internal/models"
	"github.com/langchou/safedrive/internal/repository"
	"github.com/langchou/safedrive/internal/state"
	"github.com/langchou/safedrive/internal/tripstats"
)

// farFuture 查询“截至目前”时的上界
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// NewTripID 生成行程 ID：TRIP_ + 16 位大写十六进制
func NewTripID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "TRIP_" + strings.ToUpper(hex[:16])
}

// TripService 行程分段：实时判定、定时巡检与每日修复共用同一状态机
type TripService struct {
	store    *repository.Store
	machines *state.Manager
	enricher *Enricher
	notifier *Notifier
	logger   *zap.Logger

	concurrency int
	location    *time.Location
	now         func() time.Time
}

// NewTripService 创建行程服务
func NewTripService(store *repository.Store, th state.Thresholds, enricher *Enricher, notifier *Notifier, loc *time.Location, logger *zap.Logger) *TripService {
	if loc == nil {
		loc = time.UTC
	}
	s := &TripService{
		store:       store,
		enricher:    enricher,
		notifier:    notifier,
		logger:      logger,
		concurrency: 8,
		location:    loc,
		now:         time.Now,
	}
	s.machines = state.NewManager(th, s.onTransition)
	return s
}

func (s *TripService) onTransition(deviceID, from, to string) {
	s.logger.Debug("Segmentation state changed",
		zap.String("device_id", deviceID),
		zap.String("from", from),
		zap.String("to", to))
}

// States 各设备当前分段状态
func (s *TripService) States() map[string]string {
	return s.machines.States()
}

// OnFix 判定并保存一个定位点。
// 时间戳不晚于该设备上一个已判定点的定位点直接以空 tripId 保存，留给每日修复。
func (s *TripService) OnFix(ctx context.Context, fix *models.GpsFix) error {
	return s.machines.With(fix.DeviceID, func(m *state.Machine) error {
		if !m.Restored() {
			if err := s.hydrate(ctx, m); err != nil {
				return err
			}
		}

		prevTrip := m.TripID()
		boundaries, ok, err := m.Observe(*fix)
		if err != nil {
			m.Invalidate()
			return fmt.Errorf("observe fix: %w", err)
		}

		if !ok {
			metrics.OutOfOrderFixes.Add(1)
			s.logger.Debug("Out-of-order fix stored without trip",
				zap.String("device_id", fix.DeviceID),
				zap.Time("ts", fix.Timestamp))
			fix.TripID = nil
			return s.insertFix(ctx, m, fix)
		}

		if err := s.applyBoundaries(ctx, m, prevTrip, boundaries); err != nil {
			m.Invalidate()
			return err
		}

		fix.TripID = nil
		if id := stampTrip(m, fix.Timestamp); id != "" {
			fix.TripID = &id
		}
		if err := s.insertFix(ctx, m, fix); err != nil {
			return err
		}

		s.notifier.DeviceState(ctx, fix, m.TripID())
		return nil
	})
}

// stampTrip 定位点可直接归属的行程：行驶中，或恰好是停车候选点。
// 停车候选之后的点是否属于行程要等结束判定，由回填处理。
func stampTrip(m *state.Machine, ts time.Time) string {
	switch m.Current() {
	case state.StateActive:
		return m.TripID()
	case state.StatePossiblyStopped:
		if c := m.Snapshot().StopCandidate; c != nil && c.Timestamp.Equal(ts) {
			return m.TripID()
		}
	}
	return ""
}

// backfillUntil 进行中行程可安全回填的截止时间
func backfillUntil(m *state.Machine) *time.Time {
	snap := m.Snapshot()
	if snap.StopCandidate != nil {
		t := snap.StopCandidate.Timestamp
		return &t
	}
	if snap.LastFix != nil {
		t := snap.LastFix.Timestamp
		return &t
	}
	return nil
}

func (s *TripService) insertFix(ctx context.Context, m *state.Machine, fix *models.GpsFix) error {
	if err := s.store.Gps.Insert(ctx, fix); err != nil {
		// 状态机已前进但点未落库，下次从存储重建
		m.Invalidate()
		return err
	}
	metrics.GpsFixesStored.Add(1)
	return nil
}

// hydrate 从存储重建状态机：有进行中行程则从行程起点重放定位点
func (s *TripService) hydrate(ctx context.Context, m *state.Machine) error {
	deviceID := m.DeviceID()
	snap := state.Snapshot{State: state.StateNoTrip}

	last, err := s.store.Trips.LastEnded(ctx, deviceID, farFuture)
	switch {
	case err == nil:
		end := *last.EndTime
		snap.LastTripEnd = &end
	case !errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("load last trip: %w", err)
	}

	ongoing, err := s.store.Trips.Ongoing(ctx, deviceID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("load ongoing trip: %w", err)
	}
	if ongoing == nil {
		m.Restore(snap)
		return nil
	}

	start := models.GpsFix{
		DeviceID:  deviceID,
		DriverID:  ongoing.DriverID,
		Timestamp: ongoing.StartTime,
		Latitude:  ongoing.StartLatitude,
		Longitude: ongoing.StartLongitude,
		Speed:     s.machines.Thresholds().StartSpeed + 1,
	}
	snap.State = state.StateActive
	snap.TripID = ongoing.TripID
	snap.TripStart = &start
	snap.LastFix = &start
	snap.LastMovingAt = start.Timestamp
	m.Restore(snap)

	fixes, err := s.store.Gps.ListByDevice(ctx, deviceID, ongoing.StartTime, farFuture)
	if err != nil {
		return fmt.Errorf("load fixes for replay: %w", err)
	}
	for _, f := range fixes {
		prevTrip := m.TripID()
		boundaries, _, err := m.Observe(f)
		if err != nil {
			return fmt.Errorf("replay fix: %w", err)
		}
		if err := s.applyBoundaries(ctx, m, prevTrip, boundaries); err != nil {
			return err
		}
	}

	s.logger.Info("Segmentation state restored",
		zap.String("device_id", deviceID),
		zap.String("trip_id", ongoing.TripID),
		zap.String("state", m.Current()),
		zap.Int("replayed", len(fixes)))
	return nil
}

func (s *TripService) applyBoundaries(ctx context.Context, m *state.Machine, prevTrip string, boundaries []state.Boundary) error {
	for _, b := range boundaries {
		switch b.Kind {
		case state.TripEnded:
			if err := s.finishTrip(ctx, m.DeviceID(), prevTrip, b); err != nil {
				return err
			}
			prevTrip = ""
		case state.TripStarted:
			trip, err := s.startTrip(ctx, b.Fix)
			if err != nil {
				return err
			}
			m.SetTripID(trip.TripID)
		}
	}
	return nil
}

func (s *TripService) startTrip(ctx context.Context, fix models.GpsFix) (*models.Trip, error) {
	trip := &models.Trip{
		TripID:         NewTripID(),
		DeviceID:       fix.DeviceID,
		DriverID:       fix.DriverID,
		StartTime:      fix.Timestamp,
		StartLatitude:  fix.Latitude,
		StartLongitude: fix.Longitude,
		Status:         models.TripOngoing,
	}

	err := s.store.Trips.Create(ctx, trip)
	if errors.Is(err, repository.ErrOngoingExists) {
		// 存储中已有进行中行程，沿用它
		existing, gerr := s.store.Trips.Ongoing(ctx, fix.DeviceID)
		if gerr != nil {
			return nil, fmt.Errorf("load ongoing trip: %w", gerr)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create trip: %w", err)
	}

	metrics.TripsStarted.Add(1)
	s.logger.Info("Trip started",
		zap.String("trip_id", trip.TripID),
		zap.String("device_id", trip.DeviceID),
		zap.Time("start", trip.StartTime))

	s.notifier.TripStarted(ctx, trip)
	s.enricher.EnqueueTripStart(trip)
	return trip, nil
}

func (s *TripService) finishTrip(ctx context.Context, deviceID, tripID string, b state.Boundary) error {
	var trip *models.Trip
	var err error
	if tripID != "" {
		trip, err = s.store.Trips.Get(ctx, tripID)
	} else {
		trip, err = s.store.Trips.Ongoing(ctx, deviceID)
	}
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("Trip boundary without stored trip", zap.String("device_id", deviceID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load trip: %w", err)
	}
	if trip.Status != models.TripOngoing {
		return nil
	}

	end := b.Fix.Timestamp
	if end.Before(trip.StartTime) {
		end = trip.StartTime
	}
	lat, lng := b.Fix.Latitude, b.Fix.Longitude
	trip.EndTime = &end
	trip.EndLatitude = &lat
	trip.EndLongitude = &lng
	trip.Status = models.TripCompleted

	finished, err := s.refresh(ctx, *trip)
	if err != nil {
		return err
	}

	metrics.TripsFinished.Add(1)
	if b.Reason == state.EndTimeout {
		metrics.TripsTimedOut.Add(1)
	}
	s.logger.Info("Trip finished",
		zap.String("trip_id", finished.TripID),
		zap.String("device_id", finished.DeviceID),
		zap.String("reason", string(b.Reason)),
		zap.Float64("distance_km", finished.TotalDistanceKm),
		zap.Int64("duration_sec", finished.TotalDurationSec),
		zap.Float64("safety_score", finished.SafetyScore))

	s.notifier.TripFinished(ctx, &finished)
	s.enricher.EnqueueTripEnd(&finished)
	return nil
}

// refresh 重新计算统计并保存；已结束的行程同时回填定位点
func (s *TripService) refresh(ctx context.Context, trip models.Trip) (models.Trip, error) {
	end := s.now()
	if trip.EndTime != nil {
		end = *trip.EndTime
	}
	fixes, err := s.store.Gps.ListByDevice(ctx, trip.DeviceID, trip.StartTime, end)
	if err != nil {
		return trip, fmt.Errorf("load trip fixes: %w", err)
	}
	events, err := s.store.Events.ListByDevice(ctx, trip.DeviceID, trip.StartTime, end)
	if err != nil {
		return trip, fmt.Errorf("load trip events: %w", err)
	}

	updated := tripstats.Compute(trip, fixes, events, end)
	if err := s.store.Trips.Update(ctx, &updated); err != nil {
		return trip, fmt.Errorf("update trip: %w", err)
	}
	return updated, nil
}

// SweepResult 巡检结果
type SweepResult struct {
	Checked   int `json:"checked"`
	Finished  int `json:"finished"`
	Refreshed int `json:"refreshed"`
}

// Sweep 检查所有进行中的行程：满足停车确认或超时的结束，其余刷新统计并回填定位点
func (s *TripService) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.now()
	trips, err := s.store.Trips.ListOngoing(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list ongoing trips: %w", err)
	}

	var finished, refreshed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, trip := range trips {
		trip := trip
		g.Go(func() error {
			done, err := s.sweepTrip(ctx, trip, now)
			if err != nil {
				s.logger.Error("Sweep trip failed", zap.String("trip_id", trip.TripID), zap.Error(err))
				return err
			}
			if done {
				finished.Add(1)
			} else {
				refreshed.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	result := SweepResult{Checked: len(trips), Finished: int(finished.Load()), Refreshed: int(refreshed.Load())}
	s.logger.Info("Trip sweep completed",
		zap.Int("checked", result.Checked),
		zap.Int("finished", result.Finished),
		zap.Int("refreshed", result.Refreshed))
	return result, err
}

func (s *TripService) sweepTrip(ctx context.Context, trip models.Trip, now time.Time) (finished bool, err error) {
	err = s.machines.With(trip.DeviceID, func(m *state.Machine) error {
		if !m.Restored() || m.TripID() != trip.TripID {
			m.Invalidate()
			if err := s.hydrate(ctx, m); err != nil {
				return err
			}
		}
		// 重建过程中已经结束
		if !m.InTrip() || m.TripID() != trip.TripID {
			finished = true
			return nil
		}

		b, err := m.Tick(now)
		if err != nil {
			m.Invalidate()
			return fmt.Errorf("tick: %w", err)
		}
		if b != nil {
			finished = true
			if err := s.finishTrip(ctx, trip.DeviceID, trip.TripID, *b); err != nil {
				m.Invalidate()
				return err
			}
			return nil
		}

		current, err := s.store.Trips.Get(ctx, trip.TripID)
		if err != nil {
			return fmt.Errorf("load trip: %w", err)
		}
		if _, err := s.refresh(ctx, *current); err != nil {
			return err
		}
		if until := backfillUntil(m); until != nil {
			if _, err := s.store.Gps.BackfillTripID(ctx, trip.DeviceID, trip.StartTime, *until, trip.TripID); err != nil {
				return fmt.Errorf("backfill trip fixes: %w", err)
			}
		}
		return nil
	})
	return finished, err
}

// RepairResult 每日修复结果
type RepairResult struct {
	Date       string `json:"date"`
	Devices    int    `json:"devices"`
	Created    int    `json:"created"`
	Backfilled int64  `json:"backfilled"`
}

// RepairDay 对某个自然日内未归属行程的定位点重新分段：
// 与已有行程重叠的回填已有行程，否则创建已完成的行程。重复执行结果不变。
func (s *TripService) RepairDay(ctx context.Context, day time.Time) (RepairResult, error) {
	local := day.In(s.location)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.location)
	end := start.AddDate(0, 0, 1)
	result := RepairResult{Date: start.Format("2006-01-02")}

	devices, err := s.store.Gps.DevicesWithUnassigned(ctx, start, end)
	if err != nil {
		return result, fmt.Errorf("list devices with unassigned fixes: %w", err)
	}
	result.Devices = len(devices)

	var created, backfilled atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, deviceID := range devices {
		deviceID := deviceID
		g.Go(func() error {
			c, n, err := s.repairDevice(ctx, deviceID, start, end)
			if err != nil {
				s.logger.Error("Repair device failed", zap.String("device_id", deviceID), zap.Error(err))
				return err
			}
			created.Add(int64(c))
			backfilled.Add(n)
			return nil
		})
	}
	err = g.Wait()

	result.Created = int(created.Load())
	result.Backfilled = backfilled.Load()
	s.logger.Info("Daily trip repair completed",
		zap.String("date", result.Date),
		zap.Int("devices", result.Devices),
		zap.Int("created", result.Created),
		zap.Int64("backfilled", result.Backfilled))
	return result, err
}

func (s *TripService) repairDevice(ctx context.Context, deviceID string, start, end time.Time) (created int, backfilled int64, err error) {
	err = s.machines.With(deviceID, func(_ *state.Machine) error {
		fixes, err := s.store.Gps.ListByDevice(ctx, deviceID, start, end)
		if err != nil {
			return fmt.Errorf("load fixes: %w", err)
		}
		if len(fixes) == 0 {
			return nil
		}

		var lastEnd *time.Time
		last, err := s.store.Trips.LastEnded(ctx, deviceID, start)
		switch {
		case err == nil:
			lastEnd = last.EndTime
		case !errors.Is(err, repository.ErrNotFound):
			return fmt.Errorf("load last trip: %w", err)
		}

		spans, err := state.Segment(fixes, s.machines.Thresholds(), lastEnd, end)
		if err != nil {
			return fmt.Errorf("segment fixes: %w", err)
		}

		for _, span := range spans {
			if span.End == nil {
				continue
			}
			c, n, err := s.repairSpan(ctx, deviceID, span)
			if err != nil {
				return err
			}
			created += c
			backfilled += n
		}
		return nil
	})
	return created, backfilled, err
}

func (s *TripService) repairSpan(ctx context.Context, deviceID string, span state.Span) (int, int64, error) {
	spanEnd := span.End.Timestamp
	existing, err := s.store.Trips.ListByDevice(ctx, deviceID, span.Start.Timestamp, spanEnd)
	if err != nil {
		return 0, 0, fmt.Errorf("load overlapping trips: %w", err)
	}

	if len(existing) > 0 {
		var n int64
		for _, t := range existing {
			if t.EndTime == nil {
				continue
			}
			c, err := s.store.Gps.BackfillTripID(ctx, deviceID, t.StartTime, *t.EndTime, t.TripID)
			if err != nil {
				return 0, n, fmt.Errorf("backfill trip fixes: %w", err)
			}
			n += c
		}
		return 0, n, nil
	}

	endLat, endLng := span.End.Latitude, span.End.Longitude
	trip := models.Trip{
		TripID:         NewTripID(),
		DeviceID:       deviceID,
		DriverID:       span.Start.DriverID,
		StartTime:      span.Start.Timestamp,
		EndTime:        &spanEnd,
		StartLatitude:  span.Start.Latitude,
		StartLongitude: span.Start.Longitude,
		EndLatitude:    &endLat,
		EndLongitude:   &endLng,
		Status:         models.TripCompleted,
	}
	if err := s.store.Trips.Create(ctx, &trip); err != nil {
		return 0, 0, fmt.Errorf("create repaired trip: %w", err)
	}
	updated, err := s.refresh(ctx, trip)
	if err != nil {
		return 1, 0, err
	}
	metrics.TripsRepaired.Add(1)

	fixes, err := s.store.Gps.ListByTrip(ctx, updated.TripID)
	if err != nil {
		return 1, 0, fmt.Errorf("count repaired fixes: %w", err)
	}
	s.logger.Info("Trip repaired",
		zap.String("trip_id", updated.TripID),
		zap.String("device_id", deviceID),
		zap.Time("start", updated.StartTime),
		zap.Time("end", *updated.EndTime))

	s.enricher.EnqueueTripStart(&updated)
	s.enricher.EnqueueTripEnd(&updated)
	return 1, int64(len(fixes)), nil
}

package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/langchou/safedrive/internal/repository"
	"github.com/langchou/safedrive/internal/scoring"
)

// ScoreService 驾驶员评分查询，只读
type ScoreService struct {
	store  *repository.Store
	params scoring.Params
	logger *zap.Logger
	now    func() time.Time
}

// NewScoreService 创建评分服务
func NewScoreService(store *repository.Store, params scoring.Params, logger *zap.Logger) *ScoreService {
	return &ScoreService{store: store, params: params, logger: logger, now: time.Now}
}

// Params 当前评分参数
func (s *ScoreService) Params() scoring.Params {
	return s.params
}

func (s *ScoreService) input(ctx context.Context, driverID string, start, end time.Time) (scoring.Input, error) {
	in := scoring.Input{Start: start, End: end}

	events, err := s.store.Events.ListByDriver(ctx, driverID, start, end)
	if err != nil {
		return in, fmt.Errorf("load events: %w", err)
	}
	trips, _, err := s.store.Trips.ListByDriver(ctx, driverID, start, end, 0, 0)
	if err != nil {
		return in, fmt.Errorf("load trips: %w", err)
	}
	fixes, err := s.store.Gps.ListByDriver(ctx, driverID, start, end)
	if err != nil {
		return in, fmt.Errorf("load fixes: %w", err)
	}

	in.Events, in.Trips, in.Fixes = events, trips, fixes
	return in, nil
}

// Score 驾驶员在 [start, end) 内的评分
func (s *ScoreService) Score(ctx context.Context, driverID string, start, end time.Time) (scoring.Score, error) {
	in, err := s.input(ctx, driverID, start, end)
	if err != nil {
		return scoring.Score{}, err
	}
	score := s.params.Compute(in)
	score.DriverID = driverID
	return score, nil
}

// Trend 最近 days 个自然日每天的总分，旧的在前；没有数据的一天为 100
func (s *ScoreService) Trend(ctx context.Context, driverID string, days int) ([]scoring.TrendPoint, error) {
	windows := scoring.TrendWindows(s.now(), days, s.params.Location)
	points := make([]scoring.TrendPoint, 0, len(windows))
	for _, w := range windows {
		score, err := s.Score(ctx, driverID, w.Start, w.End)
		if err != nil {
			return nil, fmt.Errorf("score %s: %w", w.Date, err)
		}
		points = append(points, scoring.TrendPoint{Date: w.Date, Score: score.Overall})
	}
	return points, nil
}

// Ranking 窗口内有事件的驾驶员（加上目标驾驶员）按总分排名
func (s *ScoreService) Ranking(ctx context.Context, driverID string, start, end time.Time) (scoring.Ranking, error) {
	ids, err := s.store.Events.DriversWithEvents(ctx, start, end)
	if err != nil {
		return scoring.Ranking{}, fmt.Errorf("load population: %w", err)
	}
	found := false
	for _, id := range ids {
		if id == driverID {
			found = true
			break
		}
	}
	if !found {
		ids = append(ids, driverID)
	}

	var mu sync.Mutex
	population := make([]scoring.Score, 0, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			score, err := s.Score(gctx, id, start, end)
			if err != nil {
				return err
			}
			mu.Lock()
			population = append(population, score)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return scoring.Ranking{}, err
	}

	r := scoring.Rank(population, driverID)
	s.logger.Debug("Driver ranked",
		zap.String("driver_id", driverID),
		zap.Int("rank", r.Rank),
		zap.Int("total", r.Total))
	return r, nil
}

// Improvements 评分与改进建议
type Improvements struct {
	Score       scoring.Score        `json:"score"`
	Suggestions []scoring.Suggestion `json:"suggestions"`
}

// Improvements 根据评分给出建议
func (s *ScoreService) Improvements(ctx context.Context, driverID string, start, end time.Time) (*Improvements, error) {
	in, err := s.input(ctx, driverID, start, end)
	if err != nil {
		return nil, err
	}
	score := s.params.Compute(in)
	score.DriverID = driverID
	return &Improvements{Score: score, Suggestions: s.params.Suggest(score, in.Events)}, nil
}

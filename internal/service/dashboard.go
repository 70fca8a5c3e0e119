package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/langchou/safedrive/internal/models"
	"github.com/langchou/safedrive/internal/repository"
)

const unknownRegion = "未知"

// LevelCounts 按等级计数
type LevelCounts struct {
	Total    int `json:"total"`
	Critical int `json:"critical"` // Level 3
	High     int `json:"high"`     // Level 2
	Medium   int `json:"medium"`   // Level 1
	Low      int `json:"low"`      // Normal
}

func (c *LevelCounts) add(l models.Level) {
	c.Total++
	switch l {
	case models.Level3:
		c.Critical++
	case models.Level2:
		c.High++
	case models.Level1:
		c.Medium++
	default:
		c.Low++
	}
}

// BehaviorStat 行为分布
type BehaviorStat struct {
	Behavior    string `json:"behavior"`
	DisplayName string `json:"display_name"`
	LevelCounts
}

// RegionStat 区域分布
type RegionStat struct {
	Region string `json:"region"`
	LevelCounts
}

// HourStat 按小时分布
type HourStat struct {
	Hour int `json:"hour"`
	LevelCounts
}

// DashboardService 事件统计
type DashboardService struct {
	store    *repository.Store
	location *time.Location
}

// NewDashboardService 创建统计服务
func NewDashboardService(store *repository.Store, loc *time.Location) *DashboardService {
	if loc == nil {
		loc = time.UTC
	}
	return &DashboardService{store: store, location: loc}
}

// Behaviors 按行为统计，次数多的在前
func (s *DashboardService) Behaviors(ctx context.Context, start, end time.Time) ([]BehaviorStat, error) {
	events, err := s.store.Events.ListInWindow(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	byBehavior := make(map[string]*BehaviorStat)
	for _, e := range events {
		st, ok := byBehavior[e.Behavior]
		if !ok {
			st = &BehaviorStat{Behavior: e.Behavior, DisplayName: models.BehaviorDisplayName(e.Behavior)}
			byBehavior[e.Behavior] = st
		}
		st.add(e.Level)
	}

	out := make([]BehaviorStat, 0, len(byBehavior))
	for _, st := range byBehavior {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Behavior < out[j].Behavior
	})
	return out, nil
}

// Regions 按区域统计，未完成逆地理编码的归入“未知”
func (s *DashboardService) Regions(ctx context.Context, start, end time.Time) ([]RegionStat, error) {
	events, err := s.store.Events.ListInWindow(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	byRegion := make(map[string]*RegionStat)
	for _, e := range events {
		region := unknownRegion
		if e.Region != nil && *e.Region != "" {
			region = *e.Region
		}
		st, ok := byRegion[region]
		if !ok {
			st = &RegionStat{Region: region}
			byRegion[region] = st
		}
		st.add(e.Level)
	}

	out := make([]RegionStat, 0, len(byRegion))
	for _, st := range byRegion {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Region < out[j].Region
	})
	return out, nil
}

// Hours 按本地时间 0-23 时统计，始终返回 24 项
func (s *DashboardService) Hours(ctx context.Context, start, end time.Time) ([]HourStat, error) {
	events, err := s.store.Events.ListInWindow(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	out := make([]HourStat, 24)
	for h := range out {
		out[h].Hour = h
	}
	for _, e := range events {
		out[e.Timestamp.In(s.location).Hour()].add(e.Level)
	}
	return out, nil
}

// Package tripstats 行程统计：里程、时长、事件分级计数与行程安全分
package tripstats

import (
	"math"
	"sort"
	"time"

	"github.com/langchou/safedrive/internal/coord"
	"github.com/langchou/safedrive/internal/models"
)

// Compute 根据行程边界内的定位点与事件重新计算统计值，可对进行中的行程重复调用。
// 进行中的行程以 now 作为终点。
func Compute(trip models.Trip, fixes []models.GpsFix, events []models.Event, now time.Time) models.Trip {
	end := now
	if trip.EndTime != nil {
		end = *trip.EndTime
	}

	inside := make([]models.GpsFix, 0, len(fixes))
	for _, f := range fixes {
		if !f.Timestamp.Before(trip.StartTime) && !f.Timestamp.After(end) {
			inside = append(inside, f)
		}
	}
	trip.TotalDistanceKm = DistanceKm(inside)

	duration := int64(end.Sub(trip.StartTime) / time.Second)
	if duration < 0 {
		duration = 0
	}
	trip.TotalDurationSec = duration

	trip.CriticalCount, trip.HighCount, trip.MediumCount, trip.LowCount = 0, 0, 0, 0
	trip.MaxLevel = models.LevelNormal
	trip.MaxScore, trip.AvgScore = 0, 0

	seen := make(map[string]struct{}, len(events))
	var sum float64
	var n int
	for _, e := range events {
		if e.Timestamp.Before(trip.StartTime) || e.Timestamp.After(end) {
			continue
		}
		if _, dup := seen[e.EventID]; dup {
			continue
		}
		seen[e.EventID] = struct{}{}

		switch e.Level {
		case models.Level3:
			trip.CriticalCount++
		case models.Level2:
			trip.HighCount++
		case models.Level1:
			trip.MediumCount++
		default:
			trip.LowCount++
		}
		if e.Level > trip.MaxLevel {
			trip.MaxLevel = e.Level
		}
		if e.Score > trip.MaxScore {
			trip.MaxScore = e.Score
		}
		sum += e.Score
		n++
	}
	if n > 0 {
		trip.AvgScore = coord.Round(sum/float64(n), 2)
		trip.MaxScore = coord.Round(trip.MaxScore, 2)
	}

	trip.SafetyScore = SafetyScore(trip.CriticalCount, trip.HighCount, trip.MediumCount, trip.AvgScore)
	return trip
}

// DistanceKm 按时间排序、去掉相同时间戳后累加相邻点大圆距离，保留两位小数
func DistanceKm(fixes []models.GpsFix) float64 {
	if len(fixes) < 2 {
		return 0
	}
	sorted := make([]models.GpsFix, len(fixes))
	copy(sorted, fixes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var meters float64
	prev := sorted[0]
	for _, f := range sorted[1:] {
		if f.Timestamp.Equal(prev.Timestamp) {
			continue
		}
		meters += coord.Haversine(prev.Latitude, prev.Longitude, f.Latitude, f.Longitude)
		prev = f
	}
	return coord.Round(meters/1000, 2)
}

// SafetyScore 100 − 10·严重 − 5·高 − 2·中 − max(0, 均分−80)·0.5，限制在 [0,100]
func SafetyScore(critical, high, medium int, avgScore float64) float64 {
	score := 100.0 - 10*float64(critical) - 5*float64(high) - 2*float64(medium)
	if avgScore > 80 {
		score -= (avgScore - 80) * 0.5
	}
	return coord.Round(math.Max(0, math.Min(100, score)), 2)
}

package scoring

import (
	"math"
	"time"

	"github.com/langchou/safedrive/internal/coord"
	"github.com/langchou/safedrive/internal/models"
)

// Input 某驾驶员在时间窗口内的原始数据
type Input struct {
	Start  time.Time
	End    time.Time
	Events []models.Event
	Trips  []models.Trip
	Fixes  []models.GpsFix
}

// Score 评分结果
type Score struct {
	DriverID   string    `json:"driver_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Overall    float64   `json:"overall"`
	Fatigue    float64   `json:"fatigue"`
	Behavior   float64   `json:"behavior"`
	Compliance float64   `json:"compliance"`
	Incident   float64   `json:"incident"`
	EventCount int       `json:"event_count"`
	TripCount  int       `json:"trip_count"`
}

// Compute 计算四项子分与加权总分，空输入得到 100 分
func (p Params) Compute(in Input) Score {
	events := uniqueEvents(in.Events)

	s := Score{
		Start:      in.Start,
		End:        in.End,
		Fatigue:    p.fatigue(events, in.Trips),
		Behavior:   p.behavior(events, in.Trips, in.End),
		Compliance: p.compliance(in.Fixes, in.Trips, in.End),
		Incident:   p.incident(events),
		EventCount: len(events),
		TripCount:  len(in.Trips),
	}
	overall := s.Fatigue*p.WeightFatigue +
		s.Behavior*p.WeightBehavior +
		s.Compliance*p.WeightCompliance +
		s.Incident*p.WeightIncident
	s.Overall = clamp(overall)
	return s
}

func (p Params) fatigue(events []models.Event, trips []models.Trip) float64 {
	score := 100.0
	var sum float64
	for _, e := range events {
		switch e.Level {
		case models.Level3:
			score -= p.FatigueCriticalPenalty
		case models.Level2:
			score -= p.FatigueHighPenalty
		case models.Level1:
			score -= p.FatigueMediumPenalty
		}
		if p.IsNight(e.Timestamp) {
			score -= p.NightEventPenalty
		}
		sum += e.Score
	}
	if len(events) > 0 {
		if avg := sum / float64(len(events)); avg > p.AvgScoreThreshold {
			score -= (avg - p.AvgScoreThreshold) * p.AvgScoreFactor
		}
	}
	for _, t := range trips {
		if hours := int(t.TotalDurationSec / 3600); hours > p.MaxContinuousHours {
			score -= float64(hours-p.MaxContinuousHours) * p.LongTripPenaltyPerHour
		}
	}
	return clamp(score)
}

func (p Params) behavior(events []models.Event, trips []models.Trip, windowEnd time.Time) float64 {
	score := 100.0
	for _, e := range events {
		switch {
		case models.IsDangerousBehavior(e.Behavior):
			score -= p.DangerousPenalty
		case models.IsGazeAversion(e.Behavior):
			score -= p.DistractionPenalty
		}
	}

	for _, t := range trips {
		end := windowEnd
		if t.EndTime != nil {
			end = *t.EndTime
		}
		var dangerous int
		for _, e := range events {
			if models.IsDangerousBehavior(e.Behavior) && !e.Timestamp.Before(t.StartTime) && !e.Timestamp.After(end) {
				dangerous++
			}
		}
		if dangerous == 0 {
			continue
		}
		hours := int(t.TotalDurationSec / 3600)
		if hours < 1 {
			hours = 1
		}
		if float64(dangerous)/float64(hours) > p.DangerousRateLimit {
			score -= p.DangerousRatePenalty
		}
	}
	return clamp(score)
}

func (p Params) compliance(fixes []models.GpsFix, trips []models.Trip, windowEnd time.Time) float64 {
	score := 100.0
	for _, f := range fixes {
		if f.Speed > p.OverspeedKmh {
			score -= p.OverspeedPenalty
		}
	}
	for _, t := range trips {
		if incomplete(t, windowEnd) {
			score -= p.IncompleteTripPenalty
		}
	}
	return clamp(score)
}

func (p Params) incident(events []models.Event) float64 {
	score := 100.0
	for _, e := range events {
		switch e.Level {
		case models.Level3:
			score -= p.IncidentCriticalPenalty
		case models.Level2:
			score -= p.IncidentHighPenalty
		}
	}
	return clamp(score)
}

// incomplete 已取消、没有结束时间或在窗口结束后仍未结束
func incomplete(t models.Trip, windowEnd time.Time) bool {
	return t.Status == models.TripCancelled || t.EndTime == nil || t.EndTime.After(windowEnd)
}

func uniqueEvents(events []models.Event) []models.Event {
	seen := make(map[string]struct{}, len(events))
	out := make([]models.Event, 0, len(events))
	for _, e := range events {
		if _, ok := seen[e.EventID]; ok {
			continue
		}
		seen[e.EventID] = struct{}{}
		out = append(out, e)
	}
	return out
}

func clamp(v float64) float64 {
	return coord.Round(math.Max(0, math.Min(100, v)), 2)
}

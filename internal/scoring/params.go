// Package scoring 驾驶员安全评分：四项子分、加权总分、排名、趋势与改进建议
package scoring

import "time"

// Params 评分参数，全部可配置，默认值为经验值
type Params struct {
	WeightFatigue    float64
	WeightBehavior   float64
	WeightCompliance float64
	WeightIncident   float64

	// 疲劳
	FatigueCriticalPenalty float64
	FatigueHighPenalty     float64
	FatigueMediumPenalty   float64
	AvgScoreThreshold      float64
	AvgScoreFactor         float64
	MaxContinuousHours     int
	LongTripPenaltyPerHour float64
	NightEventPenalty      float64
	NightStartHour         int
	NightEndHour           int

	// 行为
	DangerousPenalty     float64
	DistractionPenalty   float64
	DangerousRateLimit   float64 // 次/小时
	DangerousRatePenalty float64

	// 合规
	OverspeedKmh          float64
	OverspeedPenalty      float64
	IncompleteTripPenalty float64

	// 事故风险
	IncidentCriticalPenalty float64
	IncidentHighPenalty     float64

	// 建议阈值
	SuggestFatigueBelow  float64
	SuggestBehaviorBelow float64
	SuggestNightRatio    float64

	Location *time.Location
}

// DefaultParams 默认参数
func DefaultParams() Params {
	return Params{
		WeightFatigue:    0.4,
		WeightBehavior:   0.3,
		WeightCompliance: 0.2,
		WeightIncident:   0.1,

		FatigueCriticalPenalty: 10,
		FatigueHighPenalty:     5,
		FatigueMediumPenalty:   2,
		AvgScoreThreshold:      80,
		AvgScoreFactor:         0.5,
		MaxContinuousHours:     4,
		LongTripPenaltyPerHour: 5,
		NightEventPenalty:      2,
		NightStartHour:         22,
		NightEndHour:           6,

		DangerousPenalty:     3,
		DistractionPenalty:   1,
		DangerousRateLimit:   10,
		DangerousRatePenalty: 5,

		OverspeedKmh:          120,
		OverspeedPenalty:      5,
		IncompleteTripPenalty: 10,

		IncidentCriticalPenalty: 20,
		IncidentHighPenalty:     10,

		SuggestFatigueBelow:  70,
		SuggestBehaviorBelow: 70,
		SuggestNightRatio:    0.3,

		Location: time.UTC,
	}
}

func (p Params) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// IsNight 是否落在夜间时段 [NightStartHour, 24) ∪ [0, NightEndHour)
func (p Params) IsNight(ts time.Time) bool {
	h := ts.In(p.location()).Hour()
	return h >= p.NightStartHour || h < p.NightEndHour
}

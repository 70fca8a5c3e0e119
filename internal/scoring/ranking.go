package scoring

import (
	"sort"
	"time"

	"github.com/langchou/safedrive/internal/coord"
)

// Ranking 驾驶员在群体中的名次
type Ranking struct {
	DriverID   string  `json:"driver_id"`
	Overall    float64 `json:"overall"`
	Rank       int     `json:"rank"` // 从 1 开始，不在群体中为 0
	Total      int     `json:"total"`
	Percentile float64 `json:"percentile"`
}

// Rank 按总分降序排名，同分按驾驶员 ID 升序；percentile = (N−rank+1)/N·100
func Rank(population []Score, target string) Ranking {
	sorted := make([]Score, len(population))
	copy(sorted, population)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Overall != sorted[j].Overall {
			return sorted[i].Overall > sorted[j].Overall
		}
		return sorted[i].DriverID < sorted[j].DriverID
	})

	n := len(sorted)
	r := Ranking{DriverID: target, Total: n}
	for i, s := range sorted {
		if s.DriverID != target {
			continue
		}
		r.Rank = i + 1
		r.Overall = s.Overall
		r.Percentile = coord.Round(float64(n-r.Rank+1)/float64(n)*100, 1)
		break
	}
	return r
}

// TrendPoint 趋势中的一天
type TrendPoint struct {
	Date  string  `json:"date"`
	Score float64 `json:"score"`
}

// DayWindow 自然日窗口 [Start, End)
type DayWindow struct {
	Date  string
	Start time.Time
	End   time.Time
}

// TrendWindows 以 now 所在自然日为最后一天，向前共 days 天，旧的在前
func TrendWindows(now time.Time, days int, loc *time.Location) []DayWindow {
	if loc == nil {
		loc = time.UTC
	}
	if days <= 0 {
		return nil
	}
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	windows := make([]DayWindow, 0, days)
	for i := days - 1; i >= 0; i-- {
		start := today.AddDate(0, 0, -i)
		windows = append(windows, DayWindow{
			Date:  start.Format("2006-01-02"),
			Start: start,
			End:   start.AddDate(0, 0, 1),
		})
	}
	return windows
}

package state

import (
	"sort"
	"time"

	"github.com/langchou/safedrive/internal/models"
)

// Span 一段由定位序列推导出的行程
type Span struct {
	Start      models.GpsFix
	End        *models.GpsFix // 窗口结束时仍未结束则为空
	StartIndex int
	EndIndex   int // End 在输入序列中的下标，未结束为 -1
	ClosedAt   int // 确认结束时输入到的下标，由 closeAt 关闭或未结束为 -1
	Reason     EndReason
}

// Segment 对一段 GPS 序列执行与实时判定相同的状态机。
// lastTripEnd 为窗口前最近一次行程的结束时间；closeAt 非零时在序列结束后按该时间再检查一次停车/超时。
// 输入会按时间排序，重复时间戳只保留第一个。
func Segment(fixes []models.GpsFix, th Thresholds, lastTripEnd *time.Time, closeAt time.Time) ([]Span, error) {
	sorted := make([]models.GpsFix, len(fixes))
	copy(sorted, fixes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	m := NewMachine("", th, nil)
	if lastTripEnd != nil {
		end := *lastTripEnd
		m.Restore(Snapshot{State: StateNoTrip, LastTripEnd: &end})
	}

	indexOf := func(ts time.Time) int {
		i := sort.Search(len(sorted), func(i int) bool { return !sorted[i].Timestamp.Before(ts) })
		if i < len(sorted) && sorted[i].Timestamp.Equal(ts) {
			return i
		}
		return -1
	}

	var spans []Span
	open := -1
	apply := func(b Boundary, at int) {
		switch b.Kind {
		case TripStarted:
			spans = append(spans, Span{
				Start:      b.Fix,
				StartIndex: indexOf(b.Fix.Timestamp),
				EndIndex:   -1,
				ClosedAt:   -1,
			})
			open = len(spans) - 1
		case TripEnded:
			if open < 0 {
				return
			}
			end := b.Fix
			spans[open].End = &end
			spans[open].EndIndex = indexOf(end.Timestamp)
			spans[open].ClosedAt = at
			spans[open].Reason = b.Reason
			open = -1
		}
	}

	for i, fix := range sorted {
		boundaries, _, err := m.Observe(fix)
		if err != nil {
			return nil, err
		}
		for _, b := range boundaries {
			apply(b, i)
		}
	}

	if !closeAt.IsZero() {
		b, err := m.Tick(closeAt)
		if err != nil {
			return nil, err
		}
		if b != nil {
			apply(*b, -1)
		}
	}
	return spans, nil
}

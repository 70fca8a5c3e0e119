package scoring

import (
	"fmt"
	"sort"

	"github.com/langchou/safedrive/internal/models"
)

// Suggestion 改进建议，仅供参考
type Suggestion struct {
	Type     string `json:"type"`
	Priority string `json:"priority"`
	Title    string `json:"title"`
	Content  string `json:"content"`
}

// Suggest 根据子分与事件分布生成建议
func (p Params) Suggest(score Score, events []models.Event) []Suggestion {
	suggestions := make([]Suggestion, 0, 3)

	if score.Fatigue < p.SuggestFatigueBelow {
		suggestions = append(suggestions, Suggestion{
			Type:     "fatigue",
			Priority: "high",
			Title:    "注意休息",
			Content:  fmt.Sprintf("疲劳驾驶评分偏低（%.1f），建议每连续驾驶 2 小时休息 15-20 分钟", score.Fatigue),
		})
	}

	if score.Behavior < p.SuggestBehaviorBelow {
		content := "驾驶行为评分偏低，请保持专注"
		if top := topBehavior(events); top != "" {
			content = fmt.Sprintf("最常出现的行为是「%s」，请保持专注，避免此类行为", models.BehaviorDisplayName(top))
		}
		suggestions = append(suggestions, Suggestion{
			Type:     "behavior",
			Priority: "medium",
			Title:    "改善驾驶习惯",
			Content:  content,
		})
	}

	if len(events) > 0 {
		night := 0
		for _, e := range events {
			if p.IsNight(e.Timestamp) {
				night++
			}
		}
		if ratio := float64(night) / float64(len(events)); ratio > p.SuggestNightRatio {
			suggestions = append(suggestions, Suggestion{
				Type:     "time",
				Priority: "medium",
				Title:    "减少夜间驾驶",
				Content:  fmt.Sprintf("%.0f%% 的事件发生在夜间，建议尽量避免夜间长时间驾驶", ratio*100),
			})
		}
	}

	return suggestions
}

func topBehavior(events []models.Event) string {
	counts := make(map[string]int)
	for _, e := range events {
		if e.Behavior != "" {
			counts[e.Behavior]++
		}
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

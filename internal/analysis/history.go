package analysis

import (
	"github.com/sessionlens/api/internal/model"
)

const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDeclining = "declining"
	TrendUnknown   = "unknown"

	trendThreshold = 0.5
)

// ComputeConsistency summarizes the history window relative to the
// current session. history must be most recent first.
func ComputeConsistency(current *model.Session, history []*model.Session) model.Consistency {
	c := model.Consistency{SessionsInWindow: len(history), MoodTrend: TrendUnknown}

	var sum float64
	var n int
	for _, h := range history {
		if h.Mood != nil {
			sum += h.Mood.Score
			n++
		}
		if h.Breakthrough != nil && h.Breakthrough.HasBreakthrough {
			c.BreakthroughsInWindow++
		}
	}
	if n > 0 {
		c.AverageMood = sum / float64(n)
	}

	if len(history) > 0 {
		gap := current.OccurredAt().Sub(history[0].OccurredAt())
		c.DaysSincePriorSession = gap.Hours() / 24
	}

	if n > 0 && current.Mood != nil {
		switch delta := current.Mood.Score - c.AverageMood; {
		case delta > trendThreshold:
			c.MoodTrend = TrendImproving
		case delta < -trendThreshold:
			c.MoodTrend = TrendDeclining
		default:
			c.MoodTrend = TrendStable
		}
	}
	return c
}

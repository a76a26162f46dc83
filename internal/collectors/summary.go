package collectors

import (
	"time"

	"github.com/gyaneshwarpardhi/linkreach/internal/event"
	"github.com/gyaneshwarpardhi/linkreach/internal/metrics"
)

// Summary is the aggregated analytics view returned to UI surfaces.
type Summary struct {
	GeneratedAt     int64              `json:"generatedAt"`
	TotalEvents     int                `json:"totalEvents"`
	ByType          map[event.Type]int `json:"byType"`
	Funnel          FunnelMetrics      `json:"funnel"`
	Hourly          [24]int            `json:"hourly"`
	PeakHours       []int              `json:"peakHours"`
	ActiveMs        int64              `json:"activeMs"`
	IdleMs          int64              `json:"idleMs"`
	EngagementScore float64            `json:"engagementScore"`
	Performance     *PerformanceReport `json:"performance,omitempty"`
}

// Summarize aggregates evs as of now. Session bookkeeping events are left
// out of the counts. perf may be nil.
func Summarize(evs []*event.Event, now time.Time, idleThreshold time.Duration, perf *Performance) Summary {
	activity := make([]*event.Event, 0, len(evs))
	s := Summary{GeneratedAt: now.UnixMilli(), ByType: make(map[event.Type]int)}
	for _, ev := range evs {
		if ev == nil || ev.Type.Internal() {
			continue
		}
		activity = append(activity, ev)
		s.TotalEvents += ev.Occurrences()
		s.ByType[ev.Type] += ev.Occurrences()
	}

	s.Funnel = Funnel(activity)
	s.Hourly = HourlyHistogram(activity, time.Local)
	s.PeakHours = PeakHours(s.Hourly)

	var elapsed time.Duration
	if len(activity) > 0 {
		clock := ActivityFromEvents(activity, idleThreshold)
		active, idle := clock.Split(now)
		s.ActiveMs, s.IdleMs = active.Milliseconds(), idle.Milliseconds()
		elapsed = active + idle
	}
	s.EngagementScore = EngagementScore(EngagementInput{
		SuccessRate: s.Funnel.SuccessRate,
		TimeOnTask:  time.Duration(s.ActiveMs) * time.Millisecond,
		Attempts:    s.Funnel.Attempted,
		Elapsed:     elapsed,
	})
	metrics.EngagementScore.Set(s.EngagementScore)

	if perf != nil {
		r := perf.Report()
		s.Performance = &r
	}
	return s
}

// Package collectors derives engagement and performance metrics from the
// tracker's event stream and externally supplied samples. Everything here is
// a read-only aggregation.
package collectors

import (
	"sort"

	"github.com/gyaneshwarpardhi/linkreach/internal/event"
)

// ProfileFunnel is the connection funnel for one profile.
type ProfileFunnel struct {
	Attempted  int   `json:"attempted"`
	Successful int   `json:"successful"`
	Declined   int   `json:"declined"`
	Failed     int   `json:"failed"`
	Pending    bool  `json:"pending"`
	LatencyMs  int64 `json:"latencyMs,omitempty"`
}

// FunnelMetrics aggregates connection outcomes across profiles.
type FunnelMetrics struct {
	Attempted         int                       `json:"attempted"`
	Successful        int                       `json:"successful"`
	Declined          int                       `json:"declined"`
	Failed            int                       `json:"failed"`
	Pending           int                       `json:"pending"`
	SuccessRate       float64                   `json:"successRate"`
	AverageResponseMs float64                   `json:"averageResponseMs"`
	Profiles          map[string]*ProfileFunnel `json:"profiles"`
}

// Funnel computes connection funnel metrics. Response latency is the time
// between a profile's first connection_sent and its first accepted or
// declined event after it.
func Funnel(evs []*event.Event) FunnelMetrics {
	sorted := make([]*event.Event, 0, len(evs))
	for _, ev := range evs {
		if ev != nil {
			sorted = append(sorted, ev)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	m := FunnelMetrics{Profiles: make(map[string]*ProfileFunnel)}
	sentAt := make(map[string]int64)
	responded := make(map[string]bool)

	profile := func(id string) *ProfileFunnel {
		p, ok := m.Profiles[id]
		if !ok {
			p = &ProfileFunnel{}
			m.Profiles[id] = p
		}
		return p
	}

	for _, ev := range sorted {
		n := ev.Occurrences()
		switch ev.Type {
		case event.TypeConnectionSent:
			m.Attempted += n
			profile(ev.ProfileID).Attempted += n
			if _, ok := sentAt[ev.ProfileID]; !ok {
				sentAt[ev.ProfileID] = ev.Timestamp
			}
		case event.TypeConnectionAccepted, event.TypeConnectionDeclined:
			p := profile(ev.ProfileID)
			if ev.Type == event.TypeConnectionAccepted {
				m.Successful += n
				p.Successful += n
			} else {
				m.Declined += n
				p.Declined += n
			}
			if sent, ok := sentAt[ev.ProfileID]; ok && !responded[ev.ProfileID] {
				responded[ev.ProfileID] = true
				p.LatencyMs = ev.Timestamp - sent
			}
		case event.TypeConnectionFailed:
			m.Failed += n
			profile(ev.ProfileID).Failed += n
		}
	}

	var latencySum int64
	var latencyCount int
	for id, p := range m.Profiles {
		if p.Attempted > 0 && p.Successful == 0 && p.Declined == 0 && p.Failed < p.Attempted {
			p.Pending = true
			m.Pending++
		}
		if responded[id] {
			latencySum += p.LatencyMs
			latencyCount++
		}
	}
	if m.Attempted > 0 {
		m.SuccessRate = float64(m.Successful) / float64(m.Attempted) * 100
	}
	if latencyCount > 0 {
		m.AverageResponseMs = float64(latencySum) / float64(latencyCount)
	}
	return m
}

package collectors

import (
	"sort"
	"time"

	"github.com/gyaneshwarpardhi/linkreach/internal/event"
)

// ActivityClock splits elapsed session time into active and idle time.
// After each activity, up to threshold counts as active and anything beyond
// it as idle.
type ActivityClock struct {
	threshold time.Duration
	last      time.Time
	active    time.Duration
	idle      time.Duration
}

func NewActivityClock(threshold time.Duration, start time.Time) *ActivityClock {
	return &ActivityClock{threshold: threshold, last: start}
}

// Record notes activity at t. Out-of-order times are ignored.
func (c *ActivityClock) Record(t time.Time) {
	if t.Before(c.last) {
		return
	}
	a, i := c.split(t.Sub(c.last))
	c.active += a
	c.idle += i
	c.last = t
}

func (c *ActivityClock) split(gap time.Duration) (active, idle time.Duration) {
	if gap <= c.threshold {
		return gap, 0
	}
	return c.threshold, gap - c.threshold
}

// Split returns the totals as of now, including the time since the last
// recorded activity.
func (c *ActivityClock) Split(now time.Time) (active, idle time.Duration) {
	active, idle = c.active, c.idle
	if now.After(c.last) {
		a, i := c.split(now.Sub(c.last))
		active += a
		idle += i
	}
	return active, idle
}

// ActivityFromEvents replays evs into a clock starting at the first event.
func ActivityFromEvents(evs []*event.Event, threshold time.Duration) *ActivityClock {
	times := make([]int64, 0, len(evs))
	for _, ev := range evs {
		if ev != nil {
			times = append(times, ev.Timestamp)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	if len(times) == 0 {
		return NewActivityClock(threshold, time.Time{})
	}
	c := NewActivityClock(threshold, time.UnixMilli(times[0]))
	for _, ts := range times[1:] {
		c.Record(time.UnixMilli(ts))
	}
	return c
}

// HourlyHistogram counts event occurrences per hour of day in loc.
func HourlyHistogram(evs []*event.Event, loc *time.Location) [24]int {
	if loc == nil {
		loc = time.UTC
	}
	var h [24]int
	for _, ev := range evs {
		if ev == nil || ev.Type.Internal() {
			continue
		}
		h[ev.Time().In(loc).Hour()] += ev.Occurrences()
	}
	return h
}

// PeakHours returns the hours whose count is at least 80% of the busiest
// hour, in ascending order. An empty histogram has no peaks.
func PeakHours(h [24]int) []int {
	max := 0
	for _, n := range h {
		if n > max {
			max = n
		}
	}
	peaks := []int{}
	if max == 0 {
		return peaks
	}
	for hour, n := range h {
		if float64(n) >= 0.8*float64(max) {
			peaks = append(peaks, hour)
		}
	}
	return peaks
}

// EngagementInput feeds EngagementScore.
type EngagementInput struct {
	SuccessRate float64 // percent, 0-100
	TimeOnTask  time.Duration
	Attempts    int
	Elapsed     time.Duration
}

const (
	scoreSuccessWeight   = 40.0
	scoreTimeWeight      = 30.0
	scoreFrequencyWeight = 30.0

	timeBonusCap       = 30 * time.Minute
	attemptsPerHourCap = 20.0
)

// EngagementScore combines success rate (40%), time on task capped at 30
// minutes (30%) and attempt frequency capped at 20 per hour (30%) into a
// score between 0 and 100.
func EngagementScore(in EngagementInput) float64 {
	success := clamp(in.SuccessRate/100, 0, 1) * scoreSuccessWeight
	timeBonus := clamp(float64(in.TimeOnTask)/float64(timeBonusCap), 0, 1) * scoreTimeWeight

	var freq float64
	if in.Elapsed > 0 {
		perHour := float64(in.Attempts) / in.Elapsed.Hours()
		freq = clamp(perHour/attemptsPerHourCap, 0, 1) * scoreFrequencyWeight
	}
	return clamp(success+timeBonus+freq, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

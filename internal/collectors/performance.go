package collectors

import (
	"runtime"
	"sync"
	"time"
)

const (
	maxSamples = 100
	// leakWindow is how many consecutive memory readings must all grow
	// before a leak is suspected.
	leakWindow = 5
)

type MemorySample struct {
	At       time.Time `json:"at"`
	HeapUsed uint64    `json:"heapUsed"`
}

type GCEvent struct {
	At    time.Time     `json:"at"`
	Pause time.Duration `json:"pause"`
}

type pageLoad struct {
	name     string
	duration time.Duration
}

type resourceTiming struct {
	kind     string
	duration time.Duration
	bytes    int64
}

// Performance keeps bounded windows of performance samples.
type Performance struct {
	mu        sync.Mutex
	now       func() time.Time
	pageLoads []pageLoad
	resources []resourceTiming
	memory    []MemorySample
	gcs       []GCEvent
	lastNumGC uint32
}

func NewPerformance(now func() time.Time) *Performance {
	if now == nil {
		now = time.Now
	}
	return &Performance{now: now}
}

func push[T any](s []T, v T) []T {
	s = append(s, v)
	if len(s) > maxSamples {
		s = append(s[:0:0], s[len(s)-maxSamples:]...)
	}
	return s
}

func (p *Performance) RecordPageLoad(name string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pageLoads = push(p.pageLoads, pageLoad{name: name, duration: d})
}

func (p *Performance) RecordResource(kind string, d time.Duration, bytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resources = push(p.resources, resourceTiming{kind: kind, duration: d, bytes: bytes})
}

func (p *Performance) RecordMemory(s MemorySample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.memory = push(p.memory, s)
}

func (p *Performance) RecordGC(e GCEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gcs = push(p.gcs, e)
}

// SampleRuntime records the current heap usage and any garbage collections
// completed since the previous call.
func (p *Performance) SampleRuntime() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.memory = push(p.memory, MemorySample{At: now, HeapUsed: ms.HeapAlloc})

	first := p.lastNumGC + 1
	if p.lastNumGC == 0 || ms.NumGC-p.lastNumGC > uint32(len(ms.PauseNs)) {
		// first sample, or the runtime ring buffer already wrapped
		first = ms.NumGC - minU32(ms.NumGC, uint32(len(ms.PauseNs))) + 1
	}
	for n := first; n <= ms.NumGC && n > 0; n++ {
		i := (n + uint32(len(ms.PauseNs)) - 1) % uint32(len(ms.PauseNs))
		p.gcs = push(p.gcs, GCEvent{
			At:    time.Unix(0, int64(ms.PauseEnd[i])),
			Pause: time.Duration(ms.PauseNs[i]),
		})
	}
	p.lastNumGC = ms.NumGC
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

type PageLoadStats struct {
	Count   int           `json:"count"`
	Average time.Duration `json:"average"`
	Max     time.Duration `json:"max"`
	Slowest string        `json:"slowest,omitempty"`
}

type ResourceStats struct {
	Count      int           `json:"count"`
	Average    time.Duration `json:"average"`
	TotalBytes int64         `json:"totalBytes"`
}

type MemoryStats struct {
	Samples       int     `json:"samples"`
	Latest        uint64  `json:"latest"`
	Peak          uint64  `json:"peak"`
	GrowthPerSec  float64 `json:"growthPerSec"`
	LeakSuspected bool    `json:"leakSuspected"`
}

type GCStats struct {
	Count        int           `json:"count"`
	AveragePause time.Duration `json:"averagePause"`
	PerMinute    float64       `json:"perMinute"`
}

// PerformanceReport aggregates everything recorded so far.
type PerformanceReport struct {
	PageLoads PageLoadStats            `json:"pageLoads"`
	Resources map[string]ResourceStats `json:"resources"`
	Memory    MemoryStats              `json:"memory"`
	GC        GCStats                  `json:"gc"`
}

func (p *Performance) Report() PerformanceReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := PerformanceReport{Resources: make(map[string]ResourceStats)}

	var total time.Duration
	for _, pl := range p.pageLoads {
		total += pl.duration
		if pl.duration > r.PageLoads.Max {
			r.PageLoads.Max = pl.duration
			r.PageLoads.Slowest = pl.name
		}
	}
	if n := len(p.pageLoads); n > 0 {
		r.PageLoads.Count = n
		r.PageLoads.Average = total / time.Duration(n)
	}

	sums := make(map[string]time.Duration)
	for _, rt := range p.resources {
		s := r.Resources[rt.kind]
		s.Count++
		s.TotalBytes += rt.bytes
		sums[rt.kind] += rt.duration
		r.Resources[rt.kind] = s
	}
	for kind, s := range r.Resources {
		s.Average = sums[kind] / time.Duration(s.Count)
		r.Resources[kind] = s
	}

	r.Memory = memoryStats(p.memory)
	r.GC = gcStats(p.gcs)
	return r
}

func memoryStats(samples []MemorySample) MemoryStats {
	m := MemoryStats{Samples: len(samples)}
	if len(samples) == 0 {
		return m
	}
	for _, s := range samples {
		if s.HeapUsed > m.Peak {
			m.Peak = s.HeapUsed
		}
	}
	m.Latest = samples[len(samples)-1].HeapUsed
	if len(samples) < leakWindow {
		return m
	}

	window := samples[len(samples)-leakWindow:]
	growing := true
	for i := 1; i < len(window); i++ {
		if window[i].HeapUsed <= window[i-1].HeapUsed {
			growing = false
			break
		}
	}
	first, last := window[0], window[len(window)-1]
	if secs := last.At.Sub(first.At).Seconds(); secs > 0 {
		m.GrowthPerSec = (float64(last.HeapUsed) - float64(first.HeapUsed)) / secs
	}
	m.LeakSuspected = growing
	return m
}

func gcStats(events []GCEvent) GCStats {
	g := GCStats{Count: len(events)}
	if len(events) == 0 {
		return g
	}
	var total time.Duration
	for _, e := range events {
		total += e.Pause
	}
	g.AveragePause = total / time.Duration(len(events))
	if span := events[len(events)-1].At.Sub(events[0].At); span > 0 {
		g.PerMinute = float64(len(events)-1) / span.Minutes()
	}
	return g
}

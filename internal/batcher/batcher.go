// Package batcher groups analytics events into bounded, timed batches with
// duplicate collapsing, priority ordering and size-based splitting.
package batcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/linkreach/internal/event"
	"github.com/gyaneshwarpardhi/linkreach/internal/metrics"
)

// Config controls when batches are flushed and how they are split.
type Config struct {
	BatchSize     int
	BatchTimeout  time.Duration
	MaxBatchBytes int
	Dedupe        bool
	DedupeWindow  time.Duration
	Compressor    Compressor
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		BatchSize:     10,
		BatchTimeout:  5 * time.Second,
		MaxBatchBytes: 1 << 20,
		Dedupe:        true,
		DedupeWindow:  time.Minute,
	}
}

// Batch is one serialized sub-batch handed to callbacks. Sub-batches cut
// from the same flush share ID and differ in Part.
type Batch struct {
	ID        string         `json:"batchId"`
	Part      int            `json:"part"`
	Parts     int            `json:"parts"`
	Events    []*event.Event `json:"events"`
	Payload   []byte         `json:"-"`
	Encoding  string         `json:"encoding"`
	RawBytes  int            `json:"rawBytes"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Callback receives each sub-batch. Errors and panics are logged and do not
// stop delivery to other callbacks.
type Callback func(ctx context.Context, b Batch) error

// Outcome reports what Add did with an event.
type Outcome int

const (
	Queued Outcome = iota
	Collapsed
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Queued:
		return "queued"
	case Collapsed:
		return "collapsed"
	default:
		return "rejected"
	}
}

// Stats is a point-in-time view of the batcher counters.
type Stats struct {
	Added          int64 `json:"added"`
	Collapsed      int64 `json:"collapsed"`
	Flushed        int64 `json:"flushed"`
	Batches        int64 `json:"batches"`
	CallbackErrors int64 `json:"callbackErrors"`
	Pending        int   `json:"pending"`
	Fingerprints   int   `json:"fingerprints"`
}

type fingerprint struct {
	record    *event.Event
	timestamp int64
	seen      time.Time
	pending   bool
	dropped   int
}

// Batcher accumulates events until BatchSize is reached or BatchTimeout has
// elapsed since the first pending event, whichever happens first.
type Batcher struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	pending      []*event.Event
	fingerprints map[string]*fingerprint
	timer        *time.Timer
	gen          uint64
	callbacks    []Callback
	stats        Stats
	closed       bool

	// deliverMu keeps flushes from interleaving their sub-batches.
	deliverMu sync.Mutex
}

// Option configures a Batcher.
type Option func(*Batcher)

func WithLogger(l *slog.Logger) Option {
	return func(b *Batcher) { b.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(b *Batcher) { b.now = now }
}

// New creates a Batcher. Zero thresholds fall back to DefaultConfig values.
func New(cfg Config, opts ...Option) *Batcher {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = def.MaxBatchBytes
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = def.DedupeWindow
	}
	b := &Batcher{
		cfg:          cfg,
		logger:       slog.Default(),
		now:          time.Now,
		fingerprints: make(map[string]*fingerprint),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// OnBatch registers a callback. Callbacks run in registration order.
func (b *Batcher) OnBatch(cb Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, cb)
}

// Add queues a copy of ev, or folds it into a matching fingerprint when
// deduplication is on. Reaching BatchSize flushes synchronously.
func (b *Batcher) Add(ev *event.Event) Outcome {
	if ev == nil {
		return Rejected
	}
	return b.AddKeyed(ev, ev.Fingerprint())
}

// AddKeyed is Add with an explicit dedupe key. Callers that redact events
// before batching pass the fingerprint of the original event so distinct
// sources are not collapsed once their identifying fields are gone.
func (b *Batcher) AddKeyed(ev *event.Event, key string) Outcome {
	if ev == nil {
		return Rejected
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Warn("batcher: add after close", "event_id", ev.ID)
		return Rejected
	}
	now := b.now()
	b.pruneLocked(now)

	if b.cfg.Dedupe {
		if fp, ok := b.fingerprints[key]; ok && b.withinWindow(fp.timestamp, ev.Timestamp) {
			if fp.pending {
				fp.record.Count = fp.record.Occurrences() + ev.Occurrences()
			} else {
				fp.dropped += ev.Occurrences()
			}
			b.stats.Collapsed++
			b.mu.Unlock()
			metrics.DuplicatesCollapsed.Inc()
			return Collapsed
		}
	}

	rec := ev.Clone()
	b.pending = append(b.pending, rec)
	b.stats.Added++
	if b.cfg.Dedupe {
		b.fingerprints[key] = &fingerprint{
			record:    rec,
			timestamp: ev.Timestamp,
			seen:      now,
			pending:   true,
		}
	}
	if len(b.pending) == 1 {
		b.armTimerLocked()
	}

	var ready []*event.Event
	if len(b.pending) >= b.cfg.BatchSize {
		ready = b.takeLocked()
	}
	b.mu.Unlock()

	if ready != nil {
		b.deliver(context.Background(), ready)
	}
	return Queued
}

func (b *Batcher) withinWindow(a, c int64) bool {
	d := a - c
	if d < 0 {
		d = -d
	}
	return d <= b.cfg.DedupeWindow.Milliseconds()
}

// pruneLocked forgets fingerprints first seen more than DedupeWindow ago.
// Pending records stay so later duplicates can still be folded into them.
func (b *Batcher) pruneLocked(now time.Time) {
	for k, fp := range b.fingerprints {
		if !fp.pending && now.Sub(fp.seen) > b.cfg.DedupeWindow {
			delete(b.fingerprints, k)
		}
	}
}

func (b *Batcher) armTimerLocked() {
	gen := b.gen
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.cfg.BatchTimeout, func() { b.flushGeneration(gen) })
}

// flushGeneration runs when the timer fires. A size flush bumps gen, so a
// timer that lost the race finds a stale generation and does nothing.
func (b *Batcher) flushGeneration(gen uint64) {
	b.mu.Lock()
	if gen != b.gen || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	ready := b.takeLocked()
	b.mu.Unlock()
	b.deliver(context.Background(), ready)
}

// takeLocked detaches the pending events and cancels the timer.
func (b *Batcher) takeLocked() []*event.Event {
	ready := b.pending
	b.pending = nil
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	// Every pending record leaves with this take.
	for _, fp := range b.fingerprints {
		fp.pending = false
	}
	return ready
}

// Flush delivers whatever is pending and returns the number of events flushed.
func (b *Batcher) Flush(ctx context.Context) int {
	b.mu.Lock()
	ready := b.takeLocked()
	b.mu.Unlock()
	if len(ready) == 0 {
		return 0
	}
	b.deliver(ctx, ready)
	return len(ready)
}

// Pending returns copies of the events waiting for the next flush.
func (b *Batcher) Pending() []*event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*event.Event, len(b.pending))
	for i, ev := range b.pending {
		out[i] = ev.Clone()
	}
	return out
}

func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Pending = len(b.pending)
	s.Fingerprints = len(b.fingerprints)
	return s
}

// Close flushes what is pending and rejects further events.
func (b *Batcher) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	ready := b.takeLocked()
	b.mu.Unlock()
	if len(ready) > 0 {
		b.deliver(ctx, ready)
	}
}

func (b *Batcher) deliver(ctx context.Context, evs []*event.Event) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	sort.SliceStable(evs, func(i, j int) bool {
		return evs[i].Priority.Rank() < evs[j].Priority.Rank()
	})

	parts, err := b.split(evs)
	if err != nil {
		b.logger.Warn("batcher: dropping flush", "events", len(evs), "err", err)
		return
	}

	b.mu.Lock()
	callbacks := append([]Callback(nil), b.callbacks...)
	b.mu.Unlock()

	id := uuid.NewString()
	created := b.now()
	var failures int64
	for i, p := range parts {
		batch := Batch{
			ID:        id,
			Part:      i + 1,
			Parts:     len(parts),
			Events:    p.events,
			Payload:   p.payload,
			Encoding:  EncodingIdentity,
			RawBytes:  len(p.payload),
			CreatedAt: created,
		}
		if c := b.cfg.Compressor; c != nil {
			out, err := c.Compress(p.payload)
			if err != nil {
				b.logger.Warn("batcher: compression failed, sending raw", "batch_id", id, "err", err)
			} else {
				batch.Payload = out
				batch.Encoding = c.Encoding()
			}
		}
		for _, cb := range callbacks {
			if err := invoke(ctx, cb, batch); err != nil {
				failures++
				metrics.BatchCallbackErrors.Inc()
				b.logger.Warn("batcher: callback failed", "batch_id", id, "part", batch.Part, "err", err)
			}
		}
		metrics.BatchesDelivered.Inc()
		metrics.BatchEvents.Observe(float64(len(p.events)))
	}

	b.mu.Lock()
	b.stats.Flushed += int64(len(evs))
	b.stats.Batches += int64(len(parts))
	b.stats.CallbackErrors += failures
	b.mu.Unlock()
}

func invoke(ctx context.Context, cb Callback, batch Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cb(ctx, batch)
}

type part struct {
	events  []*event.Event
	payload []byte
}

// split cuts evs, already in delivery order, into JSON arrays no larger than
// MaxBatchBytes. An event that alone exceeds the limit travels by itself.
func (b *Batcher) split(evs []*event.Event) ([]part, error) {
	var (
		parts   []part
		cur     []*event.Event
		encoded [][]byte
		size    int
	)
	emit := func() {
		if len(cur) == 0 {
			return
		}
		parts = append(parts, part{events: cur, payload: joinArray(encoded, size)})
		cur, encoded, size = nil, nil, 0
	}
	for _, ev := range evs {
		raw, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		// brackets plus one comma per additional element
		next := size + len(raw) + 1
		if len(cur) == 0 {
			next = len(raw) + 2
		}
		if len(cur) > 0 && next > b.cfg.MaxBatchBytes {
			emit()
			next = len(raw) + 2
		}
		if len(cur) == 0 && next > b.cfg.MaxBatchBytes {
			b.logger.Warn("batcher: event exceeds max batch size", "event_id", ev.ID, "bytes", len(raw))
		}
		cur = append(cur, ev)
		encoded = append(encoded, raw)
		size = next
	}
	emit()
	return parts, nil
}

func joinArray(items [][]byte, size int) []byte {
	out := make([]byte, 0, size)
	out = append(out, '[')
	for i, it := range items {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, it...)
	}
	return append(out, ']')
}

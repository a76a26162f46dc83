// Package tracker is the real-time analytics orchestrator. It owns the
// bounded in-memory event queue and the active session, notifies listeners
// synchronously and hands events to persistence without ever blocking the
// caller.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/linkreach/internal/batcher"
	"github.com/gyaneshwarpardhi/linkreach/internal/event"
	"github.com/gyaneshwarpardhi/linkreach/internal/metrics"
	"github.com/gyaneshwarpardhi/linkreach/internal/privacy"
	"github.com/gyaneshwarpardhi/linkreach/internal/pubsub"
	"github.com/gyaneshwarpardhi/linkreach/internal/storage"
	"github.com/gyaneshwarpardhi/linkreach/internal/workerpool"
)

const (
	DefaultMemoryLimit   = 1000
	DefaultIdleThreshold = 30 * time.Second
	DefaultPersistQueue  = 256
	DefaultPersistLimit  = 10000
)

var (
	// ErrPersistQueueFull is recorded when events could not be queued for
	// persistence because the backlog is at its bound.
	ErrPersistQueueFull = errors.New("tracker: persistence queue full")
	// ErrClosed is recorded when events arrive after Close.
	ErrClosed = errors.New("tracker: closed")
)

// SessionInfo describes the active session.
type SessionInfo struct {
	SessionID        string `json:"sessionId"`
	StartTime        int64  `json:"startTime"`
	LastActivityTime int64  `json:"lastActivityTime"`
	Duration         int64  `json:"duration"`
	EventCount       int    `json:"eventCount"`
	IsActive         bool   `json:"isActive"`
}

// Health exposes whether persistence is currently degraded.
type Health struct {
	Status                 string `json:"status"`
	LastPersistenceError   string `json:"lastPersistenceError,omitempty"`
	LastPersistenceErrorAt int64  `json:"lastPersistenceErrorAt,omitempty"`
	QueueLength            int    `json:"queueLength"`
	MemoryLimit            int    `json:"memoryLimit"`
	PersistBacklog         int    `json:"persistBacklog"`
}

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// persistJob asks the worker to write everything pending. At most one is
// queued at a time; events tracked meanwhile join the same write.
type persistJob struct{}

// Tracker records events for one background context. Construct it with New
// and share the pointer; there is no package-level instance.
type Tracker struct {
	store   storage.Storage
	locks   *storage.KeyLocks
	bus     *pubsub.Bus
	filter  *privacy.Filter
	batcher *batcher.Batcher
	logger  *slog.Logger
	now     func() time.Time

	idleThreshold time.Duration
	persistQueue  int
	persistLimit  int

	mu           sync.RWMutex
	queue        []*event.Event
	memoryLimit  int
	sessionID    string
	startTime    time.Time
	lastActivity time.Time

	errMu        sync.RWMutex
	persistErr   error
	persistErrAt time.Time

	pendMu    sync.Mutex
	pending   []*event.Event
	scheduled bool
	closed    bool

	pool   *workerpool.Pool[persistJob]
	cancel context.CancelFunc
	once   sync.Once
}

type Option func(*Tracker)

func WithBus(b *pubsub.Bus) Option             { return func(t *Tracker) { t.bus = b } }
func WithLogger(l *slog.Logger) Option         { return func(t *Tracker) { t.logger = l } }
func WithClock(now func() time.Time) Option    { return func(t *Tracker) { t.now = now } }
func WithFilter(f *privacy.Filter) Option      { return func(t *Tracker) { t.filter = f } }
func WithBatcher(b *batcher.Batcher) Option    { return func(t *Tracker) { t.batcher = b } }
func WithMemoryLimit(n int) Option             { return func(t *Tracker) { t.memoryLimit = n } }
func WithIdleThreshold(d time.Duration) Option { return func(t *Tracker) { t.idleThreshold = d } }

// WithKeyLocks shares the locks guarding stored keys with the other writers
// of the event log.
func WithKeyLocks(l *storage.KeyLocks) Option { return func(t *Tracker) { t.locks = l } }

// WithPersistQueue bounds how many events may wait for persistence at once.
func WithPersistQueue(n int) Option { return func(t *Tracker) { t.persistQueue = n } }

// WithPersistLimit caps the stored event collection; the oldest are trimmed.
func WithPersistLimit(n int) Option { return func(t *Tracker) { t.persistLimit = n } }

// New creates a Tracker persisting through store and starts its persistence
// worker. A session is opened immediately; Initialize may replace it.
func New(store storage.Storage, opts ...Option) *Tracker {
	t := &Tracker{
		store:         store,
		logger:        slog.Default(),
		now:           time.Now,
		memoryLimit:   DefaultMemoryLimit,
		idleThreshold: DefaultIdleThreshold,
		persistQueue:  DefaultPersistQueue,
		persistLimit:  DefaultPersistLimit,
	}
	for _, o := range opts {
		o(t)
	}
	if t.memoryLimit <= 0 {
		t.memoryLimit = DefaultMemoryLimit
	}
	if t.idleThreshold <= 0 {
		t.idleThreshold = DefaultIdleThreshold
	}
	if t.persistQueue <= 0 {
		t.persistQueue = DefaultPersistQueue
	}
	if t.locks == nil {
		t.locks = storage.NewKeyLocks()
	}
	if t.bus == nil {
		t.bus = pubsub.New(t.logger)
		t.bus.OnFailure = func(topic string, _ error) {
			metrics.ListenerFailures.WithLabelValues(topic).Inc()
		}
	}
	t.startSessionLocked(uuid.NewString(), t.now())

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	// One worker keeps read-merge-write cycles on the event log ordered.
	t.pool = workerpool.New[persistJob](ctx, 1, 1, t.persist, t.persistFailed)
	return t
}

func (t *Tracker) startSessionLocked(id string, at time.Time) {
	t.sessionID = id
	t.startTime = at
	t.lastActivity = at
}

// Initialize loads the persisted event collection to decide whether the
// last session can be resumed, then resets the live queue. It returns false
// when the load failed; the tracker stays usable with a fresh session.
func (t *Tracker) Initialize(ctx context.Context) bool {
	stored, err := storage.LoadEvents(ctx, t.store)
	if err == nil && t.filter != nil {
		if mErr := t.filter.LoadMapping(ctx); mErr != nil {
			t.logger.Warn("tracker: loading anonymization map failed", "err", mErr)
		}
	}
	now := t.now()

	t.mu.Lock()
	t.queue = nil
	resumed := false
	if err == nil {
		if last := newest(stored); resumable(last) && now.Sub(last.Time()) < t.idleThreshold {
			t.startSessionLocked(last.SessionID, sessionStart(stored, last.SessionID))
			t.lastActivity = last.Time()
			resumed = true
		}
	}
	if !resumed {
		t.startSessionLocked(uuid.NewString(), now)
	}
	t.mu.Unlock()
	metrics.QueueLength.Set(0)

	if err != nil {
		t.logger.Warn("tracker: loading persisted events failed, starting empty", "err", err)
	} else {
		t.logger.Info("tracker initialized", "session_id", t.SessionID(), "resumed", resumed, "stored_events", len(stored))
	}

	started, _ := t.record(&event.Event{
		Type:     event.TypeSessionStarted,
		Metadata: map[string]interface{}{"resumed": resumed},
	})
	t.bus.Publish(pubsub.TopicSessionStarted, started)
	return err == nil
}

// newest returns the latest event; among equal timestamps the one stored
// last wins.
func newest(evs []*event.Event) *event.Event {
	var last *event.Event
	for _, ev := range evs {
		if ev != nil && (last == nil || ev.Timestamp >= last.Timestamp) {
			last = ev
		}
	}
	return last
}

// resumable reports whether the session of the newest stored event is still
// open. A session whose last event is session_ended was closed explicitly.
func resumable(last *event.Event) bool {
	return last != nil && last.SessionID != "" && last.Type != event.TypeSessionEnded
}

func sessionStart(evs []*event.Event, sessionID string) time.Time {
	var first int64
	for _, ev := range evs {
		if ev != nil && ev.SessionID == sessionID && (first == 0 || ev.Timestamp < first) {
			first = ev.Timestamp
		}
	}
	return time.UnixMilli(first)
}

// Track builds an event from caller fields, queues it, notifies listeners
// and schedules persistence. Only malformed or invalid input is an error;
// an invalid event is reported as a *event.ValidationError.
func (t *Tracker) Track(fields map[string]interface{}) (*event.Event, error) {
	ev, err := event.FromFields(fields)
	if err != nil {
		metrics.EventsRejected.Inc()
		return nil, err
	}
	out, err := t.record(ev)
	if err != nil {
		metrics.EventsRejected.Inc()
		return nil, err
	}
	return out, nil
}

// record stamps identity, session and time onto ev, validates it and runs
// the pipeline.
func (t *Tracker) record(ev *event.Event) (*event.Event, error) {
	now := t.now()

	t.mu.Lock()
	ev.ID = uuid.NewString()
	ev.SessionID = t.sessionID
	ev.Timestamp = now.UnixMilli()
	if err := event.Check(ev, now); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.queue = append(t.queue, ev)
	evicted := t.trimLocked()
	t.lastActivity = now
	qlen := len(t.queue)
	t.mu.Unlock()

	metrics.EventsTracked.WithLabelValues(string(ev.Type)).Inc()
	metrics.QueueLength.Set(float64(qlen))
	if evicted > 0 {
		metrics.EventsEvicted.Add(float64(evicted))
	}

	out := ev.Clone()
	t.bus.Publish(pubsub.TopicEventTracked, out.Clone())
	t.bus.Publish(pubsub.TopicStatsUpdated, t.SessionInfo())

	outbound := ev.Clone()
	if t.filter != nil {
		outbound = t.filter.Prepare(outbound)
	}
	if t.batcher != nil {
		// Dedupe on the caller's identity, not on what survives redaction.
		t.batcher.AddKeyed(outbound, ev.Fingerprint())
	}
	t.schedulePersist(outbound)
	return out, nil
}

func (t *Tracker) trimLocked() int {
	over := len(t.queue) - t.memoryLimit
	if over <= 0 {
		return 0
	}
	for i := 0; i < over; i++ {
		t.queue[i] = nil
	}
	t.queue = append([]*event.Event(nil), t.queue[over:]...)
	return over
}

// schedulePersist adds ev to the pending write and wakes the worker if no
// write is scheduled yet.
func (t *Tracker) schedulePersist(ev *event.Event) {
	t.pendMu.Lock()
	var skipped error
	switch {
	case t.closed:
		skipped = ErrClosed
	case len(t.pending) >= t.persistQueue:
		skipped = ErrPersistQueueFull
	default:
		t.pending = append(t.pending, ev)
		if !t.scheduled {
			if t.pool.Submit(persistJob{}) {
				t.scheduled = true
			} else {
				// The pool only rejects after Drain.
				t.pending = t.pending[:len(t.pending)-1]
				skipped = ErrClosed
			}
		}
	}
	t.pendMu.Unlock()
	if skipped == nil {
		return
	}

	reason := "queue_full"
	if errors.Is(skipped, ErrClosed) {
		reason = "closed"
	}
	metrics.PersistenceFailures.WithLabelValues(reason).Inc()
	t.setPersistErr(skipped)
	t.logger.Warn("tracker: persistence skipped", "err", skipped, "event_id", ev.ID)
}

// persist merges every pending event into the stored collection in one
// read-modify-write. It runs on the pool worker.
func (t *Tracker) persist(ctx context.Context, _ persistJob) error {
	t.pendMu.Lock()
	batch := t.pending
	t.pending = nil
	t.scheduled = false
	t.pendMu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	if err := t.writeEvents(ctx, batch); err != nil {
		return fmt.Errorf("persist %d events: %w", len(batch), err)
	}
	if t.filter != nil {
		if err := t.filter.SaveMapping(ctx); err != nil {
			return err
		}
	}
	t.setPersistErr(nil)
	return nil
}

func (t *Tracker) writeEvents(ctx context.Context, batch []*event.Event) error {
	unlock := t.locks.Lock(storage.KeyAnalyticsEvents)
	defer unlock()

	stored, err := storage.LoadEvents(ctx, t.store)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	seen := make(map[string]bool, len(stored))
	for _, ev := range stored {
		seen[ev.ID] = true
	}
	for _, ev := range batch {
		if !seen[ev.ID] {
			stored = append(stored, ev)
		}
	}
	if t.persistLimit > 0 && len(stored) > t.persistLimit {
		stored = stored[len(stored)-t.persistLimit:]
	}
	return storage.SaveEvents(ctx, t.store, stored)
}

func (t *Tracker) persistFailed(_ persistJob, err error) {
	metrics.PersistenceFailures.WithLabelValues("write").Inc()
	t.setPersistErr(err)
	t.logger.Warn("tracker: persistence failed, continuing in memory", "err", err)
	t.bus.Publish(pubsub.TopicPersistenceFailed, err.Error())
}

func (t *Tracker) setPersistErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	t.persistErr = err
	if err != nil {
		t.persistErrAt = t.now()
	}
}

// LastPersistenceError returns the error of the most recent persistence
// attempt, or nil if it succeeded.
func (t *Tracker) LastPersistenceError() error {
	t.errMu.RLock()
	defer t.errMu.RUnlock()
	return t.persistErr
}

func (t *Tracker) Health() Health {
	t.pendMu.Lock()
	backlog := len(t.pending)
	t.pendMu.Unlock()

	t.mu.RLock()
	h := Health{
		Status:         StatusOK,
		QueueLength:    len(t.queue),
		MemoryLimit:    t.memoryLimit,
		PersistBacklog: backlog,
	}
	t.mu.RUnlock()

	t.errMu.RLock()
	defer t.errMu.RUnlock()
	if t.persistErr != nil {
		h.Status = StatusDegraded
		h.LastPersistenceError = t.persistErr.Error()
		h.LastPersistenceErrorAt = t.persistErrAt.UnixMilli()
	}
	return h
}

func (t *Tracker) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// SessionInfo reports the active session. EventCount leaves out session
// bookkeeping events.
func (t *Tracker) SessionInfo() SessionInfo {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	for _, ev := range t.queue {
		if ev.SessionID == t.sessionID && !ev.Type.Internal() {
			count++
		}
	}
	return SessionInfo{
		SessionID:        t.sessionID,
		StartTime:        t.startTime.UnixMilli(),
		LastActivityTime: t.lastActivity.UnixMilli(),
		Duration:         now.Sub(t.startTime).Milliseconds(),
		EventCount:       count,
		IsActive:         now.Sub(t.lastActivity) < t.idleThreshold,
	}
}

// SetMemoryLimit changes the queue bound and trims immediately.
func (t *Tracker) SetMemoryLimit(n int) error {
	if n <= 0 {
		return fmt.Errorf("memory limit must be positive, got %d", n)
	}
	t.mu.Lock()
	t.memoryLimit = n
	evicted := t.trimLocked()
	qlen := len(t.queue)
	t.mu.Unlock()

	metrics.QueueLength.Set(float64(qlen))
	if evicted > 0 {
		metrics.EventsEvicted.Add(float64(evicted))
		t.logger.Info("tracker: memory limit lowered", "limit", n, "evicted", evicted)
	}
	return nil
}

func (t *Tracker) IdleThreshold() time.Duration { return t.idleThreshold }

func (t *Tracker) MemoryLimit() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.memoryLimit
}

// AddEventListener subscribes h to topic and returns the unsubscribe func.
// Handler errors and panics are logged by the bus and never reach Track.
func (t *Tracker) AddEventListener(topic string, h pubsub.Handler) func() {
	return t.bus.Subscribe(topic, h)
}

// Events returns copies of the queued events, oldest first.
func (t *Tracker) Events() []*event.Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*event.Event, len(t.queue))
	for i, ev := range t.queue {
		out[i] = ev.Clone()
	}
	return out
}

// EndSession records a session_ended event, publishes stateChanged and
// opens a new session for subsequent events.
func (t *Tracker) EndSession() SessionInfo {
	info := t.SessionInfo()
	t.record(&event.Event{
		Type: event.TypeSessionEnded,
		Metadata: map[string]interface{}{
			"duration":   info.Duration,
			"eventCount": info.EventCount,
		},
	})

	t.mu.Lock()
	t.startSessionLocked(uuid.NewString(), t.now())
	t.mu.Unlock()

	t.bus.Publish(pubsub.TopicStateChanged, map[string]interface{}{
		"endedSession": info,
		"sessionId":    t.SessionID(),
	})
	return info
}

// Close flushes the batcher, waits for pending persistence and releases the
// worker. Events tracked afterwards stay in memory and record ErrClosed.
func (t *Tracker) Close(ctx context.Context) {
	t.once.Do(func() {
		if t.batcher != nil {
			t.batcher.Close(ctx)
		}
		t.pendMu.Lock()
		t.closed = true
		t.pendMu.Unlock()
		t.pool.Drain()
		t.cancel()
		t.logger.Info("tracker closed", "session_id", t.SessionID())
	})
}

package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/linkreach/internal/batcher"
	"github.com/gyaneshwarpardhi/linkreach/internal/event"
	"github.com/gyaneshwarpardhi/linkreach/internal/integrity"
	"github.com/gyaneshwarpardhi/linkreach/internal/metrics"
	"github.com/gyaneshwarpardhi/linkreach/internal/storage"
)

// DefaultJournalSize bounds the sealed records kept by Journal.
const DefaultJournalSize = 200

// Journal writes each sub-batch as a sealed record under
// storage.KeyJournal. Events are validated first and a batch holding an
// invalid event is rejected as a whole. Exact duplicates are dropped and the
// append runs in a transaction, so a failed write leaves the journal as it
// was.
type Journal struct {
	validator *integrity.Validator
	tx        *integrity.TxManager
	limit     int
	now       func() time.Time
}

func NewJournal(v *integrity.Validator, tx *integrity.TxManager, limit int) *Journal {
	if limit <= 0 {
		limit = DefaultJournalSize
	}
	return &Journal{validator: v, tx: tx, limit: limit, now: time.Now}
}

func (j *Journal) Name() string { return "journal" }

func (j *Journal) Deliver(ctx context.Context, b batcher.Batch) error {
	now := j.now()
	for i, ev := range b.Events {
		if err := event.Check(ev, now); err != nil {
			metrics.IntegrityFailures.WithLabelValues("event").Inc()
			return fmt.Errorf("journal: batch %s event %d: %w", b.ID, i, err)
		}
	}

	evs := j.dropDuplicates(b.Events)
	sealed, err := j.validator.AddIntegrityCheck(map[string]interface{}{
		"batchId":   b.ID,
		"part":      b.Part,
		"parts":     b.Parts,
		"createdAt": b.CreatedAt.UnixMilli(),
		"events":    evs,
	})
	if err != nil {
		return fmt.Errorf("journal: seal %s: %w", b.ID, err)
	}

	tx, err := j.tx.Begin("")
	if err != nil {
		return err
	}
	if err := tx.AddBoundedAppend(storage.KeyJournal, sealed, j.limit); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	return nil
}

// dropDuplicates keeps the first event of every duplicate group.
func (j *Journal) dropDuplicates(evs []*event.Event) []*event.Event {
	groups := j.validator.DetectDuplicateEvents(evs)
	if len(groups) == 0 {
		return evs
	}
	skip := make(map[int]bool)
	for _, g := range groups {
		for _, i := range g.Indices[1:] {
			skip[i] = true
		}
	}
	out := make([]*event.Event, 0, len(evs)-len(skip))
	for i, ev := range evs {
		if !skip[i] {
			out = append(out, ev)
		}
	}
	return out
}

// Records returns the journal, oldest first.
func (j *Journal) Records(ctx context.Context) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	raw, ok, err := j.tx.Read(ctx, storage.KeyJournal)
	if err != nil || !ok {
		return nil, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("journal: decode: %w", err)
	}
	return out, nil
}

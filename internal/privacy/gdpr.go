package privacy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/linkreach/internal/event"
	"github.com/gyaneshwarpardhi/linkreach/internal/storage"
)

// ExportVersion tags the export document layout.
const ExportVersion = "1.0"

var errNoStore = errors.New("privacy: no storage configured")

// RetentionResult reports what EnforceRetentionPolicy removed.
type RetentionResult struct {
	Removed   int   `json:"removed"`
	Remaining int   `json:"remaining"`
	Cutoff    int64 `json:"cutoff"`
}

// EnforceRetentionPolicy deletes stored events older than the policy's
// retention period.
func (f *Filter) EnforceRetentionPolicy(ctx context.Context) (RetentionResult, error) {
	if f.store == nil {
		return RetentionResult{}, errNoStore
	}
	days := f.Policy().DataRetentionDays
	cutoff := f.now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()

	unlock := f.locks.Lock(storage.KeyAnalyticsEvents)
	defer unlock()
	evs, err := storage.LoadEvents(ctx, f.store)
	if err != nil {
		return RetentionResult{}, fmt.Errorf("retention: %w", err)
	}
	kept := evs[:0]
	for _, ev := range evs {
		if ev.Timestamp >= cutoff {
			kept = append(kept, ev)
		}
	}
	res := RetentionResult{Removed: len(evs) - len(kept), Remaining: len(kept), Cutoff: cutoff}
	if res.Removed == 0 {
		return res, nil
	}
	if err := storage.SaveEvents(ctx, f.store, kept); err != nil {
		return RetentionResult{}, fmt.Errorf("retention: %w", err)
	}
	f.logger.Info("retention policy enforced", "removed", res.Removed, "remaining", res.Remaining, "data_retention_days", days)
	return res, nil
}

// Export is the GDPR access document for one user.
type Export struct {
	UserID     string         `json:"userId"`
	Pseudonym  string         `json:"pseudonym"`
	ExportedAt int64          `json:"exportedAt"`
	Version    string         `json:"version"`
	EventCount int            `json:"eventCount"`
	Events     []*event.Event `json:"events"`
}

// ExportUserData collects every stored event recorded under id or its pseudonym.
func (f *Filter) ExportUserData(ctx context.Context, id string) (*Export, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: user id is required", event.ErrMalformed)
	}
	if f.store == nil {
		return nil, errNoStore
	}
	l := f.locks.For(storage.KeyAnalyticsEvents)
	l.RLock()
	evs, err := storage.LoadEvents(ctx, f.store)
	l.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	pseudos := f.pseudonymsFor(id)
	out := &Export{
		UserID:     id,
		Pseudonym:  pseudos[0],
		ExportedAt: f.now().UnixMilli(),
		Version:    ExportVersion,
		Events:     []*event.Event{},
	}
	for _, ev := range evs {
		if matches(ev, id, pseudos) {
			out.Events = append(out.Events, ev)
		}
	}
	out.EventCount = len(out.Events)
	return out, nil
}

// DeleteResult reports what DeleteUserData removed.
type DeleteResult struct {
	UserID         string `json:"userId"`
	EventsDeleted  int    `json:"eventsDeleted"`
	MappingRemoved bool   `json:"mappingRemoved"`
}

// DeleteUserData removes every stored event for id and forgets its pseudonym.
func (f *Filter) DeleteUserData(ctx context.Context, id string) (DeleteResult, error) {
	if id == "" {
		return DeleteResult{}, fmt.Errorf("%w: user id is required", event.ErrMalformed)
	}
	if f.store == nil {
		return DeleteResult{}, errNoStore
	}
	pseudos := f.pseudonymsFor(id)
	res, err := f.deleteEvents(ctx, id, pseudos)
	if err != nil {
		return DeleteResult{}, err
	}

	f.mu.Lock()
	if _, ok := f.mapping[id]; ok {
		delete(f.mapping, id)
		f.dirty = true
		res.MappingRemoved = true
	}
	f.mu.Unlock()
	if res.MappingRemoved {
		if err := f.SaveMapping(ctx); err != nil {
			return res, err
		}
	}
	f.logger.Info("user data deleted", "events", res.EventsDeleted, "mapping_removed", res.MappingRemoved)
	return res, nil
}

func (f *Filter) deleteEvents(ctx context.Context, id string, pseudos []string) (DeleteResult, error) {
	unlock := f.locks.Lock(storage.KeyAnalyticsEvents)
	defer unlock()
	evs, err := storage.LoadEvents(ctx, f.store)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete: %w", err)
	}
	kept := evs[:0]
	for _, ev := range evs {
		if !matches(ev, id, pseudos) {
			kept = append(kept, ev)
		}
	}
	res := DeleteResult{UserID: id, EventsDeleted: len(evs) - len(kept)}
	if res.EventsDeleted > 0 {
		if err := storage.SaveEvents(ctx, f.store, kept); err != nil {
			return DeleteResult{}, fmt.Errorf("delete: %w", err)
		}
	}
	return res, nil
}

func matches(ev *event.Event, id string, pseudos []string) bool {
	is := func(s string) bool {
		if s == "" {
			return false
		}
		if s == id {
			return true
		}
		for _, p := range pseudos {
			if s == p {
				return true
			}
		}
		return false
	}
	if is(ev.ProfileID) {
		return true
	}
	s, _ := ev.Metadata["userId"].(string)
	return is(s)
}

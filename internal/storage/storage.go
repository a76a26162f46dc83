// Package storage defines the asynchronous key/value collaborator the core
// persists through, with in-memory and Postgres implementations.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gyaneshwarpardhi/linkreach/internal/event"
)

// Well-known keys.
const (
	KeyAnalyticsEvents  = "analytics_events"
	KeyAutomationState  = "automation_state"
	KeyAnonymizationMap = "privacy_anonymization_map"
	KeyBackups          = "integrity_backups"
	KeyBatches          = "analytics_batches"
	KeyJournal          = "analytics_journal"
	KeyPrivacySalt      = "privacy_salt"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("storage: closed")

// Storage is the key/value collaborator. Values are opaque JSON blobs.
type Storage interface {
	// Get returns the stored values for keys; keys that are absent are
	// omitted from the result. With no keys every entry is returned.
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	// Set JSON-encodes and stores every entry of items.
	Set(ctx context.Context, items map[string]interface{}) error
	Remove(ctx context.Context, keys ...string) error
	Clear(ctx context.Context) error
}

// GetJSON decodes a single key into dst. It reports false when the key is absent.
func GetJSON(ctx context.Context, s Storage, key string, dst interface{}) (bool, error) {
	vals, err := s.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	raw, ok := vals[key]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// LoadEvents reads the persisted analytics event collection.
func LoadEvents(ctx context.Context, s Storage) ([]*event.Event, error) {
	var evs []*event.Event
	if _, err := GetJSON(ctx, s, KeyAnalyticsEvents, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

// SaveEvents replaces the persisted analytics event collection.
func SaveEvents(ctx context.Context, s Storage, evs []*event.Event) error {
	if evs == nil {
		evs = []*event.Event{}
	}
	if err := s.Set(ctx, map[string]interface{}{KeyAnalyticsEvents: evs}); err != nil {
		return fmt.Errorf("set %s: %w", KeyAnalyticsEvents, err)
	}
	return nil
}

func encodeAll(items map[string]interface{}) (map[string][]byte, error) {
	out := make(map[string][]byte, len(items))
	for k, v := range items {
		if k == "" {
			return nil, errors.New("storage: empty key")
		}
		if raw, ok := v.(json.RawMessage); ok {
			if !json.Valid(raw) {
				return nil, fmt.Errorf("storage: value for %s is not valid JSON", k)
			}
			out[k] = append([]byte(nil), raw...)
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("storage: encode %s: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}

package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/gyaneshwarpardhi/linkreach/internal/batcher"
	"github.com/gyaneshwarpardhi/linkreach/internal/storage"
)

// DefaultLedgerSize bounds the batch ledger kept by Store.
const DefaultLedgerSize = 500

// LedgerEntry records one delivered sub-batch.
type LedgerEntry struct {
	BatchID   string `json:"batchId"`
	Part      int    `json:"part"`
	Parts     int    `json:"parts"`
	Events    int    `json:"events"`
	Encoding  string `json:"encoding"`
	RawBytes  int    `json:"rawBytes"`
	Bytes     int    `json:"bytes"`
	CreatedAt int64  `json:"createdAt"`
}

// Store appends a ledger entry per sub-batch under storage.KeyBatches,
// keeping the newest limit entries.
type Store struct {
	mu    sync.Mutex
	store storage.Storage
	limit int
}

func NewStore(store storage.Storage, limit int) *Store {
	if limit <= 0 {
		limit = DefaultLedgerSize
	}
	return &Store{store: store, limit: limit}
}

func (s *Store) Name() string { return "store" }

func (s *Store) Deliver(ctx context.Context, b batcher.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, err := s.ledger(ctx)
	if err != nil {
		return err
	}
	ledger = append(ledger, LedgerEntry{
		BatchID:   b.ID,
		Part:      b.Part,
		Parts:     b.Parts,
		Events:    len(b.Events),
		Encoding:  b.Encoding,
		RawBytes:  b.RawBytes,
		Bytes:     len(b.Payload),
		CreatedAt: b.CreatedAt.UnixMilli(),
	})
	if len(ledger) > s.limit {
		ledger = ledger[len(ledger)-s.limit:]
	}
	if err := s.store.Set(ctx, map[string]interface{}{storage.KeyBatches: ledger}); err != nil {
		return fmt.Errorf("set %s: %w", storage.KeyBatches, err)
	}
	return nil
}

// Ledger returns the recorded entries, oldest first.
func (s *Store) Ledger(ctx context.Context) ([]LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger(ctx)
}

func (s *Store) ledger(ctx context.Context) ([]LedgerEntry, error) {
	var ledger []LedgerEntry
	if _, err := storage.GetJSON(ctx, s.store, storage.KeyBatches, &ledger); err != nil {
		return nil, err
	}
	return ledger, nil
}

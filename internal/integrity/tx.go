package integrity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/gyaneshwarpardhi/linkreach/internal/metrics"
	"github.com/gyaneshwarpardhi/linkreach/internal/storage"
)

var (
	ErrTxExists         = errors.New("integrity: transaction already open")
	ErrTxNotOpen        = errors.New("integrity: transaction is not open")
	ErrInvalidOperation = errors.New("integrity: invalid operation")
)

// OpType is the kind of a buffered transaction operation.
type OpType string

const (
	OpSet    OpType = "set"
	OpDelete OpType = "delete"
	// OpAppend appends Data to the JSON array stored under Key.
	OpAppend OpType = "append"
)

// TxState is the lifecycle state of a transaction.
type TxState string

const (
	TxOpen       TxState = "open"
	TxCommitted  TxState = "committed"
	TxRolledBack TxState = "rolled_back"
)

// Operation is one buffered change. Limit, when positive, bounds an
// OpAppend array to its newest Limit items.
type Operation struct {
	Type  OpType      `json:"type"`
	Key   string      `json:"key"`
	Data  interface{} `json:"data,omitempty"`
	Limit int         `json:"limit,omitempty"`
}

// TxError carries every validation problem found at commit.
type TxError struct {
	TxID     string
	Problems []string
}

func (e *TxError) Error() string {
	return fmt.Sprintf("transaction %s rejected:\n  - %s", e.TxID, strings.Join(e.Problems, "\n  - "))
}

func (e *TxError) Unwrap() error { return ErrInvalidOperation }

// RollbackResult reports the outcome of Rollback.
type RollbackResult struct {
	TransactionID      string  `json:"transactionId"`
	OperationsReverted int     `json:"operationsReverted"`
	State              TxState `json:"state"`
}

// TxManager runs transactions over a Storage. Each key has its own lock;
// commits take the locks of the keys they touch in sorted order, so
// transactions on disjoint keys never wait on each other. Passing the same
// KeyLocks to the tracker and the privacy filter serializes commits with
// their writes to the event log.
type TxManager struct {
	store  storage.Storage
	locks  *storage.KeyLocks
	logger *slog.Logger

	mu   sync.Mutex
	open map[string]*Tx
}

// NewTxManager creates a manager over store. locks may be nil, in which case
// the manager only coordinates its own transactions.
func NewTxManager(store storage.Storage, locks *storage.KeyLocks, logger *slog.Logger) *TxManager {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = storage.NewKeyLocks()
	}
	return &TxManager{
		store:  store,
		locks:  locks,
		logger: logger,
		open:   make(map[string]*Tx),
	}
}

// Begin opens a transaction. An empty id gets a generated "tx-" id.
func (m *TxManager) Begin(id string) (*Tx, error) {
	if id == "" {
		var err error
		if id, err = newID("tx-"); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTxExists, id)
	}
	tx := &Tx{id: id, m: m, state: TxOpen}
	m.open[id] = tx
	return tx, nil
}

func (m *TxManager) finish(id string) {
	m.mu.Lock()
	delete(m.open, id)
	m.mu.Unlock()
}

// Open returns the ids of transactions that are still open.
func (m *TxManager) Open() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.open))
	for id := range m.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Read returns the committed value of key. It waits for any commit that is
// writing key, so buffered operations are never partially visible.
func (m *TxManager) Read(ctx context.Context, key string) (json.RawMessage, bool, error) {
	l := m.locks.For(key)
	l.RLock()
	defer l.RUnlock()
	vals, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	raw, ok := vals[key]
	return raw, ok, nil
}

// Tx is a single transaction. Operations are buffered until Commit.
type Tx struct {
	id string
	m  *TxManager

	mu    sync.Mutex
	ops   []Operation
	state TxState
}

func (tx *Tx) ID() string { return tx.id }

func (tx *Tx) State() TxState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Operations returns how many operations are buffered.
func (tx *Tx) Operations() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.ops)
}

// AddOperation buffers an operation. Nothing is validated or applied until
// Commit.
func (tx *Tx) AddOperation(op OpType, key string, data interface{}) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != TxOpen {
		return fmt.Errorf("%w: %s is %s", ErrTxNotOpen, tx.id, tx.state)
	}
	tx.ops = append(tx.ops, Operation{Type: op, Key: key, Data: data})
	return nil
}

// AddBoundedAppend buffers an OpAppend that keeps only the newest limit
// items of the array under key.
func (tx *Tx) AddBoundedAppend(key string, data interface{}, limit int) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != TxOpen {
		return fmt.Errorf("%w: %s is %s", ErrTxNotOpen, tx.id, tx.state)
	}
	tx.ops = append(tx.ops, Operation{Type: OpAppend, Key: key, Data: data, Limit: limit})
	return nil
}

func validateOps(ops []Operation) []string {
	var problems []string
	for i, op := range ops {
		if op.Key == "" {
			problems = append(problems, fmt.Sprintf("operation %d: key is required", i))
		}
		switch op.Type {
		case OpSet, OpAppend:
			if op.Data == nil {
				problems = append(problems, fmt.Sprintf("operation %d (%s %s): data is required", i, op.Type, op.Key))
				continue
			}
			if _, err := json.Marshal(op.Data); err != nil {
				problems = append(problems, fmt.Sprintf("operation %d (%s %s): data is not serializable: %v", i, op.Type, op.Key, err))
			}
		case OpDelete:
		default:
			problems = append(problems, fmt.Sprintf("operation %d: unknown type %q", i, op.Type))
		}
	}
	return problems
}

// Commit validates every buffered operation and applies them all under the
// locks of the touched keys. Any invalid operation rolls the whole
// transaction back and returns a *TxError. A storage failure while applying
// restores the previous values of every touched key.
func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	if tx.state != TxOpen {
		tx.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTxNotOpen, tx.id, tx.state)
	}
	ops := append([]Operation(nil), tx.ops...)
	tx.mu.Unlock()

	if problems := validateOps(ops); len(problems) > 0 {
		tx.Rollback()
		return &TxError{TxID: tx.id, Problems: problems}
	}

	keys := touchedKeys(ops)
	unlock := tx.m.locks.Lock(keys...)
	defer unlock()

	if err := tx.apply(ctx, ops, keys); err != nil {
		tx.setState(TxRolledBack)
		tx.m.finish(tx.id)
		metrics.Transactions.WithLabelValues("failed").Inc()
		return fmt.Errorf("transaction %s: %w", tx.id, err)
	}
	tx.setState(TxCommitted)
	tx.m.finish(tx.id)
	metrics.Transactions.WithLabelValues("committed").Inc()
	return nil
}

func (tx *Tx) setState(s TxState) {
	tx.mu.Lock()
	tx.state = s
	tx.mu.Unlock()
}

func touchedKeys(ops []Operation) []string {
	set := make(map[string]bool, len(ops))
	for _, op := range ops {
		set[op.Key] = true
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (tx *Tx) apply(ctx context.Context, ops []Operation, keys []string) error {
	store := tx.m.store
	before, err := store.Get(ctx, keys...)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	after := make(map[string]json.RawMessage, len(before))
	for k, v := range before {
		after[k] = v
	}
	for _, op := range ops {
		switch op.Type {
		case OpSet:
			raw, err := json.Marshal(op.Data)
			if err != nil {
				return err
			}
			after[op.Key] = raw
		case OpDelete:
			delete(after, op.Key)
		case OpAppend:
			var list []json.RawMessage
			if cur, ok := after[op.Key]; ok {
				if err := json.Unmarshal(cur, &list); err != nil {
					return fmt.Errorf("append %s: existing value is not an array: %w", op.Key, err)
				}
			}
			item, err := json.Marshal(op.Data)
			if err != nil {
				return err
			}
			list = append(list, item)
			if op.Limit > 0 && len(list) > op.Limit {
				list = list[len(list)-op.Limit:]
			}
			raw, err := json.Marshal(list)
			if err != nil {
				return err
			}
			after[op.Key] = raw
		}
	}

	sets := make(map[string]interface{})
	var removes []string
	for _, k := range keys {
		if v, ok := after[k]; ok {
			sets[k] = v
		} else if _, existed := before[k]; existed {
			removes = append(removes, k)
		}
	}

	if len(sets) > 0 {
		if err := store.Set(ctx, sets); err != nil {
			return tx.restore(ctx, before, keys, fmt.Errorf("apply: %w", err))
		}
	}
	if len(removes) > 0 {
		if err := store.Remove(ctx, removes...); err != nil {
			return tx.restore(ctx, before, keys, fmt.Errorf("apply: %w", err))
		}
	}
	return nil
}

// restore puts back the snapshot taken before apply and returns cause.
func (tx *Tx) restore(ctx context.Context, before map[string]json.RawMessage, keys []string, cause error) error {
	store := tx.m.store
	prev := make(map[string]interface{}, len(before))
	var absent []string
	for _, k := range keys {
		if v, ok := before[k]; ok {
			prev[k] = v
		} else {
			absent = append(absent, k)
		}
	}
	var errs []error
	if len(prev) > 0 {
		if err := store.Set(ctx, prev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(absent) > 0 {
		if err := store.Remove(ctx, absent...); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		tx.m.logger.Error("integrity: restoring snapshot failed", "tx_id", tx.id, "err", errors.Join(errs...))
		return errors.Join(append([]error{cause}, errs...)...)
	}
	return cause
}

// Rollback discards the buffered operations. It always succeeds and may be
// called repeatedly; every call reports the number of operations that the
// transaction held when it was rolled back. A committed transaction reports
// zero.
func (tx *Tx) Rollback() RollbackResult {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	switch tx.state {
	case TxCommitted:
		tx.m.logger.Warn("integrity: rollback of committed transaction ignored", "tx_id", tx.id)
		return RollbackResult{TransactionID: tx.id, State: tx.state}
	case TxOpen:
		tx.state = TxRolledBack
		tx.m.finish(tx.id)
		metrics.Transactions.WithLabelValues("rolled_back").Inc()
		tx.m.logger.Info("integrity: transaction rolled back", "tx_id", tx.id, "operations", len(tx.ops))
	}
	return RollbackResult{TransactionID: tx.id, OperationsReverted: len(tx.ops), State: tx.state}
}

// Package privacy strips and pseudonymizes identifying fields before events
// leave the tracker, and implements retention and GDPR export/delete over
// the persisted event log.
package privacy

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/linkreach/internal/event"
	"github.com/gyaneshwarpardhi/linkreach/internal/storage"
)

const (
	// Redacted replaces a profile id when personal data collection is off.
	Redacted = "[REDACTED]"
	// PseudonymPrefix marks ids produced by Pseudonym.
	PseudonymPrefix = "anon_"

	pseudonymHexLen = 16
)

// Policy selects which categories of data may be kept.
type Policy struct {
	CollectPersonalData bool `yaml:"collect_personal_data" json:"collectPersonalData"`
	CollectBehaviorData bool `yaml:"collect_behavior_data" json:"collectBehaviorData"`
	Anonymize           bool `yaml:"anonymize" json:"anonymize"`
	DataRetentionDays   int  `yaml:"data_retention_days" json:"dataRetentionDays"`
}

func DefaultPolicy() Policy {
	return Policy{
		CollectPersonalData: false,
		CollectBehaviorData: true,
		Anonymize:           true,
		DataRetentionDays:   30,
	}
}

var (
	personalFields = []string{"personalInfo", "messageContent", "profileUrl", "userAgent"}
	behaviorFields = []string{"behaviorData", "clickCount", "timeSpent", "scrollDepth"}
	contentFields  = []string{"messageContent", "profileUrl", "userAgent"}
)

// Filter applies a Policy to events. The pseudonym mapping it builds is
// persisted under storage.KeyAnonymizationMap by SaveMapping.
type Filter struct {
	store  storage.Storage
	locks  *storage.KeyLocks
	salt   []byte
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	policy  Policy
	mapping map[string]string // real id -> pseudonym
	dirty   bool
}

type Option func(*Filter)

func WithPolicy(p Policy) Option {
	return func(f *Filter) { f.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Filter) { f.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(f *Filter) { f.now = now }
}

// WithKeyLocks shares the locks guarding the event log with the tracker so
// retention and deletes never race its persistence writes.
func WithKeyLocks(l *storage.KeyLocks) Option {
	return func(f *Filter) { f.locks = l }
}

// New creates a Filter keyed by salt. store may be nil when only the
// in-memory transforms are needed.
func New(store storage.Storage, salt []byte, opts ...Option) *Filter {
	f := &Filter{
		store:   store,
		salt:    append([]byte(nil), salt...),
		logger:  slog.Default(),
		now:     time.Now,
		policy:  DefaultPolicy(),
		mapping: make(map[string]string),
	}
	for _, o := range opts {
		o(f)
	}
	if f.locks == nil {
		f.locks = storage.NewKeyLocks()
	}
	if f.policy.DataRetentionDays <= 0 {
		f.policy.DataRetentionDays = DefaultPolicy().DataRetentionDays
	}
	return f
}

func (f *Filter) Policy() Policy {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.policy
}

// SetPolicy replaces the active policy. It applies to events filtered from
// now on; stored events are not rewritten.
func (f *Filter) SetPolicy(p Policy) {
	if p.DataRetentionDays <= 0 {
		p.DataRetentionDays = DefaultPolicy().DataRetentionDays
	}
	f.mu.Lock()
	f.policy = p
	f.mu.Unlock()
	f.logger.Info("privacy policy updated",
		"collect_personal_data", p.CollectPersonalData,
		"collect_behavior_data", p.CollectBehaviorData,
		"anonymize", p.Anonymize,
		"data_retention_days", p.DataRetentionDays)
}

// Pseudonym derives the stable pseudonymous id for id. Pseudonyms and the
// redaction placeholder map to themselves.
func (f *Filter) Pseudonym(id string) string {
	if id == "" || id == Redacted || IsPseudonym(id) {
		return id
	}
	mac := hmac.New(sha256.New, f.salt)
	mac.Write([]byte(id))
	return PseudonymPrefix + hex.EncodeToString(mac.Sum(nil))[:pseudonymHexLen]
}

// IsPseudonym reports whether id has the shape Pseudonym produces.
func IsPseudonym(id string) bool {
	rest, ok := strings.CutPrefix(id, PseudonymPrefix)
	if !ok || len(rest) != pseudonymHexLen {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}

// SanitizeEvent returns a copy of ev with the categories disabled by the
// policy removed. ev itself is never modified.
func (f *Filter) SanitizeEvent(ev *event.Event) *event.Event {
	if ev == nil {
		return nil
	}
	p := f.Policy()
	out := ev.Clone()
	if !p.CollectPersonalData {
		deleteFields(out, personalFields)
		if out.ProfileID != "" && !IsPseudonym(out.ProfileID) {
			out.ProfileID = Redacted
		}
	}
	if !p.CollectBehaviorData {
		deleteFields(out, behaviorFields)
	}
	return out
}

// AnonymizeEvent returns a copy of ev with the profile id replaced by its
// pseudonym and message content, URLs and user agent removed.
func (f *Filter) AnonymizeEvent(ev *event.Event) *event.Event {
	if ev == nil {
		return nil
	}
	out := ev.Clone()
	deleteFields(out, contentFields)
	if out.ProfileID != "" && out.ProfileID != Redacted && !IsPseudonym(out.ProfileID) {
		out.ProfileID = f.remember(out.ProfileID)
	}
	return out
}

// Prepare is the transform applied before an event leaves memory:
// anonymize when the policy asks for it, then sanitize.
func (f *Filter) Prepare(ev *event.Event) *event.Event {
	if f.Policy().Anonymize {
		ev = f.AnonymizeEvent(ev)
	}
	return f.SanitizeEvent(ev)
}

// remember returns the recorded pseudonym for id, recording a new one when
// id has none. A recorded pseudonym wins over the current salt so ids keep
// their pseudonym across salt changes.
func (f *Filter) remember(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.mapping[id]; ok {
		return p
	}
	p := f.Pseudonym(id)
	f.mapping[id] = p
	f.dirty = true
	return p
}

// pseudonymsFor returns every pseudonym id may be stored under: the recorded
// one and the one derived from the current salt.
func (f *Filter) pseudonymsFor(id string) []string {
	current := f.Pseudonym(id)
	f.mu.RLock()
	recorded, ok := f.mapping[id]
	f.mu.RUnlock()
	if ok && recorded != current {
		return []string{recorded, current}
	}
	return []string{current}
}

func deleteFields(ev *event.Event, fields []string) {
	for _, k := range fields {
		delete(ev.Metadata, k)
	}
	if len(ev.Metadata) == 0 {
		ev.Metadata = nil
	}
}

// LoadOrCreateSalt returns the salt persisted under storage.KeyPrivacySalt,
// generating and storing a random one on first use.
func LoadOrCreateSalt(ctx context.Context, store storage.Storage) ([]byte, error) {
	var salt string
	ok, err := storage.GetJSON(ctx, store, storage.KeyPrivacySalt, &salt)
	if err != nil {
		return nil, fmt.Errorf("load salt: %w", err)
	}
	if ok && salt != "" {
		return []byte(salt), nil
	}
	salt = uuid.NewString()
	if err := store.Set(ctx, map[string]interface{}{storage.KeyPrivacySalt: salt}); err != nil {
		return nil, fmt.Errorf("store salt: %w", err)
	}
	return []byte(salt), nil
}

// LoadMapping merges the persisted pseudonym mapping into memory.
func (f *Filter) LoadMapping(ctx context.Context) error {
	if f.store == nil {
		return nil
	}
	var stored map[string]string
	if _, err := storage.GetJSON(ctx, f.store, storage.KeyAnonymizationMap, &stored); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range stored {
		if _, ok := f.mapping[k]; !ok {
			f.mapping[k] = v
		}
	}
	return nil
}

// SaveMapping persists the pseudonym mapping if it changed since the last save.
func (f *Filter) SaveMapping(ctx context.Context) error {
	if f.store == nil {
		return nil
	}
	f.mu.Lock()
	if !f.dirty {
		f.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]string, len(f.mapping))
	for k, v := range f.mapping {
		snapshot[k] = v
	}
	f.dirty = false
	f.mu.Unlock()

	if err := f.store.Set(ctx, map[string]interface{}{storage.KeyAnonymizationMap: snapshot}); err != nil {
		f.mu.Lock()
		f.dirty = true
		f.mu.Unlock()
		return fmt.Errorf("save anonymization map: %w", err)
	}
	return nil
}

// MappingSize returns how many ids have been pseudonymized.
func (f *Filter) MappingSize() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.mapping)
}

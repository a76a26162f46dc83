// Package integrity provides storage-agnostic integrity guarantees shared by
// every subsystem writing through the storage collaborator: record
// checksums, corruption detection, schema and cross-record checks,
// transactions and backups.
package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/linkreach/internal/checksum"
	"github.com/gyaneshwarpardhi/linkreach/internal/metrics"
)

// Integrity fields added by AddIntegrityCheck. They are excluded from the
// checksum they carry.
const (
	FieldChecksum  = "checksum"
	FieldVersion   = "integrityVersion"
	FieldTimestamp = "integrityTimestamp"
	FieldFields    = "integrityFields"

	DefaultVersion = "1.0"
)

var integrityFields = []string{FieldChecksum, FieldVersion, FieldTimestamp, FieldFields}

const (
	idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	idLength   = 12
)

func newID(prefix string) (string, error) {
	id, err := nanoid.Generate(idAlphabet, idLength)
	if err != nil {
		return "", fmt.Errorf("integrity: generate id: %w", err)
	}
	return prefix + id, nil
}

// Validator computes and checks record checksums.
type Validator struct {
	now     func() time.Time
	version string
	workers int
	logger  *slog.Logger
}

type Option func(*Validator)

func WithClock(now func() time.Time) Option { return func(v *Validator) { v.now = now } }
func WithVersion(s string) Option           { return func(v *Validator) { v.version = s } }
func WithLogger(l *slog.Logger) Option      { return func(v *Validator) { v.logger = l } }

// WithWorkers bounds the goroutines used by AddBulkIntegrityChecks.
func WithWorkers(n int) Option { return func(v *Validator) { v.workers = n } }

func New(opts ...Option) *Validator {
	v := &Validator{
		now:     time.Now,
		version: DefaultVersion,
		workers: runtime.GOMAXPROCS(0),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(v)
	}
	if v.workers <= 0 {
		v.workers = 1
	}
	return v
}

// stripIntegrity returns a shallow copy of data without integrity fields.
func stripIntegrity(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, val := range data {
		out[k] = val
	}
	for _, k := range integrityFields {
		delete(out, k)
	}
	return out
}

// AddIntegrityCheck returns a copy of data carrying a checksum over its
// canonical form, the integrity version and timestamp, and one checksum per
// top-level field so corruption can be narrowed down later.
func (v *Validator) AddIntegrityCheck(data map[string]interface{}) (map[string]interface{}, error) {
	return v.addIntegrityCheck(data, v.now().UnixMilli())
}

func (v *Validator) addIntegrityCheck(data map[string]interface{}, ts int64) (map[string]interface{}, error) {
	if data == nil {
		return nil, fmt.Errorf("integrity: nil record")
	}
	body := stripIntegrity(data)
	sum, err := checksum.Sum(body)
	if err != nil {
		return nil, fmt.Errorf("integrity: checksum: %w", err)
	}
	perField := make(map[string]interface{}, len(body))
	for k, val := range body {
		fs, err := checksum.Sum(val)
		if err != nil {
			return nil, fmt.Errorf("integrity: checksum field %s: %w", k, err)
		}
		perField[k] = fs
	}
	out := body
	out[FieldChecksum] = sum
	out[FieldVersion] = v.version
	out[FieldTimestamp] = ts
	out[FieldFields] = perField
	return out, nil
}

// VerifyIntegrity recomputes the checksum of record without its integrity
// fields and compares it with the stored one.
func (v *Validator) VerifyIntegrity(record map[string]interface{}) bool {
	stored, ok := record[FieldChecksum].(string)
	if !ok || stored == "" {
		return false
	}
	sum, err := checksum.Sum(stripIntegrity(record))
	if err != nil {
		return false
	}
	if !checksum.Equal(sum, stored) {
		metrics.IntegrityFailures.WithLabelValues("record").Inc()
		return false
	}
	return true
}

// CorruptionReport is the result of DetectCorruption.
type CorruptionReport struct {
	Corrupted bool     `json:"corrupted"`
	Fields    []string `json:"fields,omitempty"`
}

// DetectCorruption names the fields that no longer match their recorded
// checksums. A record without a checksum has nothing to verify.
func (v *Validator) DetectCorruption(record map[string]interface{}) CorruptionReport {
	if _, ok := record[FieldChecksum]; !ok {
		return CorruptionReport{}
	}
	if v.VerifyIntegrity(record) {
		return CorruptionReport{}
	}

	body := stripIntegrity(record)
	var fields []string
	if recorded, ok := record[FieldFields].(map[string]interface{}); ok {
		for k, val := range body {
			want, _ := recorded[k].(string)
			got, err := checksum.Sum(val)
			if err != nil || !checksum.Equal(got, want) {
				fields = append(fields, k)
			}
		}
		for k := range recorded {
			if _, ok := body[k]; !ok {
				fields = append(fields, k)
			}
		}
	}
	if len(fields) == 0 {
		fields = []string{FieldChecksum}
	}
	sort.Strings(fields)
	v.logger.Warn("integrity: corruption detected", "fields", fields)
	return CorruptionReport{Corrupted: true, Fields: fields}
}

// BulkResult is returned by AddBulkIntegrityChecks.
type BulkResult struct {
	Processed int                      `json:"processed"`
	Records   []map[string]interface{} `json:"records"`
}

// AddBulkIntegrityChecks annotates every record, spreading the work over
// the validator's workers. All records share one integrity timestamp.
func (v *Validator) AddBulkIntegrityChecks(ctx context.Context, records []map[string]interface{}) (BulkResult, error) {
	out := make([]map[string]interface{}, len(records))
	ts := v.now().UnixMilli()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(v.workers)
	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			annotated, err := v.addIntegrityCheck(rec, ts)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			out[i] = annotated
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BulkResult{}, err
	}
	return BulkResult{Processed: len(out), Records: out}, nil
}

package integrity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gyaneshwarpardhi/linkreach/internal/checksum"
	"github.com/gyaneshwarpardhi/linkreach/internal/event"
	"github.com/gyaneshwarpardhi/linkreach/internal/metrics"
)

// Schema declares required fields and expected JSON types ("string",
// "number", "boolean", "object", "array", "null").
type Schema struct {
	Required []string          `json:"required" yaml:"required"`
	Types    map[string]string `json:"types" yaml:"types"`
}

// SchemaResult lists every schema violation found.
type SchemaResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// ValidateSchema checks data against schema and collects every problem.
func (v *Validator) ValidateSchema(data map[string]interface{}, schema Schema) SchemaResult {
	errs := []string{}
	for _, f := range schema.Required {
		if _, ok := data[f]; !ok {
			errs = append(errs, fmt.Sprintf("missing required field: %s", f))
		}
	}
	fields := make([]string, 0, len(schema.Types))
	for f := range schema.Types {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		val, ok := data[f]
		if !ok {
			continue
		}
		want := schema.Types[f]
		if got := jsonType(val); got != want {
			errs = append(errs, fmt.Sprintf("invalid type for field %s: expected %s, got %s", f, want, got))
		}
	}
	if len(errs) > 0 {
		metrics.IntegrityFailures.WithLabelValues("schema").Inc()
	}
	return SchemaResult{Valid: len(errs) == 0, Errors: errs}
}

func jsonType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return "number"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// DuplicateGroup lists positions of events sharing one identity tuple.
type DuplicateGroup struct {
	Key      string   `json:"key"`
	EventIDs []string `json:"eventIds"`
	Indices  []int    `json:"indices"`
}

// DetectDuplicateEvents groups events with the same eventId, type,
// timestamp and sessionId. Only groups of two or more are returned.
func (v *Validator) DetectDuplicateEvents(evs []*event.Event) []DuplicateGroup {
	order := []string{}
	groups := make(map[string]*DuplicateGroup)
	for i, ev := range evs {
		if ev == nil {
			continue
		}
		k := ev.TupleKey()
		g, ok := groups[k]
		if !ok {
			g = &DuplicateGroup{Key: k}
			groups[k] = g
			order = append(order, k)
		}
		g.EventIDs = append(g.EventIDs, ev.ID)
		g.Indices = append(g.Indices, i)
	}
	var out []DuplicateGroup
	for _, k := range order {
		if g := groups[k]; len(g.Indices) > 1 {
			out = append(out, *g)
		}
	}
	if len(out) > 0 {
		metrics.IntegrityFailures.WithLabelValues("duplicate").Inc()
	}
	return out
}

// Conflict is one field whose value differs across records sharing a key.
type Conflict struct {
	Key       string        `json:"key"`
	Field     string        `json:"field"`
	Values    []interface{} `json:"values"`
	RecordIDs []string      `json:"recordIds"`
}

// DetectConflicts groups records by keyField and reports every field whose
// values disagree within a group. Integrity fields and "id" are ignored.
func (v *Validator) DetectConflicts(records []map[string]interface{}, keyField string) []Conflict {
	var out []Conflict
	for _, g := range groupBy(records, keyField) {
		if len(g.members) < 2 {
			continue
		}
		for _, f := range unionFields(g.members, keyField) {
			var (
				values []interface{}
				ids    []string
				first  []byte
				differ bool
			)
			for _, m := range g.members {
				val, ok := m.rec[f]
				if !ok {
					continue
				}
				enc, _ := checksum.Canonical(val)
				if first == nil {
					first = enc
				} else if !bytes.Equal(first, enc) {
					differ = true
				}
				values = append(values, val)
				ids = append(ids, m.id)
			}
			if differ {
				out = append(out, Conflict{Key: g.key, Field: f, Values: values, RecordIDs: ids})
			}
		}
	}
	if len(out) > 0 {
		metrics.IntegrityFailures.WithLabelValues("conflict").Inc()
	}
	return out
}

// ResolveConflicts merges each group of records sharing keyField into one
// record. Timestamp-like fields keep their earliest value; every other field
// takes the value of the most recent record. Records without the key pass
// through unchanged.
func (v *Validator) ResolveConflicts(records []map[string]interface{}, keyField string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, g := range groupBy(records, keyField) {
		if g.key == "" {
			for _, m := range g.members {
				out = append(out, m.rec)
			}
			continue
		}
		members := append([]member(nil), g.members...)
		sort.SliceStable(members, func(i, j int) bool {
			return recency(members[i]) < recency(members[j])
		})

		merged := make(map[string]interface{})
		for _, m := range members {
			for k, val := range m.rec {
				if isIntegrityField(k) {
					continue
				}
				cur, ok := merged[k]
				if ok && isTimestampField(k) {
					if less(val, cur) {
						merged[k] = val
					}
					continue
				}
				merged[k] = val
			}
		}
		out = append(out, merged)
	}
	return out
}

type member struct {
	rec   map[string]interface{}
	id    string
	index int
}

type group struct {
	key     string
	members []member
}

// groupBy keeps groups in order of first appearance. Records lacking
// keyField collect in a group with an empty key.
func groupBy(records []map[string]interface{}, keyField string) []*group {
	var order []*group
	byKey := make(map[string]*group)
	for i, rec := range records {
		key := ""
		if val, ok := rec[keyField]; ok && val != nil {
			key = fmt.Sprint(val)
		}
		g, ok := byKey[key]
		if !ok {
			g = &group{key: key}
			byKey[key] = g
			order = append(order, g)
		}
		g.members = append(g.members, member{rec: rec, id: recordID(rec, i), index: i})
	}
	return order
}

func recordID(rec map[string]interface{}, i int) string {
	if id, ok := rec["id"]; ok && id != nil {
		return fmt.Sprint(id)
	}
	return "#" + strconv.Itoa(i)
}

func unionFields(members []member, keyField string) []string {
	set := make(map[string]bool)
	for _, m := range members {
		for k := range m.rec {
			if k == keyField || k == "id" || isIntegrityField(k) {
				continue
			}
			set[k] = true
		}
	}
	fields := make([]string, 0, len(set))
	for k := range set {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

func isIntegrityField(k string) bool {
	for _, f := range integrityFields {
		if k == f {
			return true
		}
	}
	return false
}

func isTimestampField(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "time") || strings.Contains(lower, "start") || strings.HasSuffix(name, "At")
}

// recency orders records for ResolveConflicts: updatedAt, then timestamp,
// then input position.
func recency(m member) float64 {
	for _, f := range []string{"updatedAt", "timestamp"} {
		if n, ok := toFloat(m.rec[f]); ok {
			return n
		}
	}
	return float64(m.index)
}

func less(a, b interface{}) bool {
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return x < y
		}
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Orphan is a child record that does not reference its parent.
type Orphan struct {
	Index int         `json:"index"`
	ID    string      `json:"id"`
	Ref   interface{} `json:"ref"`
}

// ReferentialResult is valid iff there are no orphans.
type ReferentialResult struct {
	Valid   bool     `json:"valid"`
	Orphans []Orphan `json:"orphans"`
}

// CheckReferentialIntegrity verifies that every child's foreignKey equals
// the parent's "id".
func (v *Validator) CheckReferentialIntegrity(parent map[string]interface{}, children []map[string]interface{}, foreignKey string) ReferentialResult {
	parentID, hasID := parent["id"]
	orphans := []Orphan{}
	for i, c := range children {
		ref, ok := c[foreignKey]
		if !hasID || !ok || fmt.Sprint(ref) != fmt.Sprint(parentID) {
			orphans = append(orphans, Orphan{Index: i, ID: recordID(c, i), Ref: ref})
		}
	}
	if len(orphans) > 0 {
		metrics.IntegrityFailures.WithLabelValues("referential").Inc()
	}
	return ReferentialResult{Valid: len(orphans) == 0, Orphans: orphans}
}

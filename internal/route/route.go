// Package route compiles filter expressions that decide which events a sink
// receives, e.g.
//
//	type in ["connection_sent", "connection_accepted"] AND NOT priority == "low"
//	metadata.campaign matches "^q[1-4]-" OR count >= 3
//
// Fields are the event's JSON names (type, priority, profileId, sessionId,
// timestamp, count) and metadata.<path> for nested metadata values.
package route

import (
	"fmt"
	"math"
	"strings"

	"github.com/gyaneshwarpardhi/linkreach/internal/event"
)

// Operator is a comparison operator.
type Operator string

const (
	OpEq       Operator = "=="
	OpNeq      Operator = "!="
	OpGt       Operator = ">"
	OpGte      Operator = ">="
	OpLt       Operator = "<"
	OpLte      Operator = "<="
	OpContains Operator = "contains"
	OpMatches  Operator = "matches"
	OpIn       Operator = "in"
)

// Rule is a compiled filter expression. The zero value and a nil *Rule
// match every event.
type Rule struct {
	src  string
	root node
}

// Compile parses expr. An empty expression compiles to a rule that matches
// everything.
func Compile(expr string) (*Rule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Rule{}, nil
	}
	root, err := parse(expr)
	if err != nil {
		return nil, fmt.Errorf("route %q: %w", expr, err)
	}
	return &Rule{src: expr, root: root}, nil
}

// MustCompile is Compile that panics on error. Use it for constant rules.
func MustCompile(expr string) *Rule {
	r, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Rule) String() string {
	if r == nil {
		return ""
	}
	return r.src
}

// Match reports whether ev satisfies the rule. A comparison against a
// missing field, or between incompatible values, is false.
func (r *Rule) Match(ev *event.Event) bool {
	if r == nil || r.root == nil {
		return true
	}
	if ev == nil {
		return false
	}
	ok, err := r.root.eval(fields{ev})
	return err == nil && ok
}

// Filter returns the events of evs that match, preserving order.
func (r *Rule) Filter(evs []*event.Event) []*event.Event {
	if r == nil || r.root == nil {
		return evs
	}
	out := make([]*event.Event, 0, len(evs))
	for _, ev := range evs {
		if r.Match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// fields resolves expression paths against an event.
type fields struct{ ev *event.Event }

func (f fields) resolve(path []string) (interface{}, bool) {
	ev := f.ev
	switch path[0] {
	case event.FieldType:
		return string(ev.Type), len(path) == 1
	case event.FieldPriority:
		return string(ev.Priority), len(path) == 1
	case event.FieldProfileID:
		return ev.ProfileID, len(path) == 1
	case "sessionId":
		return ev.SessionID, len(path) == 1
	case "timestamp":
		return float64(ev.Timestamp), len(path) == 1
	case "count":
		return float64(ev.Occurrences()), len(path) == 1
	case event.FieldMetadata:
		var cur interface{} = ev.Metadata
		for _, key := range path[1:] {
			m, ok := cur.(map[string]interface{})
			if !ok {
				return nil, false
			}
			if cur, ok = m[key]; !ok {
				return nil, false
			}
		}
		return cur, len(path) > 1
	}
	return nil, false
}

func (n *andNode) eval(f fields) (bool, error) {
	l, err := n.left.eval(f)
	if err != nil || !l {
		return false, err
	}
	return n.right.eval(f)
}

func (n *orNode) eval(f fields) (bool, error) {
	l, err := n.left.eval(f)
	if err == nil && l {
		return true, nil
	}
	return n.right.eval(f)
}

func (n *notNode) eval(f fields) (bool, error) {
	v, err := n.inner.eval(f)
	return !v, err
}

func (n *cmpNode) eval(f fields) (bool, error) {
	val, ok := f.resolve(n.path)
	if !ok {
		return false, fmt.Errorf("field %q not set", strings.Join(n.path, "."))
	}
	switch n.op {
	case OpEq:
		return equal(val, n.lit), nil
	case OpNeq:
		return !equal(val, n.lit), nil
	case OpGt, OpGte, OpLt, OpLte:
		return ordered(n.op, val, n.lit)
	case OpContains:
		s, ok := val.(string)
		if !ok {
			return false, fmt.Errorf("contains: %s is %T, not a string", strings.Join(n.path, "."), val)
		}
		return strings.Contains(s, fmt.Sprint(n.lit)), nil
	case OpMatches:
		s, ok := val.(string)
		if !ok {
			return false, fmt.Errorf("matches: %s is %T, not a string", strings.Join(n.path, "."), val)
		}
		return n.re.MatchString(s), nil
	case OpIn:
		for _, item := range n.lit.([]interface{}) {
			if equal(val, item) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown operator %q", n.op)
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
	}
	return 0, false
}

// equal compares numbers by value and everything else by type and value.
func equal(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return math.Abs(af-bf) < 1e-9
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func ordered(op Operator, a, b interface{}) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false, fmt.Errorf("operator %s needs numbers, got %T and %T", op, a, b)
	}
	switch op {
	case OpGt:
		return af > bf, nil
	case OpGte:
		return af >= bf, nil
	case OpLt:
		return af < bf, nil
	default:
		return af <= bf, nil
	}
}

package checksum

import (
	"testing"
	"testing/quick"
)

func TestCanonical_KeyOrderIndependent(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": map[string]interface{}{"y": true, "x": "s"}}
	b := map[string]interface{}{"a": map[string]interface{}{"x": "s", "y": true}, "b": float64(1)}

	ca, err := Canonical(a)
	if err != nil {
		t.Fatalf("canonical a: %v", err)
	}
	cb, err := Canonical(b)
	if err != nil {
		t.Fatalf("canonical b: %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("canonical forms differ:\n%s\n%s", ca, cb)
	}
}

func TestSum_Struct(t *testing.T) {
	type rec struct {
		ID string `json:"id"`
		V  int    `json:"v"`
	}
	s1, err := Sum(rec{ID: "x", V: 1})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := Sum(map[string]interface{}{"v": float64(1), "id": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if !Equal(s1, s2) {
		t.Fatalf("struct and map with same content should hash equally: %s vs %s", s1, s2)
	}
	if len(s1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(s1))
	}
}

func TestSum_DetectsChange(t *testing.T) {
	f := func(key string, v1, v2 int64) bool {
		if v1 == v2 {
			return true
		}
		a, err := Sum(map[string]interface{}{key: v1})
		if err != nil {
			return false
		}
		b, err := Sum(map[string]interface{}{key: v2})
		if err != nil {
			return false
		}
		return !Equal(a, b)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatalf("property check failed: %v", err)
	}
}

func TestEqual_Empty(t *testing.T) {
	if Equal("", "") {
		t.Fatal("empty checksums must never compare equal")
	}
}

package event_test

import (
	"errors"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/linkreach/internal/event"
)

func TestFromFields(t *testing.T) {
	ev, err := event.FromFields(map[string]interface{}{
		"type":       "connection_sent",
		"profileId":  "p1",
		"priority":   "high",
		"retryCount": float64(2),
		"metadata":   map[string]interface{}{"duration": float64(120)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != event.TypeConnectionSent {
		t.Errorf("type = %q", ev.Type)
	}
	if ev.ProfileID != "p1" {
		t.Errorf("profileId = %q", ev.ProfileID)
	}
	if ev.Priority != event.PriorityHigh {
		t.Errorf("priority = %q", ev.Priority)
	}
	if ev.Metadata["retryCount"] != float64(2) || ev.Metadata["duration"] != float64(120) {
		t.Errorf("metadata = %v", ev.Metadata)
	}
}

func TestFromFields_Errors(t *testing.T) {
	cases := []struct {
		name   string
		fields map[string]interface{}
		want   error
	}{
		{"nil", nil, event.ErrMalformed},
		{"missing type", map[string]interface{}{"profileId": "p1"}, event.ErrMalformed},
		{"type not string", map[string]interface{}{"type": 7}, event.ErrMalformed},
		{"unknown type", map[string]interface{}{"type": "teleported"}, event.ErrUnknownType},
		{"bad metadata", map[string]interface{}{"type": "message_sent", "metadata": "x"}, event.ErrMalformed},
		{"bad profile", map[string]interface{}{"type": "message_sent", "profileId": 3}, event.ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := event.FromFields(tc.fields)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestPriorityRank(t *testing.T) {
	order := []event.Priority{event.PriorityCritical, event.PriorityHigh, event.PriorityNormal, event.PriorityLow}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("%s should rank before %s", order[i-1], order[i])
		}
	}
	if event.Priority("").Rank() != event.PriorityNormal.Rank() {
		t.Error("unset priority should rank as normal")
	}
}

func TestClone_Deep(t *testing.T) {
	ev := &event.Event{ID: "e1", Metadata: map[string]interface{}{
		"nested": map[string]interface{}{"k": "v"},
	}}
	c := ev.Clone()
	c.Metadata["nested"].(map[string]interface{})["k"] = "changed"
	if ev.Metadata["nested"].(map[string]interface{})["k"] != "v" {
		t.Fatal("clone shares nested metadata with the original")
	}
}

func TestValidate(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	good := &event.Event{ID: "e1", SessionID: "s1", Timestamp: now.UnixMilli(), Type: event.TypeMessageSent}

	if r := event.Validate(good, now); !r.Valid() || len(r.Warnings) != 0 {
		t.Fatalf("expected clean result, got %+v", r)
	}

	future := good.Clone()
	future.Timestamp = now.Add(11 * time.Second).UnixMilli()
	r := event.Validate(future, now)
	if !r.Valid() {
		t.Fatalf("future timestamp must only warn, got errors %v", r.Errors)
	}
	if len(r.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", r.Warnings)
	}

	bad := &event.Event{Type: "nope", Timestamp: -1}
	r = event.Validate(bad, now)
	if r.Valid() || len(r.Errors) != 4 {
		t.Fatalf("expected 4 errors, got %v", r.Errors)
	}

	var ve *event.ValidationError
	if err := event.Check(bad, now); !errors.As(err, &ve) {
		t.Fatalf("Check should return *ValidationError, got %v", err)
	}
}

func TestTypeInternal(t *testing.T) {
	if !event.TypeSessionStarted.Internal() || event.TypeConnectionSent.Internal() {
		t.Fatal("internal classification is wrong")
	}
}

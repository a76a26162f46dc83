package privacy

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"testing/quick"
	"time"

	"github.com/gyaneshwarpardhi/linkreach/internal/event"
	"github.com/gyaneshwarpardhi/linkreach/internal/storage"
)

func sampleEvent() *event.Event {
	return &event.Event{
		ID:        "e1",
		SessionID: "s1",
		Timestamp: 1_700_000_000_000,
		Type:      event.TypeMessageSent,
		ProfileID: "john-doe-123",
		Metadata: map[string]interface{}{
			"messageContent": "hi John",
			"profileUrl":     "https://example.com/in/john",
			"userAgent":      "Mozilla/5.0",
			"personalInfo":   map[string]interface{}{"name": "John"},
			"clickCount":     3,
			"scrollDepth":    0.7,
			"duration":       120,
		},
	}
}

func TestSanitizeEvent(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		wantProfile string
		wantKeys    []string
	}{
		{
			name:        "personal off behavior on",
			policy:      Policy{CollectBehaviorData: true},
			wantProfile: Redacted,
			wantKeys:    []string{"clickCount", "duration", "scrollDepth"},
		},
		{
			name:        "both off",
			policy:      Policy{},
			wantProfile: Redacted,
			wantKeys:    []string{"duration"},
		},
		{
			name:        "everything allowed",
			policy:      Policy{CollectPersonalData: true, CollectBehaviorData: true},
			wantProfile: "john-doe-123",
			wantKeys:    []string{"clickCount", "duration", "messageContent", "personalInfo", "profileUrl", "scrollDepth", "userAgent"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(nil, []byte("salt"), WithPolicy(tt.policy))
			in := sampleEvent()
			out := f.SanitizeEvent(in)

			if out.ProfileID != tt.wantProfile {
				t.Errorf("profileId = %q, want %q", out.ProfileID, tt.wantProfile)
			}
			var keys []string
			for k := range out.Metadata {
				keys = append(keys, k)
			}
			if !sameSet(keys, tt.wantKeys) {
				t.Errorf("metadata keys = %v, want %v", keys, tt.wantKeys)
			}
			if !reflect.DeepEqual(in, sampleEvent()) {
				t.Fatal("input event was mutated")
			}
		})
	}
}

func TestAnonymizeEvent_StableAndStripsContent(t *testing.T) {
	f := New(nil, []byte("salt"))
	a := f.AnonymizeEvent(sampleEvent())
	b := f.AnonymizeEvent(sampleEvent())

	if a.ProfileID != b.ProfileID {
		t.Fatalf("pseudonym not stable: %s vs %s", a.ProfileID, b.ProfileID)
	}
	if !IsPseudonym(a.ProfileID) || strings.Contains(a.ProfileID, "john") {
		t.Fatalf("bad pseudonym %q", a.ProfileID)
	}
	for _, k := range contentFields {
		if _, ok := a.Metadata[k]; ok {
			t.Errorf("%s should be stripped", k)
		}
	}
	if other := New(nil, []byte("pepper")).Pseudonym("john-doe-123"); other == a.ProfileID {
		t.Fatal("different salts should give different pseudonyms")
	}
	if f.MappingSize() != 1 {
		t.Fatalf("mapping size = %d", f.MappingSize())
	}
}

func TestTransforms_Idempotent(t *testing.T) {
	prop := func(profile string, keys []string, flags uint8) bool {
		f := New(nil, []byte("salt"), WithPolicy(Policy{
			CollectPersonalData: flags&1 != 0,
			CollectBehaviorData: flags&2 != 0,
			Anonymize:           flags&4 != 0,
		}))
		ev := &event.Event{ID: "e", Type: event.TypeProfileViewed, ProfileID: profile, Metadata: map[string]interface{}{}}
		for i, k := range keys {
			ev.Metadata[k] = i
		}
		ev.Metadata["clickCount"] = 1
		ev.Metadata["userAgent"] = "ua"

		once := f.SanitizeEvent(ev)
		if !reflect.DeepEqual(f.SanitizeEvent(once), once) {
			return false
		}
		anon := f.AnonymizeEvent(ev)
		if !reflect.DeepEqual(f.AnonymizeEvent(anon), anon) {
			return false
		}
		prepared := f.Prepare(ev)
		return reflect.DeepEqual(f.Prepare(prepared), prepared)
	}
	if err := quick.Check(prop, nil); err != nil {
		t.Fatal(err)
	}
}

func TestEnforceRetentionPolicy(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemory()
	ctx := context.Background()
	day := 24 * time.Hour
	err := storage.SaveEvents(ctx, store, []*event.Event{
		{ID: "old", Type: event.TypeConnectionSent, Timestamp: now.Add(-31 * day).UnixMilli()},
		{ID: "recent", Type: event.TypeConnectionSent, Timestamp: now.Add(-29 * day).UnixMilli()},
	})
	if err != nil {
		t.Fatal(err)
	}

	f := New(store, []byte("salt"), WithPolicy(Policy{DataRetentionDays: 30}), WithClock(func() time.Time { return now }))
	res, err := f.EnforceRetentionPolicy(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Removed != 1 || res.Remaining != 1 {
		t.Fatalf("result = %+v", res)
	}
	evs, _ := storage.LoadEvents(ctx, store)
	if len(evs) != 1 || evs[0].ID != "recent" {
		t.Fatalf("stored = %+v", evs)
	}
}

func TestExportAndDeleteUserData(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	f := New(store, []byte("salt"))

	anon := f.Prepare(&event.Event{ID: "a", Type: event.TypeConnectionSent, ProfileID: "u1"})
	err := storage.SaveEvents(ctx, store, []*event.Event{
		anon,
		{ID: "b", Type: event.TypeProfileViewed, ProfileID: "u1"},
		{ID: "c", Type: event.TypeProfileViewed, ProfileID: "u2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.SaveMapping(ctx); err != nil {
		t.Fatal(err)
	}

	exp, err := f.ExportUserData(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if exp.EventCount != 2 || exp.Pseudonym != anon.ProfileID || exp.Version != ExportVersion {
		t.Fatalf("export = %+v", exp)
	}

	res, err := f.DeleteUserData(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.EventsDeleted != 2 || !res.MappingRemoved {
		t.Fatalf("delete = %+v", res)
	}
	evs, _ := storage.LoadEvents(ctx, store)
	if len(evs) != 1 || evs[0].ID != "c" {
		t.Fatalf("remaining = %+v", evs)
	}

	var mapping map[string]string
	if _, err := storage.GetJSON(ctx, store, storage.KeyAnonymizationMap, &mapping); err != nil {
		t.Fatal(err)
	}
	if _, ok := mapping["u1"]; ok {
		t.Fatal("mapping for u1 should be forgotten")
	}

	if _, err := f.ExportUserData(ctx, ""); err == nil {
		t.Fatal("empty id should be rejected")
	}
}

func TestLoadMapping(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	first := New(store, []byte("salt"))
	first.AnonymizeEvent(&event.Event{ID: "a", Type: event.TypeConnectionSent, ProfileID: "u1"})
	if err := first.SaveMapping(ctx); err != nil {
		t.Fatal(err)
	}

	second := New(store, []byte("salt"))
	if err := second.LoadMapping(ctx); err != nil {
		t.Fatal(err)
	}
	if second.MappingSize() != 1 {
		t.Fatalf("mapping size = %d", second.MappingSize())
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int)
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}

func TestExportAndDelete_AfterSaltChange(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	before := New(store, []byte("process-1"))
	ev := before.AnonymizeEvent(sampleEvent())
	if err := storage.SaveEvents(ctx, store, []*event.Event{ev}); err != nil {
		t.Fatal(err)
	}
	if err := before.SaveMapping(ctx); err != nil {
		t.Fatal(err)
	}

	after := New(store, []byte("process-2"))
	if err := after.LoadMapping(ctx); err != nil {
		t.Fatal(err)
	}
	if got := after.AnonymizeEvent(sampleEvent()).ProfileID; got != ev.ProfileID {
		t.Fatalf("recorded pseudonym should be reused, got %s want %s", got, ev.ProfileID)
	}

	exp, err := after.ExportUserData(ctx, "john-doe-123")
	if err != nil {
		t.Fatal(err)
	}
	if exp.EventCount != 1 {
		t.Fatalf("exported %d events, want 1", exp.EventCount)
	}
	res, err := after.DeleteUserData(ctx, "john-doe-123")
	if err != nil {
		t.Fatal(err)
	}
	if res.EventsDeleted != 1 || !res.MappingRemoved {
		t.Fatalf("delete = %+v", res)
	}
	left, err := storage.LoadEvents(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Fatalf("%d events left after delete", len(left))
	}
}

func TestLoadOrCreateSalt(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	first, err := LoadOrCreateSalt(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) == 0 {
		t.Fatal("salt should not be empty")
	}
	second, err := LoadOrCreateSalt(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Fatalf("salt changed between loads: %q then %q", first, second)
	}
	a := New(nil, first).Pseudonym("john-doe-123")
	b := New(nil, second).Pseudonym("john-doe-123")
	if a != b {
		t.Fatal("pseudonyms should survive a restart")
	}
}

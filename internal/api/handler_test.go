package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/linkreach/internal/batcher"
	"github.com/gyaneshwarpardhi/linkreach/internal/collectors"
	"github.com/gyaneshwarpardhi/linkreach/internal/event"
	"github.com/gyaneshwarpardhi/linkreach/internal/integrity"
	"github.com/gyaneshwarpardhi/linkreach/internal/privacy"
	"github.com/gyaneshwarpardhi/linkreach/internal/storage"
	"github.com/gyaneshwarpardhi/linkreach/internal/tracker"
)

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newTracker(t *testing.T, store storage.Storage, opts ...tracker.Option) *tracker.Tracker {
	t.Helper()
	tr := tracker.New(store, opts...)
	t.Cleanup(func() { tr.Close(context.Background()) })
	tr.Initialize(context.Background())
	return tr
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var res response
	if path != "/metrics" {
		if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code, res
}

func send(t *testing.T, h http.Handler, typ string, data interface{}) (int, response) {
	t.Helper()
	msg := map[string]interface{}{"type": typ}
	if data != nil {
		msg["data"] = data
	}
	return do(t, h, http.MethodPost, "/v1/messages", msg)
}

func TestTrackEvent(t *testing.T) {
	h := New(Deps{Tracker: newTracker(t, storage.NewMemory())})

	tests := []struct {
		name   string
		body   interface{}
		status int
	}{
		{"valid", map[string]interface{}{"type": "connection_sent", "profileId": "p1"}, http.StatusAccepted},
		{"unknown type", map[string]interface{}{"type": "teleported"}, http.StatusBadRequest},
		{"missing type", map[string]interface{}{"profileId": "p1"}, http.StatusBadRequest},
		{"unknown priority", map[string]interface{}{"type": "connection_sent", "priority": "urgent"}, http.StatusBadRequest},
		{"not an object", []int{1, 2}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, res := do(t, h, http.MethodPost, "/v1/events", tt.body)
			if code != tt.status {
				t.Fatalf("status = %d, want %d (%+v)", code, tt.status, res)
			}
			if res.Success != (tt.status == http.StatusAccepted) {
				t.Fatalf("success = %v", res.Success)
			}
			if !res.Success && res.Error == "" {
				t.Fatal("failure without error message")
			}
		})
	}
}

func TestMessages_AnalyticsAndSession(t *testing.T) {
	tr := newTracker(t, storage.NewMemory())
	h := New(Deps{Tracker: tr, Performance: collectors.NewPerformance(nil)})

	for _, typ := range []string{"connection_sent", "connection_sent", "connection_accepted"} {
		if code, res := send(t, h, MsgTrackEvent, map[string]interface{}{"type": typ, "profileId": "p1"}); code != http.StatusOK {
			t.Fatalf("track: %d %+v", code, res)
		}
	}

	_, res := send(t, h, MsgGetAnalyticsSummary, nil)
	var summary collectors.Summary
	if err := json.Unmarshal(res.Data, &summary); err != nil {
		t.Fatal(err)
	}
	if summary.TotalEvents != 3 || summary.Funnel.Attempted != 2 || summary.Funnel.Successful != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.Performance == nil {
		t.Fatal("performance report missing")
	}

	_, res = send(t, h, MsgGetSessionInfo, nil)
	var info tracker.SessionInfo
	if err := json.Unmarshal(res.Data, &info); err != nil {
		t.Fatal(err)
	}
	if info.SessionID != tr.SessionID() || info.EventCount != 3 {
		t.Fatalf("session info = %+v", info)
	}

	_, res = send(t, h, MsgGetAnalytics, nil)
	var analytics struct {
		Events []*event.Event `json:"events"`
	}
	if err := json.Unmarshal(res.Data, &analytics); err != nil {
		t.Fatal(err)
	}
	if len(analytics.Events) != 4 {
		t.Fatalf("events = %d, want session_started plus 3", len(analytics.Events))
	}

	before := tr.SessionID()
	if code, _ := send(t, h, MsgEndSession, nil); code != http.StatusOK {
		t.Fatalf("end session status = %d", code)
	}
	if tr.SessionID() == before {
		t.Fatal("END_SESSION should open a new session")
	}
}

func TestMessages_UnknownAndUnavailable(t *testing.T) {
	h := New(Deps{Tracker: newTracker(t, storage.NewMemory())})

	tests := []struct {
		typ    string
		data   interface{}
		status int
	}{
		{"PING", nil, http.StatusBadRequest},
		{MsgTrackEvent, nil, http.StatusBadRequest},
		{MsgFlushBatch, nil, http.StatusNotImplemented},
		{MsgExportUserData, map[string]string{"userId": "u1"}, http.StatusNotImplemented},
		{MsgCreateBackup, nil, http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			code, res := send(t, h, tt.typ, tt.data)
			if code != tt.status || res.Success || res.Error == "" {
				t.Fatalf("got %d %+v, want %d", code, res, tt.status)
			}
		})
	}
}

func TestMessages_UserData(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	now := time.Now()
	seed := []*event.Event{
		{ID: "1", SessionID: "s", Type: event.TypeConnectionSent, ProfileID: "u1", Timestamp: now.UnixMilli()},
		{ID: "2", SessionID: "s", Type: event.TypeProfileViewed, ProfileID: "u2", Timestamp: now.UnixMilli()},
		{ID: "3", SessionID: "s", Type: event.TypeProfileViewed, ProfileID: "u1", Timestamp: now.AddDate(0, 0, -40).UnixMilli()},
	}
	if err := storage.SaveEvents(ctx, store, seed); err != nil {
		t.Fatal(err)
	}
	filter := privacy.New(store, []byte("salt"))
	h := New(Deps{Tracker: newTracker(t, storage.NewMemory()), Filter: filter})

	if code, _ := send(t, h, MsgExportUserData, map[string]string{}); code != http.StatusBadRequest {
		t.Fatalf("missing userId status = %d", code)
	}

	_, res := send(t, h, MsgExportUserData, map[string]string{"userId": "u1"})
	var exp privacy.Export
	if err := json.Unmarshal(res.Data, &exp); err != nil {
		t.Fatal(err)
	}
	if exp.EventCount != 2 {
		t.Fatalf("exported %d events, want 2", exp.EventCount)
	}

	_, res = send(t, h, MsgEnforceRetention, nil)
	var ret privacy.RetentionResult
	if err := json.Unmarshal(res.Data, &ret); err != nil {
		t.Fatal(err)
	}
	if ret.Removed != 1 || ret.Remaining != 2 {
		t.Fatalf("retention = %+v", ret)
	}

	_, res = send(t, h, MsgDeleteUserData, map[string]string{"userId": "u1"})
	var del privacy.DeleteResult
	if err := json.Unmarshal(res.Data, &del); err != nil {
		t.Fatal(err)
	}
	if del.EventsDeleted != 1 {
		t.Fatalf("delete = %+v", del)
	}
	left, err := storage.LoadEvents(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].ProfileID != "u2" {
		t.Fatalf("remaining = %+v", left)
	}
}

func TestMessages_FlushBatch(t *testing.T) {
	cfg := batcher.DefaultConfig()
	cfg.BatchSize = 100
	cfg.BatchTimeout = time.Hour
	b := batcher.New(cfg)

	var mu sync.Mutex
	var delivered int
	b.OnBatch(func(_ context.Context, batch batcher.Batch) error {
		mu.Lock()
		delivered += len(batch.Events)
		mu.Unlock()
		return nil
	})

	tr := newTracker(t, storage.NewMemory(), tracker.WithBatcher(b))
	h := New(Deps{Tracker: tr, Batcher: b})
	send(t, h, MsgTrackEvent, map[string]interface{}{"type": "profile_viewed", "profileId": "p1"})
	send(t, h, MsgTrackEvent, map[string]interface{}{"type": "message_sent", "profileId": "p2"})

	code, res := send(t, h, MsgFlushBatch, nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d %+v", code, res)
	}
	var out struct {
		Flushed int `json:"flushed"`
	}
	if err := json.Unmarshal(res.Data, &out); err != nil {
		t.Fatal(err)
	}
	// session_started travels with the two tracked events
	if out.Flushed != 3 {
		t.Fatalf("flushed = %d", out.Flushed)
	}
	mu.Lock()
	defer mu.Unlock()
	if delivered != 3 {
		t.Fatalf("delivered = %d", delivered)
	}
}

func TestMessages_RecordPerformance(t *testing.T) {
	perf := collectors.NewPerformance(nil)
	h := New(Deps{Tracker: newTracker(t, storage.NewMemory()), Performance: perf})

	code, _ := send(t, h, MsgRecordPerformance, []map[string]interface{}{
		{"kind": "page_load", "name": "feed", "durationMs": 900},
		{"kind": "resource", "name": "script", "durationMs": 40, "bytes": 2048},
	})
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	r := perf.Report()
	if r.PageLoads.Count != 1 || r.Resources["script"].TotalBytes != 2048 {
		t.Fatalf("report = %+v", r)
	}

	code, _ = send(t, h, MsgRecordPerformance, []map[string]interface{}{{"kind": "paint"}})
	if code != http.StatusBadRequest {
		t.Fatalf("unknown kind status = %d", code)
	}
}

func TestMessages_BackupRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	if err := store.Set(ctx, map[string]interface{}{
		storage.KeyAutomationState: map[string]interface{}{"running": true, "sent": 4},
	}); err != nil {
		t.Fatal(err)
	}
	v := integrity.New()
	h := New(Deps{
		Tracker:   newTracker(t, storage.NewMemory()),
		Validator: v,
		Backups:   integrity.NewBackupStore(store, nil, 0, nil),
		Tx:        integrity.NewTxManager(store, nil, nil),
		Store:     store,
	})

	code, res := send(t, h, MsgCreateBackup, nil)
	if code != http.StatusOK {
		t.Fatalf("create: %d %+v", code, res)
	}
	var meta integrity.BackupMetadata
	if err := json.Unmarshal(res.Data, &meta); err != nil {
		t.Fatal(err)
	}

	if err := store.Set(ctx, map[string]interface{}{
		storage.KeyAutomationState: map[string]interface{}{"running": false},
	}); err != nil {
		t.Fatal(err)
	}

	_, res = send(t, h, MsgListBackups, nil)
	var list []integrity.BackupMetadata
	if err := json.Unmarshal(res.Data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].BackupID != meta.BackupID {
		t.Fatalf("list = %+v", list)
	}

	if code, res := send(t, h, MsgRestoreBackup, map[string]string{"backupId": meta.BackupID}); code != http.StatusOK {
		t.Fatalf("restore: %d %+v", code, res)
	}
	var state map[string]interface{}
	if _, err := storage.GetJSON(ctx, store, storage.KeyAutomationState, &state); err != nil {
		t.Fatal(err)
	}
	if state["running"] != true || state["sent"] != float64(4) {
		t.Fatalf("restored state = %v", state)
	}

	if code, _ := send(t, h, MsgRestoreBackup, map[string]string{"backupId": "bk-missing"}); code != http.StatusNotFound {
		t.Fatalf("missing backup status = %d", code)
	}
}

type failingStore struct {
	*storage.Memory
}

func (failingStore) Set(context.Context, map[string]interface{}) error {
	return errors.New("quota exceeded")
}

func TestProbes(t *testing.T) {
	h := New(Deps{Tracker: newTracker(t, storage.NewMemory())})
	if code, _ := do(t, h, http.MethodGet, "/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
	if code, _ := do(t, h, http.MethodGet, "/readyz", nil); code != http.StatusOK {
		t.Fatalf("readyz = %d", code)
	}
	if code, _ := do(t, h, http.MethodGet, "/metrics", nil); code != http.StatusOK {
		t.Fatalf("metrics = %d", code)
	}

	tr := newTracker(t, failingStore{storage.NewMemory()})
	degraded := New(Deps{Tracker: tr})
	deadline := time.Now().Add(2 * time.Second)
	for tr.Health().Status == tracker.StatusOK {
		if time.Now().After(deadline) {
			t.Fatal("persistence failure never surfaced")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if code, _ := do(t, degraded, http.MethodGet, "/readyz", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("degraded readyz = %d", code)
	}
}

func TestReloadWithoutLoader(t *testing.T) {
	h := New(Deps{Tracker: newTracker(t, storage.NewMemory())})
	if code, _ := do(t, h, http.MethodPost, "/v1/config/reload", nil); code != http.StatusNotImplemented {
		t.Fatalf("status = %d", code)
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gyaneshwarpardhi/linkreach/internal/collectors"
	"github.com/gyaneshwarpardhi/linkreach/internal/integrity"
	"github.com/gyaneshwarpardhi/linkreach/internal/storage"
)

// Message types accepted on POST /v1/messages.
const (
	MsgTrackEvent          = "TRACK_EVENT"
	MsgGetAnalytics        = "GET_ANALYTICS"
	MsgGetAnalyticsSummary = "GET_ANALYTICS_SUMMARY"
	MsgGetSessionInfo      = "GET_SESSION_INFO"
	MsgEndSession          = "END_SESSION"
	MsgExportUserData      = "EXPORT_USER_DATA"
	MsgDeleteUserData      = "DELETE_USER_DATA"
	MsgEnforceRetention    = "ENFORCE_RETENTION"
	MsgFlushBatch          = "FLUSH_BATCH"
	MsgRecordPerformance   = "RECORD_PERFORMANCE"
	MsgCreateBackup        = "CREATE_BACKUP"
	MsgListBackups         = "LIST_BACKUPS"
	MsgRestoreBackup       = "RESTORE_BACKUP"
)

var (
	errBadMessage  = errors.New("bad message")
	errUnavailable = errors.New("not available")
)

// Message is the request envelope of the message channel.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type messageFunc func(ctx context.Context, data json.RawMessage) (interface{}, error)

func (h *Handler) routes() map[string]messageFunc {
	return map[string]messageFunc{
		MsgTrackEvent:          h.msgTrackEvent,
		MsgGetAnalytics:        h.msgGetAnalytics,
		MsgGetAnalyticsSummary: h.msgGetAnalyticsSummary,
		MsgGetSessionInfo:      h.msgGetSessionInfo,
		MsgEndSession:          h.msgEndSession,
		MsgExportUserData:      h.msgExportUserData,
		MsgDeleteUserData:      h.msgDeleteUserData,
		MsgEnforceRetention:    h.msgEnforceRetention,
		MsgFlushBatch:          h.msgFlushBatch,
		MsgRecordPerformance:   h.msgRecordPerformance,
		MsgCreateBackup:        h.msgCreateBackup,
		MsgListBackups:         h.msgListBackups,
		MsgRestoreBackup:       h.msgRestoreBackup,
	}
}

// POST /v1/messages — request/response channel for UI surfaces.
func (h *Handler) message(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := decode(w, r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fn, ok := h.routes()[msg.Type]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown message type %q", msg.Type))
		return
	}
	data, err := fn(r.Context(), msg.Data)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeOK(w, http.StatusOK, data)
}

func unmarshalData(data json.RawMessage, dst interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: data is required", errBadMessage)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %s", errBadMessage, err)
	}
	return nil
}

func (h *Handler) msgTrackEvent(_ context.Context, data json.RawMessage) (interface{}, error) {
	var fields map[string]interface{}
	if err := unmarshalData(data, &fields); err != nil {
		return nil, err
	}
	return h.Tracker.Track(fields)
}

func (h *Handler) msgGetAnalytics(context.Context, json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"events":  h.Tracker.Events(),
		"session": h.Tracker.SessionInfo(),
	}, nil
}

func (h *Handler) msgGetAnalyticsSummary(context.Context, json.RawMessage) (interface{}, error) {
	return collectors.Summarize(h.Tracker.Events(), h.Now(), h.Tracker.IdleThreshold(), h.Performance), nil
}

func (h *Handler) msgGetSessionInfo(context.Context, json.RawMessage) (interface{}, error) {
	return h.Tracker.SessionInfo(), nil
}

func (h *Handler) msgEndSession(context.Context, json.RawMessage) (interface{}, error) {
	return h.Tracker.EndSession(), nil
}

type userRequest struct {
	UserID string `json:"userId"`
}

func (h *Handler) userID(data json.RawMessage) (string, error) {
	if h.Filter == nil {
		return "", fmt.Errorf("privacy filter: %w", errUnavailable)
	}
	var req userRequest
	if err := unmarshalData(data, &req); err != nil {
		return "", err
	}
	if req.UserID == "" {
		return "", fmt.Errorf("%w: userId is required", errBadMessage)
	}
	return req.UserID, nil
}

func (h *Handler) msgExportUserData(ctx context.Context, data json.RawMessage) (interface{}, error) {
	id, err := h.userID(data)
	if err != nil {
		return nil, err
	}
	return h.Filter.ExportUserData(ctx, id)
}

func (h *Handler) msgDeleteUserData(ctx context.Context, data json.RawMessage) (interface{}, error) {
	id, err := h.userID(data)
	if err != nil {
		return nil, err
	}
	return h.Filter.DeleteUserData(ctx, id)
}

func (h *Handler) msgEnforceRetention(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	if h.Filter == nil {
		return nil, fmt.Errorf("privacy filter: %w", errUnavailable)
	}
	return h.Filter.EnforceRetentionPolicy(ctx)
}

func (h *Handler) msgFlushBatch(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	if h.Batcher == nil {
		return nil, fmt.Errorf("batcher: %w", errUnavailable)
	}
	n := h.Batcher.Flush(ctx)
	return map[string]interface{}{"flushed": n, "stats": h.Batcher.Stats()}, nil
}

// performanceSample is one measurement reported by the page.
type performanceSample struct {
	Kind       string  `json:"kind"` // page_load, resource, memory, gc
	Name       string  `json:"name"`
	DurationMs float64 `json:"durationMs"`
	Bytes      int64   `json:"bytes"`
	HeapUsed   uint64  `json:"heapUsed"`
	At         int64   `json:"at"`
}

func (h *Handler) msgRecordPerformance(_ context.Context, data json.RawMessage) (interface{}, error) {
	if h.Performance == nil {
		return nil, fmt.Errorf("performance collector: %w", errUnavailable)
	}
	var samples []performanceSample
	if err := unmarshalData(data, &samples); err != nil {
		return nil, err
	}
	for i, s := range samples {
		d := time.Duration(s.DurationMs * float64(time.Millisecond))
		at := h.Now()
		if s.At > 0 {
			at = time.UnixMilli(s.At)
		}
		switch s.Kind {
		case "page_load":
			h.Performance.RecordPageLoad(s.Name, d)
		case "resource":
			h.Performance.RecordResource(s.Name, d, s.Bytes)
		case "memory":
			h.Performance.RecordMemory(collectors.MemorySample{At: at, HeapUsed: s.HeapUsed})
		case "gc":
			h.Performance.RecordGC(collectors.GCEvent{At: at, Pause: d})
		default:
			return nil, fmt.Errorf("%w: samples[%d]: unknown kind %q", errBadMessage, i, s.Kind)
		}
	}
	return map[string]int{"recorded": len(samples)}, nil
}

func (h *Handler) backupsAvailable() error {
	if h.Validator == nil || h.Backups == nil || h.Store == nil {
		return fmt.Errorf("backups: %w", errUnavailable)
	}
	return nil
}

// msgCreateBackup snapshots every stored key except the backups themselves.
func (h *Handler) msgCreateBackup(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	if err := h.backupsAvailable(); err != nil {
		return nil, err
	}
	all, err := h.Store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("read storage: %w", err)
	}
	snapshot := make(map[string]interface{}, len(all))
	for k, raw := range all {
		if k == storage.KeyBackups {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		snapshot[k] = v
	}
	b, err := h.Validator.CreateBackup(snapshot)
	if err != nil {
		return nil, err
	}
	if err := h.Backups.Save(ctx, b); err != nil {
		return nil, err
	}
	return b.Metadata, nil
}

func (h *Handler) msgListBackups(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	if err := h.backupsAvailable(); err != nil {
		return nil, err
	}
	return h.Backups.List(ctx)
}

type restoreRequest struct {
	BackupID string `json:"backupId"`
}

// msgRestoreBackup verifies a stored backup and writes its keys back in a
// single transaction. A corrupted backup is reported, not applied.
func (h *Handler) msgRestoreBackup(ctx context.Context, data json.RawMessage) (interface{}, error) {
	if err := h.backupsAvailable(); err != nil {
		return nil, err
	}
	if h.Tx == nil {
		return nil, fmt.Errorf("transactions: %w", errUnavailable)
	}
	var req restoreRequest
	if err := unmarshalData(data, &req); err != nil {
		return nil, err
	}
	b, err := h.Backups.Load(ctx, req.BackupID)
	if err != nil {
		return nil, err
	}

	var res integrity.RestoreResult
	if b.BasedOn != "" {
		base, err := h.Backups.Load(ctx, b.BasedOn)
		if err != nil {
			return nil, err
		}
		res = h.Validator.RestoreIncremental(base, b)
	} else {
		res = h.Validator.RestoreFromBackup(b)
	}
	if !res.Success {
		return res, nil
	}

	keys := make([]string, 0, len(res.Data))
	for k := range res.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := h.Tx.Begin("")
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := tx.AddOperation(integrity.OpSet, k, res.Data[k]); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("restore %s: %w", b.Metadata.BackupID, err)
	}
	return map[string]interface{}{
		"backupId":      b.Metadata.BackupID,
		"transactionId": tx.ID(),
		"keys":          keys,
	}, nil
}

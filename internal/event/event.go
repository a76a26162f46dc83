package event

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type is the closed set of observable actions.
type Type string

const (
	TypeConnectionSent      Type = "connection_sent"
	TypeConnectionAccepted  Type = "connection_accepted"
	TypeConnectionDeclined  Type = "connection_declined"
	TypeConnectionFailed    Type = "connection_failed"
	TypeMessageSent         Type = "message_sent"
	TypeMessageReceived     Type = "message_received"
	TypeProfileViewed       Type = "profile_viewed"
	TypeSearchPerformed     Type = "search_performed"
	TypeAutomationStarted   Type = "automation_started"
	TypeAutomationStopped   Type = "automation_stopped"
	TypeTemplateUsed        Type = "template_used"
	TypeCampaignStarted     Type = "campaign_started"
	TypeCampaignCompleted   Type = "campaign_completed"
	TypeErrorOccurred       Type = "error_occurred"
	TypePerformanceMeasured Type = "performance_measured"

	// Session bookkeeping, recorded by the tracker itself.
	TypeSessionStarted Type = "session_started"
	TypeSessionEnded   Type = "session_ended"
)

var knownTypes = map[Type]bool{
	TypeConnectionSent:      true,
	TypeConnectionAccepted:  true,
	TypeConnectionDeclined:  true,
	TypeConnectionFailed:    true,
	TypeMessageSent:         true,
	TypeMessageReceived:     true,
	TypeProfileViewed:       true,
	TypeSearchPerformed:     true,
	TypeAutomationStarted:   true,
	TypeAutomationStopped:   true,
	TypeTemplateUsed:        true,
	TypeCampaignStarted:     true,
	TypeCampaignCompleted:   true,
	TypeErrorOccurred:       true,
	TypePerformanceMeasured: true,
	TypeSessionStarted:      true,
	TypeSessionEnded:        true,
}

// Known reports whether t belongs to the enumeration.
func (t Type) Known() bool { return knownTypes[t] }

// Internal reports whether t is session bookkeeping rather than caller activity.
func (t Type) Internal() bool {
	return t == TypeSessionStarted || t == TypeSessionEnded
}

// Priority orders events when a batch has to be split.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Known reports whether p is one of the defined priorities.
func (p Priority) Known() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Rank returns the sort rank; lower ranks are delivered first. Unset and
// unrecognised priorities rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

var (
	ErrMalformed   = errors.New("event: malformed input")
	ErrUnknownType = errors.New("event: unknown type")
)

// Event is a single analytics observation. Only Count changes after creation,
// when the batcher collapses duplicates into it.
type Event struct {
	ID        string                 `json:"eventId"`
	SessionID string                 `json:"sessionId"`
	Timestamp int64                  `json:"timestamp"` // epoch milliseconds
	Type      Type                   `json:"type"`
	Priority  Priority               `json:"priority,omitempty"`
	ProfileID string                 `json:"profileId,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Count     int                    `json:"count,omitempty"`
}

// Time converts the millisecond timestamp.
func (e *Event) Time() time.Time { return time.UnixMilli(e.Timestamp) }

// Fingerprint identifies events the batcher treats as the same action.
func (e *Event) Fingerprint() string {
	return string(e.Type) + "|" + e.ProfileID
}

// TupleKey identifies exact duplicates.
func (e *Event) TupleKey() string {
	return fmt.Sprintf("%s|%s|%d|%s", e.ID, e.Type, e.Timestamp, e.SessionID)
}

// Occurrences returns how many observations the record stands for.
func (e *Event) Occurrences() int {
	if e.Count < 1 {
		return 1
	}
	return e.Count
}

// Clone returns a deep copy of e.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.Metadata = cloneMap(e.Metadata)
	return &c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}

// Core field names recognised by FromFields. Every other field ends up in
// Metadata.
const (
	FieldType      = "type"
	FieldPriority  = "priority"
	FieldProfileID = "profileId"
	FieldMetadata  = "metadata"
)

// FromFields builds the caller-supplied part of an event. Identity, session
// and timestamp are left for the tracker to fill in.
func FromFields(fields map[string]interface{}) (*Event, error) {
	if fields == nil {
		return nil, fmt.Errorf("%w: fields must be an object", ErrMalformed)
	}
	raw, ok := fields[FieldType].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: type is required", ErrMalformed)
	}
	t := Type(raw)
	if !t.Known() {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, raw)
	}

	ev := &Event{Type: t, Metadata: make(map[string]interface{})}
	for k, v := range fields {
		switch k {
		case FieldType:
		case FieldPriority:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: priority must be a string", ErrMalformed)
			}
			ev.Priority = Priority(s)
		case FieldProfileID:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: profileId must be a string", ErrMalformed)
			}
			ev.ProfileID = s
		case FieldMetadata:
			nested, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%w: metadata must be an object", ErrMalformed)
			}
			for nk, nv := range nested {
				ev.Metadata[nk] = cloneValue(nv)
			}
		default:
			ev.Metadata[k] = cloneValue(v)
		}
	}
	if len(ev.Metadata) == 0 {
		ev.Metadata = nil
	}
	return ev, nil
}

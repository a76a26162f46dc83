package event

import (
	"fmt"
	"strings"
	"time"
)

// MaxFutureSkew is how far ahead of the local clock a timestamp may be before
// validation warns about it.
const MaxFutureSkew = 10 * time.Second

// Result lists validation problems. Warnings never make an event invalid.
type Result struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Valid reports whether no errors were found.
func (r Result) Valid() bool { return len(r.Errors) == 0 }

// ValidationError wraps a failed Result.
type ValidationError struct {
	Result Result
}

func (e *ValidationError) Error() string {
	return "event validation failed: " + strings.Join(e.Result.Errors, "; ")
}

// Validate checks the typed core of e against now.
func Validate(e *Event, now time.Time) Result {
	var r Result
	if e == nil {
		r.Errors = append(r.Errors, "event is nil")
		return r
	}
	if strings.TrimSpace(e.ID) == "" {
		r.Errors = append(r.Errors, "eventId is required")
	}
	if strings.TrimSpace(e.SessionID) == "" {
		r.Errors = append(r.Errors, "sessionId is required")
	}
	if e.Timestamp <= 0 {
		r.Errors = append(r.Errors, fmt.Sprintf("timestamp must be positive, got %d", e.Timestamp))
	} else if limit := now.Add(MaxFutureSkew).UnixMilli(); e.Timestamp > limit {
		r.Warnings = append(r.Warnings, fmt.Sprintf("timestamp %d is %dms in the future", e.Timestamp, e.Timestamp-now.UnixMilli()))
	}
	switch {
	case e.Type == "":
		r.Errors = append(r.Errors, "type is required")
	case !e.Type.Known():
		r.Errors = append(r.Errors, fmt.Sprintf("type %q is not a known event type", e.Type))
	}
	if e.Priority != "" && !e.Priority.Known() {
		r.Errors = append(r.Errors, fmt.Sprintf("priority %q is not a known priority", e.Priority))
	}
	if e.Count < 0 {
		r.Errors = append(r.Errors, fmt.Sprintf("count must not be negative, got %d", e.Count))
	}
	return r
}

// Check returns a *ValidationError when Validate finds errors.
func Check(e *Event, now time.Time) error {
	if r := Validate(e, now); !r.Valid() {
		return &ValidationError{Result: r}
	}
	return nil
}

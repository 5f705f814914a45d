// Package observer carries instrumentation events out of the engine.
//
// Emission is fire-and-forget: Observer.Send must never block the caller,
// which may be servicing a stopped target thread. Sinks that do I/O sit
// behind a Pipeline and drain a bounded channel on their own goroutine.
package observer

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the event discriminator on the wire.
type Type string

const (
	TypeReady     Type = "ready"
	TypeError     Type = "error"
	TypeSpanStart Type = "span_start"
	TypeSpanEnd   Type = "span_end"
)

// Event is one message to the observer. Which fields are meaningful depends
// on Type; MarshalJSON emits exactly the fields of that type.
type Event struct {
	Type     Type
	Message  string
	SpanID   uint64
	Method   string
	URI      string
	Time     time.Time
	Duration time.Duration
	// Attributes are extra span attributes for exporters (hook name, target).
	// They are not part of the line protocol.
	Attributes map[string]string
}

// Ready reports that instrumentation is active.
func Ready(msg string) Event { return Event{Type: TypeReady, Message: msg, Time: time.Now()} }

// Error reports a terminal failure.
func Error(msg string) Event { return Event{Type: TypeError, Message: msg, Time: time.Now()} }

// Errorf formats an error event.
func Errorf(format string, args ...any) Event { return Error(fmt.Sprintf(format, args...)) }

// SpanStart opens a span.
func SpanStart(id uint64, method, uri string, ts time.Time, attrs map[string]string) Event {
	return Event{Type: TypeSpanStart, SpanID: id, Method: method, URI: uri, Time: ts, Attributes: attrs}
}

// SpanEnd closes a span.
func SpanEnd(id uint64, ts time.Time, d time.Duration) Event {
	return Event{Type: TypeSpanEnd, SpanID: id, Time: ts, Duration: d}
}

// DurationMillis is the duration as fractional milliseconds.
func (e Event) DurationMillis() float64 {
	return float64(e.Duration) / float64(time.Millisecond)
}

type readyWire struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

type startWire struct {
	Type      Type   `json:"type"`
	SpanID    uint64 `json:"span_id"`
	Method    string `json:"method"`
	URI       string `json:"uri"`
	Timestamp int64  `json:"timestamp"`
}

type endWire struct {
	Type      Type    `json:"type"`
	SpanID    uint64  `json:"span_id"`
	Timestamp int64   `json:"timestamp"`
	Duration  float64 `json:"duration"`
}

// MarshalJSON renders the line protocol. Timestamps are Unix milliseconds and
// durations are milliseconds.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypeReady, TypeError:
		return json.Marshal(readyWire{Type: e.Type, Message: e.Message})
	case TypeSpanStart:
		return json.Marshal(startWire{
			Type: e.Type, SpanID: e.SpanID, Method: e.Method, URI: e.URI,
			Timestamp: e.Time.UnixMilli(),
		})
	case TypeSpanEnd:
		return json.Marshal(endWire{
			Type: e.Type, SpanID: e.SpanID, Timestamp: e.Time.UnixMilli(),
			Duration: e.DurationMillis(),
		})
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

// UnmarshalJSON parses the line protocol.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type      Type    `json:"type"`
		Message   string  `json:"message"`
		SpanID    uint64  `json:"span_id"`
		Method    string  `json:"method"`
		URI       string  `json:"uri"`
		Timestamp int64   `json:"timestamp"`
		Duration  float64 `json:"duration"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Event{
		Type:     raw.Type,
		Message:  raw.Message,
		SpanID:   raw.SpanID,
		Method:   raw.Method,
		URI:      raw.URI,
		Duration: time.Duration(raw.Duration * float64(time.Millisecond)),
	}
	if raw.Timestamp != 0 {
		e.Time = time.UnixMilli(raw.Timestamp)
	}
	return nil
}

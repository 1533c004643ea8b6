// Package events defines the typed event stream that is the canonical record
// of a conversation, plus the append-only JSONL log it is written to.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event type names. The JSONL schema is open: readers must preserve lines with
// unknown types for forward compatibility.
const (
	TypeConversationStarted = "conversation_started"
	TypeSystemPrompt        = "system_prompt"
	TypeMessageRequested    = "message_requested"
	TypeMessageChunk        = "message_chunk"
	TypeMessageCompleted    = "message_completed"
	TypeTurnCompleted       = "turn_completed"
	TypeConvergenceReached  = "convergence_reached"
	TypeProviderError       = "provider_error"
	TypeRateLimitPaused     = "rate_limit_paused"
	TypeNameChosen          = "name_chosen"
	TypeConversationEnded   = "conversation_ended"

	// Experiment-level events.
	TypeExperimentStarted    = "experiment_started"
	TypeConversationLaunched = "conversation_launched"
	TypeConversationFinished = "conversation_finished"
	TypeExperimentEnded      = "experiment_ended"
)

// Event is one record in an events.jsonl file. Type and CreatedAt are always
// present; everything else lives in Fields so unknown event shapes round-trip
// unchanged through readers.
type Event struct {
	Type      string
	CreatedAt time.Time
	Fields    map[string]any
}

// New builds an event with the given type and payload fields. CreatedAt is
// stamped by the log on append, not here.
func New(eventType string, fields map[string]any) Event {
	if fields == nil {
		fields = map[string]any{}
	}
	return Event{Type: eventType, Fields: fields}
}

// timeLayout is RFC 3339 UTC with millisecond precision.
const timeLayout = "2006-01-02T15:04:05.000Z"

// MarshalJSON flattens Fields into the top-level object alongside type and
// created_at.
func (e Event) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		obj[k] = v
	}
	obj["type"] = e.Type
	obj["created_at"] = e.CreatedAt.UTC().Format(timeLayout)
	return json.Marshal(obj)
}

// UnmarshalJSON splits type and created_at out of the object and keeps every
// other key in Fields.
func (e *Event) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	t, _ := obj["type"].(string)
	if t == "" {
		return fmt.Errorf("event missing type")
	}
	raw, _ := obj["created_at"].(string)
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fmt.Errorf("event %s: bad created_at %q: %w", t, raw, err)
	}
	delete(obj, "type")
	delete(obj, "created_at")
	e.Type = t
	e.CreatedAt = ts
	e.Fields = obj
	return nil
}

// Str returns a string field, or "" when absent or of another type.
func (e Event) Str(key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

// Int returns an integer field. JSON numbers decode as float64.
func (e Event) Int(key string) int {
	switch v := e.Fields[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// Float returns a float field, or 0 when absent.
func (e Event) Float(key string) float64 {
	switch v := e.Fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// Bool returns a boolean field, or false when absent.
func (e Event) Bool(key string) bool {
	b, _ := e.Fields[key].(bool)
	return b
}

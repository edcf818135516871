package payload

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// eventKindPattern validates event kinds: hierarchical, full-stop delimited, [a-zA-Z0-9_.]
var eventKindPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+(\.[a-zA-Z0-9_]+)*$`)

// Envelope is the JSON body POSTed to subscribers
type Envelope struct {
	// Event is the kind of the domain event, e.g. "user.created"
	Event string `json:"event"`

	// Timestamp is when the event was produced, ISO 8601 in UTC
	Timestamp time.Time `json:"timestamp"`

	// Data is the event data as produced by the emitting code
	Data json.RawMessage `json:"data"`
}

// Validate checks the envelope structure
func (e Envelope) Validate() error {
	if err := ValidateEventType(e.Event); err != nil {
		return err
	}

	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if len(e.Data) == 0 {
		return fmt.Errorf("data is required")
	}

	if !json.Valid(e.Data) {
		return fmt.Errorf("data must be valid JSON")
	}

	return nil
}

// MarshalJSON encodes the timestamp with millisecond precision
func (e Envelope) MarshalJSON() ([]byte, error) {
	type Alias Envelope
	return json.Marshal(&struct {
		Timestamp string `json:"timestamp"`
		*Alias
	}{
		Timestamp: e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Alias:     (*Alias)(&e),
	})
}

// UnmarshalJSON parses the JSON-encoded data and stores the result
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type Alias Envelope
	aux := &struct {
		Timestamp string `json:"timestamp"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("unmarshaling envelope: %w", err)
	}

	timestamp, err := time.Parse(time.RFC3339Nano, aux.Timestamp)
	if err != nil {
		return fmt.Errorf("parsing timestamp: %w", err)
	}
	e.Timestamp = timestamp

	return nil
}

// New builds an envelope for kind produced at the given time.
// data may be raw JSON bytes or any value encoding/json can marshal.
func New(kind string, data any, at time.Time) (Envelope, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshaling data: %w", err)
		}
		raw = b
	}

	env := Envelope{
		Event:     kind,
		Timestamp: at.UTC(),
		Data:      raw,
	}

	if err := env.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("validating envelope: %w", err)
	}

	return env, nil
}

// Parse parses a JSON body into an Envelope
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}

	if err := env.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("validating envelope: %w", err)
	}

	return env, nil
}

// Bytes returns the minified JSON body that gets signed and sent
func (e Envelope) Bytes() ([]byte, error) {
	return json.Marshal(e)
}

// ValidateEventType validates an event kind format. Wildcards are not accepted:
// subscriptions match event kinds exactly.
func ValidateEventType(kind string) error {
	if kind == "" {
		return fmt.Errorf("event type cannot be empty")
	}

	if !eventKindPattern.MatchString(kind) {
		return fmt.Errorf("event type must be hierarchical and contain only [a-zA-Z0-9_.]: %s", kind)
	}

	return nil
}

// Package eventbus carries admission events (SLO alerts, abuse patterns,
// degraded stages) between gateway replicas and operator tooling.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TypeAlert    = "slo_alert"
	TypePattern  = "abuse_pattern"
	TypeDegraded = "degraded"
	TypeBreaker  = "breaker"
	TypeDenial   = "denial"
)

// Envelope is the wire form of every event on the bus.
type Envelope struct {
	Type   string          `json:"type"`
	Source string          `json:"source,omitempty"`
	At     time.Time       `json:"at"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(eventType, source string, at time.Time, data any) (Envelope, error) {
	env := Envelope{Type: eventType, Source: source, At: at.UTC()}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s event: %w", eventType, err)
		}
		env.Data = b
	}
	return env, nil
}

// Decode parses a message value into an envelope.
func Decode(msg Message) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode event: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode event: missing type")
	}
	return env, nil
}

// Message is a raw bus record. Type comes from the record header when the
// producer set one.
type Message struct {
	Key   []byte
	Value []byte
	Type  string
	Time  time.Time
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

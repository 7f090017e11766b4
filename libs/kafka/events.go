package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	TopicTradeResults = "trades.results"
	TopicTradeSettled = "trades.settled"
	TopicAudit        = "fund.audit"
	TopicDeadLetter   = "fund.dead_letter"
)

type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func NewEnvelope(eventType string, version int, correlationID string) (Envelope, error) {
	return NewEnvelopeWithID(uuid.NewString(), eventType, version, correlationID)
}

// NewEnvelopeWithID is used when the event id must be stable across retries,
// usually together with DeterministicEventID.
func NewEnvelopeWithID(eventID, eventType string, version int, correlationID string) (Envelope, error) {
	env := Envelope{
		EventID:       eventID,
		EventType:     eventType,
		EventVersion:  version,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

func (e Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.EventVersion <= 0 {
		return fmt.Errorf("event_version must be positive")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// Decode unmarshals raw into dst and validates the envelope it carries. Both
// failures are wrapped as DLQ errors since redelivery cannot fix them.
func Decode(raw []byte, dst interface{ Meta() Envelope }) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return DLQ(fmt.Errorf("decode event: %w", err), "decode")
	}
	if err := dst.Meta().Validate(); err != nil {
		return DLQ(fmt.Errorf("invalid envelope: %w", err), "envelope")
	}
	return nil
}

package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageVersion is the wire format version stamped on every new message.
const MessageVersion = "1.0"

// Broadcast is the recipient value addressing every registered worker.
const Broadcast = "*"

// MessageStatus tracks a message through its delivery lifecycle.
// Transitions are monotonic except failed -> pending (retry) and
// failed -> dead_letter (promotion). acknowledged and dead_letter are terminal.
type MessageStatus string

const (
	StatusPending      MessageStatus = "pending"
	StatusDelivered    MessageStatus = "delivered"
	StatusAcknowledged MessageStatus = "acknowledged"
	StatusFailed       MessageStatus = "failed"
	StatusDeadLetter   MessageStatus = "dead_letter"
)

// Importance is the producer-facing priority tag carried on the wire.
type Importance string

const (
	ImportanceCritical Importance = "critical"
	ImportanceHigh     Importance = "high"
	ImportanceNormal   Importance = "normal"
	ImportanceLow      Importance = "low"
)

// Valid reports whether i is one of the four known importance values.
func (i Importance) Valid() bool {
	switch i {
	case ImportanceCritical, ImportanceHigh, ImportanceNormal, ImportanceLow:
		return true
	}
	return false
}

// Priority is the queue bucket index. Lower values dequeue first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3

	// PriorityCount is the number of queue buckets.
	PriorityCount = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// PriorityFor maps an importance tag to a queue bucket.
// The mapping is total: unknown values map to PriorityNormal.
func PriorityFor(i Importance) Priority {
	switch i {
	case ImportanceCritical:
		return PriorityCritical
	case ImportanceHigh:
		return PriorityHigh
	case ImportanceLow:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Message is the unit of exchange between the coordinator and workers.
// Payload is opaque and round-trips byte-for-byte; unknown top-level wire
// fields are preserved across decode/encode.
type Message struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Version       string          `json:"version"`
	Timestamp     int64           `json:"timestamp"` // ms since epoch
	Sender        string          `json:"sender"`
	Recipient     string          `json:"recipient"`
	Importance    Importance      `json:"importance"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	RetryCount    int             `json:"retry_count"`
	Status        MessageStatus   `json:"status"`

	// extra holds unknown top-level wire fields so they survive a
	// decode/encode round trip.
	extra map[string]json.RawMessage
}

// knownMessageFields mirrors the json tags of Message.
var knownMessageFields = map[string]struct{}{
	"id": {}, "type": {}, "version": {}, "timestamp": {}, "sender": {},
	"recipient": {}, "importance": {}, "payload": {}, "correlation_id": {},
	"retry_count": {}, "status": {},
}

// messageAlias avoids recursing into the custom (Un)MarshalJSON.
type messageAlias Message

// UnmarshalJSON decodes a message, stashing unknown top-level fields.
func (m *Message) UnmarshalJSON(data []byte) error {
	var alias messageAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if _, known := knownMessageFields[k]; known {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		alias.extra = raw
	}

	*m = Message(alias)
	return nil
}

// MarshalJSON encodes the message including any preserved unknown fields.
func (m Message) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(messageAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Time returns the producer timestamp as a time.Time in UTC.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp).UTC()
}

// Terminal reports whether the message status admits no further transitions.
func (s MessageStatus) Terminal() bool {
	return s == StatusAcknowledged || s == StatusDeadLetter
}

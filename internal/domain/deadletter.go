package domain

import "time"

// DeadLetterPrefix prefixes every dead-letter id: "dl-" + message id.
const DeadLetterPrefix = "dl-"

// Resolution records how an operator disposed of a dead letter.
type Resolution string

const (
	ResolutionRetried   Resolution = "retried"
	ResolutionSkipped   Resolution = "skipped"
	ResolutionEscalated Resolution = "escalated"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionRetried, ResolutionSkipped, ResolutionEscalated:
		return true
	}
	return false
}

// DeadLetter is a terminally failed message held for operator action.
// Resolved dead letters are terminal with respect to automatic
// processing; operators may still inspect them.
type DeadLetter struct {
	ID                string     `json:"id"`
	OriginalMessageID string     `json:"original_message_id"`
	Sender            string     `json:"sender"`
	Recipient         string     `json:"recipient"`
	Content           string     `json:"content"` // serialized original message
	Importance        Importance `json:"importance"`
	Type              string     `json:"type"`
	Error             string     `json:"error"`
	FailedAt          time.Time  `json:"failed_at"`
	RetryCount        int        `json:"retry_count"`
	Resolved          bool       `json:"resolved"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	Resolution        Resolution `json:"resolution,omitempty"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
}

// DeadLetterID derives the dead-letter row id for a message id.
func DeadLetterID(messageID string) string {
	return DeadLetterPrefix + messageID
}

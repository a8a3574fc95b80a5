package audit

import "time"

// Event is one immutable row of the call event log.
//
// Invariants:
// - Events are never updated or deleted.
// - Every inbound signal produces a row, whether or not a session was matched
//   or mutated.
// - Timestamp is what the signal reported and may be skewed; RecordedAt is the
//   local ingest clock and is the only safe ordering key.
type Event struct {
	ID  string `json:"id" db:"id"`
	SID string `json:"sid" db:"sid"`

	// EventType is the canonical, derived event type (CALL_STARTED, TIMEOUT, ...).
	EventType string `json:"event_type" db:"event_type"`
	// Status is the free-form status text carried by the signal, if any.
	Status string `json:"status,omitempty" db:"status"`

	Timestamp  *time.Time `json:"timestamp,omitempty" db:"occurred_at"`
	RecordedAt time.Time  `json:"recorded_at" db:"recorded_at"`

	// Payload holds the raw fields of the signal.
	Payload map[string]any `json:"payload,omitempty" db:"payload"`
}

// Event types written by the service itself rather than derived from a signal.
const (
	EventTypeInitiated    = "CALL_INITIATED"
	EventTypeOrphanedCall = "ORPHANED_CALL"
	EventTypeTimeout      = "TIMEOUT"
	EventTypeNoAnswer     = "NO_ANSWER"
	EventTypeRetryQueued  = "RETRY_SCHEDULED"
)

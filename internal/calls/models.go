package calls

import "time"

// Session is one outbound agent call attempt.
//
// Identity invariant: exactly one row per SID. RoomID equals SID for agent calls,
// but signal sources may use either, so lookups go through Key.
//
// Status only moves forward (see allowedTransitions). A retry never resurrects a
// session; it creates a new one with ParentSID pointing back.
type Session struct {
	SID         string `json:"sid" db:"sid"`
	RoomID      string `json:"room_id" db:"room_id"`
	CallerID    string `json:"caller_id" db:"caller_id"`
	CalleeID    string `json:"callee_id" db:"callee_id"`
	CallerRealm string `json:"caller_realm" db:"caller_realm"`
	CalleeRealm string `json:"callee_realm" db:"callee_realm"`

	Status Status `json:"status" db:"status"`

	AudioPayloadRefs []string `json:"audio_payload_refs" db:"audio_payload_refs"`
	Language         string   `json:"language" db:"language"`

	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	AnsweredAt        *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	TimeoutDetectedAt *time.Time `json:"timeout_detected_at,omitempty" db:"timeout_detected_at"`

	TimeoutNotificationSent bool       `json:"timeout_notification_sent" db:"timeout_notification_sent"`
	RetryCount              int        `json:"retry_count" db:"retry_count"`
	RetryScheduledAt        *time.Time `json:"retry_scheduled_at,omitempty" db:"retry_scheduled_at"`

	ParentSID string `json:"parent_sid,omitempty" db:"parent_sid"`
	IsRetry   bool   `json:"is_retry" db:"is_retry"`

	// Auxiliary is diagnostic data merged incrementally. Only the mock marker is
	// ever read back.
	Auxiliary map[string]any `json:"auxiliary,omitempty" db:"auxiliary"`
}

type Status string

const (
	StatusInitiated      Status = "initiated"
	StatusRinging        Status = "ringing"
	StatusAnswered       Status = "answered"
	StatusEnded          Status = "ended"
	StatusFailed         Status = "failed"
	StatusMissed         Status = "missed"
	StatusRetryScheduled Status = "retry_scheduled"
)

// AuxMock marks sessions created without reaching the telephony platform.
const AuxMock = "mock"

// IsMock reports whether the session was synthesized in mock mode.
func (s Session) IsMock() bool {
	v, ok := s.Auxiliary[AuxMock].(bool)
	return ok && v
}

// allowedTransitions is the forward-only session state machine.
// answered is also reachable from initiated because a connected signal may
// overtake the ringing acknowledgment.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusInitiated: {
		StatusRinging:  {},
		StatusAnswered: {},
		StatusEnded:    {},
		StatusFailed:   {},
		StatusMissed:   {},
	},
	StatusRinging: {
		StatusAnswered: {},
		StatusMissed:   {},
		StatusEnded:    {},
	},
	StatusAnswered: {
		StatusEnded: {},
	},
	StatusFailed: {
		StatusMissed:         {},
		StatusRetryScheduled: {},
	},
	StatusMissed: {
		StatusRetryScheduled: {},
	},
	StatusRetryScheduled: {
		StatusRetryScheduled: {},
	},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}

// Predecessors returns every status that may legally move to target, in a
// stable order. It is the status set used as the precondition of a guarded update.
func Predecessors(target Status) []Status {
	var out []Status
	for _, from := range statusOrder {
		if CanTransition(from, target) {
			out = append(out, from)
		}
	}
	return out
}

var statusOrder = []Status{
	StatusInitiated,
	StatusRinging,
	StatusAnswered,
	StatusEnded,
	StatusFailed,
	StatusMissed,
	StatusRetryScheduled,
}

// Key identifies a session by sid or room id; either may be empty.
type Key struct {
	SID    string
	RoomID string
}

func (k Key) IsZero() bool { return k.SID == "" && k.RoomID == "" }

// Values returns the two lookup values, each matched against both the sid and
// room_id columns. A missing half repeats the present one.
func (k Key) Values() (string, string) {
	a, b := k.SID, k.RoomID
	if a == "" {
		a = b
	}
	if b == "" {
		b = a
	}
	return a, b
}

func (k Key) String() string {
	if k.SID != "" {
		return k.SID
	}
	return k.RoomID
}

// Matches reports whether s is addressed by k.
func (k Key) Matches(s Session) bool {
	a, b := k.Values()
	if a == "" {
		return false
	}
	return s.SID == a || s.RoomID == a || s.SID == b || s.RoomID == b
}

// RetryEntry is one scheduled retry of an original session.
//
// Invariant: at most one pending entry per OriginalSID. Status moves exactly
// once from pending to completed or failed.
type RetryEntry struct {
	ID               string      `json:"id" db:"id"`
	OriginalSID      string      `json:"original_sid" db:"original_sid"`
	RetrySID         string      `json:"retry_sid,omitempty" db:"retry_sid"`
	CalleeID         string      `json:"callee_id" db:"callee_id"`
	AudioPayloadRefs []string    `json:"audio_payload_refs" db:"audio_payload_refs"`
	Language         string      `json:"language" db:"language"`
	ScheduledAt      time.Time   `json:"scheduled_at" db:"scheduled_at"`
	ExecutedAt       *time.Time  `json:"executed_at,omitempty" db:"executed_at"`
	Status           RetryStatus `json:"status" db:"status"`
	RetryAttempt     int         `json:"retry_attempt" db:"retry_attempt"`
	ErrorMessage     string      `json:"error_message,omitempty" db:"error_message"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
}

type RetryStatus string

const (
	RetryStatusPending   RetryStatus = "pending"
	RetryStatusCompleted RetryStatus = "completed"
	RetryStatusFailed    RetryStatus = "failed"
)

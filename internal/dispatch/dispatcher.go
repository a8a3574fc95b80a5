// Package dispatch hands retry jobs to a delayed-job dispatcher that calls the
// retry executor back once the job is due.
package dispatch

import (
	"context"
	"errors"
	"time"
)

// Job carries everything the retry executor needs. The executor must not have
// to re-read the original session, which may have moved on by then.
type Job struct {
	QueueID          string    `json:"queue_id"`
	OriginalSID      string    `json:"original_sid"`
	CalleeID         string    `json:"callee_id"`
	CalleeRealm      string    `json:"callee_realm,omitempty"`
	CallerID         string    `json:"caller_id"`
	CallerRealm      string    `json:"caller_realm,omitempty"`
	AudioPayloadRefs []string  `json:"audio_payload_refs"`
	Language         string    `json:"language,omitempty"`
	Attempt          int       `json:"retry_attempt"`
	ScheduledAt      time.Time `json:"scheduled_at"`
}

func (j Job) validate() error {
	if j.QueueID == "" {
		return errors.New("dispatch: queue_id required")
	}
	if j.ScheduledAt.IsZero() {
		return errors.New("dispatch: scheduled_at required")
	}
	return nil
}

// Envelope is the body delivered back to the execute endpoint.
type Envelope struct {
	Job   Job    `json:"job"`
	Token string `json:"token"`
}

// Dispatcher schedules a job for delivery at Job.ScheduledAt. Delivery is at
// least once; the executor is responsible for idempotency.
type Dispatcher interface {
	Schedule(ctx context.Context, job Job) error
}

// Signer issues the callback token bound to a queue entry.
type Signer interface {
	SignCallback(queueID string, now time.Time) (string, error)
}

// Handler executes a due job.
type Handler func(ctx context.Context, job Job) error

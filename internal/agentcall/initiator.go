package agentcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentcall/internal/audit"
	"agentcall/internal/calls"
	"agentcall/internal/metrics"
	"agentcall/internal/telephony"
	"agentcall/pkg/logger"

	"github.com/go-playground/validator/v10"
)

// InitiateRequest asks for one outbound agent call.
type InitiateRequest struct {
	CallerID    string `json:"caller_id" validate:"required"`
	CallerRealm string `json:"caller_realm"`
	CalleeID    string `json:"callee_id" validate:"required"`
	CalleeRealm string `json:"callee_realm"`

	AudioPayloadRefs []string `json:"audio_payload_refs" validate:"required,min=1,dive,required"`
	Language         string   `json:"language"`

	// Retry lineage. Zero values for a first attempt.
	IsRetry      bool   `json:"is_retry"`
	ParentSID    string `json:"parent_sid"`
	RetryAttempt int    `json:"retry_attempt" validate:"gte=0"`
}

var (
	ErrInvalidRequest  = errors.New("agentcall: invalid request")
	ErrPlacementFailed = errors.New("agentcall: call placement failed")
	// ErrSessionNotPersisted means the platform placed a call but no session row
	// exists for it. Callers must not retry: that would place a second call.
	ErrSessionNotPersisted = errors.New("agentcall: call placed but session not persisted")
)

// Initiator places outbound calls and creates their sessions.
//
// Invariants:
// - No session is created unless the platform accepted the call.
// - Exactly one session is created per accepted call, in status initiated.
type Initiator struct {
	placer      telephony.Placer
	sessions    calls.SessionStore
	events      *audit.Service
	callbackURL string
	validate    *validator.Validate
	logger      *slog.Logger
	clock       func() time.Time
}

func NewInitiator(placer telephony.Placer, sessions calls.SessionStore, events *audit.Service, callbackURL string, log *slog.Logger) (*Initiator, error) {
	if placer == nil {
		return nil, fmt.Errorf("%w: no placer configured", telephony.ErrMissingCredentials)
	}
	if sessions == nil {
		return nil, errors.New("agentcall: session store is nil")
	}
	return &Initiator{
		placer:      placer,
		sessions:    sessions,
		events:      events,
		callbackURL: callbackURL,
		validate:    validator.New(),
		logger:      log,
		clock:       time.Now,
	}, nil
}

// Initiate places the call and returns the new session id.
func (i *Initiator) Initiate(ctx context.Context, req InitiateRequest) (string, error) {
	log := logger.From(ctx, i.logger)
	if err := i.validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	kind := "first"
	if req.IsRetry {
		kind = "retry"
	}

	res, err := i.placer.Place(ctx, telephony.PlaceRequest{
		CalleeID:         req.CalleeID,
		CalleeRealm:      req.CalleeRealm,
		AudioPayloadRefs: req.AudioPayloadRefs,
		Language:         req.Language,
		CallbackURL:      i.callbackURL,
	})
	if err != nil {
		metrics.CallsInitiateFailed.WithLabelValues("placement").Inc()
		log.Warn("call placement failed", "callee_id", req.CalleeID, "placer", i.placer.Name(), "err", err)
		return "", fmt.Errorf("%w: %v", ErrPlacementFailed, err)
	}

	now := i.clock().UTC()
	s := calls.Session{
		SID:              res.SID,
		RoomID:           res.SID,
		CallerID:         req.CallerID,
		CalleeID:         req.CalleeID,
		CallerRealm:      req.CallerRealm,
		CalleeRealm:      req.CalleeRealm,
		Status:           calls.StatusInitiated,
		AudioPayloadRefs: req.AudioPayloadRefs,
		Language:         req.Language,
		CreatedAt:        now,
		RetryCount:       req.RetryAttempt,
		ParentSID:        req.ParentSID,
		IsRetry:          req.IsRetry,
		Auxiliary:        map[string]any{"placer": i.placer.Name()},
	}
	if res.Mock {
		s.Auxiliary[calls.AuxMock] = true
	}

	if err := i.sessions.Create(ctx, s); err != nil {
		metrics.CallsInitiateFailed.WithLabelValues("persistence").Inc()
		log.Error("call placed but session not persisted", "sid", res.SID, "callee_id", req.CalleeID, "err", err)
		if i.events != nil {
			if aerr := i.events.LogOrphanedCall(ctx, res.SID, req.CalleeID, err); aerr != nil {
				log.Error("orphaned call event failed", "sid", res.SID, "err", aerr)
			}
		}
		return "", fmt.Errorf("%w: sid %s: %v", ErrSessionNotPersisted, res.SID, err)
	}

	mode := "live"
	if res.Mock {
		mode = "mock"
	}
	metrics.CallsInitiated.WithLabelValues(mode, kind).Inc()
	i.appendEvent(ctx, audit.Event{
		SID:       s.SID,
		EventType: audit.EventTypeInitiated,
		Status:    string(calls.StatusInitiated),
		Payload: map[string]any{
			"callee_id":     s.CalleeID,
			"caller_id":     s.CallerID,
			"is_retry":      s.IsRetry,
			"parent_sid":    s.ParentSID,
			"retry_attempt": s.RetryCount,
			"mock":          res.Mock,
		},
	})
	log.Info("call initiated", "sid", s.SID, "callee_id", s.CalleeID, "mode", mode, "kind", kind)
	return s.SID, nil
}

func (i *Initiator) appendEvent(ctx context.Context, e audit.Event) {
	appendEvent(ctx, i.events, logger.From(ctx, i.logger), e)
}

// appendEvent writes to the event log best-effort.
func appendEvent(ctx context.Context, events *audit.Service, log *slog.Logger, e audit.Event) {
	if events == nil {
		return
	}
	if err := events.Append(ctx, e); err != nil {
		metrics.SideEffectErrors.WithLabelValues("event_log").Inc()
		log.Error("event log append failed", "sid", e.SID, "event_type", e.EventType, "err", err)
	}
}

package agentcall

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"agentcall/internal/audit"
	"agentcall/internal/calls"
	"agentcall/internal/metrics"
	"agentcall/internal/notify"
	"agentcall/internal/telephony"
	"agentcall/pkg/logger"
)

// IngestResult reports what one signal did. It is informational only; the
// webhook response never depends on it.
type IngestResult struct {
	SID       string              `json:"sid,omitempty"`
	EventType telephony.EventType `json:"event_type"`

	// Transition is set when a status update was applied.
	Transition calls.Status `json:"transition,omitempty"`

	TimeoutDetected bool `json:"timeout_detected,omitempty"`
	Notified        bool `json:"notified,omitempty"`

	Broadcast *notify.BroadcastResult `json:"broadcast,omitempty"`
}

// Ingestor turns inbound platform signals into event log rows and guarded
// session transitions. It embeds the timeout detector.
//
// Every side effect is attempted independently: an event log failure does not
// stop the session update, and neither stops a notification.
type Ingestor struct {
	sessions  calls.SessionStore
	events    *audit.Service
	notifier  notify.Notifier
	operators []string
	retryLink string
	logger    *slog.Logger
	clock     func() time.Time
}

type IngestorConfig struct {
	// OperatorIDs receive the group-room call start broadcast.
	OperatorIDs []string
	// RetryLinkTemplate is rendered into the missed-call button; "{sid}" is
	// replaced with the session id.
	RetryLinkTemplate string
}

func NewIngestor(sessions calls.SessionStore, events *audit.Service, notifier notify.Notifier, cfg IngestorConfig, log *slog.Logger) *Ingestor {
	return &Ingestor{
		sessions:  sessions,
		events:    events,
		notifier:  notifier,
		operators: cfg.OperatorIDs,
		retryLink: cfg.RetryLinkTemplate,
		logger:    log,
		clock:     time.Now,
	}
}

// Ingest processes one webhook. raw is the merged field map of the request.
func (in *Ingestor) Ingest(ctx context.Context, raw map[string]any) (IngestResult, error) {
	log := logger.From(ctx, in.logger)

	sig, err := telephony.Normalize(raw)
	if err != nil {
		if len(raw) > 0 {
			appendEvent(ctx, in.events, log, audit.Event{EventType: string(telephony.EventCallback), Payload: raw})
		}
		log.Warn("webhook signal not understood", "err", err)
		return IngestResult{}, err
	}
	metrics.WebhookSignals.WithLabelValues(string(sig.EventType)).Inc()

	key := calls.Key{SID: sig.SID, RoomID: sig.RoomID}
	res := IngestResult{SID: key.String(), EventType: sig.EventType}
	log = log.With("sid", key.String(), "event_type", sig.EventType)

	if kind := sig.Timeout(); kind != telephony.TimeoutNone {
		eventType := audit.EventTypeTimeout
		if kind == telephony.TimeoutByReason {
			eventType = audit.EventTypeNoAnswer
		}
		appendEvent(ctx, in.events, log, in.eventFor(sig, key, eventType))
		res.TimeoutDetected, res.Notified = in.detectTimeout(ctx, log, key)
		if res.TimeoutDetected {
			res.Transition = calls.StatusMissed
		}
		return res, nil
	}

	appendEvent(ctx, in.events, log, in.eventFor(sig, key, string(sig.EventType)))

	if sig.EventType == telephony.EventCallStarted && sig.IsGroupRoom() {
		b := notify.Broadcast(ctx, in.notifier, log, in.operators, notify.GroupCallStartedText("", key.String()))
		metrics.Notifications.WithLabelValues("group_call", "sent").Add(float64(b.Sent))
		metrics.Notifications.WithLabelValues("group_call", "error").Add(float64(b.Failed))
		res.Broadcast = &b
		return res, nil
	}

	target, ok := targetStatus(sig)
	if !ok || key.IsZero() {
		return res, nil
	}
	changed, err := in.transition(ctx, key, target)
	if err != nil {
		metrics.SideEffectErrors.WithLabelValues("session_update").Inc()
		log.Error("session transition failed", "target", target, "err", err)
		return res, nil
	}
	if changed {
		metrics.Transitions.WithLabelValues(string(target)).Inc()
		res.Transition = target
		log.Info("session transition applied", "status", target)
	} else {
		log.Debug("session transition not applicable", "target", target)
	}
	return res, nil
}

func (in *Ingestor) eventFor(sig telephony.Signal, key calls.Key, eventType string) audit.Event {
	return audit.Event{
		SID:       key.String(),
		EventType: eventType,
		Status:    sig.Status,
		Timestamp: sig.Timestamp,
		Payload:   sig.Raw,
	}
}

// transition applies target only from one of its legal predecessors. Session
// timestamps use the local clock; signal timestamps may be skewed.
func (in *Ingestor) transition(ctx context.Context, key calls.Key, target calls.Status) (bool, error) {
	now := in.clock().UTC()
	p := calls.Patch{Status: target}
	switch target {
	case calls.StatusAnswered:
		p.AnsweredAt = &now
	case calls.StatusEnded:
		p.EndedAt = &now
	}
	return in.sessions.UpdateIf(ctx, key, calls.Condition{StatusIn: calls.Predecessors(target)}, p)
}

// detectTimeout moves the session to missed and notifies the callee at most
// once. The conditional update is the lock: only the caller whose update
// changed a row notifies. The sent flag is set after the attempt whatever its
// outcome, so a failed delivery is recorded rather than retried.
func (in *Ingestor) detectTimeout(ctx context.Context, log *slog.Logger, key calls.Key) (detected, notified bool) {
	if key.IsZero() {
		return false, false
	}
	now := in.clock().UTC()
	changed, err := in.sessions.UpdateIf(ctx, key,
		calls.Condition{
			StatusIn:                calls.Predecessors(calls.StatusMissed),
			TimeoutNotificationSent: calls.BoolPtr(false),
		},
		calls.Patch{
			Status:            calls.StatusMissed,
			TimeoutDetectedAt: &now,
			EndedAt:           &now,
		})
	if err != nil {
		metrics.SideEffectErrors.WithLabelValues("session_update").Inc()
		log.Error("timeout update failed", "err", err)
		return false, false
	}
	if !changed {
		log.Debug("timeout already handled or session not in a missable state")
		return false, false
	}
	metrics.TimeoutsDetected.Inc()
	metrics.Transitions.WithLabelValues(string(calls.StatusMissed)).Inc()

	notifyErr := in.notifyMissed(ctx, key)
	metrics.Notifications.WithLabelValues("missed_call", metrics.Outcome(notifyErr)).Inc()

	flag := calls.Patch{TimeoutNotificationSent: calls.BoolPtr(true)}
	if notifyErr != nil {
		log.Warn("missed call notification failed", "err", notifyErr)
		flag.Auxiliary = map[string]any{"timeout_notification_error": notifyErr.Error()}
	}
	if _, err := in.sessions.UpdateIf(ctx, key, calls.Condition{}, flag); err != nil {
		metrics.SideEffectErrors.WithLabelValues("session_update").Inc()
		log.Error("timeout notification flag update failed", "err", err)
	}
	log.Info("timeout detected", "notified", notifyErr == nil)
	return true, notifyErr == nil
}

func (in *Ingestor) notifyMissed(ctx context.Context, key calls.Key) error {
	s, err := in.sessions.Get(ctx, key)
	if err != nil {
		return err
	}
	msg := notify.Message{
		RecipientID: s.CalleeID,
		Realm:       s.CalleeRealm,
		Text:        notify.MissedCallText(s.Language, s.CallerID),
	}
	if in.retryLink != "" {
		msg.ActionURL = strings.ReplaceAll(in.retryLink, "{sid}", s.SID)
		msg.ActionLabel = notify.RetryActionLabel(s.Language)
	}
	return in.notifier.Notify(ctx, msg)
}

var (
	ringingStatuses  = []string{"ringing", "started", "placed"}
	answeredStatuses = []string{"answered", "in-progress", "in_progress", "connected"}
	endedStatuses    = []string{"completed", "ended", "disconnected", "canceled"}
)

// targetStatus maps a classified signal to the session status it implies.
// The event type wins over the raw status text.
func targetStatus(sig telephony.Signal) (calls.Status, bool) {
	switch sig.EventType {
	case telephony.EventCallStarted:
		return calls.StatusRinging, true
	case telephony.EventCallConnected:
		return calls.StatusAnswered, true
	case telephony.EventCallEnded, telephony.EventCallDisconnected:
		return calls.StatusEnded, true
	}

	st := strings.ToLower(strings.TrimSpace(sig.Status))
	switch {
	case st == "":
		return "", false
	case contains(ringingStatuses, st):
		return calls.StatusRinging, true
	case contains(answeredStatuses, st):
		return calls.StatusAnswered, true
	case contains(endedStatuses, st):
		return calls.StatusEnded, true
	case st == "failed":
		return calls.StatusFailed, true
	}
	return "", false
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

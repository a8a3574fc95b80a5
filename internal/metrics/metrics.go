// Package metrics holds the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcall_calls_initiated_total",
		Help: "Outbound agent calls placed, by mode (live, mock) and kind (first, retry).",
	}, []string{"mode", "kind"})

	CallsInitiateFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcall_calls_initiate_failed_total",
		Help: "Outbound agent calls that could not be started, by reason.",
	}, []string{"reason"})

	WebhookSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcall_webhook_signals_total",
		Help: "Inbound webhook signals by canonical event type.",
	}, []string{"event_type"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcall_session_transitions_total",
		Help: "Session status transitions applied, by target status.",
	}, []string{"status"})

	TimeoutsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcall_timeouts_detected_total",
		Help: "Sessions moved to missed by the timeout detector.",
	})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcall_notifications_total",
		Help: "Notifier invocations by kind and outcome.",
	}, []string{"kind", "outcome"})

	RetriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcall_retries_scheduled_total",
		Help: "Retry schedule requests by result.",
	}, []string{"result"})

	RetriesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcall_retries_executed_total",
		Help: "Retry executions by outcome (completed, failed, busy, skipped).",
	}, []string{"outcome"})

	SideEffectErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcall_side_effect_errors_total",
		Help: "Swallowed side-effect failures by component.",
	}, []string{"component"})
)

func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

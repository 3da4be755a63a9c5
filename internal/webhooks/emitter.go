package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/spendgate/internal/audit"
	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/intent"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spendgate",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spendgate",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter adapts gate decisions and intent transitions into webhook events.
//
// It satisfies both the gate's and the registry's listener interfaces. Both
// call synchronously on hot paths, so every emit hands off to a goroutine
// with its own deadline. A nil Emitter is safe and emits nothing.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// PaymentDecided emits payment.allowed or payment.blocked to the sender's
// subscriptions.
func (e *Emitter) PaymentDecided(ev *audit.Event) {
	if e == nil || e.d == nil {
		return
	}

	eventType := EventPaymentBlocked
	if ev.Kind == audit.KindAllowed {
		eventType = EventPaymentAllowed
	}

	data := map[string]any{
		"sender":    ev.Sender,
		"recipient": ev.Recipient,
		"amount":    ev.Amount,
		"rule":      ev.Rule,
	}
	if ev.Reason != "" {
		data["reason"] = ev.Reason
	}
	if ev.IntentID != "" {
		data["intentId"] = ev.IntentID
	}

	e.emit(ev.Sender, eventType, data)
}

// IntentTransitioned emits the lifecycle event matching the intent's new
// state. intent.executed fires when the gate marks the intent, before the
// transfer settles; a later fault follows as intent.execution_failed.
// Cancellations are the sender acting on their own intent and are not
// emitted.
func (e *Emitter) IntentTransitioned(i *intent.PaymentIntent) {
	if e == nil || e.d == nil {
		return
	}

	var eventType EventType
	switch {
	case i.Status == intent.StatusApproved:
		eventType = EventIntentApproved
	case i.Status == intent.StatusRejected:
		eventType = EventIntentRejected
	case i.Status == intent.StatusExecuted && i.ExecutionFailed:
		eventType = EventIntentExecutionFailed
	case i.Status == intent.StatusExecuted:
		eventType = EventIntentExecuted
	default:
		return
	}

	data := map[string]any{
		"intentId":  i.ID,
		"sender":    i.Sender,
		"recipient": i.Recipient,
		"amount":    i.Amount,
		"status":    string(i.Status),
	}
	if i.DecidedBy != "" {
		data["decidedBy"] = i.DecidedBy
	}
	if i.Reason != "" {
		data["reason"] = i.Reason
	}
	if eventType == EventIntentApproved || eventType == EventIntentRejected {
		data["riskScore"] = i.RiskScore
	}
	if eventType == EventIntentExecutionFailed && i.FailureNote != "" {
		data["failureNote"] = i.FailureNote
	}

	e.emit(i.Sender, eventType, data)
}

// emit dispatches from a goroutine with a fresh deadline; the caller's
// context belongs to a request that will be gone before retries finish.
func (e *Emitter) emit(principal string, eventType EventType, data map[string]any) {
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := e.d.DispatchToPrincipal(ctx, principal, event); err != nil {
			webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
			if e.logger != nil {
				e.logger.Warn("webhook dispatch failed",
					"event", string(eventType),
					"principal", principal,
					"error", err)
			}
		}
	}()
}

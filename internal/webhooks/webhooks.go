// Package webhooks fans authorization and intent lifecycle events out to
// subscriber endpoints.
//
// Principals subscribe a URL to event types; deliveries are JSON payloads
// signed with HMAC-SHA256 over the body. Delivery is at-least-once with
// bounded retries. Endpoints that keep failing trip a per-subscription
// circuit breaker and are eventually disabled.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var ErrNotFound = errors.New("webhooks: subscription not found")

// EventType represents the type of webhook event
type EventType string

const (
	EventPaymentAllowed        EventType = "payment.allowed"
	EventPaymentBlocked        EventType = "payment.blocked"
	EventIntentApproved        EventType = "intent.approved"
	EventIntentRejected        EventType = "intent.rejected"
	EventIntentExecuted        EventType = "intent.executed"
	EventIntentExecutionFailed EventType = "intent.execution_failed"
)

// KnownEventTypes lists every event type a subscription may name.
var KnownEventTypes = []EventType{
	EventPaymentAllowed,
	EventPaymentBlocked,
	EventIntentApproved,
	EventIntentRejected,
	EventIntentExecuted,
	EventIntentExecutionFailed,
}

// ValidEventType reports whether t is a known event type.
func ValidEventType(t EventType) bool {
	for _, known := range KnownEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event represents a webhook event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription binds a principal's endpoint to a set of event types.
//
// Secret signs deliveries and is shown exactly once, at creation.
// ConsecutiveFailures counts failed deliveries since the last success; the
// dispatcher deactivates the subscription once it crosses the configured
// limit.
type Subscription struct {
	ID                  string      `json:"id"`
	Principal           string      `json:"principal"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	ConsecutiveFailures int         `json:"consecutiveFailures,omitempty"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	CreatedAt           time.Time   `json:"createdAt"`
}

// Wants reports whether the subscription covers the event type.
func (s *Subscription) Wants(t EventType) bool {
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByPrincipal(ctx context.Context, principal string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Sign computes the hex HMAC-SHA256 of payload under secret. Receivers
// recompute it over the raw request body and compare against the
// X-Spendgate-Signature header.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mbd888/spendgate/internal/circuitbreaker"
	"github.com/mbd888/spendgate/internal/metrics"
	"github.com/mbd888/spendgate/internal/retry"
	"github.com/mbd888/spendgate/internal/security"
)

// RetryConfig bounds delivery attempts for a single event and the number of
// consecutive failed deliveries a subscription survives before it is
// deactivated.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxFailures int
}

// DefaultRetryConfig retries twice with backoff and disables a subscription
// after 20 failed deliveries in a row.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxFailures: 20,
}

// Dispatcher sends webhook events to subscriber endpoints.
type Dispatcher struct {
	store          Store
	client         *http.Client
	logger         *slog.Logger
	breaker        *circuitbreaker.Breaker
	retryCfg       RetryConfig
	fallbackSecret string
	urlValidator   func(string) error
}

// NewDispatcher creates a dispatcher with DefaultRetryConfig.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return NewDispatcherWithRetry(store, DefaultRetryConfig, logger)
}

// NewDispatcherWithRetry creates a dispatcher with explicit retry bounds.
func NewDispatcherWithRetry(store Store, cfg RetryConfig, logger *slog.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRetryConfig.BaseDelay
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       logger,
		breaker:      circuitbreaker.New(5, 30*time.Second),
		retryCfg:     cfg,
		urlValidator: security.ValidateEndpointURL,
	}
}

// WithFallbackSecret sets the secret used to sign deliveries for
// subscriptions that have none of their own.
func (d *Dispatcher) WithFallbackSecret(secret string) *Dispatcher {
	d.fallbackSecret = secret
	return d
}

// ValidateURL checks that a subscriber endpoint is safe to call.
func (d *Dispatcher) ValidateURL(rawURL string) error {
	return d.urlValidator(rawURL)
}

// Dispatch sends an event to every active subscription covering its type.
// It blocks until all deliveries settle; callers that must not block run it
// from a goroutine (the Emitter does).
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}
	d.fanOut(ctx, subs, event)
	return nil
}

// DispatchToPrincipal sends an event to one principal's subscriptions.
func (d *Dispatcher) DispatchToPrincipal(ctx context.Context, principal string, event *Event) error {
	subs, err := d.store.GetByPrincipal(ctx, principal)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	matched := subs[:0]
	for _, sub := range subs {
		if sub.Wants(event.Type) {
			matched = append(matched, sub)
		}
	}
	d.fanOut(ctx, matched, event)
	return nil
}

func (d *Dispatcher) fanOut(ctx context.Context, subs []*Subscription, event *Event) {
	var wg sync.WaitGroup
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			d.deliver(ctx, sub, event)
		}(sub)
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event) {
	if !d.breaker.Allow(sub.ID) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("suppressed").Inc()
		d.logger.Debug("webhook delivery suppressed, circuit open",
			"subscription", sub.ID,
			"event", string(event.Type))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("marshal webhook event", "event", string(event.Type), "error", err)
		return
	}

	err = retry.Do(ctx, d.retryCfg.MaxAttempts, d.retryCfg.BaseDelay, func() error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		d.breaker.RecordFailure(sub.ID)
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.recordFailure(ctx, sub, err.Error())
		return
	}

	d.breaker.RecordSuccess(sub.ID)
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	d.recordSuccess(ctx, sub)
}

// post makes one delivery attempt. Client errors other than 429 are not
// retried; the endpoint will keep rejecting the same payload.
func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Spendgate-Event", string(event.Type))
	req.Header.Set("X-Spendgate-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if secret := d.secretFor(sub); secret != "" {
		req.Header.Set("X-Spendgate-Signature", Sign(payload, secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}

func (d *Dispatcher) secretFor(sub *Subscription) string {
	if sub.Secret != "" {
		return sub.Secret
	}
	return d.fallbackSecret
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("update webhook subscription", "subscription", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	sub.ConsecutiveFailures++
	sub.LastError = errMsg
	if d.retryCfg.MaxFailures > 0 && sub.ConsecutiveFailures >= d.retryCfg.MaxFailures {
		sub.Active = false
		d.logger.Warn("webhook subscription disabled after repeated failures",
			"subscription", sub.ID,
			"principal", sub.Principal,
			"failures", sub.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("update webhook subscription", "subscription", sub.ID, "error", err)
	}
}

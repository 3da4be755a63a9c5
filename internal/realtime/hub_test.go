package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/spendgate/internal/audit"
	"github.com/mbd888/spendgate/internal/intent"
)

const (
	testSender    = "0xab5801a7d398351b8be11c439e05c5b3259aec9b"
	testRecipient = "0x742d35cc6634c0532925a3b844bc454e4438f44e"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// startHub runs the hub loop for the duration of the test.
func startHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

// connect registers a fake client. The hub processes joins on its own
// goroutine, so callers needing the registration visible poll via waitFor.
func connect(h *Hub, sub Subscription) *Client {
	c := &Client{hub: h, send: make(chan []byte, sendBuffer), sub: sub}
	h.join <- c
	return c
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func connected(h *Hub) func() bool {
	return func() bool { return h.Stats()["connectedClients"].(int) > 0 }
}

func recvEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event within 1s")
		return Event{}
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventAuthorization, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventAuthorization},
	}}

	authEvent := &Event{Type: EventAuthorization}
	intentEvent := &Event{Type: EventIntent}

	if !h.shouldSend(client, authEvent) {
		t.Error("Should receive authorization events")
	}
	if h.shouldSend(client, intentEvent) {
		t.Error("Should NOT receive intent events")
	}
}

func TestShouldSend_PrincipalFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Principals: []string{testSender},
	}}

	matchingSender := &Event{
		Type: EventAuthorization,
		Data: map[string]any{"sender": testSender, "recipient": "0xother"},
	}
	matchingRecipient := &Event{
		Type: EventAuthorization,
		Data: map[string]any{"sender": "0xother", "recipient": testSender},
	}
	notMatching := &Event{
		Type: EventAuthorization,
		Data: map[string]any{"sender": "0xother", "recipient": "0xanother"},
	}

	if !h.shouldSend(client, matchingSender) {
		t.Error("Should match on sender")
	}
	if !h.shouldSend(client, matchingRecipient) {
		t.Error("Should match on recipient")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated principals")
	}
}

func TestShouldSend_PrincipalFilterIsCaseInsensitive(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Principals: []string{"0xAB5801a7D398351b8bE11C439e05C5B3259aeC9B"},
	}}

	event := &Event{
		Type: EventAuthorization,
		Data: map[string]any{"sender": testSender},
	}
	if !h.shouldSend(client, event) {
		t.Error("Principal match should ignore case")
	}
}

func TestShouldSend_KindFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Kinds: []string{"blocked"},
	}}

	blocked := &Event{
		Type: EventAuthorization,
		Data: map[string]any{"kind": "blocked", "sender": testSender},
	}
	allowed := &Event{
		Type: EventAuthorization,
		Data: map[string]any{"kind": "allowed", "sender": testSender},
	}
	intentEvent := &Event{
		Type: EventIntent,
		Data: map[string]any{"intentId": "int1", "status": "approved"},
	}

	if !h.shouldSend(client, blocked) {
		t.Error("Should receive blocked decisions")
	}
	if h.shouldSend(client, allowed) {
		t.Error("Should NOT receive allowed decisions")
	}
	if !h.shouldSend(client, intentEvent) {
		t.Error("Kind filter must not suppress events without a kind")
	}
}

func TestShouldSend_MinAmountFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinAmount: "10.00",
	}}

	large := &Event{
		Type: EventAuthorization,
		Data: map[string]any{"amount": "15.000000"},
	}
	small := &Event{
		Type: EventAuthorization,
		Data: map[string]any{"amount": "5.000000"},
	}
	noAmount := &Event{
		Type: EventIntent,
		Data: map[string]any{"intentId": "int1"},
	}

	if !h.shouldSend(client, large) {
		t.Error("Should receive amounts at or above the floor")
	}
	if h.shouldSend(client, small) {
		t.Error("Should NOT receive amounts below the floor")
	}
	if !h.shouldSend(client, noAmount) {
		t.Error("MinAmount filter should only apply to events carrying an amount")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventAuthorization}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Principals: []string{testSender},
	}}

	event := &Event{
		Type: EventAuthorization,
		Data: "string data not a map",
	}

	// Principal filter skips non-map data (can't extract principals), so
	// the event passes through.
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when the principal filter can't extract fields")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("connectedClients = %v, want 0", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("totalEvents = %v, want 0", stats["totalEvents"])
	}
}

func TestHub_BroadcastCountsEvents(t *testing.T) {
	h := startHub(t)

	h.Broadcast(&Event{Type: EventAuthorization, Timestamp: time.Now()})
	waitFor(t, func() bool {
		return h.Stats()["totalEvents"].(int64) == 1
	}, "event never counted")
}

func TestHub_JoinLeave(t *testing.T) {
	h := startHub(t)

	c := connect(h, Subscription{AllEvents: true})
	waitFor(t, connected(h), "client never registered")

	if got := h.Stats()["peakClients"].(int64); got != 1 {
		t.Errorf("peakClients = %v, want 1", got)
	}

	h.leave <- c
	waitFor(t, func() bool {
		return h.Stats()["connectedClients"].(int) == 0
	}, "client never dropped")

	// Peak survives the departure.
	if got := h.Stats()["peakClients"].(int64); got != 1 {
		t.Errorf("peakClients after leave = %v, want 1", got)
	}
}

func TestHub_PaymentDecidedReachesClient(t *testing.T) {
	h := startHub(t)

	c := connect(h, Subscription{AllEvents: true})
	waitFor(t, connected(h), "client never registered")

	h.PaymentDecided(&audit.Event{
		Kind:      audit.KindBlocked,
		Sender:    testSender,
		Recipient: testRecipient,
		Amount:    "900.000000",
		Rule:      "daily_limit",
		Reason:    "daily limit exceeded",
		CreatedAt: time.Now(),
	})

	ev := recvEvent(t, c)
	if ev.Type != EventAuthorization {
		t.Fatalf("event type = %s, want %s", ev.Type, EventAuthorization)
	}
	data := ev.Data.(map[string]any)
	if data["kind"] != "blocked" || data["rule"] != "daily_limit" {
		t.Errorf("unexpected event data: %v", data)
	}
}

func TestHub_IntentTransitionedReachesClient(t *testing.T) {
	h := startHub(t)

	c := connect(h, Subscription{EventTypes: []EventType{EventIntent}})
	waitFor(t, connected(h), "client never registered")

	h.IntentTransitioned(&intent.PaymentIntent{
		ID:        "int1",
		Sender:    testSender,
		Recipient: testRecipient,
		Amount:    "10.000000",
		Status:    intent.StatusApproved,
		DecidedBy: "0xagent",
	})

	ev := recvEvent(t, c)
	if ev.Type != EventIntent {
		t.Fatalf("event type = %s, want %s", ev.Type, EventIntent)
	}
	data := ev.Data.(map[string]any)
	if data["status"] != "approved" || data["intentId"] != "int1" {
		t.Errorf("unexpected event data: %v", data)
	}
}

func TestHub_FilteredDelivery(t *testing.T) {
	h := startHub(t)

	c := connect(h, Subscription{EventTypes: []EventType{EventIntent}})
	waitFor(t, connected(h), "client never registered")

	h.Broadcast(&Event{Type: EventAuthorization, Timestamp: time.Now()})
	h.Broadcast(&Event{Type: EventIntent, Timestamp: time.Now()})

	// Fan-out runs in order, so receiving the intent event proves the
	// authorization before it was filtered rather than still in flight.
	ev := recvEvent(t, c)
	if ev.Type != EventIntent {
		t.Fatalf("received %s, want %s", ev.Type, EventIntent)
	}
	select {
	case extra := <-c.send:
		t.Errorf("unexpected extra frame: %s", extra)
	default:
	}
}

func TestHub_StopsOnCancel(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

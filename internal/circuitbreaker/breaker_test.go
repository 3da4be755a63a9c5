package circuitbreaker

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestAllow_NewKeyFlows(t *testing.T) {
	b := New(3, time.Minute)
	if !b.Allow("wh_1") {
		t.Fatal("an unseen key should be allowed")
	}
	if b.State("wh_1") != StateClosed {
		t.Fatalf("State = %v, want closed", b.State("wh_1"))
	}
}

func TestTripsAtMaxFailures(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure("wh_1")
	b.RecordFailure("wh_1")
	if !b.Allow("wh_1") {
		t.Fatal("two failures of three should not trip")
	}

	b.RecordFailure("wh_1")
	if b.Allow("wh_1") {
		t.Fatal("third failure should trip the circuit")
	}
	if b.State("wh_1") != StateOpen {
		t.Fatalf("State = %v, want open", b.State("wh_1"))
	}
}

func TestCooldownAdmitsOneProbe(t *testing.T) {
	b := New(2, 40*time.Millisecond)
	b.RecordFailure("wh_1")
	b.RecordFailure("wh_1")

	if b.Allow("wh_1") {
		t.Fatal("circuit should be open during cooldown")
	}

	time.Sleep(50 * time.Millisecond)

	if !b.Allow("wh_1") {
		t.Fatal("first caller after cooldown should get the probe slot")
	}
	if b.State("wh_1") != StateHalfOpen {
		t.Fatalf("State = %v, want half_open", b.State("wh_1"))
	}
	if b.Allow("wh_1") {
		t.Fatal("only one probe may be in flight")
	}
}

func TestProbeOutcomeDecides(t *testing.T) {
	tests := []struct {
		name    string
		outcome func(b *Breaker)
		want    State
	}{
		{"success closes", func(b *Breaker) { b.RecordSuccess("wh_1") }, StateClosed},
		{"failure reopens", func(b *Breaker) { b.RecordFailure("wh_1") }, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(2, 40*time.Millisecond)
			b.RecordFailure("wh_1")
			b.RecordFailure("wh_1")
			time.Sleep(50 * time.Millisecond)
			b.Allow("wh_1") // take the probe slot

			tt.outcome(b)
			if got := b.State("wh_1"); got != tt.want {
				t.Fatalf("State after probe = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSuccessClearsTheStreak(t *testing.T) {
	b := New(3, time.Minute)
	b.RecordFailure("wh_1")
	b.RecordFailure("wh_1")
	b.RecordSuccess("wh_1")

	// The streak restarted, so one more failure is two short of the trip.
	b.RecordFailure("wh_1")
	if !b.Allow("wh_1") {
		t.Fatal("circuit tripped on a broken streak")
	}
}

func TestStaleSuccessDoesNotCloseOpenCircuit(t *testing.T) {
	b := New(2, time.Minute)
	b.RecordFailure("wh_1")
	b.RecordFailure("wh_1")

	// A delivery that was already in flight when the circuit tripped.
	b.RecordSuccess("wh_1")
	if b.State("wh_1") != StateOpen {
		t.Fatalf("State = %v, want open: stale successes must not reset a tripped circuit", b.State("wh_1"))
	}
}

func TestKeysAreIsolated(t *testing.T) {
	b := New(2, time.Minute)
	b.RecordFailure("wh_1")
	b.RecordFailure("wh_1")

	if b.Allow("wh_1") {
		t.Fatal("wh_1 should be open")
	}
	if !b.Allow("wh_2") {
		t.Fatal("wh_2 should be unaffected by wh_1's circuit")
	}
}

func TestNewDefaults(t *testing.T) {
	b := New(0, 0)
	for i := 0; i < 4; i++ {
		b.RecordFailure("wh_1")
	}
	if !b.Allow("wh_1") {
		t.Fatal("default threshold is 5; four failures should not trip")
	}
	b.RecordFailure("wh_1")
	if b.Allow("wh_1") {
		t.Fatal("fifth failure should trip with default threshold")
	}
}

func TestOnTransition_FiresForEveryChange(t *testing.T) {
	b := New(2, time.Minute)

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{}, 4)
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		seen = append(seen, fmt.Sprintf("%s:%s>%s", key, from, to))
		mu.Unlock()
		done <- struct{}{}
	})

	b.RecordFailure("wh_1")
	b.RecordFailure("wh_1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("transition callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "wh_1:closed>open" {
		t.Fatalf("transitions = %v, want one closed>open for wh_1", seen)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}

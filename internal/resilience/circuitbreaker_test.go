package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend unavailable")

func TestNew_Defaults(t *testing.T) {
	b := New(Config{Name: "tts"})
	if b.maxFail != 5 {
		t.Errorf("maxFail = %d, want 5", b.maxFail)
	}
	if b.cooldown != 30*time.Second {
		t.Errorf("cooldown = %v, want 30s", b.cooldown)
	}
	if b.probeMax != 3 {
		t.Errorf("probeMax = %d, want 3", b.probeMax)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_ClosedForwardsCalls(t *testing.T) {
	b := New(Config{Name: "tts", MaxFailures: 3})
	called := false
	if err := b.Execute(func() error { called = true; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{Name: "tts", MaxFailures: 3, Cooldown: time.Hour})

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errBackend })
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", b.State())
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("fn must not run while the breaker is open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(Config{Name: "tts", MaxFailures: 3})

	_ = b.Execute(func() error { return errBackend })
	_ = b.Execute(func() error { return errBackend })
	_ = b.Execute(func() error { return nil })

	// The counter restarted, so two more failures must not trip it.
	_ = b.Execute(func() error { return errBackend })
	_ = b.Execute(func() error { return errBackend })
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_CooldownLeadsToHalfOpen(t *testing.T) {
	b := New(Config{Name: "tts", MaxFailures: 2, Cooldown: 10 * time.Millisecond, ProbeMax: 2})

	_ = b.Execute(func() error { return errBackend })
	_ = b.Execute(func() error { return errBackend })
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after cooldown", b.State())
	}
}

func TestBreaker_ProbesCloseAgain(t *testing.T) {
	b := New(Config{Name: "tts", MaxFailures: 2, Cooldown: 10 * time.Millisecond, ProbeMax: 2})

	_ = b.Execute(func() error { return errBackend })
	_ = b.Execute(func() error { return errBackend })
	time.Sleep(15 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d failed: %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probes", b.State())
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := New(Config{Name: "tts", MaxFailures: 2, Cooldown: 10 * time.Millisecond, ProbeMax: 3})

	_ = b.Execute(func() error { return errBackend })
	_ = b.Execute(func() error { return errBackend })
	time.Sleep(15 * time.Millisecond)

	if err := b.Execute(func() error { return errBackend }); err == nil {
		t.Fatal("expected error from failing probe")
	}

	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	if s != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", s)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := New(Config{Name: "tts", MaxFailures: 2, Cooldown: time.Hour})

	_ = b.Execute(func() error { return errBackend })
	_ = b.Execute(func() error { return errBackend })
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", b.State())
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

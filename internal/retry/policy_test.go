package retry

import (
	"testing"
	"time"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.Mode != BackoffLinear {
		t.Fatalf("expected linear default mode, got %s", p.Mode)
	}
	if p.Initial != time.Second {
		t.Fatalf("expected initial 1s, got %v", p.Initial)
	}
	if p.Max != 30*time.Second {
		t.Fatalf("expected max 30s, got %v", p.Max)
	}
	if p.MaxRetries != 2 {
		t.Fatalf("expected 2 retries, got %d", p.MaxRetries)
	}
}

func TestNewPolicyOverridesAndClamps(t *testing.T) {
	p := NewPolicy(BackoffFixed, 5*time.Second, 2*time.Second, 5)
	if p.Initial != 2*time.Second {
		t.Fatalf("initial above max should clamp to 2s, got %v", p.Initial)
	}
	if p.Mode != BackoffFixed {
		t.Fatalf("expected fixed mode, got %s", p.Mode)
	}
	if p.MaxRetries != 5 {
		t.Fatalf("expected 5 retries, got %d", p.MaxRetries)
	}
}

func TestNewPolicyUnknownModeFallsBack(t *testing.T) {
	p := NewPolicy("quadratic", 0, 0, -1)
	if p != DefaultPolicy() {
		t.Fatalf("unknown mode and unset fields should yield the default, got %+v", p)
	}
}

func TestDelayModes(t *testing.T) {
	fixed := NewPolicy(BackoffFixed, 100*time.Millisecond, 500*time.Millisecond, 3)
	for n := 1; n <= 3; n++ {
		if d := fixed.Delay(n); d != 100*time.Millisecond {
			t.Fatalf("fixed attempt %d: expected 100ms, got %v", n, d)
		}
	}

	linear := NewPolicy(BackoffLinear, 100*time.Millisecond, 250*time.Millisecond, 5)
	for _, c := range []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 250 * time.Millisecond},
		{4, 250 * time.Millisecond},
	} {
		if got := linear.Delay(c.attempt); got != c.want {
			t.Fatalf("linear attempt %d: expected %v, got %v", c.attempt, c.want, got)
		}
	}

	exp := NewPolicy(BackoffExponential, 50*time.Millisecond, 160*time.Millisecond, 5)
	for _, c := range []struct {
		attempt int
		want    time.Duration
	}{
		{1, 50 * time.Millisecond},
		{2, 100 * time.Millisecond},
		{3, 160 * time.Millisecond},
		{4, 160 * time.Millisecond},
	} {
		if got := exp.Delay(c.attempt); got != c.want {
			t.Fatalf("exponential attempt %d: expected %v, got %v", c.attempt, c.want, got)
		}
	}
}

func TestDelayNonPositiveAttempt(t *testing.T) {
	p := NewPolicy(BackoffLinear, 10*time.Millisecond, 20*time.Millisecond, 1)
	if d := p.Delay(0); d != 0 {
		t.Fatalf("attempt 0 should not wait, got %v", d)
	}
	if d := p.Delay(-1); d != 0 {
		t.Fatalf("attempt -1 should not wait, got %v", d)
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy should validate: %v", err)
	}
	bad := Policy{Mode: BackoffLinear, Initial: 0, Max: time.Second}
	if err := bad.Validate(); err == nil {
		t.Fatal("zero initial delay should fail validation")
	}
	bad = Policy{Mode: BackoffLinear, Initial: time.Second, Max: time.Second, MaxRetries: -1}
	if err := bad.Validate(); err == nil {
		t.Fatal("negative retry count should fail validation")
	}
}

package errors

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAnonetErrorFormatting(t *testing.T) {
	plain := New(CategoryProtocol, SeverityHigh, "bad frame")
	if got := plain.Error(); got != "[protocol:high] bad frame" {
		t.Errorf("unexpected message: %s", got)
	}

	wrapped := Wrap(CategoryNetwork, SeverityMedium, "bind failed", errors.New("address in use"))
	if got := wrapped.Error(); got != "[network:medium] bind failed: address in use" {
		t.Errorf("unexpected wrapped message: %s", got)
	}
}

func TestAnonetErrorUnwrapAndIs(t *testing.T) {
	underlying := errors.New("boom")
	wrapped := Wrap(CategoryCrypto, SeverityHigh, "verify failed", underlying)

	if !errors.Is(wrapped, underlying) {
		t.Error("expected errors.Is to find underlying error")
	}

	other := New(CategoryCrypto, SeverityLow, "different")
	if !errors.Is(wrapped, other) {
		t.Error("expected same-category AnonetErrors to match via Is")
	}

	notCrypto := New(CategoryNetwork, SeverityLow, "different")
	if errors.Is(wrapped, notCrypto) {
		t.Error("expected different-category AnonetErrors not to match")
	}
}

func TestConstructorsAndRetryability(t *testing.T) {
	cases := []struct {
		name      string
		err       *AnonetError
		retryable bool
		category  ErrorCategory
	}{
		{"crypto", CryptoError("verify failed", errors.New("x")), false, CategoryCrypto},
		{"protocol", ProtocolError("bad cell", errors.New("x")), false, CategoryProtocol},
		{"auth", AuthError("fingerprint mismatch", errors.New("x")), false, CategoryAuth},
		{"timeout", TimeoutError("deadline exceeded", errors.New("x")), true, CategoryTimeout},
		{"network", NetworkError("bind failed", errors.New("x")), true, CategoryNetwork},
		{"notfound", NotFoundError("no such peer"), false, CategoryNotFound},
		{"storage", StorageError("write failed", errors.New("x")), false, CategoryStorage},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if IsRetryable(c.err) != c.retryable {
				t.Errorf("expected retryable=%v for %s", c.retryable, c.name)
			}
			if GetCategory(c.err) != c.category {
				t.Errorf("expected category=%s, got %s", c.category, GetCategory(c.err))
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"crypto", CryptoError("x", nil), 10},
		{"auth", AuthError("x", nil), 10},
		{"network", NetworkError("x", nil), 11},
		{"timeout", TimeoutError("x", nil), 11},
		{"protocol", ProtocolError("x", nil), 11},
		{"notfound", NotFoundError("x"), 12},
		{"configuration", ConfigurationError("x", nil), 3},
		{"plain", errors.New("unstructured"), 1},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ExitCode(c.err); got != c.want {
				t.Errorf("ExitCode(%v) = %d, want %d", c.err, got, c.want)
			}
		})
	}
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		MaxFailures:         3,
		Timeout:             50 * time.Millisecond,
		HalfOpenMaxRequests: 1,
		FailureThreshold:    1.0,
		MinRequests:         1000,
	})

	failing := func() error { return NetworkError("down", nil) }

	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), failing); err == nil {
			t.Fatal("expected failure to propagate")
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("expected circuit to be open, got %s", cb.State())
	}

	if err := cb.Execute(context.Background(), func() error { return nil }); err == nil {
		t.Fatal("expected circuit-open error while still within timeout")
	}

	time.Sleep(60 * time.Millisecond)

	if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("expected half-open probe to succeed: %v", err)
	}

	if cb.State() != StateClosed {
		t.Fatalf("expected circuit to close after successful probe, got %s", cb.State())
	}
}

func TestRetryWithPolicyStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := RetryWithPolicy(context.Background(), DefaultRetryPolicy(), func() error {
		attempts++
		return AuthError("bad fingerprint", nil)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for non-retryable error, got %d", attempts)
	}
}

func TestRetryWithPolicySucceedsAfterRetries(t *testing.T) {
	attempts := 0
	policy := &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0,
		RetryableErrors: map[ErrorCategory]bool{
			CategoryNetwork: true,
		},
	}

	err := RetryWithPolicy(context.Background(), policy, func() error {
		attempts++
		if attempts < 3 {
			return NetworkError("transient", nil)
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

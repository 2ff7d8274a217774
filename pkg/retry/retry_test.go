package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fastConfig(), func() error {
		callCount++
		if callCount < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected success after retries, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	callCount := 0
	permanent := errors.New("still failing")
	err := Do(context.Background(), fastConfig(), func() error {
		callCount++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Errorf("expected last error %v, got %v", permanent, err)
	}
	if callCount != 4 { // initial attempt + 3 retries
		t.Errorf("expected 4 calls, got %d", callCount)
	}
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	callCount := 0
	cfg := &Config{
		MaxRetries:   5,
		InitialDelay: time.Hour, // would hang without cancellation
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
	}

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func() error {
			callCount++
			return errors.New("timeout")
		})
	}()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after context cancellation")
	}

	if callCount != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", callCount)
	}
}

func TestDoWithResult(t *testing.T) {
	callCount := 0
	result, err := DoWithResult(context.Background(), fastConfig(), func() (int, error) {
		callCount++
		if callCount < 2 {
			return 0, errors.New("timed out")
		}
		return 42, nil
	})

	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if result != 42 {
		t.Errorf("expected 42, got %d", result)
	}
}

type explicitRetryable struct {
	retryable bool
}

func (e *explicitRetryable) Error() string     { return "explicit" }
func (e *explicitRetryable) IsRetryable() bool { return e.retryable }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil error", err: nil, expected: false},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), expected: true},
		{name: "too many connections", err: errors.New("FATAL: too many connections"), expected: true},
		{name: "deadlock", err: errors.New("deadlock detected"), expected: true},
		{name: "permanent auth failure", err: errors.New("password authentication failed"), expected: false},
		{name: "explicit retryable", err: &explicitRetryable{retryable: true}, expected: true},
		{name: "explicit non-retryable", err: &explicitRetryable{retryable: false}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestDoIfRetryable_FailsFastOnPermanentError(t *testing.T) {
	callCount := 0
	permanent := errors.New("syntax error at or near")
	err := DoIfRetryable(context.Background(), fastConfig(), func() error {
		callCount++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Errorf("expected %v, got %v", permanent, err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call (no retries), got %d", callCount)
	}
}

func TestDoIfRetryable_RetriesTransientError(t *testing.T) {
	callCount := 0
	err := DoIfRetryable(context.Background(), fastConfig(), func() error {
		callCount++
		if callCount < 3 {
			return errors.New("service unavailable")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected success after retries, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

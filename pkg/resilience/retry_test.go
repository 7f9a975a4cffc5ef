package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestRetryExecutor_NewRetryExecutor(t *testing.T) {
	config := DefaultRetryConfig()
	config.Name = "test_retry"

	re := NewRetryExecutor(config)

	if re == nil {
		t.Fatal("Retry executor should not be nil")
	}

	if re.config.Name != "test_retry" {
		t.Errorf("Expected name 'test_retry', got '%s'", re.config.Name)
	}

	metrics := re.GetMetrics()
	if metrics.Name != "test_retry" {
		t.Errorf("Expected metrics name 'test_retry', got '%s'", metrics.Name)
	}
}

func TestRetryExecutor_NormalizesConfig(t *testing.T) {
	re := NewRetryExecutor(&RetryConfig{Name: "normalize", MaxAttempts: 0, Interval: -time.Second})

	cfg := re.config
	if cfg.MaxAttempts != 1 {
		t.Errorf("Expected MaxAttempts 1, got %d", cfg.MaxAttempts)
	}
	if cfg.Interval != 0 {
		t.Errorf("Expected zero interval, got %v", cfg.Interval)
	}
	if cfg.Sleep == nil {
		t.Error("Expected default sleeper")
	}
}

func TestRetryExecutor_AlwaysFails(t *testing.T) {
	rec := &sleepRecorder{}
	re := WithFixedDelay("always_fails", 3, 2*time.Second, rec.sleep)

	calls := 0
	ok, err := re.Execute(func() (bool, error) {
		calls++
		return false, nil
	})

	if ok {
		t.Error("Expected failure")
	}
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
	if len(rec.sleeps) != 2 {
		t.Errorf("Expected 2 sleeps, got %d", len(rec.sleeps))
	}
	for i, d := range rec.sleeps {
		if d != 2*time.Second {
			t.Errorf("Sleep %d: expected 2s, got %v", i, d)
		}
	}

	metrics := re.GetMetrics()
	if metrics.TotalAttempts != 3 {
		t.Errorf("Expected 3 attempts in metrics, got %d", metrics.TotalAttempts)
	}
	if metrics.TotalRetries != 2 {
		t.Errorf("Expected 2 retries in metrics, got %d", metrics.TotalRetries)
	}
	if metrics.TotalFailures != 1 {
		t.Errorf("Expected 1 failure in metrics, got %d", metrics.TotalFailures)
	}
}

func TestRetryExecutor_Success(t *testing.T) {
	rec := &sleepRecorder{}
	re := WithFixedDelay("success_test", 10, time.Second, rec.sleep)

	attemptCount := 0
	ok, err := re.Execute(func() (bool, error) {
		attemptCount++
		return attemptCount == 2, nil
	})

	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}
	if !ok {
		t.Error("Expected success")
	}
	if attemptCount != 2 {
		t.Errorf("Expected 2 attempts, got %d", attemptCount)
	}

	metrics := re.GetMetrics()
	if metrics.TotalSuccesses != 1 {
		t.Errorf("Expected 1 success, got %d", metrics.TotalSuccesses)
	}
	if metrics.TotalRetries != 1 {
		t.Errorf("Expected 1 retry, got %d", metrics.TotalRetries)
	}
}

func TestRetryExecutor_FatalError(t *testing.T) {
	rec := &sleepRecorder{}
	re := WithFixedDelay("fatal_test", 10, time.Second, rec.sleep)
	fatal := errors.New("sandbox directory missing")

	attemptCount := 0
	ok, err := re.Execute(func() (bool, error) {
		attemptCount++
		if attemptCount == 2 {
			return false, fatal
		}
		return false, nil
	})

	if ok {
		t.Error("Expected failure")
	}
	if !errors.Is(err, fatal) {
		t.Errorf("Expected fatal error, got %v", err)
	}
	if attemptCount != 2 {
		t.Errorf("Expected 2 attempts, got %d", attemptCount)
	}
	if len(rec.sleeps) != 1 {
		t.Errorf("Expected 1 sleep, got %d", len(rec.sleeps))
	}
	if re.GetMetrics().TotalAborted != 1 {
		t.Errorf("Expected 1 aborted execution, got %d", re.GetMetrics().TotalAborted)
	}
}

func TestRetryExecutor_OnRetry(t *testing.T) {
	var seen []int
	re := NewRetryExecutor(&RetryConfig{
		Name:        "on_retry",
		MaxAttempts: 4,
		Sleep:       func(time.Duration) {},
		OnRetry: func(attempt int) {
			seen = append(seen, attempt)
		},
	})

	_, _ = re.Execute(func() (bool, error) { return false, nil })

	if len(seen) != 3 {
		t.Fatalf("Expected 3 retry callbacks, got %d", len(seen))
	}
	for i, attempt := range seen {
		if attempt != i+1 {
			t.Errorf("Expected attempt %d, got %d", i+1, attempt)
		}
	}
}

func TestRetry_ZeroInterval(t *testing.T) {
	calls := 0
	ok, err := Retry(3, 0, func() (bool, error) {
		calls++
		return false, nil
	})

	if ok || err != nil {
		t.Errorf("Expected (false, nil), got (%v, %v)", ok, err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestFromPolicy(t *testing.T) {
	re := FromPolicy("policy", RetryPolicy{MaxAttempts: 10, Interval: 2 * time.Second}, nil)

	cfg := re.config
	if cfg.MaxAttempts != 10 || cfg.Interval != 2*time.Second {
		t.Errorf("Unexpected config %+v", cfg)
	}
}

package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds a retry loop with a fixed delay between attempts
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	Interval    time.Duration `yaml:"interval" mapstructure:"interval"`
}

// RetryConfig configuration for retry mechanisms
type RetryConfig struct {
	Name        string        `json:"name"`
	MaxAttempts int           `json:"max_attempts"` // Maximum number of invocations
	Interval    time.Duration `json:"interval"`     // Fixed delay between invocations

	Sleep   Sleeper           `json:"-"` // Defaults to time.Sleep
	OnRetry func(attempt int) `json:"-"` // Called after a failed attempt, before sleeping
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		Name:        "default",
		MaxAttempts: 3,
		Interval:    time.Second,
	}
}

// RetryMetrics tracks retry statistics
type RetryMetrics struct {
	Name            string    `json:"name"`
	TotalExecutions int64     `json:"total_executions"`
	TotalAttempts   int64     `json:"total_attempts"`
	TotalRetries    int64     `json:"total_retries"`
	TotalSuccesses  int64     `json:"total_successes"`
	TotalFailures   int64     `json:"total_failures"`
	TotalAborted    int64     `json:"total_aborted"`
	LastAttemptTime time.Time `json:"last_attempt_time"`
}

// Operation is a fallible step. A false result with a nil error is a
// transient failure and may be retried; a non-nil error is fatal.
type Operation func() (bool, error)

// RetryExecutor executes operations with retry logic
type RetryExecutor struct {
	config  *RetryConfig
	metrics *RetryMetrics
	mu      sync.RWMutex
}

// Common retry errors
var (
	ErrMaxAttemptsExceeded = errors.New("maximum retry attempts exceeded")
)

// NewRetryExecutor creates a new retry executor
func NewRetryExecutor(config *RetryConfig) *RetryExecutor {
	if config == nil {
		config = DefaultRetryConfig()
	}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.Interval < 0 {
		config.Interval = 0
	}
	if config.Sleep == nil {
		config.Sleep = time.Sleep
	}

	return &RetryExecutor{
		config: config,
		metrics: &RetryMetrics{
			Name: config.Name,
		},
	}
}

// Execute invokes operation until it reports success, returns a fatal error,
// or MaxAttempts invocations have been made. The result of the last
// invocation is returned.
func (re *RetryExecutor) Execute(operation Operation) (bool, error) {
	atomic.AddInt64(&re.metrics.TotalExecutions, 1)

	attempt := 1
	ok, err := re.invoke(operation)
	for !ok && err == nil && attempt < re.config.MaxAttempts {
		atomic.AddInt64(&re.metrics.TotalRetries, 1)

		log.Warn().
			Str("name", re.config.Name).
			Int("attempt", attempt+1).
			Int("max_attempts", re.config.MaxAttempts).
			Msg("Attempt failed, retrying")

		if re.config.OnRetry != nil {
			re.config.OnRetry(attempt)
		}

		re.config.Sleep(re.config.Interval)
		attempt++
		ok, err = re.invoke(operation)
	}

	switch {
	case err != nil:
		atomic.AddInt64(&re.metrics.TotalAborted, 1)
		log.Error().
			Err(err).
			Str("name", re.config.Name).
			Int("attempt", attempt).
			Msg("Operation failed fatally, not retrying")
	case ok:
		atomic.AddInt64(&re.metrics.TotalSuccesses, 1)
	default:
		atomic.AddInt64(&re.metrics.TotalFailures, 1)
		log.Warn().
			Str("name", re.config.Name).
			Int("max_attempts", re.config.MaxAttempts).
			Msg("All attempts failed")
	}

	return ok, err
}

func (re *RetryExecutor) invoke(operation Operation) (bool, error) {
	atomic.AddInt64(&re.metrics.TotalAttempts, 1)
	re.mu.Lock()
	re.metrics.LastAttemptTime = time.Now()
	re.mu.Unlock()

	return operation()
}

// GetMetrics returns current retry metrics
func (re *RetryExecutor) GetMetrics() *RetryMetrics {
	re.mu.RLock()
	defer re.mu.RUnlock()

	return &RetryMetrics{
		Name:            re.metrics.Name,
		TotalExecutions: atomic.LoadInt64(&re.metrics.TotalExecutions),
		TotalAttempts:   atomic.LoadInt64(&re.metrics.TotalAttempts),
		TotalRetries:    atomic.LoadInt64(&re.metrics.TotalRetries),
		TotalSuccesses:  atomic.LoadInt64(&re.metrics.TotalSuccesses),
		TotalFailures:   atomic.LoadInt64(&re.metrics.TotalFailures),
		TotalAborted:    atomic.LoadInt64(&re.metrics.TotalAborted),
		LastAttemptTime: re.metrics.LastAttemptTime,
	}
}

// Convenience functions for common retry patterns

// WithFixedDelay creates a retry executor with fixed delay
func WithFixedDelay(name string, maxAttempts int, delay time.Duration, sleep Sleeper) *RetryExecutor {
	return NewRetryExecutor(&RetryConfig{
		Name:        name,
		MaxAttempts: maxAttempts,
		Interval:    delay,
		Sleep:       sleep,
	})
}

// FromPolicy creates a fixed delay retry executor from a policy
func FromPolicy(name string, policy RetryPolicy, sleep Sleeper) *RetryExecutor {
	return WithFixedDelay(name, policy.MaxAttempts, policy.Interval, sleep)
}

// Retry runs operation with a one-off executor that sleeps for real
func Retry(maxAttempts int, interval time.Duration, operation Operation) (bool, error) {
	return WithFixedDelay("retry", maxAttempts, interval, nil).Execute(operation)
}

// Package cluster adds sandbox instances to and removes them from a managed
// replication group.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/dbsandbox/pkg/adminapi"
	"github.com/sandboxrunner/dbsandbox/pkg/common"
	"github.com/sandboxrunner/dbsandbox/pkg/resilience"
)

// AdditionError is returned when an instance could not be added within the
// attempt budget.
type AdditionError struct {
	Options  adminapi.AddInstanceOptions
	Attempts int
	Err      error
}

func (e *AdditionError) Error() string {
	return fmt.Sprintf("failed adding instance %s (label %q) after %d attempts: %v",
		e.Options.URI(), e.Options.Label, e.Attempts, e.Err)
}

// Unwrap exposes both resilience.ErrMaxAttemptsExceeded and the last
// collaborator error.
func (e *AdditionError) Unwrap() []error {
	return []error{resilience.ErrMaxAttemptsExceeded, e.Err}
}

// DefaultAddInstancePolicy is three attempts five seconds apart
func DefaultAddInstancePolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{MaxAttempts: 3, Interval: 5 * time.Second}
}

// DefaultOptions returns the baseline add-instance options
func DefaultOptions() adminapi.AddInstanceOptions {
	return adminapi.AddInstanceOptions{
		DBUser:   "root",
		Host:     common.DefaultHost,
		Password: "root",
		Scheme:   "mysql",
	}
}

// Orchestrator owns the add-instance options shared by consecutive calls.
// Calls are serialized.
type Orchestrator struct {
	mu      sync.Mutex
	options adminapi.AddInstanceOptions
	policy  resilience.RetryPolicy
	sleep   resilience.Sleeper
}

// NewOrchestrator creates an orchestrator with base as the shared options.
// A nil sleep uses time.Sleep.
func NewOrchestrator(base adminapi.AddInstanceOptions, policy resilience.RetryPolicy, sleep resilience.Sleeper) *Orchestrator {
	base.Port = 0
	base.Label = ""
	return &Orchestrator{
		options: base,
		policy:  policy,
		sleep:   sleep,
	}
}

// Options returns a copy of the shared options
func (o *Orchestrator) Options() adminapi.AddInstanceOptions {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.options
}

// AddInstance adds the sandbox on port to c, labelling it when label is not
// empty. Only the label is per call: it is cleared on return, while Port
// keeps the last instance added.
func (o *Orchestrator) AddInstance(ctx context.Context, c adminapi.Cluster, port int, label string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.options.Port = port
	if label != "" {
		o.options.Label = label
	}
	defer func() { o.options.Label = "" }()

	attempted := o.options
	var lastErr error

	executor := resilience.NewRetryExecutor(&resilience.RetryConfig{
		Name:        fmt.Sprintf("add-instance-%d", port),
		MaxAttempts: o.policy.MaxAttempts,
		Interval:    o.policy.Interval,
		Sleep:       o.sleep,
	})
	// The operation reports every failure as transient, so Execute never
	// returns an error here.
	ok, _ := executor.Execute(func() (bool, error) {
		if err := c.AddInstance(ctx, attempted); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Int("port", port).
				Int64("attempt", executor.GetMetrics().TotalAttempts).
				Str("cluster", c.Name()).
				Msg("Failed adding instance")
			return false, nil
		}
		return true, nil
	})

	if !ok {
		attempts := int(executor.GetMetrics().TotalAttempts)
		return &AdditionError{Options: attempted, Attempts: attempts, Err: lastErr}
	}

	log.Info().
		Int("port", port).
		Str("label", attempted.Label).
		Str("cluster", c.Name()).
		Msg("Instance added successfully")
	return nil
}

// RemoveInstance removes the sandbox on port from c in a single attempt
func (o *Orchestrator) RemoveInstance(ctx context.Context, c adminapi.Cluster, port int) error {
	o.mu.Lock()
	ep := common.Endpoint{Host: o.options.Host, Port: port}
	o.mu.Unlock()

	if err := c.RemoveInstance(ctx, ep); err != nil {
		return fmt.Errorf("failed removing instance %s from %s: %w", ep, c.Name(), err)
	}

	log.Info().Int("port", port).Str("cluster", c.Name()).Msg("Instance removed")
	return nil
}

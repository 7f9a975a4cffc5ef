// Package replication waits for sandbox instances to reach replication
// states.
package replication

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/dbsandbox/pkg/adminapi"
	"github.com/sandboxrunner/dbsandbox/pkg/common"
	"github.com/sandboxrunner/dbsandbox/pkg/resilience"
	"github.com/sandboxrunner/dbsandbox/pkg/session"
)

// DefaultPollPolicy is sixty one-second ticks
func DefaultPollPolicy() resilience.PollPolicy {
	return resilience.PollPolicy{MaxTicks: 60, Interval: time.Second}
}

// Watcher polls instances and clusters until they settle
type Watcher struct {
	connector   session.Connector
	credentials common.Credentials
	policy      resilience.PollPolicy
	sleep       resilience.Sleeper
}

// NewWatcher creates a watcher. A nil sleep uses time.Sleep.
func NewWatcher(connector session.Connector, credentials common.Credentials, policy resilience.PollPolicy, sleep resilience.Sleeper) *Watcher {
	return &Watcher{
		connector:   connector,
		credentials: credentials,
		policy:      policy,
		sleep:       sleep,
	}
}

// WaitSuperReadOnlyDone waits until the instance at ep clears
// super_read_only. It uses its own session, closed before returning.
func (w *Watcher) WaitSuperReadOnlyDone(ctx context.Context, ep common.Endpoint) bool {
	sess, err := w.connector.Connect(ctx, ep, w.credentials)
	if err != nil {
		log.Warn().Err(err).Str("endpoint", ep.String()).Msg("Cannot watch super_read_only")
		return false
	}
	defer common.SafeClose(sess, "read-only watch session")

	log.Info().Str("endpoint", ep.String()).Msg("Waiting for super_read_only to be cleared")

	poller := resilience.NewPoller("super-read-only-"+ep.String(), w.sleep)
	done := poller.Wait(w.policy, func() bool {
		value, err := sess.QueryString(ctx, "SELECT @@super_read_only")
		if err != nil {
			log.Debug().Err(err).Str("endpoint", ep.String()).Msg("Failed reading super_read_only")
			return false
		}
		return value == "0" || strings.EqualFold(value, "OFF")
	})

	if !done {
		log.Warn().Str("endpoint", ep.String()).Msg("super_read_only still set")
	}
	return done
}

// WaitSlaveState waits until the cluster reports replica in one of states.
// Each tick reads a fresh topology report.
func (w *Watcher) WaitSlaveState(ctx context.Context, c adminapi.Cluster, replica common.Endpoint, states ...string) bool {
	targets := make(map[string]bool, len(states))
	for _, s := range states {
		targets[s] = true
	}

	log.Info().
		Str("replica", replica.String()).
		Strs("states", states).
		Msg("Waiting for replica state")

	poller := resilience.NewPoller(fmt.Sprintf("replica-state-%s", replica), w.sleep)
	return poller.Wait(w.policy, func() bool {
		report, err := c.Status(ctx)
		if err != nil {
			log.Debug().Err(err).Str("replica", replica.String()).Msg("Failed reading cluster status")
			return false
		}
		status, ok := report.StatusOf(replica)
		if !ok {
			log.Debug().
				Str("replica", replica.String()).
				Strs("members", report.Addresses()).
				Msg("Replica not in topology")
			return false
		}
		log.Debug().Str("replica", replica.String()).Str("status", status).Msg("Replica status")
		return targets[status]
	})
}

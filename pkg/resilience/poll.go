package resilience

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Sleeper blocks the calling goroutine for the given duration
type Sleeper func(time.Duration)

// PollPolicy bounds a polling loop by tick count
type PollPolicy struct {
	MaxTicks int           `yaml:"max_ticks" mapstructure:"max_ticks"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// Timeout returns the nominal wait, MaxTicks * Interval. The real wait also
// includes the time spent evaluating the condition.
func (p PollPolicy) Timeout() time.Duration {
	return time.Duration(p.MaxTicks) * p.Interval
}

// Poller repeatedly evaluates a condition until it holds or the tick budget
// is spent.
type Poller struct {
	name  string
	sleep Sleeper
}

// NewPoller creates a poller. A nil sleeper falls back to time.Sleep.
func NewPoller(name string, sleep Sleeper) *Poller {
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Poller{name: name, sleep: sleep}
}

// Wait evaluates condition immediately and then once per tick, sleeping
// policy.Interval before each re-evaluation. It returns true as soon as the
// condition holds, or false after policy.MaxTicks ticks. Evaluations are
// sequential and never overlap.
func (p *Poller) Wait(policy PollPolicy, condition func() bool) bool {
	ticks := 0
	done := condition()
	for !done && ticks < policy.MaxTicks {
		p.sleep(policy.Interval)
		ticks++
		done = condition()
	}

	if !done {
		log.Debug().
			Str("poller", p.name).
			Int("ticks", ticks).
			Dur("interval", policy.Interval).
			Msg("Condition not met before tick budget ran out")
	}
	return done
}

// Wait polls condition with time.Sleep between ticks.
func Wait(maxTicks int, interval time.Duration, condition func() bool) bool {
	return NewPoller("default", nil).Wait(PollPolicy{MaxTicks: maxTicks, Interval: interval}, condition)
}

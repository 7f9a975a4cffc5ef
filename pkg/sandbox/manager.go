package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/dbsandbox/pkg/adminapi"
	"github.com/sandboxrunner/dbsandbox/pkg/common"
	"github.com/sandboxrunner/dbsandbox/pkg/monitoring"
	"github.com/sandboxrunner/dbsandbox/pkg/resilience"
	"github.com/sandboxrunner/dbsandbox/pkg/session"
)

// SandboxState is the observed state of an instance. It is never stored.
type SandboxState string

const (
	StateUnreachable         SandboxState = "unreachable"
	StateStandaloneReachable SandboxState = "standalone"
	StateClusterMember       SandboxState = "cluster_member"
)

// Ledger records reset-or-deploy outcomes. storage.Ledger implements it.
type Ledger interface {
	Record(ctx context.Context, runID string, port int, deployed bool) error
	MarkRemoved(ctx context.Context, runID string, port int) error
}

// Policies holds the retry and poll budgets used by the manager
type Policies struct {
	Start   resilience.RetryPolicy
	Connect resilience.RetryPolicy
	Restart resilience.PollPolicy
}

// DefaultPolicies returns the budgets of the test harness
func DefaultPolicies() Policies {
	return Policies{
		Start:   resilience.RetryPolicy{MaxAttempts: 10, Interval: 2 * time.Second},
		Connect: resilience.RetryPolicy{MaxAttempts: 10, Interval: 2 * time.Second},
		Restart: resilience.PollPolicy{MaxTicks: 10, Interval: time.Second},
	}
}

// Options configures a Manager
type Options struct {
	Host          string
	Credentials   common.Credentials
	SandboxDir    string
	AllowRootFrom string
	Policies      Policies
	// Sleep replaces time.Sleep in retry and poll loops
	Sleep resilience.Sleeper
}

// DefaultOptions returns options for sandboxes on localhost with root/root
func DefaultOptions() Options {
	return Options{
		Host:          common.DefaultHost,
		Credentials:   common.Credentials{User: "root", Password: "root"},
		AllowRootFrom: "%",
		Policies:      DefaultPolicies(),
	}
}

// Manager drives the lifecycle of local sandbox instances
type Manager struct {
	admin     adminapi.Admin
	connector session.Connector
	opts      Options
	ledger    Ledger
	runID     string
	tracer    *monitoring.TracingManager
}

// NewManager creates a sandbox manager
func NewManager(admin adminapi.Admin, connector session.Connector, opts Options) *Manager {
	if opts.Host == "" {
		opts.Host = common.DefaultHost
	}
	return &Manager{
		admin:     admin,
		connector: connector,
		opts:      opts,
	}
}

// WithLedger makes the manager record outcomes under runID
func (m *Manager) WithLedger(ledger Ledger, runID string) *Manager {
	m.ledger = ledger
	m.runID = runID
	return m
}

// WithTracing wraps lifecycle operations in spans
func (m *Manager) WithTracing(tracer *monitoring.TracingManager) *Manager {
	m.tracer = tracer
	return m
}

// Endpoint returns the endpoint of the sandbox on port
func (m *Manager) Endpoint(port int) common.Endpoint {
	return common.Endpoint{Host: m.opts.Host, Port: port}
}

func (m *Manager) sandboxOptions() adminapi.SandboxOptions {
	return adminapi.SandboxOptions{
		SandboxDir:    m.opts.SandboxDir,
		Password:      m.opts.Credentials.Password,
		AllowRootFrom: m.opts.AllowRootFrom,
	}
}

// Connect opens an administrative session with the baseline credentials.
// The caller owns the returned session.
func (m *Manager) Connect(ctx context.Context, port int) (session.Session, error) {
	sess, err := m.connector.Connect(ctx, m.Endpoint(port), m.opts.Credentials)
	if err != nil {
		log.Debug().Err(err).Int("port", port).Msg("Failed connecting to sandbox")
		return nil, err
	}
	log.Debug().Int("port", port).Msg("Connected to sandbox")
	return sess, nil
}

// Start asks the admin API to start the sandbox. A missing sandbox is
// returned as an error; every other failure yields false.
func (m *Manager) Start(ctx context.Context, port int) (bool, error) {
	err := m.admin.StartSandbox(ctx, port, m.sandboxOptions())
	if err == nil {
		log.Info().Int("port", port).Msg("Started sandbox")
		return true, nil
	}
	if adminapi.IsKind(err, adminapi.KindSandboxMissing) {
		return false, err
	}
	log.Warn().Err(err).Int("port", port).Msg("Failed starting sandbox")
	return false, nil
}

// Stop stops the sandbox, logging failures
func (m *Manager) Stop(ctx context.Context, port int) {
	if err := m.admin.StopSandbox(ctx, port, m.sandboxOptions()); err != nil {
		log.Warn().Err(err).Int("port", port).Msg("Failed stopping sandbox")
		return
	}
	log.Info().Int("port", port).Msg("Stopped sandbox")
}

// Delete removes the sandbox, logging failures
func (m *Manager) Delete(ctx context.Context, port int) {
	if err := m.admin.DeleteSandbox(ctx, port, m.sandboxOptions()); err != nil {
		log.Warn().Err(err).Int("port", port).Msg("Failed deleting sandbox")
		return
	}
	log.Info().Int("port", port).Msg("Deleted sandbox")
}

// Cleanup stops and deletes the sandbox
func (m *Manager) Cleanup(ctx context.Context, port int) {
	m.Stop(ctx, port)
	m.Delete(ctx, port)

	if m.ledger != nil {
		if err := m.ledger.MarkRemoved(ctx, m.runID, port); err != nil {
			log.Warn().Err(err).Int("port", port).Msg("Failed recording sandbox removal")
		}
	}
}

// Classify derives the state of a reachable instance on port
func (m *Manager) Classify(ctx context.Context, port int) SandboxState {
	cluster, err := m.admin.GetCluster(ctx, m.Endpoint(port), m.opts.Credentials)
	if err == nil {
		log.Info().Int("port", port).Str("cluster", cluster.Name()).Msg("Cluster found, reboot required")
		m.tracer.SetAttributes(ctx, monitoring.AttrCluster.String(cluster.Name()))
		return StateClusterMember
	}
	if adminapi.IsKind(err, adminapi.KindStandaloneInstance) {
		return StateStandaloneReachable
	}
	// Anything not positively standalone is treated as a member.
	log.Info().Err(err).Int("port", port).Msg("Unable to get cluster from sandbox")
	return StateClusterMember
}

// ResetOrDeploy brings the sandbox on port to a clean baseline. It reuses a
// running standalone instance, restarts a former cluster member, and deploys
// a new instance when nothing can be reached. The result reports whether a
// new instance was deployed, which tells teardown to delete it.
func (m *Manager) ResetOrDeploy(ctx context.Context, port int) (bool, error) {
	var deployed bool
	err := m.tracer.TraceOperation(ctx, "sandbox.reset_or_deploy", func(ctx context.Context) error {
		var err error
		deployed, err = m.resetOrDeploy(ctx, port)
		m.tracer.SetAttributes(ctx, monitoring.AttrDeployed.Bool(deployed))
		return err
	}, monitoring.AttrPort.Int(port), monitoring.AttrRunID.String(m.runID))
	if err != nil {
		return false, err
	}

	if m.ledger != nil {
		if err := m.ledger.Record(ctx, m.runID, port, deployed); err != nil {
			log.Warn().Err(err).Int("port", port).Msg("Failed recording sandbox outcome")
		}
	}
	return deployed, nil
}

func (m *Manager) resetOrDeploy(ctx context.Context, port int) (bool, error) {
	sess, err := m.Connect(ctx, port)
	connected := err == nil

	state := StateUnreachable
	if connected {
		state = m.Classify(ctx, port)
	}
	log.Debug().Int("port", port).Str("state", string(state)).Msg("Classified sandbox")

	if state == StateClusterMember {
		common.SafeClose(sess, "sandbox session")
		sess, connected = nil, false

		log.Info().Int("port", port).Msg("Stopping sandbox for reboot")
		m.Stop(ctx, port)
	}

	if !connected {
		sess = m.restart(ctx, port)
		if sess == nil {
			m.Cleanup(ctx, port)
		}
	}

	if sess != nil {
		defer common.SafeClose(sess, "sandbox session")
		if err := m.lightReset(ctx, sess); err != nil {
			return false, fmt.Errorf("failed to reset sandbox at %d: %w", port, err)
		}
		log.Info().Int("port", port).Msg("Sandbox reset")
		return false, nil
	}

	log.Info().Int("port", port).Msg("Deploying sandbox")
	if err := m.admin.DeploySandbox(ctx, port, m.sandboxOptions()); err != nil {
		return false, fmt.Errorf("failed to deploy sandbox at %d: %w", port, err)
	}
	m.tracer.AddEvent(ctx, "deployed")
	return true, nil
}

// restart starts the sandbox and connects to it within the start and
// connect budgets. A missing sandbox ends the start attempts at once. It
// returns nil when the instance stays unreachable.
func (m *Manager) restart(ctx context.Context, port int) session.Session {
	log.Info().Int("port", port).Msg("Starting sandbox")

	starter := resilience.FromPolicy(fmt.Sprintf("start-%d", port), m.opts.Policies.Start, m.opts.Sleep)
	started, err := starter.Execute(func() (bool, error) {
		return m.Start(ctx, port)
	})
	if err != nil {
		log.Warn().
			Err(err).
			Int("port", port).
			Stringer("kind", adminapi.KindOf(err)).
			Msg("Sandbox cannot be started, it will be redeployed")
		return nil
	}
	if !started {
		return nil
	}

	var sess session.Session
	connector := resilience.FromPolicy(fmt.Sprintf("connect-%d", port), m.opts.Policies.Connect, m.opts.Sleep)
	// Connect failures are transient, so the result is carried by sess.
	connector.Execute(func() (bool, error) {
		s, err := m.Connect(ctx, port)
		if err != nil {
			return false, nil
		}
		sess = s
		return true, nil
	})

	startMetrics, connectMetrics := starter.GetMetrics(), connector.GetMetrics()
	log.Debug().
		Int("port", port).
		Int64("start_attempts", startMetrics.TotalAttempts).
		Int64("connect_attempts", connectMetrics.TotalAttempts).
		Bool("connected", sess != nil).
		Msg("Sandbox restart finished")
	return sess
}

// lightReset drops the cluster metadata without writing it to the binary log
func (m *Manager) lightReset(ctx context.Context, sess session.Session) error {
	if err := sess.RunSQL(ctx, "SET sql_log_bin = 0"); err != nil {
		return err
	}
	if err := session.EnsureSchemaDoesNotExist(ctx, sess, session.MetadataSchema); err != nil {
		return err
	}
	if err := sess.RunSQL(ctx, "FLUSH LOGS"); err != nil {
		return err
	}
	return sess.RunSQL(ctx, "SET sql_log_bin = 1")
}

// TryRestart polls Start until the sandbox comes up or the restart budget
// runs out.
func (m *Manager) TryRestart(ctx context.Context, port int) bool {
	poller := resilience.NewPoller(fmt.Sprintf("restart-%d", port), m.opts.Sleep)
	ok := poller.Wait(m.opts.Policies.Restart, func() bool {
		err := m.admin.StartSandbox(ctx, port, m.sandboxOptions())
		if err != nil {
			log.Debug().Err(err).Int("port", port).Msg("Restart attempt failed")
			return false
		}
		return true
	})

	if ok {
		log.Info().Int("port", port).Msg("Restart succeeded")
	} else {
		log.Warn().Int("port", port).Msg("Restart failed")
	}
	return ok
}

// ResetServerTransactions stops group replication and clears the binary
// logs and GTID sets. Group replication is left stopped.
func (m *Manager) ResetServerTransactions(ctx context.Context, port int) error {
	sess, err := m.Connect(ctx, port)
	if err != nil {
		return fmt.Errorf("failed to connect to sandbox at %d: %w", port, err)
	}
	defer common.SafeClose(sess, "sandbox session")

	if err := sess.RunSQL(ctx, "STOP GROUP_REPLICATION"); err != nil {
		log.Warn().Err(err).Int("port", port).Msg("Error stopping group replication")
	}
	if err := sess.RunSQL(ctx, "RESET MASTER"); err != nil {
		log.Warn().Err(err).Int("port", port).Msg("Error executing RESET MASTER")
	}
	return nil
}

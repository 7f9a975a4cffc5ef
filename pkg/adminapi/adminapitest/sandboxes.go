// Package adminapitest provides an in-memory sandbox host that implements
// adminapi.Admin and session.Connector for tests.
package adminapitest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sandboxrunner/dbsandbox/pkg/adminapi"
	"github.com/sandboxrunner/dbsandbox/pkg/common"
	"github.com/sandboxrunner/dbsandbox/pkg/session"
)

// InstanceState is the simulated state of one sandbox
type InstanceState int

const (
	// Absent means no sandbox directory exists
	Absent InstanceState = iota
	// Stopped means the sandbox exists but mysqld is down
	Stopped
	// Running means the sandbox accepts connections
	Running
)

// Instance is one simulated sandbox
type Instance struct {
	State         InstanceState
	Cluster       string
	ReadOnly      bool
	Schemas       map[string]bool
	SQLLogBin     bool
	Password      string
	AllowRootFrom string
}

// Call records one Admin or Connector invocation
type Call struct {
	Op   string
	Port int
}

// Host simulates the sandboxes of a test machine
type Host struct {
	mu        sync.Mutex
	instances map[int]*Instance
	calls     []Call

	// StartFailures makes the next N start calls on a port fail transiently.
	StartFailures map[int]int
	// ConnectFailures makes the next N connects on a port fail.
	ConnectFailures map[int]int
	// ClusterLookupError, when set, is returned by GetCluster for the port.
	ClusterLookupError map[int]error
	// ReadOnlyTicks clears the read-only flag after N reads.
	ReadOnlyTicks map[int]int
	// SQLError, when set, is returned by every statement run on the port.
	SQLError map[int]error

	openSessions int
}

// NewHost creates an empty host
func NewHost() *Host {
	return &Host{
		instances:       make(map[int]*Instance),
		StartFailures:   make(map[int]int),
		ConnectFailures: make(map[int]int),
		ClusterLookupError:      make(map[int]error),
		ReadOnlyTicks:   make(map[int]int),
		SQLError:        make(map[int]error),
	}
}

// Put installs an instance at port
func (h *Host) Put(port int, inst *Instance) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if inst.Schemas == nil {
		inst.Schemas = make(map[string]bool)
	}
	h.instances[port] = inst
}

// Instance returns a copy of the instance at port
func (h *Host) Instance(port int) (Instance, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	inst, ok := h.instances[port]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// Calls returns the recorded calls
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// CountCalls returns how often op was called for port
func (h *Host) CountCalls(op string, port int) int {
	n := 0
	for _, c := range h.Calls() {
		if c.Op == op && c.Port == port {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log
func (h *Host) ResetCalls() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

// OpenSessions returns the number of sessions not yet closed
func (h *Host) OpenSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.openSessions
}

func (h *Host) record(op string, port int) {
	h.calls = append(h.calls, Call{Op: op, Port: port})
}

// GetCluster implements adminapi.Admin
func (h *Host) GetCluster(_ context.Context, ep common.Endpoint, _ common.Credentials) (adminapi.Cluster, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("get_cluster", ep.Port)

	if err, ok := h.ClusterLookupError[ep.Port]; ok && err != nil {
		return nil, err
	}
	inst, ok := h.instances[ep.Port]
	if !ok || inst.State != Running {
		return nil, adminapi.NewError("get_cluster", ep.Port, adminapi.KindOther, errors.New("connection refused"))
	}
	if inst.Cluster == "" {
		return nil, adminapi.NewError("get_cluster", ep.Port, adminapi.KindStandaloneInstance,
			errors.New("not available through a session to a standalone instance"))
	}
	return &SimCluster{name: inst.Cluster, host: h}, nil
}

// DeploySandbox implements adminapi.Admin
func (h *Host) DeploySandbox(_ context.Context, port int, opts adminapi.SandboxOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("deploy", port)

	if inst, ok := h.instances[port]; ok && inst.State != Absent {
		return adminapi.NewError("deploy_sandbox", port, adminapi.KindOther, errors.New("sandbox already exists"))
	}
	h.instances[port] = &Instance{
		State:         Running,
		Schemas:       make(map[string]bool),
		SQLLogBin:     true,
		Password:      opts.Password,
		AllowRootFrom: opts.AllowRootFrom,
	}
	return nil
}

// StartSandbox implements adminapi.Admin
func (h *Host) StartSandbox(_ context.Context, port int, _ adminapi.SandboxOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("start", port)

	inst, ok := h.instances[port]
	if !ok || inst.State == Absent {
		return adminapi.NewError("start_sandbox", port, adminapi.KindSandboxMissing,
			errors.New("cannot start sandbox because it does not exist"))
	}
	if h.StartFailures[port] > 0 {
		h.StartFailures[port]--
		return adminapi.NewError("start_sandbox", port, adminapi.KindOther, errors.New("start timed out"))
	}
	inst.State = Running
	return nil
}

// StopSandbox implements adminapi.Admin
func (h *Host) StopSandbox(_ context.Context, port int, _ adminapi.SandboxOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("stop", port)

	inst, ok := h.instances[port]
	if !ok || inst.State != Running {
		return adminapi.NewError("stop_sandbox", port, adminapi.KindOther, errors.New("sandbox not running"))
	}
	inst.State = Stopped
	// Group membership does not survive a restart.
	inst.Cluster = ""
	return nil
}

// DeleteSandbox implements adminapi.Admin
func (h *Host) DeleteSandbox(_ context.Context, port int, _ adminapi.SandboxOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("delete", port)

	inst, ok := h.instances[port]
	if !ok {
		return adminapi.NewError("delete_sandbox", port, adminapi.KindSandboxMissing, errors.New("sandbox does not exist"))
	}
	if inst.State == Running {
		return adminapi.NewError("delete_sandbox", port, adminapi.KindOther, errors.New("sandbox is running"))
	}
	delete(h.instances, port)
	return nil
}

// Connect implements session.Connector
func (h *Host) Connect(_ context.Context, ep common.Endpoint, _ common.Credentials) (session.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("connect", ep.Port)

	if h.ConnectFailures[ep.Port] > 0 {
		h.ConnectFailures[ep.Port]--
		return nil, fmt.Errorf("connect to %s: connection refused", ep)
	}
	inst, ok := h.instances[ep.Port]
	if !ok || inst.State != Running {
		return nil, fmt.Errorf("connect to %s: connection refused", ep)
	}
	h.openSessions++
	return &SimSession{host: h, port: ep.Port}, nil
}

// SimSession is a session on a simulated instance
type SimSession struct {
	host       *Host
	port       int
	closed     bool
	Statements []string
}

// RunSQL understands the statements issued by the sandbox and replication
// packages.
func (s *SimSession) RunSQL(_ context.Context, statement string) error {
	h := s.host
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed {
		return errors.New("session closed")
	}
	inst, ok := h.instances[s.port]
	if !ok || inst.State != Running {
		return errors.New("lost connection to server")
	}
	s.Statements = append(s.Statements, statement)
	h.record("sql", s.port)

	if err, ok := h.SQLError[s.port]; ok && err != nil {
		return err
	}

	switch statement {
	case "SET sql_log_bin = 0":
		inst.SQLLogBin = false
	case "SET sql_log_bin = 1":
		inst.SQLLogBin = true
	case "DROP SCHEMA IF EXISTS " + session.QuoteIdentifier(session.MetadataSchema):
		delete(inst.Schemas, session.MetadataSchema)
	case "STOP GROUP_REPLICATION":
		if inst.Cluster == "" {
			return errors.New("group replication is not running")
		}
		inst.Cluster = ""
	}
	return nil
}

// QueryString answers SELECT @@super_read_only
func (s *SimSession) QueryString(_ context.Context, query string) (string, error) {
	h := s.host
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed {
		return "", errors.New("session closed")
	}
	inst, ok := h.instances[s.port]
	if !ok || inst.State != Running {
		return "", errors.New("lost connection to server")
	}
	h.record("query", s.port)

	if query != "SELECT @@super_read_only" {
		return "", fmt.Errorf("unsupported query %q", query)
	}
	if inst.ReadOnly && h.ReadOnlyTicks[s.port] > 0 {
		h.ReadOnlyTicks[s.port]--
		if h.ReadOnlyTicks[s.port] == 0 {
			inst.ReadOnly = false
		}
		return "1", nil
	}
	if inst.ReadOnly {
		return "1", nil
	}
	return "0", nil
}

// Close implements session.Session
func (s *SimSession) Close() error {
	h := s.host
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return errors.New("session already closed")
	}
	s.closed = true
	h.openSessions--
	return nil
}

// SimCluster is the cluster handle returned by Host.GetCluster
type SimCluster struct {
	name string
	host *Host
}

// Name implements adminapi.Cluster
func (c *SimCluster) Name() string { return c.name }

// AddInstance implements adminapi.Cluster
func (c *SimCluster) AddInstance(_ context.Context, opts adminapi.AddInstanceOptions) error {
	h := c.host
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("add_instance", opts.Port)

	inst, ok := h.instances[opts.Port]
	if !ok || inst.State != Running {
		return adminapi.NewError("add_instance", opts.Port, adminapi.KindOther, errors.New("instance unreachable"))
	}
	inst.Cluster = c.name
	return nil
}

// RemoveInstance implements adminapi.Cluster
func (c *SimCluster) RemoveInstance(_ context.Context, ep common.Endpoint) error {
	h := c.host
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("remove_instance", ep.Port)

	inst, ok := h.instances[ep.Port]
	if !ok || inst.Cluster != c.name {
		return adminapi.NewError("remove_instance", ep.Port, adminapi.KindOther, errors.New("instance is not a member"))
	}
	inst.Cluster = ""
	return nil
}

// Describe implements adminapi.Cluster
func (c *SimCluster) Describe(context.Context) (string, error) {
	return fmt.Sprintf(`{"clusterName":%q}`, c.name), nil
}

// Status implements adminapi.Cluster
func (c *SimCluster) Status(context.Context) (*adminapi.TopologyReport, error) {
	h := c.host
	h.mu.Lock()
	defer h.mu.Unlock()

	report := &adminapi.TopologyReport{ClusterName: c.name, Members: make(map[string]adminapi.MemberStatus)}
	for port, inst := range h.instances {
		if inst.Cluster != c.name {
			continue
		}
		addr := common.LocalEndpoint(port).String()
		status := adminapi.StatusOnline
		if inst.State != Running {
			status = adminapi.StatusMissing
		}
		report.Members[addr] = adminapi.MemberStatus{Address: addr, Status: status}
	}
	return report, nil
}

// Dissolve implements adminapi.Cluster
func (c *SimCluster) Dissolve(context.Context) error {
	h := c.host
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, inst := range h.instances {
		if inst.Cluster == c.name {
			inst.Cluster = ""
			delete(inst.Schemas, session.MetadataSchema)
		}
	}
	return nil
}

package adminapi

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/dbsandbox/pkg/common"
)

// CommandRunner runs an external command, streaming its output to the given
// writers.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

// Run implements CommandRunner
func (ExecRunner) Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// ShellConfig configures the MySQL Shell backed administration client
type ShellConfig struct {
	Path      string
	Timeout   time.Duration
	MaxOutput int
}

// DefaultShellConfig returns defaults that expect mysqlsh on PATH
func DefaultShellConfig() ShellConfig {
	return ShellConfig{
		Path:      "mysqlsh",
		Timeout:   5 * time.Minute,
		MaxOutput: 1024 * 1024,
	}
}

// ShellAdmin implements Admin through the mysqlsh command line API
// (mysqlsh [uri] --json=raw -- <object> <operation> [args]).
type ShellAdmin struct {
	config ShellConfig
	runner CommandRunner
}

// NewShellAdmin creates a mysqlsh backed Admin. A nil runner uses os/exec.
func NewShellAdmin(config ShellConfig, runner CommandRunner) *ShellAdmin {
	defaults := DefaultShellConfig()
	if config.Path == "" {
		config.Path = defaults.Path
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxOutput <= 0 {
		config.MaxOutput = defaults.MaxOutput
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &ShellAdmin{config: config, runner: runner}
}

// GetCluster implements Admin
func (a *ShellAdmin) GetCluster(ctx context.Context, ep common.Endpoint, creds common.Credentials) (Cluster, error) {
	uri := creds.URI(ep)
	out, err := a.run(ctx, "get_cluster", ep.Port, uri, "cluster", "status")
	if err != nil {
		return nil, err
	}

	report, err := ParseStatus(out)
	if err != nil {
		return nil, NewError("get_cluster", ep.Port, KindOther, err)
	}

	return &shellCluster{admin: a, uri: uri, port: ep.Port, name: report.ClusterName}, nil
}

// DeploySandbox implements Admin
func (a *ShellAdmin) DeploySandbox(ctx context.Context, port int, opts SandboxOptions) error {
	args := []string{"dba", "deploy-sandbox-instance", strconv.Itoa(port)}
	args = append(args, sandboxArgs(opts, true, true)...)
	_, err := a.run(ctx, "deploy_sandbox", port, "", args...)
	return err
}

// StartSandbox implements Admin
func (a *ShellAdmin) StartSandbox(ctx context.Context, port int, opts SandboxOptions) error {
	args := []string{"dba", "start-sandbox-instance", strconv.Itoa(port)}
	args = append(args, sandboxArgs(opts, false, false)...)
	_, err := a.run(ctx, "start_sandbox", port, "", args...)
	return err
}

// StopSandbox implements Admin
func (a *ShellAdmin) StopSandbox(ctx context.Context, port int, opts SandboxOptions) error {
	args := []string{"dba", "stop-sandbox-instance", strconv.Itoa(port)}
	args = append(args, sandboxArgs(opts, true, false)...)
	_, err := a.run(ctx, "stop_sandbox", port, "", args...)
	return err
}

// DeleteSandbox implements Admin
func (a *ShellAdmin) DeleteSandbox(ctx context.Context, port int, opts SandboxOptions) error {
	args := []string{"dba", "delete-sandbox-instance", strconv.Itoa(port)}
	args = append(args, sandboxArgs(opts, false, false)...)
	_, err := a.run(ctx, "delete_sandbox", port, "", args...)
	return err
}

func sandboxArgs(opts SandboxOptions, withPassword, withAllowRoot bool) []string {
	var args []string
	if opts.SandboxDir != "" {
		args = append(args, "--sandbox-dir="+opts.SandboxDir)
	}
	if withPassword && opts.Password != "" {
		args = append(args, "--password="+opts.Password)
	}
	if withAllowRoot && opts.AllowRootFrom != "" {
		args = append(args, "--allow-root-from="+opts.AllowRootFrom)
	}
	return args
}

// run executes one mysqlsh command line API call and returns its stdout. A
// failed call is returned as *Error with its kind derived from the output.
func (a *ShellAdmin) run(ctx context.Context, op string, port int, uri string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	argv := make([]string, 0, len(args)+3)
	if uri != "" {
		argv = append(argv, uri)
	}
	argv = append(argv, "--json=raw", "--")
	argv = append(argv, args...)

	stdout := common.NewSafeBuffer(a.config.MaxOutput)
	stderr := common.NewSafeBuffer(a.config.MaxOutput)

	log.Debug().
		Str("op", op).
		Int("port", port).
		Strs("args", redact(argv)).
		Msg("Running mysqlsh")

	start := time.Now()
	err := a.runner.Run(ctx, a.config.Path, argv, stdout, stderr)
	out := stdout.Bytes()

	msg, failed := shellError(out)
	if err == nil && !failed {
		return out, nil
	}

	detail := msg
	if !failed {
		detail = strings.TrimSpace(stderr.String() + "\n" + string(out))
	}
	if detail == "" && err != nil {
		detail = err.Error()
	}
	if detail == "" {
		detail = "mysqlsh reported an error without a message"
	}
	kind := classify(detail)

	log.Debug().
		AnErr("exec_error", err).
		Str("op", op).
		Int("port", port).
		Str("kind", kind.String()).
		Dur("duration", time.Since(start)).
		Msg("mysqlsh call failed")

	return nil, NewError(op, port, kind, errors.New(common.TruncateString(detail, 2048)))
}

// classify maps administration tool output onto an error kind. Output text
// is the only signal a child process gives, so this is the single place it
// is inspected.
func classify(output string) ErrorKind {
	msg := strings.ToLower(output)
	switch {
	case strings.Contains(msg, "because it does not exist"),
		strings.Contains(msg, "sandbox directory") && strings.Contains(msg, "does not exist"):
		return KindSandboxMissing
	case strings.Contains(msg, "standalone instance"):
		return KindStandaloneInstance
	case strings.Contains(msg, "metadata schema does not exist"),
		strings.Contains(msg, "metadata schema not found"):
		return KindNoCluster
	default:
		return KindOther
	}
}

func redact(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--password="):
			out[i] = "--password=****"
		case strings.Contains(arg, "@") && strings.Contains(arg, ":") && !strings.HasPrefix(arg, "-"):
			out[i] = redactURI(arg)
		default:
			out[i] = arg
		}
	}
	return out
}

func redactURI(uri string) string {
	at := strings.LastIndex(uri, "@")
	userInfo := uri[:at]
	scheme := ""
	if idx := strings.Index(userInfo, "://"); idx >= 0 {
		scheme = userInfo[:idx+3]
		userInfo = userInfo[idx+3:]
	}
	if colon := strings.Index(userInfo, ":"); colon >= 0 {
		userInfo = userInfo[:colon] + ":****"
	}
	return scheme + userInfo + uri[at:]
}

// shellCluster is a Cluster reached through a session URI on one member
type shellCluster struct {
	admin *ShellAdmin
	uri   string
	port  int
	name  string
}

func (c *shellCluster) Name() string {
	return c.name
}

func (c *shellCluster) AddInstance(ctx context.Context, opts AddInstanceOptions) error {
	target := opts
	if target.Host == "" {
		target.Host = common.DefaultHost
	}
	uri := target.URI()
	if opts.Password != "" {
		uri = strings.Replace(uri, target.DBUser+"@", target.DBUser+":"+opts.Password+"@", 1)
	}

	args := []string{"cluster", "add-instance", uri}
	if opts.Label != "" {
		args = append(args, "--label="+opts.Label)
	}
	_, err := c.admin.run(ctx, "add_instance", opts.Port, c.uri, args...)
	return err
}

func (c *shellCluster) RemoveInstance(ctx context.Context, ep common.Endpoint) error {
	_, err := c.admin.run(ctx, "remove_instance", ep.Port, c.uri, "cluster", "remove-instance", ep.String(), "--force")
	return err
}

func (c *shellCluster) Describe(ctx context.Context) (string, error) {
	out, err := c.admin.run(ctx, "describe", c.port, c.uri, "cluster", "describe")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *shellCluster) Status(ctx context.Context) (*TopologyReport, error) {
	out, err := c.admin.run(ctx, "status", c.port, c.uri, "cluster", "status")
	if err != nil {
		return nil, err
	}
	report, err := ParseStatus(out)
	if err != nil {
		return nil, NewError("status", c.port, KindOther, err)
	}
	return report, nil
}

func (c *shellCluster) Dissolve(ctx context.Context) error {
	_, err := c.admin.run(ctx, "dissolve", c.port, c.uri, "cluster", "dissolve", "--force")
	return err
}

package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sandboxrunner/dbsandbox/pkg/adminapi"
	"github.com/sandboxrunner/dbsandbox/pkg/cluster"
	"github.com/sandboxrunner/dbsandbox/pkg/config"
	"github.com/sandboxrunner/dbsandbox/pkg/monitoring"
	"github.com/sandboxrunner/dbsandbox/pkg/replication"
	"github.com/sandboxrunner/dbsandbox/pkg/resilience"
	"github.com/sandboxrunner/dbsandbox/pkg/sandbox"
	"github.com/sandboxrunner/dbsandbox/pkg/session"
	"github.com/sandboxrunner/dbsandbox/pkg/storage"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

func stateLabel(state string) string {
	switch state {
	case storage.StateDeployed:
		return green(state)
	case storage.StateReset:
		return yellow(state)
	default:
		return faint(state)
	}
}

// app wires the collaborators shared by the lifecycle commands
type app struct {
	cfg       *config.Config
	admin     adminapi.Admin
	connector session.Connector
	ledger    *storage.Ledger
	tracer    *monitoring.TracingManager
	sleep     resilience.Sleeper
}

// newApp is replaced in tests
var newApp = buildApp

func buildApp(cfg *config.Config) (*app, error) {
	if err := cfg.CreateDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	a := &app{
		cfg: cfg,
		admin: adminapi.NewShellAdmin(adminapi.ShellConfig{
			Path:      cfg.Shell.Path,
			Timeout:   cfg.Shell.Timeout,
			MaxOutput: cfg.Shell.MaxOutputSize,
		}, adminapi.ExecRunner{}),
		connector: session.NewMySQLConnector(session.DefaultMySQLConfig()),
	}

	if cfg.Ledger.Enabled {
		ledger, err := storage.OpenLedger(cfg.Ledger.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger: %w", err)
		}
		a.ledger = ledger
	}

	tracer, err := monitoring.NewTracingManager(&monitoring.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Exporter:       monitoring.TracingExporter(cfg.Tracing.Exporter),
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       true,
		SamplingRatio:  cfg.Tracing.SamplingRatio,
		ExportTimeout:  10 * time.Second,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.tracer = tracer

	return a, nil
}

// Close releases the ledger and flushes pending spans
func (a *app) Close() {
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close ledger")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down tracing")
	}
}

func (a *app) manager(runID string) *sandbox.Manager {
	m := sandbox.NewManager(a.admin, a.connector, sandbox.Options{
		Host:          a.cfg.Sandbox.Host,
		Credentials:   a.cfg.Credentials(),
		SandboxDir:    a.cfg.Sandbox.Directory,
		AllowRootFrom: a.cfg.Sandbox.AllowRootFrom,
		Policies: sandbox.Policies{
			Start:   a.cfg.Policies.Start,
			Connect: a.cfg.Policies.Connect,
			Restart: a.cfg.Policies.Restart,
		},
		Sleep: a.sleep,
	}).WithTracing(a.tracer)

	if a.ledger != nil {
		m.WithLedger(a.ledger, runID)
	}
	return m
}

func (a *app) orchestrator() *cluster.Orchestrator {
	return cluster.NewOrchestrator(adminapi.AddInstanceOptions{
		DBUser:   a.cfg.Cluster.DBUser,
		Host:     a.cfg.Cluster.Host,
		Password: a.cfg.Cluster.Password,
		Scheme:   a.cfg.Cluster.Scheme,
	}, a.cfg.Policies.AddInstance, a.sleep)
}

func (a *app) watcher() *replication.Watcher {
	return replication.NewWatcher(a.connector, a.cfg.Credentials(), a.cfg.Policies.Poll, a.sleep)
}

func (a *app) cluster(ctx context.Context, seedPort int) (adminapi.Cluster, error) {
	c, err := a.admin.GetCluster(ctx, a.cfg.Endpoint(seedPort), a.cfg.Credentials())
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster through port %d: %w", seedPort, err)
	}
	return c, nil
}

// withApp loads configuration, sets up logging and runs fn with a wired app
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog, err := setupLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer closeLog()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(cmd.Context(), a)
}

// parsePorts converts args to ports, falling back to defaults when empty
func parsePorts(args []string, defaults []int) ([]int, error) {
	if len(args) == 0 {
		return defaults, nil
	}
	ports := make([]int, 0, len(args))
	for _, arg := range args {
		port, err := parsePort(arg)
		if err != nil {
			return nil, err
		}
		ports = append(ports, port)
	}
	return ports, nil
}

func parsePort(arg string) (int, error) {
	port, err := strconv.Atoi(arg)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", arg)
	}
	return port, nil
}

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup [port...]",
		Short: "Reset or deploy the sandboxes of a test run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ports, err := parsePorts(args, a.cfg.Sandbox.Ports)
				if err != nil {
					return err
				}

				runID := storage.NewRunID()
				deployed, err := a.manager(runID).ResetOrDeployAll(ctx, ports)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "run %s: ports %v ready, deployed=%t\n", runID, ports, deployed)
				return nil
			})
		},
	}
}

func newTeardownCmd() *cobra.Command {
	var deployed bool

	cmd := &cobra.Command{
		Use:   "teardown [port...]",
		Short: "Delete sandboxes deployed by setup and reset the reused ones",
		Long: `Deletes every sandbox the ledger records as deployed by a setup run and
returns the others to their baseline. Without a ledger, --deployed decides
for all ports.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			forced := cmd.Flags().Changed("deployed")

			return withApp(cmd, func(ctx context.Context, a *app) error {
				ports, err := parsePorts(args, a.cfg.Sandbox.Ports)
				if err != nil {
					return err
				}

				m := a.manager(storage.NewRunID())
				for _, port := range ports {
					remove := deployed
					if !forced && a.ledger != nil {
						remove, err = a.ledger.DeployedHere(ctx, []int{port})
						if err != nil {
							return err
						}
					}

					if err := m.CleanupOrReset(ctx, port, remove); err != nil {
						return err
					}
					action := "reset"
					if remove {
						action = "deleted"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "port %d: %s\n", port, action)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&deployed, "deployed", false, "treat every port as deployed by setup")
	return cmd
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <port>",
		Short: "Start a stopped sandbox, polling until it comes up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if !a.manager("").TryRestart(ctx, port) {
					return fmt.Errorf("sandbox at %d did not restart", port)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "port %d: restarted\n", port)
				return nil
			})
		},
	}
}

func newResetTrxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-trx [port...]",
		Short: "Stop group replication and clear binary logs and GTIDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ports, err := parsePorts(args, a.cfg.Sandbox.Ports)
				if err != nil {
					return err
				}
				a.manager("").ResetAllServerTransactions(ctx, ports)
				return nil
			})
		},
	}
}

func newAddInstanceCmd() *cobra.Command {
	var label string
	var wait bool

	cmd := &cobra.Command{
		Use:   "add-instance <seed-port> <port>",
		Short: "Add a sandbox to the cluster reachable through seed-port",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := parsePort(args[0])
			if err != nil {
				return err
			}
			port, err := parsePort(args[1])
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				c, err := a.cluster(ctx, seed)
				if err != nil {
					return err
				}
				if err := a.orchestrator().AddInstance(ctx, c, port, label); err != nil {
					return err
				}
				if wait && !a.watcher().WaitSlaveState(ctx, c, a.cfg.Endpoint(port), adminapi.StatusOnline) {
					return fmt.Errorf("instance %d added but not %s", port, adminapi.StatusOnline)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "port %d: added to %s\n", port, c.Name())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "instance label")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the instance to be ONLINE")
	return cmd
}

func newRemoveInstanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-instance <seed-port> <port>",
		Short: "Remove a sandbox from the cluster reachable through seed-port",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := parsePort(args[0])
			if err != nil {
				return err
			}
			port, err := parsePort(args[1])
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				c, err := a.cluster(ctx, seed)
				if err != nil {
					return err
				}
				if err := a.orchestrator().RemoveInstance(ctx, c, port); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "port %d: removed from %s\n", port, c.Name())
				return nil
			})
		},
	}
}

func newDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <seed-port>",
		Short: "Print the topology of the cluster reachable through seed-port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := parsePort(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				c, err := a.cluster(ctx, seed)
				if err != nil {
					return err
				}
				description, err := c.Describe(ctx)
				if err != nil {
					return fmt.Errorf("failed to describe cluster %s: %w", c.Name(), err)
				}
				report, err := c.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to read status of cluster %s: %w", c.Name(), err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, description)
				for _, addr := range report.Addresses() {
					fmt.Fprintf(out, "%s\t%s\n", addr, report.Members[addr].Status)
				}
				return nil
			})
		},
	}
}

func newDissolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dissolve <seed-port>",
		Short: "Dissolve the cluster reachable through seed-port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := parsePort(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				c, err := a.cluster(ctx, seed)
				if err != nil {
					return err
				}
				if err := c.Dissolve(ctx); err != nil {
					return fmt.Errorf("failed to dissolve cluster %s: %w", c.Name(), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cluster %s dissolved\n", c.Name())
				return nil
			})
		},
	}
}

func newWaitOnlineCmd() *cobra.Command {
	var states []string

	cmd := &cobra.Command{
		Use:   "wait-online <seed-port> <port>",
		Short: "Wait until the cluster reports the sandbox in one of the given states",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := parsePort(args[0])
			if err != nil {
				return err
			}
			port, err := parsePort(args[1])
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				c, err := a.cluster(ctx, seed)
				if err != nil {
					return err
				}
				if !a.watcher().WaitSlaveState(ctx, c, a.cfg.Endpoint(port), states...) {
					return fmt.Errorf("instance %d did not reach %v", port, states)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "port %d: reached %v\n", port, states)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", []string{adminapi.StatusOnline}, "accepted replica states")
	return cmd
}

func newWaitWritableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wait-writable <port>",
		Short: "Wait until the sandbox clears super_read_only",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if !a.watcher().WaitSuperReadOnlyDone(ctx, a.cfg.Endpoint(port)) {
					return fmt.Errorf("sandbox at %d is still read-only", port)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "port %d: writable\n", port)
				return nil
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	var historyPort int
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List the sandboxes recorded in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.ledger == nil {
					return fmt.Errorf("ledger is disabled")
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				if historyPort > 0 {
					events, err := a.ledger.History(ctx, historyPort, limit)
					if err != nil {
						return err
					}
					fmt.Fprintln(w, "TIME\tACTION\tSTATE\tRUN")
					for _, e := range events {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
							e.CreatedAt.Format(time.RFC3339), e.Action, stateLabel(e.State), e.RunID)
					}
					return w.Flush()
				}

				deployments, err := a.ledger.List(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "PORT\tSTATE\tDEPLOYED HERE\tRUN\tUPDATED")
				for _, d := range deployments {
					fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%s\n",
						d.Port, stateLabel(d.State), d.DeployedHere, d.RunID, d.UpdatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&historyPort, "history", 0, "show the ledger history of one port")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum history entries")
	return cmd
}

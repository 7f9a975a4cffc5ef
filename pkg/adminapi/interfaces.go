// Package adminapi describes the cluster administration API that sandbox and
// cluster orchestration is built against, and provides an implementation
// backed by the MySQL Shell command line.
package adminapi

import (
	"context"

	"github.com/sandboxrunner/dbsandbox/pkg/common"
)

// Admin is the administration entry point: sandbox provisioning and cluster
// discovery.
type Admin interface {
	// GetCluster returns the cluster the instance at ep belongs to. Failures
	// carry a Kind; KindStandaloneInstance means the instance is reachable
	// and belongs to no cluster.
	GetCluster(ctx context.Context, ep common.Endpoint, creds common.Credentials) (Cluster, error)

	DeploySandbox(ctx context.Context, port int, opts SandboxOptions) error
	// StartSandbox fails with KindSandboxMissing when the sandbox directory
	// for port does not exist.
	StartSandbox(ctx context.Context, port int, opts SandboxOptions) error
	StopSandbox(ctx context.Context, port int, opts SandboxOptions) error
	DeleteSandbox(ctx context.Context, port int, opts SandboxOptions) error
}

// Cluster is a handle on a managed replication group
type Cluster interface {
	Name() string
	AddInstance(ctx context.Context, opts AddInstanceOptions) error
	RemoveInstance(ctx context.Context, ep common.Endpoint) error
	Describe(ctx context.Context) (string, error)
	// Status returns a fresh topology snapshot on every call.
	Status(ctx context.Context) (*TopologyReport, error)
	Dissolve(ctx context.Context) error
}

package adminapi

import (
	"fmt"
	"sort"

	"github.com/sandboxrunner/dbsandbox/pkg/common"
)

// Replica status values reported in a topology
const (
	StatusOnline      = "ONLINE"
	StatusRecovering  = "RECOVERING"
	StatusOffline     = "OFFLINE"
	StatusUnreachable = "UNREACHABLE"
	StatusError       = "ERROR"
	StatusMissing     = "(MISSING)"
)

// SandboxOptions are the options accepted by the sandbox operations. Empty
// fields are not passed to the administration tool.
type SandboxOptions struct {
	SandboxDir    string `json:"sandboxDir,omitempty"`
	Password      string `json:"password,omitempty"`
	AllowRootFrom string `json:"allowRootFrom,omitempty"`
}

// AddInstanceOptions describes the instance to add to a cluster
type AddInstanceOptions struct {
	DBUser   string `json:"dbUser,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Password string `json:"-"`
	Label    string `json:"label,omitempty"`
	Scheme   string `json:"scheme,omitempty"`
}

// Endpoint returns the endpoint the options point at
func (o AddInstanceOptions) Endpoint() common.Endpoint {
	return common.Endpoint{Host: o.Host, Port: o.Port}
}

// URI renders [scheme://]user@host:port without the password
func (o AddInstanceOptions) URI() string {
	uri := fmt.Sprintf("%s@%s", o.DBUser, o.Endpoint().String())
	if o.Scheme != "" {
		uri = o.Scheme + "://" + uri
	}
	return uri
}

// MemberStatus is one member of a topology report
type MemberStatus struct {
	Address string `json:"address"`
	Status  string `json:"status"`
	Mode    string `json:"mode"`
	Role    string `json:"role"`
}

// TopologyReport maps each member address (host:port) to its status
type TopologyReport struct {
	ClusterName string                  `json:"clusterName"`
	Members     map[string]MemberStatus `json:"members"`
}

// StatusOf returns the replica status of ep
func (r *TopologyReport) StatusOf(ep common.Endpoint) (string, bool) {
	if r == nil {
		return "", false
	}
	member, ok := r.Members[ep.String()]
	if !ok {
		return "", false
	}
	return member.Status, true
}

// Addresses returns the member addresses in sorted order
func (r *TopologyReport) Addresses() []string {
	if r == nil {
		return nil
	}
	addrs := make([]string, 0, len(r.Members))
	for addr := range r.Members {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

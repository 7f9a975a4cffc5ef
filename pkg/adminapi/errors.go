package adminapi

import (
	"errors"
	"fmt"
)

// ErrorKind classifies administration failures
type ErrorKind int

const (
	// KindOther is any failure with no special handling
	KindOther ErrorKind = iota
	// KindSandboxMissing means the sandbox has no backing directory
	KindSandboxMissing
	// KindStandaloneInstance means the instance belongs to no cluster
	KindStandaloneInstance
	// KindNoCluster means the cluster metadata could not be found
	KindNoCluster
)

func (k ErrorKind) String() string {
	switch k {
	case KindSandboxMissing:
		return "sandbox_missing"
	case KindStandaloneInstance:
		return "standalone_instance"
	case KindNoCluster:
		return "no_cluster"
	default:
		return "other"
	}
}

// Error is returned by every Admin and Cluster implementation
type Error struct {
	Op   string
	Port int
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Port != 0 {
		return fmt.Sprintf("%s (port %d): %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an administration error
func NewError(op string, port int, kind ErrorKind, err error) *Error {
	return &Error{Op: op, Port: port, Kind: kind, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindOther
func KindOf(err error) ErrorKind {
	var adminErr *Error
	if errors.As(err, &adminErr) {
		return adminErr.Kind
	}
	return KindOther
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

package common

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// DefaultHost is the host every sandbox instance listens on
const DefaultHost = "localhost"

// Endpoint identifies a sandbox instance. Within a run the port alone is
// unique.
type Endpoint struct {
	Host string `json:"host" yaml:"host" mapstructure:"host"`
	Port int    `json:"port" yaml:"port" mapstructure:"port"`
}

// LocalEndpoint returns the endpoint of a sandbox on localhost
func LocalEndpoint(port int) Endpoint {
	return Endpoint{Host: DefaultHost, Port: port}
}

// HostOrDefault returns the configured host, or localhost when unset
func (e Endpoint) HostOrDefault() string {
	if e.Host == "" {
		return DefaultHost
	}
	return e.Host
}

// String renders host:port, the key used in topology reports
func (e Endpoint) String() string {
	return net.JoinHostPort(e.HostOrDefault(), strconv.Itoa(e.Port))
}

// Credentials holds the account used for administrative sessions
type Credentials struct {
	User     string `json:"user" yaml:"user" mapstructure:"user"`
	Password string `json:"-" yaml:"password" mapstructure:"password"`
}

// URI renders user:password@host:port
func (c Credentials) URI(ep Endpoint) string {
	return fmt.Sprintf("%s:%s@%s", c.User, c.Password, ep.String())
}

// SafeBuffer provides a thread-safe buffer for capturing output
type SafeBuffer struct {
	mu      sync.RWMutex
	buffer  bytes.Buffer
	maxSize int
}

// NewSafeBuffer creates a new safe buffer with optional max size
func NewSafeBuffer(maxSize int) *SafeBuffer {
	if maxSize <= 0 {
		maxSize = 1024 * 1024 // Default 1MB
	}

	return &SafeBuffer{
		maxSize: maxSize,
	}
}

// Write implements io.Writer. The oldest bytes are dropped once maxSize is
// reached.
func (sb *SafeBuffer) Write(p []byte) (n int, err error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.buffer.Len()+len(p) > sb.maxSize {
		excess := sb.buffer.Len() + len(p) - sb.maxSize
		if excess > sb.buffer.Len() {
			sb.buffer.Reset()
			_, err = sb.buffer.Write(p[len(p)-sb.maxSize:])
			return len(p), err
		}
		sb.buffer.Next(excess)
	}

	return sb.buffer.Write(p)
}

// String returns the buffer contents as a string
func (sb *SafeBuffer) String() string {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.buffer.String()
}

// Bytes returns a copy of the buffer contents
func (sb *SafeBuffer) Bytes() []byte {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return append([]byte(nil), sb.buffer.Bytes()...)
}

// Len returns the buffer length
func (sb *SafeBuffer) Len() int {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.buffer.Len()
}

// Reset resets the buffer
func (sb *SafeBuffer) Reset() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.buffer.Reset()
}

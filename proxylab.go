package proxylab

import (
	"errors"
	"time"
)

// Defaults for the connection-handling engine.
const (
	// DefaultRequestBufferSize is the byte budget for the initial client read.
	DefaultRequestBufferSize = 8192

	// DefaultRelayChunkSize is the largest chunk moved per read in a tunnel.
	DefaultRelayChunkSize = 8192

	// DefaultConnectTimeout bounds every outbound dial.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultIdleTimeout is the tunnel liveness window.
	DefaultIdleTimeout = 5 * time.Second

	// DefaultReadTimeout bounds the initial client read and each read of an
	// upstream response.
	DefaultReadTimeout = 10 * time.Second

	// DefaultMaxConnections caps concurrently handled connections.
	DefaultMaxConnections = 1024

	// DefaultMaxResponseSize caps a forwarded (non-CONNECT) response.
	DefaultMaxResponseSize = 10 * MB

	DefaultHTTPPort  = 80
	DefaultHTTPSPort = 443
)

var (
	// ErrAlreadyRunning is returned by Start when the listener is active.
	ErrAlreadyRunning = errors.New("proxy already running")

	// ErrNotRunning is returned by Stop when there is no active listener.
	ErrNotRunning = errors.New("proxy not running")

	// ErrEmptyPattern is returned when a block pattern normalizes to "".
	ErrEmptyPattern = errors.New("empty block pattern")
)

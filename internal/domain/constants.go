package domain

import "time"

const (
	DefaultProtocolVersion = "2025-03-26"

	// DefaultHandshakeTimeout bounds the MCP initialize exchange when a
	// connection is first established.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultIdleTimeout is how long a connection may sit without calls
	// before the manager reclaims it.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultStopGrace is how long a spawned process gets to exit after its
	// stdin is closed before it is killed.
	DefaultStopGrace = 3 * time.Second

	// RateWindow is the sliding window every call-rate ceiling is evaluated
	// over.
	RateWindow = 60 * time.Second

	DefaultPriority = 5

	DefaultExecRuntime    = 30 * time.Second
	DefaultExecLogEntries = 100
	MaxExecRuntime        = 5 * time.Minute
	MaxExecLogEntries     = 1000
)

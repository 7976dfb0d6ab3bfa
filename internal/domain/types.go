package domain

import "time"

// TransportKind discriminates how a server is reached.
type TransportKind string

const (
	// TransportStdio: the orchestrator spawns the server as a child process
	// and speaks JSON-RPC over its standard input/output streams.
	TransportStdio TransportKind = "stdio"

	// TransportStreamableHTTP: the server is a remote endpoint reached over
	// HTTP. No process is spawned.
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// Sensitivity is the trust/cost tier of a server. It drives how strict the
// derived execution policy is: higher sensitivity means a shorter timeout and
// a lower call-rate ceiling.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Visibility is the discoverability tier of a server. Non-default tiers are
// hidden from unfiltered discovery and require explicit allow-listing before
// they can be called.
type Visibility string

const (
	VisibilityDefault      Visibility = "default"
	VisibilityOptIn        Visibility = "opt_in"
	VisibilityExperimental Visibility = "experimental"
)

// StdioConfig holds the launch parameters for a spawned-process server.
type StdioConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
}

// HTTPConfig holds the connection parameters for a remote HTTP server.
type HTTPConfig struct {
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// ServerDescriptor is one static registry record. Descriptors are immutable
// once the registry is loaded. Exactly one of Stdio/HTTP is set, matching
// Transport. Priority is a ranking tiebreaker only, never access control.
type ServerDescriptor struct {
	ID                string        `json:"id"`
	Title             string        `json:"title"`
	Summary           string        `json:"summary,omitempty"`
	Transport         TransportKind `json:"transport"`
	Stdio             *StdioConfig  `json:"stdio,omitempty"`
	HTTP              *HTTPConfig   `json:"http,omitempty"`
	Domains           []string      `json:"domains,omitempty"`
	Tags              []string      `json:"tags,omitempty"`
	Examples          []string      `json:"examples,omitempty"`
	Sensitivity       Sensitivity   `json:"sensitivity"`
	Visibility        Visibility    `json:"visibility"`
	Priority          int           `json:"priority"`
	AutoDiscoverTools bool          `json:"autoDiscoverTools,omitempty"`
}

// ExecutionPolicy is derived on demand from a descriptor's trust metadata.
// Two descriptors with identical sensitivity and visibility always yield
// identical policies. Policies are never persisted.
type ExecutionPolicy struct {
	Timeout           time.Duration
	MaxCallsPerWindow int
	Window            time.Duration
	RequiresOptIn     bool
}

// ConnState is the lifecycle state of the single client connection owned by
// a server id. Closed and Errored are terminal: the next call dials a fresh
// connection instead of reviving the old one.
type ConnState string

const (
	ConnIdle     ConnState = "idle"
	ConnStarting ConnState = "starting"
	ConnReady    ConnState = "ready"
	ConnClosing  ConnState = "closing"
	ConnClosed   ConnState = "closed"
	ConnErrored  ConnState = "errored"
)

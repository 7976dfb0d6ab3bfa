package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcporch/internal/domain"
	"mcporch/internal/infra/telemetry"
)

const clientVersion = "0.1.0"

// StopFn tears down whatever the dialer set up: for stdio that means the
// child process, for HTTP nothing. It always attempts graceful termination
// first; the ctx bounds how long that may take before force-kill.
type StopFn func(context.Context) error

// Dialer establishes one transport-specific connection.
type Dialer interface {
	Dial(ctx context.Context, desc domain.ServerDescriptor) (*Conn, StopFn, error)
}

type entry struct {
	state domain.ConnState
	conn  *Conn
	stop  StopFn

	// transition is closed when the in-flight Starting or Closing transition
	// completes; waiters re-check the state afterwards.
	transition chan struct{}

	tools    []domain.ToolDescriptor
	toolsSet bool
	lastUsed time.Time
}

// Manager owns at most one ClientConnection per server id. Connections are
// dialed lazily on first call; closed or errored connections are never
// revived in place, the next call dials a fresh one. Concurrent callers
// during Starting await the same in-flight handshake rather than racing a
// second one.
type Manager struct {
	dialers          map[domain.TransportKind]Dialer
	logger           *zap.Logger
	metrics          *telemetry.Metrics
	handshakeTimeout time.Duration
	stopGrace        time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type ManagerOptions struct {
	Logger           *zap.Logger
	Metrics          *telemetry.Metrics
	HandshakeTimeout time.Duration
	StopGrace        time.Duration

	// Dialers overrides the per-transport dialers; tests inject fakes here.
	Dialers map[domain.TransportKind]Dialer
}

func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("transport")
	dialers := opts.Dialers
	if dialers == nil {
		dialers = map[domain.TransportKind]Dialer{
			domain.TransportStdio:          NewStdioDialer(logger),
			domain.TransportStreamableHTTP: NewHTTPDialer(logger),
		}
	}
	handshakeTimeout := opts.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = domain.DefaultHandshakeTimeout
	}
	stopGrace := opts.StopGrace
	if stopGrace <= 0 {
		stopGrace = domain.DefaultStopGrace
	}
	return &Manager{
		dialers:          dialers,
		logger:           logger,
		metrics:          opts.Metrics,
		handshakeTimeout: handshakeTimeout,
		stopGrace:        stopGrace,
		entries:          make(map[string]*entry),
	}
}

// Call dispatches one request to the server, establishing the connection
// first if needed. The timeout aborts the caller's wait client-side; the
// remote side is not necessarily stopped. All failures come back as
// structured errors carrying the server id.
func (m *Manager) Call(ctx context.Context, desc domain.ServerDescriptor, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	const op = "transport.Call"

	conn, err := m.acquire(ctx, desc)
	if err != nil {
		return nil, mapCallError(op, desc.ID, err)
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := conn.Call(callCtx, method, params)
	if err != nil {
		if errors.Is(err, domain.ErrConnectionClosed) {
			m.logger.Warn("call failed on closed connection",
				telemetry.EventField(telemetry.EventCallError),
				telemetry.ServerIDField(desc.ID),
				zap.String("method", method),
			)
		}
		return nil, mapCallError(op, desc.ID, err)
	}

	m.touch(desc.ID)
	return result, nil
}

func mapCallError(op, serverID string, err error) error {
	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.E(domain.CodeDeadlineExceeded, op, "call timed out", err).WithServer(serverID)
	case errors.Is(err, context.Canceled):
		return domain.E(domain.CodeDeadlineExceeded, op, "call canceled", err).WithServer(serverID)
	case errors.Is(err, domain.ErrConnectionClosed):
		return domain.E(domain.CodeTransportClosed, op, "", err).WithServer(serverID)
	default:
		return domain.E(domain.CodeTransport, op, "", err).WithServer(serverID)
	}
}

// acquire returns the server's live connection, dialing one if none exists.
// First caller wins: it performs the dial and handshake while later callers
// block on the same transition.
func (m *Manager) acquire(ctx context.Context, desc domain.ServerDescriptor) (*Conn, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, errors.New("transport manager is shut down")
		}
		e := m.entries[desc.ID]
		if e == nil {
			e = &entry{state: domain.ConnIdle}
			m.entries[desc.ID] = e
		}

		switch e.state {
		case domain.ConnReady:
			conn := e.conn
			e.lastUsed = time.Now()
			m.mu.Unlock()
			return conn, nil

		case domain.ConnStarting, domain.ConnClosing:
			wait := e.transition
			m.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		default: // Idle, Closed, Errored: become the dialer.
			e.state = domain.ConnStarting
			e.transition = make(chan struct{})
			e.conn = nil
			e.stop = nil
			e.tools = nil
			e.toolsSet = false
			done := e.transition
			m.mu.Unlock()

			conn, stop, err := m.dial(ctx, desc)

			m.mu.Lock()
			if err != nil {
				e.state = domain.ConnErrored
			} else {
				e.state = domain.ConnReady
				e.conn = conn
				e.stop = stop
				e.lastUsed = time.Now()
			}
			close(done)
			m.mu.Unlock()

			if err != nil {
				return nil, err
			}
			go m.watch(desc.ID, conn)
			return conn, nil
		}
	}
}

// dial runs the transport connect plus the MCP initialize exchange. It is
// detached from the triggering caller's cancellation so that one impatient
// caller cannot poison the handshake other callers are waiting on.
func (m *Manager) dial(ctx context.Context, desc domain.ServerDescriptor) (*Conn, StopFn, error) {
	dialer, ok := m.dialers[desc.Transport]
	if !ok {
		return nil, nil, fmt.Errorf("no dialer for transport %q", desc.Transport)
	}

	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.handshakeTimeout)
	defer cancel()

	started := time.Now()
	m.metrics.ObserveConnStart(desc.ID)
	m.logger.Debug("dialing server",
		telemetry.EventField(telemetry.EventDialAttempt),
		telemetry.ServerIDField(desc.ID),
		zap.String("transport", string(desc.Transport)),
	)

	conn, stop, err := dialer.Dial(dialCtx, desc)
	if err != nil {
		m.logger.Warn("dial failed",
			telemetry.EventField(telemetry.EventDialFailure),
			telemetry.ServerIDField(desc.ID),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
		return nil, nil, domain.E(domain.CodeTransport, "transport.dial", "", err).WithServer(desc.ID)
	}

	if err := m.handshake(dialCtx, conn); err != nil {
		_ = conn.Close()
		if stop != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), m.stopGrace)
			_ = stop(stopCtx)
			stopCancel()
		}
		m.logger.Warn("handshake failed",
			telemetry.EventField(telemetry.EventHandshakeFailure),
			telemetry.ServerIDField(desc.ID),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
		return nil, nil, domain.E(domain.CodeTransport, "transport.handshake", "", err).WithServer(desc.ID)
	}

	m.logger.Info("connection ready",
		telemetry.EventField(telemetry.EventDialSuccess),
		telemetry.ServerIDField(desc.ID),
		telemetry.StateField(string(domain.ConnReady)),
		telemetry.DurationField(time.Since(started)),
	)
	return conn, stop, nil
}

func (m *Manager) handshake(ctx context.Context, conn *Conn) error {
	params := &mcp.InitializeParams{
		ProtocolVersion: domain.DefaultProtocolVersion,
		ClientInfo: &mcp.Implementation{
			Name:    "mcporch",
			Version: clientVersion,
		},
		Capabilities: &mcp.ClientCapabilities{},
	}
	if _, err := conn.Call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := conn.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// watch flips the entry to Errored once the connection's read loop exits.
// In-flight calls have already been failed with ErrConnectionClosed by then;
// graceful teardown paths find the entry in Closing/Closed and skip this.
func (m *Manager) watch(serverID string, conn *Conn) {
	<-conn.Done()

	m.mu.Lock()
	e := m.entries[serverID]
	if e == nil || e.conn != conn || e.state != domain.ConnReady {
		m.mu.Unlock()
		return
	}
	e.state = domain.ConnErrored
	e.conn = nil
	stop := e.stop
	e.stop = nil
	e.tools = nil
	e.toolsSet = false
	m.mu.Unlock()

	m.logger.Warn("connection lost",
		telemetry.EventField(telemetry.EventConnClosed),
		telemetry.ServerIDField(serverID),
		telemetry.StateField(string(domain.ConnErrored)),
	)
	m.metrics.ObserveConnStop(serverID, "error")

	if stop != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), m.stopGrace)
		defer cancel()
		_ = stop(stopCtx)
	}
}

// Tools returns the cached tool listing for the server's current connection.
func (m *Manager) Tools(serverID string) ([]domain.ToolDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[serverID]
	if e == nil || !e.toolsSet {
		return nil, false
	}
	out := make([]domain.ToolDescriptor, len(e.tools))
	copy(out, e.tools)
	return out, true
}

// SetTools caches a tool listing against the server's current connection.
// The cache dies with the connection: a fresh dial starts unknown again.
func (m *Manager) SetTools(serverID string, tools []domain.ToolDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[serverID]
	if e == nil || e.state != domain.ConnReady {
		return
	}
	copied := make([]domain.ToolDescriptor, len(tools))
	copy(copied, tools)
	e.tools = copied
	e.toolsSet = true
}

// State reports the connection lifecycle state for a server id.
func (m *Manager) State(serverID string) domain.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[serverID]
	if e == nil {
		return domain.ConnIdle
	}
	return e.state
}

func (m *Manager) touch(serverID string) {
	m.mu.Lock()
	if e := m.entries[serverID]; e != nil {
		e.lastUsed = time.Now()
	}
	m.mu.Unlock()
}

// CloseIdle tears down Ready connections that have not been used within
// maxIdle. It returns the ids it reclaimed.
func (m *Manager) CloseIdle(maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	var idle []string
	for id, e := range m.entries {
		if e.state == domain.ConnReady && e.lastUsed.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.closeEntry(id, "idle")
		m.logger.Info("idle connection reclaimed",
			telemetry.EventField(telemetry.EventIdleReap),
			telemetry.ServerIDField(id),
		)
	}
	return idle
}

// Shutdown closes every connection and refuses further calls.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.closeEntry(id, "shutdown")
	}
}

func (m *Manager) closeEntry(serverID, reason string) {
	m.mu.Lock()
	e := m.entries[serverID]
	if e == nil || e.state != domain.ConnReady {
		m.mu.Unlock()
		return
	}
	e.state = domain.ConnClosing
	e.transition = make(chan struct{})
	conn := e.conn
	stop := e.stop
	e.conn = nil
	e.stop = nil
	e.tools = nil
	e.toolsSet = false
	done := e.transition
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if stop != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), m.stopGrace)
		_ = stop(stopCtx)
		cancel()
	}

	m.mu.Lock()
	e.state = domain.ConnClosed
	close(done)
	m.mu.Unlock()

	m.metrics.ObserveConnStop(serverID, reason)
}

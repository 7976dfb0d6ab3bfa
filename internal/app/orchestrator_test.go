package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcporch/internal/domain"
	"mcporch/internal/infra/broker"
	"mcporch/internal/infra/registry"
	"mcporch/internal/infra/transport"
)

type fakeConn struct {
	readCh  chan jsonrpc.Message
	writeCh chan jsonrpc.Message
	closed  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		readCh:  make(chan jsonrpc.Message, 8),
		writeCh: make(chan jsonrpc.Message, 8),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-f.readCh:
		return msg, nil
	case <-f.closed:
		return nil, mcp.ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case f.writeCh <- msg:
		return nil
	case <-f.closed:
		return mcp.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeConn) Close() error {
	select {
	case <-f.closed:
		return nil
	default:
		close(f.closed)
		return nil
	}
}

func (f *fakeConn) SessionID() string { return "" }

// fakeServerDialer emulates a downstream MCP server with one forecast tool.
type fakeServerDialer struct {
	mu        sync.Mutex
	toolCalls []map[string]any
}

const forecastListing = `{"tools":[{"name":"forecast","description":"Daily forecast","inputSchema":{"type":"object","properties":{"city":{"type":"string"}},"required":["city"],"additionalProperties":false}}]}`

func (d *fakeServerDialer) Dial(ctx context.Context, desc domain.ServerDescriptor) (*transport.Conn, transport.StopFn, error) {
	fake := newFakeConn()
	go d.serve(fake)
	stop := func(context.Context) error { return fake.Close() }
	return transport.NewConn(fake, zap.NewNop()), stop, nil
}

func (d *fakeServerDialer) serve(fake *fakeConn) {
	for {
		select {
		case <-fake.closed:
			return
		case msg := <-fake.writeCh:
			req, ok := msg.(*jsonrpc.Request)
			if !ok || !req.ID.IsValid() {
				continue
			}
			switch req.Method {
			case "initialize":
				fake.readCh <- &jsonrpc.Response{ID: req.ID, Result: json.RawMessage(`{}`)}
			case "tools/list":
				fake.readCh <- &jsonrpc.Response{ID: req.ID, Result: json.RawMessage(forecastListing)}
			case "tools/call":
				var params map[string]any
				_ = json.Unmarshal(req.Params, &params)
				d.mu.Lock()
				d.toolCalls = append(d.toolCalls, params)
				d.mu.Unlock()
				fake.readCh <- &jsonrpc.Response{ID: req.ID, Result: json.RawMessage(`{"content":[{"type":"text","text":"sunny"}]}`)}
			default:
				fake.readCh <- &jsonrpc.Response{ID: req.ID, Result: json.RawMessage(`{}`)}
			}
		}
	}
}

func (d *fakeServerDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.toolCalls)
}

const appRegistryYAML = `
servers:
  - id: weather
    title: Weather Service
    transport: {kind: stdio, command: weather-mcp}
    sensitivity: low
    visibility: default
  - id: payments
    title: Payment Processor
    transport: {kind: stdio, command: pay-mcp}
    sensitivity: high
    visibility: opt_in
`

func newTestOrchestrator(t *testing.T, codeExec bool) (*Orchestrator, *fakeServerDialer) {
	t.Helper()
	loader := registry.NewLoader(zap.NewNop())
	reg, err := loader.Parse([]byte(appRegistryYAML))
	require.NoError(t, err)

	dialer := &fakeServerDialer{}
	manager := transport.NewManager(transport.ManagerOptions{
		Logger: zap.NewNop(),
		Dialers: map[domain.TransportKind]transport.Dialer{
			domain.TransportStdio: dialer,
		},
		HandshakeTimeout: 2 * time.Second,
	})

	orch := New(Options{
		Registry:        reg,
		Logger:          zap.NewNop(),
		Manager:         manager,
		CodeExecEnabled: codeExec,
	})
	t.Cleanup(func() { orch.Shutdown(context.Background()) })
	return orch, dialer
}

func TestCallToolHappyPath(t *testing.T) {
	orch, dialer := newTestOrchestrator(t, false)

	result, err := orch.CallTool(context.Background(), "weather", "forecast", map[string]any{"city": "Oslo"}, CallOptions{})
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	require.Equal(t, "sunny", text.Text)
	require.Equal(t, 1, dialer.callCount())
}

func TestCallToolValidatesArguments(t *testing.T) {
	orch, dialer := newTestOrchestrator(t, false)

	_, err := orch.CallTool(context.Background(), "weather", "forecast", map[string]any{}, CallOptions{})
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeInvalidArgument, code)

	// The invalid call never reached the server.
	require.Equal(t, 0, dialer.callCount())
}

func TestCallToolRejectsWrongArgumentType(t *testing.T) {
	orch, dialer := newTestOrchestrator(t, false)

	_, err := orch.CallTool(context.Background(), "weather", "forecast", map[string]any{"city": 42}, CallOptions{})
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeInvalidArgument, code)
	require.Equal(t, 0, dialer.callCount())
}

func TestCallToolUnknownTool(t *testing.T) {
	orch, _ := newTestOrchestrator(t, false)

	_, err := orch.CallTool(context.Background(), "weather", "divine", nil, CallOptions{})
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrToolNotFound))
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeNotFound, code)
}

func TestCallToolUnknownServer(t *testing.T) {
	orch, _ := newTestOrchestrator(t, false)

	_, err := orch.CallTool(context.Background(), "hotels", "book", nil, CallOptions{})
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrServerNotFound))
}

func TestCallToolOptInGate(t *testing.T) {
	orch, _ := newTestOrchestrator(t, false)

	_, err := orch.CallTool(context.Background(), "payments", "forecast", map[string]any{"city": "x"}, CallOptions{})
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrOptInRequired))
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodePermissionDenied, code)

	// The same call with explicit opt-in goes through.
	result, err := orch.CallTool(context.Background(), "payments", "forecast", map[string]any{"city": "x"}, CallOptions{OptIn: []string{"payments"}})
	require.NoError(t, err)
	require.False(t, result.IsError)
}

func TestCallToolRateLimit(t *testing.T) {
	orch, dialer := newTestOrchestrator(t, false)
	optIn := CallOptions{OptIn: []string{"payments"}}

	// High sensitivity allows 10 calls per window.
	for i := 0; i < 10; i++ {
		_, err := orch.CallTool(context.Background(), "payments", "forecast", map[string]any{"city": "x"}, optIn)
		require.NoError(t, err)
	}

	_, err := orch.CallTool(context.Background(), "payments", "forecast", map[string]any{"city": "x"}, optIn)
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrRateLimited))
	require.Equal(t, 10, dialer.callCount())
}

func TestExecuteThroughBroker(t *testing.T) {
	orch, dialer := newTestOrchestrator(t, true)

	result, err := orch.Execute(context.Background(), broker.Request{
		Code:             `servers.weather.callTool("forecast", {city: "Oslo"}).content[0].text`,
		AllowedServerIDs: []string{"weather"},
	})
	require.NoError(t, err)
	require.Equal(t, "sunny", result.Value)
	require.Equal(t, 1, dialer.callCount())
}

func TestExecuteAppliesRateLimitToProxyCalls(t *testing.T) {
	orch, _ := newTestOrchestrator(t, true)

	// Proxy calls run through the same per-server window as direct calls:
	// the 51st call to a low-sensitivity server is rejected inside the code.
	result, err := orch.Execute(context.Background(), broker.Request{
		Code: `
var rejected = 0;
for (var i = 0; i < 51; i++) {
  try {
    servers.weather.callTool("forecast", {city: "Oslo"});
  } catch (e) {
    rejected++;
  }
}
rejected;
`,
		AllowedServerIDs: []string{"weather"},
		MaxRuntime:       time.Minute,
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, result.Value)
}

func TestConnStatesTracksRegistry(t *testing.T) {
	orch, _ := newTestOrchestrator(t, false)

	states := orch.ConnStates()
	require.Equal(t, map[string]string{
		"weather":  string(domain.ConnIdle),
		"payments": string(domain.ConnIdle),
	}, states)

	_, err := orch.CallTool(context.Background(), "weather", "forecast", map[string]any{"city": "Oslo"}, CallOptions{})
	require.NoError(t, err)
	require.Equal(t, string(domain.ConnReady), orch.ConnStates()["weather"])
}

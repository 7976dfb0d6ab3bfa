package describe

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

// fakeDialer answers tools/list from scripted pages and counts listings.
type fakeDialer struct {
	mu        sync.Mutex
	pages     []json.RawMessage
	listCalls int
	listErr   error
}

func (d *fakeDialer) Dial(ctx context.Context, desc domain.ServerDescriptor) (*transport.Conn, transport.StopFn, error) {
	fake := newFakeConn()
	go d.serve(fake)
	stop := func(context.Context) error { return fake.Close() }
	return transport.NewConn(fake, zap.NewNop()), stop, nil
}

func (d *fakeDialer) serve(fake *fakeConn) {
	page := 0
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
				d.mu.Lock()
				d.listCalls++
				listErr := d.listErr
				var result json.RawMessage
				if listErr == nil && page < len(d.pages) {
					result = d.pages[page]
					page++
				} else if listErr == nil {
					result = json.RawMessage(`{"tools":[]}`)
				}
				d.mu.Unlock()
				if listErr != nil {
					fake.readCh <- &jsonrpc.Response{ID: req.ID, Error: listErr}
					continue
				}
				fake.readCh <- &jsonrpc.Response{ID: req.ID, Result: result}
			default:
				fake.readCh <- &jsonrpc.Response{ID: req.ID, Result: json.RawMessage(`{}`)}
			}
		}
	}
}

func (d *fakeDialer) listCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listCalls
}

const describeRegistryYAML = `
servers:
  - id: weather
    title: Weather Service
    summary: Forecasts and current conditions
    transport: {kind: stdio, command: weather-mcp}
    domains: [weather]
    examples: ["What is the forecast for Oslo?"]
    sensitivity: low
    visibility: default
`

func newTestService(t *testing.T, dialer transport.Dialer) (*Service, *transport.Manager) {
	t.Helper()
	loader := registry.NewLoader(zap.NewNop())
	reg, err := loader.Parse([]byte(describeRegistryYAML))
	require.NoError(t, err)

	manager := transport.NewManager(transport.ManagerOptions{
		Logger: zap.NewNop(),
		Dialers: map[domain.TransportKind]transport.Dialer{
			domain.TransportStdio: dialer,
		},
		HandshakeTimeout: 2 * time.Second,
	})
	t.Cleanup(func() { manager.Shutdown(context.Background()) })
	return NewService(reg, manager, zap.NewNop()), manager
}

func TestDescribeFetchesLazilyAndPaginates(t *testing.T) {
	dialer := &fakeDialer{
		pages: []json.RawMessage{
			json.RawMessage(`{"tools":[{"name":"forecast","description":"Daily forecast","inputSchema":{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}}],"nextCursor":"p2"}`),
			json.RawMessage(`{"tools":[{"name":"current","description":"Current conditions","inputSchema":{"type":"object"}}]}`),
		},
	}
	svc, _ := newTestService(t, dialer)

	description, err := svc.Describe(context.Background(), "weather", domain.DetailSchema)
	require.NoError(t, err)
	require.Equal(t, "weather", description.ServerID)
	require.Len(t, description.Tools, 2)
	require.Equal(t, "forecast", description.Tools[0].Name)
	require.Equal(t, "current", description.Tools[1].Name)
	require.Contains(t, string(description.Tools[0].InputSchema), `"city"`)
	require.Nil(t, description.Meta)
	require.Equal(t, 2, dialer.listCount())
}

func TestDescribeCachesPerConnection(t *testing.T) {
	dialer := &fakeDialer{
		pages: []json.RawMessage{
			json.RawMessage(`{"tools":[{"name":"forecast"}]}`),
		},
	}
	svc, _ := newTestService(t, dialer)

	_, err := svc.Describe(context.Background(), "weather", domain.DetailSummary)
	require.NoError(t, err)
	_, err = svc.Describe(context.Background(), "weather", domain.DetailFull)
	require.NoError(t, err)

	// The second describe served from the cached listing.
	require.Equal(t, 1, dialer.listCount())
}

func TestDescribeDetailShaping(t *testing.T) {
	dialer := &fakeDialer{
		pages: []json.RawMessage{
			json.RawMessage(`{"tools":[{"name":"forecast","description":"Daily forecast","inputSchema":{"type":"object"}}]}`),
		},
	}
	svc, _ := newTestService(t, dialer)

	summary, err := svc.Describe(context.Background(), "weather", domain.DetailSummary)
	require.NoError(t, err)
	require.Equal(t, "forecast", summary.Tools[0].Name)
	require.Nil(t, summary.Tools[0].InputSchema)
	require.Nil(t, summary.Meta)

	full, err := svc.Describe(context.Background(), "weather", domain.DetailFull)
	require.NoError(t, err)
	require.NotNil(t, full.Tools[0].InputSchema)
	require.NotNil(t, full.Meta)
	require.Equal(t, "Weather Service", full.Meta.Title)
	require.Equal(t, domain.SensitivityLow, full.Meta.Sensitivity)
	require.Equal(t, []string{"What is the forecast for Oslo?"}, full.Meta.Examples)
}

func TestDescribeSurfacesListingFailure(t *testing.T) {
	dialer := &fakeDialer{
		listErr: errors.New("backend unavailable"),
	}
	svc, _ := newTestService(t, dialer)

	_, err := svc.Describe(context.Background(), "weather", domain.DetailSummary)
	require.Error(t, err)
	require.Contains(t, err.Error(), "backend unavailable")
}

func TestDescribeUnknownServer(t *testing.T) {
	svc, _ := newTestService(t, &fakeDialer{})

	_, err := svc.Describe(context.Background(), "nope", domain.DetailSummary)
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeNotFound, code)
}

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcporch/internal/domain"
)

// errNoReply tells the scripted server to leave the request unanswered.
var errNoReply = errors.New("no reply")

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	conns   []*fakeConn
	dialErr error

	// handler answers non-initialize requests; nil means empty object.
	handler func(req *jsonrpc.Request) (json.RawMessage, error)
}

func (d *fakeDialer) Dial(ctx context.Context, desc domain.ServerDescriptor) (*Conn, StopFn, error) {
	d.mu.Lock()
	d.dials++
	if d.dialErr != nil {
		err := d.dialErr
		d.mu.Unlock()
		return nil, nil, err
	}
	fake := newFakeConn()
	d.conns = append(d.conns, fake)
	handler := d.handler
	d.mu.Unlock()

	go serveScripted(fake, handler)
	stop := func(context.Context) error { return fake.Close() }
	return NewConn(fake, zap.NewNop()), stop, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func serveScripted(fake *fakeConn, handler func(req *jsonrpc.Request) (json.RawMessage, error)) {
	for {
		select {
		case msg := <-fake.writeCh:
			req, ok := msg.(*jsonrpc.Request)
			if !ok || !req.ID.IsValid() {
				continue
			}
			result := json.RawMessage(`{}`)
			if req.Method != "initialize" && handler != nil {
				var err error
				result, err = handler(req)
				if errors.Is(err, errNoReply) {
					continue
				}
			}
			fake.readCh <- &jsonrpc.Response{ID: req.ID, Result: result}
		case <-fake.closed:
			return
		}
	}
}

func testDescriptor(id string) domain.ServerDescriptor {
	return domain.ServerDescriptor{
		ID:          id,
		Title:       "Test Server",
		Transport:   domain.TransportStdio,
		Sensitivity: domain.SensitivityLow,
		Visibility:  domain.VisibilityDefault,
		Priority:    domain.DefaultPriority,
	}
}

func newTestManager(dialer Dialer) *Manager {
	return NewManager(ManagerOptions{
		Logger: zap.NewNop(),
		Dialers: map[domain.TransportKind]Dialer{
			domain.TransportStdio: dialer,
		},
		HandshakeTimeout: 2 * time.Second,
		StopGrace:        time.Second,
	})
}

func TestManagerDialsOncePerServer(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(dialer)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	desc := testDescriptor("alpha")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = manager.Call(context.Background(), desc, "ping", nil, time.Second)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, dialer.dialCount())
	require.Equal(t, domain.ConnReady, manager.State("alpha"))
}

func TestManagerCallTimeout(t *testing.T) {
	dialer := &fakeDialer{
		handler: func(req *jsonrpc.Request) (json.RawMessage, error) {
			if req.Method == "tools/call" {
				return nil, errNoReply
			}
			return json.RawMessage(`{}`), nil
		},
	}
	manager := newTestManager(dialer)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	_, err := manager.Call(context.Background(), testDescriptor("alpha"), "tools/call", nil, 50*time.Millisecond)
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeDeadlineExceeded, code)

	// The connection survives a client-side timeout.
	require.Equal(t, domain.ConnReady, manager.State("alpha"))
}

func TestManagerDialFailure(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("spawn failed")}
	manager := newTestManager(dialer)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	desc := testDescriptor("alpha")
	_, err := manager.Call(context.Background(), desc, "ping", nil, time.Second)
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeTransport, code)
	require.Equal(t, domain.ConnErrored, manager.State("alpha"))

	// The next call retries the dial instead of reusing the errored entry.
	_, err = manager.Call(context.Background(), desc, "ping", nil, time.Second)
	require.Error(t, err)
	require.Equal(t, 2, dialer.dialCount())
}

func TestManagerReconnectsAfterCrash(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(dialer)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	desc := testDescriptor("alpha")
	_, err := manager.Call(context.Background(), desc, "ping", nil, time.Second)
	require.NoError(t, err)

	manager.SetTools("alpha", []domain.ToolDescriptor{{Name: "echo"}})
	_, ok := manager.Tools("alpha")
	require.True(t, ok)

	// Kill the transport out from under the manager.
	require.NoError(t, dialer.lastConn().Close())
	require.Eventually(t, func() bool {
		return manager.State("alpha") == domain.ConnErrored
	}, 2*time.Second, 10*time.Millisecond)

	// The tool cache died with the connection.
	_, ok = manager.Tools("alpha")
	require.False(t, ok)

	_, err = manager.Call(context.Background(), desc, "ping", nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, dialer.dialCount())
}

func TestManagerCloseIdle(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(dialer)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	desc := testDescriptor("alpha")
	_, err := manager.Call(context.Background(), desc, "ping", nil, time.Second)
	require.NoError(t, err)

	// Every connection is idle relative to a negative cutoff.
	reclaimed := manager.CloseIdle(-time.Second)
	require.Equal(t, []string{"alpha"}, reclaimed)
	require.Equal(t, domain.ConnClosed, manager.State("alpha"))

	// A fresh call dials again.
	_, err = manager.Call(context.Background(), desc, "ping", nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, dialer.dialCount())
}

func TestManagerShutdownRefusesCalls(t *testing.T) {
	dialer := &fakeDialer{}
	manager := newTestManager(dialer)

	desc := testDescriptor("alpha")
	_, err := manager.Call(context.Background(), desc, "ping", nil, time.Second)
	require.NoError(t, err)

	manager.Shutdown(context.Background())

	_, err = manager.Call(context.Background(), desc, "ping", nil, time.Second)
	require.Error(t, err)
}

func TestManagerUnknownTransport(t *testing.T) {
	manager := newTestManager(&fakeDialer{})
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	desc := testDescriptor("alpha")
	desc.Transport = domain.TransportStreamableHTTP

	_, err := manager.Call(context.Background(), desc, "ping", nil, time.Second)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no dialer")
}

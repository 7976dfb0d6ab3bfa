package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcporch/internal/domain"
)

// HTTPDialer reaches a remote server over streamable HTTP. There is no
// spawned process; failures surface as the underlying network or protocol
// error.
type HTTPDialer struct {
	logger *zap.Logger
}

func NewHTTPDialer(logger *zap.Logger) *HTTPDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPDialer{logger: logger}
}

func (d *HTTPDialer) Dial(ctx context.Context, desc domain.ServerDescriptor) (*Conn, StopFn, error) {
	cfg := desc.HTTP
	if cfg == nil {
		return nil, nil, errors.New("http config is required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, nil, errors.New("http endpoint is required")
	}

	headerTransport, err := buildHeaderTransport(cfg.Headers)
	if err != nil {
		return nil, nil, err
	}

	transport := &mcp.StreamableClientTransport{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Transport: headerTransport},
	}
	mcpConn, err := transport.Connect(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("connect streamable http: %w", err)
	}

	stop := func(context.Context) error { return nil }
	return NewConn(mcpConn, d.logger.Named("http_conn")), stop, nil
}

func buildHeaderTransport(extra map[string]string) (http.RoundTripper, error) {
	headers := http.Header{}
	headers.Set("Mcp-Protocol-Version", domain.DefaultProtocolVersion)
	for key, value := range extra {
		name := http.CanonicalHeaderKey(strings.TrimSpace(key))
		if name == "" {
			return nil, errors.New("http headers contain empty key")
		}
		headers.Set(name, value)
	}

	base := http.DefaultTransport
	if base == nil {
		return nil, errors.New("default http transport is nil")
	}

	return &headerRoundTripper{
		base:    base,
		headers: headers,
	}, nil
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers http.Header
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for key, values := range h.headers {
		req.Header.Del(key)
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	return h.base.RoundTrip(req)
}

// Package app wires the orchestrator together and owns the direct call
// path: opt-in gating, rate limiting, argument validation, and policy
// timeouts around every dispatched tool call.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcporch/internal/domain"
	"mcporch/internal/infra/broker"
	"mcporch/internal/infra/describe"
	"mcporch/internal/infra/discovery"
	"mcporch/internal/infra/policy"
	"mcporch/internal/infra/registry"
	"mcporch/internal/infra/telemetry"
	"mcporch/internal/infra/transport"
)

// Orchestrator is the runtime broker an agent talks to: discovery,
// description, direct calls, and (when enabled) code execution. All state is
// explicitly injected at construction; there are no process-wide singletons,
// so tests run against fabricated registries.
type Orchestrator struct {
	registry  *registry.Registry
	manager   *transport.Manager
	limiter   *policy.Limiter
	discovery *discovery.Service
	describe  *describe.Service
	broker    *broker.Broker
	metrics   *telemetry.Metrics
	logger    *zap.Logger

	idleTimeout time.Duration
}

type Options struct {
	Registry *registry.Registry
	Logger   *zap.Logger
	Metrics  *telemetry.Metrics

	// CodeExecEnabled gates the execution broker. Callers normally pass
	// broker.EnabledFromEnv(); the broker stays off unless the operator
	// opted in.
	CodeExecEnabled bool

	// Manager overrides the transport manager; tests inject one with fake
	// dialers.
	Manager *transport.Manager

	IdleTimeout time.Duration
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	manager := opts.Manager
	if manager == nil {
		manager = transport.NewManager(transport.ManagerOptions{
			Logger:  logger,
			Metrics: opts.Metrics,
		})
	}

	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = domain.DefaultIdleTimeout
	}

	o := &Orchestrator{
		registry:    opts.Registry,
		manager:     manager,
		limiter:     policy.NewLimiter(),
		discovery:   discovery.NewService(opts.Registry, logger),
		describe:    describe.NewService(opts.Registry, manager, logger),
		metrics:     opts.Metrics,
		logger:      logger.Named("app"),
		idleTimeout: idleTimeout,
	}
	o.broker = broker.New(broker.Options{
		Registry: opts.Registry,
		Call:     o.brokerCall,
		Enabled:  opts.CodeExecEnabled,
		Logger:   logger,
		Metrics:  opts.Metrics,
	})
	return o
}

// Discover lists servers matching the query and visibility constraint.
func (o *Orchestrator) Discover(query string, visibility domain.Visibility) []domain.ServerDescriptor {
	return o.discovery.List(query, visibility)
}

// Describe returns a server's tools at the requested detail level.
func (o *Orchestrator) Describe(ctx context.Context, serverID string, detail domain.DetailLevel) (domain.ServerDescription, error) {
	return o.describe.Describe(ctx, serverID, detail)
}

// Execute runs agent-authored code through the execution broker.
func (o *Orchestrator) Execute(ctx context.Context, req broker.Request) (broker.Result, error) {
	return o.broker.Execute(ctx, req)
}

// CallOptions carries per-call caller intent.
type CallOptions struct {
	// OptIn lists server ids the caller explicitly allows. Servers whose
	// policy requires opt-in are unreachable unless named here.
	OptIn []string
}

// CallTool invokes one operation on one server under its derived policy.
func (o *Orchestrator) CallTool(ctx context.Context, serverID, tool string, args map[string]any, opts CallOptions) (*mcp.CallToolResult, error) {
	const op = "app.CallTool"

	desc, err := o.registry.FindByID(serverID)
	if err != nil {
		return nil, err
	}
	pol := policy.For(desc)

	if pol.RequiresOptIn && !containsID(opts.OptIn, serverID) {
		return nil, domain.E(domain.CodePermissionDenied, op,
			fmt.Sprintf("server %q requires explicit opt-in", serverID),
			domain.ErrOptInRequired).WithServer(serverID)
	}

	raw, err := o.dispatch(ctx, desc, pol, tool, args)
	if err != nil {
		return nil, err
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, domain.E(domain.CodeTransport, op, fmt.Sprintf("decode tools/call result: %v", err), err).WithServer(serverID).WithTool(tool)
	}
	return &result, nil
}

// brokerCall is the proxy dispatch path for the execution broker: it applies
// the same validation, rate, and timeout enforcement as a direct call. The
// opt-in gate is not re-checked here; the broker's allow-list is the opt-in.
func (o *Orchestrator) brokerCall(ctx context.Context, serverID, tool string, args map[string]any) (any, error) {
	desc, err := o.registry.FindByID(serverID)
	if err != nil {
		return nil, err
	}

	raw, err := o.dispatch(ctx, desc, policy.For(desc), tool, args)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, domain.E(domain.CodeTransport, "app.brokerCall", fmt.Sprintf("decode tools/call result: %v", err), err).WithServer(serverID).WithTool(tool)
	}
	return out, nil
}

// dispatch is the shared enforcement funnel: tool lookup, argument schema
// validation, rate window, policy timeout, transport. Rejections happen
// before transport I/O and never count toward the server's own window.
func (o *Orchestrator) dispatch(ctx context.Context, desc domain.ServerDescriptor, pol domain.ExecutionPolicy, tool string, args map[string]any) (json.RawMessage, error) {
	const op = "app.dispatch"

	tools, err := o.describe.Tools(ctx, desc)
	if err != nil {
		return nil, err
	}
	var toolDesc *domain.ToolDescriptor
	for i := range tools {
		if tools[i].Name == tool {
			toolDesc = &tools[i]
			break
		}
	}
	if toolDesc == nil {
		return nil, domain.E(domain.CodeNotFound, op,
			fmt.Sprintf("server %q has no tool %q", desc.ID, tool),
			domain.ErrToolNotFound).WithServer(desc.ID).WithTool(tool)
	}

	if err := o.validateArgs(desc.ID, *toolDesc, args); err != nil {
		return nil, err
	}

	if err := o.limiter.Allow(desc.ID, pol); err != nil {
		o.metrics.ObserveRateLimited(desc.ID)
		o.logger.Debug("call rate limited",
			telemetry.EventField(telemetry.EventRateLimited),
			telemetry.ServerIDField(desc.ID),
			telemetry.ToolField(tool),
		)
		return nil, err
	}

	if args == nil {
		args = map[string]any{}
	}
	params := &mcp.CallToolParams{Name: tool, Arguments: args}

	started := time.Now()
	raw, err := o.manager.Call(ctx, desc, "tools/call", params, pol.Timeout)
	status := "ok"
	if err != nil {
		if code, ok := domain.CodeFrom(err); ok {
			status = string(code)
		} else {
			status = "error"
		}
	}
	o.metrics.ObserveCall(desc.ID, status, time.Since(started))
	if err != nil {
		return nil, domain.Wrap(domain.CodeTransport, op, err).WithTool(tool)
	}
	return raw, nil
}

// validateArgs checks call arguments against the tool's input schema before
// any transport I/O. An unparseable downstream schema disables validation
// for that tool rather than blocking valid calls.
func (o *Orchestrator) validateArgs(serverID string, tool domain.ToolDescriptor, args map[string]any) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
		o.logger.Debug("skip validation for undecodable schema",
			telemetry.ServerIDField(serverID),
			telemetry.ToolField(tool.Name),
			zap.Error(err),
		)
		return nil
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		o.logger.Debug("skip validation for unresolvable schema",
			telemetry.ServerIDField(serverID),
			telemetry.ToolField(tool.Name),
			zap.Error(err),
		)
		return nil
	}
	instance := args
	if instance == nil {
		instance = map[string]any{}
	}
	if err := resolved.Validate(instance); err != nil {
		return domain.E(domain.CodeInvalidArgument, "app.validateArgs", err.Error(), err).WithServer(serverID).WithTool(tool.Name)
	}
	return nil
}

// Prefetch eagerly lists tools for descriptors that request it.
func (o *Orchestrator) Prefetch(ctx context.Context) {
	o.describe.Prefetch(ctx)
}

// RunIdleReaper reclaims idle connections until ctx is done.
func (o *Orchestrator) RunIdleReaper(ctx context.Context) {
	ticker := time.NewTicker(o.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.manager.CloseIdle(o.idleTimeout)
		}
	}
}

// Shutdown tears down every connection.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.manager.Shutdown(ctx)
}

// ConnStates reports the connection state of every registered server.
func (o *Orchestrator) ConnStates() map[string]string {
	states := make(map[string]string, o.registry.Len())
	for _, desc := range o.registry.All() {
		states[desc.ID] = string(o.manager.State(desc.ID))
	}
	return states
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// Package broker evaluates agent-authored code against a restricted set of
// server proxies.
//
// The isolation here is a policy boundary, not a memory-safety boundary:
// goja confines well-behaved code to the injected callables, but adversarial
// code should be assumed able to escape to host capabilities. The broker is
// therefore disabled unless the operator explicitly enables it, and is safe
// only for code the operator already trusts.
package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcporch/internal/domain"
	"mcporch/internal/infra/registry"
	"mcporch/internal/infra/telemetry"
)

// EnableEnvVar is the environment-level opt-in gate. Without it every
// Execute call is rejected before any code runs.
const EnableEnvVar = "MCPORCH_ENABLE_CODE_EXEC"

// EnabledFromEnv reports whether the operator has opted in to code
// execution. Read once at construction, not per call.
func EnabledFromEnv() bool {
	switch strings.ToLower(os.Getenv(EnableEnvVar)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// ToolCaller dispatches one proxy call. The app layer supplies an
// implementation that applies the same rate, schema, and timeout enforcement
// a direct call gets; the broker adds no separate policy path.
type ToolCaller func(ctx context.Context, serverID, tool string, args map[string]any) (any, error)

type Broker struct {
	registry *registry.Registry
	call     ToolCaller
	enabled  bool
	logger   *zap.Logger
	metrics  *telemetry.Metrics
}

type Options struct {
	Registry *registry.Registry
	Call     ToolCaller
	Enabled  bool
	Logger   *zap.Logger
	Metrics  *telemetry.Metrics
}

func New(opts Options) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		registry: opts.Registry,
		call:     opts.Call,
		enabled:  opts.Enabled,
		logger:   logger.Named("broker"),
		metrics:  opts.Metrics,
	}
}

type Request struct {
	Code             string
	AllowedServerIDs []string
	MaxRuntime       time.Duration
	MaxLogEntries    int
}

type Result struct {
	Value       any      `json:"value,omitempty"`
	Logs        []string `json:"logs,omitempty"`
	DroppedLogs int      `json:"droppedLogs,omitempty"`
}

// Execute runs the submitted code with proxies for exactly the allowed
// server ids. Access control is structural: no proxy is created for an
// unlisted id, so code referencing one hits a lookup error, not a permission
// check. Logs are returned alongside the error when the code itself fails.
func (b *Broker) Execute(ctx context.Context, req Request) (Result, error) {
	const op = "broker.Execute"

	if !b.enabled {
		return Result{}, domain.E(domain.CodePermissionDenied, op,
			fmt.Sprintf("code execution is disabled; set %s=1 to enable it", EnableEnvVar),
			domain.ErrExecutionDisabled)
	}
	if strings.TrimSpace(req.Code) == "" {
		return Result{}, domain.E(domain.CodeInvalidArgument, op, "code is required", nil)
	}

	// Unknown ids fail fast before any code runs.
	allowed := make([]string, 0, len(req.AllowedServerIDs))
	seen := make(map[string]struct{}, len(req.AllowedServerIDs))
	for _, id := range req.AllowedServerIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, err := b.registry.FindByID(id); err != nil {
			return Result{}, err
		}
		allowed = append(allowed, id)
	}

	maxRuntime := req.MaxRuntime
	if maxRuntime <= 0 {
		maxRuntime = domain.DefaultExecRuntime
	}
	if maxRuntime > domain.MaxExecRuntime {
		maxRuntime = domain.MaxExecRuntime
	}
	maxLogEntries := req.MaxLogEntries
	if maxLogEntries <= 0 {
		maxLogEntries = domain.DefaultExecLogEntries
	}
	if maxLogEntries > domain.MaxExecLogEntries {
		maxLogEntries = domain.MaxExecLogEntries
	}

	execID := uuid.NewString()
	logger := b.logger.With(zap.String("executionID", execID))
	logger.Info("execution starting",
		telemetry.EventField(telemetry.EventExecStart),
		zap.Strings("allowedServerIDs", allowed),
		telemetry.DurationField(0),
	)

	execCtx, cancel := context.WithTimeout(ctx, maxRuntime)
	defer cancel()

	vm := goja.New()
	sink := &logSink{max: maxLogEntries}
	if err := vm.Set("log", sink.callable()); err != nil {
		return Result{}, domain.E(domain.CodeInternal, op, "install log sink", err)
	}

	servers := vm.NewObject()
	for _, id := range allowed {
		proxy := vm.NewObject()
		if err := proxy.Set("callTool", b.proxyCallable(execCtx, vm, id)); err != nil {
			return Result{}, domain.E(domain.CodeInternal, op, "install proxy for "+id, err)
		}
		if err := servers.Set(id, proxy); err != nil {
			return Result{}, domain.E(domain.CodeInternal, op, "install proxy for "+id, err)
		}
	}
	if err := vm.Set("servers", servers); err != nil {
		return Result{}, domain.E(domain.CodeInternal, op, "install servers object", err)
	}

	// The interrupt aborts JS execution; execCtx aborts any proxy call the
	// code is blocked in. Together they bound the whole run, with eventual
	// results of abandoned in-flight calls discarded.
	watchdogDone := make(chan struct{})
	go func() {
		select {
		case <-execCtx.Done():
			vm.Interrupt(execCtx.Err())
		case <-watchdogDone:
		}
	}()

	started := time.Now()
	value, runErr := vm.RunString(req.Code)
	close(watchdogDone)
	vm.ClearInterrupt()

	result := Result{
		Logs:        sink.entries,
		DroppedLogs: sink.dropped,
	}

	if runErr != nil {
		err := b.mapRunError(op, execCtx, runErr)
		b.metrics.ObserveExecution("error")
		logger.Warn("execution failed",
			telemetry.EventField(telemetry.EventExecFinish),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
		return result, err
	}

	if value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) {
		result.Value = value.Export()
	}

	b.metrics.ObserveExecution("ok")
	logger.Info("execution finished",
		telemetry.EventField(telemetry.EventExecFinish),
		telemetry.DurationField(time.Since(started)),
		zap.Int("logs", len(result.Logs)),
		zap.Int("droppedLogs", result.DroppedLogs),
	)
	return result, nil
}

func (b *Broker) mapRunError(op string, execCtx context.Context, runErr error) error {
	var interrupted *goja.InterruptedError
	if errors.As(runErr, &interrupted) {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return domain.E(domain.CodeDeadlineExceeded, op, "execution budget exceeded", execCtx.Err())
		}
		return domain.E(domain.CodeExecution, op, "execution interrupted", runErr)
	}

	var exception *goja.Exception
	if errors.As(runErr, &exception) {
		// Proxy failures thrown into the code keep their structure when they
		// escape uncaught.
		if thrown := thrownGoError(exception.Value()); thrown != nil {
			var domainErr *domain.Error
			if errors.As(thrown, &domainErr) {
				return domainErr
			}
		}
		return domain.E(domain.CodeExecution, op, exception.Value().String(), runErr)
	}

	return domain.E(domain.CodeExecution, op, "", runErr)
}

// thrownGoError recovers the Go error behind a value thrown with NewGoError,
// which keeps the original error under its "value" property.
func thrownGoError(value goja.Value) error {
	if err, ok := value.Export().(error); ok {
		return err
	}
	obj, ok := value.(*goja.Object)
	if !ok {
		return nil
	}
	wrapped := obj.Get("value")
	if wrapped == nil {
		return nil
	}
	if err, ok := wrapped.Export().(error); ok {
		return err
	}
	return nil
}

// proxyCallable is the single generic invocation entry point a proxy
// exposes: callTool(name, args). Per-server named bindings are a documented
// future extension, not a default behavior.
func (b *Broker) proxyCallable(ctx context.Context, vm *goja.Runtime, serverID string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		nameVal := call.Argument(0)
		if goja.IsUndefined(nameVal) || goja.IsNull(nameVal) {
			panic(vm.NewTypeError("callTool requires a tool name"))
		}
		name := nameVal.String()

		var args map[string]any
		if argVal := call.Argument(1); !goja.IsUndefined(argVal) && !goja.IsNull(argVal) {
			exported, ok := argVal.Export().(map[string]any)
			if !ok {
				panic(vm.NewTypeError("callTool arguments must be an object"))
			}
			args = exported
		}

		res, err := b.call(ctx, serverID, name, args)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(res)
	}
}

// logSink is the bounded logging surface handed to submitted code. Lines
// past the cap are dropped, not buffered, to bound memory.
type logSink struct {
	max     int
	entries []string
	dropped int
}

func (s *logSink) callable() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		line := strings.Join(parts, " ")
		if len(s.entries) < s.max {
			s.entries = append(s.entries, line)
		} else {
			s.dropped++
		}
		return goja.Undefined()
	}
}

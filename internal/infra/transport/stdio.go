package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcporch/internal/domain"
	"mcporch/internal/infra/telemetry"
)

// StdioDialer spawns a server as a child process and speaks JSON-RPC over
// its standard streams. The child's stderr is mirrored into the log, never
// parsed as protocol data.
type StdioDialer struct {
	logger *zap.Logger
}

func NewStdioDialer(logger *zap.Logger) *StdioDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioDialer{logger: logger}
}

func (d *StdioDialer) Dial(ctx context.Context, desc domain.ServerDescriptor) (*Conn, StopFn, error) {
	cfg := desc.Stdio
	if cfg == nil || strings.TrimSpace(cfg.Command) == "" {
		return nil, nil, fmt.Errorf("%w: command is required for stdio transport", domain.ErrInvalidCommand)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}
	cmd.Env = append(os.Environ(), formatEnv(cfg.Env)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start command: %w", classifyStartError(err))
	}

	downstreamLogger := d.logger.With(
		zap.String(telemetry.FieldLogSource, telemetry.LogSourceDownstream),
		telemetry.ServerIDField(desc.ID),
		zap.String(telemetry.FieldLogStream, "stderr"),
	)
	go mirrorStderr(stderr, downstreamLogger)

	transport := &mcp.IOTransport{Reader: stdout, Writer: stdin}
	mcpConn, err := transport.Connect(ctx)
	if err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, nil, fmt.Errorf("connect stdio: %w", err)
	}

	stop := func(stopCtx context.Context) error {
		// Closing stdin asks a well-behaved server to exit; the bounded wait
		// below force-kills the ones that do not.
		if err := stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			d.logger.Warn("close stdin failed", telemetry.ServerIDField(desc.ID), zap.Error(err))
		}
		return waitForProcess(stopCtx, cmd)
	}

	return NewConn(mcpConn, d.logger.Named("stdio_conn")), stop, nil
}

func waitForProcess(ctx context.Context, cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Exit status is irrelevant on teardown.
			return nil
		}
		return err
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
		return nil
	}
}

const maxStderrLineLength = 32 * 1024

func mirrorStderr(reader io.Reader, logger *zap.Logger) {
	buf := bufio.NewReaderSize(reader, 8192)
	for {
		line, isPrefix, err := buf.ReadLine()
		if len(line) > 0 {
			trimmed := strings.TrimRight(string(line), "\r\n")
			if trimmed != "" {
				if len(trimmed) > maxStderrLineLength {
					trimmed = trimmed[:maxStderrLineLength] + "... [truncated]"
				}
				logger.Info(trimmed)
			}
			if isPrefix {
				for isPrefix && err == nil {
					_, isPrefix, err = buf.ReadLine()
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func formatEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

func classifyStartError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", domain.ErrExecutableNotFound, err.Error())
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		if errors.Is(pathErr.Err, exec.ErrNotFound) || errors.Is(pathErr.Err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", domain.ErrExecutableNotFound, err.Error())
		}
	}
	return err
}

package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidRegistry  ErrorCode = "INVALID_REGISTRY"
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
	CodeTransport        ErrorCode = "TRANSPORT"
	CodeTransportClosed  ErrorCode = "TRANSPORT_CLOSED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeExecution        ErrorCode = "EXECUTION"
	CodeInternal         ErrorCode = "INTERNAL"
)

// Error is the structured error every caller-visible failure is expressed
// as: a code, the failing operation, and the server/tool it concerns. Raw
// transport errors are carried as Cause, never returned bare.
type Error struct {
	Code     ErrorCode
	Op       string
	Message  string
	ServerID string
	Tool     string
	Cause    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:    code,
		Op:      op,
		Message: msg,
		Cause:   cause,
	}
}

// WithServer attaches the server id (and optionally a tool name) an error
// concerns, so callers can react programmatically.
func (e *Error) WithServer(serverID string) *Error {
	if e == nil {
		return nil
	}
	e.ServerID = serverID
	return e
}

func (e *Error) WithTool(tool string) *Error {
	if e == nil {
		return nil
	}
	e.Tool = tool
	return e
}

func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{
			Code:     existing.Code,
			Op:       op,
			Message:  existing.Message,
			ServerID: existing.ServerID,
			Tool:     existing.Tool,
			Cause:    existing.Cause,
		}
	}
	return E(code, op, "", err)
}

func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	switch {
	case errors.Is(err, ErrServerNotFound), errors.Is(err, ErrToolNotFound):
		return CodeNotFound, true
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited, true
	case errors.Is(err, ErrConnectionClosed):
		return CodeTransportClosed, true
	case errors.Is(err, ErrOptInRequired), errors.Is(err, ErrExecutionDisabled):
		return CodePermissionDenied, true
	case errors.Is(err, ErrInvalidCommand), errors.Is(err, ErrExecutableNotFound):
		return CodeTransport, true
	default:
		return "", false
	}
}

var ErrServerNotFound = errors.New("server not found")
var ErrToolNotFound = errors.New("tool not found")
var ErrConnectionClosed = errors.New("connection closed")
var ErrRateLimited = errors.New("rate limit exceeded")
var ErrOptInRequired = errors.New("server requires explicit opt-in")
var ErrExecutionDisabled = errors.New("code execution is disabled")
var ErrInvalidCommand = errors.New("invalid command")
var ErrExecutableNotFound = errors.New("executable not found")

package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer. Every failure a pipe can
// produce wraps exactly one of these; none of them is retryable.
var (
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrTransport        = fmt.Errorf("transport failure")
	ErrClientStatus     = fmt.Errorf("client error status")
	ErrUnexpectedStatus = fmt.Errorf("unexpected http status")
	ErrParse            = fmt.Errorf("response parse failed")
	ErrMissingField     = fmt.Errorf("expected response field missing")
	ErrEmptyResult      = fmt.Errorf("empty list in response")
	ErrPipeNotFound     = fmt.Errorf("pipe not found")
	ErrCircuitOpen      = fmt.Errorf("circuit open")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")

	// Gateway / RPC errors.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
)

// PipeError wraps a sentinel error with operation context.
type PipeError struct {
	Op     string // operation name (e.g., "flowise.run")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *PipeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *PipeError) Unwrap() error { return e.Err }

// NewPipeError creates a new PipeError.
func NewPipeError(op string, err error, detail string) *PipeError {
	return &PipeError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeTransport        ErrorCode = "TRANSPORT"
	CodeClientStatus     ErrorCode = "CLIENT_STATUS"
	CodeUnexpectedStatus ErrorCode = "UNEXPECTED_STATUS"
	CodeParse            ErrorCode = "PARSE"
	CodeMissingField     ErrorCode = "MISSING_FIELD"
	CodeEmptyResult      ErrorCode = "EMPTY_RESULT"
	CodePipeNotFound     ErrorCode = "PIPE_NOT_FOUND"
	CodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeAuthInvalid      ErrorCode = "AUTH_INVALID"
	CodeRPCMethod        ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCPayload       ErrorCode = "RPC_INVALID_PAYLOAD"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrInvalidInput:      CodeInvalidInput,
	ErrTransport:         CodeTransport,
	ErrClientStatus:      CodeClientStatus,
	ErrUnexpectedStatus:  CodeUnexpectedStatus,
	ErrParse:             CodeParse,
	ErrMissingField:      CodeMissingField,
	ErrEmptyResult:       CodeEmptyResult,
	ErrPipeNotFound:      CodePipeNotFound,
	ErrCircuitOpen:       CodeCircuitOpen,
	ErrConfigLoad:        CodeConfigLoad,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrRPCMethodNotFound: CodeRPCMethod,
	ErrRPCInvalidPayload: CodeRPCPayload,
}

// ErrorCodeOf returns the machine-parseable error code for the given
// error. It unwraps PipeError and walks the chain with errors.Is.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var pe *PipeError
	if errors.As(err, &pe) {
		if code, ok := errorCodeMap[pe.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

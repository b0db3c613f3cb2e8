package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a GatewayError so HTTP adapters can map it to a stable
// status code without string-matching messages.
type Kind string

const (
	// KindConfiguration covers unknown model names, unknown grammar names,
	// and the grammar/function mutual-exclusion mismatch.
	KindConfiguration Kind = "configuration"
	// KindResource covers missing model files, failed downloads, and
	// context-creation failures.
	KindResource Kind = "resource"
	// KindRuntime covers generation failures mid-stream.
	KindRuntime Kind = "runtime"
	// KindProtocol covers the model invoking an undefined function name.
	KindProtocol Kind = "protocol"
	// KindCancellation marks a caller-initiated abort. Not an error to the
	// pool — callers of GatewayError should treat this as a normal outcome.
	KindCancellation Kind = "cancellation"
	// KindShutdown marks requests rejected because the pool is draining.
	KindShutdown Kind = "shutdown"
)

// GatewayError is the single error type the core returns across package
// boundaries. It carries a Kind so the HTTP adapter can map errors to
// status codes (Configuration->400, Resource->503, Runtime->500,
// Protocol->502, Cancellation->499, Shutdown->503) without inspecting
// error strings.
type GatewayError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// NewError builds a GatewayError, optionally wrapping a cause.
func NewError(kind Kind, msg string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Msg: msg, Err: cause}
}

// IsKind reports whether err is a *GatewayError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

// Sentinel causes wrapped by GatewayError. Kept as distinct values
// (rather than collapsing to one
// generic error) so callers can still errors.Is against a specific cause
// while the Kind drives status-code mapping.
var (
	ErrModelNotFound       = errors.New("model not found")
	ErrUnknownGrammar      = errors.New("unknown grammar")
	ErrGrammarFunctionBoth = errors.New("grammar and functions are mutually exclusive; grammar wins")
	ErrModelFileMissing    = errors.New("model file missing and no url configured")
	ErrDownloadFailed      = errors.New("model file download failed")
	ErrContextCreateFailed = errors.New("context creation failed")
	ErrUndefinedFunction   = errors.New("model invoked an undefined function name")
	ErrPoolDraining        = errors.New("pool is shutting down")
	ErrAborted             = errors.New("request aborted by caller")
)

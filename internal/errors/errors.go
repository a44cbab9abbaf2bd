// Package errors provides the bridge error taxonomy.
//
// Every failure the bridge handles carries the operation, the bus address
// (when there is one) and the underlying cause, so a single log line is
// enough to diagnose it. None of these errors is fatal: callers log them and
// turn them into a status change or a no-op.
package errors

import (
	"errors"
	"fmt"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotConnected     = errors.New("not connected")
	ErrLinkClosed       = errors.New("link is closed")
	ErrUnsupportedValue = errors.New("value not representable for datapoint type")
	ErrNoJob            = errors.New("no read job for address")
	ErrEmptyAddress     = errors.New("empty address")
	ErrShutdown         = errors.New("bridge is shutting down")
)

// ── Structured error types ───────────────────────────────────────────

// TransportError means a link could not be opened or a frame could not be
// sent. It is recoverable and drives reconnect/retry.
type TransportError struct {
	Op      string // "open", "send", "close", "receive"
	Address string // transport endpoint or bus address
	Err     error
}

func (e *TransportError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Address, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// EncodingError means a value could not be mapped to or from a payload.
// The value is dropped, never retried.
type EncodingError struct {
	Address string
	DPT     string
	Value   string
	Err     error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding %q for %s (dpt %s): %v", e.Value, e.Address, e.DPT, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// ConfigurationError is a malformed address or a missing mapping. The
// operation that hit it becomes a no-op.
type ConfigurationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("config %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config %s=%q: %s", e.Field, e.Value, e.Message)
}

// InternalInvariantError reports an operation on state that does not
// exist, such as unscheduling an address with no job.
type InternalInvariantError struct {
	Op      string
	Address string
	Err     error
}

func (e *InternalInvariantError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Err)
}

func (e *InternalInvariantError) Unwrap() error { return e.Err }

// ── Constructors ─────────────────────────────────────────────────────

// Transport wraps err as a TransportError.
func Transport(op, addr string, err error) *TransportError {
	return &TransportError{Op: op, Address: addr, Err: err}
}

// Encoding wraps err as an EncodingError.
func Encoding(addr, dpt, value string, err error) *EncodingError {
	return &EncodingError{Address: addr, DPT: dpt, Value: value, Err: err}
}

// Config builds a ConfigurationError.
func Config(field, value, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Value: value, Message: fmt.Sprintf(format, args...)}
}

// Invariant wraps err as an InternalInvariantError.
func Invariant(op, addr string, err error) *InternalInvariantError {
	return &InternalInvariantError{Op: op, Address: addr, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsEncoding reports whether err is (or wraps) an EncodingError.
func IsEncoding(err error) bool {
	var ee *EncodingError
	return errors.As(err, &ee)
}

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsInvariant reports whether err is (or wraps) an InternalInvariantError.
func IsInvariant(err error) bool {
	var ie *InternalInvariantError
	return errors.As(err, &ie)
}

// ── Re-exports ───────────────────────────────────────────────────────

// As is [errors.As].
func As(err error, target any) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }

// Package errors provides structured error types for connmux.
//
// This package provides:
//   - Sentinel errors for the failure classes of the pooling and
//     demultiplexing engine (capacity, timeout, protocol, lifecycle)
//   - Error codes for categorizing failures reported through callbacks
//   - Error wrapping with context preservation
//   - Safe error messages that don't leak peer-supplied data
package errors

import (
	"errors"
	"fmt"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// Error codes for categorizing errors.
const (
	CodeInternal      = 1  // Internal error
	CodeInvalidInput  = 2  // Invalid argument or settings
	CodeConfiguration = 3  // Invalid configuration
	CodeTimeout       = 4  // Operation exceeded its deadline
	CodeCapacity      = 5  // Capacity bound reached
	CodeClosed        = 6  // Resource closed or closing
	CodeProtocol      = 7  // Peer violated the framing protocol
	CodeNotFound      = 8  // No endpoint matched the request
	CodeConnection    = 9  // Connection I/O failure
	CodeState         = 10 // Invalid state transition
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrCapacity indicates a capacity bound was reached.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrInvalidState indicates an invalid state transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrProtocol indicates the peer sent malformed or unexpected data.
	ErrProtocol = errors.New("protocol violation")

	// ErrNotFound indicates no endpoint matched.
	ErrNotFound = errors.New("not found")

	// ErrConnection indicates a connection error.
	ErrConnection = errors.New("connection error")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")
)

// Pool errors
var (
	// ErrPoolClosed is returned when operating on a pool that is closing or closed.
	ErrPoolClosed = fmt.Errorf("pool: %w", ErrClosed)

	// ErrInvalidBufferSize is returned for negative buffer sizes.
	ErrInvalidBufferSize = fmt.Errorf("pool: buffer size %w", ErrInvalidInput)

	// ErrInvalidSettings is returned when connection pool settings fail validation.
	ErrInvalidSettings = fmt.Errorf("connpool: settings %w", ErrInvalidInput)

	// ErrInvalidAddress is returned when an endpoint address cannot be normalized.
	ErrInvalidAddress = fmt.Errorf("connpool: address %w", ErrInvalidInput)

	// ErrLeaseTimeout is returned when a connection could not be obtained in time.
	ErrLeaseTimeout = fmt.Errorf("connpool: lease acquisition: %w", ErrTimeout)

	// ErrCircuitOpen is returned when dials to an endpoint are suspended
	// after repeated failures.
	ErrCircuitOpen = fmt.Errorf("connpool: endpoint circuit open: %w", ErrConnection)
)

// Demultiplexer errors
var (
	// ErrDemuxerClosed is returned when operating on a disposed demuxer.
	ErrDemuxerClosed = fmt.Errorf("demux: %w", ErrClosed)

	// ErrServerTooBusy is returned when a connection exceeds a pending bound.
	ErrServerTooBusy = fmt.Errorf("demux: server too busy: %w", ErrCapacity)

	// ErrPreambleTimeout is returned when the preamble was not received in time.
	ErrPreambleTimeout = fmt.Errorf("demux: preamble: %w", ErrTimeout)

	// ErrEndpointNotFound is returned when no listener accepts the preamble's via.
	ErrEndpointNotFound = fmt.Errorf("demux: endpoint %w", ErrNotFound)

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = fmt.Errorf("demux: already started: %w", ErrInvalidState)

	// ErrDispatchFailed is returned when a resolved connection could not be handed off.
	ErrDispatchFailed = fmt.Errorf("demux: connection dispatch failed: %w", ErrInternal)
)

// Transport errors
var (
	// ErrTransportNotOpen is returned when using a transport before Open.
	ErrTransportNotOpen = fmt.Errorf("transport: not open: %w", ErrInvalidState)

	// ErrTransportAlreadyOpen is returned when opening a transport twice.
	ErrTransportAlreadyOpen = fmt.Errorf("transport: already open: %w", ErrInvalidState)

	// ErrUnsupportedNetwork is returned for networks without a transport.
	ErrUnsupportedNetwork = fmt.Errorf("transport: unsupported network: %w", ErrInvalidInput)
)

// Framing errors
var (
	// ErrUnsupportedVersion is returned for an unknown framing version.
	ErrUnsupportedVersion = fmt.Errorf("framing: unsupported version: %w", ErrProtocol)

	// ErrUnsupportedMode is returned for an unknown framing mode.
	ErrUnsupportedMode = fmt.Errorf("framing: unsupported mode: %w", ErrProtocol)

	// ErrViaTooLong is returned when the via exceeds the configured bound.
	ErrViaTooLong = fmt.Errorf("framing: via too long: %w", ErrProtocol)

	// ErrContentTypeTooLong is returned when the content type exceeds the configured bound.
	ErrContentTypeTooLong = fmt.Errorf("framing: content type too long: %w", ErrProtocol)

	// ErrContentTypeInvalid is returned for an unknown known-encoding byte.
	ErrContentTypeInvalid = fmt.Errorf("framing: content type invalid: %w", ErrProtocol)

	// ErrUpgradeInvalid is returned for transport upgrade requests.
	ErrUpgradeInvalid = fmt.Errorf("framing: upgrade not supported: %w", ErrProtocol)

	// ErrUnexpectedRecord is returned when a record arrives out of order.
	ErrUnexpectedRecord = fmt.Errorf("framing: unexpected record: %w", ErrProtocol)

	// ErrSizeOverflow is returned when an encoded size exceeds 31 bits.
	ErrSizeOverflow = fmt.Errorf("framing: size overflow: %w", ErrProtocol)

	// ErrEnvelopeTooLarge is returned when a sized envelope exceeds the receive bound.
	ErrEnvelopeTooLarge = fmt.Errorf("framing: envelope too large: %w", ErrProtocol)

	// ErrRemoteFault is returned when the peer answered with a fault record.
	ErrRemoteFault = errors.New("framing: remote fault")
)

// Error is a structured error with a code and safe message.
// It implements the error interface and provides methods for
// error handling and response generation.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a safe, user-facing error message
	Message string `json:"message"`
	// Err is the underlying error (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// SafeMessage returns a client-safe error message without internal details.
func (e *Error) SafeMessage() string {
	return e.Message
}

// New creates a new structured error with the given code and message.
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and safe message.
// The original error is preserved for debugging but not exposed to clients.
func Wrap(code int, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapInternal wraps an internal error with a generic message.
func WrapInternal(err error) *Error {
	if err != nil {
		log.WithError(err).Debug("wrapping internal error")
	}
	return &Error{
		Code:    CodeInternal,
		Message: "internal error",
		Err:     err,
	}
}

// FromSentinel creates a structured error from a sentinel error.
// It automatically assigns an appropriate error code based on the error type.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    CodeOf(err),
		Message: err.Error(),
		Err:     err,
	}
}

// CodeOf maps an error to its category code.
func CodeOf(err error) int {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrCapacity):
		return CodeCapacity
	case errors.Is(err, ErrClosed):
		return CodeClosed
	case errors.Is(err, ErrProtocol):
		return CodeProtocol
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrInvalidState):
		return CodeState
	case errors.Is(err, ErrConnection):
		return CodeConnection
	default:
		return CodeInternal
	}
}

// IsTimeout returns true if the error indicates a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsClosed returns true if the error indicates a resource is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsCapacity returns true if the error indicates a capacity bound was hit.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrCapacity)
}

// IsProtocol returns true if the error indicates a framing violation.
func IsProtocol(err error) bool {
	return errors.Is(err, ErrProtocol)
}

// IsInvalidInput returns true if the error indicates invalid input.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}

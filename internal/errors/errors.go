// Package errors provides standardized error codes for the console core.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (transport, fetch, arbiter, config, storage)
//   - error: The specific error type within that domain
//
// Codes are stable so UI code can branch on them (for example to show the
// persistent "reconnect" affordance only for transport.max_attempts).
// Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Transport domain - push channel errors
	CodeTransportNotConnected = "transport.not_connected" // Emit attempted while not connected
	CodeTransportDialFailed   = "transport.dial_failed"   // Connect attempt failed or timed out
	CodeTransportSendFailed   = "transport.send_failed"   // Failed to queue or write a message
	CodeTransportMaxAttempts  = "transport.max_attempts"  // Reconnect attempt limit reached
	CodeTransportClosed       = "transport.closed"        // Link closed before an ack arrived
	CodeTransportBadEndpoint  = "transport.bad_endpoint"  // Origin could not be turned into a channel URL

	// Fetch domain - bulk-read errors
	CodeFetchStatus            = "fetch.status"             // Backend answered with a non-2xx status
	CodeFetchNetwork           = "fetch.network"            // Request never produced a response
	CodeFetchDecode            = "fetch.decode"             // Response body could not be decoded
	CodeFetchTimeout           = "fetch.timeout"            // Initial population exceeded its budget
	CodeFetchUnknownCollection = "fetch.unknown_collection" // Collection name not registered

	// Arbiter domain - advisory test-mode notifications
	CodeArbiterNotifyFailed = "arbiter.notify_failed" // Backend rejected a test-mode notification

	// Config domain
	CodeConfigInvalid     = "config.invalid"      // Value out of range or inconsistent
	CodeConfigNotFound    = "config.not_found"    // Explicit config path missing
	CodeConfigParseFailed = "config.parse_failed" // TOML could not be decoded

	// Storage domain - persisted client state
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// Identity domain
	CodeIdentityMissing = "identity.missing" // Operation requires a logged-in identity
	CodeIdentityInvalid = "identity.invalid" // Identity blob incomplete

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "fetch.status")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is what the UI layer uses to render an inline alert.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors.

// NotConnected creates a "transport.not_connected" error for an event
// that could not be sent.
func NotConnected(event string) *CodedError {
	return New(CodeTransportNotConnected, fmt.Sprintf("cannot emit %q: not connected", event))
}

// DialFailed creates a "transport.dial_failed" error.
func DialFailed(endpoint string, cause error) *CodedError {
	return Wrap(CodeTransportDialFailed, fmt.Sprintf("connect to %s failed", endpoint), cause)
}

// SendFailed creates a "transport.send_failed" error.
func SendFailed(event string, cause error) *CodedError {
	return Wrap(CodeTransportSendFailed, fmt.Sprintf("send %q failed", event), cause)
}

// MaxAttempts creates a "transport.max_attempts" error.
// This is the only transport failure surfaced to the operator.
func MaxAttempts(attempts int) *CodedError {
	return New(CodeTransportMaxAttempts, fmt.Sprintf("gave up after %d reconnect attempts", attempts))
}

// LinkClosed creates a "transport.closed" error for acks still pending
// when a link goes away.
func LinkClosed(event string) *CodedError {
	return New(CodeTransportClosed, fmt.Sprintf("connection closed before %q was acknowledged", event))
}

// BadEndpoint creates a "transport.bad_endpoint" error.
func BadEndpoint(origin string, cause error) *CodedError {
	return Wrap(CodeTransportBadEndpoint, fmt.Sprintf("invalid origin %q", origin), cause)
}

// FetchStatus creates a "fetch.status" error for a non-2xx bulk read.
func FetchStatus(collection string, status int, cause error) *CodedError {
	return Wrap(CodeFetchStatus, fmt.Sprintf("fetch %s: HTTP %d", collection, status), cause)
}

// FetchNetwork creates a "fetch.network" error.
func FetchNetwork(collection string, cause error) *CodedError {
	return Wrap(CodeFetchNetwork, fmt.Sprintf("fetch %s failed", collection), cause)
}

// FetchDecode creates a "fetch.decode" error.
func FetchDecode(collection string, cause error) *CodedError {
	return Wrap(CodeFetchDecode, fmt.Sprintf("decode %s response", collection), cause)
}

// FetchTimeout creates a "fetch.timeout" error.
func FetchTimeout(what string, cause error) *CodedError {
	return Wrap(CodeFetchTimeout, fmt.Sprintf("%s timed out", what), cause)
}

// UnknownCollection creates a "fetch.unknown_collection" error.
func UnknownCollection(name string) *CodedError {
	return New(CodeFetchUnknownCollection, fmt.Sprintf("collection %q is not registered", name))
}

// NotifyFailed creates an "arbiter.notify_failed" error.
func NotifyFailed(deviceID string, testMode bool, cause error) *CodedError {
	return Wrap(CodeArbiterNotifyFailed, fmt.Sprintf("test-mode=%t notification for %s failed", testMode, deviceID), cause)
}

// InvalidConfig creates a "config.invalid" error.
func InvalidConfig(field, reason string) *CodedError {
	return New(CodeConfigInvalid, fmt.Sprintf("%s: %s", field, reason))
}

// IdentityMissing creates an "identity.missing" error.
func IdentityMissing() *CodedError {
	return New(CodeIdentityMissing, "no session identity; log in first")
}

// IdentityInvalid creates an "identity.invalid" error.
func IdentityInvalid(reason string) *CodedError {
	return New(CodeIdentityInvalid, reason)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}

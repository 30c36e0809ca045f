package dbus

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the taxonomy from the error handling design.
// Use errors.Is to test for these; concrete errors returned by the
// package wrap one of these sentinels together with context.
var (
	ErrInvalidArgument        = errors.New("dbus: invalid argument")
	ErrTypeMismatch           = errors.New("dbus: type mismatch")
	ErrUnbalancedContainer    = errors.New("dbus: unbalanced container open/close")
	ErrVariantSignatureMismatch = errors.New("dbus: variant signature mismatch")
	ErrOutOfMemory            = errors.New("dbus: out of memory")
	ErrDisconnected           = errors.New("dbus: connection disconnected")
	ErrTimeout                = errors.New("dbus: call timed out")
	ErrCancelled              = errors.New("dbus: call cancelled")
	ErrNotAnError             = errors.New("dbus: message is not an error")
	ErrAlreadyOwned           = errors.New("dbus: name already owned by another connection")
	ErrAlreadyOwner           = errors.New("dbus: name already owned by this connection")
	ErrServiceNotAvailable    = errors.New("dbus: service has no owner")
	ErrPathAlreadyRegistered  = errors.New("dbus: object path already registered")
	ErrNotWritable            = errors.New("dbus: property is not writable")
	ErrReentrantBlockingCall  = errors.New("dbus: blocking call issued from the reactor goroutine")
	ErrNoExecutor             = errors.New("dbus: no executor installed")
	ErrTransportFull          = errors.New("dbus: outgoing queue is full")
	ErrResultFromWrongMessageKind = errors.New("dbus: Result.FromMessage called on a message that is neither method-return nor error")
	ErrNameInQueue                = errors.New("dbus: requested name is queued, not owned")
)

// TypeMismatchError carries the observed and expected wire types for a
// decode failure.
type TypeMismatchError struct {
	Expected Signature
	Observed Signature
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("dbus: type mismatch: expected %q, observed %q", e.Expected, e.Observed)
}

func (e *TypeMismatchError) Unwrap() error { return ErrTypeMismatch }

// VariantSignatureMismatchError carries the announced and expected inner
// signature of a typed variant decode.
type VariantSignatureMismatchError struct {
	Expected Signature
	Announced Signature
}

func (e *VariantSignatureMismatchError) Error() string {
	return fmt.Sprintf("dbus: variant signature mismatch: expected %q, wire announced %q", e.Expected, e.Announced)
}

func (e *VariantSignatureMismatchError) Unwrap() error { return ErrVariantSignatureMismatch }

// CallError is the daemon- or peer-supplied error carried by a D-Bus
// error message, i.e. the user-visible outcome of Result.Err for a
// remote failure (spec §7 "DaemonError" and general remote errors).
type CallError struct {
	Name    string
	Message string
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// NewCallError constructs a CallError, the shape every DBus.Error
// message decodes into.
func NewCallError(name, message string) *CallError {
	return &CallError{Name: name, Message: message}
}

// IsCallError reports whether err is (or wraps) a *CallError with the
// given error name, e.g. IsCallError(err, "org.freedesktop.DBus.Error.NoReply").
func IsCallError(err error, name string) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Name == name
	}
	return false
}

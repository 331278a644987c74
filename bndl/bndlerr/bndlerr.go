// Package bndlerr maps the error taxonomy of spec §7 onto
// github.com/grailbio/base/errors kinds, the same kind-matching mechanism
// the teacher (bigslice/exec) uses to distinguish fatal, retriable and
// lost-task errors.
package bndlerr

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// NotConnected reports that a peer closed or the transport dropped.
func NotConnected(format string, args ...interface{}) error {
	return errors.E(errors.Net, fmt.Sprintf(format, args...))
}

// IsNotConnected reports whether err is (or wraps) a NotConnected error.
func IsNotConnected(err error) bool {
	return errors.Is(errors.Net, err)
}

// Timeout reports that a local wait exceeded its deadline. The remote
// operation, if any, is not aborted by this alone.
func Timeout(format string, args ...interface{}) error {
	return errors.E(errors.Timeout, fmt.Sprintf(format, args...))
}

// IsTimeout reports whether err is a Timeout error.
func IsTimeout(err error) bool {
	return errors.Is(errors.Timeout, err)
}

// Cancelled reports that an operation or task was cancelled, locally or by
// the remote peer.
func Cancelled(format string, args ...interface{}) error {
	return errors.E(errors.Canceled, fmt.Sprintf(format, args...))
}

// IsCancelled reports whether err is a Cancelled error.
func IsCancelled(err error) bool {
	return errors.Is(errors.Canceled, err)
}

// TaskFailure reports a recoverable compute error: the stage may retry the
// task up to its configured attempt count.
func TaskFailure(format string, args ...interface{}) error {
	return errors.E(errors.Fatal, fmt.Sprintf(format, args...))
}

// IsTaskFailure reports whether err should be treated as a retriable task
// failure rather than a cluster-level fault.
func IsTaskFailure(err error) bool {
	return errors.Is(errors.Fatal, err) && !errors.Is(errors.Unavailable, err)
}

// CacheMiss reports that a cached partition is no longer present at its
// recorded cache location; this should trigger re-materialization upstream.
func CacheMiss(format string, args ...interface{}) error {
	return errors.E(errors.NotExist, fmt.Sprintf(format, args...))
}

// IsCacheMiss reports whether err is a CacheMiss error.
func IsCacheMiss(err error) bool {
	return errors.Is(errors.NotExist, err)
}

// ConfigError reports malformed configuration; fatal at startup.
func ConfigError(format string, args ...interface{}) error {
	return errors.E(errors.Invalid, fmt.Sprintf(format, args...))
}

// ProtocolError reports a frame or schema violation; fatal for the
// connection that produced it.
func ProtocolError(format string, args ...interface{}) error {
	return errors.E(errors.Invalid, fmt.Sprintf(format, args...))
}

// IsProtocolError reports whether err is a ProtocolError.
func IsProtocolError(err error) bool {
	return errors.Is(errors.Invalid, err)
}

// InvocationException wraps an error raised by a remote method. Kind is
// the coarse class the remote side sorted the error into (NotConnected,
// Timeout, Cancelled, CacheMiss or Error in the rmi package), not its Go
// type name; Message is its message. The rmi package sends no stack
// trace, so Stack is empty for the exceptions it reconstructs.
type InvocationException struct {
	Peer    string
	Kind    string
	Message string
	Stack   string
	cause   error
}

func NewInvocationException(peer, kind, message, stack string, cause error) *InvocationException {
	return &InvocationException{Peer: peer, Kind: kind, Message: message, Stack: stack, cause: cause}
}

func (e *InvocationException) Error() string {
	return fmt.Sprintf("invocation on %s raised %s: %s", e.Peer, e.Kind, e.Message)
}

// Unwrap returns the cause given to NewInvocationException. The rmi
// package passes a plain error holding only the remote message, so the
// remote error's kind is available through Kind, not through Unwrap.
func (e *InvocationException) Unwrap() error {
	return e.cause
}

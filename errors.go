package tlsecho

import (
	"errors"
	"fmt"
)

// ErrShutdown is the cancellation signal. A session that
// exits because the server is stopping reports it; it
// is not a failure.
var ErrShutdown = fmt.Errorf("shutting down")

// ErrIdleTimeout marks a session closed by the server
// after Config.IdleTimeout without traffic. Not a failure.
var ErrIdleTimeout = fmt.Errorf("idle timeout")

// ErrDuplicateIdentity is returned by Registry.Add when
// the identity is already live. It indicates a bug in
// identity assignment, and only the offending
// registration is rejected.
var ErrDuplicateIdentity = fmt.Errorf("duplicate connection identity")

var ErrAlreadyStarted = fmt.Errorf("server already started")
var ErrNotStarted = fmt.Errorf("server not started")

// HandshakeError reports a failed TLS or QUIC handshake:
// bad or missing certificates, protocol mismatch, or the
// handshake timeout. It only ever ends the one session.
type HandshakeError struct {
	Remote Identity
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with '%v' failed: %v", e.Remote, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ChannelError is a read or write failure on an
// established channel: peer reset, broken pipe, or use
// after Close. Ends that session only; never retried.
type ChannelError struct {
	Op     string // "read" or "write"
	Remote Identity
	Err    error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%v on '%v' failed: %v", e.Op, e.Remote, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// IsHandshakeError reports whether err is, or wraps, a *HandshakeError.
func IsHandshakeError(err error) bool {
	var he *HandshakeError
	return errors.As(err, &he)
}

// IsChannelError reports whether err is, or wraps, a *ChannelError.
func IsChannelError(err error) bool {
	var ce *ChannelError
	return errors.As(err, &ce)
}

// ExitReason says why a session left the Active state.
type ExitReason int32

const (
	ExitUnknown ExitReason = iota
	ExitPeerClosed
	ExitIdleTimeout
	ExitCancelled
	ExitChannelFailure
	ExitHandshakeFailure
	ExitRejected // duplicate identity
	numExitReasons
)

func (r ExitReason) String() string {
	switch r {
	case ExitPeerClosed:
		return "PeerClosed"
	case ExitIdleTimeout:
		return "IdleTimeout"
	case ExitCancelled:
		return "Cancelled"
	case ExitChannelFailure:
		return "ChannelFailure"
	case ExitHandshakeFailure:
		return "HandshakeFailure"
	case ExitRejected:
		return "Rejected"
	}
	return "Unknown"
}

// exitReasonFor classifies the error a session exits with.
func exitReasonFor(err error) ExitReason {
	switch {
	case err == nil:
		return ExitPeerClosed
	case errors.Is(err, ErrIdleTimeout):
		return ExitIdleTimeout
	case errors.Is(err, ErrShutdown):
		return ExitCancelled
	case errors.Is(err, ErrDuplicateIdentity):
		return ExitRejected
	case IsHandshakeError(err):
		return ExitHandshakeFailure
	}
	return ExitChannelFailure
}

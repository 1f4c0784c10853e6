// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"errors"
	"fmt"

	"storm.im/xmpp/stream"
)

// Error is the base type returned by every phase of negotiation; the more
// specific ConnError, ProtoError, and AuthError all satisfy it too by
// embedding it.
type Error struct {
	// Phase names the negotiation step that failed, eg. "starttls" or
	// "bind".
	Phase string
	Err   error
}

func (e *Error) Error() string {
	if e.Phase == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("xmpp: %s: %v", e.Phase, e.Err)
}

// Unwrap supports errors.Is/errors.As against the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// ConnError wraps a failure at the transport: a dial that never connected,
// or a read/write that failed on an already-established connection.
type ConnError struct {
	*Error
}

func newConnError(phase string, err error) error {
	return &ConnError{&Error{Phase: phase, Err: err}}
}

// ProtoError wraps a violation of the XML stream protocol itself: malformed
// XML, an unexpected element where a specific one was required, or a
// received <stream:error/>.
type ProtoError struct {
	*Error
	// Stream is the stream-level error condition, when the peer sent one.
	Stream *stream.Error
}

func newProtoError(phase string, err error) error {
	var streamErr stream.Error
	if errors.As(err, &streamErr) {
		return &ProtoError{&Error{Phase: phase, Err: err}, &streamErr}
	}
	return &ProtoError{Error: &Error{Phase: phase, Err: err}}
}

// AuthError wraps a SASL or component-handshake authentication failure.
type AuthError struct {
	*Error
	// Mechanism is the SASL mechanism that was attempted, or "" for the
	// component handshake.
	Mechanism string
}

func newAuthError(mechanism string, err error) error {
	return &AuthError{&Error{Phase: "auth", Err: err}, mechanism}
}

// Sentinel causes wrapped by the above, so callers can match with
// errors.Is without caring which phase produced them.
var (
	// ErrNoCommonMechanism is returned by ClientAuth when the server
	// advertises no SASL mechanism this package implements.
	ErrNoCommonMechanism = errors.New("xmpp: no mutually supported SASL mechanism")
	// ErrNotAuthorized is returned when the server rejects the component
	// secret, and by ClientAuth when a SASL <failure/> names no defined
	// condition (a failure that names one reports that condition instead).
	ErrNotAuthorized = errors.New("xmpp: not authorized")
	// ErrStreamClosed is returned by Next once EventDisconnected has been
	// delivered.
	ErrStreamClosed = errors.New("xmpp: stream closed")
	// ErrNoTLS is returned by DialClient/NewClient when the server's
	// <stream:features/> do not advertise STARTTLS and the caller has not
	// set ClientConfig.DisableStartTLS: RFC 6120 §5 opportunistic TLS is
	// treated as mandatory by default rather than silently downgrading to
	// a plaintext channel before authentication.
	ErrNoTLS = errors.New("xmpp: server did not advertise STARTTLS")
)

// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package xmpp

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"storm.im/xmpp/codec"
	"storm.im/xmpp/internal/ns"
)

// ErrTLSUpgradeFailed is returned by StartTls when the underlying
// connection does not implement net.Conn and so cannot be wrapped with
// crypto/tls.
var ErrTLSUpgradeFailed = errors.New("xmpp: the underlying connection cannot be upgraded to TLS")

// hasStartTLS reports whether the most recently received stream features
// advertised STARTTLS, and whether the server marked it required.
func hasStartTLS(x *xmppStream) (offered, required bool) {
	el, ok := x.Features["starttls"]
	if !ok || el.Namespace != ns.StartTLS {
		return false, false
	}
	return true, el.Child(ns.StartTLS, "required") != nil
}

// StartTls negotiates RFC 6120 §5's STARTTLS extension: it requests the
// upgrade, waits for <proceed/>, wraps the transport in a TLS client
// connection, and restarts the XML stream over it (the old parser's
// notion of "current stream" does not survive a transport swap, so the
// stream's codec is discarded and replaced along with the net.Conn).
//
// If the server responds with <failure/> the connection is left exactly as
// RFC 6120 §5.4.2.2 requires: still open and unencrypted, with the stream
// about to be closed by the peer. StartTls returns nil in that case only
// when required reports the feature was not mandatory; otherwise it
// returns a ProtoError.
func StartTls(ctx context.Context, x *xmppStream, tlsConfig *tls.Config, serverName string) error {
	offered, required := hasStartTLS(x)
	if !offered {
		if required {
			return newProtoError("starttls", errors.New("xmpp: server requires STARTTLS but did not advertise it"))
		}
		return nil
	}

	netConn, ok := x.conn().(net.Conn)
	if !ok {
		return newConnError("starttls", ErrTLSUpgradeFailed)
	}

	start := codec.NewElement(ns.StartTLS, "starttls")
	if err := codec.EncodeStanza(x.conn(), start); err != nil {
		return newConnError("starttls", err)
	}

	pkt, err := x.next(ctx)
	if err != nil {
		return newConnError("starttls", err)
	}
	stanza, ok := pkt.(codec.Stanza)
	if !ok || stanza.Root.Namespace != ns.StartTLS {
		return newProtoError("starttls", errors.New("xmpp: expected <proceed/> or <failure/> from urn:ietf:params:xml:ns:xmpp-tls"))
	}
	switch stanza.Root.Name {
	case "failure":
		if required {
			return newProtoError("starttls", errors.New("xmpp: server refused a required STARTTLS upgrade"))
		}
		return nil
	case "proceed":
		// fall through
	default:
		return newProtoError("starttls", errors.New("xmpp: unexpected element in the STARTTLS namespace: "+stanza.Root.Name))
	}

	cfg := tlsConfig
	if cfg == nil {
		cfg = &tls.Config{ServerName: serverName}
	} else if cfg.ServerName == "" {
		clone := cfg.Clone()
		clone.ServerName = serverName
		cfg = clone
	}

	tlsConn := tls.Client(netConn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return newConnError("starttls", err)
	}

	x.restart(tlsConn)
	return nil
}

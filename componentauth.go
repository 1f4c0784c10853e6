// Copyright 2017 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"

	"storm.im/xmpp/codec"
	"storm.im/xmpp/internal/ns"
)

// ComponentAuth performs the XEP-0114 component handshake for the
// initiating entity: after the stream has been opened (there is no
// STARTTLS, SASL, or resource bind step in this protocol, and no
// <stream:features/> to wait for), it hashes the server-announced stream
// ID with the shared secret and sends the result as a <handshake/>.
//
// x.ID must already hold the stream ID the server announced in its
// opening tag (StreamStart records it there as a side effect).
func ComponentAuth(ctx context.Context, x *xmppStream, secret string) error {
	if x.ID == "" {
		return newProtoError("component-auth", errors.New("xmpp: server did not announce a stream id"))
	}

	h := sha1.New()
	h.Write([]byte(x.ID))
	h.Write([]byte(secret))
	digest := fmt.Sprintf("%x", h.Sum(nil))

	handshake := codec.NewElement(ns.Component, "handshake").WithText(digest)
	if err := codec.EncodeStanza(x.conn(), handshake); err != nil {
		return newConnError("component-auth", err)
	}

	pkt, err := x.next(ctx)
	if err != nil {
		return newConnError("component-auth", err)
	}
	stanza, ok := pkt.(codec.Stanza)
	if !ok {
		return newProtoError("component-auth", errors.New("xmpp: expected <handshake/> or <error/> from the server"))
	}

	switch stanza.Root.Name {
	case "handshake":
		return nil
	case "error":
		return newAuthError("", ErrNotAuthorized)
	default:
		return newProtoError("component-auth", errors.New("xmpp: unexpected element after handshake: "+stanza.Root.Name))
	}
}

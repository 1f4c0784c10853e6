// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"crypto/tls"
	"errors"

	"mellium.im/sasl"
	"storm.im/xmpp/codec"
	"storm.im/xmpp/internal/ns"
)

// DefaultMechanisms is the SASL mechanism preference order this package
// negotiates in, strongest first: SCRAM-SHA-256, then SCRAM-SHA-1, then
// PLAIN (which requires an already-secured channel), then ANONYMOUS.
func DefaultMechanisms() []sasl.Mechanism {
	return []sasl.Mechanism{
		sasl.ScramSha256,
		sasl.ScramSha1,
		sasl.Plain,
		sasl.Anonymous,
	}
}

// offeredMechanisms reads the <mechanism/> children of the most recently
// received <mechanisms/> feature.
func offeredMechanisms(x *xmppStream) []string {
	el, ok := x.Features["mechanisms"]
	if !ok || el.Namespace != ns.SASL {
		return nil
	}
	var names []string
	for _, child := range el.Children {
		if m, ok := child.(*codec.Element); ok && m.Name == "mechanism" {
			names = append(names, m.Text())
		}
	}
	return names
}

func selectMechanism(preferred []sasl.Mechanism, offered []string) (sasl.Mechanism, bool) {
	for _, m := range preferred {
		for _, name := range offered {
			if name == m.Name {
				return m, true
			}
		}
	}
	return sasl.Mechanism{}, false
}

// ClientAuth performs RFC 6120 §6's SASL negotiation for the initiating
// entity: it selects the strongest mutually supported mechanism, drives
// the SASL state machine to completion, and restarts the XML stream on
// success (RFC 6120 §6.4.6) so that authentication, like STARTTLS, starts
// the parser over from a clean slate.
//
// When the transport is a *tls.Conn, its connection state is passed to the
// SASL client, so mechanisms that bind to the channel (SCRAM's "-PLUS"
// variants, when added) can use it; otherwise none is passed.
func ClientAuth(ctx context.Context, x *xmppStream, localpart, identity, password string, mechanisms ...sasl.Mechanism) error {
	if len(mechanisms) == 0 {
		mechanisms = DefaultMechanisms()
	}
	offered := offeredMechanisms(x)
	selected, ok := selectMechanism(mechanisms, offered)
	if !ok {
		return newAuthError("", ErrNoCommonMechanism)
	}

	opts := []sasl.Option{
		sasl.Authz(identity),
		sasl.Credentials(localpart, password),
		sasl.RemoteMechanisms(offered...),
	}
	if conn, ok := x.conn().(*tls.Conn); ok {
		opts = append(opts, sasl.ConnState(conn.ConnectionState()))
	}
	client := sasl.NewClient(selected, opts...)

	more, resp, err := client.Step(nil)
	if err != nil {
		return newAuthError(selected.Name, err)
	}
	// RFC 6120 §6.4.2: a zero-length initial response is sent as a literal
	// "=" rather than an empty element.
	if len(resp) == 0 {
		resp = []byte{'='}
	}

	authEl := codec.NewElement(ns.SASL, "auth").WithAttr("mechanism", selected.Name)
	if len(resp) > 0 {
		authEl.WithText(string(resp))
	}
	if err := codec.EncodeStanza(x.conn(), authEl); err != nil {
		return newConnError("auth", err)
	}

	for {
		pkt, err := x.next(ctx)
		if err != nil {
			return newConnError("auth", err)
		}
		stanza, ok := pkt.(codec.Stanza)
		if !ok || stanza.Root.Namespace != ns.SASL {
			return newProtoError("auth", errors.New("xmpp: expected a SASL response element"))
		}

		switch stanza.Root.Name {
		case "failure":
			return newAuthError(selected.Name, authFailureError(stanza.Root))
		case "challenge", "success":
			challenge := []byte(stanza.Root.Text())
			finished := stanza.Root.Name == "success"
			if !more {
				// The server sent a challenge/success after we declared
				// we had nothing more to say; only success is valid here.
				if !finished {
					return newProtoError("auth", errors.New("xmpp: unexpected SASL challenge after client completion"))
				}
				x.restart(nil)
				return nil
			}

			more, resp, err = client.Step(challenge)
			if err != nil {
				return newAuthError(selected.Name, err)
			}
			if finished {
				if more {
					return newProtoError("auth", errors.New("xmpp: server declared success but SASL mechanism wants another step"))
				}
				x.restart(nil)
				return nil
			}

			respEl := codec.NewElement(ns.SASL, "response").WithText(string(resp))
			if err := codec.EncodeStanza(x.conn(), respEl); err != nil {
				return newConnError("auth", err)
			}
		default:
			return newProtoError("auth", errors.New("xmpp: unexpected element in the SASL namespace: "+stanza.Root.Name))
		}
	}
}

// authFailureError extracts the defined-condition child of a <failure/>
// element, falling back to ErrNotAuthorized's text when the server omitted
// one (servers are not required to include a condition, RFC 6120 §6.5).
func authFailureError(el *codec.Element) error {
	for _, child := range el.Children {
		if c, ok := child.(*codec.Element); ok {
			return errors.New("xmpp: SASL authentication failed: " + c.Name)
		}
	}
	return ErrNotAuthorized
}

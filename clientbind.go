// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package xmpp

import (
	"context"
	"errors"

	"storm.im/xmpp/codec"
	"storm.im/xmpp/internal/ns"
	"storm.im/xmpp/jid"
)

// bindReqID is the fixed id RFC 6120 §7.2 uses for the resource-binding
// IQ: unlike stream and stanza ids elsewhere, the bind request is the only
// message in flight on the stream at the time it's sent, so a random id
// buys nothing and a literal one is easier to recognize on the wire.
const bindReqID = "resource-bind"

// ClientBind performs RFC 6120 §7's resource binding for the initiating
// entity. If resource is empty the server is asked to generate one;
// otherwise the client's preferred resourcepart is requested (the server
// may still override it). It returns the full JID the server actually
// bound.
func ClientBind(ctx context.Context, x *xmppStream, resource string) (jid.JID, error) {
	reqID := bindReqID

	bind := codec.NewElement(ns.Bind, "bind")
	if resource != "" {
		bind.WithChild(codec.NewElement(ns.Bind, "resource").WithText(resource))
	}
	iq := codec.NewElement(ns.Client, "iq").
		WithAttr("id", reqID).
		WithAttr("type", "set").
		WithChild(bind)
	if err := codec.EncodeStanza(x.conn(), iq); err != nil {
		return jid.JID{}, newConnError("bind", err)
	}

	for {
		pkt, err := x.next(ctx)
		if err != nil {
			return jid.JID{}, newConnError("bind", err)
		}
		stanza, ok := pkt.(codec.Stanza)
		if !ok || stanza.Root.Name != "iq" {
			return jid.JID{}, newProtoError("bind", errors.New("xmpp: expected an <iq/> response to the bind request"))
		}
		if id, _ := stanza.Root.Attr("id"); id != reqID {
			// Not our response; a well-behaved server won't interleave
			// other traffic before bind completes, but don't wedge if it
			// does.
			continue
		}

		typ, _ := stanza.Root.Attr("type")
		switch typ {
		case "result":
			bound := stanza.Root.Child(ns.Bind, "bind")
			if bound == nil {
				return jid.JID{}, newProtoError("bind", errors.New("xmpp: bind result missing <bind/> child"))
			}
			jidEl := bound.Child(ns.Bind, "jid")
			if jidEl == nil {
				return jid.JID{}, newProtoError("bind", errors.New("xmpp: bind result missing <jid/> child"))
			}
			bare, err := jid.Parse(jidEl.Text())
			if err != nil {
				return jid.JID{}, newProtoError("bind", err)
			}
			return bare, nil
		case "error":
			return jid.JID{}, newProtoError("bind", bindErrorFrom(stanza.Root))
		default:
			return jid.JID{}, newProtoError("bind", errors.New("xmpp: unexpected iq type in bind response: "+typ))
		}
	}
}

func bindErrorFrom(iq *codec.Element) error {
	errEl := iq.Child(ns.Client, "error")
	if errEl == nil {
		return errors.New("xmpp: resource binding failed")
	}
	for _, child := range errEl.Children {
		if c, ok := child.(*codec.Element); ok {
			return errors.New("xmpp: resource binding failed: " + c.Name)
		}
	}
	return errors.New("xmpp: resource binding failed")
}

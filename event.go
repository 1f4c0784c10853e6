// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import "storm.im/xmpp/codec"

// EventKind names the three things Client.Next / Component.Next can
// surface to a caller.
type EventKind int

const (
	// EventOnline reports that negotiation completed and the stream is
	// ready to send and receive stanzas. It is always the first event a
	// freshly-negotiated Client or Component produces.
	EventOnline EventKind = iota
	// EventStanza carries one top-level iq, message, or presence that was
	// not claimed by a pending SendIQ waiter.
	EventStanza
	// EventDisconnected reports that the peer closed its half of the
	// stream (or the transport otherwise ended). It is surfaced exactly
	// once; further calls to Next return ErrStreamClosed.
	EventDisconnected
)

// Event is what Client.Next and Component.Next yield.
type Event struct {
	Kind   EventKind
	Stanza *codec.Element // set only when Kind == EventStanza
}

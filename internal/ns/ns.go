// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ns provides namespace constants used across the xmpp module.
package ns // import "storm.im/xmpp/internal/ns"

// Namespaces used to negotiate and frame an XMPP stream.
const (
	Stream      = "http://etherx.jabber.org/streams"
	StreamError = "urn:ietf:params:xml:ns:xmpp-streams"
	Client      = "jabber:client"
	Component   = "jabber:component:accept"
	StartTLS    = "urn:ietf:params:xml:ns:xmpp-tls"
	SASL        = "urn:ietf:params:xml:ns:xmpp-sasl"
	Bind        = "urn:ietf:params:xml:ns:xmpp-bind"
	XML         = "http://www.w3.org/XML/1998/namespace"
)

// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmpp implements an asynchronous XMPP (RFC 6120) client and XEP-0114
// component library on top of any io.ReadWriteCloser transport.
//
// A Client drives the standard client-to-server negotiation: it connects
// (optionally racing candidate addresses via the dial package), opens the
// XML stream, upgrades it with STARTTLS, authenticates with SASL, and binds
// a resource. A Component instead performs the much shorter XEP-0114
// handshake. Both expose the same Send/Next surface once negotiation
// finishes, so application code rarely needs to care which one it is
// holding.
package xmpp // import "storm.im/xmpp"

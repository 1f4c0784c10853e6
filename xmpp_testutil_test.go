// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

// primeStream feeds x's codec a synthetic stream-opening tag so that the
// next element it decodes is recognized as a top-level stanza (the codec
// treats the very first start tag it ever sees as the stream root) and so
// that unprefixed children resolve against the jabber:client default
// namespace the way they would inside a real, already-negotiated stream.
func primeStream(x *xmppStream) {
	_, _ = x.raw.codec.Decode([]byte(`<stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams">`))
}

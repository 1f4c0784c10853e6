// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"fmt"

	"storm.im/xmpp/codec"
	"storm.im/xmpp/internal"
	"storm.im/xmpp/internal/ns"
	"storm.im/xmpp/stream"
)

// DefaultVersion is the RFC 6120 stream version this package negotiates.
const DefaultVersion = "1.0"

// streamHeader holds the fields needed to write an opening <stream:stream>
// tag, and the fields recovered from reading one.
type streamHeader struct {
	To, From, Lang, Version, ID string
}

// sendStreamStart writes the opening stream tag for either a client/server
// stream (rootNS == ns.Client) or a component stream
// (rootNS == ns.Component).
func sendStreamStart(x *xmppStream, rootNS string, hdr streamHeader) error {
	attrs := []codec.Attr{
		{Name: "xmlns:stream", Value: ns.Stream},
		{Name: "xmlns", Value: rootNS},
		{Name: "version", Value: hdr.Version},
	}
	if hdr.To != "" {
		attrs = append(attrs, codec.Attr{Name: "to", Value: hdr.To})
	}
	if hdr.From != "" {
		attrs = append(attrs, codec.Attr{Name: "from", Value: hdr.From})
	}
	if hdr.Lang != "" {
		attrs = append(attrs, codec.Attr{Name: "xml:lang", Value: hdr.Lang})
	}
	if hdr.ID != "" {
		attrs = append(attrs, codec.Attr{Name: "id", Value: hdr.ID})
	}
	return codec.EncodeStreamStart(x.conn(), attrs)
}

// expectStreamStart reads packets until the opening <stream:stream> tag
// arrives, returning the header it announced. A <stream:error/> received
// in its place is translated into a ProtoError carrying the stream.Error;
// anything else is BadFormat.
func expectStreamStart(ctx context.Context, x *xmppStream) (streamHeader, error) {
	for {
		pkt, err := x.next(ctx)
		if err != nil {
			return streamHeader{}, newConnError("stream-start", err)
		}
		switch p := pkt.(type) {
		case codec.StreamStart:
			hdr := streamHeader{Version: "0.9"}
			if v, ok := p.Attr("version"); ok {
				hdr.Version = v
			}
			if v, ok := p.Attr("to"); ok {
				hdr.To = v
			}
			if v, ok := p.Attr("from"); ok {
				hdr.From = v
			}
			if v, ok := p.Attr("lang"); ok {
				hdr.Lang = v
			}
			if v, ok := p.Attr("id"); ok {
				hdr.ID = v
			}
			x.ID = hdr.ID
			return hdr, nil
		case codec.Stanza:
			if p.Root.Namespace == ns.Stream && p.Root.Name == "error" {
				return streamHeader{}, newProtoError("stream-start", streamErrorFromElement(p.Root))
			}
			return streamHeader{}, newProtoError("stream-start", stream.BadFormat)
		case codec.ParserError:
			return streamHeader{}, newProtoError("stream-start", p)
		default:
			// Whitespace keep-alives are legal before the stream header;
			// anything else this early is a protocol violation.
		}
	}
}

// streamErrorFromElement reconstructs a stream.Error from a decoded
// <stream:error/> element: the first child in the stream namespace names
// the condition, an optional sibling <text/> supplies the human-readable
// description.
func streamErrorFromElement(el *codec.Element) stream.Error {
	var cond, text string
	for _, child := range el.Children {
		ce, ok := child.(*codec.Element)
		if !ok || ce.Namespace != ns.StreamError {
			continue
		}
		if ce.Name == "text" {
			text = ce.Text()
			continue
		}
		if cond == "" {
			cond = ce.Name
		}
	}
	if cond == "" {
		cond = "undefined-condition"
	}
	return stream.Error{Condition: cond, Text: text}
}

// waitForFeatures reads packets until <stream:features/> arrives, storing
// each advertised feature by element name for later inspection.
func waitForFeatures(ctx context.Context, x *xmppStream) error {
	for {
		pkt, err := x.next(ctx)
		if err != nil {
			return newConnError("features", err)
		}
		stanza, ok := pkt.(codec.Stanza)
		if !ok {
			continue
		}
		if stanza.Root.Namespace == ns.Stream && stanza.Root.Name == "error" {
			return newProtoError("features", streamErrorFromElement(stanza.Root))
		}
		if stanza.Root.Namespace != ns.Stream || stanza.Root.Name != "features" {
			return newProtoError("features", fmt.Errorf("xmpp: unexpected element %s/%s before stream:features", stanza.Root.Namespace, stanza.Root.Name))
		}
		features := make(map[string]*codec.Element, len(stanza.Root.Children))
		for _, child := range stanza.Root.Children {
			if el, ok := child.(*codec.Element); ok {
				features[el.Name] = el
			}
		}
		x.Features = features
		return nil
	}
}

// openStream sends the opening tag and reads the peer's in reply. It is
// shared by both the client (jabber:client) and component
// (jabber:component:accept) protocols; only the client protocol follows it
// with a <stream:features/> wait, since XEP-0114 has no feature
// negotiation step at all.
func openStream(ctx context.Context, x *xmppStream, rootNS string, hdr streamHeader) (streamHeader, error) {
	if err := sendStreamStart(x, rootNS, hdr); err != nil {
		return streamHeader{}, newConnError("stream-start", err)
	}
	return expectStreamStart(ctx, x)
}

// StreamStart performs the RFC 6120 §4.2-4.3 opening exchange for an
// initiating client-to-server entity: it sends the opening tag, reads the
// peer's, and waits for the resulting <stream:features/>.
func StreamStart(ctx context.Context, x *xmppStream, rootNS string, hdr streamHeader) (streamHeader, error) {
	peer, err := openStream(ctx, x, rootNS, hdr)
	if err != nil {
		return streamHeader{}, err
	}
	if err := waitForFeatures(ctx, x); err != nil {
		return streamHeader{}, err
	}
	return peer, nil
}

// ComponentStreamStart performs the XEP-0114 opening exchange: it sends
// the opening tag and reads the peer's, but does not wait for stream
// features (the component protocol has none).
func ComponentStreamStart(ctx context.Context, x *xmppStream, hdr streamHeader) (streamHeader, error) {
	return openStream(ctx, x, ns.Component, hdr)
}

// newStreamID returns a fresh stream identifier suitable for advertising on
// a stream we are opening as the receiving entity.
func newStreamID() string {
	return internal.RandomID()
}

// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"io"
	"sync"

	"storm.im/xmpp/codec"
)

// rawStream turns a byte-oriented io.ReadWriter into a sequence of
// codec.Packet values, reading only as much as is needed to produce the
// next one. It is torn down and replaced by xmppStream.restart after
// STARTTLS and after SASL, exactly as RFC 6120 §5.4.3.3 and §6.4.6 require:
// the old XML parser's notion of "current stream" cannot survive either
// restart, so neither can this.
type rawStream struct {
	rw      io.ReadWriter
	codec   *codec.Codec
	scratch []byte
	pending []codec.Packet
}

func newRawStream(rw io.ReadWriter) *rawStream {
	return &rawStream{
		rw:      rw,
		codec:   codec.New(),
		scratch: make([]byte, 4096),
	}
}

// next returns the next Packet the stream produces, blocking on reads from
// the underlying transport until one is available or ctx is done.
func (s *rawStream) next(ctx context.Context) (codec.Packet, error) {
	for len(s.pending) == 0 {
		n, err := s.read(ctx)
		if n > 0 {
			pkts, derr := s.codec.Decode(s.scratch[:n])
			if derr != nil {
				return nil, derr
			}
			s.pending = append(s.pending, pkts...)
		}
		if err != nil && len(s.pending) == 0 {
			return nil, err
		}
		if err != nil {
			break
		}
	}
	pkt := s.pending[0]
	s.pending = s.pending[1:]
	return pkt, nil
}

// read performs one Read against the underlying transport, but abandons it
// (closing the transport, if possible, to unblock the in-flight call) the
// moment ctx is done.
func (s *rawStream) read(ctx context.Context) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := s.rw.Read(s.scratch)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		return r.n, r.err
	case <-ctx.Done():
		if c, ok := s.rw.(io.Closer); ok {
			_ = c.Close()
		}
		<-done
		return 0, ctx.Err()
	}
}

// write sends already-serialized bytes directly to the transport. Callers
// use the codec.Encode* helpers rather than this method in practice.
func (s *rawStream) write(p []byte) error {
	_, err := s.rw.Write(p)
	return err
}

// xmppStream pairs a rawStream with the negotiated identity of the current
// connection: the peer's declared stream ID, the most recent stream
// features, and to/from addressing. It is the shared state threaded through every
// negotiation phase.
type xmppStream struct {
	mu     sync.Mutex
	raw    *rawStream
	origin string // our declared "from"
	peer   string // the peer's declared "from" (server) or "to" (server's view of us)

	// ID is the stream ID the peer announced in its <stream:stream>, used
	// by the component handshake's SHA-1 digest (RFC XEP-0114 §4).
	ID string
	// Features holds the most recently received <stream:features/>
	// advertisement, keyed by feature element name.
	Features map[string]*codec.Element
}

// newXMPPStream wraps rw for negotiation.
func newXMPPStream(rw io.ReadWriter, origin string) *xmppStream {
	return &xmppStream{
		raw:    newRawStream(rw),
		origin: origin,
	}
}

// restart discards the current XML parser state (and, when rw is non-nil,
// swaps in a new transport such as the TLS-wrapped connection STARTTLS
// produces). It sends nothing; the caller performs the fresh stream header
// exchange afterwards.
func (x *xmppStream) restart(rw io.ReadWriter) {
	if rw == nil {
		rw = x.raw.rw
	}
	x.raw = newRawStream(rw)
	x.Features = nil
}

// conn exposes the transport currently backing the stream, for phases (like
// STARTTLS) that need to wrap it in a new layer.
func (x *xmppStream) conn() io.ReadWriter {
	return x.raw.rw
}

func (x *xmppStream) next(ctx context.Context) (codec.Packet, error) {
	return x.raw.next(ctx)
}

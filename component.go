// Copyright 2017 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"io"
	"net"
	"sync"

	"storm.im/xmpp/codec"
	"storm.im/xmpp/dial"
	"storm.im/xmpp/jid"
)

// ComponentConfig configures DialComponent and NewComponent.
type ComponentConfig struct {
	// Secret is the shared password configured on the server for this
	// component's domain.
	Secret string
	// Dialer overrides the default Happy Eyeballs dial.Connecter.
	Dialer *dial.Connecter
}

// Component drives the XEP-0114 external component handshake: connect,
// open a jabber:component:accept stream, and authenticate with the shared
// secret. Unlike Client there is no STARTTLS, SASL, or resource bind step.
type Component struct {
	mu           sync.Mutex
	state        ClientState
	stream       *xmppStream
	conn         io.ReadWriteCloser
	domain       jid.JID
	iqs          *iqTracker
	onlineSent   bool
	disconnected bool
}

// DialComponent connects to addr (the component port configured on the
// server, not the domain's usual SRV records — XEP-0114 deployments
// conventionally listen on a dedicated port rather than being discoverable
// the way client or server-to-server connections are) and authenticates as
// domain.
func DialComponent(ctx context.Context, domain jid.JID, addr string, cfg ComponentConfig) (*Component, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newConnError("dial", err)
	}
	return NewComponent(ctx, domain, conn, cfg)
}

// NewComponent runs the component handshake over an already-connected
// transport.
func NewComponent(ctx context.Context, domain jid.JID, rwc io.ReadWriteCloser, cfg ComponentConfig) (*Component, error) {
	c := &Component{
		state:  StateConnecting,
		stream: newXMPPStream(rwc, domain.String()),
		conn:   rwc,
		domain: domain,
		iqs:    newIQTracker(),
	}

	c.state = StateStreamNegotiation
	if _, err := ComponentStreamStart(ctx, c.stream, streamHeader{To: domain.Domain()}); err != nil {
		c.state = StateFailed
		return nil, err
	}

	c.state = StateAuthenticating
	if err := ComponentAuth(ctx, c.stream, cfg.Secret); err != nil {
		c.state = StateFailed
		return nil, err
	}

	c.state = StateOnline
	return c, nil
}

// State reports where in the negotiation lifecycle the Component is.
func (c *Component) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Next blocks until the next Event is available, in the same EventOnline /
// EventStanza / EventDisconnected sequence as Client.Next.
func (c *Component) Next(ctx context.Context) (Event, error) {
	c.mu.Lock()
	if !c.onlineSent {
		c.onlineSent = true
		c.mu.Unlock()
		return Event{Kind: EventOnline}, nil
	}
	if c.disconnected {
		c.mu.Unlock()
		return Event{}, ErrStreamClosed
	}
	c.mu.Unlock()

	for {
		pkt, err := c.stream.next(ctx)
		if err != nil {
			if err == io.EOF {
				c.mu.Lock()
				c.disconnected = true
				c.mu.Unlock()
				return Event{Kind: EventDisconnected}, nil
			}
			return Event{}, newConnError("next", err)
		}
		switch p := pkt.(type) {
		case codec.StreamEnd:
			c.mu.Lock()
			c.disconnected = true
			c.mu.Unlock()
			return Event{Kind: EventDisconnected}, nil
		case codec.Stanza:
			if c.iqs.dispatch(p.Root) {
				continue
			}
			return Event{Kind: EventStanza, Stanza: p.Root}, nil
		case codec.ParserError:
			return Event{}, newProtoError("next", p)
		default:
			continue
		}
	}
}

// Send writes a stanza to the stream.
func (c *Component) Send(el *codec.Element) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return codec.EncodeStanza(c.stream.conn(), el)
}

// SendIQ sends an iq[@type=get|set] on behalf of the component and returns
// a channel that receives the matching response. As with Client.SendIQ, a
// concurrent Next loop must be draining the stream for the reply to ever
// be delivered.
func (c *Component) SendIQ(ctx context.Context, to jid.JID, el *codec.Element) (<-chan *codec.Element, error) {
	id, _ := el.Attr("id")
	ch := c.iqs.insert(to, id)
	if err := c.Send(el); err != nil {
		c.iqs.cancel(to, id)
		return nil, err
	}
	return ch, nil
}

// Close ends the output stream with a closing </stream:stream> tag.
func (c *Component) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	c.iqs.closeAll()
	return codec.EncodeStreamEnd(c.stream.conn())
}

// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"crypto/tls"
	"io"
	"sync"

	"mellium.im/sasl"
	"storm.im/xmpp/codec"
	"storm.im/xmpp/dial"
	"storm.im/xmpp/internal/ns"
	"storm.im/xmpp/jid"
)

// ClientState names where a Client is in the connect → negotiate → ready
// lifecycle. It is a small tagged union rather than a bitmask: unlike the
// five per-phase functions that drive it (which are ordinary blocking
// calls because each one either fully succeeds or fully fails), the
// top-level facade genuinely needs to expose "which of a few named states
// am I in" to callers checking Client.State(), so a conventional Go
// enum fits better here than another blocking call.
type ClientState int

// States a Client passes through on its way to becoming usable, and the
// one it lands in if negotiation fails outright.
const (
	StateConnecting ClientState = iota
	StateStreamNegotiation
	StateSecuring
	StateAuthenticating
	StateBinding
	StateOnline
	StateClosed
	StateFailed
)

// ClientConfig configures DialClient and NewClient.
type ClientConfig struct {
	// Password authenticates the JID's localpart.
	Password string
	// Identity, when set, requests authorization to act as another
	// identity after authenticating (SASL authzid).
	Identity string
	// Resource requests a specific resourcepart from the server; if
	// empty, the server chooses one.
	Resource string
	// Mechanisms overrides the default SASL mechanism preference order.
	Mechanisms []sasl.Mechanism
	// TLSConfig overrides the default crypto/tls.Config used for
	// STARTTLS. ServerName is filled in from the target domain if unset.
	TLSConfig *tls.Config
	// Dialer overrides the default Happy Eyeballs dial.Connecter.
	Dialer *dial.Connecter
	// DisableStartTLS skips STARTTLS negotiation entirely, for use only
	// against an already-secured transport (eg. one tunneled over
	// WebSocket Secure at a layer above this package).
	DisableStartTLS bool
}

// Client drives RFC 6120 client-to-server negotiation: connect, open the
// stream, STARTTLS, SASL, and resource bind, landing in StateOnline with a
// bound JID and a live stream ready for Send/Next.
type Client struct {
	mu           sync.Mutex
	state        ClientState
	stream       *xmppStream
	conn         io.ReadWriteCloser
	jid          jid.JID
	iqs          *iqTracker
	onlineSent   bool
	disconnected bool
}

// DialClient connects to origin's domain (racing candidate addresses via
// dial.Connecter unless cfg overrides it) and runs the full client
// negotiation pipeline: Connecter → StreamStart → StartTls → ClientAuth →
// ClientBind.
func DialClient(ctx context.Context, origin jid.JID, cfg ClientConfig) (*Client, error) {
	connecter := cfg.Dialer
	if connecter == nil {
		connecter = dial.New("xmpp-client", "tcp", 5222)
	}
	conn, err := connecter.Dial(ctx, origin.Domain())
	if err != nil {
		return nil, newConnError("dial", err)
	}
	rwc, ok := conn.(io.ReadWriteCloser)
	if !ok {
		return nil, newConnError("dial", io.ErrClosedPipe)
	}
	return NewClient(ctx, origin, rwc, cfg)
}

// NewClient runs the full client negotiation pipeline over an
// already-connected transport. Use this when the connection was
// established some other way (eg. in tests, over a net.Pipe).
func NewClient(ctx context.Context, origin jid.JID, rwc io.ReadWriteCloser, cfg ClientConfig) (*Client, error) {
	c := &Client{
		state:  StateConnecting,
		stream: newXMPPStream(rwc, origin.String()),
		conn:   rwc,
		iqs:    newIQTracker(),
	}

	c.state = StateStreamNegotiation
	_, err := StreamStart(ctx, c.stream, ns.Client, streamHeader{
		To:      origin.Domain(),
		Version: DefaultVersion,
	})
	if err != nil {
		c.state = StateFailed
		return nil, err
	}

	if !cfg.DisableStartTLS {
		c.state = StateSecuring
		// RFC 6120 §5's precondition: entering StartTls at all requires the
		// feature to have been advertised. A server that omits it fails the
		// connection here rather than falling back to an unencrypted
		// channel for authentication.
		if offered, _ := hasStartTLS(c.stream); !offered {
			c.state = StateFailed
			return nil, newProtoError("starttls", ErrNoTLS)
		}
		if err := StartTls(ctx, c.stream, cfg.TLSConfig, origin.Domain()); err != nil {
			c.state = StateFailed
			return nil, err
		}
		// RFC 6120 §5.4.3.3: the restart StartTls performed discarded the
		// parser but did not itself reopen the stream; re-send the opening
		// tag over the encrypted transport and wait for the resulting
		// <stream:features/>, exactly as after the initial connection.
		if _, err := openStream(ctx, c.stream, ns.Client, streamHeader{To: origin.Domain(), Version: DefaultVersion}); err != nil {
			c.state = StateFailed
			return nil, err
		}
		if err := waitForFeatures(ctx, c.stream); err != nil {
			c.state = StateFailed
			return nil, err
		}
	}

	c.state = StateAuthenticating
	if err := ClientAuth(ctx, c.stream, origin.Node(), cfg.Identity, cfg.Password, cfg.Mechanisms...); err != nil {
		c.state = StateFailed
		return nil, err
	}
	// RFC 6120 §6.4.6: successful SASL negotiation restarts the stream; the
	// restarted stream announces a fresh <stream:features/> we must also
	// consume before resource binding can proceed.
	if _, err := openStream(ctx, c.stream, ns.Client, streamHeader{To: origin.Domain(), Version: DefaultVersion}); err != nil {
		c.state = StateFailed
		return nil, err
	}
	if err := waitForFeatures(ctx, c.stream); err != nil {
		c.state = StateFailed
		return nil, err
	}

	c.state = StateBinding
	if _, ok := c.stream.Features["bind"]; ok {
		bound, err := ClientBind(ctx, c.stream, cfg.Resource)
		if err != nil {
			c.state = StateFailed
			return nil, err
		}
		c.jid = bound
	} else {
		// RFC 6120 §7's resource binding feature was not advertised; come
		// online with the JID the caller asked to authenticate as, resource
		// and all, unchanged.
		c.jid = origin
	}

	c.state = StateOnline
	return c, nil
}

// State reports where in the negotiation lifecycle the Client is.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// JID returns the full JID the server bound to this connection. It is
// only meaningful once State reports StateOnline.
func (c *Client) JID() jid.JID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jid
}

// Next blocks until the next Event is available: an EventOnline the first
// time it is called, then an EventStanza for each top-level iq, message, or
// presence not claimed by a pending SendIQ waiter, and finally a single
// EventDisconnected when the peer ends the stream.
func (c *Client) Next(ctx context.Context) (Event, error) {
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
func (c *Client) Send(el *codec.Element) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return codec.EncodeStanza(c.stream.conn(), el)
}

// SendIQ sends an iq[@type=get|set] and returns a channel that receives
// exactly one matching iq[@type=result|error] response, or a cancellation
// if the Client is closed first. The caller must keep draining Next
// concurrently (in the usual case, from a single goroutine running a
// receive loop) for the response to ever arrive, since Next is what
// demultiplexes incoming stanzas to pending IQ waiters.
func (c *Client) SendIQ(ctx context.Context, to jid.JID, el *codec.Element) (<-chan *codec.Element, error) {
	id, _ := el.Attr("id")
	ch := c.iqs.insert(to, id)
	if err := c.Send(el); err != nil {
		c.iqs.cancel(to, id)
		return nil, err
	}
	return ch, nil
}

// Close ends the output stream with a closing </stream:stream> tag. It
// does not close the underlying transport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	c.iqs.closeAll()
	return codec.EncodeStreamEnd(c.stream.conn())
}

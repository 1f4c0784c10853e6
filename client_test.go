// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"storm.im/xmpp/jid"
)

// TestDialClientHappyPath scripts a full negotiation: STARTTLS, PLAIN SASL,
// and resource binding, matching the spec's S1 happy-path scenario (PLAIN
// stands in for SCRAM-SHA-256 here; the mechanism priority itself is
// covered directly by TestSelectMechanismPrefersStrongest).
func TestDialClientHappyPath(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	cert, err := generateSelfSignedCert()
	if err != nil {
		t.Fatal(err)
	}

	origin, err := jid.Parse("alice@example.net")
	if err != nil {
		t.Fatal(err)
	}

	result := make(chan struct {
		c   *Client
		err error
	}, 1)
	go func() {
		c, err := NewClient(context.Background(), origin, client, ClientConfig{
			Password:  "s3cret",
			Resource:  "phone",
			TLSConfig: &tls.Config{InsecureSkipVerify: true},
		})
		result <- struct {
			c   *Client
			err error
		}{c, err}
	}()

	readUntilGT := func(r io.Reader) string {
		buf := make([]byte, 8192)
		n, err := r.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		return string(buf[:n])
	}

	// 1. initial stream open + STARTTLS feature.
	if got := readUntilGT(server); !strings.Contains(got, "stream:stream") {
		t.Fatalf("expected a stream open, got %q", got)
	}
	if _, err := server.Write([]byte(`<stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams" id="s1" from="example.net">` +
		`<stream:features><starttls xmlns="urn:ietf:params:xml:ns:xmpp-tls"/></stream:features>`)); err != nil {
		t.Fatal(err)
	}

	// 2. STARTTLS request, then upgrade.
	if got := readUntilGT(server); !strings.Contains(got, "<starttls") {
		t.Fatalf("expected <starttls/>, got %q", got)
	}
	if _, err := server.Write([]byte(`<proceed xmlns="urn:ietf:params:xml:ns:xmpp-tls"/>`)); err != nil {
		t.Fatal(err)
	}

	tlsServer := tls.Server(server, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err := tlsServer.HandshakeContext(context.Background()); err != nil {
		t.Fatalf("server TLS handshake: %v", err)
	}
	defer tlsServer.Close()

	// 3. post-TLS stream open + PLAIN mechanism.
	if got := readUntilGT(tlsServer); !strings.Contains(got, "stream:stream") {
		t.Fatalf("expected a post-TLS stream open, got %q", got)
	}
	if _, err := tlsServer.Write([]byte(`<stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams" id="s2" from="example.net">` +
		`<stream:features><mechanisms xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><mechanism>PLAIN</mechanism></mechanisms></stream:features>`)); err != nil {
		t.Fatal(err)
	}

	// 4. SASL PLAIN exchange.
	if got := readUntilGT(tlsServer); !strings.Contains(got, `mechanism="PLAIN"`) {
		t.Fatalf("expected a PLAIN <auth/>, got %q", got)
	}
	if _, err := tlsServer.Write([]byte(`<success xmlns="urn:ietf:params:xml:ns:xmpp-sasl"/>`)); err != nil {
		t.Fatal(err)
	}

	// 5. post-SASL stream open + bind feature.
	if got := readUntilGT(tlsServer); !strings.Contains(got, "stream:stream") {
		t.Fatalf("expected a post-SASL stream open, got %q", got)
	}
	if _, err := tlsServer.Write([]byte(`<stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams" id="s3" from="example.net">` +
		`<stream:features><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"/></stream:features>`)); err != nil {
		t.Fatal(err)
	}

	// 6. bind request/response.
	got := readUntilGT(tlsServer)
	if !strings.Contains(got, "<resource>phone</resource>") {
		t.Fatalf("expected a bind request for resource phone, got %q", got)
	}
	if id := extractAttr(got, "id"); id != bindReqID {
		t.Fatalf("bind request id = %q, want %q", id, bindReqID)
	}
	resp := fmt.Sprintf(`<iq type="result" id="%s" xmlns="jabber:client"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><jid>alice@example.net/phone</jid></bind></iq>`, bindReqID)
	if _, err := tlsServer.Write([]byte(resp)); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-result:
		if r.err != nil {
			t.Fatalf("NewClient returned error: %v", r.err)
		}
		if r.c.State() != StateOnline {
			t.Errorf("got state %v, want StateOnline", r.c.State())
		}
		if r.c.JID().String() != "alice@example.net/phone" {
			t.Errorf("got jid %q, want alice@example.net/phone", r.c.JID().String())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for NewClient")
	}
}

// TestDialClientFailsWithoutStartTLS covers S2: a server that never
// advertises STARTTLS must fail the connection before any Online event,
// rather than silently authenticating over plaintext.
func TestDialClientFailsWithoutStartTLS(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	origin, err := jid.Parse("alice@example.net")
	if err != nil {
		t.Fatal(err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := NewClient(context.Background(), origin, client, ClientConfig{Password: "s3cret"})
		result <- err
	}()

	buf := make([]byte, 4096)
	if _, err := server.Read(buf); err != nil {
		t.Fatal(err)
	}
	if _, err := server.Write([]byte(`<stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams" id="s1" from="example.net">` +
		`<stream:features><mechanisms xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><mechanism>PLAIN</mechanism></mechanisms></stream:features>`)); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-result:
		if err == nil {
			t.Fatal("expected an error")
		}
		if !errorsIsNoTLS(err) {
			t.Errorf("got error %v, want it to wrap ErrNoTLS", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for NewClient")
	}
}

// TestDialClientAuthFailure covers S3, with STARTTLS disabled to keep the
// scripted server simple: the PLAIN mechanism's credentials are rejected.
func TestDialClientAuthFailure(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	origin, err := jid.Parse("alice@example.net")
	if err != nil {
		t.Fatal(err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := NewClient(context.Background(), origin, client, ClientConfig{
			Password:        "wrong",
			DisableStartTLS: true,
		})
		result <- err
	}()

	buf := make([]byte, 4096)
	if _, err := server.Read(buf); err != nil {
		t.Fatal(err)
	}
	if _, err := server.Write([]byte(`<stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams" id="s1" from="example.net">` +
		`<stream:features><mechanisms xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><mechanism>PLAIN</mechanism></mechanisms></stream:features>`)); err != nil {
		t.Fatal(err)
	}
	if _, err := server.Read(buf); err != nil {
		t.Fatal(err)
	}
	if _, err := server.Write([]byte(`<failure xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><not-authorized/></failure>`)); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-result:
		if err == nil {
			t.Fatal("expected an error")
		}
		var ae *AuthError
		if ae2, ok := err.(*AuthError); ok {
			ae = ae2
		} else {
			t.Fatalf("got %T, want *AuthError", err)
		}
		if !strings.Contains(ae.Error(), "not-authorized") {
			t.Errorf("got error %v, want it to mention not-authorized", ae)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for NewClient")
	}
}

// TestDialClientBindAbsent covers S4: when the post-SASL features omit
// <bind/>, the client still comes online using the originally-requested
// JID unchanged rather than attempting (and failing) a bind round-trip.
func TestDialClientBindAbsent(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	origin, err := jid.Parse("alice@example.net/phone")
	if err != nil {
		t.Fatal(err)
	}

	result := make(chan struct {
		c   *Client
		err error
	}, 1)
	go func() {
		c, err := NewClient(context.Background(), origin, client, ClientConfig{
			Password:        "s3cret",
			DisableStartTLS: true,
		})
		result <- struct {
			c   *Client
			err error
		}{c, err}
	}()

	buf := make([]byte, 4096)
	if _, err := server.Read(buf); err != nil {
		t.Fatal(err)
	}
	if _, err := server.Write([]byte(`<stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams" id="s1" from="example.net">` +
		`<stream:features><mechanisms xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><mechanism>PLAIN</mechanism></mechanisms></stream:features>`)); err != nil {
		t.Fatal(err)
	}
	if _, err := server.Read(buf); err != nil {
		t.Fatal(err)
	}
	if _, err := server.Write([]byte(`<success xmlns="urn:ietf:params:xml:ns:xmpp-sasl"/>`)); err != nil {
		t.Fatal(err)
	}
	if _, err := server.Read(buf); err != nil { // post-SASL stream open
		t.Fatal(err)
	}
	if _, err := server.Write([]byte(`<stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams" id="s2" from="example.net">` +
		`<stream:features></stream:features>`)); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-result:
		if r.err != nil {
			t.Fatalf("NewClient returned error: %v", r.err)
		}
		if r.c.JID().String() != "alice@example.net/phone" {
			t.Errorf("got jid %q, want alice@example.net/phone unchanged", r.c.JID().String())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for NewClient")
	}
}

func errorsIsNoTLS(err error) bool {
	for err != nil {
		if err == ErrNoTLS {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

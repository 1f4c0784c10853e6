// Copyright 2017 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"storm.im/xmpp/jid"
)

// TestNewComponentHandshake covers S5: a component connects, hashes the
// server's stream id with the shared secret, and comes Online once the
// server replies with an empty <handshake/>.
func TestNewComponentHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	domain, err := jid.Parse("component.example.net")
	if err != nil {
		t.Fatal(err)
	}

	result := make(chan struct {
		c   *Component
		err error
	}, 1)
	go func() {
		c, err := NewComponent(context.Background(), domain, client, ComponentConfig{Secret: "secret"})
		result <- struct {
			c   *Component
			err error
		}{c, err}
	}()

	buf := make([]byte, 4096)
	n, err := server.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(buf[:n]), `xmlns="jabber:component:accept"`) {
		t.Fatalf("expected a component stream open, got %q", buf[:n])
	}
	if _, err := server.Write([]byte(`<stream:stream xmlns="jabber:component:accept" xmlns:stream="http://etherx.jabber.org/streams" id="abc">`)); err != nil {
		t.Fatal(err)
	}

	n, err = server.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	got := string(buf[:n])
	if !strings.Contains(got, wantHandshakeDigest) {
		t.Fatalf("handshake body = %q, want digest %q", got, wantHandshakeDigest)
	}
	if _, err := server.Write([]byte(`<handshake xmlns="jabber:component:accept"/>`)); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-result:
		if r.err != nil {
			t.Fatalf("NewComponent returned error: %v", r.err)
		}
		if r.c.State() != StateOnline {
			t.Errorf("got state %v, want StateOnline", r.c.State())
		}
		ev, err := r.c.Next(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if ev.Kind != EventOnline {
			t.Errorf("got event kind %v, want EventOnline", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for NewComponent")
	}
}

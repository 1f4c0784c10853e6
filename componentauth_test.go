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
)

// sha1("abcsecret") = de0a408ef519cd62e7379039634152874895c50c; see
// DESIGN.md's Open Questions for why this, rather than the hex string in
// the originating test vector, is what this test asserts.
const wantHandshakeDigest = "de0a408ef519cd62e7379039634152874895c50c"

func TestComponentAuthSendsDigest(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	x := newXMPPStream(client, "component.example.net")
	primeStream(x)
	x.ID = "abc"

	done := make(chan error, 1)
	go func() {
		done <- ComponentAuth(context.Background(), x, "secret")
	}()

	buf := make([]byte, 4096)
	n, err := server.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	got := string(buf[:n])
	if !strings.Contains(got, wantHandshakeDigest) {
		t.Fatalf("handshake body = %q, want digest %q", got, wantHandshakeDigest)
	}
	if !strings.Contains(got, `xmlns="jabber:component:accept"`) {
		t.Errorf("handshake missing component namespace: %q", got)
	}

	if _, err := server.Write([]byte(`<handshake xmlns="jabber:component:accept"/>`)); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ComponentAuth returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ComponentAuth")
	}
}

func TestComponentAuthRejectsErrorReply(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	x := newXMPPStream(client, "component.example.net")
	primeStream(x)
	x.ID = "abc"

	done := make(chan error, 1)
	go func() {
		done <- ComponentAuth(context.Background(), x, "wrong")
	}()

	buf := make([]byte, 4096)
	if _, err := server.Read(buf); err != nil {
		t.Fatal(err)
	}
	if _, err := server.Write([]byte(`<error xmlns="jabber:component:accept">not authorized</error>`)); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error, got nil")
		}
		var authErr *AuthError
		if !asAuthError(err, &authErr) {
			t.Fatalf("got %T, want *AuthError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ComponentAuth")
	}
}

func TestComponentAuthRequiresStreamID(t *testing.T) {
	client, _ := net.Pipe()
	defer client.Close()

	x := newXMPPStream(client, "component.example.net")
	primeStream(x)
	if err := ComponentAuth(context.Background(), x, "secret"); err == nil {
		t.Fatal("expected an error when no stream id was announced")
	}
}

func asAuthError(err error, target **AuthError) bool {
	if ae, ok := err.(*AuthError); ok {
		*target = ae
		return true
	}
	return false
}

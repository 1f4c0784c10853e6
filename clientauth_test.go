// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	"mellium.im/sasl"
	"storm.im/xmpp/codec"
	"storm.im/xmpp/internal/ns"
)

func featuresWithMechanisms(names ...string) map[string]*codec.Element {
	el := codec.NewElement(ns.SASL, "mechanisms")
	for _, name := range names {
		el = el.WithChild(codec.NewElement(ns.SASL, "mechanism").WithText(name))
	}
	return map[string]*codec.Element{"mechanisms": el}
}

func TestSelectMechanismPrefersStrongest(t *testing.T) {
	selected, ok := selectMechanism(DefaultMechanisms(), []string{"PLAIN", "SCRAM-SHA-1"})
	if !ok {
		t.Fatal("expected a mutually supported mechanism")
	}
	if selected.Name != "SCRAM-SHA-1" {
		t.Errorf("got %q, want SCRAM-SHA-1", selected.Name)
	}
}

func TestClientAuthNoCommonMechanism(t *testing.T) {
	client, _ := net.Pipe()
	defer client.Close()
	x := newXMPPStream(client, "example.net")
	primeStream(x)
	x.Features = featuresWithMechanisms("GSSAPI")

	err := ClientAuth(context.Background(), x, "juliet", "", "s3cret")
	if err == nil {
		t.Fatal("expected an error")
	}
	var authErr *AuthError
	if ae, ok := err.(*AuthError); ok {
		authErr = ae
	} else {
		t.Fatalf("got %T, want *AuthError", err)
	}
	if authErr.Unwrap() != ErrNoCommonMechanism {
		t.Errorf("got %v, want ErrNoCommonMechanism", authErr.Unwrap())
	}
}

func TestClientAuthPlainSuccess(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	x := newXMPPStream(client, "example.net")
	primeStream(x)
	x.Features = featuresWithMechanisms("PLAIN")

	done := make(chan error, 1)
	go func() {
		done <- ClientAuth(context.Background(), x, "juliet", "", "s3cret", sasl.Plain)
	}()

	buf := make([]byte, 4096)
	n, err := server.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	got := string(buf[:n])
	if !strings.Contains(got, `mechanism="PLAIN"`) {
		t.Fatalf("auth element missing mechanism attribute: %q", got)
	}
	start := strings.Index(got, ">") + 1
	end := strings.Index(got, "</auth>")
	payload, err := base64.StdEncoding.DecodeString(got[start:end])
	if err != nil {
		t.Fatalf("invalid base64 payload: %v", err)
	}
	if want := "\x00juliet\x00s3cret"; string(payload) != want {
		t.Errorf("got PLAIN payload %q, want %q", payload, want)
	}

	if _, err := server.Write([]byte(`<success xmlns="urn:ietf:params:xml:ns:xmpp-sasl"/>`)); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ClientAuth returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ClientAuth")
	}
}

func TestClientAuthFailureResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	x := newXMPPStream(client, "example.net")
	primeStream(x)
	x.Features = featuresWithMechanisms("PLAIN")

	done := make(chan error, 1)
	go func() {
		done <- ClientAuth(context.Background(), x, "juliet", "", "wrong", sasl.Plain)
	}()

	buf := make([]byte, 4096)
	if _, err := server.Read(buf); err != nil {
		t.Fatal(err)
	}
	if _, err := server.Write([]byte(`<failure xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><not-authorized/></failure>`)); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error")
		}
		if !strings.Contains(err.Error(), "not-authorized") {
			t.Errorf("got error %v, want it to mention not-authorized", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ClientAuth")
	}
}

// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The xmppcat command connects to an XMPP server, prints incoming stanzas
// to stdout, and sends each line read from stdin as the body of a
// <message/> to a peer.
//
// For more information try running:
//
//	xmppcat -help
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"storm.im/xmpp"
	"storm.im/xmpp/codec"
	"storm.im/xmpp/jid"
)

/* #nosec */
const (
	envAddr = "XMPP_ADDR"
	envPass = "XMPP_PASS"
)

func main() {
	logger := log.New(os.Stderr, "", log.LstdFlags)

	var to string
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintf(flags.Output(), "Usage of %s: [-to <peer>] <jid> <password>\n\n", flags.Name())
		flags.PrintDefaults()
	}
	flags.StringVar(&to, "to", "", "JID to echo stdin lines to as <message/> bodies")

	switch err := flags.Parse(os.Args[1:]); err {
	case flag.ErrHelp:
		return
	case nil:
	default:
		logger.Fatal(err)
	}

	if flags.NArg() != 2 {
		flags.Usage()
		os.Exit(1)
	}
	addr, pass := flags.Arg(0), flags.Arg(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		select {
		case <-ctx.Done():
		case <-c:
			cancel()
		}
	}()

	if err := run(ctx, addr, pass, to, logger); err != nil {
		logger.Fatal(err)
	}
}

func run(ctx context.Context, addr, pass, to string, logger *log.Logger) error {
	origin, err := jid.Parse(addr)
	if err != nil {
		return fmt.Errorf("xmppcat: invalid jid %q: %w", addr, err)
	}

	client, err := xmpp.DialClient(ctx, origin, xmpp.ClientConfig{Password: pass})
	if err != nil {
		return fmt.Errorf("xmppcat: connect: %w", err)
	}
	defer client.Close()

	var peer jid.JID
	if to != "" {
		peer, err = jid.Parse(to)
		if err != nil {
			return fmt.Errorf("xmppcat: invalid -to jid %q: %w", to, err)
		}
	}

	go stdinLoop(ctx, client, peer, logger)

	for {
		ev, err := client.Next(ctx)
		if err != nil {
			return fmt.Errorf("xmppcat: %w", err)
		}
		switch ev.Kind {
		case xmpp.EventOnline:
			logger.Printf("online as %s", client.JID())
		case xmpp.EventStanza:
			fmt.Printf("%s/%s: %s\n", ev.Stanza.Namespace, ev.Stanza.Name, ev.Stanza.Text())
		case xmpp.EventDisconnected:
			logger.Print("disconnected")
			return nil
		}
	}
}

func stdinLoop(ctx context.Context, client *xmpp.Client, peer jid.JID, logger *log.Logger) {
	if peer.IsZero() {
		return
	}
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		msg := codec.NewElement("jabber:client", "message").
			WithAttr("to", peer.String()).
			WithAttr("type", "chat").
			WithChild(codec.NewElement("jabber:client", "body").WithText(scanner.Text()))
		if err := client.Send(msg); err != nil {
			logger.Printf("send: %v", err)
			return
		}
	}
}

// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package dial implements Happy Eyeballs-style concurrent connection racing
// for XMPP's SRV-based server discovery (RFC 6120 §3.2, RFC 6763).
package dial // import "storm.im/xmpp/dial"

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
)

// ErrKind classifies why a Connecter gave up.
type ErrKind int

// Kinds of dial failure.
const (
	// AllFailed means every candidate address was tried and none of the
	// dials succeeded.
	AllFailed ErrKind = iota
	// DnsProto means the SRV service/proto name could not be constructed.
	DnsProto
	// DnsResolve means the DNS lookup itself (SRV or address) failed and
	// there was no direct-connect fallback left to try.
	DnsResolve
)

// Error reports why dialing failed, with enough detail to tell a transient
// network hiccup from a configuration mistake.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case DnsProto:
		return fmt.Sprintf("dial: invalid SRV service/proto: %v", e.Err)
	case DnsResolve:
		return fmt.Sprintf("dial: DNS resolution failed: %v", e.Err)
	default:
		return fmt.Sprintf("dial: all connection attempts failed: %v", e.Err)
	}
}

// Unwrap supports errors.Is/errors.As against the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Resolver is the subset of *net.Resolver the Connecter needs, so tests can
// substitute a fake.
type Resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (cname string, addrs []*net.SRV, err error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Dialer is the subset of net.Dialer the Connecter needs.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Connecter races TCP connection attempts to every address a domain's SRV
// records resolve to, in priority order (records of equal priority keep the
// order the resolver returned them in; weight is not used), returning the first one to
// succeed and cancelling the rest. If the domain has no SRV records (or
// lookups are disabled), it falls back to dialing the domain directly on
// fallbackPort.
type Connecter struct {
	Resolver Resolver
	Dialer   Dialer

	// Service and Proto name the SRV record to look up, eg. "xmpp-client"
	// and "tcp". If either is empty, SRV lookup is skipped entirely and
	// FallbackPort is dialed directly.
	Service, Proto string

	// FallbackPort is dialed directly against the domain when there are no
	// SRV records, or when NoLookup is set.
	FallbackPort uint16

	// NoLookup skips the SRV lookup and dials domain on FallbackPort; the
	// domain's A/AAAA addresses are still resolved through Resolver.
	NoLookup bool

	// Network is passed to the Dialer, eg. "tcp", "tcp4", or "tcp6".
	Network string
}

// New returns a Connecter configured with sensible defaults: the system
// resolver and a zero-value net.Dialer.
func New(service, proto string, fallbackPort uint16) *Connecter {
	return &Connecter{
		Resolver:     net.DefaultResolver,
		Dialer:       &net.Dialer{},
		Service:      service,
		Proto:        proto,
		FallbackPort: fallbackPort,
		Network:      "tcp",
	}
}

// target is one candidate host:port pulled from SRV records or the direct
// fallback, annotated with the priority group it belongs to.
type target struct {
	host     string
	port     uint16
	priority uint16
}

// Dial resolves domain and races connection attempts to every candidate
// address, returning the first successful net.Conn. Lower-priority SRV
// groups are not even attempted until every target in a higher-priority
// group has failed, matching RFC 2782 ordering; within a single dial a
// direct IP literal bypasses lookup entirely.
func (c *Connecter) Dial(ctx context.Context, domain string) (net.Conn, error) {
	if ip := net.ParseIP(domain); ip != nil {
		return c.dialAddr(ctx, net.JoinHostPort(domain, portString(c.FallbackPort)))
	}

	groups, err := c.targets(ctx, domain)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, group := range groups {
		conn, err := c.raceGroup(ctx, group)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no targets to dial")
	}
	return nil, &Error{Kind: AllFailed, Err: lastErr}
}

// targets resolves domain to its SRV-ordered priority groups of
// host:port candidates, or a single direct-connect group if SRV lookup is
// disabled or comes back empty.
func (c *Connecter) targets(ctx context.Context, domain string) ([][]target, error) {
	if c.NoLookup || c.Service == "" || c.Proto == "" {
		return [][]target{{{host: domain, port: c.FallbackPort}}}, nil
	}

	_, srvs, err := c.Resolver.LookupSRV(ctx, c.Service, c.Proto, domain)
	if err != nil || len(srvs) == 0 {
		// RFC 6120 §3.2.1: fall back to the domain itself when SRV lookup
		// fails or returns nothing.
		return [][]target{{{host: domain, port: c.FallbackPort}}}, nil
	}

	sort.SliceStable(srvs, func(i, j int) bool {
		return srvs[i].Priority < srvs[j].Priority
	})

	var groups [][]target
	var cur []target
	var curPriority uint16
	for i, srv := range srvs {
		if i == 0 {
			curPriority = srv.Priority
		}
		if srv.Priority != curPriority {
			groups = append(groups, cur)
			cur = nil
			curPriority = srv.Priority
		}
		cur = append(cur, target{
			host:     srv.Target,
			port:     srv.Port,
			priority: srv.Priority,
		})
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups, nil
}

// raceGroup resolves every target in a priority group to its A/AAAA
// addresses and dials them all concurrently, returning the first
// connection to succeed and cancelling the others.
func (c *Connecter) raceGroup(ctx context.Context, group []target) (net.Conn, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Resolve every target before dialing anything: the results channel
	// below is sized to the exact number of dials this call will make, so
	// every dialing goroutine's send always succeeds immediately and none
	// are left blocked (and leaked) past the point Dial returns with the
	// first winner.
	type candidate struct {
		target target
		addr   net.IPAddr
	}
	var candidates []candidate
	var lastLookupErr error
	for _, t := range group {
		addrs, err := c.Resolver.LookupIPAddr(raceCtx, t.host)
		if err != nil {
			lastLookupErr = err
			continue
		}
		for _, addr := range addrs {
			candidates = append(candidates, candidate{t, addr})
		}
	}
	if len(candidates) == 0 {
		if lastLookupErr != nil {
			return nil, lastLookupErr
		}
		return nil, errors.New("no addresses resolved for priority group")
	}

	type result struct {
		conn net.Conn
		err  error
	}
	results := make(chan result, len(candidates))
	for _, cand := range candidates {
		go func(t target, ip net.IPAddr) {
			conn, err := c.dialAddr(raceCtx, net.JoinHostPort(ip.String(), portString(t.port)))
			results <- result{conn: conn, err: err}
		}(cand.target, cand.addr)
	}

	var lastErr error
	for i := 0; i < len(candidates); i++ {
		r := <-results
		if r.err == nil {
			cancel()
			return r.conn, nil
		}
		lastErr = r.err
	}
	return nil, lastErr
}

func (c *Connecter) dialAddr(ctx context.Context, address string) (net.Conn, error) {
	network := c.Network
	if network == "" {
		network = "tcp"
	}
	return c.Dialer.DialContext(ctx, network, address)
}

func portString(p uint16) string {
	return strconv.FormatUint(uint64(p), 10)
}

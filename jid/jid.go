// Copyright 2014 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jid implements the Jabber ID (JID), XMPP's address format, as
// defined in RFC 7622.
package jid // import "storm.im/xmpp/jid"

import (
	"encoding/xml"
	"errors"
	"net"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/precis"
)

// JID represents an XMPP address of the form node@domain/resource. Domain is
// the only required part; node and resource may be empty.
//
// The zero value is not a valid JID.
type JID struct {
	node     string
	domain   string
	resource string
}

// New constructs a JID from its three parts, normalizing each with the
// profiles required by RFC 7622 §3.3/§3.4/§3.5.
func New(node, domain, resource string) (JID, error) {
	return fromParts(node, domain, resource)
}

// Parse parses s, of the form "[node@]domain[/resource]", into a JID.
func Parse(s string) (JID, error) {
	node, domain, resource, err := splitString(s)
	if err != nil {
		return JID{}, err
	}
	return fromParts(node, domain, resource)
}

// splitString implements RFC 7622 §3.1's parsing algorithm: split off the
// resourcepart at the first unescaped '/', then the localpart at the first
// '@' in what remains.
func splitString(s string) (node, domain, resource string, err error) {
	parts := strings.SplitAfterN(s, "/", 2)
	if strings.HasSuffix(parts[0], "/") {
		if len(parts) != 2 || parts[1] == "" {
			return "", "", "", errors.New("jid: resourcepart must not be empty")
		}
		resource = parts[1]
	}
	noResource := strings.TrimSuffix(parts[0], "/")

	atParts := strings.SplitAfterN(noResource, "@", 2)
	if atParts[0] == "@" {
		return "", "", "", errors.New("jid: localpart must not be empty")
	}
	switch len(atParts) {
	case 1:
		domain = atParts[0]
	case 2:
		domain = atParts[1]
		node = strings.TrimSuffix(atParts[0], "@")
	}

	// RFC 7622 §3.2: a trailing label separator on the domainpart is stripped
	// before any other canonicalization.
	domain = strings.TrimSuffix(domain, ".")
	return node, domain, resource, nil
}

func fromParts(node, domain, resource string) (JID, error) {
	if !utf8.ValidString(node) || !utf8.ValidString(resource) {
		return JID{}, errors.New("jid: contains invalid UTF-8")
	}

	domain, err := idna.ToUnicode(domain)
	if err != nil {
		return JID{}, err
	}
	if !utf8.ValidString(domain) {
		return JID{}, errors.New("jid: domainpart contains invalid UTF-8")
	}

	if node != "" {
		node, err = precis.UsernameCaseMapped.String(node)
		if err != nil {
			return JID{}, err
		}
	}
	if resource != "" {
		resource, err = precis.OpaqueString.String(resource)
		if err != nil {
			return JID{}, err
		}
	}

	if err := checkLengths(node, domain, resource); err != nil {
		return JID{}, err
	}
	return JID{node: node, domain: domain, resource: resource}, nil
}

func checkLengths(node, domain, resource string) error {
	if len(node) > 1023 {
		return errors.New("jid: localpart must be 1023 bytes or fewer")
	}
	if strings.ContainsAny(node, "\"&'/:<>@") {
		return errors.New("jid: localpart contains forbidden characters")
	}
	if len(resource) > 1023 {
		return errors.New("jid: resourcepart must be 1023 bytes or fewer")
	}
	if l := len(domain); l < 1 || l > 1023 {
		return errors.New("jid: domainpart must be between 1 and 1023 bytes")
	}
	if l := len(domain); l > 2 && strings.HasPrefix(domain, "[") && strings.HasSuffix(domain, "]") {
		if ip := net.ParseIP(domain[1 : l-1]); ip == nil || ip.To4() != nil {
			return errors.New("jid: domainpart is not a valid IPv6 literal")
		}
	}
	return nil
}

// Node returns the localpart, or "" if unset.
func (j JID) Node() string { return j.node }

// Domain returns the domainpart. It is never empty for a valid JID.
func (j JID) Domain() string { return j.domain }

// Resource returns the resourcepart, or "" if unset.
func (j JID) Resource() string { return j.resource }

// Bare returns a copy of j with the resourcepart removed.
func (j JID) Bare() JID {
	j.resource = ""
	return j
}

// WithResource returns a copy of j with the resourcepart replaced.
func (j JID) WithResource(resource string) (JID, error) {
	return fromParts(j.node, j.domain, resource)
}

// IsZero reports whether j is the zero value JID.
func (j JID) IsZero() bool {
	return j.node == "" && j.domain == "" && j.resource == ""
}

// Equal performs an octet-for-octet comparison of the two JIDs.
func (j JID) Equal(j2 JID) bool {
	return j.node == j2.node && j.domain == j2.domain && j.resource == j2.resource
}

// String returns the "[node@]domain[/resource]" representation of j.
func (j JID) String() string {
	var b strings.Builder
	if j.node != "" {
		b.WriteString(j.node)
		b.WriteByte('@')
	}
	b.WriteString(j.domain)
	if j.resource != "" {
		b.WriteByte('/')
		b.WriteString(j.resource)
	}
	return b.String()
}

// MarshalXMLAttr satisfies xml.MarshalerAttr.
func (j JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr satisfies xml.UnmarshalerAttr.
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	parsed, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}

// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stream contains XMPP stream-level errors as defined by RFC 6120
// §4.9.
package stream // import "storm.im/xmpp/stream"

import (
	"encoding/xml"

	"storm.im/xmpp/internal/ns"
)

// Error is a stream-level error condition as defined by RFC 6120 §4.9.3. It
// is fatal: receiving one (or sending one) always ends the stream.
type Error struct {
	// Condition is the defined-condition element name, eg. "bad-format".
	Condition string
	// Text is an optional human readable description of the error.
	Text string
}

// Error satisfies the error interface.
func (e Error) Error() string {
	if e.Text != "" {
		return e.Condition + ": " + e.Text
	}
	return e.Condition
}

// WriteXML writes the error as a stream-level <error/> element to w and
// flushes it, returning any encoding error.
func (e Error) WriteXML(w *xml.Encoder) error {
	start := xml.StartElement{Name: xml.Name{Space: "", Local: "error"}}
	if err := w.EncodeToken(start); err != nil {
		return err
	}
	cond := xml.StartElement{Name: xml.Name{Space: ns.StreamError, Local: e.Condition}}
	if err := w.EncodeToken(cond); err != nil {
		return err
	}
	if err := w.EncodeToken(cond.End()); err != nil {
		return err
	}
	if e.Text != "" {
		text := xml.StartElement{Name: xml.Name{Space: ns.StreamError, Local: "text"}}
		if err := w.EncodeToken(text); err != nil {
			return err
		}
		if err := w.EncodeToken(xml.CharData(e.Text)); err != nil {
			return err
		}
		if err := w.EncodeToken(text.End()); err != nil {
			return err
		}
	}
	if err := w.EncodeToken(start.End()); err != nil {
		return err
	}
	return w.Flush()
}

// Defined stream error conditions, RFC 6120 §4.9.3.
var (
	BadFormat              = Error{Condition: "bad-format"}
	BadNamespacePrefix     = Error{Condition: "bad-namespace-prefix"}
	Conflict               = Error{Condition: "conflict"}
	ConnectionTimeout      = Error{Condition: "connection-timeout"}
	HostGone               = Error{Condition: "host-gone"}
	HostUnknown            = Error{Condition: "host-unknown"}
	ImproperAddressing     = Error{Condition: "improper-addressing"}
	InternalServerError    = Error{Condition: "internal-server-error"}
	InvalidFrom            = Error{Condition: "invalid-from"}
	InvalidNamespace       = Error{Condition: "invalid-namespace"}
	InvalidXML             = Error{Condition: "invalid-xml"}
	NotAuthorized          = Error{Condition: "not-authorized"}
	NotWellFormed          = Error{Condition: "not-well-formed"}
	PolicyViolation        = Error{Condition: "policy-violation"}
	RemoteConnectionFailed = Error{Condition: "remote-connection-failed"}
	Reset                  = Error{Condition: "reset"}
	ResourceConstraint     = Error{Condition: "resource-constraint"}
	RestrictedXML          = Error{Condition: "restricted-xml"}
	SystemShutdown         = Error{Condition: "system-shutdown"}
	UndefinedCondition     = Error{Condition: "undefined-condition"}
	UnsupportedEncoding    = Error{Condition: "unsupported-encoding"}
	UnsupportedFeature     = Error{Condition: "unsupported-feature"}
	UnsupportedStanzaType  = Error{Condition: "unsupported-stanza-type"}
	UnsupportedVersion     = Error{Condition: "unsupported-version"}
)

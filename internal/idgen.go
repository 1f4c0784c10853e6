// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package internal holds helpers shared by the xmpp module that are not part
// of its public API.
package internal // import "storm.im/xmpp/internal"

import (
	"strings"

	"github.com/google/uuid"
)

// RandomID returns a new random stanza or stream identifier.
//
// Identifiers only need to be unique within the scope of a single stream, so
// a v4 UUID (stripped of its dashes to keep the wire representation short) is
// more than sufficient entropy.
func RandomID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")
}

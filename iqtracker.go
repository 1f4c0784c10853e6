// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"sync"

	"storm.im/xmpp/codec"
	"storm.im/xmpp/internal/ns"
	"storm.im/xmpp/jid"
)

// iqKey identifies a pending request/response pair the way RFC 6120 §8.2.3
// requires responders to: by the requester's address and the id they chose.
type iqKey struct {
	to, id string
}

// iqTracker matches outbound iq[@type=get|set] stanzas with the single
// iq[@type=result|error] response RFC 6120 guarantees each gets, so a
// caller can await a reply without hand-rolling a demultiplexer over every
// incoming stanza.
type iqTracker struct {
	mu      sync.Mutex
	pending map[iqKey]chan *codec.Element
}

func newIQTracker() *iqTracker {
	return &iqTracker{pending: make(map[iqKey]chan *codec.Element)}
}

// insert registers interest in the response to an iq sent to "to" with the
// given id, returning the channel that response will arrive on. The
// channel is closed, without a value, if the tracker is closed first.
func (t *iqTracker) insert(to jid.JID, id string) <-chan *codec.Element {
	ch := make(chan *codec.Element, 1)
	t.mu.Lock()
	t.pending[iqKey{to: to.String(), id: id}] = ch
	t.mu.Unlock()
	return ch
}

// cancel drops a pending entry without delivering a value, for use when the
// send that would have produced a response itself failed.
func (t *iqTracker) cancel(to jid.JID, id string) {
	key := iqKey{to: to.String(), id: id}
	t.mu.Lock()
	ch, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()
	if ok {
		close(ch)
	}
}

// dispatch routes el to its waiting completer if el is an
// iq[@type=result|error] matching a pending key, reporting whether it did.
// Any other stanza (including unmatched iq responses, which indicate a
// response to a request we never made or already gave up on) is left for
// the caller to handle.
func (t *iqTracker) dispatch(el *codec.Element) bool {
	if el.Namespace != ns.Client && el.Namespace != ns.Component {
		return false
	}
	if el.Name != "iq" {
		return false
	}
	typ, _ := el.Attr("type")
	if typ != "result" && typ != "error" {
		return false
	}
	id, _ := el.Attr("id")
	from, _ := el.Attr("from")

	key := iqKey{to: from, id: id}
	t.mu.Lock()
	ch, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- el
	close(ch)
	return true
}

// closeAll cancels every still-pending request by closing its channel
// without a value, for use when the stream they were waiting on goes away.
func (t *iqTracker) closeAll() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[iqKey]chan *codec.Element)
	t.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

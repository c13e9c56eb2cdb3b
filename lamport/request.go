package lamport

import "github.com/distcodep7/lamutex/wire"

// Request is one peer's outstanding claim on the critical section.
type Request struct {
	Clock int64
	Peer  wire.PeerID
}

// Less orders requests by (clock, peer id). Every peer applies this same
// order, which is what makes the admitted peer globally unique.
func (r Request) Less(o Request) bool {
	if r.Clock != o.Clock {
		return r.Clock < o.Clock
	}
	return r.Peer < o.Peer
}

// RequestQueue holds at most one outstanding request per peer, keyed by peer
// id. It is a set, not a FIFO: the next entrant is recomputed on demand via
// Minimal rather than kept in insertion order.
type RequestQueue struct {
	entries map[wire.PeerID]Request
}

func NewRequestQueue() *RequestQueue {
	return &RequestQueue{entries: make(map[wire.PeerID]Request)}
}

// Insert records r unless its peer is already queued. Duplicate delivery of
// the same REQUEST must leave exactly one entry, so a second insert for a
// queued peer is a no-op and returns false.
func (q *RequestQueue) Insert(r Request) bool {
	if _, ok := q.entries[r.Peer]; ok {
		return false
	}
	q.entries[r.Peer] = r
	return true
}

// Remove drops the entry belonging to p, reporting whether one existed.
// Removal is keyed by peer id alone: a peer has at most one outstanding
// request at a time, so no clock match is needed.
func (q *RequestQueue) Remove(p wire.PeerID) bool {
	if _, ok := q.entries[p]; !ok {
		return false
	}
	delete(q.entries, p)
	return true
}

// Minimal returns the smallest request under the (clock, peer id) order.
// The result is independent of map iteration order because Less is a strict
// total order over the queued entries.
func (q *RequestQueue) Minimal() (Request, bool) {
	var min Request
	found := false
	for _, r := range q.entries {
		if !found || r.Less(min) {
			min = r
			found = true
		}
	}
	return min, found
}

func (q *RequestQueue) Has(p wire.PeerID) bool {
	_, ok := q.entries[p]
	return ok
}

func (q *RequestQueue) Len() int {
	return len(q.entries)
}

package transport

import (
	"fmt"
	"sort"
	"sync"

	"github.com/distcodep7/lamutex/wire"
)

// Directory resolves peer ids to reachable handles (a mailbox, a connection)
// before the protocol starts. Participants may come up in any order, so
// registration is incremental and WaitFull blocks until the configured peer
// set is complete. The set is static once full; late registrations are
// rejected.
type Directory[H any] struct {
	mu   sync.Mutex
	cond *sync.Cond
	size int
	byID map[wire.PeerID]H
}

func NewDirectory[H any](size int) *Directory[H] {
	d := &Directory[H]{
		size: size,
		byID: make(map[wire.PeerID]H, size),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Register binds id to its handle. Ids must be unique and in [0, size).
func (d *Directory[H]) Register(id wire.PeerID, h H) error {
	if id < 0 || int(id) >= d.size {
		return fmt.Errorf("register %v: id out of range [0,%d)", id, d.size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byID[id]; ok {
		return fmt.Errorf("register %v: already registered", id)
	}
	if len(d.byID) == d.size {
		return fmt.Errorf("register %v: directory already full", id)
	}
	d.byID[id] = h
	if len(d.byID) == d.size {
		d.cond.Broadcast()
	}
	return nil
}

// Lookup returns the handle for id.
func (d *Directory[H]) Lookup(id wire.PeerID) (H, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.byID[id]
	return h, ok
}

// WaitFull blocks until all size peers have registered.
func (d *Directory[H]) WaitFull() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.byID) < d.size {
		d.cond.Wait()
	}
}

// Full reports whether the peer set is complete.
func (d *Directory[H]) Full() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byID) == d.size
}

// Peers lists the registered peer ids in ascending order.
func (d *Directory[H]) Peers() []wire.PeerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]wire.PeerID, 0, len(d.byID))
	for id := range d.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Package transport provides the channel layer the protocol runs over: an
// in-process mailbox hub for the actor topology and a websocket link to a
// relay coordinator for the multi-process topology. Both guarantee FIFO
// delivery per sender/receiver link.
package transport

import (
	"errors"

	"github.com/distcodep7/lamutex/wire"
)

// ErrClosed is returned once a transport has been shut down.
var ErrClosed = errors.New("transport closed")

// Handler consumes one inbound envelope. Pump invokes the bound handler
// strictly one envelope at a time on the caller's goroutine; handlers are
// never re-entered concurrently.
type Handler func(env *wire.Envelope)

// Transport is the bidirectional channel set one peer owns.
type Transport interface {
	// Self returns the peer id this transport belongs to.
	Self() wire.PeerID

	// Bind installs the inbound handler. Must be called before the first
	// Pump; the binding is fixed for the life of the transport.
	Bind(h Handler)

	// SendTo delivers env to one destination.
	SendTo(dst wire.PeerID, env *wire.Envelope) error

	// Broadcast fans env out to every other participant, never to self.
	Broadcast(env *wire.Envelope) error

	// Pump delivers at most one pending inbound envelope into the bound
	// handler. With block=false it returns immediately when nothing is
	// pending; with block=true it suspends until an envelope arrives or the
	// transport fails. It reports whether an envelope was delivered.
	Pump(block bool) (bool, error)

	// AwaitUntil pumps (blocking) until pred holds. The predicate is
	// checked before the first pump and again after every delivered
	// envelope, since it can only change as a side effect of the handler.
	AwaitUntil(pred func() bool) error

	Close() error
}

// awaitUntil is the shared AwaitUntil loop over any Pump implementation.
func awaitUntil(tr Transport, pred func() bool) error {
	for !pred() {
		if _, err := tr.Pump(true); err != nil {
			return err
		}
	}
	return nil
}

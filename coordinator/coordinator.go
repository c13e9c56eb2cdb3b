// Package coordinator implements the relay hub for the socket topology:
// peers hold no direct channels to each other, so the coordinator forwards
// direct and broadcast traffic, releases the run once every peer is
// connected, counts DONE reports, and aggregates the run statistics into one
// summary record.
package coordinator

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/distcodep7/lamutex/wire"
)

// Props configures a Coordinator.
type Props struct {
	// Peers is the configured run size; the run starts once this many
	// distinct peer ids have registered.
	Peers  int
	Logger *log.Logger
}

// Coordinator is an http.Handler that upgrades each peer connection to a
// websocket and serves it until the run completes.
type Coordinator struct {
	peers    int
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	links     map[wire.PeerID]*peerLink
	started   bool
	wallStart time.Time
	doneSeen  map[wire.PeerID]bool
	agg       wire.RunStats
	summary   wire.Summary
	err       error

	finishOnce sync.Once
	finished   chan struct{}
}

func New(props Props) *Coordinator {
	logger := props.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		peers:    props.Peers,
		logger:   logger,
		links:    make(map[wire.PeerID]*peerLink, props.Peers),
		doneSeen: make(map[wire.PeerID]bool, props.Peers),
		finished: make(chan struct{}),
	}
}

// peerLink serializes writes to one peer's websocket; fan-outs run on the
// reader goroutines of other peers.
type peerLink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peerLink) writeJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(v)
}

func (c *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Printf("[coordinator] upgrade failed: %v", err)
		return
	}
	c.serveConn(conn)
}

func (c *Coordinator) serveConn(conn *websocket.Conn) {
	var hello wire.Envelope
	if err := conn.ReadJSON(&hello); err != nil {
		c.logger.Printf("[coordinator] registration read failed: %v", err)
		conn.Close()
		return
	}
	if hello.Type != wire.MsgHello {
		c.logger.Printf("[coordinator] expected HELLO, got %s; closing", hello.Type)
		conn.Close()
		return
	}
	id := hello.Src
	if id < 0 || int(id) >= c.peers {
		c.logger.Printf("[coordinator] HELLO from out-of-range peer %v; closing", id)
		conn.Close()
		return
	}

	link := &peerLink{conn: conn}
	c.mu.Lock()
	old := c.links[id]
	c.links[id] = link
	registered := len(c.links)
	start := !c.started && registered == c.peers
	if start {
		c.started = true
		c.wallStart = time.Now()
	}
	c.mu.Unlock()

	if old != nil {
		c.logger.Printf("[coordinator] peer %v reconnected", id)
		old.conn.Close()
	} else {
		c.logger.Printf("[coordinator] registered peer %v (%d/%d)", id, registered, c.peers)
	}
	if start {
		c.releaseStart()
	}

	c.readFrom(id, link)
}

// releaseStart broadcasts START once the full peer set is connected.
func (c *Coordinator) releaseStart() {
	c.logger.Printf("[coordinator] all %d peers connected; starting run", c.peers)
	for id, link := range c.snapshot() {
		start := wire.NewEnvelope(wire.MsgStart, wire.Coordinator, id)
		if err := link.writeJSON(start); err != nil {
			c.forwardFailed(start, id, link, err)
		}
	}
}

func (c *Coordinator) snapshot() map[wire.PeerID]*peerLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[wire.PeerID]*peerLink, len(c.links))
	for id, link := range c.links {
		out[id] = link
	}
	return out
}

func (c *Coordinator) readFrom(id wire.PeerID, link *peerLink) {
	for {
		var env wire.Envelope
		if err := link.conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			replaced := c.links[id] != link
			c.mu.Unlock()
			if replaced || c.done() {
				return
			}
			c.logger.Printf("[coordinator] link to peer %v lost: %v", id, err)
			return
		}
		c.route(&env)
	}
}

func (c *Coordinator) done() bool {
	select {
	case <-c.finished:
		return true
	default:
		return false
	}
}

// route forwards one envelope. Malformed traffic is dropped with a
// diagnostic; it must never take down the relay.
func (c *Coordinator) route(env *wire.Envelope) {
	if !env.Type.Valid() {
		c.logger.Printf("[coordinator] dropping message of unknown type %q from %v", env.Type, env.Src)
		return
	}
	if env.Src < 0 || int(env.Src) >= c.peers {
		c.logger.Printf("[coordinator] dropping %s from unknown peer %v", env.Type, env.Src)
		return
	}

	switch env.Dst {
	case wire.Broadcast:
		for id, link := range c.snapshot() {
			if id == env.Src {
				continue
			}
			if err := link.writeJSON(env); err != nil {
				c.forwardFailed(env, id, link, err)
			}
		}
	case wire.Coordinator:
		c.handle(env)
	default:
		link, ok := c.lookup(env.Dst)
		if !ok {
			c.logger.Printf("[coordinator] dropping %s for unknown destination %v", env.Type, env.Dst)
			return
		}
		if err := link.writeJSON(env); err != nil {
			c.forwardFailed(env, env.Dst, link, err)
		}
	}
}

// forwardFailed decides what a failed forward means. A write to a link that
// was since replaced by a reconnect is just stale; a write to the current
// link of a registered peer is a lost protocol message, which no peer can
// recover from, so the run is aborted rather than left to hang.
func (c *Coordinator) forwardFailed(env *wire.Envelope, id wire.PeerID, link *peerLink, err error) {
	c.mu.Lock()
	replaced := c.links[id] != link
	c.mu.Unlock()
	if replaced || c.done() {
		c.logger.Printf("[coordinator] forward %s to %v failed on a stale link: %v", env.Type, id, err)
		return
	}
	c.fail(fmt.Errorf("forward %s to peer %v: %w", env.Type, id, err))
}

// fail ends the run with err and unblocks Wait.
func (c *Coordinator) fail(err error) {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.logger.Printf("[coordinator] aborting run: %v", err)
		close(c.finished)
	})
}

func (c *Coordinator) lookup(id wire.PeerID) (*peerLink, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	link, ok := c.links[id]
	return link, ok
}

// handle consumes envelopes addressed to the coordinator itself. Only DONE
// reports are expected here.
func (c *Coordinator) handle(env *wire.Envelope) {
	if env.Type != wire.MsgDone {
		c.logger.Printf("[coordinator] dropping unexpected %s from %v", env.Type, env.Src)
		return
	}
	c.mu.Lock()
	if c.doneSeen[env.Src] {
		c.mu.Unlock()
		return
	}
	c.doneSeen[env.Src] = true
	if env.Stats != nil {
		c.agg.Add(*env.Stats)
	}
	complete := len(c.doneSeen) == c.peers
	if complete {
		c.summary = wire.Summarize(c.agg, c.peers, time.Since(c.wallStart).Seconds())
	}
	c.mu.Unlock()

	c.logger.Printf("[coordinator] peer %v done", env.Src)
	if complete {
		c.finish()
	}
}

// finish broadcasts the global end-of-run signal and unblocks Wait.
func (c *Coordinator) finish() {
	c.finishOnce.Do(func() {
		for id, link := range c.snapshot() {
			if err := link.writeJSON(wire.NewEnvelope(wire.MsgDone, wire.Coordinator, id)); err != nil {
				c.logger.Printf("[coordinator] DONE to %v failed: %v", id, err)
			}
		}
		close(c.finished)
	})
}

// Wait blocks until the run ends and returns the aggregated summary, or the
// error that aborted the run.
func (c *Coordinator) Wait() (wire.Summary, error) {
	<-c.finished
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary, c.err
}

// Close tears down all peer links.
func (c *Coordinator) Close() {
	for _, link := range c.snapshot() {
		link.conn.Close()
	}
}

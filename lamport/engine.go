package lamport

import (
	"fmt"
	"log"

	"github.com/distcodep7/lamutex/transport"
	"github.com/distcodep7/lamutex/wire"
)

// State of the engine's acquire/release cycle.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateInCS
	StateReleasing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateInCS:
		return "in-cs"
	case StateReleasing:
		return "releasing"
	}
	return "unknown"
}

// Engine is the per-peer protocol state machine. All of its state (clock,
// request queue, ack set) is owned by this one instance and touched only
// from the goroutine that calls Acquire/Release and pumps the transport, so
// none of it is locked.
//
// The engine also carries the two run-control conditions from the
// coordinator (START and the global DONE) and, when envelopes addressed to
// the coordinator are routed to it (the designated peer on a full mesh), the
// DONE tally and stats aggregation.
type Engine struct {
	self  wire.PeerID
	peers int
	tr    transport.Transport

	clock Clock
	queue *RequestQueue

	// acks is the set of peers that acknowledged the current outstanding
	// request. nil means no request is outstanding; a stale ACK arriving
	// then is discarded rather than counted against a future request.
	acks     map[wire.PeerID]struct{}
	reqClock int64
	state    State

	started  bool
	finished bool

	// Designated-peer termination tally.
	doneSeen map[wire.PeerID]bool
	agg      wire.RunStats
}

// New builds the engine for self in a run of peers participants and binds it
// as tr's inbound handler.
func New(self wire.PeerID, peers int, tr transport.Transport) *Engine {
	e := &Engine{
		self:  self,
		peers: peers,
		tr:    tr,
		queue: NewRequestQueue(),
	}
	tr.Bind(e.handle)
	return e
}

func (e *Engine) State() State { return e.state }

// ClockNow exposes the current clock value for logging and tests.
func (e *Engine) ClockNow() int64 { return e.clock.Now() }

// Acquire broadcasts a REQUEST and blocks, still servicing inbound traffic,
// until this peer is admitted to the critical section.
func (e *Engine) Acquire() error {
	if e.state != StateIdle {
		return fmt.Errorf("acquire in state %s: request already outstanding", e.state)
	}
	c := e.clock.Tick()
	e.reqClock = c
	e.queue.Insert(Request{Clock: c, Peer: e.self})
	e.acks = make(map[wire.PeerID]struct{}, e.peers-1)
	e.state = StateRequesting

	req := wire.NewEnvelope(wire.MsgRequest, e.self, wire.Broadcast)
	req.Clock = c
	if err := e.tr.Broadcast(req); err != nil {
		return fmt.Errorf("broadcast request: %w", err)
	}
	if err := e.tr.AwaitUntil(e.mayEnter); err != nil {
		return fmt.Errorf("await entry: %w", err)
	}
	e.state = StateInCS
	return nil
}

// mayEnter is the entry condition, re-evaluated after every delivered
// message: every other peer has acknowledged this request, and the request
// is the minimal queued one under the (clock, peer) order. Both parts are
// needed -- the ack count guarantees every peer's clock has passed ours, the
// minimality check enforces the global total order.
func (e *Engine) mayEnter() bool {
	if e.acks == nil || len(e.acks) != e.peers-1 {
		return false
	}
	min, ok := e.queue.Minimal()
	return ok && min.Peer == e.self && min.Clock == e.reqClock
}

// Release leaves the critical section and broadcasts RELEASE.
func (e *Engine) Release() error {
	if e.state != StateInCS {
		return fmt.Errorf("release in state %s: not in critical section", e.state)
	}
	e.state = StateReleasing
	e.queue.Remove(e.self)
	e.acks = nil

	rel := wire.NewEnvelope(wire.MsgRelease, e.self, wire.Broadcast)
	rel.Clock = e.clock.Tick()
	err := e.tr.Broadcast(rel)
	e.state = StateIdle
	if err != nil {
		return fmt.Errorf("broadcast release: %w", err)
	}
	return nil
}

// AwaitStart blocks until the coordinator releases the run.
func (e *Engine) AwaitStart() error {
	return e.tr.AwaitUntil(func() bool { return e.started })
}

// ReportDone sends this peer's stats to the coordinator (or the designated
// peer standing in for one).
func (e *Engine) ReportDone(stats wire.RunStats) error {
	done := wire.NewEnvelope(wire.MsgDone, e.self, wire.Coordinator)
	done.Stats = &stats
	return e.tr.SendTo(wire.Coordinator, done)
}

// AwaitFinish blocks until the global end-of-run signal, continuing to
// acknowledge requests from peers that are still running.
func (e *Engine) AwaitFinish() error {
	return e.tr.AwaitUntil(func() bool { return e.finished })
}

// Aggregate returns the stats tallied from DONE reports and how many peers
// they cover. Only meaningful on the peer that received the reports.
func (e *Engine) Aggregate() (wire.RunStats, int) {
	return e.agg, len(e.doneSeen)
}

// handle processes one inbound envelope. It runs on the pumping goroutine,
// strictly serialized with the engine's own transitions.
func (e *Engine) handle(env *wire.Envelope) {
	if !env.Type.Valid() {
		log.Printf("[%v] dropping message of unknown type %q from %v", e.self, env.Type, env.Src)
		return
	}
	if env.Src == wire.Coordinator {
		switch env.Type {
		case wire.MsgStart:
			e.started = true
		case wire.MsgDone:
			e.finished = true
		default:
			log.Printf("[%v] dropping unexpected %s from coordinator", e.self, env.Type)
		}
		return
	}
	if env.Src < 0 || int(env.Src) >= e.peers {
		log.Printf("[%v] dropping %s from invalid peer %v", e.self, env.Type, env.Src)
		return
	}
	// A peer's own DONE report is routed back to it when it holds the
	// designated tally duty; anything else from self is an anomaly.
	if env.Src == e.self && env.Type != wire.MsgDone {
		log.Printf("[%v] dropping looped-back %s", e.self, env.Type)
		return
	}

	switch env.Type {
	case wire.MsgRequest:
		e.clock.Observe(env.Clock)
		if !e.queue.Insert(Request{Clock: env.Clock, Peer: env.Src}) {
			log.Printf("[%v] duplicate REQUEST from %v ignored", e.self, env.Src)
		}
		ack := wire.NewEnvelope(wire.MsgAck, e.self, env.Src)
		ack.Clock = e.clock.Tick()
		if err := e.tr.SendTo(env.Src, ack); err != nil {
			log.Printf("[%v] ack to %v failed: %v", e.self, env.Src, err)
		}

	case wire.MsgAck:
		e.clock.Observe(env.Clock)
		if e.acks == nil {
			log.Printf("[%v] discarding stale ACK from %v", e.self, env.Src)
			return
		}
		e.acks[env.Src] = struct{}{}

	case wire.MsgRelease:
		e.clock.Observe(env.Clock)
		if !e.queue.Remove(env.Src) {
			log.Printf("[%v] RELEASE from %v with no queued request", e.self, env.Src)
		}

	case wire.MsgStart:
		log.Printf("[%v] dropping START from peer %v", e.self, env.Src)

	case wire.MsgDone:
		if env.Dst == wire.Coordinator {
			e.tallyDone(env)
		} else {
			e.finished = true
		}
	}
}

// tallyDone is the folded coordinator duty: count one DONE per peer,
// aggregate its stats, and broadcast the global end-of-run signal once every
// peer has reported. The sender's own DONE is routed back here too, so the
// tally includes self.
func (e *Engine) tallyDone(env *wire.Envelope) {
	if e.doneSeen == nil {
		e.doneSeen = make(map[wire.PeerID]bool, e.peers)
	}
	if e.doneSeen[env.Src] {
		return
	}
	e.doneSeen[env.Src] = true
	if env.Stats != nil {
		e.agg.Add(*env.Stats)
	}
	if len(e.doneSeen) == e.peers {
		e.finished = true
		if err := e.tr.Broadcast(wire.NewEnvelope(wire.MsgDone, e.self, wire.Broadcast)); err != nil {
			log.Printf("[%v] done broadcast failed: %v", e.self, err)
		}
	}
}

package transport

import (
	"fmt"
	"sync"

	"github.com/distcodep7/lamutex/trace"
	"github.com/distcodep7/lamutex/wire"
)

// mailboxDepth sizes one peer's inbox for a run of n peers. Senders block
// (rather than drop) when a mailbox is full, so the depth must cover the
// worst case in-flight load or a full run wedges with every peer stuck in
// put. On any one link at most an ACK, a RELEASE, and the follow-up REQUEST
// can be undelivered at once (a REQUEST is always consumed before its sender
// can release), and peer 0 additionally collects one DONE per peer, so 4n+4
// never fills. The floor keeps small runs roomy.
func mailboxDepth(n int) int { return max(4*n+4, 64) }

// Hub wires n in-process peers together through mailboxes: the actor
// topology. Peers attach concurrently during bootstrap; ReleaseStart gates
// the run on the full set being present. The termination-counting duty of a
// coordinator is folded onto the lowest-id peer, which is where envelopes
// addressed to wire.Coordinator are routed.
type Hub struct {
	n   int
	dir *Directory[*Mailbox]
}

func NewHub(n int) *Hub {
	return &Hub{n: n, dir: NewDirectory[*Mailbox](n)}
}

// Attach creates and registers the mailbox for id.
func (h *Hub) Attach(id wire.PeerID) (*Mailbox, error) {
	mb := &Mailbox{
		hub:    h,
		self:   id,
		in:     make(chan *wire.Envelope, mailboxDepth(h.n)),
		closed: make(chan struct{}),
	}
	if err := h.dir.Register(id, mb); err != nil {
		return nil, fmt.Errorf("attach: %w", err)
	}
	return mb, nil
}

// ReleaseStart blocks until every peer has attached, then delivers START to
// all of them. Protocol traffic begins only after this gate.
func (h *Hub) ReleaseStart() {
	h.dir.WaitFull()
	for _, id := range h.dir.Peers() {
		mb, _ := h.dir.Lookup(id)
		start := wire.NewEnvelope(wire.MsgStart, wire.Coordinator, id)
		mb.put(start)
	}
}

func (h *Hub) resolve(dst wire.PeerID) (*Mailbox, error) {
	if dst == wire.Coordinator {
		dst = 0
	}
	mb, ok := h.dir.Lookup(dst)
	if !ok {
		return nil, fmt.Errorf("unknown destination %v", dst)
	}
	return mb, nil
}

// Mailbox is one peer's endpoint on a Hub.
type Mailbox struct {
	hub     *Hub
	self    wire.PeerID
	in      chan *wire.Envelope
	handler Handler
	rec     *trace.Recorder

	closeOnce sync.Once
	closed    chan struct{}
}

func (m *Mailbox) Self() wire.PeerID { return m.self }

func (m *Mailbox) Bind(h Handler) { m.handler = h }

// SetRecorder enables trace logging for this mailbox.
func (m *Mailbox) SetRecorder(r *trace.Recorder) { m.rec = r }

func (m *Mailbox) SendTo(dst wire.PeerID, env *wire.Envelope) error {
	target, err := m.hub.resolve(dst)
	if err != nil {
		return err
	}
	m.rec.Record(trace.EvtSend, env)
	return target.put(env)
}

func (m *Mailbox) Broadcast(env *wire.Envelope) error {
	m.rec.Record(trace.EvtSend, env)
	for id := wire.PeerID(0); int(id) < m.hub.n; id++ {
		if id == m.self {
			continue
		}
		target, err := m.hub.resolve(id)
		if err != nil {
			return err
		}
		if err := target.put(env); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mailbox) put(env *wire.Envelope) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	select {
	case m.in <- env:
		return nil
	case <-m.closed:
		return ErrClosed
	}
}

func (m *Mailbox) Pump(block bool) (bool, error) {
	if m.handler == nil {
		return false, fmt.Errorf("pump %v: no handler bound", m.self)
	}
	if block {
		select {
		case env := <-m.in:
			m.deliver(env)
			return true, nil
		case <-m.closed:
			return false, ErrClosed
		}
	}
	select {
	case env := <-m.in:
		m.deliver(env)
		return true, nil
	default:
		return false, nil
	}
}

func (m *Mailbox) deliver(env *wire.Envelope) {
	m.rec.Record(trace.EvtRecv, env)
	m.handler(env)
}

func (m *Mailbox) AwaitUntil(pred func() bool) error {
	return awaitUntil(m, pred)
}

func (m *Mailbox) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

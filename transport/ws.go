package transport

import (
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/distcodep7/lamutex/trace"
	"github.com/distcodep7/lamutex/wire"
)

const (
	// maxRedials bounds reconnection attempts before a lost coordinator
	// link becomes fatal for the peer (and therefore for the run).
	maxRedials  = 10
	redialDelay = 250 * time.Millisecond

	inboxDepth = 100
)

// WSLink is a peer's websocket connection to the relay coordinator: the
// socket topology. All traffic, direct or broadcast, goes through the
// coordinator, which also gates the run with START and detects termination.
//
// A background goroutine reads the socket into an inbox channel; Pump and
// AwaitUntil drain that inbox on the caller's goroutine, so handler
// execution stays single-threaded.
type WSLink struct {
	self wire.PeerID
	url  string

	handler Handler
	rec     *trace.Recorder

	// mu serializes writes and guards conn; redialMu single-flights
	// reconnection when the read loop and a writer fail together.
	mu       sync.Mutex
	conn     *websocket.Conn
	redialMu sync.Mutex

	in      chan *wire.Envelope
	readErr error // set by the read loop before it closes in

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Dial connects to the coordinator at addr (host:port), registers this peer
// with a HELLO, and starts the read loop.
func Dial(addr string, self wire.PeerID) (*WSLink, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	l := &WSLink{
		self:   self,
		url:    u.String(),
		in:     make(chan *wire.Envelope, inboxDepth),
		closed: make(chan struct{}),
	}
	conn, err := l.dial()
	if err != nil {
		return nil, fmt.Errorf("dial coordinator %s: %w", addr, err)
	}
	l.conn = conn
	l.wg.Add(1)
	go l.readLoop()
	return l, nil
}

func (l *WSLink) dial() (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(l.url, nil)
	if err != nil {
		return nil, err
	}
	hello := wire.NewEnvelope(wire.MsgHello, l.self, wire.Coordinator)
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	return conn, nil
}

func (l *WSLink) current() *websocket.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// redial re-establishes the coordinator link, bounded by maxRedials. failed
// is the connection the caller saw break; when another caller has already
// replaced it the link is healthy again and no new dial is made.
func (l *WSLink) redial(failed *websocket.Conn) error {
	l.redialMu.Lock()
	defer l.redialMu.Unlock()
	if l.current() != failed {
		return nil
	}
	var lastErr error
	for i := 0; i < maxRedials; i++ {
		select {
		case <-l.closed:
			return ErrClosed
		default:
		}
		conn, err := l.dial()
		if err == nil {
			l.mu.Lock()
			old := l.conn
			l.conn = conn
			l.mu.Unlock()
			if old != nil {
				old.Close()
			}
			log.Printf("[%v] coordinator link re-established", l.self)
			return nil
		}
		lastErr = err
		time.Sleep(redialDelay)
	}
	return fmt.Errorf("coordinator link lost after %d redials: %w", maxRedials, lastErr)
}

func (l *WSLink) readLoop() {
	defer l.wg.Done()
	defer close(l.in)
	for {
		conn := l.current()
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			if l.current() == conn {
				log.Printf("[%v] coordinator link error: %v; reconnecting", l.self, err)
			}
			if rerr := l.redial(conn); rerr != nil {
				l.readErr = rerr
				return
			}
			continue
		}
		select {
		case l.in <- &env:
		case <-l.closed:
			return
		}
	}
}

func (l *WSLink) write(env *wire.Envelope) error {
	l.mu.Lock()
	conn := l.conn
	err := conn.WriteJSON(env)
	l.mu.Unlock()
	if err == nil {
		return nil
	}
	// Give reconnection one chance before declaring the send failed.
	if rerr := l.redial(conn); rerr != nil {
		return rerr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteJSON(env)
}

func (l *WSLink) Self() wire.PeerID { return l.self }

func (l *WSLink) Bind(h Handler) { l.handler = h }

// SetRecorder enables trace logging for this link.
func (l *WSLink) SetRecorder(r *trace.Recorder) { l.rec = r }

func (l *WSLink) SendTo(dst wire.PeerID, env *wire.Envelope) error {
	env.Dst = dst
	l.rec.Record(trace.EvtSend, env)
	return l.write(env)
}

// Broadcast sends a single broadcast-addressed envelope; the coordinator
// fans it out to every peer except the sender.
func (l *WSLink) Broadcast(env *wire.Envelope) error {
	env.Dst = wire.Broadcast
	l.rec.Record(trace.EvtSend, env)
	return l.write(env)
}

func (l *WSLink) Pump(block bool) (bool, error) {
	if l.handler == nil {
		return false, fmt.Errorf("pump %v: no handler bound", l.self)
	}
	if block {
		select {
		case env, ok := <-l.in:
			if !ok {
				return false, l.failure()
			}
			l.deliver(env)
			return true, nil
		case <-l.closed:
			return false, ErrClosed
		}
	}
	select {
	case env, ok := <-l.in:
		if !ok {
			return false, l.failure()
		}
		l.deliver(env)
		return true, nil
	default:
		return false, nil
	}
}

func (l *WSLink) deliver(env *wire.Envelope) {
	l.rec.Record(trace.EvtRecv, env)
	l.handler(env)
}

func (l *WSLink) failure() error {
	if l.readErr != nil {
		return l.readErr
	}
	return ErrClosed
}

func (l *WSLink) AwaitUntil(pred func() bool) error {
	return awaitUntil(l, pred)
}

func (l *WSLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.mu.Lock()
		if l.conn != nil {
			l.conn.Close()
		}
		l.mu.Unlock()
	})
	l.wg.Wait()
	return nil
}

package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/distcodep7/lamutex/wire"
)

func wsAddr(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestDialRegistersAndRoutes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverGot := make(chan *wire.Envelope, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		var hello wire.Envelope
		if err := conn.ReadJSON(&hello); err != nil {
			t.Errorf("read hello: %v", err)
			return
		}
		if hello.Type != wire.MsgHello || hello.Src != 3 {
			t.Errorf("registration = %v, want HELLO from peer 3", &hello)
		}
		if err := conn.WriteJSON(wire.NewEnvelope(wire.MsgStart, wire.Coordinator, 3)); err != nil {
			t.Errorf("write start: %v", err)
			return
		}
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		serverGot <- &env
	}))
	defer srv.Close()

	link, err := Dial(wsAddr(srv), 3)
	if err != nil {
		t.Fatal(err)
	}
	defer link.Close()

	var got *wire.Envelope
	link.Bind(func(env *wire.Envelope) { got = env })

	if delivered, err := link.Pump(true); err != nil || !delivered {
		t.Fatalf("pump: delivered=%v err=%v", delivered, err)
	}
	if got.Type != wire.MsgStart || got.Src != wire.Coordinator {
		t.Errorf("received %v, want START from coordinator", got)
	}

	req := wire.NewEnvelope(wire.MsgRequest, 3, wire.Broadcast)
	req.Clock = 7
	if err := link.Broadcast(req); err != nil {
		t.Fatal(err)
	}
	select {
	case env := <-serverGot:
		if env.Type != wire.MsgRequest || env.Dst != wire.Broadcast || env.Clock != 7 {
			t.Errorf("server received %v, want broadcast REQUEST clock 7", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the broadcast")
	}
}

func TestRedialAfterLinkDrop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var hello wire.Envelope
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}
		if atomic.AddInt32(&conns, 1) == 1 {
			// Kill the first link mid-run; the peer is expected to redial.
			conn.Close()
			return
		}
		conn.WriteJSON(wire.NewEnvelope(wire.MsgDone, wire.Coordinator, hello.Src)) //nolint:errcheck
	}))
	defer srv.Close()

	link, err := Dial(wsAddr(srv), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer link.Close()

	var got *wire.Envelope
	link.Bind(func(env *wire.Envelope) { got = env })

	if delivered, err := link.Pump(true); err != nil || !delivered {
		t.Fatalf("pump after reconnect: delivered=%v err=%v", delivered, err)
	}
	if got.Type != wire.MsgDone {
		t.Errorf("received %v after reconnect, want DONE", got)
	}
	if n := atomic.LoadInt32(&conns); n < 2 {
		t.Errorf("server saw %d registrations, want at least 2", n)
	}
}

func TestConcurrentFailuresRedialOnce(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var hello wire.Envelope
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}
		if atomic.AddInt32(&conns, 1) == 1 {
			conn.Close()
			return
		}
		conn.WriteJSON(wire.NewEnvelope(wire.MsgDone, wire.Coordinator, hello.Src)) //nolint:errcheck
		for {
			var env wire.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	link, err := Dial(wsAddr(srv), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer link.Close()
	link.Bind(func(*wire.Envelope) {})

	// The read loop and several writers all observe the dead first link at
	// roughly the same time; only one of them may dial a replacement.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				env := wire.NewEnvelope(wire.MsgRequest, 0, wire.Coordinator)
				if err := link.SendTo(wire.Coordinator, env); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if delivered, err := link.Pump(true); err != nil || !delivered {
		t.Fatalf("pump after reconnect: delivered=%v err=%v", delivered, err)
	}
	if n := atomic.LoadInt32(&conns); n != 2 {
		t.Errorf("server saw %d registrations, want exactly 2", n)
	}
}

package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/distcodep7/lamutex/wire"
)

func TestDirectoryWaitFull(t *testing.T) {
	dir := NewDirectory[string](3)

	unblocked := make(chan struct{})
	go func() {
		dir.WaitFull()
		close(unblocked)
	}()

	if err := dir.Register(0, "a"); err != nil {
		t.Fatal(err)
	}
	if err := dir.Register(2, "c"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-unblocked:
		t.Fatal("WaitFull returned before the set was complete")
	case <-time.After(50 * time.Millisecond):
	}
	if dir.Full() {
		t.Fatal("Full() true with 2 of 3 registered")
	}

	if err := dir.Register(1, "b"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-unblocked:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFull did not unblock once the set was complete")
	}

	ids := dir.Peers()
	if len(ids) != 3 || ids[0] != 0 || ids[1] != 1 || ids[2] != 2 {
		t.Errorf("Peers() = %v, want [0 1 2]", ids)
	}
}

func TestDirectoryRejectsBadRegistrations(t *testing.T) {
	dir := NewDirectory[string](2)
	if err := dir.Register(5, "x"); err == nil {
		t.Error("out-of-range id accepted")
	}
	if err := dir.Register(-1, "x"); err == nil {
		t.Error("negative id accepted")
	}
	if err := dir.Register(0, "a"); err != nil {
		t.Fatal(err)
	}
	if err := dir.Register(0, "a2"); err == nil {
		t.Error("duplicate id accepted")
	}
}

func attachAll(t *testing.T, hub *Hub, n int) []*Mailbox {
	t.Helper()
	boxes := make([]*Mailbox, n)
	for i := 0; i < n; i++ {
		mb, err := hub.Attach(wire.PeerID(i))
		if err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
		boxes[i] = mb
	}
	return boxes
}

func TestMailboxFIFOPerLink(t *testing.T) {
	hub := NewHub(2)
	boxes := attachAll(t, hub, 2)

	var got []int64
	boxes[1].Bind(func(env *wire.Envelope) { got = append(got, env.Clock) })

	for i := int64(1); i <= 50; i++ {
		env := wire.NewEnvelope(wire.MsgRequest, 0, 1)
		env.Clock = i
		if err := boxes[0].SendTo(1, env); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 50; i++ {
		delivered, err := boxes[1].Pump(true)
		if err != nil || !delivered {
			t.Fatalf("pump %d: delivered=%v err=%v", i, delivered, err)
		}
	}
	for i, c := range got {
		if c != int64(i+1) {
			t.Fatalf("delivery %d carried clock %d, want %d: FIFO violated", i, c, i+1)
		}
	}
}

func TestPumpNonBlockingEmpty(t *testing.T) {
	hub := NewHub(1)
	boxes := attachAll(t, hub, 1)
	boxes[0].Bind(func(*wire.Envelope) {})

	delivered, err := boxes[0].Pump(false)
	if err != nil {
		t.Fatal(err)
	}
	if delivered {
		t.Error("Pump(false) on empty mailbox reported a delivery")
	}
}

func TestAwaitUntilChecksPredicateFirst(t *testing.T) {
	// A single-peer run has nothing to pump; a pre-satisfied predicate must
	// return immediately rather than block.
	hub := NewHub(1)
	boxes := attachAll(t, hub, 1)
	boxes[0].Bind(func(*wire.Envelope) {})

	done := make(chan error, 1)
	go func() { done <- boxes[0].AwaitUntil(func() bool { return true }) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitUntil blocked on an already-true predicate")
	}
}

func TestBroadcastSkipsSelf(t *testing.T) {
	hub := NewHub(3)
	boxes := attachAll(t, hub, 3)

	var mu sync.Mutex
	received := make(map[wire.PeerID]int)
	for i, mb := range boxes {
		id := wire.PeerID(i)
		mb.Bind(func(*wire.Envelope) {
			mu.Lock()
			received[id]++
			mu.Unlock()
		})
	}

	if err := boxes[0].Broadcast(wire.NewEnvelope(wire.MsgRequest, 0, wire.Broadcast)); err != nil {
		t.Fatal(err)
	}
	for _, id := range []int{1, 2} {
		if delivered, err := boxes[id].Pump(true); err != nil || !delivered {
			t.Fatalf("peer %d: delivered=%v err=%v", id, delivered, err)
		}
	}
	if delivered, _ := boxes[0].Pump(false); delivered {
		t.Error("broadcast looped back to sender")
	}

	mu.Lock()
	defer mu.Unlock()
	if received[1] != 1 || received[2] != 1 || received[0] != 0 {
		t.Errorf("deliveries = %v, want one each for peers 1 and 2", received)
	}
}

func TestCoordinatorRoutesToLowestPeer(t *testing.T) {
	hub := NewHub(2)
	boxes := attachAll(t, hub, 2)

	var got *wire.Envelope
	boxes[0].Bind(func(env *wire.Envelope) { got = env })
	boxes[1].Bind(func(*wire.Envelope) {})

	env := wire.NewEnvelope(wire.MsgDone, 1, wire.Coordinator)
	if err := boxes[1].SendTo(wire.Coordinator, env); err != nil {
		t.Fatal(err)
	}
	if delivered, err := boxes[0].Pump(true); err != nil || !delivered {
		t.Fatalf("delivered=%v err=%v", delivered, err)
	}
	if got == nil || got.Type != wire.MsgDone || got.Src != 1 {
		t.Errorf("designated peer got %v, want DONE from peer 1", got)
	}
}

func TestReleaseStartGatesOnFullSet(t *testing.T) {
	hub := NewHub(2)

	started := make(chan struct{})
	go func() {
		hub.ReleaseStart()
		close(started)
	}()

	boxes := make([]*Mailbox, 2)
	var err error
	if boxes[0], err = hub.Attach(0); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
		t.Fatal("START released before all peers attached")
	case <-time.After(50 * time.Millisecond):
	}

	if boxes[1], err = hub.Attach(1); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("START never released")
	}

	for i, mb := range boxes {
		var got *wire.Envelope
		mb.Bind(func(env *wire.Envelope) { got = env })
		if delivered, err := mb.Pump(true); err != nil || !delivered {
			t.Fatalf("peer %d: delivered=%v err=%v", i, delivered, err)
		}
		if got.Type != wire.MsgStart || got.Src != wire.Coordinator {
			t.Errorf("peer %d got %v, want START from coordinator", i, got)
		}
	}
}

func TestClosedMailboxPumpFails(t *testing.T) {
	hub := NewHub(2)
	boxes := attachAll(t, hub, 2)
	boxes[0].Bind(func(*wire.Envelope) {})

	boxes[0].Close()
	if _, err := boxes[0].Pump(true); err != ErrClosed {
		t.Errorf("Pump on closed mailbox: err = %v, want ErrClosed", err)
	}
	if err := boxes[1].SendTo(0, wire.NewEnvelope(wire.MsgRequest, 1, 0)); err != ErrClosed {
		t.Errorf("SendTo closed mailbox: err = %v, want ErrClosed", err)
	}
}

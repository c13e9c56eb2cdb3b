// Package wire defines the message envelope exchanged between peers and the
// addressing/type constants shared by every transport.
package wire

import (
	"fmt"

	"github.com/google/uuid"
)

// PeerID identifies one participant. Valid peer ids are 0..n-1 for a run of
// n peers; negative values are reserved addressing sentinels.
type PeerID int

const (
	// Broadcast addresses an envelope to every peer except the sender.
	Broadcast PeerID = -1
	// Coordinator addresses an envelope to the relay/termination detector
	// (or, on a full mesh, to the designated peer that folds that duty).
	Coordinator PeerID = -2
)

func (p PeerID) String() string {
	switch p {
	case Broadcast:
		return "broadcast"
	case Coordinator:
		return "coordinator"
	default:
		return fmt.Sprintf("peer-%d", int(p))
	}
}

type MsgType string

const (
	MsgRequest MsgType = "REQUEST"
	MsgAck     MsgType = "ACK"
	MsgRelease MsgType = "RELEASE"
	MsgStart   MsgType = "START"
	MsgDone    MsgType = "DONE"

	// MsgHello registers a peer with the coordinator when its link comes up.
	// It is transport-level only and is never delivered to a protocol handler.
	MsgHello MsgType = "HELLO"
)

// Valid reports whether t is one of the protocol message kinds. HELLO is
// deliberately excluded: it must never reach a protocol handler.
func (t MsgType) Valid() bool {
	switch t {
	case MsgRequest, MsgAck, MsgRelease, MsgStart, MsgDone:
		return true
	}
	return false
}

// Envelope is the unit of exchange on every link. Clock is meaningful for
// REQUEST/ACK/RELEASE; Stats rides only on DONE sent to the coordinator.
type Envelope struct {
	ID    string    `json:"id"`
	Type  MsgType   `json:"type"`
	Src   PeerID    `json:"src"`
	Dst   PeerID    `json:"dst"`
	Clock int64     `json:"clock,omitempty"`
	Stats *RunStats `json:"stats,omitempty"`
}

// NewEnvelope builds an envelope with a fresh message id.
func NewEnvelope(t MsgType, src, dst PeerID) *Envelope {
	return &Envelope{
		ID:   uuid.NewString(),
		Type: t,
		Src:  src,
		Dst:  dst,
	}
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s %s->%s clock=%d", e.Type, e.Src, e.Dst, e.Clock)
}

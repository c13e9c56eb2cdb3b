// Package trace writes a JSONL event log of every envelope a node sends or
// receives, one file per node, for offline inspection of a run.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/distcodep7/lamutex/wire"
)

type EvtType string

const (
	EvtSend EvtType = "send"
	EvtRecv EvtType = "recv"
)

// Event is one line of the trace log.
type Event struct {
	ID        string       `json:"id"`
	MessageID string       `json:"message_id"`
	Timestamp int64        `json:"timestamp"` // wall clock, ns
	EvtType   EvtType      `json:"event"`
	MsgType   wire.MsgType `json:"type"`
	From      wire.PeerID  `json:"from"`
	To        wire.PeerID  `json:"to"`
	Clock     int64        `json:"clock"`
}

// Recorder appends events to a writer as JSON lines. A nil *Recorder is
// valid and records nothing, so callers never need to branch on tracing
// being enabled.
type Recorder struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
}

// NewRecorder opens (appending) the trace file at path.
func NewRecorder(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace log: %w", err)
	}
	return &Recorder{enc: json.NewEncoder(f), closer: f}, nil
}

// NewWriterRecorder records to an arbitrary writer; used by tests.
func NewWriterRecorder(w io.Writer) *Recorder {
	return &Recorder{enc: json.NewEncoder(w)}
}

// Record logs one send or receive of env.
func (r *Recorder) Record(evt EvtType, env *wire.Envelope) {
	if r == nil {
		return
	}
	e := Event{
		ID:        uuid.NewString(),
		MessageID: env.ID,
		Timestamp: time.Now().UnixNano(),
		EvtType:   evt,
		MsgType:   env.Type,
		From:      env.Src,
		To:        env.Dst,
		Clock:     env.Clock,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.enc.Encode(e)
}

func (r *Recorder) Close() error {
	if r == nil || r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

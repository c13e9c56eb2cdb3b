package runner

import (
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/distcodep7/lamutex/lamport"
	"github.com/distcodep7/lamutex/trace"
	"github.com/distcodep7/lamutex/transport"
	"github.com/distcodep7/lamutex/wire"
)

// RunLocal executes a complete run in-process: every peer is a goroutine
// with a mailbox on one hub, and peer 0 carries the termination tally. Peers
// attach concurrently; the hub releases START once the directory is full.
func RunLocal(cfg Config) (wire.Summary, error) {
	if err := cfg.Validate(); err != nil {
		return wire.Summary{}, err
	}

	hub := transport.NewHub(cfg.Peers)
	engines := make([]*lamport.Engine, cfg.Peers)
	wallStart := time.Now()

	var g errgroup.Group
	for i := 0; i < cfg.Peers; i++ {
		id := wire.PeerID(i)
		g.Go(func() error {
			mb, err := hub.Attach(id)
			if err != nil {
				return err
			}
			defer mb.Close()

			if cfg.TraceDir != "" {
				rec, err := trace.NewRecorder(filepath.Join(cfg.TraceDir, fmt.Sprintf("trace_%d.jsonl", id)))
				if err != nil {
					return err
				}
				defer rec.Close()
				mb.SetRecorder(rec)
			}

			eng := lamport.New(id, cfg.Peers, mb)
			engines[id] = eng
			_, err = New(eng, mb, cfg.Rounds, cfg.Work).Run()
			return err
		})
	}

	hub.ReleaseStart()
	if err := g.Wait(); err != nil {
		return wire.Summary{}, err
	}

	agg, reported := engines[0].Aggregate()
	if reported != cfg.Peers {
		return wire.Summary{}, fmt.Errorf("termination tally saw %d of %d peers", reported, cfg.Peers)
	}
	return wire.Summarize(agg, cfg.Peers, time.Since(wallStart).Seconds()), nil
}

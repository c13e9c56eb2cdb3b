// Package runner drives a peer through its configured rounds of
// acquire/critical work/release and reports its resource usage when done.
package runner

import (
	"fmt"
	"log"
	"time"

	"github.com/distcodep7/lamutex/lamport"
	"github.com/distcodep7/lamutex/transport"
	"github.com/distcodep7/lamutex/wire"
)

// MaxPeers guards against absurd run sizes.
const MaxPeers = 500

// Config holds the run parameters, fixed for the whole run.
type Config struct {
	Peers  int
	Rounds int
	// TraceDir, when set, enables per-peer JSONL trace logs in that
	// directory.
	TraceDir string
	// Work is the critical-section body; nil means no work.
	Work func()
}

func (c Config) Validate() error {
	if c.Peers < 1 || c.Peers > MaxPeers {
		return fmt.Errorf("peer count %d out of range [1,%d]", c.Peers, MaxPeers)
	}
	if c.Rounds < 1 {
		return fmt.Errorf("rounds %d must be at least 1", c.Rounds)
	}
	return nil
}

// Runner runs one peer's rounds. Strictly sequential: it never issues a
// second request before releasing the first.
type Runner struct {
	eng    *lamport.Engine
	tr     transport.Transport
	rounds int
	work   func()
}

func New(eng *lamport.Engine, tr transport.Transport, rounds int, work func()) *Runner {
	return &Runner{eng: eng, tr: tr, rounds: rounds, work: work}
}

// Run waits for START, performs the rounds, reports DONE with this peer's
// stats, and blocks until the global end-of-run signal.
func (r *Runner) Run() (wire.RunStats, error) {
	self := r.tr.Self()
	if err := r.eng.AwaitStart(); err != nil {
		return wire.RunStats{}, fmt.Errorf("await start: %w", err)
	}

	base := sampleUsage(self)
	start := time.Now()
	var entryTotal, entryMax time.Duration

	for i := 0; i < r.rounds; i++ {
		// Service any pending traffic between rounds.
		if err := r.drain(); err != nil {
			return wire.RunStats{}, err
		}

		t0 := time.Now()
		if err := r.eng.Acquire(); err != nil {
			return wire.RunStats{}, fmt.Errorf("round %d: %w", i, err)
		}
		entry := time.Since(t0)
		entryTotal += entry
		if entry > entryMax {
			entryMax = entry
		}

		log.Printf("[%v] in critical section (clock %d, round %d)", self, r.eng.ClockNow(), i)
		if r.work != nil {
			r.work()
		}
		if err := r.eng.Release(); err != nil {
			return wire.RunStats{}, fmt.Errorf("round %d: %w", i, err)
		}
	}

	stats := collectStats(self, base, start)
	log.Printf("[%v] finished %d rounds (entry avg %v, max %v)",
		self, r.rounds, entryTotal/time.Duration(r.rounds), entryMax)

	if err := r.eng.ReportDone(stats); err != nil {
		return stats, fmt.Errorf("report done: %w", err)
	}
	if err := r.eng.AwaitFinish(); err != nil {
		return stats, fmt.Errorf("await finish: %w", err)
	}
	return stats, nil
}

func (r *Runner) drain() error {
	for {
		delivered, err := r.tr.Pump(false)
		if err != nil {
			return fmt.Errorf("pump: %w", err)
		}
		if !delivered {
			return nil
		}
	}
}

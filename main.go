// Command lamutex runs Lamport's mutual-exclusion protocol in one of three
// roles: a full in-process run (the default), the relay coordinator for a
// multi-process run, or a single peer joining a coordinator.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/distcodep7/lamutex/coordinator"
	"github.com/distcodep7/lamutex/lamport"
	"github.com/distcodep7/lamutex/runner"
	"github.com/distcodep7/lamutex/trace"
	"github.com/distcodep7/lamutex/transport"
	"github.com/distcodep7/lamutex/wire"
)

var (
	peers    = pflag.Int("peers", 10, "number of peers in the run")
	rounds   = pflag.Int("rounds", 5, "critical-section rounds per peer")
	serve    = pflag.Bool("serve", false, "run the relay coordinator and wait for peers")
	join     = pflag.Bool("join", false, "join a coordinator as a single peer")
	peerID   = pflag.Int("id", -1, "peer id, required with --join")
	addr     = pflag.String("addr", "localhost:8745", "coordinator address (host:port)")
	traceDir = pflag.String("trace-dir", "", "directory for per-peer JSONL trace logs")
)

func main() {
	pflag.Parse()

	cfg := runner.Config{Peers: *peers, Rounds: *rounds, TraceDir: *traceDir}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration: %v", err)
	}

	switch {
	case *serve && *join:
		log.Fatal("--serve and --join are mutually exclusive")
	case *serve:
		runCoordinator(cfg)
	case *join:
		runPeer(cfg)
	default:
		runLocal(cfg)
	}
}

func runCoordinator(cfg runner.Config) {
	coord := coordinator.New(coordinator.Props{Peers: cfg.Peers, Logger: log.Default()})

	mux := http.NewServeMux()
	mux.Handle("/ws", coord)

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("listen on %s: %v", *addr, err)
	}
	log.Printf("[coordinator] ready on %s, waiting for %d peers", lis.Addr(), cfg.Peers)
	go func() {
		if err := http.Serve(lis, mux); err != nil {
			log.Printf("[coordinator] http server stopped: %v", err)
		}
	}()

	summary, err := coord.Wait()
	coord.Close()
	lis.Close()
	if err != nil {
		log.Fatalf("[coordinator] run failed: %v", err)
	}
	printSummary(summary)
}

func runPeer(cfg runner.Config) {
	if *peerID < 0 || *peerID >= cfg.Peers {
		log.Fatalf("configuration: --id %d out of range [0,%d)", *peerID, cfg.Peers)
	}
	id := wire.PeerID(*peerID)

	link, err := transport.Dial(*addr, id)
	if err != nil {
		log.Fatalf("[%v] %v", id, err)
	}
	defer link.Close()

	if cfg.TraceDir != "" {
		rec, err := trace.NewRecorder(filepath.Join(cfg.TraceDir, fmt.Sprintf("trace_%d.jsonl", id)))
		if err != nil {
			log.Fatalf("[%v] %v", id, err)
		}
		defer rec.Close()
		link.SetRecorder(rec)
	}

	eng := lamport.New(id, cfg.Peers, link)
	if _, err := runner.New(eng, link, cfg.Rounds, nil).Run(); err != nil {
		log.Fatalf("[%v] run failed: %v", id, err)
	}
	log.Printf("[%v] run complete", id)
}

func runLocal(cfg runner.Config) {
	summary, err := runner.RunLocal(cfg)
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}
	printSummary(summary)
}

func printSummary(s wire.Summary) {
	data, err := json.Marshal(s)
	if err != nil {
		log.Fatalf("summary: %v", err)
	}
	fmt.Printf("###OUTPUT: %s\n", data)
}

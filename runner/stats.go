package runner

import (
	"log"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/distcodep7/lamutex/wire"
)

type usageSample struct {
	userSeconds float64
	sysSeconds  float64
	rssKB       int64
}

// sampleUsage reads this process's CPU times and resident set. Sampling
// failures are logged and yield zeros; stats must never fail a healthy run.
func sampleUsage(self wire.PeerID) usageSample {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Printf("[%v] resource sampling unavailable: %v", self, err)
		return usageSample{}
	}
	var s usageSample
	if t, err := p.Times(); err == nil {
		s.userSeconds = t.User
		s.sysSeconds = t.System
	} else {
		log.Printf("[%v] cpu times unavailable: %v", self, err)
	}
	if m, err := p.MemoryInfo(); err == nil {
		s.rssKB = int64(m.RSS / 1024)
	} else {
		log.Printf("[%v] memory info unavailable: %v", self, err)
	}
	return s
}

// collectStats builds the DONE report: wall time for this peer's rounds and
// the CPU time spent since the START gate. The RSS is the current resident
// set, the closest portable stand-in for peak usage.
func collectStats(self wire.PeerID, base usageSample, start time.Time) wire.RunStats {
	end := sampleUsage(self)
	return wire.RunStats{
		WallSeconds: time.Since(start).Seconds(),
		UserSeconds: max(0, end.userSeconds-base.userSeconds),
		SysSeconds:  max(0, end.sysSeconds-base.sysSeconds),
		PeakRSSKB:   end.rssKB,
	}
}

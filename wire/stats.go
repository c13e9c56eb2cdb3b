package wire

// RunStats is the resource usage one peer reports with its DONE message.
type RunStats struct {
	WallSeconds float64 `json:"wall_s"`
	UserSeconds float64 `json:"user_s"`
	SysSeconds  float64 `json:"sys_s"`
	PeakRSSKB   int64   `json:"peak_rss_kb"`
}

// Add accumulates o into s.
func (s *RunStats) Add(o RunStats) {
	s.WallSeconds += o.WallSeconds
	s.UserSeconds += o.UserSeconds
	s.SysSeconds += o.SysSeconds
	s.PeakRSSKB += o.PeakRSSKB
}

// Summary is the single machine-readable record emitted when a run
// completes. Field names follow the established benchmark output format.
type Summary struct {
	TotalMemoryKB    int64   `json:"Total_memory"`
	WallclockSeconds float64 `json:"Wallclock_time"`
	TotalProcesses   int     `json:"Total_processes"`
	TotalProcessTime float64 `json:"Total_process_time"`
	TotalUserTime    float64 `json:"Total_user_time"`
}

// Summarize folds the aggregate peer stats into a final summary record.
// Total process time is user plus system time across all peers.
func Summarize(agg RunStats, peers int, wallSeconds float64) Summary {
	return Summary{
		TotalMemoryKB:    agg.PeakRSSKB,
		WallclockSeconds: wallSeconds,
		TotalProcesses:   peers,
		TotalProcessTime: agg.UserSeconds + agg.SysSeconds,
		TotalUserTime:    agg.UserSeconds,
	}
}

package gateway

import (
	"runtime"
	"time"
)

// Stats is the body of GET /api/v1/stats.
type Stats struct {
	UptimeSec   int64                `json:"uptime_sec"`
	Goroutines  int                  `json:"goroutines"`
	CPUCores    int                  `json:"cpu_cores"`
	HeapAllocMB float64              `json:"heap_alloc_mb"`
	SysMB       float64              `json:"sys_mb"`
	GCRuns      uint32               `json:"gc_runs"`
	WSClients   int                  `json:"ws_clients"`
	Ops         map[string]OpLatency `json:"ops"`
	TS          string               `json:"ts"`
}

// CollectStats gathers process usage and per-op compute latency.
func CollectStats(start time.Time, d *Dispatcher, hub *Hub) Stats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := Stats{
		UptimeSec:   int64(time.Since(start).Seconds()),
		Goroutines:  runtime.NumGoroutine(),
		CPUCores:    runtime.NumCPU(),
		HeapAllocMB: float64(ms.HeapAlloc) / (1024 * 1024),
		SysMB:       float64(ms.Sys) / (1024 * 1024),
		GCRuns:      ms.NumGC,
		Ops:         d.Latency().Snapshot(),
		TS:          time.Now().UTC().Format(time.RFC3339Nano),
	}
	if hub != nil {
		s.WSClients = hub.ClientCount()
	}
	return s
}

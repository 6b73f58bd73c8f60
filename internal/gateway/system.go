package gateway

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// SystemStats is process resource usage reported by /api/status.
type SystemStats struct {
	Load        [3]float64 `json:"load_avg"` // 1, 5, 15 min; zeros off Linux
	CPUCores    int        `json:"cpu_cores"`
	Goroutines  int        `json:"goroutines"`
	HeapAllocMB float64    `json:"heap_alloc_mb"`
	SysMB       float64    `json:"sys_mb"`
	GCRuns      uint32     `json:"gc_runs"`
	GCPauseMs   float64    `json:"gc_pause_total_ms"`
	Uptime      string     `json:"uptime"`
	TS          string     `json:"ts"`
}

// CollectSystemStats samples the Go runtime and the host load average.
func CollectSystemStats(start time.Time) SystemStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	now := time.Now()
	return SystemStats{
		Load:        loadAvg("/proc/loadavg"),
		CPUCores:    runtime.NumCPU(),
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: mb(ms.HeapAlloc),
		SysMB:       mb(ms.Sys),
		GCRuns:      ms.NumGC,
		GCPauseMs:   float64(ms.PauseTotalNs) / 1e6,
		Uptime:      now.Sub(start).Round(time.Second).String(),
		TS:          now.UTC().Format(time.RFC3339Nano),
	}
}

func mb(b uint64) float64 { return float64(b) / (1 << 20) }

// loadAvg parses the first three fields of a /proc/loadavg style file.
func loadAvg(path string) [3]float64 {
	var out [3]float64
	b, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	fields := strings.Fields(string(b))
	for i := 0; i < len(out) && i < len(fields); i++ {
		out[i], _ = strconv.ParseFloat(fields[i], 64)
	}
	return out
}

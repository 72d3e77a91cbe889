package pools

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// GCConfig holds GC tuning parameters
type GCConfig struct {
	// Percent is the GOGC target; 0 leaves the runtime setting alone.
	Percent int

	// MemoryLimit sets the soft memory limit in bytes; 0 means no limit.
	MemoryLimit int64
}

// ApplyGCConfig applies cfg and returns the previous GOGC value.
func ApplyGCConfig(cfg GCConfig) int {
	prev := debug.SetGCPercent(-1)
	debug.SetGCPercent(prev)
	if cfg.Percent > 0 {
		debug.SetGCPercent(cfg.Percent)
	}
	if cfg.MemoryLimit > 0 {
		debug.SetMemoryLimit(cfg.MemoryLimit)
	}
	return prev
}

// GCStats holds garbage collection statistics
type GCStats struct {
	NumGC        uint32
	PauseTotal   time.Duration
	LastPause    time.Duration
	HeapAlloc    uint64
	Sys          uint64
	NumGoroutine int
}

// ReadGCStats returns current GC statistics
func ReadGCStats() GCStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := GCStats{
		NumGC:        ms.NumGC,
		PauseTotal:   time.Duration(ms.PauseTotalNs),
		HeapAlloc:    ms.HeapAlloc,
		Sys:          ms.Sys,
		NumGoroutine: runtime.NumGoroutine(),
	}
	if ms.NumGC > 0 {
		stats.LastPause = time.Duration(ms.PauseNs[(ms.NumGC+255)%256])
	}
	return stats
}

func (s GCStats) String() string {
	return fmt.Sprintf("gc=%d pause_total=%v last_pause=%v heap=%dKB sys=%dKB goroutines=%d",
		s.NumGC, s.PauseTotal, s.LastPause, s.HeapAlloc>>10, s.Sys>>10, s.NumGoroutine)
}

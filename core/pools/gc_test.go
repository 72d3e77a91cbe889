package pools

import (
	"runtime"
	"runtime/debug"
	"strings"
	"testing"
)

func TestApplyGCConfig(t *testing.T) {
	orig := debug.SetGCPercent(100)
	defer debug.SetGCPercent(orig)

	if prev := ApplyGCConfig(GCConfig{Percent: 250}); prev != 100 {
		t.Errorf("Expected previous GOGC 100, got %d", prev)
	}
	if cur := debug.SetGCPercent(250); cur != 250 {
		t.Errorf("Expected GOGC 250, got %d", cur)
	}

	// zero values leave the runtime alone
	if prev := ApplyGCConfig(GCConfig{}); prev != 250 {
		t.Errorf("Expected GOGC untouched, got %d", prev)
	}
}

func TestReadGCStats(t *testing.T) {
	runtime.GC()
	s := ReadGCStats()
	if s.NumGC == 0 || s.NumGoroutine == 0 || s.Sys == 0 {
		t.Errorf("Expected populated stats, got %+v", s)
	}
	if !strings.Contains(s.String(), "goroutines=") {
		t.Errorf("Unexpected rendering %q", s.String())
	}
}

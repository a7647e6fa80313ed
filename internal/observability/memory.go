// Package observability provides process-level runtime stats attached
// to migration log lines.
package observability

import (
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// MemTracker samples the resident set size of the current process.
// Sampling failures degrade to zero readings rather than errors since
// memory stats are log decoration only.
type MemTracker struct {
	proc      *process.Process
	initialMB float64
}

func NewMemTracker() *MemTracker {
	t := &MemTracker{}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return t
	}
	t.proc = proc
	t.initialMB = t.CurrentMB()
	return t
}

// CurrentMB returns the resident set size in megabytes, or 0 when
// unavailable.
func (t *MemTracker) CurrentMB() float64 {
	if t == nil || t.proc == nil {
		return 0
	}
	mi, err := t.proc.MemoryInfo()
	if err != nil {
		return 0
	}
	return float64(mi.RSS) / 1024 / 1024
}

// DeltaMB returns growth since the tracker was created.
func (t *MemTracker) DeltaMB() float64 {
	cur := t.CurrentMB()
	if cur == 0 {
		return 0
	}
	return cur - t.initialMB
}

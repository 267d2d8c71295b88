package normalize

import (
	"sync"
	"time"
)

// Profiler collects named wall-clock timings for one pipeline run. It is
// carried explicitly through the pipeline rather than held in a global so
// concurrent runs never share state. A disabled profiler is a no-op.
type Profiler struct {
	mu      sync.Mutex
	enabled bool
	timings map[string]float64
}

// NewProfiler returns a profiler; when enabled is false all methods are
// cheap no-ops.
func NewProfiler(enabled bool) *Profiler {
	return &Profiler{enabled: enabled, timings: map[string]float64{}}
}

// Enabled reports whether timings are being collected.
func (p *Profiler) Enabled() bool {
	return p != nil && p.enabled
}

// Track starts a named timer and returns the function that stops it.
func (p *Profiler) Track(name string) func() {
	if !p.Enabled() {
		return func() {}
	}
	started := time.Now()
	return func() {
		p.Record(name, time.Since(started).Seconds())
	}
}

// Record accumulates elapsed seconds under a name.
func (p *Profiler) Record(name string, seconds float64) {
	if !p.Enabled() {
		return
	}
	p.mu.Lock()
	p.timings[name] += seconds
	p.mu.Unlock()
}

// Drain returns the collected timings and resets the profiler. Reading the
// report consumes it; a second call returns an empty map.
func (p *Profiler) Drain() map[string]float64 {
	if !p.Enabled() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.timings
	p.timings = map[string]float64{}
	return out
}

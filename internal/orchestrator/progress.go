package orchestrator

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jmo-sec/jmo/internal/models"
)

// Progress is a thread-safe (completed, total) counter. Each job update
// carries the target kind, display name and elapsed seconds; negative
// elapsed conventionally encodes failure for display.
type Progress struct {
	mu        sync.Mutex
	total     int
	completed int
	startedAt time.Time
	elapsed   []float64
}

// NewProgress creates a counter over total jobs.
func NewProgress(total int) *Progress {
	return &Progress{total: total, startedAt: time.Now()}
}

// Update records one completed job and logs progress with a wall-clock ETA
// computed from mean per-target elapsed time.
func (p *Progress) Update(kind models.TargetKind, name string, elapsedSec float64) {
	p.mu.Lock()
	p.completed++
	if elapsedSec >= 0 {
		p.elapsed = append(p.elapsed, elapsedSec)
	}
	completed, total := p.completed, p.total
	eta := p.etaLocked()
	p.mu.Unlock()

	event := log.Info().
		Str("kind", string(kind)).
		Str("target", name).
		Int("completed", completed).
		Int("total", total)
	if elapsedSec >= 0 {
		event = event.Float64("elapsed_sec", elapsedSec)
	} else {
		event = event.Bool("failed", true)
	}
	if eta > 0 {
		event = event.Float64("eta_sec", eta)
	}
	event.Msg("Target scanned")
}

// Snapshot returns (completed, total).
func (p *Progress) Snapshot() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed, p.total
}

// etaLocked estimates remaining wall-clock seconds from the mean elapsed
// time of completed jobs. Zero until the first completion.
func (p *Progress) etaLocked() float64 {
	if len(p.elapsed) == 0 || p.completed >= p.total {
		return 0
	}
	var sum float64
	for _, e := range p.elapsed {
		sum += e
	}
	mean := sum / float64(len(p.elapsed))
	return mean * float64(p.total-p.completed)
}

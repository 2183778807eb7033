package scoring

import (
	"sync"
	"time"
)

// Gate debounces a stream of scores: it fires once Consecutive samples in a
// row reach Threshold, then stays quiet for Cooldown.
type Gate struct {
	threshold   float64
	consecutive int
	cooldown    time.Duration

	mu          sync.Mutex
	hits        int
	lastTrigger time.Time
}

// GateConfig configures a Gate. Consecutive values below 1 are treated as 1.
type GateConfig struct {
	Threshold   float64
	Consecutive int
	Cooldown    time.Duration
}

// NewGate creates a Gate from cfg.
func NewGate(cfg GateConfig) *Gate {
	if cfg.Consecutive < 1 {
		cfg.Consecutive = 1
	}
	return &Gate{
		threshold:   cfg.Threshold,
		consecutive: cfg.Consecutive,
		cooldown:    cfg.Cooldown,
	}
}

// NewMotionGate returns a Gate with defaults suited to frame-difference scores.
func NewMotionGate(threshold float64) *Gate {
	return NewGate(GateConfig{Threshold: threshold, Consecutive: 2, Cooldown: 5 * time.Second})
}

// NewAudioGate returns a Gate with defaults suited to RMS audio scores.
func NewAudioGate(threshold float64) *Gate {
	return NewGate(GateConfig{Threshold: threshold, Consecutive: 3, Cooldown: 5 * time.Second})
}

// ShouldTrigger records one sample and reports whether the gate fires.
func (g *Gate) ShouldTrigger(score float64, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.lastTrigger.IsZero() && now.Sub(g.lastTrigger) < g.cooldown {
		return false
	}

	if score >= g.threshold {
		g.hits++
	} else {
		g.hits = 0
	}

	if g.hits >= g.consecutive {
		g.hits = 0
		g.lastTrigger = now
		return true
	}
	return false
}

// Reset clears the hit counter and cooldown.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hits = 0
	g.lastTrigger = time.Time{}
}

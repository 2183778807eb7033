// Package capture adapts camera and microphone sources to the recorder:
// live scoring of raw frames and samples, and clip producers backed by
// ffmpeg or synthetic media.
package capture

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/clipwatch/internal/scoring"
)

// Trigger kinds reported by the analyzer's gates.
const (
	TriggerMotion = "motion"
	TriggerAudio  = "audio"
)

// Trigger is a debounced live detection.
type Trigger struct {
	Kind  string    `json:"kind"`
	Score float64   `json:"score"`
	At    time.Time `json:"at"`
}

// AnalyzerConfig describes the frame geometry and gating.
type AnalyzerConfig struct {
	Width, Height int
	// Region restricts motion scoring; nil scores the full frame.
	Region        *scoring.Region
	Gates         scoring.MotionGates
	DiffThreshold int

	MotionTrigger float64
	AudioTrigger  float64
}

// Analyzer keeps the latest motion and audio scores for the recorder's
// sampler and runs hysteresis gates for live triggers.
type Analyzer struct {
	cfg        AnalyzerConfig
	motionGate *scoring.Gate
	audioGate  *scoring.Gate
	onTrigger  func(Trigger)
	now        func() time.Time
	logger     *slog.Logger

	mu     sync.Mutex
	prev   []byte
	motion float64
	audio  float64
	frames int
}

// AnalyzerOption customizes an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithOnTrigger sets the live trigger callback. It runs on the feeding goroutine.
func WithOnTrigger(fn func(Trigger)) AnalyzerOption {
	return func(a *Analyzer) { a.onTrigger = fn }
}

// WithNow overrides the analyzer clock.
func WithNow(now func() time.Time) AnalyzerOption {
	return func(a *Analyzer) { a.now = now }
}

func NewAnalyzer(cfg AnalyzerConfig, opts ...AnalyzerOption) *Analyzer {
	if cfg.DiffThreshold <= 0 {
		cfg.DiffThreshold = scoring.DefaultDiffThreshold
	}
	if cfg.MotionTrigger <= 0 {
		cfg.MotionTrigger = 0.1
	}
	if cfg.AudioTrigger <= 0 {
		cfg.AudioTrigger = 0.2
	}
	a := &Analyzer{
		cfg:        cfg,
		motionGate: scoring.NewMotionGate(cfg.MotionTrigger),
		audioGate:  scoring.NewAudioGate(cfg.AudioTrigger),
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// PushFrame scores frame against the previous one. Frames whose length does
// not match the configured geometry are ignored.
func (a *Analyzer) PushFrame(frame []byte) {
	if a.cfg.Width > 0 && a.cfg.Height > 0 && len(frame) != a.cfg.Width*a.cfg.Height*4 {
		a.logger.Debug("frame size mismatch", "got", len(frame), "width", a.cfg.Width, "height", a.cfg.Height)
		return
	}

	a.mu.Lock()
	prev := a.prev
	a.prev = append(a.prev[:0:0], frame...)
	a.frames++
	if prev == nil {
		a.mu.Unlock()
		return
	}

	region := scoring.Region{X: 0, Y: 0, Width: a.cfg.Width, Height: a.cfg.Height}
	if a.cfg.Region != nil {
		region = *a.cfg.Region
	}
	var score float64
	if a.cfg.Width > 0 && a.cfg.Height > 0 {
		rs := scoring.MotionScoreRegion(prev, frame, a.cfg.Width, a.cfg.Height, region, a.cfg.DiffThreshold)
		score = scoring.ApplyMotionGates(rs, a.cfg.Gates)
	} else {
		score = scoring.MotionScore(prev, frame, a.cfg.DiffThreshold)
	}
	a.motion = score
	a.mu.Unlock()

	if a.motionGate.ShouldTrigger(score, a.now()) {
		a.fire(Trigger{Kind: TriggerMotion, Score: score, At: a.now()})
	}
}

// PushAudio scores one buffer of PCM samples in [-1, 1].
func (a *Analyzer) PushAudio(samples []float32) {
	score := scoring.AudioScore(samples)
	a.mu.Lock()
	a.audio = score
	a.mu.Unlock()

	if a.audioGate.ShouldTrigger(score, a.now()) {
		a.fire(Trigger{Kind: TriggerAudio, Score: score, At: a.now()})
	}
}

// MotionScore returns the latest gated motion score.
func (a *Analyzer) MotionScore() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.motion
}

// AudioScore returns the latest audio RMS.
func (a *Analyzer) AudioScore() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.audio
}

// Frames returns how many frames have been pushed.
func (a *Analyzer) Frames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames
}

// Reset forgets the previous frame, scores and gate state.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	a.prev = nil
	a.motion = 0
	a.audio = 0
	a.mu.Unlock()
	a.motionGate.Reset()
	a.audioGate.Reset()
}

func (a *Analyzer) fire(t Trigger) {
	a.logger.Debug("live trigger", "kind", t.Kind, "score", t.Score)
	if a.onTrigger != nil {
		a.onTrigger(t)
	}
}

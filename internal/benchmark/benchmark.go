// Package benchmark decides whether a clip differs enough from the session's
// adaptive reference clip to be worth keeping.
package benchmark

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/clipwatch/internal/scoring"
)

// Trigger names one store criterion.
type Trigger string

const (
	TriggerMotionDelta    Trigger = "motion_delta"
	TriggerMotionAbsolute Trigger = "motion_absolute"
	TriggerAudioDelta     Trigger = "audio_delta"
	TriggerAudioAbsolute  Trigger = "audio_absolute"
)

// Thresholds configures Compare. Motion criteria are always evaluated; audio
// criteria are opt-in.
type Thresholds struct {
	MotionDelta          float64 `json:"motion_delta"`
	MotionAbsolute       float64 `json:"motion_absolute"`
	AudioDeltaEnabled    bool    `json:"audio_delta_enabled"`
	AudioDelta           float64 `json:"audio_delta"`
	AudioAbsoluteEnabled bool    `json:"audio_absolute_enabled"`
	AudioAbsolute        float64 `json:"audio_absolute"`
}

// DefaultThresholds returns motion-only thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MotionDelta:    0.02,
		MotionAbsolute: 0.1,
		AudioDelta:     0.05,
		AudioAbsolute:  0.2,
	}
}

// Data is the reference snapshot subsequent clips are compared with.
type Data struct {
	ReferenceClipID string    `json:"reference_clip_id"`
	PeakMotion      float64   `json:"peak_motion"`
	AvgMotion       float64   `json:"avg_motion"`
	PeakAudio       float64   `json:"peak_audio"`
	AvgAudio        float64   `json:"avg_audio"`
	Timestamp       time.Time `json:"timestamp"`
}

// Result is the outcome of one comparison.
type Result struct {
	ShouldStore bool
	TriggeredBy []Trigger
	MotionDelta float64
	AudioDelta  float64
	Details     string
}

// Has reports whether tr is among the triggers.
func (r Result) Has(tr Trigger) bool {
	for _, t := range r.TriggeredBy {
		if t == tr {
			return true
		}
	}
	return false
}

// Compare evaluates m against the benchmark. With no benchmark the clip is
// always kept and nothing is reported as triggering it.
func Compare(current *Data, m scoring.ClipMetrics, t Thresholds) Result {
	if current == nil {
		return Result{ShouldStore: true, Details: "no benchmark set"}
	}

	res := Result{
		MotionDelta: m.PeakMotion - current.PeakMotion,
		AudioDelta:  m.PeakAudio - current.PeakAudio,
	}

	var details []string
	if math.Abs(res.MotionDelta) >= t.MotionDelta {
		res.TriggeredBy = append(res.TriggeredBy, TriggerMotionDelta)
		details = append(details, fmt.Sprintf("motion delta %.3f >= %.3f", res.MotionDelta, t.MotionDelta))
	}
	if m.PeakMotion >= t.MotionAbsolute {
		res.TriggeredBy = append(res.TriggeredBy, TriggerMotionAbsolute)
		details = append(details, fmt.Sprintf("peak motion %.3f >= %.3f", m.PeakMotion, t.MotionAbsolute))
	}
	if t.AudioDeltaEnabled && math.Abs(res.AudioDelta) >= t.AudioDelta {
		res.TriggeredBy = append(res.TriggeredBy, TriggerAudioDelta)
		details = append(details, fmt.Sprintf("audio delta %.3f >= %.3f", res.AudioDelta, t.AudioDelta))
	}
	if t.AudioAbsoluteEnabled && m.PeakAudio >= t.AudioAbsolute {
		res.TriggeredBy = append(res.TriggeredBy, TriggerAudioAbsolute)
		details = append(details, fmt.Sprintf("peak audio %.3f >= %.3f", m.PeakAudio, t.AudioAbsolute))
	}

	res.ShouldStore = len(res.TriggeredBy) > 0
	if res.ShouldStore {
		res.Details = strings.Join(details, "; ")
	} else {
		res.Details = fmt.Sprintf("within thresholds (motion delta %.3f, audio delta %.3f)", res.MotionDelta, res.AudioDelta)
	}
	return res
}

// SessionContext scopes the benchmark slot to one monitoring session.
type SessionContext struct {
	SessionID string
	DeviceID  string
	StartedAt time.Time

	mu        sync.Mutex
	benchmark *Data
}

// NewSessionContext returns a context with an empty benchmark.
func NewSessionContext(sessionID, deviceID string, startedAt time.Time) *SessionContext {
	return &SessionContext{SessionID: sessionID, DeviceID: deviceID, StartedAt: startedAt}
}

// Benchmark returns a copy of the current benchmark.
func (s *SessionContext) Benchmark() (Data, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.benchmark == nil {
		return Data{}, false
	}
	return *s.benchmark, true
}

// SetBenchmark replaces the benchmark with the metrics of a stored clip.
func (s *SessionContext) SetBenchmark(clipID string, m scoring.ClipMetrics, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.benchmark = &Data{
		ReferenceClipID: clipID,
		PeakMotion:      m.PeakMotion,
		AvgMotion:       m.AvgMotion,
		PeakAudio:       m.PeakAudio,
		AvgAudio:        m.AvgAudio,
		Timestamp:       at,
	}
}

// ClearBenchmark empties the slot.
func (s *SessionContext) ClearBenchmark() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.benchmark = nil
}

// Compare compares m with this session's benchmark without modifying it.
func (s *SessionContext) Compare(m scoring.ClipMetrics, t Thresholds) Result {
	s.mu.Lock()
	var cur *Data
	if s.benchmark != nil {
		cp := *s.benchmark
		cur = &cp
	}
	s.mu.Unlock()
	return Compare(cur, m, t)
}

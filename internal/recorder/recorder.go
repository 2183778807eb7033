// Package recorder produces back-to-back fixed-duration clips from a capture
// source while sampling motion and audio scores for each clip.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/clipwatch/internal/clock"
	"github.com/kalambet/clipwatch/internal/scoring"
)

const (
	MinClipDuration = time.Second
	MaxClipDuration = 30 * time.Second

	DefaultClipDuration         = 10 * time.Second
	DefaultSamplingInterval     = 500 * time.Millisecond
	DefaultMotionEventThreshold = 0.05
)

// State is the recorder's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRecording
	StateFinalizing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the recorder.
type Status struct {
	State     State
	ClipIndex int
}

// Media is the encoded output of one capture sub-session.
type Media struct {
	Data     []byte
	MimeType string
}

// ClipHandle is an open capture sub-session.
type ClipHandle interface {
	// End closes the sub-session and returns once the final bytes are flushed.
	End(ctx context.Context) (Media, error)
}

// ClipProducer opens independent capture sub-sessions against a shared source.
type ClipProducer interface {
	BeginClip(ctx context.Context) (ClipHandle, error)
}

// ScoreFunc returns the instantaneous motion or audio score.
type ScoreFunc func() float64

// ClipCompleteData describes one finished clip.
type ClipCompleteData struct {
	Data      []byte
	MimeType  string
	ClipIndex int
	StartTime time.Time
	EndTime   time.Time
	Metrics   scoring.ClipMetrics
}

// Duration returns the wall time the clip covered.
func (c ClipCompleteData) Duration() time.Duration {
	return c.EndTime.Sub(c.StartTime)
}

// Config holds recorder settings. Zero values take the package defaults; a
// nil MotionEventThreshold takes DefaultMotionEventThreshold, so 0 (every
// sample is an event) stays expressible.
type Config struct {
	ClipDuration         time.Duration
	SamplingInterval     time.Duration
	MotionEventThreshold *float64
}

// Option customizes a Recorder.
type Option func(*Recorder)

// WithOnClipComplete sets the callback receiving finished clips. It runs on
// the recorder's timer goroutine, in clip order, and must not call Start or
// Stop.
func WithOnClipComplete(fn func(ClipCompleteData)) Option {
	return func(r *Recorder) { r.onClip = fn }
}

// WithOnError sets the callback receiving capture errors.
func WithOnError(fn func(error)) Option {
	return func(r *Recorder) { r.onError = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// Recorder is the clip sequencing state machine.
type Recorder struct {
	producer ClipProducer
	sched    clock.Scheduler
	motion   ScoreFunc
	audio    ScoreFunc
	sampling time.Duration

	onClip  func(ClipCompleteData)
	onError func(error)
	logger  *slog.Logger

	settingsMu     sync.Mutex
	clipDuration   time.Duration
	eventThreshold float64

	state     atomic.Int32
	clipIndex atomic.Int64

	// mu serializes state transitions and guards the fields below.
	mu      sync.Mutex
	ctx     context.Context
	gen     uint64
	current *activeClip
}

type activeClip struct {
	index   int
	handle  ClipHandle
	start   time.Time
	acc     *scoring.Accumulator
	sampler clock.Timer
	ender   clock.Timer
}

// New creates an idle Recorder. Nil score getters report 0.
func New(producer ClipProducer, sched clock.Scheduler, motion, audio ScoreFunc, cfg Config, opts ...Option) *Recorder {
	if cfg.SamplingInterval <= 0 {
		cfg.SamplingInterval = DefaultSamplingInterval
	}
	if cfg.ClipDuration == 0 {
		cfg.ClipDuration = DefaultClipDuration
	}
	threshold := DefaultMotionEventThreshold
	if cfg.MotionEventThreshold != nil {
		threshold = *cfg.MotionEventThreshold
	}
	if motion == nil {
		motion = func() float64 { return 0 }
	}
	if audio == nil {
		audio = func() float64 { return 0 }
	}

	r := &Recorder{
		producer:       producer,
		sched:          sched,
		motion:         motion,
		audio:          audio,
		sampling:       cfg.SamplingInterval,
		clipDuration:   clampDuration(cfg.ClipDuration),
		eventThreshold: threshold,
		onClip:         func(ClipCompleteData) {},
		onError:        func(error) {},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins recording clip 0. Starting a running recorder logs a warning
// and does nothing. A capture failure is reported through the error callback
// and leaves the recorder idle.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := State(r.state.Load()); st == StateRecording || st == StateFinalizing {
		r.logger.Warn("recorder already running", "clip_index", r.clipIndex.Load())
		return nil
	}

	// Recording outlives the caller's request; Stop ends it.
	r.ctx = context.WithoutCancel(ctx)
	if err := r.beginClipLocked(0); err != nil {
		return fmt.Errorf("starting capture: %w", err)
	}
	return nil
}

// Stop cancels timers and closes the current sub-session. A non-empty partial
// clip is delivered to the clip callback and returned. Stopping an idle
// recorder returns nil.
func (r *Recorder) Stop(ctx context.Context) (*ClipCompleteData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.current
	if c == nil {
		if State(r.state.Load()) != StateIdle {
			r.setState(StateStopped, int(r.clipIndex.Load()))
		}
		return nil, nil
	}

	data, err := r.finishLocked(ctx, c)
	r.setState(StateStopped, c.index)
	if err != nil {
		return nil, fmt.Errorf("finalizing clip %d: %w", c.index, err)
	}
	if len(data.Data) == 0 {
		return nil, nil
	}
	r.onClip(*data)
	return data, nil
}

// SetClipDuration changes the duration of clips started from now on. The
// value is clamped to [MinClipDuration, MaxClipDuration].
func (r *Recorder) SetClipDuration(d time.Duration) {
	r.settingsMu.Lock()
	defer r.settingsMu.Unlock()
	r.clipDuration = clampDuration(d)
}

// ClipDuration returns the duration applied to the next clip.
func (r *Recorder) ClipDuration() time.Duration {
	r.settingsMu.Lock()
	defer r.settingsMu.Unlock()
	return r.clipDuration
}

// SetMotionEventThreshold changes the motion event threshold for clips
// started from now on.
func (r *Recorder) SetMotionEventThreshold(v float64) {
	r.settingsMu.Lock()
	defer r.settingsMu.Unlock()
	r.eventThreshold = v
}

// Status returns the current state without blocking on transitions.
func (r *Recorder) Status() Status {
	return Status{
		State:     State(r.state.Load()),
		ClipIndex: int(r.clipIndex.Load()),
	}
}

func (r *Recorder) settings() (time.Duration, float64) {
	r.settingsMu.Lock()
	defer r.settingsMu.Unlock()
	return r.clipDuration, r.eventThreshold
}

func (r *Recorder) setState(s State, index int) {
	r.clipIndex.Store(int64(index))
	r.state.Store(int32(s))
}

func (r *Recorder) beginClipLocked(index int) error {
	handle, err := r.producer.BeginClip(r.ctx)
	if err != nil {
		r.current = nil
		r.setState(StateIdle, index)
		return err
	}

	duration, threshold := r.settings()
	r.gen++
	gen := r.gen

	c := &activeClip{
		index:  index,
		handle: handle,
		start:  r.sched.Now(),
		acc:    scoring.NewAccumulator(threshold),
	}
	c.acc.Add(r.motion(), r.audio())
	c.sampler = r.sched.Every(r.sampling, func() { r.sample(gen) })
	c.ender = r.sched.After(duration, func() { r.rollover(gen) })

	r.current = c
	r.setState(StateRecording, index)
	r.logger.Debug("clip started", "clip_index", index, "duration", duration)
	return nil
}

func (r *Recorder) sample(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen || r.current == nil {
		return
	}
	r.current.acc.Add(r.motion(), r.audio())
}

func (r *Recorder) rollover(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen || r.current == nil {
		return
	}

	c := r.current
	data, err := r.finishLocked(r.ctx, c)
	if err != nil {
		r.logger.Warn("clip finalization failed", "clip_index", c.index, "error", err)
		r.onError(fmt.Errorf("finalizing clip %d: %w", c.index, err))
	} else {
		r.onClip(*data)
	}

	if err := r.beginClipLocked(c.index + 1); err != nil {
		r.onError(fmt.Errorf("starting clip %d: %w", c.index+1, err))
	}
}

// finishLocked stops c's timers, takes the closing sample and flushes the
// sub-session. It always clears r.current.
func (r *Recorder) finishLocked(ctx context.Context, c *activeClip) (*ClipCompleteData, error) {
	c.sampler.Stop()
	c.ender.Stop()
	r.gen++
	c.acc.Add(r.motion(), r.audio())
	r.setState(StateFinalizing, c.index)
	r.current = nil

	media, err := c.handle.End(ctx)
	if err != nil {
		return nil, err
	}
	return &ClipCompleteData{
		Data:      media.Data,
		MimeType:  media.MimeType,
		ClipIndex: c.index,
		StartTime: c.start,
		EndTime:   r.sched.Now(),
		Metrics:   c.acc.Metrics(),
	}, nil
}

func clampDuration(d time.Duration) time.Duration {
	return min(max(d, MinClipDuration), MaxClipDuration)
}

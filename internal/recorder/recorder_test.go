package recorder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/clipwatch/internal/clock"
)

type mockHandle struct {
	p     *mockProducer
	index int
}

func (h *mockHandle) End(_ context.Context) (Media, error) {
	h.p.ended++
	if h.p.endErr != nil {
		return Media{}, h.p.endErr
	}
	if h.p.empty {
		return Media{MimeType: "video/mp4"}, nil
	}
	return Media{Data: []byte(fmt.Sprintf("clip-%d", h.index)), MimeType: "video/mp4"}, nil
}

type mockProducer struct {
	begun    int
	ended    int
	beginErr error
	endErr   error
	empty    bool
}

func (p *mockProducer) BeginClip(_ context.Context) (ClipHandle, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	h := &mockHandle{p: p, index: p.begun}
	p.begun++
	return h, nil
}

func threshold(v float64) *float64 { return &v }

type harness struct {
	clk      *clock.Fake
	producer *mockProducer
	rec      *Recorder
	clips    []ClipCompleteData
	errs     []error
	motion   float64
	audio    float64
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clk:      clock.NewFake(time.Unix(1_700_000_000, 0)),
		producer: &mockProducer{},
	}
	h.rec = New(h.producer, h.clk,
		func() float64 { return h.motion },
		func() float64 { return h.audio },
		cfg,
		WithOnClipComplete(func(c ClipCompleteData) { h.clips = append(h.clips, c) }),
		WithOnError(func(err error) { h.errs = append(h.errs, err) }),
	)
	return h
}

func TestRecorder_EmitsSequentialClips(t *testing.T) {
	h := newHarness(t, Config{ClipDuration: 2 * time.Second, SamplingInterval: 500 * time.Millisecond})
	h.rec.Start(context.Background())

	if st := h.rec.Status(); st.State != StateRecording || st.ClipIndex != 0 {
		t.Fatalf("Status = %+v, want recording/0", st)
	}

	h.clk.Advance(2 * time.Second)
	h.clk.Advance(2 * time.Second)
	h.clk.Advance(2 * time.Second)

	if len(h.clips) != 3 {
		t.Fatalf("got %d clips, want 3", len(h.clips))
	}
	for i, c := range h.clips {
		if c.ClipIndex != i {
			t.Errorf("clips[%d].ClipIndex = %d", i, c.ClipIndex)
		}
		if string(c.Data) != fmt.Sprintf("clip-%d", i) {
			t.Errorf("clips[%d].Data = %q", i, c.Data)
		}
		if c.Duration() != 2*time.Second {
			t.Errorf("clips[%d].Duration = %v, want 2s", i, c.Duration())
		}
	}
	// Each clip opens a fresh sub-session; the fourth is now recording.
	if h.producer.begun != 4 {
		t.Errorf("BeginClip calls = %d, want 4", h.producer.begun)
	}
	if st := h.rec.Status(); st.ClipIndex != 3 {
		t.Errorf("ClipIndex = %d, want 3", st.ClipIndex)
	}
}

func TestRecorder_SamplesAtStartCadenceAndEnd(t *testing.T) {
	h := newHarness(t, Config{ClipDuration: 2 * time.Second, SamplingInterval: 500 * time.Millisecond, MotionEventThreshold: threshold(0.5)})

	h.motion = 0.9 // start sample
	h.audio = 0.1
	h.rec.Start(context.Background())

	h.motion = 0.1
	h.clk.Advance(1500 * time.Millisecond) // 3 periodic samples at 0.1

	h.motion = 0.3
	h.audio = 0.4
	h.clk.Advance(500 * time.Millisecond) // periodic at 2s (0.3) then the end sample (0.3)

	if len(h.clips) != 1 {
		t.Fatalf("got %d clips, want 1", len(h.clips))
	}
	m := h.clips[0].Metrics

	// Samples: 0.9, 0.1, 0.1, 0.1, 0.3, 0.3
	if m.PeakMotion != 0.9 {
		t.Errorf("PeakMotion = %v, want 0.9", m.PeakMotion)
	}
	if want := 1.8 / 6; math.Abs(m.AvgMotion-want) > 1e-9 {
		t.Errorf("AvgMotion = %v, want %v", m.AvgMotion, want)
	}
	if m.MotionEventCount != 1 {
		t.Errorf("MotionEventCount = %d, want 1", m.MotionEventCount)
	}
	if m.PeakAudio != 0.4 {
		t.Errorf("PeakAudio = %v, want 0.4", m.PeakAudio)
	}
}

func TestRecorder_StartTwiceIsNoop(t *testing.T) {
	h := newHarness(t, Config{ClipDuration: 2 * time.Second})
	h.rec.Start(context.Background())
	h.rec.Start(context.Background())

	if h.producer.begun != 1 {
		t.Errorf("BeginClip calls = %d, want 1", h.producer.begun)
	}
}

func TestRecorder_StopEmitsPartialClip(t *testing.T) {
	h := newHarness(t, Config{ClipDuration: 5 * time.Second})
	h.rec.Start(context.Background())
	h.clk.Advance(time.Second)

	data, err := h.rec.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if data == nil {
		t.Fatal("Stop returned nil partial clip")
	}
	if data.ClipIndex != 0 || data.Duration() != time.Second {
		t.Errorf("partial clip = index %d duration %v, want 0/1s", data.ClipIndex, data.Duration())
	}
	if len(h.clips) != 1 {
		t.Fatalf("callback received %d clips, want 1", len(h.clips))
	}
	if st := h.rec.Status(); st.State != StateStopped {
		t.Errorf("State = %v, want stopped", st.State)
	}

	// Timers are cancelled: nothing else is emitted.
	h.clk.Advance(time.Minute)
	if len(h.clips) != 1 {
		t.Errorf("clips after stop = %d, want 1", len(h.clips))
	}
	if h.clk.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", h.clk.Pending())
	}
}

func TestRecorder_StopEmptyPartialClip(t *testing.T) {
	h := newHarness(t, Config{ClipDuration: 5 * time.Second})
	h.producer.empty = true
	h.rec.Start(context.Background())

	data, err := h.rec.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if data != nil {
		t.Errorf("Stop returned %+v, want nil for empty clip", data)
	}
	if len(h.clips) != 0 {
		t.Errorf("callback received %d clips, want 0", len(h.clips))
	}
}

func TestRecorder_StopWhileIdle(t *testing.T) {
	h := newHarness(t, Config{})
	data, err := h.rec.Stop(context.Background())
	if err != nil || data != nil {
		t.Fatalf("Stop() = %v, %v; want nil, nil", data, err)
	}
	if st := h.rec.Status(); st.State != StateIdle {
		t.Errorf("State = %v, want idle", st.State)
	}
}

func TestRecorder_CaptureUnavailable(t *testing.T) {
	h := newHarness(t, Config{})
	h.producer.beginErr = errors.New("camera permission denied")

	err := h.rec.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "camera permission denied") {
		t.Fatalf("Start() = %v, want capture error", err)
	}
	if len(h.errs) != 0 {
		t.Errorf("start failure also reported through the error callback: %v", h.errs)
	}
	if st := h.rec.Status(); st.State != StateIdle {
		t.Errorf("State = %v, want idle", st.State)
	}
}

func TestRecorder_EndFailureContinuesWithNextClip(t *testing.T) {
	h := newHarness(t, Config{ClipDuration: time.Second})
	h.rec.Start(context.Background())

	h.producer.endErr = errors.New("flush failed")
	h.clk.Advance(time.Second)
	if len(h.errs) != 1 || len(h.clips) != 0 {
		t.Fatalf("errs=%d clips=%d, want 1/0", len(h.errs), len(h.clips))
	}

	h.producer.endErr = nil
	h.clk.Advance(time.Second)
	if len(h.clips) != 1 || h.clips[0].ClipIndex != 1 {
		t.Fatalf("clips = %+v, want clip 1", h.clips)
	}
}

func TestRecorder_SetClipDurationAppliesToNextClip(t *testing.T) {
	h := newHarness(t, Config{ClipDuration: 2 * time.Second})
	h.rec.Start(context.Background())

	h.clk.Advance(time.Second)
	h.rec.SetClipDuration(5 * time.Second)

	h.clk.Advance(time.Second) // clip 0 still ends at 2s
	if len(h.clips) != 1 {
		t.Fatalf("clips = %d, want 1", len(h.clips))
	}

	h.clk.Advance(4 * time.Second)
	if len(h.clips) != 1 {
		t.Fatalf("clip 1 ended early: clips = %d", len(h.clips))
	}
	h.clk.Advance(time.Second)
	if len(h.clips) != 2 {
		t.Fatalf("clips = %d, want 2", len(h.clips))
	}
	if d := h.clips[1].Duration(); d != 5*time.Second {
		t.Errorf("clip 1 duration = %v, want 5s", d)
	}
}

func TestRecorder_SetMotionEventThreshold(t *testing.T) {
	h := newHarness(t, Config{ClipDuration: time.Second, SamplingInterval: 500 * time.Millisecond, MotionEventThreshold: threshold(0.5)})
	h.motion = 0.2
	h.rec.Start(context.Background())
	h.rec.SetMotionEventThreshold(0.1)

	h.clk.Advance(time.Second)
	if got := h.clips[0].Metrics.MotionEventCount; got != 0 {
		t.Errorf("clip 0 events = %d, want 0", got)
	}
	h.clk.Advance(time.Second)
	// start + 2 periodic + end
	if got := h.clips[1].Metrics.MotionEventCount; got != 4 {
		t.Errorf("clip 1 events = %d, want 4", got)
	}
}

func TestRecorder_ZeroMotionEventThreshold(t *testing.T) {
	h := newHarness(t, Config{ClipDuration: time.Second, SamplingInterval: 500 * time.Millisecond, MotionEventThreshold: threshold(0)})
	h.rec.Start(context.Background())

	h.clk.Advance(time.Second)
	// A still scene meets a zero threshold: start + 2 periodic + end.
	if got := h.clips[0].Metrics.MotionEventCount; got != 4 {
		t.Errorf("events = %d, want 4", got)
	}

	h.rec.SetMotionEventThreshold(0.5)
	h.clk.Advance(time.Second)
	if got := h.clips[1].Metrics.MotionEventCount; got != 0 {
		t.Errorf("events after raising threshold = %d, want 0", got)
	}
}

func TestRecorder_DefaultMotionEventThreshold(t *testing.T) {
	h := newHarness(t, Config{ClipDuration: time.Second, SamplingInterval: 500 * time.Millisecond})
	h.motion = DefaultMotionEventThreshold / 2
	h.rec.Start(context.Background())

	h.clk.Advance(time.Second)
	if got := h.clips[0].Metrics.MotionEventCount; got != 0 {
		t.Errorf("events below default threshold = %d, want 0", got)
	}
}

func TestClampDuration(t *testing.T) {
	h := newHarness(t, Config{})
	h.rec.SetClipDuration(100 * time.Millisecond)
	if got := h.rec.ClipDuration(); got != MinClipDuration {
		t.Errorf("ClipDuration = %v, want %v", got, MinClipDuration)
	}
	h.rec.SetClipDuration(time.Hour)
	if got := h.rec.ClipDuration(); got != MaxClipDuration {
		t.Errorf("ClipDuration = %v, want %v", got, MaxClipDuration)
	}
}

func TestRecorder_RestartAfterStopResetsIndex(t *testing.T) {
	h := newHarness(t, Config{ClipDuration: time.Second})
	h.rec.Start(context.Background())
	h.clk.Advance(2 * time.Second)
	if _, err := h.rec.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	h.clips = nil
	h.rec.Start(context.Background())
	h.clk.Advance(time.Second)
	if len(h.clips) != 1 || h.clips[0].ClipIndex != 0 {
		t.Fatalf("clips after restart = %+v, want index 0", h.clips)
	}
}

package main

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/clipwatch/internal/capture"
	"github.com/kalambet/clipwatch/internal/config"
)

func testCaptureConfig(mutate func(*config.CaptureConfig)) config.Config {
	cfg := config.Config{Capture: config.CaptureConfig{
		Source:        config.SourceSynthetic,
		Width:         8,
		Height:        6,
		FPS:           4,
		DiffThreshold: 60,
		MotionTrigger: 0.1,
		AudioTrigger:  0.2,
	}}
	if mutate != nil {
		mutate(&cfg.Capture)
	}
	return cfg
}

func uniformFrame(w, h int, level byte) []byte {
	f := bytes.Repeat([]byte{level, level, level, 255}, w*h)
	return f
}

func TestBuildCapture_BrightnessCeiling(t *testing.T) {
	tests := []struct {
		name    string
		ceiling float64
		want    float64
	}{
		{"no ceiling", 0, 1},
		{"ceiling below jump", 30, 0},
		{"ceiling above jump", 80, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testCaptureConfig(func(c *config.CaptureConfig) { c.MaxBrightnessDelta = tt.ceiling })
			cs := buildCapture(cfg, slog.Default(), nil)

			// A whole-scene exposure step of +50 per channel.
			cs.analyzer.PushFrame(uniformFrame(8, 6, 100))
			cs.analyzer.PushFrame(uniformFrame(8, 6, 150))

			if got := cs.analyzer.MotionScore(); got != tt.want {
				t.Errorf("MotionScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildCapture_Region(t *testing.T) {
	cfg := testCaptureConfig(func(c *config.CaptureConfig) {
		c.RegionX, c.RegionY, c.RegionWidth, c.RegionHeight = 0, 0, 4, 3
	})
	cs := buildCapture(cfg, slog.Default(), nil)

	prev := uniformFrame(8, 6, 0)
	curr := uniformFrame(8, 6, 0)
	// Bottom-right pixel only, outside the region.
	copy(curr[len(curr)-4:], []byte{255, 255, 255, 255})
	cs.analyzer.PushFrame(prev)
	cs.analyzer.PushFrame(curr)

	if got := cs.analyzer.MotionScore(); got != 0 {
		t.Errorf("MotionScore() = %v, want 0 for change outside region", got)
	}
}

func TestBuildCapture_MinMotionScore(t *testing.T) {
	cfg := testCaptureConfig(func(c *config.CaptureConfig) { c.MinMotionScore = 0.5 })
	cs := buildCapture(cfg, slog.Default(), nil)

	prev := uniformFrame(8, 6, 0)
	curr := uniformFrame(8, 6, 0)
	copy(curr[:4], []byte{255, 255, 255, 255})
	cs.analyzer.PushFrame(prev)
	cs.analyzer.PushFrame(curr)

	if got := cs.analyzer.MotionScore(); got != 0 {
		t.Errorf("MotionScore() = %v, want 0 below the floor", got)
	}
}

func TestBuildCapture_FFmpegTapsAnalyzer(t *testing.T) {
	cfg := testCaptureConfig(func(c *config.CaptureConfig) {
		c.Source = config.SourceFFmpeg
		c.FFmpegPath = "ffmpeg"
		c.VideoInput = "-f v4l2 -i /dev/video0"
		c.AudioInput = ""
	})
	cs := buildCapture(cfg, slog.Default(), nil)

	p, ok := cs.producer.(*capture.FFmpegProducer)
	if !ok {
		t.Fatalf("producer = %T, want *capture.FFmpegProducer", cs.producer)
	}
	if p.Analysis == nil || p.Analysis.Analyzer != cs.analyzer {
		t.Fatal("producer does not feed the shared analyzer")
	}
	if !p.Analysis.Video || p.Analysis.Audio {
		t.Errorf("taps video=%v audio=%v, want video only", p.Analysis.Video, p.Analysis.Audio)
	}
	if p.Analysis.Width != 8 || p.Analysis.Height != 6 || p.Analysis.FPS != 4 {
		t.Errorf("tap geometry = %dx%d@%d", p.Analysis.Width, p.Analysis.Height, p.Analysis.FPS)
	}
}

func TestBackendStatus(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if got := backendStatus(ctx, config.BackendConfig{}); got != "(not configured)" {
		t.Errorf("unset backend = %q", got)
	}

	got := backendStatus(ctx, config.BackendConfig{URL: srv.URL + "/", Token: "tok"})
	if got != srv.URL+" (reachable)" {
		t.Errorf("reachable backend = %q, want trailing slash trimmed", got)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth = %q", gotAuth)
	}

	srv.Close()
	got = backendStatus(ctx, config.BackendConfig{URL: srv.URL})
	if !strings.HasSuffix(got, "(unreachable)") {
		t.Errorf("closed backend = %q", got)
	}
}

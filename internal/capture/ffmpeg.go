package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/clipwatch/internal/recorder"
)

const (
	defaultFFmpeg   = "ffmpeg"
	finalizeTimeout = 10 * time.Second
)

// FFmpegProducer records each clip with its own ffmpeg process writing a
// standalone container file. Ending a clip sends "q" so ffmpeg writes the
// trailer before exiting.
//
// The clip process is the only reader of the capture device. With Analysis
// set it also writes the scaled frames and PCM the Analyzer scores to extra
// pipes, so live scoring runs while a clip is being recorded.
type FFmpegProducer struct {
	Binary     string
	InputArgs  []string // e.g. -f v4l2 -i /dev/video0 -f alsa -i default
	OutputArgs []string // codec options; defaults to VP8/Opus
	Format     string   // container; defaults to webm
	MimeType   string   // defaults to video/webm
	Dir        string   // scratch directory; defaults to os.TempDir()
	Analysis   *Analysis
	Logger     *slog.Logger
}

// Analysis describes the raw streams tapped off each clip process.
type Analysis struct {
	Analyzer    *Analyzer
	Video       bool // rgba frames scaled to Width x Height at FPS
	Audio       bool // mono f32le at SampleRate
	Width       int
	Height      int
	FPS         int
	SampleRate  int
	AudioBuffer int // samples per analysis buffer
}

// VideoArgs returns the output arguments for the frame tap.
func (a *Analysis) VideoArgs(target string) []string {
	fps := a.FPS
	if fps <= 0 {
		fps = 2
	}
	return []string{
		"-an",
		"-vf", fmt.Sprintf("fps=%d,scale=%d:%d", fps, a.Width, a.Height),
		"-pix_fmt", "rgba",
		"-f", "rawvideo",
		target,
	}
}

// AudioArgs returns the output arguments for the PCM tap.
func (a *Analysis) AudioArgs(target string) []string {
	rate := a.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	return []string{
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
		"-f", "f32le",
		target,
	}
}

func (a *Analysis) audioBuffer() int {
	if a.AudioBuffer > 0 {
		return a.AudioBuffer
	}
	return 1600
}

// tap is one extra output pipe of the clip process.
type tap struct {
	args    []string
	r, w    *os.File
	consume func(r io.Reader) error
}

func (p *FFmpegProducer) binary() string {
	if p.Binary != "" {
		return p.Binary
	}
	return defaultFFmpeg
}

func (p *FFmpegProducer) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *FFmpegProducer) args(out string, taps []tap) []string {
	format := p.Format
	if format == "" {
		format = "webm"
	}
	outArgs := p.OutputArgs
	if len(outArgs) == 0 {
		outArgs = []string{"-c:v", "libvpx", "-deadline", "realtime", "-b:v", "1M", "-c:a", "libopus"}
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-nostats", "-y"}
	args = append(args, p.InputArgs...)
	args = append(args, outArgs...)
	args = append(args, "-f", format, out)
	for _, t := range taps {
		args = append(args, t.args...)
	}
	return args
}

// openTaps creates the pipes for the enabled analysis streams. Child fd 3 is
// the first entry of ExtraFiles.
func (p *FFmpegProducer) openTaps() ([]tap, error) {
	a := p.Analysis
	if a == nil || a.Analyzer == nil {
		return nil, nil
	}
	var taps []tap
	add := func(args func(string) []string, consume func(io.Reader) error) error {
		r, w, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("creating analysis pipe: %w", err)
		}
		target := fmt.Sprintf("pipe:%d", 3+len(taps))
		taps = append(taps, tap{args: args(target), r: r, w: w, consume: consume})
		return nil
	}
	if a.Video && a.Width > 0 && a.Height > 0 {
		err := add(a.VideoArgs, func(r io.Reader) error {
			return ReadFrames(context.Background(), r, a.Width, a.Height, a.Analyzer.PushFrame)
		})
		if err != nil {
			return nil, err
		}
	}
	if a.Audio {
		err := add(a.AudioArgs, func(r io.Reader) error {
			return ReadAudio(context.Background(), r, a.audioBuffer(), a.Analyzer.PushAudio)
		})
		if err != nil {
			closeTaps(taps)
			return nil, err
		}
	}
	return taps, nil
}

func closeTaps(taps []tap) {
	for _, t := range taps {
		t.r.Close()
		t.w.Close()
	}
}

// BeginClip starts a new ffmpeg process for one clip.
func (p *FFmpegProducer) BeginClip(ctx context.Context) (recorder.ClipHandle, error) {
	if len(p.InputArgs) == 0 {
		return nil, fmt.Errorf("ffmpeg producer: no input configured")
	}
	dir := p.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	format := p.Format
	if format == "" {
		format = "webm"
	}
	out := filepath.Join(dir, "clip-"+uuid.New().String()+"."+format)

	taps, err := p.openTaps()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(p.binary(), p.args(out, taps)...)
	for _, t := range taps {
		cmd.ExtraFiles = append(cmd.ExtraFiles, t.w)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeTaps(taps)
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		closeTaps(taps)
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	h := &ffmpegHandle{
		cmd:      cmd,
		stdin:    stdin,
		stderr:   &stderr,
		path:     out,
		mimeType: p.mimeType(),
		done:     make(chan struct{}),
		logger:   p.logger(),
	}
	// The child holds the write ends now; readers see EOF once it exits.
	for _, t := range taps {
		t.w.Close()
		h.taps.Go(func() error {
			defer t.r.Close()
			err := t.consume(t.r)
			// Keep ffmpeg from blocking on a full pipe.
			io.Copy(io.Discard, t.r)
			return err
		})
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

func (p *FFmpegProducer) mimeType() string {
	if p.MimeType != "" {
		return p.MimeType
	}
	return "video/webm"
}

type ffmpegHandle struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stderr   *bytes.Buffer
	path     string
	mimeType string
	logger   *slog.Logger

	once    sync.Once
	done    chan struct{}
	waitErr error
	taps    errgroup.Group
}

// End asks ffmpeg to finish, waits for the file to be finalized and returns
// its contents. The scratch file is always removed.
func (h *ffmpegHandle) End(ctx context.Context) (recorder.Media, error) {
	h.once.Do(func() {
		io.WriteString(h.stdin, "q")
		h.stdin.Close()
	})
	defer os.Remove(h.path)

	timer := time.NewTimer(finalizeTimeout)
	defer timer.Stop()

	select {
	case <-h.done:
	case <-ctx.Done():
		h.cmd.Process.Kill()
		<-h.done
		h.taps.Wait()
		return recorder.Media{}, ctx.Err()
	case <-timer.C:
		h.logger.Warn("ffmpeg did not exit after q, killing", "file", h.path)
		h.cmd.Process.Kill()
		<-h.done
	}
	if err := h.taps.Wait(); err != nil {
		h.logger.Warn("analysis stream failed", "error", err)
	}

	data, err := os.ReadFile(h.path)
	if err != nil {
		if h.waitErr != nil {
			return recorder.Media{}, fmt.Errorf("ffmpeg exited: %w: %s", h.waitErr, strings.TrimSpace(h.stderr.String()))
		}
		return recorder.Media{}, fmt.Errorf("reading clip file: %w", err)
	}
	if h.waitErr != nil {
		// ffmpeg often exits non-zero after q on some inputs while still
		// writing a valid file.
		h.logger.Debug("ffmpeg exit status", "error", h.waitErr, "stderr", strings.TrimSpace(h.stderr.String()))
	}
	return recorder.Media{Data: data, MimeType: h.mimeType}, nil
}

// Package upload moves stored clips to the backend: initiate, transfer,
// finalize, then mark uploaded or schedule a retry.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/clipwatch/internal/backend"
	"github.com/kalambet/clipwatch/internal/connectivity"
	"github.com/kalambet/clipwatch/internal/storage"
)

// Errors recorded on clips that were skipped without a network call.
const (
	ErrOffline         = "offline"
	ErrMissingMetadata = "missing_metadata"
)

const maxErrorLen = 500

// ClipStore is the subset of storage the pipeline needs.
type ClipStore interface {
	ListClips(f storage.ClipFilter) ([]storage.Clip, error)
	GetClip(id string) (storage.Clip, error)
	MarkUploaded(id string, at time.Time) error
	ScheduleRetry(id string, r storage.RetrySchedule) error
}

// Backend is the subset of the backend client the pipeline needs.
type Backend interface {
	InitiateUpload(ctx context.Context, meta backend.EventMeta) (backend.InitiateResponse, error)
	UploadBytes(ctx context.Context, eventID string, target backend.UploadTarget, data []byte, contentType string) (backend.UploadResult, error)
	FinalizeUpload(ctx context.Context, eventID, etag string) (backend.Event, error)
}

// Backoff is the store-level retry schedule: Base * 2^attempts, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff starts at 5s and caps at 10 minutes.
func DefaultBackoff() Backoff {
	return Backoff{Base: 5 * time.Second, Max: 10 * time.Minute}
}

// Delay returns the wait after a clip has already failed attempts times.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := time.Duration(float64(b.Base) * math.Pow(2, float64(attempts)))
	if d <= 0 || d > b.Max {
		return b.Max
	}
	return d
}

// PassResult summarizes one scan over pending clips.
type PassResult struct {
	Scanned     int `json:"scanned"`
	Uploaded    int `json:"uploaded"`
	Rescheduled int `json:"rescheduled"`
	// Recovered counts uploads that succeeded only after an in-pass retry.
	Recovered int `json:"recovered"`
}

// Outcome is reported for every clip a pass touches.
type Outcome struct {
	Clip      storage.Clip
	Uploaded  bool
	Err       error
	NextRetry time.Time
}

// Pipeline uploads pending clips. Passes never overlap; concurrent callers
// asking for the same session share one pass.
type Pipeline struct {
	store   ClipStore
	backend Backend
	conn    connectivity.Signal
	backoff Backoff

	retries    uint64
	retryDelay time.Duration
	now        func() time.Time
	onOutcome  func(Outcome)
	logger     *slog.Logger

	group  singleflight.Group
	passMu sync.Mutex
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

func WithBackoff(b Backoff) Option {
	return func(p *Pipeline) { p.backoff = b }
}

// WithInPassRetry sets how many extra tries a transient step failure gets
// within one pass, and the delay between them.
func WithInPassRetry(retries int, delay time.Duration) Option {
	return func(p *Pipeline) {
		if retries < 1 {
			retries = 1
		}
		if delay <= 0 {
			delay = time.Millisecond
		}
		p.retries = uint64(retries)
		p.retryDelay = delay
	}
}

func WithNow(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithOnOutcome registers a callback invoked after each clip is handled.
func WithOnOutcome(fn func(Outcome)) Option {
	return func(p *Pipeline) { p.onOutcome = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline wires a pipeline. conn may be nil, meaning always online.
func NewPipeline(store ClipStore, be Backend, conn connectivity.Signal, opts ...Option) *Pipeline {
	if conn == nil {
		conn = connectivity.Static(true)
	}
	p := &Pipeline{
		store:      store,
		backend:    be,
		conn:       conn,
		backoff:    DefaultBackoff(),
		retries:    2,
		retryDelay: 500 * time.Millisecond,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// UploadPendingClips runs a pass and returns how many clips were uploaded.
// An empty sessionID covers every session.
func (p *Pipeline) UploadPendingClips(ctx context.Context, sessionID string) (int, error) {
	res, err := p.RunPass(ctx, sessionID)
	return res.Uploaded, err
}

// RunPass scans ready, not yet uploaded clips and attempts each one.
func (p *Pipeline) RunPass(ctx context.Context, sessionID string) (PassResult, error) {
	v, err, _ := p.group.Do("pass:"+sessionID, func() (any, error) {
		p.passMu.Lock()
		defer p.passMu.Unlock()
		return p.runPass(ctx, sessionID)
	})
	res, _ := v.(PassResult)
	return res, err
}

func (p *Pipeline) runPass(ctx context.Context, sessionID string) (PassResult, error) {
	var res PassResult
	notUploaded := false

	clips, err := p.store.ListClips(storage.ClipFilter{
		Uploaded:      &notUploaded,
		SessionID:     sessionID,
		ReadyToUpload: true,
		Now:           p.now(),
	})
	if err != nil {
		return res, fmt.Errorf("listing pending clips: %w", err)
	}
	res.Scanned = len(clips)

	for _, c := range clips {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p.handleClip(ctx, c, &res)
	}

	if res.Scanned > 0 {
		p.logger.Info("upload pass complete",
			"session_id", sessionID,
			"scanned", res.Scanned,
			"uploaded", res.Uploaded,
			"rescheduled", res.Rescheduled,
			"recovered", res.Recovered,
		)
	}
	return res, nil
}

func (p *Pipeline) handleClip(ctx context.Context, c storage.Clip, res *PassResult) {
	if !p.conn.Online() {
		p.reschedule(c, errors.New(ErrOffline), res)
		return
	}
	if c.SessionID == "" || c.DeviceID == "" || c.TriggerType == "" {
		p.logger.Warn("clip missing upload metadata", "clip_id", c.ID,
			"session_id", c.SessionID, "device_id", c.DeviceID, "trigger_type", c.TriggerType)
		p.reschedule(c, errors.New(ErrMissingMetadata), res)
		return
	}

	retried, err := p.uploadClip(ctx, c)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-transfer is not a failed attempt.
			return
		}
		p.logger.Warn("clip upload failed", "clip_id", c.ID, "attempts", c.UploadAttempts+1, "error", err)
		p.reschedule(c, err, res)
		return
	}

	now := p.now()
	if err := p.store.MarkUploaded(c.ID, now); err != nil {
		p.logger.Error("marking clip uploaded", "clip_id", c.ID, "error", err)
		return
	}
	res.Uploaded++
	if retried {
		res.Recovered++
	}
	c.Uploaded = true
	c.UploadedAt = &now
	p.emit(Outcome{Clip: c, Uploaded: true})
}

func (p *Pipeline) reschedule(c storage.Clip, cause error, res *PassResult) {
	now := p.now()
	next := now.Add(p.backoff.Delay(c.UploadAttempts))
	msg := truncateError(cause.Error(), maxErrorLen)
	if err := p.store.ScheduleRetry(c.ID, storage.RetrySchedule{Error: msg, NextUploadAttemptAt: next}); err != nil {
		p.logger.Error("scheduling upload retry", "clip_id", c.ID, "error", err)
		return
	}
	res.Rescheduled++
	c.UploadAttempts++
	c.LastUploadError = msg
	c.NextUploadAttemptAt = &next
	p.emit(Outcome{Clip: c, Err: cause, NextRetry: next})
}

// uploadClip runs initiate, transfer and finalize, retrying each transient
// step in place. retried reports whether any step needed more than one try.
func (p *Pipeline) uploadClip(ctx context.Context, c storage.Clip) (retried bool, err error) {
	full, err := p.store.GetClip(c.ID)
	if err != nil {
		return false, fmt.Errorf("loading clip: %w", err)
	}

	meta := backend.EventMeta{
		EventID:         full.ID,
		SessionID:       full.SessionID,
		DeviceID:        full.DeviceID,
		TriggerType:     full.TriggerType,
		DurationSeconds: full.DurationSeconds,
		MimeType:        full.MimeType,
		SizeBytes:       full.SizeBytes,
		ClipIndex:       full.ClipIndex,
		Metrics:         full.Metrics,
		TriggeredBy:     full.TriggeredBy,
		RecordedAt:      full.CreatedAt,
	}

	var init backend.InitiateResponse
	r, err := p.step(ctx, "initiate upload", func(ctx context.Context) error {
		var err error
		init, err = p.backend.InitiateUpload(ctx, meta)
		return err
	})
	retried = retried || r
	if err != nil {
		return retried, err
	}

	eventID := init.Event.ID
	if eventID == "" {
		eventID = full.ID
	}

	var up backend.UploadResult
	r, err = p.step(ctx, "transfer", func(ctx context.Context) error {
		var err error
		up, err = p.backend.UploadBytes(ctx, eventID, init.Target, full.Blob, full.MimeType)
		return err
	})
	retried = retried || r
	if err != nil {
		return retried, err
	}

	r, err = p.step(ctx, "finalize upload", func(ctx context.Context) error {
		_, err := p.backend.FinalizeUpload(ctx, eventID, up.ETag)
		return err
	})
	retried = retried || r
	return retried, err
}

func (p *Pipeline) step(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error) {
	tries := 0
	b := retry.WithMaxRetries(p.retries, retry.NewConstant(p.retryDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		tries++
		err := fn(ctx)
		if err != nil && backend.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return tries > 1, fmt.Errorf("%s: %w", name, err)
	}
	return tries > 1, nil
}

func (p *Pipeline) emit(o Outcome) {
	if p.onOutcome != nil {
		p.onOutcome(o)
	}
}

// truncateError cuts msg to at most n bytes without splitting a UTF-8 sequence.
func truncateError(msg string, n int) string {
	if len(msg) <= n {
		return msg
	}
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}

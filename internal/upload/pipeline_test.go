package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/kalambet/clipwatch/internal/backend"
	"github.com/kalambet/clipwatch/internal/connectivity"
	"github.com/kalambet/clipwatch/internal/storage"
)

type mockBackend struct {
	mu        sync.Mutex
	calls     int
	initiated []string

	initiateFn func(meta backend.EventMeta) (backend.InitiateResponse, error)
	uploadFn   func(eventID string, data []byte) (backend.UploadResult, error)
	finalizeFn func(eventID, etag string) (backend.Event, error)
}

func (m *mockBackend) InitiateUpload(_ context.Context, meta backend.EventMeta) (backend.InitiateResponse, error) {
	m.mu.Lock()
	m.calls++
	m.initiated = append(m.initiated, meta.EventID)
	m.mu.Unlock()
	if m.initiateFn != nil {
		return m.initiateFn(meta)
	}
	return backend.InitiateResponse{
		Event:  backend.Event{ID: meta.EventID},
		Target: backend.UploadTarget{Kind: backend.TargetDirect, URL: "https://storage.example/" + meta.EventID},
	}, nil
}

func (m *mockBackend) UploadBytes(_ context.Context, eventID string, _ backend.UploadTarget, data []byte, _ string) (backend.UploadResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.uploadFn != nil {
		return m.uploadFn(eventID, data)
	}
	return backend.UploadResult{ETag: "etag-" + eventID}, nil
}

func (m *mockBackend) FinalizeUpload(_ context.Context, eventID, etag string) (backend.Event, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.finalizeFn != nil {
		return m.finalizeFn(eventID, etag)
	}
	return backend.Event{ID: eventID, ETag: etag, Status: "uploaded"}, nil
}

func (m *mockBackend) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func savePending(t *testing.T, s *storage.Store, id string, created time.Time) {
	t.Helper()
	_, err := s.SaveClip(storage.Clip{
		ID:          id,
		SessionID:   "sess-1",
		DeviceID:    "dev-1",
		TriggerType: "motion",
		Blob:        []byte("clip " + id),
		MimeType:    "video/webm",
		CreatedAt:   created,
	})
	if err != nil {
		t.Fatalf("SaveClip: %v", err)
	}
}

func newTestPipeline(s *storage.Store, be Backend, conn connectivity.Signal, opts ...Option) *Pipeline {
	opts = append([]Option{WithInPassRetry(2, time.Millisecond)}, opts...)
	return NewPipeline(s, be, conn, opts...)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Max: time.Minute}
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, time.Minute},
		{100, time.Minute},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempts); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestRunPass_UploadsAll(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		savePending(t, s, fmt.Sprintf("c%d", i), base.Add(time.Duration(i)*time.Second))
	}

	var etags []string
	be := &mockBackend{finalizeFn: func(eventID, etag string) (backend.Event, error) {
		etags = append(etags, etag)
		return backend.Event{ID: eventID}, nil
	}}
	p := newTestPipeline(s, be, nil)

	n, err := p.UploadPendingClips(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("UploadPendingClips: %v", err)
	}
	if n != 3 {
		t.Errorf("uploaded = %d, want 3", n)
	}
	if len(etags) != 3 || etags[0] != "etag-c0" {
		t.Errorf("finalize etags = %v", etags)
	}

	st, _ := s.ClipStats("")
	if st.Uploaded != 3 || st.Pending != 0 {
		t.Errorf("stats = %+v", st)
	}

	// A second pass finds nothing.
	if n, _ := p.UploadPendingClips(context.Background(), ""); n != 0 {
		t.Errorf("second pass uploaded %d", n)
	}
}

func TestRunPass_OfflineSkipsNetwork(t *testing.T) {
	s := openTestStore(t)
	savePending(t, s, "c1", time.Now().Add(-time.Second))

	be := &mockBackend{}
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	p := newTestPipeline(s, be, connectivity.Static(false), WithNow(func() time.Time { return now }))

	res, err := p.RunPass(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if be.callCount() != 0 {
		t.Errorf("backend called %d times while offline", be.callCount())
	}
	if res.Rescheduled != 1 || res.Uploaded != 0 {
		t.Errorf("result = %+v", res)
	}

	c, _ := s.GetClip("c1")
	if c.LastUploadError != ErrOffline || c.UploadAttempts != 1 {
		t.Errorf("clip error=%q attempts=%d", c.LastUploadError, c.UploadAttempts)
	}
	if c.NextUploadAttemptAt == nil || !c.NextUploadAttemptAt.Equal(now.Add(5*time.Second)) {
		t.Errorf("NextUploadAttemptAt = %v, want now+5s", c.NextUploadAttemptAt)
	}
}

func TestRunPass_MissingMetadata(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.SaveClip(storage.Clip{ID: "orphan", DeviceID: "dev-1", Blob: []byte("x"), CreatedAt: time.Now().Add(-time.Second)}); err != nil {
		t.Fatal(err)
	}
	savePending(t, s, "ok", time.Now().Add(-time.Millisecond))

	be := &mockBackend{}
	p := newTestPipeline(s, be, nil)
	res, err := p.RunPass(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Uploaded != 1 || res.Rescheduled != 1 {
		t.Errorf("result = %+v", res)
	}
	c, _ := s.GetClip("orphan")
	if c.LastUploadError != ErrMissingMetadata || c.Uploaded {
		t.Errorf("orphan = error %q uploaded %v", c.LastUploadError, c.Uploaded)
	}
	for _, id := range be.initiated {
		if id == "orphan" {
			t.Error("backend called for clip without metadata")
		}
	}
}

// Five pending clips, one initiate call fails transiently once and succeeds
// on the in-pass retry.
func TestRunPass_TransientFailureRecoveredInPass(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		savePending(t, s, fmt.Sprintf("c%d", i), base.Add(time.Duration(i)*time.Second))
	}

	var failed atomic.Bool
	be := &mockBackend{}
	be.initiateFn = func(meta backend.EventMeta) (backend.InitiateResponse, error) {
		if meta.EventID == "c2" && failed.CompareAndSwap(false, true) {
			return backend.InitiateResponse{}, &backend.StatusError{Op: "initiate upload", Code: 503}
		}
		return backend.InitiateResponse{Event: backend.Event{ID: meta.EventID}}, nil
	}

	p := newTestPipeline(s, be, nil)
	res, err := p.RunPass(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Uploaded != 5 || res.Recovered != 1 || res.Rescheduled != 0 {
		t.Errorf("result = %+v, want 5 uploaded, 1 recovered", res)
	}

	c, _ := s.GetClip("c2")
	if !c.Uploaded || c.UploadAttempts != 0 || c.LastUploadError != "" {
		t.Errorf("c2 = uploaded %v attempts %d error %q", c.Uploaded, c.UploadAttempts, c.LastUploadError)
	}
}

func TestRunPass_FailureIsolatedAndRetriedLater(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().Add(-time.Minute)
	savePending(t, s, "bad", base)
	savePending(t, s, "good", base.Add(time.Second))

	var badTries atomic.Int32
	var healthy atomic.Bool
	be := &mockBackend{}
	be.uploadFn = func(eventID string, _ []byte) (backend.UploadResult, error) {
		if eventID == "bad" && !healthy.Load() {
			badTries.Add(1)
			return backend.UploadResult{}, errors.New("connection reset by peer")
		}
		return backend.UploadResult{ETag: "e"}, nil
	}

	now := time.Now()
	clock := func() time.Time { return now }
	p := newTestPipeline(s, be, nil, WithNow(clock))

	res, _ := p.RunPass(context.Background(), "")
	if res.Uploaded != 1 || res.Rescheduled != 1 {
		t.Fatalf("first pass = %+v", res)
	}
	if badTries.Load() != 3 {
		t.Errorf("transfer tried %d times in pass, want 3", badTries.Load())
	}

	c, _ := s.GetClip("bad")
	if c.UploadAttempts != 1 || c.LastUploadError == "" || c.NextUploadAttemptAt == nil {
		t.Fatalf("bad after failure = %+v", c)
	}

	// Not ready until the backoff elapses.
	if res, _ := p.RunPass(context.Background(), ""); res.Scanned != 0 {
		t.Errorf("clip retried before its backoff: %+v", res)
	}

	healthy.Store(true)
	now = now.Add(time.Minute)
	if n, _ := p.UploadPendingClips(context.Background(), ""); n != 1 {
		t.Errorf("retry pass uploaded %d, want 1", n)
	}
	c, _ = s.GetClip("bad")
	if !c.Uploaded || c.LastUploadError != "" || c.NextUploadAttemptAt != nil {
		t.Errorf("bad after recovery = %+v", c)
	}
}

func TestTruncateError(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		n    int
		want string
	}{
		{"short", "boom", 10, "boom"},
		{"ascii cut", "abcdef", 3, "abc"},
		{"inside two-byte rune", "abécd", 3, "ab"},
		{"after two-byte rune", "abécd", 4, "abé"},
		{"inside four-byte rune", "a📷b", 3, "a"},
		{"first rune too wide", "日本", 2, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateError(tt.msg, tt.n); got != tt.want {
				t.Errorf("truncateError(%q, %d) = %q, want %q", tt.msg, tt.n, got, tt.want)
			}
		})
	}
}

func TestRunPass_LongErrorStoredAsValidUTF8(t *testing.T) {
	s := openTestStore(t)
	savePending(t, s, "c1", time.Now().Add(-time.Minute))

	// Three-byte runes throughout, so the limit lands inside one for most prefixes.
	long := strings.Repeat("日", maxErrorLen)
	be := &mockBackend{}
	be.uploadFn = func(string, []byte) (backend.UploadResult, error) {
		return backend.UploadResult{}, errors.New(long)
	}
	p := newTestPipeline(s, be, nil)

	if res, _ := p.RunPass(context.Background(), ""); res.Rescheduled != 1 {
		t.Fatalf("pass = %+v", res)
	}
	c, _ := s.GetClip("c1")
	if !utf8.ValidString(c.LastUploadError) {
		t.Errorf("stored error is not valid UTF-8: %q", c.LastUploadError[len(c.LastUploadError)-4:])
	}
	if n := len(c.LastUploadError); n > maxErrorLen || n < maxErrorLen-2 {
		t.Errorf("stored error is %d bytes, want within one rune of %d", n, maxErrorLen)
	}
}

func TestRunPass_PermanentErrorNotRetriedInPass(t *testing.T) {
	s := openTestStore(t)
	savePending(t, s, "c1", time.Now().Add(-time.Second))

	var tries atomic.Int32
	be := &mockBackend{finalizeFn: func(string, string) (backend.Event, error) {
		tries.Add(1)
		return backend.Event{}, &backend.StatusError{Op: "finalize upload", Code: 409}
	}}
	p := newTestPipeline(s, be, nil)
	p.RunPass(context.Background(), "")

	if tries.Load() != 1 {
		t.Errorf("finalize tried %d times, want 1", tries.Load())
	}
	c, _ := s.GetClip("c1")
	if c.UploadAttempts != 1 {
		t.Errorf("UploadAttempts = %d, want 1", c.UploadAttempts)
	}
}

func TestRunPass_ReportsOutcomes(t *testing.T) {
	s := openTestStore(t)
	savePending(t, s, "c1", time.Now().Add(-time.Second))

	var outcomes []Outcome
	p := newTestPipeline(s, &mockBackend{}, connectivity.Static(false),
		WithOnOutcome(func(o Outcome) { outcomes = append(outcomes, o) }))
	p.RunPass(context.Background(), "")

	if len(outcomes) != 1 || outcomes[0].Uploaded || outcomes[0].Err == nil {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if outcomes[0].Clip.UploadAttempts != 1 {
		t.Errorf("outcome attempts = %d", outcomes[0].Clip.UploadAttempts)
	}
}

type countingPasser struct {
	passes atomic.Int32
}

func (c *countingPasser) RunPass(ctx context.Context, sessionID string) (PassResult, error) {
	c.passes.Add(1)
	return PassResult{}, nil
}

func TestWorker_TriggerAndOnline(t *testing.T) {
	cp := &countingPasser{}
	online := make(chan struct{}, 1)
	w := NewWorker(cp, time.Hour, online)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	waitFor := func(n int32) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for cp.passes.Load() < n {
			if time.Now().After(deadline) {
				t.Fatalf("passes = %d, want >= %d", cp.passes.Load(), n)
			}
			time.Sleep(time.Millisecond)
		}
	}

	waitFor(1) // initial pass
	w.Trigger()
	waitFor(2)
	online <- struct{}{}
	waitFor(3)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

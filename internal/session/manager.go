// Package session runs one monitoring session at a time: it owns the
// recorder, the clip processing queue and the session's benchmark.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/clipwatch/internal/backend"
	"github.com/kalambet/clipwatch/internal/benchmark"
	"github.com/kalambet/clipwatch/internal/queue"
	"github.com/kalambet/clipwatch/internal/recorder"
	"github.com/kalambet/clipwatch/internal/storage"
)

var (
	ErrAlreadyActive = errors.New("a session is already active")
	ErrNotActive     = errors.New("no active session")
	// ErrCaptureUnavailable wraps a recorder start failure. The session it
	// belonged to is ended with status "failed".
	ErrCaptureUnavailable = errors.New("capture unavailable")
)

// Trigger types recorded on stored clips.
const (
	TriggerBenchmark = "benchmark"
	TriggerMotion    = "motion"
	TriggerAudio     = "audio"
)

const (
	stateDeviceID         = "device_id"
	stateDeviceRegistered = "device_registered"
)

// Store is the persistence the manager needs.
type Store interface {
	SaveClip(c storage.Clip) (storage.Clip, error)
	DeleteBySession(sessionID string) (int64, error)
	ClipStats(sessionID string) (storage.ClipStats, error)
	SaveSession(s storage.Session) error
	EndSession(id, status string, at time.Time) error
	GetState(key string) (string, error)
	SetState(key, value string) error
}

// Backend registers devices and sessions remotely. A nil Backend keeps
// sessions local.
type Backend interface {
	RegisterDevice(ctx context.Context, reg backend.DeviceRegistration) (backend.Device, error)
	StartSession(ctx context.Context, deviceID string) (backend.Session, error)
	StopSession(ctx context.Context, sessionID string) error
}

// Recorder is the clip source driven by the manager.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (*recorder.ClipCompleteData, error)
	SetClipDuration(d time.Duration)
	SetMotionEventThreshold(v float64)
	Status() recorder.Status
}

// RecorderFactory builds the recorder with the manager's callbacks.
type RecorderFactory func(onClip func(recorder.ClipCompleteData), onError func(error)) Recorder

// Uploader is poked whenever new clips are stored.
type Uploader interface {
	Trigger()
}

// Settings are the hot-appliable knobs. A nil MotionEventThreshold leaves
// the recorder's threshold unchanged.
type Settings struct {
	ClipDuration         time.Duration        `json:"clip_duration"`
	MotionEventThreshold *float64             `json:"motion_event_threshold,omitempty"`
	Thresholds           benchmark.Thresholds `json:"thresholds"`
}

// Item is one completed clip waiting for its store/discard decision.
type Item struct {
	Clip      recorder.ClipCompleteData
	SessionID string
	DeviceID  string
}

// Config wires a Manager.
type Config struct {
	Store       Store
	Backend     Backend
	NewRecorder RecorderFactory
	Uploader    Uploader
	Settings    Settings
	DeviceName  string
	Platform    string
	OnEvent     func(Event)
	Now         func() time.Time
	Logger      *slog.Logger
}

type active struct {
	sc     *benchmark.SessionContext
	remote bool
}

// Manager coordinates session start/stop and processes completed clips.
type Manager struct {
	store    Store
	backend  Backend
	rec      Recorder
	uploader Uploader
	queue    *queue.Queue[Item]
	onEvent  func(Event)
	now      func() time.Time
	logger   *slog.Logger

	devName  string
	platform string

	// opMu serializes Start, Stop and ForceStop.
	opMu sync.Mutex

	mu       sync.RWMutex
	current  *active
	settings Settings
	lastErr  string
}

// NewManager creates an idle manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:    cfg.Store,
		backend:  cfg.Backend,
		uploader: cfg.Uploader,
		onEvent:  cfg.OnEvent,
		now:      cfg.Now,
		logger:   cfg.Logger,
		devName:  cfg.DeviceName,
		platform: cfg.Platform,
		settings: cfg.Settings,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.settings.Thresholds == (benchmark.Thresholds{}) {
		m.settings.Thresholds = benchmark.DefaultThresholds()
	}

	m.queue = queue.New(context.Background(), m.processItem,
		queue.WithOnError(m.itemFailed),
		queue.WithLogger[Item](m.logger),
	)
	m.rec = cfg.NewRecorder(m.HandleClip, m.handleRecorderError)
	if m.settings.ClipDuration > 0 {
		m.rec.SetClipDuration(m.settings.ClipDuration)
	}
	if m.settings.MotionEventThreshold != nil {
		m.rec.SetMotionEventThreshold(*m.settings.MotionEventThreshold)
	}
	return m
}

// Start begins a new session and starts recording.
func (m *Manager) Start(ctx context.Context) (Info, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.active() != nil {
		return Info{}, ErrAlreadyActive
	}

	deviceID, err := m.ensureDevice(ctx)
	if err != nil {
		return Info{}, err
	}

	sessionID, remote := "", false
	if m.backend != nil {
		rs, err := m.backend.StartSession(ctx, deviceID)
		if err != nil {
			m.logger.Warn("backend session start failed, continuing locally", "error", err)
		} else {
			sessionID, remote = rs.ID, true
		}
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	startedAt := m.now()
	if err := m.store.SaveSession(storage.Session{
		ID: sessionID, DeviceID: deviceID, Status: "active", Remote: remote, StartedAt: startedAt,
	}); err != nil {
		return Info{}, fmt.Errorf("saving session: %w", err)
	}

	sc := benchmark.NewSessionContext(sessionID, deviceID, startedAt)
	sc.ClearBenchmark()

	m.mu.Lock()
	m.current = &active{sc: sc, remote: remote}
	m.lastErr = ""
	m.mu.Unlock()

	if err := m.rec.Start(ctx); err != nil {
		m.abortStart(ctx, sc.SessionID, remote, err)
		return Info{}, fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
	}

	m.logger.Info("session started", "session_id", sessionID, "device_id", deviceID, "remote", remote)
	m.emit(Event{Type: EventSessionStarted, SessionID: sessionID})
	return Info{SessionID: sessionID, DeviceID: deviceID, Remote: remote, StartedAt: startedAt}, nil
}

// Stop ends the session gracefully: the partial clip and every queued clip
// are processed before the session is closed.
func (m *Manager) Stop(ctx context.Context) (Info, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	cur := m.active()
	if cur == nil {
		return Info{}, ErrNotActive
	}
	sessionID := cur.sc.SessionID

	if _, err := m.rec.Stop(ctx); err != nil {
		m.logger.Warn("final clip lost on stop", "session_id", sessionID, "error", err)
	}
	if err := m.queue.Drain(ctx); err != nil {
		return Info{}, fmt.Errorf("draining clip queue: %w", err)
	}

	if cur.remote && m.backend != nil {
		if err := m.backend.StopSession(ctx, sessionID); err != nil {
			m.logger.Warn("backend session stop failed", "session_id", sessionID, "error", err)
		}
	}
	stoppedAt := m.now()
	if err := m.store.EndSession(sessionID, "stopped", stoppedAt); err != nil {
		m.logger.Error("recording session end", "session_id", sessionID, "error", err)
	}

	cur.sc.ClearBenchmark()
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()

	if m.uploader != nil {
		m.uploader.Trigger()
	}

	m.logger.Info("session stopped", "session_id", sessionID)
	m.emit(Event{Type: EventSessionStopped, SessionID: sessionID})
	return m.info(cur, &stoppedAt), nil
}

// ForceStop abandons the session: recording stops, queued clips are dropped
// and every clip already stored for the session is deleted.
func (m *Manager) ForceStop(ctx context.Context) (Info, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	cur := m.active()
	if cur == nil {
		return Info{}, ErrNotActive
	}
	sessionID := cur.sc.SessionID

	// Detach first so the partial clip and anything still queued is dropped.
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()

	if _, err := m.rec.Stop(ctx); err != nil {
		m.logger.Warn("stopping recorder on force-stop", "session_id", sessionID, "error", err)
	}
	dropped := m.queue.Clear()
	if err := m.queue.Drain(ctx); err != nil {
		return Info{}, fmt.Errorf("waiting for in-flight clip: %w", err)
	}

	deleted, err := m.store.DeleteBySession(sessionID)
	if err != nil {
		m.logger.Error("deleting session clips", "session_id", sessionID, "error", err)
	}
	cur.sc.ClearBenchmark()

	if cur.remote && m.backend != nil {
		if err := m.backend.StopSession(ctx, sessionID); err != nil {
			m.logger.Warn("backend session stop failed", "session_id", sessionID, "error", err)
		}
	}
	stoppedAt := m.now()
	if err := m.store.EndSession(sessionID, "aborted", stoppedAt); err != nil {
		m.logger.Error("recording session abort", "session_id", sessionID, "error", err)
	}

	m.logger.Warn("session force-stopped", "session_id", sessionID, "dropped", dropped, "deleted", deleted)
	m.emit(Event{Type: EventSessionAborted, SessionID: sessionID})
	return m.info(cur, &stoppedAt), nil
}

// HandleClip enqueues a completed clip for the active session. It is the
// recorder's clip callback and never blocks on processing.
func (m *Manager) HandleClip(data recorder.ClipCompleteData) {
	cur := m.active()
	if cur == nil {
		m.logger.Debug("clip completed with no active session, dropping", "clip_index", data.ClipIndex)
		return
	}
	m.queue.Enqueue(Item{Clip: data, SessionID: cur.sc.SessionID, DeviceID: cur.sc.DeviceID})
}

// Drain waits until every queued clip has been processed.
func (m *Manager) Drain(ctx context.Context) error {
	return m.queue.Drain(ctx)
}

// ApplySettings hot-applies new settings. Clip duration and event threshold
// affect clips not yet started; thresholds apply to the next decision.
func (m *Manager) ApplySettings(s Settings) {
	m.mu.Lock()
	if s.Thresholds == (benchmark.Thresholds{}) {
		s.Thresholds = m.settings.Thresholds
	}
	if s.MotionEventThreshold == nil {
		s.MotionEventThreshold = m.settings.MotionEventThreshold
	}
	m.settings = s
	m.mu.Unlock()

	if s.ClipDuration > 0 {
		m.rec.SetClipDuration(s.ClipDuration)
	}
	if s.MotionEventThreshold != nil {
		m.rec.SetMotionEventThreshold(*s.MotionEventThreshold)
	}
	m.logger.Info("settings applied", "clip_duration", s.ClipDuration, "motion_event_threshold", s.MotionEventThreshold)
}

// Settings returns the settings in effect.
func (m *Manager) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

func (m *Manager) processItem(_ context.Context, it Item) error {
	cur := m.active()
	if cur == nil || cur.sc.SessionID != it.SessionID {
		m.logger.Debug("dropping clip from inactive session", "session_id", it.SessionID, "clip_index", it.Clip.ClipIndex)
		return nil
	}
	if len(it.Clip.Data) == 0 {
		m.logger.Warn("empty clip skipped", "session_id", it.SessionID, "clip_index", it.Clip.ClipIndex)
		return nil
	}

	sc := cur.sc
	metrics := it.Clip.Metrics
	clip := storage.Clip{
		ID:              uuid.New().String(),
		SessionID:       it.SessionID,
		DeviceID:        it.DeviceID,
		Blob:            it.Clip.Data,
		MimeType:        it.Clip.MimeType,
		DurationSeconds: it.Clip.Duration().Seconds(),
		CreatedAt:       it.Clip.EndTime,
		ClipIndex:       it.Clip.ClipIndex,
		Metrics:         metrics,
	}

	if _, has := sc.Benchmark(); !has || it.Clip.ClipIndex == 0 {
		clip.IsBenchmark = true
		clip.TriggerType = TriggerBenchmark
	} else {
		res := sc.Compare(metrics, m.Settings().Thresholds)
		if !res.ShouldStore {
			m.logger.Debug("clip discarded", "session_id", it.SessionID, "clip_index", it.Clip.ClipIndex, "details", res.Details)
			m.emit(Event{Type: EventClipDiscarded, SessionID: it.SessionID, ClipIndex: it.Clip.ClipIndex, Details: res.Details})
			return nil
		}
		md, ad := res.MotionDelta, res.AudioDelta
		clip.MotionDelta = &md
		clip.AudioDelta = &ad
		clip.TriggerType = TriggerAudio
		for _, tr := range res.TriggeredBy {
			clip.TriggeredBy = append(clip.TriggeredBy, string(tr))
			if tr == benchmark.TriggerMotionDelta || tr == benchmark.TriggerMotionAbsolute {
				clip.TriggerType = TriggerMotion
			}
		}
	}

	saved, err := m.store.SaveClip(clip)
	if err != nil {
		return fmt.Errorf("storing clip %d: %w", it.Clip.ClipIndex, err)
	}
	sc.SetBenchmark(saved.ID, metrics, saved.CreatedAt)

	m.logger.Info("clip stored",
		"session_id", it.SessionID,
		"clip_id", saved.ID,
		"clip_index", saved.ClipIndex,
		"trigger_type", saved.TriggerType,
		"size_bytes", saved.SizeBytes,
	)
	m.emit(Event{
		Type:        EventClipStored,
		SessionID:   it.SessionID,
		ClipID:      saved.ID,
		ClipIndex:   saved.ClipIndex,
		TriggerType: saved.TriggerType,
		TriggeredBy: saved.TriggeredBy,
	})
	if m.uploader != nil {
		m.uploader.Trigger()
	}
	return nil
}

func (m *Manager) itemFailed(err error, it Item) {
	m.logger.Error("clip processing failed", "session_id", it.SessionID, "clip_index", it.Clip.ClipIndex, "error", err)
	m.emit(Event{Type: EventClipFailed, SessionID: it.SessionID, ClipIndex: it.Clip.ClipIndex, Error: err.Error()})
}

// abortStart rolls back a session whose recorder never started.
func (m *Manager) abortStart(ctx context.Context, sessionID string, remote bool, cause error) {
	if remote && m.backend != nil {
		if err := m.backend.StopSession(ctx, sessionID); err != nil {
			m.logger.Warn("backend session stop failed", "session_id", sessionID, "error", err)
		}
	}
	if err := m.store.EndSession(sessionID, "failed", m.now()); err != nil {
		m.logger.Error("recording session end", "session_id", sessionID, "error", err)
	}

	m.mu.Lock()
	m.current = nil
	m.lastErr = cause.Error()
	m.mu.Unlock()

	m.logger.Error("session start failed", "session_id", sessionID, "error", cause)
	m.emit(Event{Type: EventRecorderError, SessionID: sessionID, Error: cause.Error()})
}

func (m *Manager) handleRecorderError(err error) {
	m.mu.Lock()
	m.lastErr = err.Error()
	sessionID := ""
	if m.current != nil {
		sessionID = m.current.sc.SessionID
	}
	m.mu.Unlock()

	m.logger.Error("recorder error", "session_id", sessionID, "error", err)
	m.emit(Event{Type: EventRecorderError, SessionID: sessionID, Error: err.Error()})
}

// ensureDevice returns the persistent device id, creating and registering
// it on first use. Registration failures are retried on the next start.
func (m *Manager) ensureDevice(ctx context.Context) (string, error) {
	id, err := m.store.GetState(stateDeviceID)
	if errors.Is(err, storage.ErrNotFound) {
		id = uuid.New().String()
		if err := m.store.SetState(stateDeviceID, id); err != nil {
			return "", fmt.Errorf("saving device id: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("loading device id: %w", err)
	}

	if m.backend == nil {
		return id, nil
	}
	if reg, _ := m.store.GetState(stateDeviceRegistered); reg == "true" {
		return id, nil
	}
	if _, err := m.backend.RegisterDevice(ctx, backend.DeviceRegistration{DeviceID: id, Name: m.devName, Platform: m.platform}); err != nil {
		m.logger.Warn("device registration failed", "device_id", id, "error", err)
		return id, nil
	}
	if err := m.store.SetState(stateDeviceRegistered, "true"); err != nil {
		m.logger.Warn("saving device registration", "error", err)
	}
	m.logger.Info("device registered", "device_id", id)
	return id, nil
}

func (m *Manager) active() *active {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) emit(e Event) {
	if m.onEvent == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = m.now()
	}
	m.onEvent(e)
}

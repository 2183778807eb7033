package session

import (
	"time"

	"github.com/kalambet/clipwatch/internal/benchmark"
	"github.com/kalambet/clipwatch/internal/storage"
)

// Event types emitted by the manager.
const (
	EventSessionStarted = "session_started"
	EventSessionStopped = "session_stopped"
	EventSessionAborted = "session_aborted"
	EventClipStored     = "clip_stored"
	EventClipDiscarded  = "clip_discarded"
	EventClipFailed     = "clip_failed"
	EventRecorderError  = "recorder_error"
)

// Event is a pipeline notification for observers such as the UI stream.
type Event struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"session_id,omitempty"`
	ClipID      string    `json:"clip_id,omitempty"`
	ClipIndex   int       `json:"clip_index"`
	TriggerType string    `json:"trigger_type,omitempty"`
	TriggeredBy []string  `json:"triggered_by,omitempty"`
	Details     string    `json:"details,omitempty"`
	Error       string    `json:"error,omitempty"`
	Time        time.Time `json:"time"`
}

// Info describes a session.
type Info struct {
	SessionID string     `json:"session_id"`
	DeviceID  string     `json:"device_id"`
	Remote    bool       `json:"remote"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// Status is a snapshot for the API and CLI.
type Status struct {
	Active    bool              `json:"active"`
	Session   *Info             `json:"session,omitempty"`
	Recorder  string            `json:"recorder"`
	ClipIndex int               `json:"clip_index"`
	QueueSize int               `json:"queue_size"`
	Benchmark *benchmark.Data   `json:"benchmark,omitempty"`
	Clips     storage.ClipStats `json:"clips"`
	Settings  Settings          `json:"settings"`
	LastError string            `json:"last_error,omitempty"`
}

// Status returns the current snapshot. Clip counts cover every session so
// that clips left over from earlier sessions show up as pending.
func (m *Manager) Status() Status {
	rs := m.rec.Status()
	st := Status{
		Recorder:  rs.State.String(),
		ClipIndex: rs.ClipIndex,
		QueueSize: m.queue.Size(),
		Settings:  m.Settings(),
	}

	m.mu.RLock()
	cur := m.current
	st.LastError = m.lastErr
	m.mu.RUnlock()

	if cur != nil {
		st.Active = true
		info := m.info(cur, nil)
		st.Session = &info
		if b, ok := cur.sc.Benchmark(); ok {
			st.Benchmark = &b
		}
	}

	stats, err := m.store.ClipStats("")
	if err != nil {
		m.logger.Error("loading clip stats", "error", err)
	}
	st.Clips = stats
	return st
}

func (m *Manager) info(a *active, stoppedAt *time.Time) Info {
	return Info{
		SessionID: a.sc.SessionID,
		DeviceID:  a.sc.DeviceID,
		Remote:    a.remote,
		StartedAt: a.sc.StartedAt,
		StoppedAt: stoppedAt,
	}
}

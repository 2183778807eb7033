package api

import (
	"time"

	"github.com/kalambet/clipwatch/internal/scoring"
	"github.com/kalambet/clipwatch/internal/storage"
)

// ClipView is the JSON shape of a stored clip. Media bytes are served
// separately from /clips/{id}/media.
type ClipView struct {
	ID              string              `json:"id"`
	SessionID       string              `json:"session_id"`
	DeviceID        string              `json:"device_id"`
	TriggerType     string              `json:"trigger_type"`
	MimeType        string              `json:"mime_type"`
	SizeBytes       int64               `json:"size_bytes"`
	DurationSeconds float64             `json:"duration_seconds"`
	CreatedAt       time.Time           `json:"created_at"`
	IsBenchmark     bool                `json:"is_benchmark"`
	ClipIndex       int                 `json:"clip_index"`
	Metrics         scoring.ClipMetrics `json:"metrics"`
	MotionDelta     *float64            `json:"motion_delta,omitempty"`
	AudioDelta      *float64            `json:"audio_delta,omitempty"`
	TriggeredBy     []string            `json:"triggered_by"`

	Uploaded            bool       `json:"uploaded"`
	UploadedAt          *time.Time `json:"uploaded_at,omitempty"`
	UploadAttempts      int        `json:"upload_attempts"`
	NextUploadAttemptAt *time.Time `json:"next_upload_attempt_at,omitempty"`
	LastUploadError     string     `json:"last_upload_error,omitempty"`
}

func clipView(c storage.Clip) ClipView {
	tb := c.TriggeredBy
	if tb == nil {
		tb = []string{}
	}
	return ClipView{
		ID:                  c.ID,
		SessionID:           c.SessionID,
		DeviceID:            c.DeviceID,
		TriggerType:         c.TriggerType,
		MimeType:            c.MimeType,
		SizeBytes:           c.SizeBytes,
		DurationSeconds:     c.DurationSeconds,
		CreatedAt:           c.CreatedAt,
		IsBenchmark:         c.IsBenchmark,
		ClipIndex:           c.ClipIndex,
		Metrics:             c.Metrics,
		MotionDelta:         c.MotionDelta,
		AudioDelta:          c.AudioDelta,
		TriggeredBy:         tb,
		Uploaded:            c.Uploaded,
		UploadedAt:          c.UploadedAt,
		UploadAttempts:      c.UploadAttempts,
		NextUploadAttemptAt: c.NextUploadAttemptAt,
		LastUploadError:     c.LastUploadError,
	}
}

func clipViews(clips []storage.Clip) []ClipView {
	out := make([]ClipView, len(clips))
	for i, c := range clips {
		out[i] = clipView(c)
	}
	return out
}

// SessionView is the JSON shape of a recorded session.
type SessionView struct {
	ID        string     `json:"id"`
	DeviceID  string     `json:"device_id"`
	Status    string     `json:"status"`
	Remote    bool       `json:"remote"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

func sessionViews(list []storage.Session) []SessionView {
	out := make([]SessionView, len(list))
	for i, s := range list {
		out[i] = SessionView{
			ID:        s.ID,
			DeviceID:  s.DeviceID,
			Status:    s.Status,
			Remote:    s.Remote,
			StartedAt: s.StartedAt,
			StoppedAt: s.StoppedAt,
		}
	}
	return out
}

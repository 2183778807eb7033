package storage

import (
	"errors"
	"time"

	"github.com/kalambet/clipwatch/internal/scoring"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Clip is a stored clip plus its upload bookkeeping.
type Clip struct {
	ID              string
	SessionID       string
	DeviceID        string
	TriggerType     string
	Blob            []byte // nil when loaded by ListClips
	MimeType        string
	SizeBytes       int64
	DurationSeconds float64
	CreatedAt       time.Time
	IsBenchmark     bool
	ClipIndex       int
	Metrics         scoring.ClipMetrics
	MotionDelta     *float64
	AudioDelta      *float64
	TriggeredBy     []string // JSON array stored as text

	Uploaded            bool
	UploadedAt          *time.Time
	UploadAttempts      int
	NextUploadAttemptAt *time.Time
	LastUploadError     string
}

// ClipFilter narrows ListClips. The zero value matches every clip.
type ClipFilter struct {
	Uploaded  *bool
	SessionID string
	// ReadyToUpload restricts to clips with no retry time or one at or
	// before Now (current time when zero).
	ReadyToUpload bool
	Now           time.Time
	Limit         int
}

// RetrySchedule records a failed upload attempt.
type RetrySchedule struct {
	Error               string
	NextUploadAttemptAt time.Time
}

// ClipStats aggregates upload state for display.
type ClipStats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Failing  int `json:"failing"`
	Uploaded int `json:"uploaded"`
}

type Session struct {
	ID        string
	DeviceID  string
	Status    string // "active", "stopped", "aborted", "failed"
	Remote    bool   // registered with the backend
	StartedAt time.Time
	StoppedAt *time.Time
}

package backend

import (
	"time"

	"github.com/kalambet/clipwatch/internal/scoring"
)

// Target kinds returned by InitiateUpload.
const (
	TargetDirect = "direct" // PUT straight to object storage
	TargetRelay  = "relay"  // POST through the backend (local/dev deployments)
)

type Device struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Platform string    `json:"platform,omitempty"`
	Created  time.Time `json:"created_at"`
}

type DeviceRegistration struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type Session struct {
	ID        string     `json:"id"`
	DeviceID  string     `json:"device_id"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// Event is the backend record for one uploaded clip.
type Event struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	DeviceID        string    `json:"device_id"`
	TriggerType     string    `json:"trigger_type"`
	Status          string    `json:"status"`
	StorageKey      string    `json:"storage_key,omitempty"`
	ETag            string    `json:"etag,omitempty"`
	DurationSeconds float64   `json:"duration_seconds"`
	Label           string    `json:"label,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// EventMeta describes a clip for InitiateUpload.
type EventMeta struct {
	EventID         string              `json:"event_id"`
	SessionID       string              `json:"session_id"`
	DeviceID        string              `json:"device_id"`
	TriggerType     string              `json:"trigger_type"`
	DurationSeconds float64             `json:"duration_seconds"`
	MimeType        string              `json:"mime_type"`
	SizeBytes       int64               `json:"size_bytes"`
	ClipIndex       int                 `json:"clip_index"`
	Metrics         scoring.ClipMetrics `json:"metrics"`
	TriggeredBy     []string            `json:"triggered_by,omitempty"`
	RecordedAt      time.Time           `json:"recorded_at"`
}

// UploadTarget tells the client where to send clip bytes.
type UploadTarget struct {
	Kind       string            `json:"kind"`
	URL        string            `json:"url"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	StorageKey string            `json:"storage_key,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
}

type InitiateResponse struct {
	Event  Event        `json:"event"`
	Target UploadTarget `json:"upload_target"`
}

// UploadResult carries the integrity tag of a completed transfer.
type UploadResult struct {
	ETag string `json:"etag"`
}

type finalizeRequest struct {
	ETag string `json:"etag"`
}

type eventsResponse struct {
	Events []Event `json:"events"`
}

type startSessionRequest struct {
	DeviceID string `json:"device_id"`
}

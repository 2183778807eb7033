package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const clipColumns = `id, session_id, device_id, trigger_type, mime_type, size_bytes, duration_seconds,
	created_at, is_benchmark, clip_index, peak_motion, avg_motion, motion_event_count, peak_audio,
	avg_audio, motion_delta, audio_delta, triggered_by, uploaded, uploaded_at, upload_attempts,
	next_upload_attempt_at, last_upload_error`

// SaveClip persists c as a fresh, not yet uploaded clip. An empty ID is
// replaced with a generated one. The stored record is returned.
func (s *Store) SaveClip(c Clip) (Clip, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.CreatedAt = c.CreatedAt.UTC()
	if c.SizeBytes == 0 {
		c.SizeBytes = int64(len(c.Blob))
	}
	if c.Blob == nil {
		c.Blob = []byte{}
	}
	c.Uploaded = false
	c.UploadedAt = nil
	c.UploadAttempts = 0
	c.NextUploadAttemptAt = nil
	c.LastUploadError = ""

	var triggeredBy sql.NullString
	if c.TriggeredBy != nil {
		b, err := json.Marshal(c.TriggeredBy)
		if err != nil {
			return Clip{}, fmt.Errorf("marshaling triggered_by: %w", err)
		}
		triggeredBy = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO clips (id, session_id, device_id, trigger_type, blob, mime_type,
			size_bytes, duration_seconds, created_at, is_benchmark, clip_index, peak_motion,
			avg_motion, motion_event_count, peak_audio, avg_audio, motion_delta, audio_delta,
			triggered_by, uploaded, uploaded_at, upload_attempts, next_upload_attempt_at,
			last_upload_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, 0, NULL, NULL)`,
		c.ID, c.SessionID, c.DeviceID, c.TriggerType, c.Blob, c.MimeType,
		c.SizeBytes, c.DurationSeconds, formatTime(c.CreatedAt), c.IsBenchmark, c.ClipIndex,
		c.Metrics.PeakMotion, c.Metrics.AvgMotion, c.Metrics.MotionEventCount,
		c.Metrics.PeakAudio, c.Metrics.AvgAudio, c.MotionDelta, c.AudioDelta, triggeredBy,
	)
	if err != nil {
		return Clip{}, fmt.Errorf("saving clip %s: %w", c.ID, err)
	}
	return c, nil
}

// GetClip returns the clip including its blob.
func (s *Store) GetClip(id string) (Clip, error) {
	row := s.db.QueryRow(`SELECT `+clipColumns+`, blob FROM clips WHERE id = ?`, id)
	c, err := scanClip(row, true)
	if err == sql.ErrNoRows {
		return Clip{}, ErrNotFound
	}
	if err != nil {
		return Clip{}, err
	}
	return c, nil
}

// ListClips returns clips matching f in creation order, without blobs.
func (s *Store) ListClips(f ClipFilter) ([]Clip, error) {
	var where []string
	var args []any

	if f.Uploaded != nil {
		where = append(where, "uploaded = ?")
		args = append(args, *f.Uploaded)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.ReadyToUpload {
		now := f.Now
		if now.IsZero() {
			now = time.Now()
		}
		where = append(where, "(next_upload_attempt_at IS NULL OR next_upload_attempt_at <= ?)")
		args = append(args, formatTime(now))
	}

	query := `SELECT ` + clipColumns + ` FROM clips`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, clip_index ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing clips: %w", err)
	}
	defer rows.Close()

	var results []Clip
	for rows.Next() {
		c, err := scanClip(rows, false)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// MarkUploaded records a successful upload. Unknown ids are ignored.
func (s *Store) MarkUploaded(id string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE clips SET uploaded = 1, uploaded_at = ?, last_upload_error = NULL,
			next_upload_attempt_at = NULL
		WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("marking clip %s uploaded: %w", id, err)
	}
	return nil
}

// ScheduleRetry records one failed upload attempt. Unknown ids are ignored.
func (s *Store) ScheduleRetry(id string, r RetrySchedule) error {
	_, err := s.db.Exec(`
		UPDATE clips SET upload_attempts = upload_attempts + 1, last_upload_error = ?,
			next_upload_attempt_at = ?
		WHERE id = ?`, r.Error, formatTime(r.NextUploadAttemptAt), id)
	if err != nil {
		return fmt.Errorf("scheduling retry for clip %s: %w", id, err)
	}
	return nil
}

// DeleteClip removes a single clip.
func (s *Store) DeleteClip(id string) error {
	res, err := s.db.Exec("DELETE FROM clips WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBySession removes every clip of a session and returns how many were removed.
func (s *Store) DeleteBySession(sessionID string) (int64, error) {
	res, err := s.db.Exec("DELETE FROM clips WHERE session_id = ?", sessionID)
	if err != nil {
		return 0, fmt.Errorf("deleting clips for session %s: %w", sessionID, err)
	}
	return res.RowsAffected()
}

// ClipStats counts clips by upload state. An empty sessionID covers all sessions.
func (s *Store) ClipStats(sessionID string) (ClipStats, error) {
	query := `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN uploaded = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN uploaded = 0 AND upload_attempts > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN uploaded = 1 THEN 1 ELSE 0 END), 0)
		FROM clips`
	var args []any
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}

	var st ClipStats
	if err := s.db.QueryRow(query, args...).Scan(&st.Total, &st.Pending, &st.Failing, &st.Uploaded); err != nil {
		return ClipStats{}, fmt.Errorf("counting clips: %w", err)
	}
	return st, nil
}

func scanClip(r rowScanner, withBlob bool) (Clip, error) {
	var (
		c                              Clip
		createdAt                      string
		motionDelta, audioDelta        sql.NullFloat64
		triggeredBy, uploadedAt        sql.NullString
		nextAttemptAt, lastUploadError sql.NullString
	)
	dest := []any{
		&c.ID, &c.SessionID, &c.DeviceID, &c.TriggerType, &c.MimeType, &c.SizeBytes,
		&c.DurationSeconds, &createdAt, &c.IsBenchmark, &c.ClipIndex,
		&c.Metrics.PeakMotion, &c.Metrics.AvgMotion, &c.Metrics.MotionEventCount,
		&c.Metrics.PeakAudio, &c.Metrics.AvgAudio, &motionDelta, &audioDelta, &triggeredBy,
		&c.Uploaded, &uploadedAt, &c.UploadAttempts, &nextAttemptAt, &lastUploadError,
	}
	if withBlob {
		dest = append(dest, &c.Blob)
	}
	if err := r.Scan(dest...); err != nil {
		return Clip{}, err
	}

	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Clip{}, fmt.Errorf("parsing created_at for clip %s: %w", c.ID, err)
	}
	if motionDelta.Valid {
		v := motionDelta.Float64
		c.MotionDelta = &v
	}
	if audioDelta.Valid {
		v := audioDelta.Float64
		c.AudioDelta = &v
	}
	if triggeredBy.Valid && triggeredBy.String != "" {
		if err := json.Unmarshal([]byte(triggeredBy.String), &c.TriggeredBy); err != nil {
			return Clip{}, fmt.Errorf("unmarshaling triggered_by for clip %s: %w", c.ID, err)
		}
	}
	if c.UploadedAt, err = parseNullTime(uploadedAt); err != nil {
		return Clip{}, fmt.Errorf("parsing uploaded_at for clip %s: %w", c.ID, err)
	}
	if c.NextUploadAttemptAt, err = parseNullTime(nextAttemptAt); err != nil {
		return Clip{}, fmt.Errorf("parsing next_upload_attempt_at for clip %s: %w", c.ID, err)
	}
	c.LastUploadError = lastUploadError.String
	return c, nil
}

package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/kalambet/clipwatch/internal/scoring"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func boolPtr(b bool) *bool { return &b }

func saveTestClip(t *testing.T, s *Store, id, session string, created time.Time) Clip {
	t.Helper()
	c, err := s.SaveClip(Clip{
		ID:          id,
		SessionID:   session,
		DeviceID:    "dev-1",
		TriggerType: "motion",
		Blob:        []byte("webm-bytes"),
		MimeType:    "video/webm",
		CreatedAt:   created,
	})
	if err != nil {
		t.Fatalf("SaveClip(%s): %v", id, err)
	}
	return c
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) || len(v2) != 2 {
		t.Errorf("migrations = %v then %v, want two versions both times", v1, v2)
	}
}

func TestOpen_RecreatesMissingClipsTable(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := s1.db.Exec("DROP TABLE clips"); err != nil {
		t.Fatalf("dropping clips: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("Open after table loss: %v", err)
	}
	defer s2.Close()

	saveTestClip(t, s2, "c1", "sess-1", time.Now())
	if _, err := s2.GetClip("c1"); err != nil {
		t.Errorf("GetClip after recovery: %v", err)
	}
}

func TestSaveClip_ResetsUploadState(t *testing.T) {
	s := openTestStore(t)
	next := time.Now().Add(time.Hour)
	md := 0.1

	saved, err := s.SaveClip(Clip{
		SessionID:           "sess-1",
		DeviceID:            "dev-1",
		TriggerType:         "motion",
		Blob:                []byte{1, 2, 3, 4},
		MimeType:            "video/webm",
		DurationSeconds:     10,
		ClipIndex:           3,
		Metrics:             scoring.ClipMetrics{PeakMotion: 0.15, AvgMotion: 0.05, MotionEventCount: 2},
		MotionDelta:         &md,
		TriggeredBy:         []string{"motion_delta", "motion_absolute"},
		Uploaded:            true,
		UploadAttempts:      7,
		NextUploadAttemptAt: &next,
		LastUploadError:     "stale",
	})
	if err != nil {
		t.Fatalf("SaveClip: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("SaveClip did not assign an id")
	}
	if saved.CreatedAt.IsZero() {
		t.Error("CreatedAt not defaulted")
	}

	got, err := s.GetClip(saved.ID)
	if err != nil {
		t.Fatalf("GetClip: %v", err)
	}
	if got.Uploaded || got.UploadAttempts != 0 || got.NextUploadAttemptAt != nil || got.LastUploadError != "" {
		t.Errorf("upload state not reset: %+v", got)
	}
	if got.SizeBytes != 4 || string(got.Blob) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("blob = %v (size %d)", got.Blob, got.SizeBytes)
	}
	if got.Metrics.PeakMotion != 0.15 || got.Metrics.MotionEventCount != 2 {
		t.Errorf("metrics = %+v", got.Metrics)
	}
	if got.MotionDelta == nil || *got.MotionDelta != 0.1 {
		t.Errorf("MotionDelta = %v, want 0.1", got.MotionDelta)
	}
	if got.AudioDelta != nil {
		t.Errorf("AudioDelta = %v, want nil", *got.AudioDelta)
	}
	if len(got.TriggeredBy) != 2 || got.TriggeredBy[1] != "motion_absolute" {
		t.Errorf("TriggeredBy = %v", got.TriggeredBy)
	}
}

func TestGetClip_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetClip("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListClips_Filters(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base.Add(time.Hour)

	saveTestClip(t, s, "a", "sess-1", base)
	saveTestClip(t, s, "b", "sess-1", base.Add(time.Second))
	saveTestClip(t, s, "c", "sess-2", base.Add(2*time.Second))
	saveTestClip(t, s, "d", "sess-2", base.Add(3*time.Second))

	if err := s.MarkUploaded("a", now); err != nil {
		t.Fatal(err)
	}
	// b retries in the past, c in the future.
	if err := s.ScheduleRetry("b", RetrySchedule{Error: "offline", NextUploadAttemptAt: now.Add(-time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if err := s.ScheduleRetry("c", RetrySchedule{Error: "offline", NextUploadAttemptAt: now.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter ClipFilter
		want   []string
	}{
		{"all", ClipFilter{}, []string{"a", "b", "c", "d"}},
		{"uploaded", ClipFilter{Uploaded: boolPtr(true)}, []string{"a"}},
		{"pending", ClipFilter{Uploaded: boolPtr(false)}, []string{"b", "c", "d"}},
		{"ready", ClipFilter{Uploaded: boolPtr(false), ReadyToUpload: true, Now: now}, []string{"b", "d"}},
		{"session", ClipFilter{SessionID: "sess-2"}, []string{"c", "d"}},
		{"limit", ClipFilter{Limit: 2}, []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clips, err := s.ListClips(tt.filter)
			if err != nil {
				t.Fatalf("ListClips: %v", err)
			}
			var ids []string
			for _, c := range clips {
				if c.Blob != nil {
					t.Errorf("clip %s listed with blob", c.ID)
				}
				ids = append(ids, c.ID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Fatalf("ids = %v, want %v", ids, tt.want)
				}
			}
		})
	}
}

func TestRetryThenUpload(t *testing.T) {
	s := openTestStore(t)
	saveTestClip(t, s, "c1", "sess-1", time.Now())

	failedAt := time.Now()
	next := failedAt.Add(5 * time.Second)
	if err := s.ScheduleRetry("c1", RetrySchedule{Error: "upload target: 503", NextUploadAttemptAt: next}); err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}

	c, err := s.GetClip("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.UploadAttempts != 1 {
		t.Errorf("UploadAttempts = %d, want 1", c.UploadAttempts)
	}
	if c.LastUploadError == "" || c.NextUploadAttemptAt == nil {
		t.Fatalf("retry fields not set: %+v", c)
	}
	if c.NextUploadAttemptAt.Before(failedAt) {
		t.Errorf("NextUploadAttemptAt %v before failure %v", c.NextUploadAttemptAt, failedAt)
	}

	if err := s.ScheduleRetry("c1", RetrySchedule{Error: "offline", NextUploadAttemptAt: next}); err != nil {
		t.Fatal(err)
	}
	if c, _ = s.GetClip("c1"); c.UploadAttempts != 2 || c.LastUploadError != "offline" {
		t.Errorf("after second failure: attempts=%d error=%q", c.UploadAttempts, c.LastUploadError)
	}

	if err := s.MarkUploaded("c1", time.Now()); err != nil {
		t.Fatalf("MarkUploaded: %v", err)
	}
	c, _ = s.GetClip("c1")
	if !c.Uploaded || c.UploadedAt == nil {
		t.Errorf("not marked uploaded: %+v", c)
	}
	if c.LastUploadError != "" || c.NextUploadAttemptAt != nil {
		t.Errorf("error fields not cleared: %q %v", c.LastUploadError, c.NextUploadAttemptAt)
	}
	if c.UploadAttempts != 2 {
		t.Errorf("UploadAttempts = %d, want 2 (never decreases)", c.UploadAttempts)
	}
}

func TestUpdatesOnMissingClipAreNoops(t *testing.T) {
	s := openTestStore(t)
	if err := s.MarkUploaded("ghost", time.Now()); err != nil {
		t.Errorf("MarkUploaded: %v", err)
	}
	if err := s.ScheduleRetry("ghost", RetrySchedule{Error: "x", NextUploadAttemptAt: time.Now()}); err != nil {
		t.Errorf("ScheduleRetry: %v", err)
	}
	clips, err := s.ListClips(ClipFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(clips) != 0 {
		t.Errorf("no-op updates created %d clips", len(clips))
	}
}

func TestDeleteBySessionAndStats(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	saveTestClip(t, s, "a", "sess-1", now)
	saveTestClip(t, s, "b", "sess-1", now)
	saveTestClip(t, s, "c", "sess-2", now)

	s.MarkUploaded("a", now)
	s.ScheduleRetry("b", RetrySchedule{Error: "offline", NextUploadAttemptAt: now})

	st, err := s.ClipStats("")
	if err != nil {
		t.Fatal(err)
	}
	if st != (ClipStats{Total: 3, Pending: 2, Failing: 1, Uploaded: 1}) {
		t.Errorf("stats = %+v", st)
	}

	n, err := s.DeleteBySession("sess-1")
	if err != nil {
		t.Fatalf("DeleteBySession: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}
	if st, _ := s.ClipStats("sess-1"); st.Total != 0 {
		t.Errorf("sess-1 still has %d clips", st.Total)
	}
	if _, err := s.GetClip("c"); err != nil {
		t.Errorf("other session's clip removed: %v", err)
	}

	if err := s.DeleteClip("c"); err != nil {
		t.Errorf("DeleteClip: %v", err)
	}
	if err := s.DeleteClip("c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteClip err = %v, want ErrNotFound", err)
	}
}

func TestSessions(t *testing.T) {
	s := openTestStore(t)
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	if err := s.SaveSession(Session{ID: "s1", DeviceID: "dev-1", StartedAt: t0}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSession(Session{ID: "s2", DeviceID: "dev-1", Remote: true, StartedAt: t0.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := s.EndSession("s1", "stopped", t0.Add(time.Minute)); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if err := s.EndSession("nope", "stopped", t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("EndSession(nope) err = %v, want ErrNotFound", err)
	}

	s1, err := s.GetSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	if s1.Status != "stopped" || s1.StoppedAt == nil || !s1.StoppedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("s1 = %+v", s1)
	}

	list, err := s.ListSessions(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "s2" || !list[0].Remote || list[0].Status != "active" {
		t.Errorf("ListSessions = %+v", list)
	}
}

func TestDeviceState(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetState("device_id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.SetState("device_id", "abc"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetState("device_id", "def"); err != nil {
		t.Fatal(err)
	}
	if v, err := s.GetState("device_id"); err != nil || v != "def" {
		t.Errorf("GetState = %q, %v", v, err)
	}
}

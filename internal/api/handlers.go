package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/clipwatch/internal/connectivity"
	"github.com/kalambet/clipwatch/internal/session"
	"github.com/kalambet/clipwatch/internal/storage"
	"github.com/kalambet/clipwatch/internal/upload"
)

// Sessions controls the monitoring session.
type Sessions interface {
	Start(ctx context.Context) (session.Info, error)
	Stop(ctx context.Context) (session.Info, error)
	ForceStop(ctx context.Context) (session.Info, error)
	Status() session.Status
}

// ClipStore is the read and delete side of the clip store.
type ClipStore interface {
	ListClips(f storage.ClipFilter) ([]storage.Clip, error)
	GetClip(id string) (storage.Clip, error)
	DeleteClip(id string) error
}

// SessionHistory lists past and current sessions, newest first.
type SessionHistory interface {
	ListSessions(limit int) ([]storage.Session, error)
}

// Uploads runs an upload pass on demand.
type Uploads interface {
	RunPass(ctx context.Context, sessionID string) (upload.PassResult, error)
}

type AppDeps struct {
	Sessions Sessions
	Clips    ClipStore
	Uploads  Uploads
	// History is optional; nil disables /sessions.
	History SessionHistory
	// Online is optional; nil reports online.
	Online connectivity.Signal
	// Events is optional; nil disables /events.
	Events *Hub
	Token  string
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	session.Status
	Online bool `json:"online"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Online == nil {
		deps.Online = connectivity.Static(true)
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Get("/clips", handleListClips(deps))
		r.Get("/clips/{id}", handleGetClip(deps))
		r.Get("/clips/{id}/media", handleGetClipMedia(deps))
		r.Delete("/clips/{id}", handleDeleteClip(deps))
		r.Post("/session/start", handleSessionStart(deps))
		r.Post("/session/stop", handleSessionStop(deps))
		r.Post("/session/force-stop", handleSessionForceStop(deps))
		r.Post("/uploads/flush", handleFlushUploads(deps))
		if deps.History != nil {
			r.Get("/sessions", handleListSessions(deps))
		}
		if deps.Events != nil {
			r.Get("/events", deps.Events.ServeHTTP)
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, StatusResponse{
			Status: deps.Sessions.Status(),
			Online: deps.Online.Online(),
		})
	}
}

func handleListClips(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clips, err := deps.Clips.ListClips(storage.ClipFilter{
			Uploaded:  parseBoolParam(r, "uploaded"),
			SessionID: r.URL.Query().Get("session_id"),
			Limit:     parseIntParam(r, "limit", 100, 1000),
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list clips: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, clipViews(clips))
	}
}

func handleListSessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.History.ListSessions(parseIntParam(r, "limit", 20, 200))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sessions: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, sessionViews(list))
	}
}

func handleGetClip(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := loadClip(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, clipView(c))
	}
}

func handleGetClipMedia(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := loadClip(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		mime := c.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		w.Header().Set("Content-Type", mime)
		w.Header().Set("Content-Length", strconv.Itoa(len(c.Blob)))
		w.WriteHeader(http.StatusOK)
		w.Write(c.Blob)
	}
}

func loadClip(w http.ResponseWriter, deps AppDeps, id string) (storage.Clip, bool) {
	c, err := deps.Clips.GetClip(id)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "clip not found")
		return storage.Clip{}, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get clip: %v", err)
		return storage.Clip{}, false
	}
	return c, true
}

func handleDeleteClip(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Clips.DeleteClip(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "clip not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete clip: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleSessionStart(deps AppDeps) http.HandlerFunc {
	return sessionOp(deps.Sessions.Start, http.StatusCreated)
}

func handleSessionStop(deps AppDeps) http.HandlerFunc {
	return sessionOp(deps.Sessions.Stop, http.StatusOK)
}

func handleSessionForceStop(deps AppDeps) http.HandlerFunc {
	return sessionOp(deps.Sessions.ForceStop, http.StatusOK)
}

func sessionOp(op func(context.Context) (session.Info, error), okCode int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := op(r.Context())
		switch {
		case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, session.ErrNotActive):
			httpError(w, http.StatusConflict, "conflict", "%v", err)
			return
		case errors.Is(err, session.ErrCaptureUnavailable):
			httpError(w, http.StatusServiceUnavailable, "capture_unavailable", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, okCode, info)
	}
}

func handleFlushUploads(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Uploads.RunPass(r.Context(), r.URL.Query().Get("session_id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "upload pass failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

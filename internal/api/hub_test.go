package api

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/clipwatch/internal/capture"
	"github.com/kalambet/clipwatch/internal/session"
	"github.com/kalambet/clipwatch/internal/storage"
	"github.com/kalambet/clipwatch/internal/upload"
)

func dialEvents(t *testing.T, hub *Hub, token string) *websocket.Conn {
	t.Helper()
	app := setupAppHandler(t, testToken)
	h := NewAppHandler(AppDeps{
		Sessions: app.sessions,
		Clips:    app.store,
		Uploads:  app.uploads,
		Events:   hub,
		Token:    testToken,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestHub_BroadcastsPipelineEvents(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	conn := dialEvents(t, hub, testToken)

	hub.PublishSession(session.Event{Type: session.EventClipStored, SessionID: "s-1", ClipID: "c-1"})
	msg := readMessage(t, conn)
	payload := msg["payload"].(map[string]any)
	if msg["kind"] != KindSession || payload["type"] != session.EventClipStored || payload["clip_id"] != "c-1" {
		t.Errorf("session message = %v", msg)
	}

	next := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	hub.PublishUpload(upload.Outcome{
		Clip:      storage.Clip{ID: "c-2", SessionID: "s-1", UploadAttempts: 1},
		Err:       errors.New("503"),
		NextRetry: next,
	})
	msg = readMessage(t, conn)
	payload = msg["payload"].(map[string]any)
	if msg["kind"] != KindUpload || payload["uploaded"] != false || payload["error"] != "503" || payload["next_retry"] == nil {
		t.Errorf("upload message = %v", msg)
	}

	hub.PublishTrigger(capture.Trigger{Kind: capture.TriggerMotion, Score: 0.4})
	msg = readMessage(t, conn)
	payload = msg["payload"].(map[string]any)
	if msg["kind"] != KindTrigger || payload["kind"] != capture.TriggerMotion {
		t.Errorf("trigger message = %v", msg)
	}
}

func TestHub_RequiresToken(t *testing.T) {
	app := setupAppHandler(t, testToken)
	hub := NewHub(nil)
	defer hub.Close()
	srv := httptest.NewServer(NewAppHandler(AppDeps{
		Sessions: app.sessions,
		Clips:    app.store,
		Uploads:  app.uploads,
		Events:   hub,
		Token:    testToken,
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("dial without token succeeded")
	} else if resp == nil || resp.StatusCode != 401 {
		t.Errorf("resp = %v, want 401", resp)
	}
}

func TestHub_RemovesClosedClients(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	conn := dialEvents(t, hub, testToken)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Clients = %d after disconnect", hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Publishing with no clients must not block or panic.
	hub.Publish(KindSession, nil)
}

// Package backend is the HTTP client for the remote clip service. Calls are
// single request/response exchanges; retrying is left to callers.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	uploadTimeout  = 5 * time.Minute
	pingTimeout    = 3 * time.Second
)

// StatusError is returned when the backend or storage target answers with an
// unexpected HTTP status.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

// IsTransient reports whether err is worth retrying soon: transport failures,
// timeouts, 408, 425, 429 and 5xx. Cancellation and other 4xx are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusRequestTimeout,
			se.Code == http.StatusTooEarly,
			se.Code == http.StatusTooManyRequests,
			se.Code >= 500:
			return true
		default:
			return false
		}
	}
	return true
}

// Client talks to the backend API with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for baseURL. token may be empty.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 0,
		},
	}
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping checks GET /health.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return c.doJSON(ctx, "ping", http.MethodGet, "/health", nil, nil)
}

func (c *Client) RegisterDevice(ctx context.Context, reg DeviceRegistration) (Device, error) {
	var d Device
	err := c.doJSON(ctx, "register device", http.MethodPost, "/api/v1/devices", reg, &d)
	return d, err
}

func (c *Client) StartSession(ctx context.Context, deviceID string) (Session, error) {
	var s Session
	err := c.doJSON(ctx, "start session", http.MethodPost, "/api/v1/sessions", startSessionRequest{DeviceID: deviceID}, &s)
	return s, err
}

func (c *Client) StopSession(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, "stop session", http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/stop", nil, nil)
}

// InitiateUpload creates the event record and returns where to send the bytes.
func (c *Client) InitiateUpload(ctx context.Context, meta EventMeta) (InitiateResponse, error) {
	var resp InitiateResponse
	err := c.doJSON(ctx, "initiate upload", http.MethodPost, "/api/v1/events/uploads", meta, &resp)
	if err != nil {
		return InitiateResponse{}, err
	}
	if resp.Target.Kind == "" {
		resp.Target.Kind = TargetDirect
	}
	return resp, nil
}

// UploadBytes transfers data to target and returns the integrity tag.
func (c *Client) UploadBytes(ctx context.Context, eventID string, target UploadTarget, data []byte, contentType string) (UploadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	if target.Kind == TargetRelay || target.URL == "" || strings.HasPrefix(target.URL, "/") {
		return c.relayUpload(ctx, eventID, target, data, contentType)
	}
	return c.directUpload(ctx, target, data, contentType)
}

func (c *Client) directUpload(ctx context.Context, target UploadTarget, data []byte, contentType string) (UploadResult, error) {
	method := target.Method
	if method == "" {
		method = http.MethodPut
	}
	req, err := http.NewRequestWithContext(ctx, method, target.URL, bytes.NewReader(data))
	if err != nil {
		return UploadResult{}, fmt.Errorf("creating upload request: %w", err)
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", contentType)
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return UploadResult{}, fmt.Errorf("uploading to storage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return UploadResult{}, &StatusError{Op: "upload", Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	io.Copy(io.Discard, resp.Body)
	return UploadResult{ETag: strings.Trim(resp.Header.Get("ETag"), `"`)}, nil
}

func (c *Client) relayUpload(ctx context.Context, eventID string, target UploadTarget, data []byte, contentType string) (UploadResult, error) {
	path := target.URL
	if path == "" || !strings.HasPrefix(path, "/") {
		path = "/api/v1/events/" + url.PathEscape(eventID) + "/upload"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return UploadResult{}, fmt.Errorf("creating relay request: %w", err)
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", contentType)
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return UploadResult{}, fmt.Errorf("relaying upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return UploadResult{}, &StatusError{Op: "relay upload", Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var res UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil && err != io.EOF {
		return UploadResult{}, fmt.Errorf("decoding relay response: %w", err)
	}
	if res.ETag == "" {
		res.ETag = strings.Trim(resp.Header.Get("ETag"), `"`)
	}
	return res, nil
}

// FinalizeUpload confirms the transfer so the backend can process the event.
func (c *Client) FinalizeUpload(ctx context.Context, eventID, etag string) (Event, error) {
	var ev Event
	err := c.doJSON(ctx, "finalize upload", http.MethodPost, "/api/v1/events/"+url.PathEscape(eventID)+"/finalize", finalizeRequest{ETag: etag}, &ev)
	return ev, err
}

func (c *Client) ListEvents(ctx context.Context, sessionID string) ([]Event, error) {
	var resp eventsResponse
	if err := c.doJSON(ctx, "list events", http.MethodGet, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/events", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// doJSON sends body (if any) as JSON and decodes a 2xx response into out (if any).
func (c *Client) doJSON(ctx context.Context, op, method, path string, body, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshaling request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

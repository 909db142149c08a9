// Package session is a thin REST wrapper around the remote generative-video
// session lifecycle: create, status, parameter updates, delete. Stateless;
// every call is independently retryable by its caller.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 15 * time.Second

// Client calls the remote session API. Callers, not the client, implement
// retry policy.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	timeout time.Duration
	log     *zap.Logger
}

// NewClient creates a session API client with a bounded per-call timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
		log:     log,
	}
}

type createRequest struct {
	Prompt  string         `json:"prompt"`
	ModelID string         `json:"model_id"`
	Params  map[string]any `json:"params,omitempty"`
}

type createResponse struct {
	ID               string `json:"id"`
	WhipURL          string `json:"whip_url"`
	PlaybackID       string `json:"playback_id"`
	OutputPlaybackID string `json:"output_playback_id"`
}

// conflictBody covers both shapes the backend uses for the rate-limit
// conflict: activeStreamId at the top level or nested under "error".
type conflictBody struct {
	ActiveStreamID string `json:"activeStreamId"`
	Error          struct {
		ActiveStreamID string `json:"activeStreamId"`
	} `json:"error"`
}

// Create starts a new remote session. A 429 carrying an activeStreamId is
// returned as *ConflictError so the controller can evict and retry.
func (c *Client) Create(ctx context.Context, prompt, modelID string, params map[string]any) (*Descriptor, error) {
	body, status, err := c.do(ctx, http.MethodPost, "/streams", createRequest{Prompt: prompt, ModelID: modelID, Params: params})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if status == http.StatusTooManyRequests {
		var cb conflictBody
		if json.Unmarshal(body, &cb) == nil {
			id := cb.ActiveStreamID
			if id == "" {
				id = cb.Error.ActiveStreamID
			}
			if id != "" {
				return nil, &ConflictError{ActiveStreamID: id}
			}
		}
	}
	if status < 200 || status >= 300 {
		return nil, &APIError{Op: "create session", StatusCode: status, Body: string(body)}
	}
	var resp createResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("create session: decode: %w", err)
	}
	if resp.ID == "" || resp.WhipURL == "" {
		return nil, fmt.Errorf("create session: response missing id or whip_url")
	}
	return &Descriptor{
		ID:               resp.ID,
		IngestURL:        resp.WhipURL,
		PlaybackID:       resp.PlaybackID,
		OutputPlaybackID: resp.OutputPlaybackID,
		ModelID:          modelID,
		CreatedAt:        time.Now(),
	}, nil
}

// statusResponse parses the status object defensively; field names vary by
// backend version and some signals live under the ingest sub-object.
type statusResponse struct {
	Status        string `json:"status"`
	State         string `json:"state"`
	GatewayStatus string `json:"gateway_status"`
	LastOutputAt  int64  `json:"last_output_at"`
	Ingest        struct {
		BytesReceived int64 `json:"bytes_received"`
	} `json:"ingest"`
}

// GetStatus fetches the remote pipeline status for a session.
func (c *Client) GetStatus(ctx context.Context, sessionID string) (*Status, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/streams/"+sessionID+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, &APIError{Op: "get status", StatusCode: status, Body: string(body)}
	}
	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("get status: decode: %w", err)
	}
	state := resp.Status
	if state == "" {
		state = resp.State
	}
	return &Status{
		State:         state,
		GatewayStatus: resp.GatewayStatus,
		BytesReceived: resp.Ingest.BytesReceived,
		LastOutputAt:  resp.LastOutputAt,
		Raw:           body,
	}, nil
}

// UpdateParameters patches runtime parameters on a live session. Only
// hot-swappable fields are sent so the backend does not reload the pipeline.
func (c *Client) UpdateParameters(ctx context.Context, sessionID, prompt string) error {
	body, status, err := c.do(ctx, http.MethodPatch, "/streams/"+sessionID+"/parameters", map[string]string{"prompt": prompt})
	if err != nil {
		return fmt.Errorf("update parameters: %w", err)
	}
	if status < 200 || status >= 300 {
		return &APIError{Op: "update parameters", StatusCode: status, Body: string(body)}
	}
	return nil
}

// Delete tears down the remote session. Best effort; callers log and move on.
func (c *Client) Delete(ctx context.Context, sessionID string) error {
	body, status, err := c.do(ctx, http.MethodDelete, "/streams/"+sessionID, nil)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if (status < 200 || status >= 300) && status != http.StatusNotFound {
		return &APIError{Op: "delete session", StatusCode: status, Body: string(body)}
	}
	return nil
}

// ReleaseLock releases the server-side rate-limiter slot for the session.
// Best effort; fired on stop and on process shutdown.
func (c *Client) ReleaseLock(ctx context.Context, sessionID string) error {
	body, status, err := c.do(ctx, http.MethodPost, "/locks/release", map[string]string{"stream_id": sessionID})
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if status < 200 || status >= 300 {
		return &APIError{Op: "release lock", StatusCode: status, Body: string(body)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	c.log.Debug("session api call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	return body, resp.StatusCode, nil
}

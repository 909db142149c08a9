package session

import (
	"encoding/json"
	"strings"
	"time"
)

// Descriptor identifies a server-side generative-video pipeline instance.
// Immutable after creation; the controller discards it on teardown.
type Descriptor struct {
	ID               string    `json:"id"`
	IngestURL        string    `json:"whip_url"`
	PlaybackID       string    `json:"playback_id,omitempty"`
	OutputPlaybackID string    `json:"output_playback_id,omitempty"`
	ModelID          string    `json:"model_id,omitempty"`
	CreatedAt        time.Time `json:"-"`
}

// Status is the remote pipeline status. The backend's "active" signal may
// appear as an explicit status string, a gateway sub-status, or nonzero
// byte/time counters; all three are checked.
type Status struct {
	State         string          `json:"status"`
	GatewayStatus string          `json:"gateway_status"`
	BytesReceived int64           `json:"-"`
	LastOutputAt  int64           `json:"last_output_at"`
	Raw           json.RawMessage `json:"-"`
}

var activeStates = map[string]bool{
	"active":    true,
	"streaming": true,
	"ready":     true,
	"online":    true,
}

// Active reports whether the remote pipeline is actually producing output,
// as opposed to merely having accepted a transport connection.
func (s *Status) Active() bool {
	if s == nil {
		return false
	}
	if activeStates[strings.ToLower(s.State)] {
		return true
	}
	if activeStates[strings.ToLower(s.GatewayStatus)] {
		return true
	}
	return s.BytesReceived > 0 || s.LastOutputAt > 0
}

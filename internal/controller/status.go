package controller

import "time"

// Phase is the controller's lifecycle phase.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseCountdown  Phase = "countdown"
	PhaseConnecting Phase = "connecting"
	PhaseStreaming  Phase = "streaming"
	PhaseError      Phase = "error"
)

// Status is the canonical orchestration state. Exactly one value exists per
// active orchestration; the controller is its only writer and everything else
// reads snapshots. CountdownRemaining is only meaningful in countdown and
// connecting and is cleared on entering streaming or idle.
type Status struct {
	Phase              Phase     `json:"phase"`
	SessionID          string    `json:"session_id,omitempty"`
	IngestURL          string    `json:"ingest_url,omitempty"`
	PlaybackID         string    `json:"playback_id,omitempty"`
	CountdownRemaining int       `json:"countdown_remaining,omitempty"`
	Message            string    `json:"message,omitempty"`
	At                 time.Time `json:"at"`
}

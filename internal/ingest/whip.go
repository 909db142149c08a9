// Package ingest negotiates and supervises one WebRTC publish connection per
// session using the WHIP pattern: a single complete SDP offer/answer exchange
// over HTTP. Trickle ICE is not assumed; the offer is posted only after
// candidate gathering completes.
package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// State is the connection lifecycle per attempt.
type State string

const (
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
	StateClosed      State = "closed"
	StateFailed      State = "failed"
)

// StateHandler observes connection state transitions. The session id is
// passed along so late events for superseded sessions can be dropped.
type StateHandler func(sessionID string, state State)

var defaultICE = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// Manager owns at most one live WHIP publish connection at a time. It never
// retries on its own; retry policy belongs to the controller.
type Manager struct {
	log       *zap.Logger
	cfg       webrtc.Configuration
	http      *http.Client
	authToken string

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	sessionID   string
	resourceURL string
	observers   map[int]StateHandler
	nextObs     int
}

// NewManager creates a WHIP connection manager with the given ICE servers.
func NewManager(log *zap.Logger, iceURLs []string, authToken string) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := webrtc.Configuration{ICEServers: parseICEServers(iceURLs)}
	return &Manager{
		log:       log,
		cfg:       cfg,
		http:      &http.Client{Timeout: 20 * time.Second},
		authToken: authToken,
		observers: make(map[int]StateHandler),
	}
}

// OnStateChange registers an observer and returns its disposer.
func (m *Manager) OnStateChange(fn StateHandler) (dispose func()) {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) notify(sessionID string, s State) {
	m.mu.Lock()
	fns := make([]StateHandler, 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(sessionID, s)
	}
}

// Connect performs the WHIP publish handshake for the session, using track as
// the local media source. Any previous connection is torn down first.
func (m *Manager) Connect(ctx context.Context, sessionID, whipURL string, track webrtc.TrackLocal) error {
	m.Disconnect()

	m.notify(sessionID, StateNegotiating)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(m.cfg)
	if err != nil {
		return fmt.Errorf("peer connection: %w", err)
	}

	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return fmt.Errorf("add track: %w", err)
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.handlePCState(sessionID, s)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = pc.Close()
		return ctx.Err()
	}

	answerSDP, resourceURL, err := m.postOffer(ctx, whipURL, pc.LocalDescription().SDP)
	if err != nil {
		_ = pc.Close()
		return err
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		_ = pc.Close()
		return fmt.Errorf("set remote description: %w", err)
	}

	m.mu.Lock()
	m.pc = pc
	m.sessionID = sessionID
	m.resourceURL = resourceURL
	m.mu.Unlock()

	m.log.Info("whip offer accepted", zap.String("session_id", sessionID))
	return nil
}

// handlePCState maps peer connection transitions onto the observer states.
// "disconnected" is deliberately not surfaced: ICE frequently recovers from it
// on its own, and "failed" or "closed" follows when it does not.
func (m *Manager) handlePCState(sessionID string, s webrtc.PeerConnectionState) {
	m.log.Debug("ingest state", zap.String("session_id", sessionID), zap.String("state", s.String()))
	switch s {
	case webrtc.PeerConnectionStateConnected:
		m.notify(sessionID, StateConnected)
	case webrtc.PeerConnectionStateFailed:
		m.notify(sessionID, StateFailed)
	case webrtc.PeerConnectionStateClosed:
		m.notify(sessionID, StateClosed)
	}
}

func (m *Manager) postOffer(ctx context.Context, whipURL, sdp string) (answer, resourceURL string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, whipURL, strings.NewReader(sdp))
	if err != nil {
		return "", "", fmt.Errorf("create whip request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	if m.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.authToken)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("post offer: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("whip rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	resourceURL = resp.Header.Get("Location")
	if resourceURL != "" {
		if base, perr := url.Parse(whipURL); perr == nil {
			if ref, perr := url.Parse(resourceURL); perr == nil {
				resourceURL = base.ResolveReference(ref).String()
			}
		}
	}
	return string(body), resourceURL, nil
}

// Disconnect tears down the current connection. Safe to call multiple times
// and from any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	pc := m.pc
	resourceURL := m.resourceURL
	sessionID := m.sessionID
	m.pc = nil
	m.resourceURL = ""
	m.sessionID = ""
	m.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			m.log.Warn("close peer connection", zap.Error(err), zap.String("session_id", sessionID))
		}
	}
	if resourceURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, resourceURL, nil)
		if err == nil {
			if resp, derr := m.http.Do(req); derr == nil {
				_ = resp.Body.Close()
			}
		}
	}
}

// terminalMarkers are error fragments that mean the backend rejected us
// outright; retrying the same handshake cannot help.
var terminalMarkers = []string{
	"status 401",
	"status 403",
	"unauthorized",
	"forbidden",
	"invalid token",
	"auth failure",
}

// IsRetryable classifies an ingest error string: transient negotiation and
// media errors are retryable within the warmup window; explicit rejection and
// auth failures are terminal.
func IsRetryable(errText string) bool {
	lower := strings.ToLower(errText)
	for _, marker := range terminalMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}

func parseICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return defaultICE
	}
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	if len(out) == 0 {
		return defaultICE
	}
	return out
}

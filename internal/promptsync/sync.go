// Package promptsync pushes runtime parameter changes (primarily the
// generation prompt) to an already-connected session. Failures inside the
// warmup grace window are expected and retried quietly; repeated real
// failures trip a circuit breaker that marks the session as not supporting
// runtime updates at all.
package promptsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamcast/orchestrator/internal/retry"
	"github.com/dreamcast/orchestrator/internal/session"
)

// TriState tracks whether the backend accepts parameter patches. It moves
// from Unknown to Supported on the first accepted update, or to Unsupported
// once enough non-warmup failures accumulate. Unsupported is final for the
// session.
type TriState int

const (
	Unknown TriState = iota
	Supported
	Unsupported
)

// Updater applies parameter changes to a remote session.
type Updater interface {
	UpdateParameters(ctx context.Context, sessionID, prompt string) error
}

// Config tunes retry and circuit-breaker behavior.
type Config struct {
	FailureThreshold int
	Backoff          retry.Policy
	CallTimeout      time.Duration
}

// Snapshot is the synchronizer's observable state, mainly for tests and the
// status endpoint.
type Snapshot struct {
	SessionID         string
	AppliedPrompt     string
	InFlight          bool
	Attempt           int
	NonWarmupFailures int
	PatchSupported    TriState
}

// Synchronizer serializes prompt updates for one session at a time. At most
// one network call is in flight at any instant; a sync requested while one is
// outstanding is folded into the in-flight call's completion check.
type Synchronizer struct {
	client Updater
	cfg    Config
	log    *zap.Logger

	mu            sync.Mutex
	sessionID     string
	sessionActive func() bool
	withinWarmup  func() bool

	desiredPrompt string
	appliedPrompt string
	hasApplied    bool
	forcedPrompt  string
	hasForced     bool

	inFlight          bool
	attempt           int
	nonWarmupFailures int
	patchSupported    TriState
	retryTimer        *time.Timer
	stopping          bool
}

// New creates a prompt synchronizer.
func New(client Updater, cfg Config, log *zap.Logger) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Synchronizer{client: client, cfg: cfg, log: log}
}

// ResetForNewSession rebinds the synchronizer to a fresh session, clearing
// all applied/forced prompts, counters and the breaker. sessionActive must
// report "session status is active and the warmup countdown has finished";
// withinWarmup reports whether the warmup grace window is still open.
func (s *Synchronizer) ResetForNewSession(sessionID string, sessionActive, withinWarmup func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelRetryLocked()
	s.sessionID = sessionID
	s.sessionActive = sessionActive
	s.withinWarmup = withinWarmup
	s.desiredPrompt = ""
	s.appliedPrompt = ""
	s.hasApplied = false
	s.forcedPrompt = ""
	s.hasForced = false
	s.inFlight = false
	s.attempt = 0
	s.nonWarmupFailures = 0
	s.patchSupported = Unknown
	s.stopping = false
}

// SyncPrompt requests that the session's prompt become desired. A call that
// fails any guard is a silent no-op; the desired value is still recorded so
// the in-flight completion check or a later trigger picks it up.
func (s *Synchronizer) SyncPrompt(sessionID, desired string, force bool) {
	s.mu.Lock()
	if sessionID != s.sessionID || s.sessionID == "" {
		s.mu.Unlock()
		return
	}
	s.desiredPrompt = desired
	if force {
		s.forcedPrompt = desired
		s.hasForced = true
	}
	s.mu.Unlock()
	s.kick(force)
}

// ForceSync re-applies the last desired prompt even if unchanged ("re-roll").
func (s *Synchronizer) ForceSync() {
	s.mu.Lock()
	if s.sessionID == "" {
		s.mu.Unlock()
		return
	}
	s.forcedPrompt = s.desiredPrompt
	s.hasForced = true
	s.mu.Unlock()
	s.kick(true)
}

// Shutdown marks the synchronizer as tearing down and cancels any pending
// retry. Further sync calls are no-ops until ResetForNewSession.
func (s *Synchronizer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopping = true
	s.cancelRetryLocked()
}

// PatchSupported reports the breaker state.
func (s *Synchronizer) PatchSupported() TriState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patchSupported
}

// State returns an observable snapshot.
func (s *Synchronizer) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:         s.sessionID,
		AppliedPrompt:     s.appliedPrompt,
		InFlight:          s.inFlight,
		Attempt:           s.attempt,
		NonWarmupFailures: s.nonWarmupFailures,
		PatchSupported:    s.patchSupported,
	}
}

// kick starts a network attempt if every guard holds.
func (s *Synchronizer) kick(force bool) {
	s.mu.Lock()
	if s.stopping || s.inFlight || s.patchSupported == Unsupported || s.sessionID == "" {
		s.mu.Unlock()
		return
	}
	if s.sessionActive != nil && !s.sessionActive() {
		s.mu.Unlock()
		return
	}
	// Skip the call when nothing changed, unless forced now or a previously
	// forced prompt matches the desired one (force requested while another
	// value was mid-flight).
	if !force && s.hasApplied && s.desiredPrompt == s.appliedPrompt {
		if !(s.hasForced && s.forcedPrompt == s.desiredPrompt) {
			s.mu.Unlock()
			return
		}
	}
	s.cancelRetryLocked()
	s.inFlight = true
	sent := s.desiredPrompt
	sid := s.sessionID
	s.mu.Unlock()

	go s.attemptOnce(sid, sent)
}

func (s *Synchronizer) attemptOnce(sid, sent string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	err := s.client.UpdateParameters(ctx, sid, sent)
	cancel()

	s.mu.Lock()
	if sid != s.sessionID || s.stopping {
		s.inFlight = false
		s.mu.Unlock()
		return
	}
	s.inFlight = false

	if err == nil {
		s.appliedPrompt = sent
		s.hasApplied = true
		s.patchSupported = Supported
		s.attempt = 0
		s.nonWarmupFailures = 0
		s.hasForced = false
		s.forcedPrompt = ""
		changed := s.desiredPrompt != sent
		s.mu.Unlock()
		s.log.Info("prompt applied", zap.String("session_id", sid))
		if changed {
			// Desired moved while we were in flight; chase it immediately.
			s.kick(false)
		}
		return
	}

	warmup := s.isWarmupFailure(err)
	switch {
	case warmup:
		// Expected during cold start; retry without touching the budget.
		s.attempt++
		attempt := s.attempt
		s.scheduleRetryLocked(sid)
		s.mu.Unlock()
		s.log.Debug("prompt sync warmup retry", zap.String("session_id", sid), zap.Int("attempt", attempt))
	case session.IsTransient(err):
		s.attempt++
		s.nonWarmupFailures++
		failures := s.nonWarmupFailures
		if failures >= s.cfg.FailureThreshold {
			s.tripBreakerLocked(sid)
			s.mu.Unlock()
			return
		}
		s.scheduleRetryLocked(sid)
		s.mu.Unlock()
		s.log.Warn("prompt sync failed, will retry",
			zap.String("session_id", sid),
			zap.Int("failures", failures),
			zap.Error(err),
		)
	default:
		// Hard rejection: log, count, do not retry.
		s.nonWarmupFailures++
		if s.nonWarmupFailures >= s.cfg.FailureThreshold {
			s.tripBreakerLocked(sid)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.log.Warn("prompt update rejected", zap.String("session_id", sid), zap.Error(err))
	}
}

// isWarmupFailure reports whether the failure should be treated as "backend
// still starting": a 404 whose body says not ready, or any failure while the
// warmup grace window is open.
func (s *Synchronizer) isWarmupFailure(err error) bool {
	var apiErr *session.APIError
	if errors.As(err, &apiErr) && apiErr.NotReady() {
		return true
	}
	return s.withinWarmup != nil && s.withinWarmup()
}

// scheduleRetryLocked arms the single retry timer, replacing any pending one.
func (s *Synchronizer) scheduleRetryLocked(sid string) {
	s.cancelRetryLocked()
	attempt := s.attempt - 1
	if attempt < 0 {
		attempt = 0
	}
	delay := s.cfg.Backoff.Delay(attempt)
	s.retryTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		stale := sid != s.sessionID || s.stopping
		s.mu.Unlock()
		if stale {
			return
		}
		s.kick(true)
	})
}

func (s *Synchronizer) cancelRetryLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Synchronizer) tripBreakerLocked(sid string) {
	s.patchSupported = Unsupported
	s.cancelRetryLocked()
	s.log.Warn("prompt updates disabled for session; restart required to change prompt",
		zap.String("session_id", sid),
		zap.Int("failures", s.nonWarmupFailures),
	)
}

// Package controller sequences the stream lifecycle: acquire capture, create
// the remote session, start WHIP ingest, confirm health, expose "streaming",
// and tear everything down on stop or failure. Every asynchronous
// continuation re-checks the session id it closed over against the current
// one; stale results are silently dropped. That guard, not a lock around the
// whole sequence, is the core correctness mechanism.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/dreamcast/orchestrator/internal/capture"
	"github.com/dreamcast/orchestrator/internal/ingest"
	"github.com/dreamcast/orchestrator/internal/promptsync"
	"github.com/dreamcast/orchestrator/internal/retry"
	"github.com/dreamcast/orchestrator/internal/session"
)

// SessionAPI is the slice of the session client the controller needs.
type SessionAPI interface {
	Create(ctx context.Context, prompt, modelID string, params map[string]any) (*session.Descriptor, error)
	Delete(ctx context.Context, sessionID string) error
	ReleaseLock(ctx context.Context, sessionID string) error
}

// Capturer is the capture pipeline surface the controller drives.
type Capturer interface {
	Acquire(ctx context.Context) error
	Track() *webrtc.TrackLocalStaticSample
	Snapshot() capture.State
	Release()
}

// Ingestor supervises the WHIP publish connection.
type Ingestor interface {
	Connect(ctx context.Context, sessionID, whipURL string, track webrtc.TrackLocal) error
	Disconnect()
	OnStateChange(fn ingest.StateHandler) (dispose func())
}

// HealthChecker confirms the remote pipeline is producing output.
type HealthChecker interface {
	PollUntilActive(ctx context.Context, sessionID string, maxAttempts int, interval time.Duration, withinWarmup func() bool) bool
}

// PromptSyncer pushes runtime prompt changes to the live session.
type PromptSyncer interface {
	ResetForNewSession(sessionID string, sessionActive, withinWarmup func() bool)
	SyncPrompt(sessionID, desired string, force bool)
	ForceSync()
	Shutdown()
	PatchSupported() promptsync.TriState
}

// Config tunes the lifecycle timings.
type Config struct {
	DefaultPrompt     string
	ModelID           string
	CountdownSeconds  int
	WarmupWindow      time.Duration
	StartupGrace      time.Duration
	IngestRetry       retry.Policy
	HealthInterval    time.Duration
	HealthMaxAttempts int
	RestartDelay      time.Duration
	HistorySize       int
}

// Controller is the top-level stream lifecycle state machine.
type Controller struct {
	cfg    Config
	api    SessionAPI
	capt   Capturer
	ingest Ingestor
	health HealthChecker
	sync   PromptSyncer
	log    *zap.Logger

	mu               sync.Mutex
	status           Status
	history          []Status
	observers        map[int]func(Status)
	nextObs          int
	prompt           string
	sessionID        string
	desc             *session.Descriptor
	sessionCreatedAt time.Time
	stopping         bool
	starting         bool
	runGen           int
	ingestConnected  bool
	healthConfirmed  bool
	countdownLeft    int
	runCancel        context.CancelFunc
	graceTimer       *time.Timer
	ingestRetryTimer *time.Timer
	restartTimer     *time.Timer
	disposeIngestObs func()
}

// New creates a controller in the idle phase and subscribes it to ingest
// state changes.
func New(cfg Config, api SessionAPI, capt Capturer, ing Ingestor, health HealthChecker, syncer PromptSyncer, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 32
	}
	c := &Controller{
		cfg:       cfg,
		api:       api,
		capt:      capt,
		ingest:    ing,
		health:    health,
		sync:      syncer,
		log:       log,
		observers: make(map[int]func(Status)),
		prompt:    cfg.DefaultPrompt,
		status:    Status{Phase: PhaseIdle, At: time.Now()},
	}
	c.disposeIngestObs = ing.OnStateChange(c.onIngestState)
	return c
}

// Status returns the current status snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// History returns recent status transitions, oldest first.
func (c *Controller) History() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, len(c.history))
	copy(out, c.history)
	return out
}

// OnStatus subscribes to status snapshots and returns a disposer.
func (c *Controller) OnStatus(fn func(Status)) (dispose func()) {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// CurrentPrompt returns the desired prompt.
func (c *Controller) CurrentPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompt
}

// SetPrompt records the desired prompt and nudges the synchronizer if a
// session is live.
func (c *Controller) SetPrompt(prompt string) {
	c.mu.Lock()
	c.prompt = prompt
	id := c.sessionID
	c.mu.Unlock()
	if id != "" {
		c.sync.SyncPrompt(id, prompt, false)
	}
}

// ForceSync re-applies the current prompt ("re-roll").
func (c *Controller) ForceSync() {
	c.sync.ForceSync()
}

// PatchSupported reports whether the live session accepts runtime updates.
func (c *Controller) PatchSupported() promptsync.TriState {
	return c.sync.PatchSupported()
}

// Start kicks off the start sequence. A no-op while a start is already in
// progress or a stream is live.
func (c *Controller) Start() {
	c.mu.Lock()
	switch {
	case c.starting:
		c.mu.Unlock()
		return
	case c.status.Phase == PhaseCountdown, c.status.Phase == PhaseConnecting, c.status.Phase == PhaseStreaming:
		c.mu.Unlock()
		return
	}
	c.starting = true
	c.stopping = false
	c.ingestConnected = false
	c.healthConfirmed = false
	c.runGen++
	gen := c.runGen
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	c.mu.Unlock()

	go c.run(runCtx, gen)
}

func (c *Controller) run(ctx context.Context, gen int) {
	// Pre-flight: camera permission. Fail fast with a specific error.
	if err := c.capt.Acquire(ctx); err != nil {
		var capErr *capture.Error
		msg := "Camera error: " + err.Error()
		if errors.As(err, &capErr) {
			msg = capErr.Message()
		}
		c.failRun(gen, msg)
		return
	}

	c.mu.Lock()
	if c.stopping || gen != c.runGen {
		c.mu.Unlock()
		return
	}
	c.setStatusLocked(Status{Phase: PhaseCountdown, CountdownRemaining: c.cfg.CountdownSeconds})
	notify := c.publishLocked()
	prompt := c.prompt
	c.mu.Unlock()
	notify()

	desc, err := c.createWithEviction(ctx, prompt)
	if err != nil {
		c.failRun(gen, "Could not start the dream session: "+err.Error())
		return
	}

	c.mu.Lock()
	if c.stopping || gen != c.runGen {
		c.mu.Unlock()
		go c.discardSession(desc.ID)
		return
	}
	c.desc = desc
	c.sessionID = desc.ID
	c.sessionCreatedAt = time.Now()
	c.countdownLeft = c.cfg.CountdownSeconds
	c.setStatusLocked(Status{
		Phase:              PhaseCountdown,
		SessionID:          desc.ID,
		IngestURL:          desc.IngestURL,
		PlaybackID:         desc.PlaybackID,
		CountdownRemaining: c.countdownLeft,
	})
	notify = c.publishLocked()
	id := desc.ID
	c.mu.Unlock()
	notify()

	c.sync.ResetForNewSession(id, c.activeGateFor(id), c.warmupGateFor(id))

	go c.runCountdown(ctx, id)
	go c.connectIngest(ctx, id, desc.IngestURL, 0)
	go c.runHealthPoll(ctx, id)
}

// createWithEviction creates the remote session, handling the one-session
// limiter: a conflict naming the currently active stream evicts it and
// retries create exactly once.
func (c *Controller) createWithEviction(ctx context.Context, prompt string) (*session.Descriptor, error) {
	desc, err := c.api.Create(ctx, prompt, c.cfg.ModelID, nil)
	if err == nil {
		return desc, nil
	}
	var conflict *session.ConflictError
	if !errors.As(err, &conflict) {
		return nil, err
	}
	c.log.Info("evicting stale session", zap.String("active_stream_id", conflict.ActiveStreamID))
	delCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if derr := c.api.Delete(delCtx, conflict.ActiveStreamID); derr != nil {
		c.log.Warn("stale session delete failed", zap.Error(derr))
	}
	cancel()
	return c.api.Create(ctx, prompt, c.cfg.ModelID, nil)
}

func (c *Controller) runCountdown(ctx context.Context, id string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		if id != c.sessionID || c.stopping {
			c.mu.Unlock()
			return
		}
		if c.countdownLeft > 0 {
			c.countdownLeft--
		}
		if c.countdownLeft > 0 {
			st := c.status
			st.CountdownRemaining = c.countdownLeft
			c.setStatusLocked(st)
			notify := c.publishLocked()
			c.mu.Unlock()
			notify()
			continue
		}
		// Warm-up elapsed: caller sees connecting until health and ingest
		// both confirm, and the startup grace clock starts now.
		var notify func()
		if c.status.Phase == PhaseCountdown {
			st := c.status
			st.Phase = PhaseConnecting
			st.CountdownRemaining = 0
			c.setStatusLocked(st)
			notify = c.publishLocked()
		}
		c.armGraceTimerLocked(id)
		c.maybeStreamLocked()
		notify2 := c.publishIfStreamingLocked()
		c.mu.Unlock()
		if notify != nil {
			notify()
		}
		if notify2 != nil {
			notify2()
		}
		return
	}
}

func (c *Controller) armGraceTimerLocked(id string) {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	c.graceTimer = time.AfterFunc(c.cfg.StartupGrace, func() {
		c.mu.Lock()
		if id != c.sessionID || c.stopping || c.status.Phase == PhaseStreaming {
			c.mu.Unlock()
			return
		}
		if c.ingestConnected || c.healthConfirmed {
			// One of the two arrived; keep waiting for the other.
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.fail(id, "The dream did not become ready in time. Stop and try again.")
	})
}

func (c *Controller) connectIngest(ctx context.Context, id, whipURL string, attempt int) {
	track := c.capt.Track()
	err := c.ingest.Connect(ctx, id, whipURL, track)
	if err == nil {
		return
	}

	c.mu.Lock()
	if id != c.sessionID || c.stopping {
		c.mu.Unlock()
		return
	}
	withinWarmup := time.Since(c.sessionCreatedAt) < c.cfg.WarmupWindow
	retryable := ingest.IsRetryable(err.Error())
	if retryable && withinWarmup && !c.cfg.IngestRetry.Exhausted(attempt+1) {
		delay := c.cfg.IngestRetry.Delay(attempt)
		if c.ingestRetryTimer != nil {
			c.ingestRetryTimer.Stop()
		}
		c.ingestRetryTimer = time.AfterFunc(delay, func() {
			c.mu.Lock()
			stale := id != c.sessionID || c.stopping
			c.mu.Unlock()
			if stale {
				return
			}
			c.connectIngest(ctx, id, whipURL, attempt+1)
		})
		c.mu.Unlock()
		c.log.Warn("ingest connect failed, retrying",
			zap.String("session_id", id),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		return
	}
	c.mu.Unlock()
	c.fail(id, "Could not connect the video stream: "+err.Error())
}

func (c *Controller) runHealthPoll(ctx context.Context, id string) {
	ok := c.health.PollUntilActive(ctx, id, c.cfg.HealthMaxAttempts, c.cfg.HealthInterval, c.warmupGateFor(id))
	c.mu.Lock()
	if id != c.sessionID || c.stopping {
		c.mu.Unlock()
		return
	}
	if ok {
		c.healthConfirmed = true
		c.maybeStreamLocked()
		notify := c.publishIfStreamingLocked()
		c.mu.Unlock()
		if notify != nil {
			notify()
		}
		return
	}
	// Exhausted without activity; the grace timer decides whether this is
	// fatal, since ingest may still be mid-handshake.
	c.mu.Unlock()
}

// onIngestState receives WHIP connection transitions. Late events for a
// superseded session are dropped by the id guard.
func (c *Controller) onIngestState(id string, state ingest.State) {
	c.mu.Lock()
	if id != c.sessionID || c.stopping {
		c.mu.Unlock()
		return
	}
	switch state {
	case ingest.StateConnected:
		c.ingestConnected = true
		c.maybeStreamLocked()
		notify := c.publishIfStreamingLocked()
		c.mu.Unlock()
		if notify != nil {
			notify()
		}
	case ingest.StateClosed:
		if c.status.Phase == PhaseStreaming {
			// A close after reaching streaming is a quiet end of the dream,
			// not an error.
			c.mu.Unlock()
			c.log.Info("ingest closed while streaming, resetting", zap.String("session_id", id))
			c.Stop()
			return
		}
		c.mu.Unlock()
		c.fail(id, "The video connection closed before the dream started.")
	case ingest.StateFailed:
		c.mu.Unlock()
		c.fail(id, "The video connection failed.")
	default:
		c.mu.Unlock()
	}
}

// maybeStreamLocked promotes to streaming once ingest is connected, health is
// confirmed and the countdown has fully elapsed, so the caller never sees a
// stream before the remote model produces meaningful output.
func (c *Controller) maybeStreamLocked() {
	if c.stopping || !c.ingestConnected || !c.healthConfirmed || c.countdownLeft > 0 {
		return
	}
	if c.status.Phase != PhaseCountdown && c.status.Phase != PhaseConnecting {
		return
	}
	c.starting = false
	st := Status{
		Phase:      PhaseStreaming,
		SessionID:  c.sessionID,
		PlaybackID: c.status.PlaybackID,
		IngestURL:  c.status.IngestURL,
	}
	c.setStatusLocked(st)
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.log.Info("streaming", zap.String("session_id", c.sessionID))
}

// Stop tears the orchestration down and returns the status to idle
// immediately; network teardown happens asynchronously and best-effort. Safe
// to call from any state, repeatedly, and concurrently with Start.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopping = true
	c.starting = false
	c.cancelTimersLocked()
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	desc := c.desc
	gen := c.runGen
	c.desc = nil
	c.sessionID = ""
	c.ingestConnected = false
	c.healthConfirmed = false
	c.countdownLeft = 0
	c.setStatusLocked(Status{Phase: PhaseIdle})
	notify := c.publishLocked()
	c.mu.Unlock()
	notify()

	c.sync.Shutdown()

	go func() {
		c.teardownLocal(gen)
		if desc == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.api.Delete(ctx, desc.ID); err != nil {
			c.log.Warn("session delete failed", zap.String("session_id", desc.ID), zap.Error(err))
		}
		if err := c.api.ReleaseLock(ctx, desc.ID); err != nil {
			c.log.Warn("lock release failed", zap.String("session_id", desc.ID), zap.Error(err))
		}
	}()
}

// RetryDream stops, waits a short beat, and starts again. Some failure
// classes (tripped patch breaker, exhausted ingest retries) are only
// resolvable by recreating the session.
func (c *Controller) RetryDream() {
	c.Stop()
	c.mu.Lock()
	if c.restartTimer != nil {
		c.restartTimer.Stop()
	}
	c.restartTimer = time.AfterFunc(c.cfg.RestartDelay, c.Start)
	c.mu.Unlock()
}

// ReleaseOnExit fires a best-effort lock release for the current session,
// for process shutdown paths that cannot wait on the async stop.
func (c *Controller) ReleaseOnExit() {
	c.mu.Lock()
	id := c.sessionID
	if id == "" && c.desc != nil {
		id = c.desc.ID
	}
	c.mu.Unlock()
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.api.ReleaseLock(ctx, id)
}

// Close shuts the controller down for good.
func (c *Controller) Close() {
	if c.disposeIngestObs != nil {
		c.disposeIngestObs()
	}
	c.Stop()
}

// fail transitions to the error phase unless the session has been superseded
// or a stop is in progress, then tears down resources.
func (c *Controller) fail(id, message string) {
	c.mu.Lock()
	if c.stopping || id != c.sessionID {
		c.mu.Unlock()
		return
	}
	c.failLocked(id, message)
}

// failRun reports a failure from before a session id exists, so the run
// generation stands in for the session-id guard. A superseded run must not
// publish an error or tear down the resources of the run that replaced it.
func (c *Controller) failRun(gen int, message string) {
	c.mu.Lock()
	if c.stopping || gen != c.runGen {
		c.mu.Unlock()
		return
	}
	c.failLocked("", message)
}

// failLocked finishes the error transition. Called with c.mu held; releases it.
func (c *Controller) failLocked(id, message string) {
	c.starting = false
	c.cancelTimersLocked()
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	desc := c.desc
	gen := c.runGen
	c.desc = nil
	c.sessionID = ""
	c.setStatusLocked(Status{Phase: PhaseError, Message: message})
	notify := c.publishLocked()
	c.mu.Unlock()
	notify()

	c.log.Warn("stream failed", zap.String("session_id", id), zap.String("message", message))
	c.sync.Shutdown()

	go func() {
		c.teardownLocal(gen)
		if desc == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.api.Delete(ctx, desc.ID); err != nil {
			c.log.Warn("session delete failed", zap.String("session_id", desc.ID), zap.Error(err))
		}
		_ = c.api.ReleaseLock(ctx, desc.ID)
	}()
}

// teardownLocal releases the camera and the WHIP connection on behalf of the
// run identified by gen. If a new run has started in the meantime it owns both
// now, so a late teardown must leave them alone; the new run releases them on
// its own stop or failure.
func (c *Controller) teardownLocal(gen int) {
	c.mu.Lock()
	superseded := gen != c.runGen
	c.mu.Unlock()
	if superseded {
		return
	}
	c.ingest.Disconnect()
	c.capt.Release()
}

// discardSession deletes a session created after stop already began.
func (c *Controller) discardSession(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.api.Delete(ctx, id); err != nil {
		c.log.Warn("discard session failed", zap.String("session_id", id), zap.Error(err))
	}
	_ = c.api.ReleaseLock(ctx, id)
}

func (c *Controller) cancelTimersLocked() {
	for _, t := range []*time.Timer{c.graceTimer, c.ingestRetryTimer, c.restartTimer} {
		if t != nil {
			t.Stop()
		}
	}
	c.graceTimer = nil
	c.ingestRetryTimer = nil
	c.restartTimer = nil
}

// activeGateFor reports whether prompt updates may flow: same session, warmup
// countdown finished, and the stream in a connected-ish phase.
func (c *Controller) activeGateFor(id string) func() bool {
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if id != c.sessionID || c.stopping || c.countdownLeft > 0 {
			return false
		}
		return c.status.Phase == PhaseConnecting || c.status.Phase == PhaseStreaming
	}
}

// warmupGateFor reports whether the session is still inside its warmup grace
// window.
func (c *Controller) warmupGateFor(id string) func() bool {
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return id == c.sessionID && time.Since(c.sessionCreatedAt) < c.cfg.WarmupWindow
	}
}

// setStatusLocked stamps and records a transition, keeping a bounded history
// ring. Countdown is cleared outside countdown/connecting per the invariant.
func (c *Controller) setStatusLocked(st Status) {
	if st.Phase != PhaseCountdown && st.Phase != PhaseConnecting {
		st.CountdownRemaining = 0
	}
	st.At = time.Now()
	c.status = st
	c.history = append(c.history, st)
	if len(c.history) > c.cfg.HistorySize {
		c.history = c.history[len(c.history)-c.cfg.HistorySize:]
	}
}

// publishLocked snapshots status and observers; the returned func must be
// called after unlocking.
func (c *Controller) publishLocked() func() {
	st := c.status
	fns := make([]func(Status), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn(st)
		}
	}
}

// publishIfStreamingLocked returns a notifier only when the last transition
// reached streaming, so callers of maybeStreamLocked do not re-announce
// unchanged states.
func (c *Controller) publishIfStreamingLocked() func() {
	if c.status.Phase != PhaseStreaming {
		return nil
	}
	return c.publishLocked()
}

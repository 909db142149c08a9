package controller

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamcast/orchestrator/internal/capture"
	"github.com/dreamcast/orchestrator/internal/ingest"
	"github.com/dreamcast/orchestrator/internal/promptsync"
	"github.com/dreamcast/orchestrator/internal/retry"
	"github.com/dreamcast/orchestrator/internal/session"
)

type fakeAPI struct {
	mu            sync.Mutex
	createErrs    []error
	created       []string
	deleted       []string
	released      []string
	nextID        int
	createBlock   chan struct{} // next Create parks on it (or its ctx); consumed once
	createEntered chan struct{} // closed when the parked Create begins waiting
}

func (f *fakeAPI) Create(ctx context.Context, prompt, modelID string, params map[string]any) (*session.Descriptor, error) {
	f.mu.Lock()
	block := f.createBlock
	entered := f.createEntered
	f.createBlock = nil
	f.createEntered = nil
	f.mu.Unlock()
	if block != nil {
		if entered != nil {
			close(entered)
		}
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.nextID++
	id := "sess-" + strconv.Itoa(f.nextID)
	f.created = append(f.created, id)
	return &session.Descriptor{
		ID:         id,
		IngestURL:  "https://ingest.example/whip/" + id,
		PlaybackID: "play-" + id,
		CreatedAt:  time.Now(),
	}, nil
}

func (f *fakeAPI) Delete(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sessionID)
	return nil
}

func (f *fakeAPI) ReleaseLock(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, sessionID)
	return nil
}

func (f *fakeAPI) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeAPI) releasedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

type fakeCapturer struct {
	mu         sync.Mutex
	acquireErr error
	acquires   int
	releases   int
	track      *webrtc.TrackLocalStaticSample
}

func newFakeCapturer(t *testing.T) *fakeCapturer {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "test-video", "test",
	)
	require.NoError(t, err)
	return &fakeCapturer{track: track}
}

func (f *fakeCapturer) Acquire(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	return f.acquireErr
}

func (f *fakeCapturer) Track() *webrtc.TrackLocalStaticSample { return f.track }
func (f *fakeCapturer) Snapshot() capture.State { return capture.State{} }

func (f *fakeCapturer) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
}

// fakeIngestor reports connected through the observer as soon as Connect is
// called, unless a scripted error says otherwise.
type fakeIngestor struct {
	mu          sync.Mutex
	connectErrs []error
	connects    int
	disconnects int
	handler     ingest.StateHandler
	autoConnect bool
}

func (f *fakeIngestor) Connect(ctx context.Context, sessionID, whipURL string, track webrtc.TrackLocal) error {
	f.mu.Lock()
	f.connects++
	var err error
	if len(f.connectErrs) > 0 {
		err = f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
	}
	handler := f.handler
	auto := f.autoConnect
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if auto && handler != nil {
		handler(sessionID, ingest.StateConnected)
	}
	return nil
}

func (f *fakeIngestor) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeIngestor) OnStateChange(fn ingest.StateHandler) (dispose func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
	return func() {}
}

func (f *fakeIngestor) emit(sessionID string, state ingest.State) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(sessionID, state)
	}
}

type fakeHealth struct {
	result bool
}

func (f *fakeHealth) PollUntilActive(ctx context.Context, sessionID string, maxAttempts int, interval time.Duration, withinWarmup func() bool) bool {
	return f.result
}

type fakeSyncer struct {
	mu        sync.Mutex
	sessionID string
	synced    []string
	shutdowns int
	supported promptsync.TriState
}

func (f *fakeSyncer) ResetForNewSession(sessionID string, sessionActive, withinWarmup func() bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionID = sessionID
}

func (f *fakeSyncer) SyncPrompt(sessionID, desired string, force bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, desired)
}

func (f *fakeSyncer) ForceSync() {}

func (f *fakeSyncer) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
}

func (f *fakeSyncer) PatchSupported() promptsync.TriState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.supported
}

type harness struct {
	ctrl   *Controller
	api    *fakeAPI
	capt   *fakeCapturer
	ing    *fakeIngestor
	health *fakeHealth
	syncer *fakeSyncer
	status chan Status
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := Config{
		DefaultPrompt:     "test prompt",
		ModelID:           "test-model",
		CountdownSeconds:  1,
		WarmupWindow:      time.Minute,
		StartupGrace:      time.Minute,
		IngestRetry:       retry.Policy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
		HealthInterval:    time.Millisecond,
		HealthMaxAttempts: 3,
		RestartDelay:      10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		api:    &fakeAPI{},
		capt:   newFakeCapturer(t),
		ing:    &fakeIngestor{autoConnect: true},
		health: &fakeHealth{result: true},
		syncer: &fakeSyncer{},
		status: make(chan Status, 64),
	}
	h.ctrl = New(cfg, h.api, h.capt, h.ing, h.health, h.syncer, nil)
	h.ctrl.OnStatus(func(st Status) {
		select {
		case h.status <- st:
		default:
		}
	})
	t.Cleanup(h.ctrl.Close)
	return h
}

func (h *harness) waitPhase(t *testing.T, phase Phase, timeout time.Duration) Status {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case st := <-h.status:
			if st.Phase == phase {
				return st
			}
		case <-deadline:
			t.Fatalf("never reached phase %q, current %q", phase, h.ctrl.Status().Phase)
		}
	}
}

func TestStartHappyPath(t *testing.T) {
	h := newHarness(t, nil)

	h.ctrl.Start()
	st := h.waitPhase(t, PhaseCountdown, time.Second)
	assert.Equal(t, 1, st.CountdownRemaining)

	st = h.waitPhase(t, PhaseStreaming, 3*time.Second)
	assert.Equal(t, "sess-1", st.SessionID)
	assert.Equal(t, "play-sess-1", st.PlaybackID)
	assert.Zero(t, st.CountdownRemaining)
}

func TestStartWhileActiveIsNoOp(t *testing.T) {
	h := newHarness(t, nil)

	h.ctrl.Start()
	h.waitPhase(t, PhaseStreaming, 3*time.Second)

	h.ctrl.Start()
	time.Sleep(20 * time.Millisecond)
	h.api.mu.Lock()
	created := len(h.api.created)
	h.api.mu.Unlock()
	assert.Equal(t, 1, created, "second start must not create another session")
}

func TestStartEvictsConflictingSession(t *testing.T) {
	h := newHarness(t, nil)
	h.api.createErrs = []error{&session.ConflictError{ActiveStreamID: "stale-9"}}

	h.ctrl.Start()
	h.waitPhase(t, PhaseStreaming, 3*time.Second)
	assert.Contains(t, h.api.deletedIDs(), "stale-9")
}

func TestCameraFailureFailsFast(t *testing.T) {
	h := newHarness(t, nil)
	h.capt.acquireErr = &capture.Error{Kind: capture.DeviceNotFound, Device: "/dev/video0"}

	h.ctrl.Start()
	st := h.waitPhase(t, PhaseError, time.Second)
	assert.NotEmpty(t, st.Message)

	releases := 0
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.capt.mu.Lock()
		releases = h.capt.releases
		h.capt.mu.Unlock()
		if releases >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, releases, 1, "camera must be released on failure")
}

func TestStopReturnsIdleImmediatelyAndTearsDownAsync(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.Start()
	h.waitPhase(t, PhaseStreaming, 3*time.Second)

	h.ctrl.Stop()
	assert.Equal(t, PhaseIdle, h.ctrl.Status().Phase)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(h.api.deletedIDs()) > 0 && len(h.api.releasedIDs()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Contains(t, h.api.deletedIDs(), "sess-1")
	assert.Contains(t, h.api.releasedIDs(), "sess-1")
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.Start()
	h.waitPhase(t, PhaseStreaming, 3*time.Second)

	h.ctrl.Stop()
	h.ctrl.Stop()
	h.ctrl.Stop()
	assert.Equal(t, PhaseIdle, h.ctrl.Status().Phase)
}

func TestStopDuringCountdownDiscardsLateFailures(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.CountdownSeconds = 5 })
	h.health.result = true
	h.ing.autoConnect = false

	h.ctrl.Start()
	h.waitPhase(t, PhaseCountdown, time.Second)
	h.ctrl.Stop()

	// A late ingest failure for the torn-down session must not resurface as
	// an error status.
	h.ing.emit("sess-1", ingest.StateFailed)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, PhaseIdle, h.ctrl.Status().Phase)
}

func TestStopThenStartDoesNotLeakAbortedRun(t *testing.T) {
	h := newHarness(t, nil)
	h.api.createBlock = make(chan struct{})
	entered := make(chan struct{})
	h.api.createEntered = entered

	h.ctrl.Start()
	<-entered

	// The first run is parked inside Create. Stop cancels its context; the
	// immediate restart must own the camera and the connection from here on.
	h.ctrl.Stop()
	h.ctrl.Start()

	st := h.waitPhase(t, PhaseStreaming, 3*time.Second)
	assert.Equal(t, "sess-1", st.SessionID)

	// Give the aborted run's cancelled Create time to surface its failure; it
	// must be dropped, not published over the live stream.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, PhaseStreaming, h.ctrl.Status().Phase)

	h.capt.mu.Lock()
	releases := h.capt.releases
	h.capt.mu.Unlock()
	assert.LessOrEqual(t, releases, 1, "the aborted run must not tear down the live camera")
}

func TestIngestClosedWhileStreamingResetsToIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.Start()
	st := h.waitPhase(t, PhaseStreaming, 3*time.Second)

	h.ing.emit(st.SessionID, ingest.StateClosed)
	h.waitPhase(t, PhaseIdle, time.Second)
	assert.Empty(t, h.ctrl.Status().Message, "close after streaming is not an error")
}

func TestIngestClosedBeforeStreamingIsError(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.CountdownSeconds = 5 })
	h.ing.autoConnect = false
	h.ctrl.Start()
	h.waitPhase(t, PhaseCountdown, time.Second)

	h.ing.emit("sess-1", ingest.StateClosed)
	st := h.waitPhase(t, PhaseError, time.Second)
	assert.Contains(t, st.Message, "closed before")
}

func TestIngestRetriesWithinWarmup(t *testing.T) {
	h := newHarness(t, nil)
	h.ing.connectErrs = []error{
		&retryableErr{"whip rejected: status 503: warming up"},
		&retryableErr{"whip rejected: status 503: warming up"},
	}

	h.ctrl.Start()
	h.waitPhase(t, PhaseStreaming, 3*time.Second)

	h.ing.mu.Lock()
	connects := h.ing.connects
	h.ing.mu.Unlock()
	assert.Equal(t, 3, connects)
}

func TestIngestTerminalErrorFails(t *testing.T) {
	h := newHarness(t, nil)
	h.ing.connectErrs = []error{&retryableErr{"whip rejected: status 401: bad token"}}

	h.ctrl.Start()
	h.waitPhase(t, PhaseError, 3*time.Second)

	h.ing.mu.Lock()
	connects := h.ing.connects
	h.ing.mu.Unlock()
	assert.Equal(t, 1, connects, "terminal rejection must not be retried")
}

func TestGraceTimeoutFailsWhenNothingConnects(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.StartupGrace = 50 * time.Millisecond
		cfg.IngestRetry = retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	})
	h.ing.autoConnect = false
	h.health.result = false

	h.ctrl.Start()
	st := h.waitPhase(t, PhaseError, 5*time.Second)
	assert.Contains(t, st.Message, "did not become ready")
}

func TestRetryDreamRestarts(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.Start()
	h.waitPhase(t, PhaseStreaming, 3*time.Second)

	h.ctrl.RetryDream()
	assert.Equal(t, PhaseIdle, h.ctrl.Status().Phase)
	h.waitPhase(t, PhaseStreaming, 5*time.Second)

	h.api.mu.Lock()
	created := len(h.api.created)
	h.api.mu.Unlock()
	assert.Equal(t, 2, created)
}

func TestSetPromptWhileIdleDoesNotSync(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.SetPrompt("midnight garden")
	assert.Equal(t, "midnight garden", h.ctrl.CurrentPrompt())

	h.syncer.mu.Lock()
	synced := len(h.syncer.synced)
	h.syncer.mu.Unlock()
	assert.Zero(t, synced, "no session to sync against yet")
}

func TestSetPromptWhileLiveSyncs(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.Start()
	h.waitPhase(t, PhaseStreaming, 3*time.Second)

	h.ctrl.SetPrompt("midnight garden")
	h.syncer.mu.Lock()
	synced := append([]string(nil), h.syncer.synced...)
	h.syncer.mu.Unlock()
	require.Len(t, synced, 1)
	assert.Equal(t, "midnight garden", synced[0])
}

func TestHistoryRecordsTransitions(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.Start()
	h.waitPhase(t, PhaseStreaming, 3*time.Second)
	h.ctrl.Stop()

	history := h.ctrl.History()
	require.NotEmpty(t, history)
	phases := make([]Phase, 0, len(history))
	for _, st := range history {
		phases = append(phases, st.Phase)
	}
	assert.Contains(t, phases, PhaseCountdown)
	assert.Contains(t, phases, PhaseStreaming)
	assert.Equal(t, PhaseIdle, history[len(history)-1].Phase)
}

type retryableErr struct{ msg string }

func (e *retryableErr) Error() string { return e.msg }

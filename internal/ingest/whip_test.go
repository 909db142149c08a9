package ingest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	retryable := []string{
		"whip rejected: status 404: stream not ready",
		"whip rejected: status 429: busy",
		"whip rejected: status 503: upstream unavailable",
		"post offer: dial tcp: connection refused",
		"context deadline exceeded",
	}
	for _, msg := range retryable {
		assert.True(t, IsRetryable(msg), msg)
	}

	terminal := []string{
		"whip rejected: status 401: token expired",
		"whip rejected: status 403: Forbidden",
		"unauthorized",
		"invalid token",
		"auth failure",
	}
	for _, msg := range terminal {
		assert.False(t, IsRetryable(msg), msg)
	}
}

func TestParseICEServers(t *testing.T) {
	assert.Equal(t, defaultICE, parseICEServers(nil))
	assert.Equal(t, defaultICE, parseICEServers([]string{"", ""}))

	servers := parseICEServers([]string{"stun:stun.example.com:3478", "", "turn:turn.example.com"})
	require.Len(t, servers, 2)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, servers[0].URLs)
}

func TestPostOfferSuccessResolvesLocation(t *testing.T) {
	var gotContentType, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Location", "/whip/resource/abc")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("v=0\r\nanswer"))
	}))
	defer srv.Close()

	m := NewManager(nil, nil, "token-1")
	answer, resourceURL, err := m.postOffer(context.Background(), srv.URL+"/whip", "v=0\r\noffer")
	require.NoError(t, err)
	assert.Equal(t, "v=0\r\nanswer", answer)
	assert.Equal(t, srv.URL+"/whip/resource/abc", resourceURL)
	assert.Equal(t, "application/sdp", gotContentType)
	assert.Equal(t, "Bearer token-1", gotAuth)
	assert.Equal(t, "v=0\r\noffer", gotBody)
}

func TestPostOfferRejectionCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("warming up"))
	}))
	defer srv.Close()

	m := NewManager(nil, nil, "")
	_, _, err := m.postOffer(context.Background(), srv.URL, "v=0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.True(t, IsRetryable(err.Error()))
}

func TestPostOfferAuthRejectionIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("token expired"))
	}))
	defer srv.Close()

	m := NewManager(nil, nil, "stale")
	_, _, err := m.postOffer(context.Background(), srv.URL, "v=0")
	require.Error(t, err)
	assert.False(t, IsRetryable(err.Error()))
}

func TestDisconnectIdempotent(t *testing.T) {
	m := NewManager(nil, nil, "")
	m.Disconnect()
	m.Disconnect()
}

func TestDisconnectDeletesResource(t *testing.T) {
	deleted := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted <- r.URL.Path
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager(nil, nil, "")
	m.mu.Lock()
	m.resourceURL = srv.URL + "/whip/resource/abc"
	m.sessionID = "s1"
	m.mu.Unlock()

	m.Disconnect()
	select {
	case path := <-deleted:
		assert.Equal(t, "/whip/resource/abc", path)
	default:
		t.Fatal("resource DELETE not sent")
	}

	// Second disconnect has nothing left to delete.
	m.Disconnect()
	assert.Empty(t, deleted)
}

func TestPeerStateMapping(t *testing.T) {
	m := NewManager(nil, nil, "")
	var events []State
	m.OnStateChange(func(id string, s State) { events = append(events, s) })

	m.handlePCState("s1", webrtc.PeerConnectionStateConnecting)
	m.handlePCState("s1", webrtc.PeerConnectionStateConnected)
	assert.Equal(t, []State{StateConnected}, events)

	// A transient ICE drop often recovers by itself; it must not read as the
	// end of the stream. Only failed or closed is surfaced.
	m.handlePCState("s1", webrtc.PeerConnectionStateDisconnected)
	assert.Equal(t, []State{StateConnected}, events)

	m.handlePCState("s1", webrtc.PeerConnectionStateFailed)
	m.handlePCState("s1", webrtc.PeerConnectionStateClosed)
	assert.Equal(t, []State{StateConnected, StateFailed, StateClosed}, events)
}

func TestObserverDispose(t *testing.T) {
	m := NewManager(nil, nil, "")
	var events []State
	dispose := m.OnStateChange(func(id string, s State) { events = append(events, s) })

	m.notify("s1", StateNegotiating)
	assert.Equal(t, []State{StateNegotiating}, events)

	dispose()
	m.notify("s1", StateConnected)
	assert.Len(t, events, 1)
}

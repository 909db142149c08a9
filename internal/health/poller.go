// Package health confirms that a remote session's inference pipeline is
// actually producing output, which is a different question from "the WebRTC
// transport connected".
package health

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dreamcast/orchestrator/internal/session"
)

// StatusGetter fetches remote session status.
type StatusGetter interface {
	GetStatus(ctx context.Context, sessionID string) (*session.Status, error)
}

// Poller repeatedly queries session status until the pipeline reports
// activity.
type Poller struct {
	client StatusGetter
	log    *zap.Logger
}

// NewPoller creates a health poller.
func NewPoller(client StatusGetter, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{client: client, log: log}
}

// PollUntilActive polls until the session reports activity or the attempt
// budget runs out. While withinWarmup still holds, polling continues past the
// nominal cap: the backend's cold start can outlast any fixed budget.
// 404/409/429/5xx responses mean "not warmed up yet" and keep the loop going.
// Returns false on exhaustion or context cancellation.
func (p *Poller) PollUntilActive(ctx context.Context, sessionID string, maxAttempts int, interval time.Duration, withinWarmup func() bool) bool {
	if withinWarmup == nil {
		withinWarmup = func() bool { return false }
	}
	for attempt := 0; ; attempt++ {
		if attempt >= maxAttempts && !withinWarmup() {
			p.log.Info("health poll exhausted",
				zap.String("session_id", sessionID),
				zap.Int("attempts", attempt),
			)
			return false
		}

		status, err := p.client.GetStatus(ctx, sessionID)
		switch {
		case err == nil && status.Active():
			p.log.Info("session healthy", zap.String("session_id", sessionID), zap.Int("attempts", attempt+1))
			return true
		case err != nil:
			var apiErr *session.APIError
			if errors.As(err, &apiErr) {
				// 404/409/429/5xx usually mean the pipeline is still
				// spinning up, not that anything is wrong.
				p.log.Debug("health poll not ready",
					zap.String("session_id", sessionID),
					zap.Int("status", apiErr.StatusCode),
				)
			} else if ctx.Err() != nil {
				return false
			} else {
				p.log.Debug("health poll error", zap.String("session_id", sessionID), zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
}

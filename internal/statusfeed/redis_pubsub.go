package statusfeed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	statusChannel = "dreamcast:status"
	publishTTL    = 5 * time.Second
)

// redisEnvelope wraps a status payload with a timestamp for consumers that
// need to discard stale messages.
type redisEnvelope struct {
	Data json.RawMessage `json:"data"`
	At   int64           `json:"at"`
}

// RedisMirror publishes status snapshots to a Redis channel so dashboards and
// sibling processes can observe the stream without a WebSocket to the daemon.
type RedisMirror struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisMirror creates a Redis status mirror.
func NewRedisMirror(client *redis.Client, logger *zap.Logger) *RedisMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{client: client, logger: logger}
}

// PublishStatus publishes one status snapshot. Best effort with a short
// deadline; a slow Redis must not slow the controller down.
func (r *RedisMirror) PublishStatus(payload []byte) error {
	body, err := json.Marshal(redisEnvelope{Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTTL)
	defer cancel()
	return r.client.Publish(ctx, statusChannel, body).Err()
}

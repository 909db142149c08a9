// Package config loads orchestrator configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server  Server
	API     API
	Capture Capture
	Stream  Stream
	WebRTC  WebRTC
	Redis   Redis
	JWT     JWT
}

// Server holds control-plane HTTP settings.
type Server struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string
}

// API holds remote session API settings.
type API struct {
	BaseURL string
	Key     string
	Timeout time.Duration
}

// Capture holds camera and surface settings.
type Capture struct {
	Device      string
	SurfaceSize int
	TargetFPS   int
}

// Stream tunes the lifecycle: countdown, warmup, retries, backoff.
type Stream struct {
	DefaultPrompt        string
	ModelID              string
	CountdownSeconds     int
	WarmupWindow         time.Duration
	StartupGrace         time.Duration
	HealthInterval       time.Duration
	HealthMaxAttempts    int
	IngestMaxAttempts    int
	IngestBaseDelay      time.Duration
	IngestMaxDelay       time.Duration
	SyncFailureThreshold int
	SyncBaseDelay        time.Duration
	SyncMaxDelay         time.Duration
	RestartDelay         time.Duration
}

// WebRTC holds STUN/TURN ICE server URLs.
type WebRTC struct {
	ICEUrls []string
}

// Redis holds the optional status-mirror connection. Empty Addr disables it.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

// JWT holds control-plane auth settings. Empty Secret disables auth.
type JWT struct {
	Secret      string
	ExpireHours int
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: Server{
			Port:               getEnv("PORT", "8090"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		API: API{
			BaseURL: getEnv("DREAM_API_BASE_URL", "https://api.daydream.live/v1"),
			Key:     getEnv("DREAM_API_KEY", ""),
			Timeout: getEnvDuration("DREAM_API_TIMEOUT_MS", 15000),
		},
		Capture: Capture{
			Device:      getEnv("CAMERA_DEVICE", "/dev/video0"),
			SurfaceSize: getEnvInt("CAPTURE_SURFACE_SIZE", 512),
			TargetFPS:   getEnvInt("CAPTURE_TARGET_FPS", 24),
		},
		Stream: Stream{
			DefaultPrompt:        getEnv("DREAM_DEFAULT_PROMPT", "a lucid dream in watercolor"),
			ModelID:              getEnv("DREAM_MODEL_ID", "streamdiffusion"),
			CountdownSeconds:     getEnvInt("DREAM_COUNTDOWN_SEC", 15),
			WarmupWindow:         getEnvDuration("DREAM_WARMUP_MS", 60000),
			StartupGrace:         getEnvDuration("DREAM_STARTUP_GRACE_MS", 30000),
			HealthInterval:       getEnvDuration("HEALTH_POLL_INTERVAL_MS", 2000),
			HealthMaxAttempts:    getEnvInt("HEALTH_POLL_MAX_ATTEMPTS", 30),
			IngestMaxAttempts:    getEnvInt("INGEST_RETRY_MAX_ATTEMPTS", 5),
			IngestBaseDelay:      getEnvDuration("INGEST_RETRY_BASE_DELAY_MS", 1000),
			IngestMaxDelay:       getEnvDuration("INGEST_RETRY_MAX_DELAY_MS", 10000),
			SyncFailureThreshold: getEnvInt("PROMPT_SYNC_FAILURE_THRESHOLD", 5),
			SyncBaseDelay:        getEnvDuration("PROMPT_SYNC_BASE_DELAY_MS", 1000),
			SyncMaxDelay:         getEnvDuration("PROMPT_SYNC_MAX_DELAY_MS", 15000),
			RestartDelay:         getEnvDuration("DREAM_RESTART_DELAY_MS", 1500),
		},
		WebRTC: WebRTC{
			ICEUrls: splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
		},
		Redis: Redis{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWT{
			Secret:      getEnv("CONTROL_JWT_SECRET", ""),
			ExpireHours: getEnvInt("CONTROL_JWT_EXPIRE_HOURS", 24),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallbackMs int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackMs)) * time.Millisecond
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration parses the variable with time.ParseDuration ("10s", "1m").
// Unset, empty or unparsable values yield fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

// GetEnvList splits a comma separated variable, dropping empty entries.
func GetEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Settings is the full process configuration.
type Settings struct {
	Port      string
	LogLevel  string
	LogFormat string

	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	UpstreamURL     string
	UpstreamToken   string
	UpstreamUser    string
	UpstreamTimeout time.Duration

	PublicBaseURL string
	DevBaseURL    string
	CORSOrigins   []string

	ReapInterval       time.Duration
	SessionIdleTimeout time.Duration

	SegmentRetryAttempts int
	SegmentRetryDelay    time.Duration

	CancelWorkers   int
	CancelQueueSize int
	CancelTimeout   time.Duration
}

// ErrMissingSetting is wrapped by FromEnv when a required key is unset.
var ErrMissingSetting = errors.New("missing required setting")

// FromEnv builds Settings from the environment, applying defaults.
func FromEnv() (Settings, error) {
	s := Settings{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		LogFile:       GetEnv("LOG_FILE", ""),
		LogMaxSizeMB:  GetEnvInt("LOG_MAX_SIZE_MB", 50),
		LogMaxBackups: GetEnvInt("LOG_MAX_BACKUPS", 3),
		LogMaxAgeDays: GetEnvInt("LOG_MAX_AGE_DAYS", 14),

		UpstreamURL:     strings.TrimRight(GetEnv("MONOBAR_BACKEND", ""), "/"),
		UpstreamToken:   GetEnv("MONOBAR_TOKEN", ""),
		UpstreamUser:    GetEnv("MONOBAR_USER", ""),
		UpstreamTimeout: GetEnvDuration("UPSTREAM_TIMEOUT", 15*time.Second),

		PublicBaseURL: strings.TrimRight(GetEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		DevBaseURL:    strings.TrimRight(GetEnv("DEV_BASE_URL", ""), "/"),
		CORSOrigins:   GetEnvList("CORS_ALLOWED_ORIGINS"),

		ReapInterval:       GetEnvDuration("REAP_INTERVAL", 10*time.Second),
		SessionIdleTimeout: GetEnvDuration("SESSION_IDLE_TIMEOUT", 60*time.Second),

		SegmentRetryAttempts: GetEnvInt("SEGMENT_RETRY_ATTEMPTS", 5),
		SegmentRetryDelay:    GetEnvDuration("SEGMENT_RETRY_DELAY", time.Second),

		CancelWorkers:   GetEnvInt("CANCEL_WORKERS", 4),
		CancelQueueSize: GetEnvInt("CANCEL_QUEUE_SIZE", 256),
		CancelTimeout:   GetEnvDuration("CANCEL_TIMEOUT", 10*time.Second),
	}

	for key, val := range map[string]string{
		"MONOBAR_BACKEND": s.UpstreamURL,
		"MONOBAR_TOKEN":   s.UpstreamToken,
		"MONOBAR_USER":    s.UpstreamUser,
	} {
		if val == "" {
			return s, fmt.Errorf("%w: %s", ErrMissingSetting, key)
		}
	}
	return s, nil
}

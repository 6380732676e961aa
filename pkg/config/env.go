package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment overrides
const (
	EnvChannelTimeout  = "BURROW_CHANNEL_TIMEOUT"
	EnvDownloadTimeout = "BURROW_DOWNLOAD_TIMEOUT"
	EnvMockUpdate      = "BURROW_IS_MOCK_UPDATE"
	EnvConfig          = "BURROW_CONFIG"
)

const (
	MinChannelTimeout      = 30 * time.Second
	MaxChannelTimeout      = 300 * time.Second
	DefaultDownloadTimeout = 15 * time.Minute
)

// ChannelTimeout returns the bounded timeout for sends to a worker.
// The value is read in seconds and clamped to [30s, 300s].
func ChannelTimeout() time.Duration {
	d := MinChannelTimeout
	if secs, ok := envInt(EnvChannelTimeout); ok {
		d = time.Duration(secs) * time.Second
	}
	if d < MinChannelTimeout {
		return MinChannelTimeout
	}
	if d > MaxChannelTimeout {
		return MaxChannelTimeout
	}
	return d
}

// DownloadTimeout returns the per-attempt package download timeout.
func DownloadTimeout() time.Duration {
	if secs, ok := envInt(EnvDownloadTimeout); ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return DefaultDownloadTimeout
}

// MockUpdate reports whether self-update should use a local archive.
func MockUpdate() bool {
	return envBool(EnvMockUpdate)
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return err == nil && b
}

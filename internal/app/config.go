package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/envelopes/internal/connectivity"
	"github.com/MarkoPoloResearchLab/envelopes/internal/session"
	"github.com/MarkoPoloResearchLab/envelopes/internal/store/gormstore"
)

const (
	defaultListenAddr    = "127.0.0.1:9191"
	defaultStateDir      = "./data"
	defaultSessionIssuer = "tauth"
	defaultSessionCookie = "app_session"
	defaultProbeTimeout  = 4 * time.Second
	defaultCheckInterval = 30 * time.Second
	defaultPollInterval  = 5 * time.Second

	cacheFileName   = "ledger-cache.json"
	sessionFileName = "session.json"
)

// Config aggregates runtime settings for the envelopes service.
type Config struct {
	ListenAddr     string
	StateDir       string
	FallbackPath   string
	DatabaseURL    string
	NotifyChannel  string
	PollInterval   time.Duration
	AllowedOrigins []string

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	GracePeriod       time.Duration

	ProbeTargets  []string
	ProbeTimeout  time.Duration
	CheckInterval time.Duration
	WatchFiles    []string
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.StateDir = defaultIfEmpty(cfg.StateDir, defaultStateDir)
	cfg.NotifyChannel = defaultIfEmpty(cfg.NotifyChannel, gormstore.DefaultNotifyChannel)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = session.DefaultGracePeriod
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.ProbeTargets == nil {
		cfg.ProbeTargets = append([]string{}, connectivity.DefaultProbeTargets...)
	}
	if cfg.WatchFiles == nil {
		cfg.WatchFiles = append([]string{}, connectivity.DefaultWatchedFiles...)
	}

	if cfg.GracePeriod < 0 {
		return fmt.Errorf("grace period must not be negative")
	}
	if strings.TrimSpace(cfg.DatabaseURL) != "" && len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required when a database url is set")
	}
	if _, err := connectivity.ParseProbes(cfg.ProbeTargets); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.DatabaseURL) != "" && len(cfg.ProbeTargets) == 0 {
		return fmt.Errorf("at least one connectivity probe is required when a database url is set")
	}
	return nil
}

// LocalOnly reports whether the service runs without a remote store.
func (cfg Config) LocalOnly() bool {
	return strings.TrimSpace(cfg.DatabaseURL) == ""
}

// AuthEnabled reports whether session tokens are checked.
func (cfg Config) AuthEnabled() bool {
	return len(cfg.SessionSigningKey) > 0
}

// CachePath is where the local copy of the ledger is kept between runs.
func (cfg Config) CachePath() string {
	return filepath.Join(cfg.StateDir, cacheFileName)
}

// SessionStatePath is where the last successful authentication is remembered.
func (cfg Config) SessionStatePath() string {
	return filepath.Join(cfg.StateDir, sessionFileName)
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseList splits comma-delimited values such as origins or probe targets into a slice.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

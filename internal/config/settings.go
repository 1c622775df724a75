package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/ytget/subfeed/internal/platform"
)

// Settings keys, read from the environment
const (
	KeyProfileDir       = "SUBFEED_PROFILE_DIR"
	KeyBrowserBin       = "SUBFEED_BROWSER_BIN"
	KeyFeedURL          = "SUBFEED_FEED_URL"
	KeyDownloadDir      = "SUBFEED_DOWNLOAD_DIR"
	KeyMaxVideos        = "SUBFEED_MAX_VIDEOS"
	KeyMaxAge           = "SUBFEED_MAX_AGE"
	KeyMaxDuration      = "SUBFEED_MAX_DURATION"
	KeyMaxParallel      = "SUBFEED_MAX_PARALLEL"
	KeySettleInterval   = "SUBFEED_SETTLE_INTERVAL"
	KeyStallThreshold   = "SUBFEED_STALL_THRESHOLD"
	KeyItemTimeout      = "SUBFEED_ITEM_TIMEOUT"
	KeyDownloadInterval = "SUBFEED_DOWNLOAD_INTERVAL"
	KeyMetricsAddr      = "SUBFEED_METRICS_ADDR"
	KeyAgeCutoff        = "SUBFEED_AGE_CUTOFF"
	KeyLogLevel         = "SUBFEED_LOG_LEVEL"
)

// Age cutoff policies
const (
	AgeCutoffLast   = "last"
	AgeCutoffOldest = "oldest"
)

// Default values
const (
	DefaultFeedURL          = "https://www.youtube.com/feed/subscriptions"
	DefaultMaxVideos        = 30
	DefaultMaxAge           = 72 * time.Hour
	DefaultMaxDuration      = 500
	DefaultMaxParallel      = 2
	DefaultSettleInterval   = 3 * time.Second
	DefaultStallThreshold   = 3
	DefaultItemTimeout      = 30 * time.Minute
	DefaultDownloadInterval = 2 * time.Second
	DefaultAgeCutoff        = AgeCutoffLast
	DefaultEnvFile          = ".env"
	DownloadSubdir          = "subfeed"

	MinParallel = 1
	MaxParallel = 10
)

// LookupFunc resolves a key the way os.LookupEnv does
type LookupFunc func(key string) (string, bool)

// Settings manages application configuration. Values set through the setters
// take precedence over the environment.
type Settings struct {
	lookup    LookupFunc
	mu        sync.RWMutex
	overrides map[string]string
}

// NewSettings creates a settings manager reading from lookup.
// A nil lookup reads the process environment.
func NewSettings(lookup LookupFunc) *Settings {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &Settings{lookup: lookup, overrides: make(map[string]string)}
}

// LoadDotEnv seeds the process environment from a .env file without
// overriding variables that are already set. An empty path loads .env from
// the working directory and tolerates its absence.
func LoadDotEnv(path string) error {
	if path == "" {
		err := godotenv.Load(DefaultEnvFile)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

func (s *Settings) value(key string) string {
	s.mu.RLock()
	v, ok := s.overrides[key]
	s.mu.RUnlock()
	if ok {
		return v
	}
	v, _ = s.lookup(key)
	return strings.TrimSpace(v)
}

func (s *Settings) set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[key] = value
}

func (s *Settings) intValue(key string, fallback int) int {
	n, err := strconv.Atoi(s.value(key))
	if err != nil {
		return fallback
	}
	return n
}

func (s *Settings) durationValue(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s.value(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetProfileDir returns the Chrome user data directory holding the signed-in
// session
func (s *Settings) GetProfileDir() string {
	if dir := s.value(KeyProfileDir); dir != "" {
		return dir
	}
	dir, err := platform.DefaultChromeProfileDir()
	if err != nil {
		return ""
	}
	return dir
}

// SetProfileDir sets the Chrome user data directory
func (s *Settings) SetProfileDir(dir string) {
	s.set(KeyProfileDir, dir)
}

// GetBrowserBin returns the browser executable; empty lets the launcher pick one
func (s *Settings) GetBrowserBin() string {
	return s.value(KeyBrowserBin)
}

// GetFeedURL returns the subscription feed address
func (s *Settings) GetFeedURL() string {
	if u := s.value(KeyFeedURL); u != "" {
		return u
	}
	return DefaultFeedURL
}

// GetDownloadDirectory returns the configured download directory
func (s *Settings) GetDownloadDirectory() string {
	if dir := s.value(KeyDownloadDir); dir != "" {
		return dir
	}
	// Use system default Downloads directory
	base, err := platform.GetHomeDownloadsDir()
	if err != nil {
		base = filepath.Join(os.TempDir(), "downloads")
	}
	return filepath.Join(base, DownloadSubdir)
}

// SetDownloadDirectory sets the download directory
func (s *Settings) SetDownloadDirectory(dir string) {
	s.set(KeyDownloadDir, dir)
}

// GetMaxVideos returns how many videos a crawl collects at most
func (s *Settings) GetMaxVideos() int {
	if n := s.intValue(KeyMaxVideos, DefaultMaxVideos); n > 0 {
		return n
	}
	return DefaultMaxVideos
}

// SetMaxVideos sets the crawl size limit
func (s *Settings) SetMaxVideos(n int) {
	s.set(KeyMaxVideos, strconv.Itoa(n))
}

// GetMaxAge returns how far back a crawl reaches
func (s *Settings) GetMaxAge() time.Duration {
	return s.durationValue(KeyMaxAge, DefaultMaxAge)
}

// SetMaxAge sets how far back a crawl reaches
func (s *Settings) SetMaxAge(d time.Duration) {
	s.set(KeyMaxAge, d.String())
}

// GetMaxDuration returns the longest video, in seconds, that is downloaded.
// Zero disables the filter.
func (s *Settings) GetMaxDuration() int {
	if n := s.intValue(KeyMaxDuration, DefaultMaxDuration); n >= 0 {
		return n
	}
	return DefaultMaxDuration
}

// SetMaxDuration sets the download length limit in seconds
func (s *Settings) SetMaxDuration(seconds int) {
	s.set(KeyMaxDuration, strconv.Itoa(seconds))
}

// GetMaxParallelDownloads returns the maximum number of parallel downloads
func (s *Settings) GetMaxParallelDownloads() int {
	value := s.intValue(KeyMaxParallel, 0)
	if value <= 0 {
		return DefaultMaxParallel
	}
	return min(value, MaxParallel)
}

// SetMaxParallelDownloads sets the maximum number of parallel downloads
func (s *Settings) SetMaxParallelDownloads(count int) {
	if count < MinParallel {
		count = MinParallel
	}
	if count > MaxParallel {
		count = MaxParallel
	}
	s.set(KeyMaxParallel, strconv.Itoa(count))
}

// GetSettleInterval returns the wait after each scroll
func (s *Settings) GetSettleInterval() time.Duration {
	return s.durationValue(KeySettleInterval, DefaultSettleInterval)
}

// GetStallThreshold returns how many unproductive scrolls end a crawl
func (s *Settings) GetStallThreshold() int {
	if n := s.intValue(KeyStallThreshold, DefaultStallThreshold); n > 0 {
		return n
	}
	return DefaultStallThreshold
}

// GetItemTimeout returns the time limit for one download
func (s *Settings) GetItemTimeout() time.Duration {
	return s.durationValue(KeyItemTimeout, DefaultItemTimeout)
}

// GetDownloadInterval returns the minimum gap between download starts.
// Zero disables pacing; invalid or negative values fall back to the default.
func (s *Settings) GetDownloadInterval() time.Duration {
	d, err := time.ParseDuration(s.value(KeyDownloadInterval))
	if err != nil || d < 0 {
		return DefaultDownloadInterval
	}
	return d
}

// SetDownloadInterval sets the minimum gap between download starts
func (s *Settings) SetDownloadInterval(d time.Duration) {
	s.set(KeyDownloadInterval, d.String())
}

// GetMetricsAddr returns the metrics listen address; empty disables the endpoint
func (s *Settings) GetMetricsAddr() string {
	return s.value(KeyMetricsAddr)
}

// SetMetricsAddr sets the metrics listen address
func (s *Settings) SetMetricsAddr(addr string) {
	s.set(KeyMetricsAddr, addr)
}

// GetAgeCutoff returns the age cutoff policy
func (s *Settings) GetAgeCutoff() string {
	switch v := strings.ToLower(s.value(KeyAgeCutoff)); v {
	case AgeCutoffLast, AgeCutoffOldest:
		return v
	default:
		return DefaultAgeCutoff
	}
}

// GetLogLevel returns the configured log level, Info when unset or invalid
func (s *Settings) GetLogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.value(KeyLogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

package config

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Source kinds supported by the source adapters.
const (
	SourceTimecare = "timecare"
	SourceICS      = "ics"
)

// SourceConfig describes where a calendar's raw schedule records come from.
type SourceConfig struct {
	// Type selects the adapter: "timecare" (JSON record API) or "ics"
	// (plain iCalendar subscription URL).
	Type string `yaml:"type" json:"type"`
	// URL is the upstream endpoint.
	URL string `yaml:"url" json:"url"`
	// Username / Password are upstream credentials (basic auth).
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// CalendarConfig describes one published calendar feed.
type CalendarConfig struct {
	// ID is the internal identifier used for logging and cache keying.
	ID string `yaml:"id" json:"id"`
	// Name is the human-facing calendar name (X-WR-CALNAME).
	Name string `yaml:"name" json:"name"`
	// Timezone overrides the global feed timezone for this calendar.
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	// Token, if set, is the exact URL token. If empty, a token is
	// derived from the service token secret and the calendar identity.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`

	Source SourceConfig `yaml:"source" json:"source"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the feed endpoints.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the default IANA feed timezone (X-WR-TIMEZONE).
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug/info/warn/error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// RefreshCron is a cron expression for background cache warming,
	// e.g. "0 6 * * *" for a daily refresh at 06:00.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// CacheTTLSeconds is how long a generated feed snapshot is served
	// without regeneration.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`

	// HorizonDays / BackfillDays bound the expansion window around now.
	HorizonDays  int `yaml:"horizon_days" json:"horizon_days"`
	BackfillDays int `yaml:"backfill_days" json:"backfill_days"`

	// FetchTimeoutSeconds bounds a single upstream fetch attempt.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`
	// FetchAttempts is the total upstream attempt budget per generation.
	FetchAttempts int `yaml:"fetch_attempts" json:"fetch_attempts"`

	// TokenSecret keys the HMAC used to derive calendar URL tokens.
	TokenSecret string `yaml:"token_secret" json:"token_secret"`

	// Calendars is the list of published feeds.
	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:              "0.0.0.0:8000",
		Timezone:            "Europe/Stockholm",
		LogLevel:            "info",
		RefreshCron:         "0 6 * * *",
		CacheTTLSeconds:     900,
		HorizonDays:         60,
		BackfillDays:        90,
		FetchTimeoutSeconds: 30,
		FetchAttempts:       3,
		TokenSecret:         "",
		Calendars:           []CalendarConfig{},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "0.0.0.0:8000"
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Stockholm"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "0 6 * * *"
	}
	if c.CacheTTLSeconds <= 0 {
		c.CacheTTLSeconds = 900
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 60
	}
	if c.BackfillDays < 0 {
		c.BackfillDays = 0
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = 30
	}
	if c.FetchAttempts <= 0 {
		c.FetchAttempts = 3
	}
	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
	for i := range c.Calendars {
		cal := &c.Calendars[i]
		if cal.Timezone == "" {
			cal.Timezone = c.Timezone
		}
		if cal.ID == "" {
			cal.ID = cal.Name
		}
	}
}

// Validate rejects configurations that cannot run: duplicate or missing
// calendar IDs and unknown source types.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Calendars))
	for _, cal := range c.Calendars {
		if cal.ID == "" {
			return errors.New("calendar with empty id")
		}
		if seen[cal.ID] {
			return fmt.Errorf("duplicate calendar id %q", cal.ID)
		}
		seen[cal.ID] = true
		switch cal.Source.Type {
		case SourceTimecare, SourceICS:
		default:
			return fmt.Errorf("calendar %q: unknown source type %q", cal.ID, cal.Source.Type)
		}
		if cal.Source.URL == "" {
			return fmt.Errorf("calendar %q: source url is empty", cal.ID)
		}
	}
	return nil
}

// FeedToken returns the URL token for a calendar: the explicitly
// configured one, or a deterministic HMAC-SHA256 of the calendar
// identity and its upstream credentials keyed by the service secret
// (truncated to 32 hex chars).
func (c *Config) FeedToken(cal *CalendarConfig) string {
	if cal.Token != "" {
		return cal.Token
	}
	mac := hmac.New(sha256.New, []byte(c.TokenSecret))
	fmt.Fprintf(mac, "%s:%s:%s", cal.ID, cal.Source.Username, cal.Source.Password)
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// CacheTTL returns CacheTTLSeconds as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// FetchTimeout returns FetchTimeoutSeconds as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist: create parent directory if needed,
//     write a default config with 0600 perms, and return the defaults.
//   - If the file exists: read YAML, unmarshal, normalize, validate.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to path atomically (temp file + rename)
// with 0600 permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".poolcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Package config builds the typed Config used across livecheck.
// Sources, lowest precedence first: built-in defaults, an optional YAML or
// TOML file, environment variables. Command-line flags are applied on top
// by main. Validate reports every problem at once.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Defaults
const (
	DefaultQuality     = "best"
	DefaultRefresh     = 1500 * time.Millisecond
	DefaultCheckMax    = 20
	DefaultRootPath    = "recordings"
	DefaultCaptureTool = "streamlink"
	DefaultCaptureExt  = "ts"
)

var loginRe = regexp.MustCompile(`^[a-z0-9_]{1,25}$`)

type Config struct {
	// Twitch
	Channels         []string
	QualityByChannel map[string]string
	Quality          string
	ClientID         string
	ClientSecret     string
	OAuthToken       string // optional user token forwarded to the capture tool

	// Loop
	Refresh     time.Duration
	CheckMax    int
	LegacyProbe bool
	APIRate     float64 // Helix requests per second, 0 = unlimited

	// Capture
	RootPath       string
	CaptureTool    string
	CaptureOptions []string
	CaptureExt     string
	QualityInTitle bool

	// Ambient
	HTTPAddr  string
	DBDsn     string
	LogLevel  string
	LogFormat string
}

// Defaults returns a Config with every optional field filled in.
func Defaults() *Config {
	return &Config{
		QualityByChannel: map[string]string{},
		Quality:          DefaultQuality,
		Refresh:          DefaultRefresh,
		CheckMax:         DefaultCheckMax,
		RootPath:         DefaultRootPath,
		CaptureTool:      DefaultCaptureTool,
		CaptureExt:       DefaultCaptureExt,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Load reads the config file at path (skipped when empty) and the
// environment over the defaults. It does not validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		fc, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if err := cfg.ApplyFile(fc); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables that are set and non-empty.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("TWITCH_CHANNELS"); v != "" {
		c.Channels = SplitList(v)
	}
	setString(&c.Quality, "TWITCH_QUALITY")
	setString(&c.ClientID, "TWITCH_CLIENT_ID")
	setString(&c.ClientSecret, "TWITCH_CLIENT_SECRET")
	setString(&c.OAuthToken, "TWITCH_OAUTH_TOKEN")
	setString(&c.RootPath, "DATA_DIR")
	setString(&c.HTTPAddr, "HTTP_ADDR")
	setString(&c.DBDsn, "DB_DSN")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")

	if v := os.Getenv("REFRESH_INTERVAL"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid REFRESH_INTERVAL (seconds): %w", err)
		}
		c.Refresh = Seconds(secs)
	}
	if v := os.Getenv("QUALITY_CHECK_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid QUALITY_CHECK_MAX: %w", err)
		}
		c.CheckMax = n
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Seconds converts fractional seconds to a Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// SplitList splits on commas and whitespace, dropping empties.
func SplitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

// Normalize lowercases logins, drops duplicates and makes sure every
// per-channel override refers to a monitored channel.
func (c *Config) Normalize() {
	seen := make(map[string]bool, len(c.Channels))
	out := make([]string, 0, len(c.Channels))
	for _, ch := range c.Channels {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	overrides := make(map[string]string, len(c.QualityByChannel))
	for k, v := range c.QualityByChannel {
		k = strings.ToLower(strings.TrimSpace(k))
		overrides[k] = strings.TrimSpace(v)
		if !seen[k] && k != "" {
			seen[k] = true
			out = append(out, k)
		}
	}
	c.Channels = out
	c.QualityByChannel = overrides
	c.Quality = strings.TrimSpace(c.Quality)
	c.CaptureExt = strings.TrimPrefix(strings.TrimSpace(c.CaptureExt), ".")
}

// QualityFor returns the configured quality of login.
func (c *Config) QualityFor(login string) string {
	if q := c.QualityByChannel[login]; q != "" {
		return q
	}
	if c.Quality == "" {
		return DefaultQuality
	}
	return c.Quality
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Channels) == 0 {
		errs = append(errs, errors.New("no channels configured (channels / TWITCH_CHANNELS)"))
	}
	for _, ch := range c.Channels {
		if !loginRe.MatchString(ch) {
			errs = append(errs, fmt.Errorf("invalid channel login %q", ch))
		}
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		errs = append(errs, errors.New("missing twitch credentials: require TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET"))
	}
	if c.CheckMax < 1 {
		errs = append(errs, fmt.Errorf("check_max must be at least 1, got %d", c.CheckMax))
	}
	if c.Refresh <= 0 {
		errs = append(errs, fmt.Errorf("refresh must be positive, got %s", c.Refresh))
	}
	if c.APIRate < 0 {
		errs = append(errs, fmt.Errorf("api_rate must not be negative, got %g", c.APIRate))
	}
	if c.CaptureTool == "" {
		errs = append(errs, errors.New("capture_tool must not be empty"))
	}
	if c.RootPath == "" {
		errs = append(errs, errors.New("root_path must not be empty"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// String renders the config with secrets masked, for startup logs.
func (c *Config) String() string {
	return fmt.Sprintf("channels=%v quality=%s overrides=%v refresh=%s check_max=%d root=%s tool=%s ext=%s legacy_probe=%t http=%q db=%s client_id=%s client_secret=%s oauth_token=%s",
		c.Channels, c.Quality, c.QualityByChannel, c.Refresh, c.CheckMax, c.RootPath, c.CaptureTool, c.CaptureExt,
		c.LegacyProbe, c.HTTPAddr, mask(c.DBDsn), c.ClientID, mask(c.ClientSecret), mask(c.OAuthToken))
}

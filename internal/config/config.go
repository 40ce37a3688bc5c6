package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"gopkg.in/yaml.v3"
)

// Defaults applied to every field the configuration file leaves out
const (
	DefaultListenAddr          = "0.0.0.0"
	DefaultListenPort          = 54449
	DefaultAudioDownloadURL    = "https://api.weixin.qq.com/cgi-bin/media/get/jssdk"
	DefaultScorerURL           = "https://liulishuo-scorer-url"
	DefaultTokenServiceAddr    = "http://localhost:8367/"
	DefaultGetTokenTimeoutSec  = 1.0
	DefaultScoringTimeoutSec   = 30.0
	DefaultAudioReadTimeoutSec = 10.0
)

// Config represents the complete service configuration. The top level keys
// are flat so existing deployment files keep working.
type Config struct {
	// Credentials used to sign metadata. Signing is off if either is empty.
	AppID  string `yaml:"app_id"`
	Secret string `yaml:"secret"`

	ListenAddr string `yaml:"listen_addr"`
	ListenPort Port   `yaml:"listen_port"`

	AudioDownloadURL       string            `yaml:"audio_download_url"`
	ScorerURL              string            `yaml:"scorer_url"`
	TypeSpecificScorerURLs map[string]string `yaml:"type_specific_scorer_urls"`

	TokenServiceAddr   string  `yaml:"token_service_jsonrpc_addr"`
	GetTokenTimeoutSec float64 `yaml:"get_token_timeout_sec"`

	ScoringTimeoutSec   float64 `yaml:"scoring_timeout_sec"`
	AudioReadTimeoutSec float64 `yaml:"audio_read_timeout_sec"`

	// MaxConcurrentSessions caps open scorer connections, 0 means no limit
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`

	// RateLimit caps accepted rating requests per second, 0 disables it
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// LogLevel is the legacy top level verbosity (DEBUG, INFO, WARNING...)
	LogLevel string        `yaml:"log_level"`
	Logging  LoggingConfig `yaml:"logging"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Port accepts both 54449 and "54449"
type Port int

func (p *Port) UnmarshalYAML(value *yaml.Node) error {
	n, err := strconv.Atoi(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("listen_port: %q is not a port number", value.Value)
	}
	*p = Port(n)
	return nil
}

// envOverrides are read from the environment after the file is parsed
type envOverrides struct {
	AppID               *string  `env:"SCORER_APP_ID"`
	Secret              *string  `env:"SCORER_SECRET"`
	ListenAddr          *string  `env:"SCORER_LISTEN_ADDR"`
	ListenPort          *int     `env:"SCORER_LISTEN_PORT"`
	AudioDownloadURL    *string  `env:"SCORER_AUDIO_DOWNLOAD_URL"`
	ScorerURL           *string  `env:"SCORER_SCORER_URL"`
	TokenServiceAddr    *string  `env:"SCORER_TOKEN_SERVICE_JSONRPC_ADDR"`
	GetTokenTimeoutSec  *float64 `env:"SCORER_GET_TOKEN_TIMEOUT_SEC"`
	ScoringTimeoutSec   *float64 `env:"SCORER_SCORING_TIMEOUT_SEC"`
	AudioReadTimeoutSec *float64 `env:"SCORER_AUDIO_READ_TIMEOUT_SEC"`
	RateLimit           *float64 `env:"SCORER_RATE_LIMIT"`
	LogLevel            *string  `env:"SCORER_LOG_LEVEL"`
	LogFormat           *string  `env:"SCORER_LOG_FORMAT"`
	LogOutput           *string  `env:"SCORER_LOG_OUTPUT"`
}

// Default returns the configuration used for every unset field
func Default() *Config {
	return &Config{
		ListenAddr:          DefaultListenAddr,
		ListenPort:          DefaultListenPort,
		AudioDownloadURL:    DefaultAudioDownloadURL,
		ScorerURL:           DefaultScorerURL,
		TokenServiceAddr:    DefaultTokenServiceAddr,
		GetTokenTimeoutSec:  DefaultGetTokenTimeoutSec,
		ScoringTimeoutSec:   DefaultScoringTimeoutSec,
		AudioReadTimeoutSec: DefaultAudioReadTimeoutSec,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file, then applies SCORER_*
// environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if config.LogLevel != "" {
		config.Logging.Level = normalizeLevel(config.LogLevel)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if _, err := env.UnmarshalFromEnviron(&o); err != nil {
		return err
	}

	setString(&c.AppID, o.AppID)
	setString(&c.Secret, o.Secret)
	setString(&c.ListenAddr, o.ListenAddr)
	if o.ListenPort != nil {
		c.ListenPort = Port(*o.ListenPort)
	}
	setString(&c.AudioDownloadURL, o.AudioDownloadURL)
	setString(&c.ScorerURL, o.ScorerURL)
	setString(&c.TokenServiceAddr, o.TokenServiceAddr)
	setFloat(&c.GetTokenTimeoutSec, o.GetTokenTimeoutSec)
	setFloat(&c.ScoringTimeoutSec, o.ScoringTimeoutSec)
	setFloat(&c.AudioReadTimeoutSec, o.AudioReadTimeoutSec)
	setFloat(&c.RateLimit, o.RateLimit)
	setString(&c.LogLevel, o.LogLevel)
	setString(&c.Logging.Format, o.LogFormat)
	setString(&c.Logging.Output, o.LogOutput)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

// normalizeLevel maps Python style level names to ours
func normalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "10":
		return "debug"
	case "info", "20":
		return "info"
	case "warn", "warning", "30":
		return "warn"
	case "error", "critical", "fatal", "40", "50":
		return "error"
	default:
		return level
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}

	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port must be between 1 and 65535, got %d", c.ListenPort)
	}

	if err := validateURL("audio_download_url", c.AudioDownloadURL, "http", "https"); err != nil {
		return err
	}

	if err := validateURL("scorer_url", c.ScorerURL, "http", "https", "ws", "wss"); err != nil {
		return err
	}

	for questionType, u := range c.TypeSpecificScorerURLs {
		if err := validateURL(fmt.Sprintf("type_specific_scorer_urls[%s]", questionType), u, "http", "https", "ws", "wss"); err != nil {
			return err
		}
	}

	if err := validateURL("token_service_jsonrpc_addr", c.TokenServiceAddr, "http", "https"); err != nil {
		return err
	}

	if c.GetTokenTimeoutSec <= 0 {
		return fmt.Errorf("get_token_timeout_sec must be positive, got %g", c.GetTokenTimeoutSec)
	}

	if c.ScoringTimeoutSec <= 0 {
		return fmt.Errorf("scoring_timeout_sec must be positive, got %g", c.ScoringTimeoutSec)
	}

	if c.AudioReadTimeoutSec <= 0 {
		return fmt.Errorf("audio_read_timeout_sec must be positive, got %g", c.AudioReadTimeoutSec)
	}

	if c.MaxConcurrentSessions < 0 {
		return fmt.Errorf("max_concurrent_sessions cannot be negative, got %d", c.MaxConcurrentSessions)
	}

	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit cannot be negative, got %g", c.RateLimit)
	}

	if c.RateBurst < 0 {
		return fmt.Errorf("rate_burst cannot be negative, got %d", c.RateBurst)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v, got %q", field, schemes, raw)
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is a file path
	return nil
}

// ListenAddress returns host:port for the HTTP listener
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.ListenPort)
}

// SigningEnabled reports whether metadata will be signed
func (c *Config) SigningEnabled() bool {
	return c.AppID != "" && c.Secret != ""
}

// GetTokenTimeout returns the token service timeout as a time.Duration
func (c *Config) GetTokenTimeout() time.Duration {
	return seconds(c.GetTokenTimeoutSec)
}

// GetScoringTimeout returns the scoring session timeout as a time.Duration
func (c *Config) GetScoringTimeout() time.Duration {
	return seconds(c.ScoringTimeoutSec)
}

// GetAudioReadTimeout returns the voice download timeout as a time.Duration
func (c *Config) GetAudioReadTimeout() time.Duration {
	return seconds(c.AudioReadTimeoutSec)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

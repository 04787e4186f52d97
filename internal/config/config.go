package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"aegis/internal/models"
)

const (
	EstimateLocal  = "local"
	EstimateRemote = "remote"
)

type Reconnect struct {
	Delay      time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64
	MaxRetries int
}

type Config struct {
	Addr        string
	UpstreamURL string
	StreamURL   string
	Reconnect   Reconnect

	Parallelism    int
	EstimateSource string
	// Strategies overrides the built-in catalog when non-empty.
	Strategies []models.Strategy

	DataDir       string
	DBPath        string
	RetentionDays int

	SSEBuffer   int
	HTTPTimeout time.Duration
	// AlertCooldown holds back repeated error notices for one target.
	AlertCooldown time.Duration

	LogLevel  string
	LogFormat string

	TelegramBotToken string
	TelegramChatID   string

	ConfigFile string
}

func defaults() Config {
	return Config{
		Addr:        ":8080",
		UpstreamURL: "http://localhost:8000",
		Reconnect: Reconnect{
			Delay:      5 * time.Second,
			MaxDelay:   time.Minute,
			Multiplier: 2,
			Jitter:     0.2,
		},
		Parallelism:    2,
		EstimateSource: EstimateLocal,
		DataDir:        "./data",
		RetentionDays:  30,
		SSEBuffer:      64,
		HTTPTimeout:    30 * time.Second,
		AlertCooldown:  10 * time.Minute,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load applies defaults, then AEGIS_CONFIG_FILE, then environment variables.
func Load() (Config, error) {
	cfg := defaults()
	cfg.ConfigFile = os.Getenv("AEGIS_CONFIG_FILE")
	if cfg.ConfigFile != "" {
		b, err := os.ReadFile(cfg.ConfigFile)
		if err != nil {
			return Config{}, trace.ConvertSystemError(err)
		}
		if err := cfg.applyFile(b); err != nil {
			return Config{}, trace.Wrap(err, "config file %s", cfg.ConfigFile)
		}
	}
	cfg.applyEnv()
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return Config{}, trace.Wrap(err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Addr = getenv("AEGIS_ADDR", c.Addr)
	c.UpstreamURL = getenv("AEGIS_UPSTREAM_URL", c.UpstreamURL)
	c.StreamURL = getenv("AEGIS_STREAM_URL", c.StreamURL)
	c.Reconnect.Delay = getenvDuration("AEGIS_RECONNECT_DELAY", c.Reconnect.Delay)
	c.Reconnect.MaxDelay = getenvDuration("AEGIS_RECONNECT_MAX_DELAY", c.Reconnect.MaxDelay)
	c.Reconnect.Multiplier = getenvFloat("AEGIS_RECONNECT_MULTIPLIER", c.Reconnect.Multiplier)
	c.Reconnect.Jitter = getenvFloat("AEGIS_RECONNECT_JITTER", c.Reconnect.Jitter)
	c.Reconnect.MaxRetries = getenvInt("AEGIS_RECONNECT_MAX_RETRIES", c.Reconnect.MaxRetries)
	c.Parallelism = getenvInt("REMEDIATION_PARALLELISM", c.Parallelism)
	c.EstimateSource = getenv("AEGIS_ESTIMATE_SOURCE", c.EstimateSource)
	c.DataDir = getenv("AEGIS_DATA_DIR", c.DataDir)
	c.DBPath = getenv("AEGIS_DB_PATH", c.DBPath)
	c.RetentionDays = getenvInt("AEGIS_JOURNAL_RETENTION_DAYS", c.RetentionDays)
	c.SSEBuffer = getenvInt("AEGIS_SSE_BUFFER", c.SSEBuffer)
	c.HTTPTimeout = getenvDuration("AEGIS_HTTP_TIMEOUT", c.HTTPTimeout)
	c.AlertCooldown = getenvDuration("AEGIS_ALERT_COOLDOWN", c.AlertCooldown)
	c.LogLevel = getenv("AEGIS_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getenv("AEGIS_LOG_FORMAT", c.LogFormat)
	c.TelegramBotToken = getenv("TELEGRAM_BOT_TOKEN", c.TelegramBotToken)
	c.TelegramChatID = getenv("TELEGRAM_CHAT_ID", c.TelegramChatID)
}

func (c *Config) CheckAndSetDefaults() error {
	c.UpstreamURL = strings.TrimRight(strings.TrimSpace(c.UpstreamURL), "/")
	if c.UpstreamURL == "" {
		return trace.BadParameter("upstream url is required")
	}
	if !strings.HasPrefix(c.UpstreamURL, "http://") && !strings.HasPrefix(c.UpstreamURL, "https://") {
		return trace.BadParameter("upstream url %q must be http or https", c.UpstreamURL)
	}
	if c.StreamURL == "" {
		c.StreamURL = "ws" + strings.TrimPrefix(c.UpstreamURL, "http") + "/v1/containers/stream"
	}
	c.EstimateSource = strings.ToLower(strings.TrimSpace(c.EstimateSource))
	switch c.EstimateSource {
	case "":
		c.EstimateSource = EstimateLocal
	case EstimateLocal, EstimateRemote:
	default:
		return trace.BadParameter("estimate source must be %q or %q, got %q", EstimateLocal, EstimateRemote, c.EstimateSource)
	}
	if c.Parallelism < 1 {
		c.Parallelism = 1
	}
	if c.DBPath == "" {
		c.DBPath = strings.TrimRight(c.DataDir, "/") + "/aegis.db"
	}
	if c.SSEBuffer < 1 {
		c.SSEBuffer = 1
	}
	if c.AlertCooldown < 0 {
		c.AlertCooldown = 0
	}
	return nil
}

type fileConfig struct {
	Addr        string `yaml:"addr"`
	UpstreamURL string `yaml:"upstream_url"`
	StreamURL   string `yaml:"stream_url"`
	Reconnect   struct {
		Delay      string   `yaml:"delay"`
		MaxDelay   string   `yaml:"max_delay"`
		Multiplier *float64 `yaml:"multiplier"`
		Jitter     *float64 `yaml:"jitter"`
		MaxRetries *int     `yaml:"max_retries"`
	} `yaml:"reconnect"`
	Remediation struct {
		Parallelism    *int              `yaml:"parallelism"`
		EstimateSource string            `yaml:"estimate_source"`
		Strategies     []models.Strategy `yaml:"strategies"`
	} `yaml:"remediation"`
	DataDir              string `yaml:"data_dir"`
	DBPath               string `yaml:"db_path"`
	JournalRetentionDays *int   `yaml:"journal_retention_days"`
	SSEBuffer            *int   `yaml:"sse_buffer"`
	HTTPTimeout          string `yaml:"http_timeout"`
	AlertCooldown        string `yaml:"alert_cooldown"`
	Log                  struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	} `yaml:"telegram"`
}

func (c *Config) applyFile(b []byte) error {
	var f fileConfig
	if err := yaml.Unmarshal(b, &f); err != nil {
		return trace.BadParameter("parse yaml: %v", err)
	}
	setString(&c.Addr, f.Addr)
	setString(&c.UpstreamURL, f.UpstreamURL)
	setString(&c.StreamURL, f.StreamURL)
	for _, d := range []struct {
		dst *time.Duration
		raw string
		key string
	}{
		{&c.Reconnect.Delay, f.Reconnect.Delay, "reconnect.delay"},
		{&c.Reconnect.MaxDelay, f.Reconnect.MaxDelay, "reconnect.max_delay"},
		{&c.HTTPTimeout, f.HTTPTimeout, "http_timeout"},
		{&c.AlertCooldown, f.AlertCooldown, "alert_cooldown"},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return trace.BadParameter("%s: %v", d.key, err)
		}
		*d.dst = v
	}
	setPtr(&c.Reconnect.Multiplier, f.Reconnect.Multiplier)
	setPtr(&c.Reconnect.Jitter, f.Reconnect.Jitter)
	setPtr(&c.Reconnect.MaxRetries, f.Reconnect.MaxRetries)
	setPtr(&c.Parallelism, f.Remediation.Parallelism)
	setString(&c.EstimateSource, f.Remediation.EstimateSource)
	if len(f.Remediation.Strategies) > 0 {
		c.Strategies = f.Remediation.Strategies
	}
	setString(&c.DataDir, f.DataDir)
	setString(&c.DBPath, f.DBPath)
	setPtr(&c.RetentionDays, f.JournalRetentionDays)
	setPtr(&c.SSEBuffer, f.SSEBuffer)
	setString(&c.LogLevel, f.Log.Level)
	setString(&c.LogFormat, f.Log.Format)
	setString(&c.TelegramBotToken, f.Telegram.BotToken)
	setString(&c.TelegramChatID, f.Telegram.ChatID)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setPtr[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func getenvFloat(k string, d float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return d
	}
	return f
}

func getenvDuration(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return d
	}
	return dur
}

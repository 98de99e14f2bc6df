package policy

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "config.yml"

const (
	EventsBackendMemory = "memory"
	EventsBackendRedis  = "redis"
)

const defaultConfigYAML = `# bfgsync configuration
input:
  login: ""
  password: ""
  # Base URL of the planning platform, e.g. https://bfg.example.local/
  url: ""
  # Verify the platform TLS certificate for REST calls.
  verify: true
  # Websocket base URL, e.g. wss://bfg.example.local/ws
  ws_url: ""
  time_zone: 3

timing:
  throttle: 200ms
  decode_retry_backoff: 2s
  upload_delay: 1s
  settle_delay: 10s
  allocation_timeout: 30m
  request_timeout: 5m

pagination:
  page_size: 100000

session:
  # 0 logs in before every collection or action call.
  login_ttl: 0s

events:
  # memory keeps workflow transitions in process; redis mirrors them to a stream.
  backend: memory
  redis:
    url: ""
    stream_prefix: bfgsync
    group: bfgsync
    consumer: bfgsync-cli
`

type Config struct {
	Input      InputConfig      `yaml:"input"`
	Timing     TimingConfig     `yaml:"timing"`
	Pagination PaginationConfig `yaml:"pagination"`
	Session    SessionConfig    `yaml:"session"`
	Events     EventsConfig     `yaml:"events"`
}

type InputConfig struct {
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
	URL      string `yaml:"url"`
	Verify   bool   `yaml:"verify"`
	WSURL    string `yaml:"ws_url"`
	TimeZone string `yaml:"time_zone"`
}

type TimingConfig struct {
	Throttle           time.Duration `yaml:"throttle"`
	DecodeRetryBackoff time.Duration `yaml:"decode_retry_backoff"`
	UploadDelay        time.Duration `yaml:"upload_delay"`
	SettleDelay        time.Duration `yaml:"settle_delay"`
	AllocationTimeout  time.Duration `yaml:"allocation_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
}

type PaginationConfig struct {
	PageSize int `yaml:"page_size"`
}

type SessionConfig struct {
	LoginTTL time.Duration `yaml:"login_ttl"`
}

type EventsConfig struct {
	Backend string `yaml:"backend"`
	Redis   struct {
		URL          string `yaml:"url"`
		StreamPrefix string `yaml:"stream_prefix"`
		// Group prefixes the consumer group each subscribing process
		// creates for itself, so every follower sees every transition.
		Group    string `yaml:"group"`
		Consumer string `yaml:"consumer"`
	} `yaml:"redis"`
}

func Default() Config {
	cfg := Config{}
	cfg.Input.Verify = true
	cfg.Input.TimeZone = "3"
	cfg.Timing = TimingConfig{
		Throttle:           200 * time.Millisecond,
		DecodeRetryBackoff: 2 * time.Second,
		UploadDelay:        time.Second,
		SettleDelay:        10 * time.Second,
		AllocationTimeout:  30 * time.Minute,
		RequestTimeout:     5 * time.Minute,
	}
	cfg.Pagination.PageSize = 100000
	cfg.Events.Backend = EventsBackendMemory
	cfg.Events.Redis.StreamPrefix = "bfgsync"
	cfg.Events.Redis.Group = "bfgsync"
	cfg.Events.Redis.Consumer = "bfgsync-cli"
	return cfg
}

// Load reads the YAML config at path over the defaults. Unlike a missing
// policy, a missing config is an error: the platform credentials and URLs
// have no usable defaults.
func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultConfigPath
	}
	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read config %s: %w", finalPath, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("parse config %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate config %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	if strings.TrimSpace(path) == "" {
		path = DefaultConfigPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o600)
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Input.URL) == "" {
		return fmt.Errorf("input.url is required")
	}
	if err := validateURL("input.url", cfg.Input.URL, "http", "https"); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Input.WSURL) != "" {
		if err := validateURL("input.ws_url", cfg.Input.WSURL, "ws", "wss"); err != nil {
			return err
		}
	}
	if strings.TrimSpace(cfg.Input.Login) == "" {
		return fmt.Errorf("input.login is required")
	}
	if cfg.Timing.Throttle < 0 || cfg.Timing.DecodeRetryBackoff < 0 || cfg.Timing.UploadDelay < 0 || cfg.Timing.SettleDelay < 0 {
		return fmt.Errorf("timing delays must be >= 0")
	}
	if cfg.Timing.AllocationTimeout <= 0 {
		return fmt.Errorf("timing.allocation_timeout must be > 0")
	}
	if cfg.Timing.RequestTimeout < 0 {
		return fmt.Errorf("timing.request_timeout must be >= 0")
	}
	if cfg.Pagination.PageSize <= 0 {
		return fmt.Errorf("pagination.page_size must be > 0")
	}
	if cfg.Session.LoginTTL < 0 {
		return fmt.Errorf("session.login_ttl must be >= 0")
	}
	switch strings.TrimSpace(cfg.Events.Backend) {
	case "", EventsBackendMemory:
	case EventsBackendRedis:
		if strings.TrimSpace(cfg.Events.Redis.URL) == "" {
			return fmt.Errorf("events.redis.url is required for the redis backend")
		}
		if strings.TrimSpace(cfg.Events.Redis.StreamPrefix) == "" {
			return fmt.Errorf("events.redis.stream_prefix cannot be empty")
		}
	default:
		return fmt.Errorf("events.backend must be memory|redis")
	}
	return nil
}

func validateURL(field string, raw string, schemes ...string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, scheme := range schemes {
		if strings.EqualFold(parsed.Scheme, scheme) && parsed.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s URL", field, strings.Join(schemes, "|"))
}

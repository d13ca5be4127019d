package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment variable, e.g. INPAINTD_SERVER_ADDR
const EnvPrefix = "INPAINTD"

// Config represents the orchestrator configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Results  ResultsConfig  `mapstructure:"results"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Sampler  SamplerConfig  `mapstructure:"sampler"`
	History  HistoryConfig  `mapstructure:"history"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BackendConfig struct {
	URL       string        `mapstructure:"url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Container string        `mapstructure:"container"`
	Async     bool          `mapstructure:"async"`
}

// RemoteConfig points at the backend's own progress stream
type RemoteConfig struct {
	URL               string        `mapstructure:"url"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
}

type ArchiveConfig struct {
	Type          string        `mapstructure:"type"`
	DatabaseURL   string        `mapstructure:"database_url"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	RedisTTL      time.Duration `mapstructure:"redis_ttl"`
}

type DispatchConfig struct {
	Mode        string `mapstructure:"mode"`
	RedisURL    string `mapstructure:"redis_url"`
	Concurrency int    `mapstructure:"concurrency"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type WebhookConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type ResultsConfig struct {
	Dir string `mapstructure:"dir"`
}

type JobsConfig struct {
	MaxDuration        time.Duration `mapstructure:"max_duration"`
	Retention          time.Duration `mapstructure:"retention"`
	ResultRetention    time.Duration `mapstructure:"result_retention"`
	SupervisorInterval time.Duration `mapstructure:"supervisor_interval"`
	UnitTimeout        time.Duration `mapstructure:"unit_timeout"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
}

type SamplerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Source   string        `mapstructure:"source"`
	GPU      bool          `mapstructure:"gpu"`
}

// HistoryConfig caps the in-memory learning tables
type HistoryConfig struct {
	Classifier        int `mapstructure:"classifier"`
	ClassifierPattern int `mapstructure:"classifier_patterns"`
	Retry             int `mapstructure:"retry"`
	RetryPatterns     int `mapstructure:"retry_patterns"`
}

const (
	ArchiveMemory   = "memory"
	ArchivePostgres = "postgres"
	ArchiveRedis    = "redis"

	DispatchInline = "inline"
	DispatchQueue  = "queue"

	SamplerHost      = "host"
	SamplerContainer = "container"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("backend.url", "http://localhost:8000")
	v.SetDefault("backend.timeout", 10*time.Minute)
	v.SetDefault("backend.container", "")
	v.SetDefault("backend.async", false)

	v.SetDefault("remote.url", "")
	v.SetDefault("remote.reconnect_attempts", 5)
	v.SetDefault("remote.reconnect_delay", 5*time.Second)

	v.SetDefault("archive.type", ArchiveMemory)
	v.SetDefault("archive.database_url", "")
	v.SetDefault("archive.redis_addr", "localhost:6379")
	v.SetDefault("archive.redis_password", "")
	v.SetDefault("archive.redis_db", 0)
	v.SetDefault("archive.redis_ttl", 7*24*time.Hour)

	v.SetDefault("dispatch.mode", DispatchInline)
	v.SetDefault("dispatch.redis_url", "redis://localhost:6379/1")
	v.SetDefault("dispatch.concurrency", 2)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "inpaint-events")

	v.SetDefault("webhook.timeout", 10*time.Second)

	v.SetDefault("results.dir", "./results")

	v.SetDefault("jobs.max_duration", 30*time.Minute)
	v.SetDefault("jobs.retention", time.Hour)
	v.SetDefault("jobs.result_retention", 24*time.Hour)
	v.SetDefault("jobs.supervisor_interval", 30*time.Second)
	v.SetDefault("jobs.unit_timeout", 5*time.Minute)
	v.SetDefault("jobs.heartbeat_interval", 2*time.Second)

	v.SetDefault("sampler.interval", time.Second)
	v.SetDefault("sampler.source", SamplerHost)
	v.SetDefault("sampler.gpu", false)

	v.SetDefault("history.classifier", 1000)
	v.SetDefault("history.classifier_patterns", 500)
	v.SetDefault("history.retry", 1000)
	v.SetDefault("history.retry_patterns", 100)
}

// Load merges defaults, an optional YAML file and INPAINTD_* environment
// variables. A .env file in the working directory is loaded first if present.
// An empty configPath falls back to INPAINTD_CONFIG.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath == "" {
		configPath = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the orchestrator cannot start with
func (c *Config) Validate() error {
	switch c.Archive.Type {
	case ArchiveMemory, ArchiveRedis:
	case ArchivePostgres:
		if c.Archive.DatabaseURL == "" {
			return errors.New("archive.database_url is required when archive.type is postgres")
		}
	default:
		return fmt.Errorf("unknown archive type: %s (valid options: memory, postgres, redis)", c.Archive.Type)
	}

	switch c.Dispatch.Mode {
	case DispatchInline:
	case DispatchQueue:
		if c.Dispatch.RedisURL == "" {
			return errors.New("dispatch.redis_url is required when dispatch.mode is queue")
		}
	default:
		return fmt.Errorf("unknown dispatch mode: %s (valid options: inline, queue)", c.Dispatch.Mode)
	}

	switch c.Sampler.Source {
	case SamplerHost:
	case SamplerContainer:
		if c.Backend.Container == "" {
			return errors.New("backend.container is required when sampler.source is container")
		}
	default:
		return fmt.Errorf("unknown sampler source: %s (valid options: host, container)", c.Sampler.Source)
	}

	if c.Backend.Async && c.Remote.URL == "" {
		return errors.New("remote.url is required when backend.async is enabled")
	}
	if c.Jobs.MaxDuration <= 0 {
		return errors.New("jobs.max_duration must be positive")
	}
	return nil
}

// MaskedDatabaseURL hides credentials for logging
func (c *Config) MaskedDatabaseURL() string {
	url := c.Archive.DatabaseURL
	at := strings.LastIndex(url, "@")
	scheme := strings.Index(url, "://")
	if at < 0 || scheme < 0 || scheme+3 > at {
		return url
	}
	return url[:scheme+3] + "***masked***" + url[at:]
}

// splitList accepts both YAML lists and a single comma separated env value
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

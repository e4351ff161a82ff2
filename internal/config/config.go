package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Queue      QueueConfig      `yaml:"queue"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Webhooks   WebhookConfig    `yaml:"webhooks"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Escalation EscalationConfig `yaml:"escalation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	APIKey      string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type QueueConfig struct {
	Path          string        `yaml:"path"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	Retention     time.Duration `yaml:"retention"`
}

type DispatchConfig struct {
	Message ChannelDispatchConfig `yaml:"message"`
	Voice   ChannelDispatchConfig `yaml:"voice"`
}

type ChannelDispatchConfig struct {
	Concurrency int     `yaml:"concurrency"`
	RatePerSec  float64 `yaml:"rate_per_sec"`
	HourlyQuota int     `yaml:"hourly_quota"`
	DailyQuota  int     `yaml:"daily_quota"`
}

type WebhookConfig struct {
	MessageSigningSecret string `yaml:"message_signing_secret"`
	VoiceToken           string `yaml:"voice_token"`
}

type ProvidersConfig struct {
	Message ProviderConfig `yaml:"message"`
	Voice   ProviderConfig `yaml:"voice"`
	Speech  ProviderConfig `yaml:"speech"`
	Content ProviderConfig `yaml:"content"`
}

type ProviderConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type SchedulerConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

type EscalationConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	BatchSize     int           `yaml:"batch_size"`
	NotifyTo      string        `yaml:"notify_to"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(cfg)
	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv lets secrets come from the environment instead of the config file
func applyEnv(cfg *Config) {
	if v := os.Getenv("OUTREACH_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("OUTREACH_MESSAGE_SIGNING_SECRET"); v != "" {
		cfg.Webhooks.MessageSigningSecret = v
	}
	if v := os.Getenv("OUTREACH_VOICE_TOKEN"); v != "" {
		cfg.Webhooks.VoiceToken = v
	}
	if v := os.Getenv("OUTREACH_MESSAGE_API_KEY"); v != "" {
		cfg.Providers.Message.APIKey = v
	}
	if v := os.Getenv("OUTREACH_VOICE_API_KEY"); v != "" {
		cfg.Providers.Voice.APIKey = v
	}
	if v := os.Getenv("OUTREACH_SPEECH_API_KEY"); v != "" {
		cfg.Providers.Speech.APIKey = v
	}
	if v := os.Getenv("OUTREACH_CONTENT_API_KEY"); v != "" {
		cfg.Providers.Content.APIKey = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8090"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/outreach/app.db"
	}
	if cfg.Queue.Path == "" {
		cfg.Queue.Path = "/var/lib/outreach/queue.db"
	}
	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = 5 * time.Second
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.RetryDelay == 0 {
		cfg.Queue.RetryDelay = time.Minute
	}
	if cfg.Queue.MaxRetryDelay == 0 {
		cfg.Queue.MaxRetryDelay = time.Hour
	}
	if cfg.Queue.Retention == 0 {
		cfg.Queue.Retention = 7 * 24 * time.Hour
	}
	if cfg.Dispatch.Message.Concurrency == 0 {
		cfg.Dispatch.Message.Concurrency = 10
	}
	if cfg.Dispatch.Message.RatePerSec == 0 {
		cfg.Dispatch.Message.RatePerSec = 10
	}
	if cfg.Dispatch.Voice.Concurrency == 0 {
		cfg.Dispatch.Voice.Concurrency = 2
	}
	if cfg.Dispatch.Voice.RatePerSec == 0 {
		cfg.Dispatch.Voice.RatePerSec = 5
	}
	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = time.Minute
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 100
	}
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = ":9090"
	}
	if cfg.Escalation.SweepInterval == 0 {
		cfg.Escalation.SweepInterval = 15 * time.Minute
	}
	if cfg.Escalation.BatchSize == 0 {
		cfg.Escalation.BatchSize = 200
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Providers.Message.Timeout == 0 {
		cfg.Providers.Message.Timeout = 30 * time.Second
	}
	if cfg.Providers.Voice.Timeout == 0 {
		cfg.Providers.Voice.Timeout = 30 * time.Second
	}
	if cfg.Providers.Speech.Timeout == 0 {
		cfg.Providers.Speech.Timeout = 60 * time.Second
	}
	if cfg.Providers.Content.Timeout == 0 {
		cfg.Providers.Content.Timeout = 60 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Dispatch.Message.Concurrency < 1 {
		return fmt.Errorf("dispatch.message.concurrency must be positive")
	}
	if cfg.Dispatch.Voice.Concurrency < 1 {
		return fmt.Errorf("dispatch.voice.concurrency must be positive")
	}
	if cfg.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative")
	}
	if cfg.Scheduler.BatchSize < 1 {
		return fmt.Errorf("scheduler.batch_size must be positive")
	}
	return nil
}

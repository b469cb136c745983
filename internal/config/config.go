package config

import (
	"bytes"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log           LogConfig          `mapstructure:"log"`
	HTTP          HTTPConfig         `mapstructure:"http"`
	MySQL         DatabaseConfig     `mapstructure:"mysql"`
	ClickHouse    DatabaseConfig     `mapstructure:"clickhouse"`
	Redis         RedisConfig        `mapstructure:"redis"`
	Kafka         KafkaConfig        `mapstructure:"kafka"`
	Webhook       WebhookConfig      `mapstructure:"webhook"`
	Admin         AdminConfig        `mapstructure:"admin"`
	Payments      CollaboratorConfig `mapstructure:"payments"`
	Notifications CollaboratorConfig `mapstructure:"notifications"`
	Retry         RetryConfig        `mapstructure:"retry"`
	Events        EventsConfig       `mapstructure:"events"`
	Dunning       DunningConfig      `mapstructure:"dunning"`
	Lifecycle     LifecycleConfig    `mapstructure:"lifecycle"`
	Outbox        OutboxConfig       `mapstructure:"outbox"`
	Dispatch      DispatchConfig     `mapstructure:"dispatch"`
	Scheduler     SchedulerConfig    `mapstructure:"scheduler"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	Topic          string   `mapstructure:"topic"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

type WebhookConfig struct {
	Secret          string        `mapstructure:"secret"`
	SignatureHeader string        `mapstructure:"signature_header"`
	Tolerance       time.Duration `mapstructure:"tolerance"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type AdminConfig struct {
	APIKeys   []string        `mapstructure:"api_keys"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	RPS   int `mapstructure:"rps"`
	Burst int `mapstructure:"burst"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

// CollaboratorConfig describes an external HTTP collaborator.
type CollaboratorConfig struct {
	Name      string        `mapstructure:"name"`
	BaseURL   string        `mapstructure:"base_url"`
	TimeoutMs int           `mapstructure:"timeout_ms"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

func (c CollaboratorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

type RetryConfig struct {
	Schedule  []time.Duration `mapstructure:"schedule"`
	BatchSize int             `mapstructure:"batch_size"`
}

type EventsConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	PendingGrace time.Duration `mapstructure:"pending_grace"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type DunningConfig struct {
	ReminderDays    []int `mapstructure:"reminder_days"`
	CancelAfterDays int   `mapstructure:"cancel_after_days"`
	BatchSize       int   `mapstructure:"batch_size"`
}

type LifecycleConfig struct {
	IncompleteTimeout time.Duration `mapstructure:"incomplete_timeout"`
	BatchSize         int           `mapstructure:"batch_size"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type DispatchConfig struct {
	WorkerCount int `mapstructure:"worker_count"`
}

type SchedulerConfig struct {
	LeaseTTL time.Duration     `mapstructure:"lease_ttl"`
	Jobs     map[string]string `mapstructure:"jobs"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (BILLREC_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (BILLREC_WEBHOOK_SECRET -> webhook.secret)
	v.SetEnvPrefix("BILLREC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings every command depends on.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Webhook.Secret) == "" {
		return errors.New("webhook.secret is required")
	}
	if len(c.Retry.Schedule) == 0 {
		return errors.New("retry.schedule must have at least one delay")
	}
	for _, d := range c.Retry.Schedule {
		if d <= 0 {
			return errors.New("retry.schedule delays must be positive")
		}
	}
	if c.Events.MaxAttempts <= 0 {
		return errors.New("events.max_attempts must be positive")
	}
	return nil
}

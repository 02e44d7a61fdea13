package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Cache    CacheConfig    `mapstructure:"cache"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path + "/" + d.Name + ".db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

// RedisConfig enables the shared list cache and sync locks. When disabled
// both fall back to process-local implementations.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwt_secret"`
	AdminEmail    string `mapstructure:"admin_email"`
	AdminPassword string `mapstructure:"admin_password"`
}

type WebhookConfig struct {
	MaxRetries           int    `mapstructure:"max_retries"`
	TimeoutSeconds       int    `mapstructure:"timeout_seconds"`
	BatchSize            int    `mapstructure:"batch_size"`
	PollIntervalSeconds  int    `mapstructure:"poll_interval_seconds"`
	RetentionDays        int    `mapstructure:"retention_days"`
	UserAgent            string `mapstructure:"user_agent"`
	SignatureHeader      string `mapstructure:"signature_header"`
	BlockPrivateNetworks bool   `mapstructure:"block_private_networks"`
	QueueSize            int    `mapstructure:"queue_size"`
}

func (w WebhookConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

type SyncConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	LockTTLSeconds int `mapstructure:"lock_ttl_seconds"`
	RetentionDays  int `mapstructure:"retention_days"`
}

func (s SyncConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func (s SyncConfig) LockTTL() time.Duration {
	return time.Duration(s.LockTTLSeconds) * time.Second
}

type CacheConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "hub")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.path", "./data")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("auth.jwt_secret", "changeme-secret")
	v.SetDefault("auth.admin_email", "admin@localhost")
	v.SetDefault("auth.admin_password", "changeme")
	v.SetDefault("webhook.max_retries", 3)
	v.SetDefault("webhook.timeout_seconds", 30)
	v.SetDefault("webhook.batch_size", 10)
	v.SetDefault("webhook.poll_interval_seconds", 60)
	v.SetDefault("webhook.retention_days", 30)
	v.SetDefault("webhook.user_agent", "O9Cart-Webhook/1.0")
	v.SetDefault("webhook.signature_header", "X-O9Cart-Signature")
	v.SetDefault("webhook.block_private_networks", false)
	v.SetDefault("webhook.queue_size", 256)
	v.SetDefault("sync.timeout_seconds", 300)
	v.SetDefault("sync.lock_ttl_seconds", 900)
	v.SetDefault("sync.retention_days", 14)
	v.SetDefault("cache.ttl_seconds", 3600)
}

// Load reads hub.yaml (optional), a .env file (optional) and HUB_* style
// environment overrides such as WEBHOOK_MAX_RETRIES.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("hub")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration produced by the built-in defaults only.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Webhook.MaxRetries < 0 {
		return fmt.Errorf("webhook.max_retries must be >= 0")
	}
	if c.Webhook.TimeoutSeconds <= 0 {
		return fmt.Errorf("webhook.timeout_seconds must be > 0")
	}
	if c.Webhook.BatchSize <= 0 {
		return fmt.Errorf("webhook.batch_size must be > 0")
	}
	if c.Webhook.PollIntervalSeconds <= 0 {
		return fmt.Errorf("webhook.poll_interval_seconds must be > 0")
	}
	if c.Sync.TimeoutSeconds <= 0 {
		return fmt.Errorf("sync.timeout_seconds must be > 0")
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the delivery engine
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Mail      MailConfig      `yaml:"mail"`
	Templates TemplatesConfig `yaml:"templates"`
	Locales   LocalesConfig   `yaml:"locales"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Queue     QueueConfig     `yaml:"queue"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// RunScheduler embeds the scheduler worker in the API process.
	RunScheduler bool `yaml:"run_scheduler"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns URL when set, otherwise builds a postgres URL from the parts.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// StorageConfig selects the campaign store backend: "postgres" or "memory".
type StorageConfig struct {
	Driver string `yaml:"driver"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type MailConfig struct {
	// Driver is "ses" or "log".
	Driver    string    `yaml:"driver"`
	FromEmail string    `yaml:"from_email"`
	FromName  string    `yaml:"from_name"`
	ReplyTo   string    `yaml:"reply_to"`
	SES       SESConfig `yaml:"ses"`
}

type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ConfigSet      string `yaml:"configuration_set"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type TemplatesConfig struct {
	Path string `yaml:"path"`
}

type LocalesConfig struct {
	Supported []string `yaml:"supported"`
	Default   string   `yaml:"default"`
}

type DispatchConfig struct {
	BatchSize    int `yaml:"batch_size"`
	BatchDelayMS int `yaml:"batch_delay_ms"`
}

func (c DispatchConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMS) * time.Millisecond
}

type SchedulerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	// StaleLockMinutes is how long a campaign may sit in SENDING before the
	// scheduler moves it to FAILED. Unset means 120; negative disables recovery.
	StaleLockMinutes int `yaml:"stale_lock_minutes"`
	LeaseSeconds     int `yaml:"lease_seconds"`
}

func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c SchedulerConfig) StaleLockAfter() time.Duration {
	if c.StaleLockMinutes <= 0 {
		return 0
	}
	return time.Duration(c.StaleLockMinutes) * time.Minute
}

func (c SchedulerConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

type QueueConfig struct {
	// Driver is "memory" or "amqp".
	Driver   string `yaml:"driver"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Load reads a YAML config file and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads .env if present, then the YAML file (optional), then
// applies environment overrides.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = &Config{}
		cfg.applyDefaults()
	} else if err != nil {
		return nil, err
	}

	cfg.applyEnv()
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "postgres"
	}
	if cfg.Mail.Driver == "" {
		cfg.Mail.Driver = "log"
	}
	if cfg.Mail.SES.Region == "" {
		cfg.Mail.SES.Region = "us-east-1"
	}
	if cfg.Mail.SES.TimeoutSeconds == 0 {
		cfg.Mail.SES.TimeoutSeconds = 30
	}
	if cfg.Templates.Path == "" {
		cfg.Templates.Path = "templates.yaml"
	}
	if len(cfg.Locales.Supported) == 0 {
		cfg.Locales.Supported = []string{"en"}
	}
	if cfg.Locales.Default == "" {
		cfg.Locales.Default = cfg.Locales.Supported[0]
	}
	if cfg.Dispatch.BatchSize <= 0 {
		cfg.Dispatch.BatchSize = 50
	}
	if cfg.Dispatch.BatchDelayMS < 0 {
		cfg.Dispatch.BatchDelayMS = 0
	}
	if cfg.Scheduler.IntervalSeconds <= 0 {
		cfg.Scheduler.IntervalSeconds = 60
	}
	if cfg.Scheduler.StaleLockMinutes == 0 {
		cfg.Scheduler.StaleLockMinutes = 120
	}
	if cfg.Scheduler.LeaseSeconds <= 0 {
		cfg.Scheduler.LeaseSeconds = cfg.Scheduler.IntervalSeconds / 2
		if cfg.Scheduler.LeaseSeconds == 0 {
			cfg.Scheduler.LeaseSeconds = 1
		}
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "memory"
	}
	if cfg.Queue.Exchange == "" {
		cfg.Queue.Exchange = "campaign_events"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func (cfg *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.Queue.URL = v
		cfg.Queue.Driver = "amqp"
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.Mail.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.Mail.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Mail.SES.Region = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

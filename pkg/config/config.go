package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "PULSE_"

// Storage drivers
const (
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// Config is the full pulse configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Auth     AuthConfig     `yaml:"auth"`
	Registry RegistryConfig `yaml:"registry"`
	Push     PushConfig     `yaml:"push"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	EventsRateLimit   int           `yaml:"events_rate_limit"`
	EventsRateWindow  time.Duration `yaml:"events_rate_window"`
	APIPrefix         string        `yaml:"api_prefix"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type AuthConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

type RegistryConfig struct {
	Capacity      int           `yaml:"capacity"`
	WaitTimeout   time.Duration `yaml:"wait_timeout"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SendBuffer    int           `yaml:"send_buffer"`
}

type PushConfig struct {
	Tick           time.Duration `yaml:"tick"`
	Workers        int           `yaml:"workers"`
	SurgeThreshold float64       `yaml:"surge_threshold"`
	UserTimeout    time.Duration `yaml:"user_timeout"`
}

type SnapshotConfig struct {
	Enabled                bool          `yaml:"enabled"`
	RunAt                  string        `yaml:"run_at"`
	RetentionDays          int           `yaml:"retention_days"`
	BackoffBase            time.Duration `yaml:"backoff_base"`
	BackoffMax             time.Duration `yaml:"backoff_max"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	RunTimeout             time.Duration `yaml:"run_timeout"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	DataDir     string `yaml:"data_dir"`
	PostgresDSN string `yaml:"postgres_dsn"`
	Migrate     bool   `yaml:"migrate"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type MetricsConfig struct {
	CollectInterval time.Duration `yaml:"collect_interval"`
	HealthInterval  time.Duration `yaml:"health_interval"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			EventsRateLimit:   120,
			EventsRateWindow:  time.Minute,
			APIPrefix:         "/api/",
		},
		Log: LogConfig{Level: "info"},
		Registry: RegistryConfig{
			Capacity:      100,
			WaitTimeout:   5 * time.Second,
			StaleAfter:    30 * time.Minute,
			SweepInterval: time.Minute,
			SendBuffer:    64,
		},
		Push: PushConfig{
			Tick:           30 * time.Second,
			Workers:        8,
			SurgeThreshold: 0.10,
			UserTimeout:    10 * time.Second,
		},
		Snapshot: SnapshotConfig{
			Enabled:                true,
			RunAt:                  "02:00",
			RetentionDays:          730,
			BackoffBase:            15 * time.Minute,
			BackoffMax:             2 * time.Hour,
			MaxConsecutiveFailures: 5,
			RunTimeout:             30 * time.Minute,
		},
		Storage: StorageConfig{
			Driver:  DriverBolt,
			DataDir: "./data",
			Migrate: true,
		},
		RabbitMQ: RabbitMQConfig{Exchange: "pulse.notifications"},
		Metrics: MetricsConfig{
			CollectInterval: 15 * time.Second,
			HealthInterval:  30 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// any), a .env file in the working directory, and PULSE_* variables, in
// increasing precedence
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	// A missing .env is normal outside development
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("ADDR", &c.Server.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	flag("LOG_JSON", &c.Log.JSON)
	str("JWT_SECRET", &c.Auth.Secret)
	str("JWT_ISSUER", &c.Auth.Issuer)
	num("CAPACITY", &c.Registry.Capacity)
	dur("ADMISSION_TIMEOUT", &c.Registry.WaitTimeout)
	dur("PUSH_TICK", &c.Push.Tick)
	str("SNAPSHOT_RUN_AT", &c.Snapshot.RunAt)
	num("RETENTION_DAYS", &c.Snapshot.RetentionDays)
	flag("SNAPSHOT_ENABLED", &c.Snapshot.Enabled)
	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("DATA_DIR", &c.Storage.DataDir)
	str("POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	str("RABBITMQ_URL", &c.RabbitMQ.URL)
	str("RABBITMQ_EXCHANGE", &c.RabbitMQ.Exchange)

	// Shared with the rest of the platform
	if c.Storage.PostgresDSN == "" {
		c.Storage.PostgresDSN = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}

	return errors.Join(errs...)
}

// Validate rejects configurations pulse cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Registry.Capacity <= 0 {
		errs = append(errs, errors.New("registry.capacity must be positive"))
	}
	if c.Registry.WaitTimeout <= 0 {
		errs = append(errs, errors.New("registry.wait_timeout must be positive"))
	}
	if c.Push.Tick <= 0 {
		errs = append(errs, errors.New("push.tick must be positive"))
	}
	if c.Push.SurgeThreshold <= 0 {
		errs = append(errs, errors.New("push.surge_threshold must be positive"))
	}
	if c.Snapshot.RetentionDays <= 0 {
		errs = append(errs, errors.New("snapshot.retention_days must be positive"))
	}
	if c.Snapshot.BackoffMax < c.Snapshot.BackoffBase {
		errs = append(errs, errors.New("snapshot.backoff_max must not be below backoff_base"))
	}
	if _, err := c.Snapshot.RunAtOffset(); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage.Driver {
	case DriverBolt:
		if c.Storage.DataDir == "" {
			errs = append(errs, errors.New("storage.data_dir is required for the bolt driver"))
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	return errors.Join(errs...)
}

// RunAtOffset parses RunAt ("HH:MM") into an offset from midnight
func (s SnapshotConfig) RunAtOffset() (time.Duration, error) {
	t, err := time.Parse("15:04", s.RunAt)
	if err != nil {
		return 0, fmt.Errorf("snapshot.run_at %q: expected HH:MM", s.RunAt)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

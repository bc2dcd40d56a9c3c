// Package config loads pdfqueue settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pdfqueue/internal/logger"
	"pdfqueue/internal/model"
	"pdfqueue/internal/objectstore"
	"pdfqueue/internal/queue"
	"pdfqueue/internal/render"
)

type Config struct {
	App     AppConfig
	HTTP    HTTPConfig
	Log     logger.Config
	DB      DBConfig
	Redis   RedisConfig
	Queue   QueueConfig
	Worker  WorkerConfig
	API     APIConfig
	Render  RenderConfig
	Storage StorageConfig
}

type AppConfig struct {
	Name string
	Env  string
}

type HTTPConfig struct {
	Addr             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	CORSAllowOrigins []string
	CORSAllowMethods []string
}

type DBConfig struct {
	Path string
}

// RedisConfig enables cross-process lifecycle events when Enabled.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Channel  string
}

type QueueConfig struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	KeepCompleted time.Duration
	// KeepFailed of zero keeps failed jobs until removed by hand.
	KeepFailed    time.Duration
	LockDuration  time.Duration
	RateLimit     int
	RateWindow    time.Duration
	ReapSchedule  string
	PruneSchedule string
}

type WorkerConfig struct {
	// Embedded runs the worker inside `pdfqueue serve`.
	Embedded     bool
	PollInterval time.Duration
	// ControlDir holds the pid and stop files.
	ControlDir string
}

type APIConfig struct {
	// Domain is the CRM origin that serves the printable views.
	Domain string
	// Ceiling is the admission limit on outstanding jobs.
	Ceiling          int
	WaitTimeout      time.Duration
	WaitPollInterval time.Duration
	RetryAfter       time.Duration
	ServiceName      string
}

type RenderConfig struct {
	ChromePath string
	NoSandbox  bool
	Verify     bool
}

type StorageConfig struct {
	Bucket               string
	Region               string
	Endpoint             string
	AccessKey            string
	SecretKey            string
	CDNHost              string
	UsePathStyle         bool
	ACL                  string
	ServerSideEncryption string
	KeyPrefix            string
	PartSize             int64
	Concurrency          int
	Retries              int
}

// Load reads configuration.
// Priority (highest to lowest):
// 1. command-line flags bound from flags (e.g. --db)
// 2. environment variables with PDFQ_ prefix (e.g. PDFQ_STORAGE_BUCKET)
// 3. the config file: configFile, or pdfqueue.toml in . or /etc/pdfqueue
// 4. built-in defaults
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("pdfqueue")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pdfqueue")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("PDFQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("worker.embedded", true)
	v.SetDefault("render.verify", true)

	if flags != nil {
		if f := flags.Lookup("db"); f != nil {
			if err := v.BindPFlag("db.path", f); err != nil {
				return nil, fmt.Errorf("bind --db: %w", err)
			}
		}
	}

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		HTTP: HTTPConfig{
			Addr:             v.GetString("http.addr"),
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
			CORSAllowMethods: v.GetStringSlice("http.cors_allow_methods"),
		},
		Log: logger.Config{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		DB: DBConfig{
			Path: v.GetString("db.path"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Channel:  v.GetString("redis.channel"),
		},
		Queue: QueueConfig{
			MaxAttempts:   v.GetInt("queue.max_attempts"),
			BackoffBase:   v.GetDuration("queue.backoff_base"),
			BackoffCap:    v.GetDuration("queue.backoff_cap"),
			KeepCompleted: v.GetDuration("queue.keep_completed"),
			KeepFailed:    v.GetDuration("queue.keep_failed"),
			LockDuration:  v.GetDuration("queue.lock_duration"),
			RateLimit:     v.GetInt("queue.rate_limit"),
			RateWindow:    v.GetDuration("queue.rate_window"),
			ReapSchedule:  v.GetString("queue.reap_schedule"),
			PruneSchedule: v.GetString("queue.prune_schedule"),
		},
		Worker: WorkerConfig{
			Embedded:     v.GetBool("worker.embedded"),
			PollInterval: v.GetDuration("worker.poll_interval"),
			ControlDir:   v.GetString("worker.control_dir"),
		},
		API: APIConfig{
			Domain:           v.GetString("api.domain"),
			Ceiling:          v.GetInt("api.ceiling"),
			WaitTimeout:      v.GetDuration("api.wait_timeout"),
			WaitPollInterval: v.GetDuration("api.wait_poll_interval"),
			RetryAfter:       v.GetDuration("api.retry_after"),
			ServiceName:      v.GetString("api.service_name"),
		},
		Render: RenderConfig{
			ChromePath: v.GetString("render.chrome_path"),
			NoSandbox:  v.GetBool("render.no_sandbox"),
			Verify:     v.GetBool("render.verify"),
		},
		Storage: StorageConfig{
			Bucket:               v.GetString("storage.bucket"),
			Region:               v.GetString("storage.region"),
			Endpoint:             v.GetString("storage.endpoint"),
			AccessKey:            v.GetString("storage.access_key"),
			SecretKey:            v.GetString("storage.secret_key"),
			CDNHost:              v.GetString("storage.cdn_host"),
			UsePathStyle:         v.GetBool("storage.use_path_style"),
			ACL:                  v.GetString("storage.acl"),
			ServerSideEncryption: v.GetString("storage.server_side_encryption"),
			KeyPrefix:            v.GetString("storage.key_prefix"),
			PartSize:             v.GetInt64("storage.part_size"),
			Concurrency:          v.GetInt("storage.concurrency"),
			Retries:              v.GetInt("storage.retries"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "pdfqueue"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":3000"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if len(cfg.HTTP.CORSAllowOrigins) == 0 {
		cfg.HTTP.CORSAllowOrigins = []string{"*"}
	}
	if len(cfg.HTTP.CORSAllowMethods) == 0 {
		cfg.HTTP.CORSAllowMethods = []string{"GET", "POST"}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stderr"
	}
	if cfg.DB.Path == "" {
		cfg.DB.Path = "pdfqueue.db"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = queue.DefaultEventChannel
	}

	def := queue.DefaultConfig()
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = def.MaxAttempts
	}
	if cfg.Queue.BackoffBase == 0 {
		cfg.Queue.BackoffBase = def.Backoff.Base
	}
	if cfg.Queue.BackoffCap == 0 {
		cfg.Queue.BackoffCap = def.Backoff.Cap
	}
	if cfg.Queue.KeepCompleted == 0 {
		cfg.Queue.KeepCompleted = def.KeepCompleted
	}
	if cfg.Queue.LockDuration == 0 {
		cfg.Queue.LockDuration = def.LockDuration
	}
	if cfg.Queue.RateLimit == 0 {
		cfg.Queue.RateLimit = def.RateLimit
	}
	if cfg.Queue.RateWindow == 0 {
		cfg.Queue.RateWindow = def.RateWindow
	}
	if cfg.Queue.ReapSchedule == "" {
		cfg.Queue.ReapSchedule = queue.DefaultReapSchedule
	}
	if cfg.Queue.PruneSchedule == "" {
		cfg.Queue.PruneSchedule = queue.DefaultPruneSchedule
	}

	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = 300 * time.Millisecond
	}
	if cfg.Worker.ControlDir == "" {
		cfg.Worker.ControlDir = "."
	}

	if cfg.API.Ceiling == 0 {
		cfg.API.Ceiling = 50
	}
	if cfg.API.WaitTimeout == 0 {
		cfg.API.WaitTimeout = 5 * time.Minute
	}
	if cfg.API.WaitPollInterval == 0 {
		cfg.API.WaitPollInterval = 1500 * time.Millisecond
	}
	if cfg.API.RetryAfter == 0 {
		cfg.API.RetryAfter = 5 * time.Second
	}
	if cfg.API.ServiceName == "" {
		cfg.API.ServiceName = "PDF Generator (Queue)"
	}

	if cfg.Storage.ACL == "" {
		cfg.Storage.ACL = "public-read"
	}
	if cfg.Storage.ServerSideEncryption == "" {
		cfg.Storage.ServerSideEncryption = "AES256"
	}
	if cfg.Storage.KeyPrefix == "" {
		cfg.Storage.KeyPrefix = objectstore.DefaultKeyPrefix
	}
}

func (c *Config) validate() error {
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Queue.BackoffBase < 0 || c.Queue.BackoffCap < 0 {
		return fmt.Errorf("queue backoff durations cannot be negative")
	}
	if c.Queue.BackoffCap > 0 && c.Queue.BackoffCap < c.Queue.BackoffBase {
		return fmt.Errorf("queue.backoff_cap (%v) cannot be below queue.backoff_base (%v)",
			c.Queue.BackoffCap, c.Queue.BackoffBase)
	}
	if c.Queue.RateLimit < 0 {
		return fmt.Errorf("queue.rate_limit cannot be negative")
	}
	if c.Queue.KeepFailed < 0 || c.Queue.KeepCompleted < 0 {
		return fmt.Errorf("queue retention cannot be negative")
	}
	if c.API.Ceiling < 1 {
		return fmt.Errorf("api.ceiling must be positive")
	}
	if c.API.WaitPollInterval <= 0 || c.API.WaitTimeout <= 0 {
		return fmt.Errorf("api wait durations must be positive")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}

	if c.App.Env == "production" {
		if c.API.Domain == "" {
			return fmt.Errorf("api.domain is required in production")
		}
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required in production")
		}
	}
	return nil
}

// QueueOptions converts the queue section for queue.New.
func (c *Config) QueueOptions() queue.Config {
	return queue.Config{
		MaxAttempts:   c.Queue.MaxAttempts,
		Backoff:       model.Backoff{Base: c.Queue.BackoffBase, Cap: c.Queue.BackoffCap},
		KeepCompleted: c.Queue.KeepCompleted,
		KeepFailed:    c.Queue.KeepFailed,
		LockDuration:  c.Queue.LockDuration,
		RateLimit:     c.Queue.RateLimit,
		RateWindow:    c.Queue.RateWindow,
	}
}

func (c *Config) StorageOptions() objectstore.Config {
	return objectstore.Config{
		Bucket:               c.Storage.Bucket,
		Region:               c.Storage.Region,
		Endpoint:             c.Storage.Endpoint,
		AccessKey:            c.Storage.AccessKey,
		SecretKey:            c.Storage.SecretKey,
		CDNHost:              c.Storage.CDNHost,
		UsePathStyle:         c.Storage.UsePathStyle,
		ACL:                  c.Storage.ACL,
		ServerSideEncryption: c.Storage.ServerSideEncryption,
		PartSize:             c.Storage.PartSize,
		Concurrency:          c.Storage.Concurrency,
		Retries:              c.Storage.Retries,
	}
}

func (c *Config) RedisOptions() queue.RedisConfig {
	return queue.RedisConfig{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		Channel:  c.Redis.Channel,
	}
}

func (c *Config) ChromeOptions() render.ChromeConfig {
	return render.ChromeConfig{
		ExecPath:  c.Render.ChromePath,
		NoSandbox: c.Render.NoSandbox,
		Verify:    c.Render.Verify,
	}
}

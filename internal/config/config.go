package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the process configuration.
type Config struct {
	HTTP     HTTP
	Logger   Logger
	Store    Store
	Caller   Caller
	API      API
	Shutdown Shutdown
}

type HTTP struct {
	Addr string
}

type Logger struct {
	Level  string
	Format string
	Output string
}

type Store struct {
	Driver        string
	RunLogRetain  int
	FileJobsPath  string
	FileRunLogs   string
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

type Caller struct {
	// Timeout bounds each outbound call; zero means no bound.
	Timeout time.Duration
}

type API struct {
	RunLogLimit int
}

type Shutdown struct {
	Timeout time.Duration
}

const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.runlog_retain", 1000)
	v.SetDefault("store.file.jobs_path", "data/jobs.json")
	v.SetDefault("store.file.runlogs_path", "data/runlogs.json")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "httpjobs")
	v.SetDefault("caller.timeout", "0s")
	v.SetDefault("api.runlog_limit", 200)
	v.SetDefault("shutdown.timeout", "5s")
}

// Load reads configuration from the optional file at path and from the
// environment. Environment keys use the HTTPJOBS_ prefix with dots replaced
// by underscores; DATABASE_URL is also accepted for the postgres DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HTTPJOBS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("store.postgres.dsn", "HTTPJOBS_STORE_POSTGRES_DSN", "DATABASE_URL"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		HTTP: HTTP{Addr: v.GetString("http.addr")},
		Logger: Logger{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Store: Store{
			Driver:        strings.ToLower(v.GetString("store.driver")),
			RunLogRetain:  v.GetInt("store.runlog_retain"),
			FileJobsPath:  v.GetString("store.file.jobs_path"),
			FileRunLogs:   v.GetString("store.file.runlogs_path"),
			PostgresDSN:   v.GetString("store.postgres.dsn"),
			RedisAddr:     v.GetString("store.redis.addr"),
			RedisPassword: v.GetString("store.redis.password"),
			RedisDB:       v.GetInt("store.redis.db"),
			RedisPrefix:   v.GetString("store.redis.prefix"),
		},
		Caller:   Caller{Timeout: v.GetDuration("caller.timeout")},
		API:      API{RunLogLimit: v.GetInt("api.runlog_limit")},
		Shutdown: Shutdown{Timeout: v.GetDuration("shutdown.timeout")},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverFile, DriverRedis:
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres.dsn (or DATABASE_URL) is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Caller.Timeout < 0 {
		return fmt.Errorf("caller.timeout must not be negative")
	}
	if c.API.RunLogLimit <= 0 {
		return fmt.Errorf("api.runlog_limit must be positive")
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "PAIRRELAY"

// Config represents runtime configuration for the relay.
type Config struct {
	ServerAddress  string                    `mapstructure:"server_address"`
	MetricsAddress string                    `mapstructure:"metrics_address"`
	AllowedOrigins []string                  `mapstructure:"allowed_origins"`
	Store          StoreConfig               `mapstructure:"store"`
	Databases      map[string]DatabaseConfig `mapstructure:"databases"`
	Redis          RedisConfig               `mapstructure:"redis"`
	Session        SessionConfig             `mapstructure:"session"`
	Actors         ActorConfig               `mapstructure:"actors"`
	Sweep          SweepConfig               `mapstructure:"sweep"`
	Logging        LoggingConfig             `mapstructure:"logging"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	Username         string `mapstructure:"username"`
	Password         string `mapstructure:"password"`
	DB               int    `mapstructure:"db"`
	KeyPrefix        string `mapstructure:"key_prefix"`
	RetentionMinutes int    `mapstructure:"retention_minutes"`
}

// SessionConfig holds the relay limits. Defaults are the public contract:
// ten minutes of inactivity, sixty messages, 64 KiB per body.
type SessionConfig struct {
	TTLSeconds   int   `mapstructure:"ttl_seconds"`
	MaxMessages  int   `mapstructure:"max_messages"`
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

type ActorConfig struct {
	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds"`
	MailboxSize        int `mapstructure:"mailbox_size"`
}

type SweepConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

func (a ActorConfig) IdleTimeout() time.Duration {
	return time.Duration(a.IdleTimeoutSeconds) * time.Second
}

func (s SweepConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

func (r RedisConfig) Retention() time.Duration {
	return time.Duration(r.RetentionMinutes) * time.Minute
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_address", ":8787")
	v.SetDefault("metrics_address", "")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("store.driver", "memory")
	v.SetDefault("databases.sqlite3.dsn", "pairrelay.db")
	v.SetDefault("databases.mysql.host", "127.0.0.1")
	v.SetDefault("databases.mysql.port", 3306)
	v.SetDefault("databases.mysql.username", "")
	v.SetDefault("databases.mysql.password", "")
	v.SetDefault("databases.mysql.db_name", "pairrelay")
	v.SetDefault("databases.mysql.params", "charset=utf8mb4")
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "pairrelay:")
	v.SetDefault("redis.retention_minutes", 24*60)
	v.SetDefault("session.ttl_seconds", 600)
	v.SetDefault("session.max_messages", 60)
	v.SetDefault("session.max_body_bytes", 64*1024)
	v.SetDefault("actors.idle_timeout_seconds", 1200)
	v.SetDefault("actors.mailbox_size", 16)
	v.SetDefault("sweep.interval_seconds", 0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

// Default returns the configuration used when no file or environment overrides exist.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// defaults are static; a failure here is a programming error
		panic(err)
	}
	return cfg
}

// Load reads configuration from the provided path, if any, and applies
// PAIRRELAY_* environment overrides. An empty path means defaults plus env.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("open config %s: %w", absPath, err)
		}
		v.SetConfigFile(absPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if dsn := cfg.Databases["sqlite3"].DSN; path != "" && dsn != "" && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") && !filepath.IsAbs(dsn) {
		db := cfg.Databases["sqlite3"]
		db.DSN = filepath.Join(filepath.Dir(path), dsn)
		cfg.Databases["sqlite3"] = db
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// ALLOWED_ORIGINS is the name deployments of the relay already use.
	_ = v.BindEnv("allowed_origins", envPrefix+"_ALLOWED_ORIGINS", "ALLOWED_ORIGINS")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.AllowedOrigins = splitOrigins(cfg.AllowedOrigins)
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Databases == nil {
		cfg.Databases = make(map[string]DatabaseConfig)
	}
	return &cfg, nil
}

func splitOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, entry := range in {
		for _, origin := range strings.Split(entry, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				out = append(out, origin)
			}
		}
	}
	return out
}

// Validate rejects configurations the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerAddress == "" {
		errs = append(errs, errors.New("server_address must be configured"))
	}
	if c.Session.TTLSeconds <= 0 {
		errs = append(errs, errors.New("session.ttl_seconds must be positive"))
	}
	if c.Session.MaxMessages <= 0 {
		errs = append(errs, errors.New("session.max_messages must be positive"))
	}
	if c.Session.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("session.max_body_bytes must be positive"))
	}
	if c.Actors.MailboxSize < 0 {
		errs = append(errs, errors.New("actors.mailbox_size cannot be negative"))
	}
	if c.Sweep.IntervalSeconds < 0 {
		errs = append(errs, errors.New("sweep.interval_seconds cannot be negative"))
	}
	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Redis.Retention() < c.Session.TTL() {
			errs = append(errs, errors.New("redis.retention_minutes must cover session.ttl_seconds"))
		}
	case "sqlite", "sqlite3":
		if c.Databases["sqlite3"].DSN == "" {
			errs = append(errs, errors.New("databases.sqlite3.dsn must be configured"))
		}
	case "mysql":
		if c.Databases["mysql"].Host == "" {
			errs = append(errs, errors.New("databases.mysql.host must be configured"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported store driver: %q", c.Store.Driver))
	}
	return errors.Join(errs...)
}

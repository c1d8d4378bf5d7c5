package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig
	Store      StoreConfig
	Postgres   PostgresConfig
	Mongo      MongoConfig
	Remote     RemoteConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Log        LogConfig
	Ledger     LedgerConfig
	StockCount StockCountConfig
	Monitor    MonitorConfig
}

type AppConfig struct {
	Env           string
	Port          string
	AllowedOrigin string
}

type StoreConfig struct {
	Driver         string // memory, postgres, mongo, remote
	DefaultStoreID string
}

type PostgresConfig struct {
	URL string
}

type MongoConfig struct {
	URI      string
	Database string
}

type RemoteConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

type AuthConfig struct {
	Secret         string
	AccessTokenTTL time.Duration
	ManagerPIN     string
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

type LedgerConfig struct {
	CashMethod              string
	Timezone                string
	AllowAdminMultipleDaily bool
	AllowNegativeStock      bool
	FinalizeConcurrency     int
}

type StockCountConfig struct {
	Path     string
	DeviceID string
}

type MonitorConfig struct {
	Enabled bool
	Cron    string
}

// Load reads an optional .env file, then config.toml, then LEDGER_* environment
// variables, in increasing priority. Missing files are not an error.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./backend")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Config{
		App: AppConfig{
			Env:           v.GetString("app.env"),
			Port:          v.GetString("app.port"),
			AllowedOrigin: v.GetString("app.allowed_origin"),
		},
		Store: StoreConfig{
			Driver:         strings.ToLower(strings.TrimSpace(v.GetString("store.driver"))),
			DefaultStoreID: v.GetString("store.default_store_id"),
		},
		Postgres: PostgresConfig{URL: v.GetString("postgres.url")},
		Mongo: MongoConfig{
			URI:      v.GetString("mongo.uri"),
			Database: v.GetString("mongo.database"),
		},
		Remote: RemoteConfig{
			BaseURL: v.GetString("remote.base_url"),
			Token:   v.GetString("remote.token"),
			Timeout: v.GetDuration("remote.timeout"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			LockTTL:  v.GetDuration("redis.lock_ttl"),
		},
		Auth: AuthConfig{
			Secret:         strings.TrimSpace(v.GetString("auth.secret")),
			AccessTokenTTL: v.GetDuration("auth.access_token_ttl"),
			ManagerPIN:     strings.TrimSpace(v.GetString("auth.manager_pin")),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Ledger: LedgerConfig{
			CashMethod:              v.GetString("ledger.cash_method"),
			Timezone:                v.GetString("ledger.timezone"),
			AllowAdminMultipleDaily: v.GetBool("ledger.allow_admin_multiple_daily"),
			AllowNegativeStock:      v.GetBool("ledger.allow_negative_stock"),
			FinalizeConcurrency:     v.GetInt("ledger.finalize_concurrency"),
		},
		StockCount: StockCountConfig{
			Path:     v.GetString("stockcount.path"),
			DeviceID: v.GetString("stockcount.device_id"),
		},
		Monitor: MonitorConfig{
			Enabled: v.GetBool("monitor.enabled"),
			Cron:    v.GetString("monitor.cron"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.allowed_origin", "http://127.0.0.1:3000")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.default_store_id", "loja-1")
	v.SetDefault("postgres.url", "")
	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "pdv")
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", 10*time.Second)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 5*time.Second)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.access_token_ttl", 8*time.Hour)
	v.SetDefault("auth.manager_pin", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("ledger.cash_method", "Dinheiro")
	v.SetDefault("ledger.timezone", "America/Sao_Paulo")
	v.SetDefault("ledger.allow_admin_multiple_daily", true)
	v.SetDefault("ledger.allow_negative_stock", true)
	v.SetDefault("ledger.finalize_concurrency", 8)
	v.SetDefault("stockcount.path", "stockcount.db")
	v.SetDefault("stockcount.device_id", "terminal-1")
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.cron", "*/15 * * * *")
}

// Validate checks structural settings. Auth strength is enforced at startup.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Postgres.URL == "" {
			return errors.New("LEDGER_POSTGRES_URL must be provided for the postgres driver")
		}
	case "mongo":
		if c.Mongo.URI == "" {
			return errors.New("LEDGER_MONGO_URI must be provided for the mongo driver")
		}
	case "remote":
		if c.Remote.BaseURL == "" {
			return errors.New("LEDGER_REMOTE_BASE_URL must be provided for the remote driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if strings.TrimSpace(c.Ledger.CashMethod) == "" {
		return errors.New("ledger.cash_method must not be empty")
	}
	if _, err := time.LoadLocation(c.Ledger.Timezone); err != nil {
		return fmt.Errorf("ledger.timezone: %w", err)
	}
	if c.Ledger.FinalizeConcurrency < 1 {
		return errors.New("ledger.finalize_concurrency must be at least 1")
	}
	if c.StockCount.DeviceID == "" {
		return errors.New("stockcount.device_id must be provided")
	}
	return nil
}

// Location returns the configured ledger timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Ledger.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.App.Port)
}

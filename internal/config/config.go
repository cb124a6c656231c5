// Package config loads roll-cli settings from config.yaml, the environment
// and an optional .env file.
package config

import (
	"errors"
	"io/fs"
	"net"
	"net/url"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/roll-cli/internal/store"
)

// ErrMissingConfig is returned by Validate when a required key is unset.
var ErrMissingConfig = eris.New("config: missing required configuration")

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Validation scopes.
const (
	ScopeStore  = "store"
	ScopeTables = "tables"
)

// Config is the top-level configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Tables    store.Tables    `yaml:"tables" mapstructure:"tables"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Geometry  GeometryConfig  `yaml:"geometry" mapstructure:"geometry"`
	Aggregate AggregateConfig `yaml:"aggregate" mapstructure:"aggregate"`
	Mapping   MappingConfig   `yaml:"mapping" mapstructure:"mapping"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig holds the database connection settings. DatabaseURL wins over
// the individual parts; for SQLite it is the database file.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Host        string `yaml:"host" mapstructure:"host"`
	Port        int    `yaml:"port" mapstructure:"port"`
	User        string `yaml:"user" mapstructure:"user"`
	Password    string `yaml:"password" mapstructure:"password"`
	Name        string `yaml:"name" mapstructure:"name"`
	SSLMode     string `yaml:"sslmode" mapstructure:"sslmode"`
}

// IngestConfig tunes the ingestion workers.
type IngestConfig struct {
	Workers   int `yaml:"workers" mapstructure:"workers"`
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
}

// GeometryConfig tunes the geometry join.
type GeometryConfig struct {
	CommitEvery int `yaml:"commit_every" mapstructure:"commit_every"`
}

// AggregateConfig tunes duplicate aggregation.
type AggregateConfig struct {
	CUBF               int  `yaml:"cubf" mapstructure:"cubf"`
	VerifySharedFields bool `yaml:"verify_shared_fields" mapstructure:"verify_shared_fields"`
}

// MappingConfig points at an optional code table merged over the built-in
// one.
type MappingConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// FetchConfig configures release downloads.
type FetchConfig struct {
	UserAgent         string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries        int     `yaml:"max_retries" mapstructure:"max_retries"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// legacyEnv maps keys to the variable names used by earlier deployments'
// .env files.
var legacyEnv = map[string]string{
	"store.user":          "DB_USER",
	"store.password":      "DB_PASSWORD",
	"store.name":          "DB_NAME",
	"tables.roll":         "ROLL_TABLE_NAME",
	"tables.archive":      "MURB_DISAG_TABLE_NAME",
	"tables.owner_status": "OWNER_STATUS_TABLE_NAME",
	"tables.phys_link":    "PHYS_LINK_TABLE_NAME",
	"tables.const_type":   "CONST_TYPE_TABLE_NAME",
}

// DefaultWorkers leaves one CPU for the coordinator and the database.
func DefaultWorkers() int {
	return max(runtime.NumCPU()-1, 1)
}

// Load reads configuration from config.yaml, env vars, and defaults. A .env
// file in the working directory is loaded first; it never overrides
// variables already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: read .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ROLL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		envKey := "ROLL_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, eris.Wrapf(err, "config: bind %s", key)
		}
	}

	v.SetDefault("store.driver", DriverPostgres)
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.host", "localhost")
	v.SetDefault("store.port", 5432)
	v.SetDefault("store.sslmode", "prefer")
	v.SetDefault("ingest.workers", DefaultWorkers())
	v.SetDefault("ingest.batch_size", 3000)
	v.SetDefault("geometry.commit_every", 10_000)
	v.SetDefault("aggregate.cubf", 1000)
	v.SetDefault("aggregate.verify_shared_fields", true)
	v.SetDefault("mapping.file", "")
	v.SetDefault("fetch.user_agent", "roll-cli/1.0")
	v.SetDefault("fetch.timeout_secs", 600)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.requests_per_second", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the keys each scope needs. Every missing key is named in
// the error.
func (c *Config) Validate(scopes ...string) error {
	var missing []string
	for _, scope := range scopes {
		switch scope {
		case ScopeStore:
			switch c.Store.Driver {
			case DriverPostgres:
				if c.Store.DatabaseURL == "" {
					if c.Store.User == "" {
						missing = append(missing, "store.user")
					}
					if c.Store.Name == "" {
						missing = append(missing, "store.name")
					}
				}
			case DriverSQLite:
				if c.Store.DatabaseURL == "" {
					missing = append(missing, "store.database_url")
				}
			default:
				return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
			}
		case ScopeTables:
			for _, f := range []struct{ key, value string }{
				{"tables.roll", c.Tables.Roll},
				{"tables.archive", c.Tables.Archive},
				{"tables.owner_status", c.Tables.OwnerStatus},
				{"tables.phys_link", c.Tables.PhysLink},
				{"tables.const_type", c.Tables.ConstType},
			} {
				if f.value == "" {
					missing = append(missing, f.key)
				}
			}
		default:
			return eris.Errorf("config: unknown scope %q", scope)
		}
	}
	if len(missing) > 0 {
		return eris.Wrap(ErrMissingConfig, strings.Join(missing, ", "))
	}
	return nil
}

// DSN returns the Postgres connection string, composing it from the parts
// when store.database_url is empty.
func (c *Config) DSN() string {
	if c.Store.DatabaseURL != "" {
		return c.Store.DatabaseURL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Store.Host, strconv.Itoa(c.Store.Port)),
		Path:   "/" + c.Store.Name,
	}
	if c.Store.Password != "" {
		u.User = url.UserPassword(c.Store.User, c.Store.Password)
	} else {
		u.User = url.User(c.Store.User)
	}
	if c.Store.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.Store.SSLMode}}.Encode()
	}
	return u.String()
}

// InitLogger initializes the global zap logger based on config.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

// Package config loads the server configuration from an optional TOML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/spf13/viper"

	"github.com/digitorus/signserver/guard"
	"github.com/digitorus/signserver/store"
)

func init() {
	govalidator.SetFieldsRequiredByDefault(true)
}

// DefaultLocation is the config file read when no path is given.
var DefaultLocation = "./signserver.toml"

// EnvPrefix prefixes environment overrides, SIGNSERVER_HTTP_ADDR sets
// http.addr.
const EnvPrefix = "SIGNSERVER"

// Config is the root of the config
type Config struct {
	HTTP    HTTP         `mapstructure:"http" valid:"-"`
	Log     Log          `mapstructure:"log" valid:"-"`
	Storage store.Config `mapstructure:"storage" valid:"-"`
	TSA     TSA          `mapstructure:"tsa" valid:"-"`
	Signing Signing      `mapstructure:"signing" valid:"-"`
	Flow    Flow         `mapstructure:"flow" valid:"-"`
	Limits  Limits       `mapstructure:"limits" valid:"-"`
	Auth    Auth         `mapstructure:"auth" valid:"-"`
}

type HTTP struct {
	Addr            string        `mapstructure:"addr" valid:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" valid:"-"`
}

type Log struct {
	Level  string `mapstructure:"level" valid:"in(trace|debug|info|warn|error)"`
	Format string `mapstructure:"format" valid:"in(json|console)"`
}

// TSA is the default time-stamp authority, disabled when URL is empty.
type TSA struct {
	URL      string        `mapstructure:"url" valid:"url,optional"`
	Username string        `mapstructure:"username" valid:"-"`
	Password string        `mapstructure:"password" valid:"-"`
	Timeout  time.Duration `mapstructure:"timeout" valid:"-"`
}

type Signing struct {
	ReserveBytes    int           `mapstructure:"reserve_bytes" valid:"-"`
	RequestTTL      time.Duration `mapstructure:"request_ttl" valid:"-"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval" valid:"-"`
}

type Flow struct {
	Workers     int           `mapstructure:"workers" valid:"-"`
	// Parallelism is the number of documents a step processes at once.
	Parallelism int           `mapstructure:"parallelism" valid:"-"`
	QueueSize   int           `mapstructure:"queue_size" valid:"-"`
	RunTimeout  time.Duration `mapstructure:"run_timeout" valid:"-"`
}

type Limits struct {
	guard.SizeGuard     `mapstructure:",squash" valid:"-"`
	MaxConcurrentPerKey int `mapstructure:"max_concurrent_per_key" valid:"-"`
}

type Auth struct {
	Enabled   bool   `mapstructure:"enabled" valid:"-"`
	JWTSecret string `mapstructure:"jwt_secret" valid:"-"`
	Issuer    string `mapstructure:"issuer" valid:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("storage.driver", store.DriverFilesystem)
	v.SetDefault("storage.path", "./data")
	v.SetDefault("storage.minio.endpoint", "")
	v.SetDefault("storage.minio.access_key", "")
	v.SetDefault("storage.minio.secret_key", "")
	v.SetDefault("storage.minio.bucket", "")
	v.SetDefault("storage.minio.region", "")
	v.SetDefault("storage.minio.use_ssl", false)
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.credentials_file", "")
	v.SetDefault("storage.gcs.endpoint", "")

	v.SetDefault("tsa.url", "")
	v.SetDefault("tsa.username", "")
	v.SetDefault("tsa.password", "")
	v.SetDefault("tsa.timeout", "30s")

	v.SetDefault("signing.reserve_bytes", 8192)
	v.SetDefault("signing.request_ttl", "24h")
	v.SetDefault("signing.janitor_interval", "1h")

	v.SetDefault("flow.workers", 4)
	v.SetDefault("flow.parallelism", 4)
	v.SetDefault("flow.queue_size", 256)
	v.SetDefault("flow.run_timeout", "10m")

	v.SetDefault("limits.pdf_bytes", guard.DefaultPDFMaxBytes)
	v.SetDefault("limits.image_bytes", guard.DefaultImageMaxBytes)
	v.SetDefault("limits.attachment_bytes", guard.DefaultAttachmentMaxBytes)
	v.SetDefault("limits.body_bytes", guard.DefaultBodyMaxBytes)
	v.SetDefault("limits.max_concurrent_per_key", guard.DefaultMaxInFlight)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
}

// Load reads the configuration. A missing file at path is an error unless
// path is DefaultLocation or empty; environment variables override the
// file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Deployments of the previous server configure the TSA with these.
	_ = v.BindEnv("tsa.url", EnvPrefix+"_TSA_URL", "TSA_URL")
	_ = v.BindEnv("tsa.username", EnvPrefix+"_TSA_USERNAME", "TSA_USERNAME")
	_ = v.BindEnv("tsa.password", EnvPrefix+"_TSA_PASSWORD", "TSA_PASSWORD")

	explicit := path != "" && path != DefaultLocation
	if path == "" {
		path = DefaultLocation
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := c.ValidateFields(); err != nil {
		return nil, fmt.Errorf("config is not valid: %w", err)
	}

	return &c, nil
}

// ValidateFields validates all the fields of the config
func (c Config) ValidateFields() error {
	for _, section := range []any{c.HTTP, c.Log, c.Storage, c.TSA} {
		if _, err := govalidator.ValidateStruct(section); err != nil {
			return err
		}
	}

	switch {
	case c.Signing.ReserveBytes < 0:
		return errors.New("signing.reserve_bytes must not be negative")
	case c.Flow.Workers < 1:
		return errors.New("flow.workers must be at least 1")
	case c.Flow.Parallelism < 1:
		return errors.New("flow.parallelism must be at least 1")
	case c.Limits.MaxConcurrentPerKey < 1:
		return errors.New("limits.max_concurrent_per_key must be at least 1")
	case c.Auth.Enabled && c.Auth.JWTSecret == "":
		return errors.New("auth.jwt_secret is required when auth is enabled")
	case c.Storage.Driver == store.DriverFilesystem && c.Storage.Path == "":
		return errors.New("storage.path is required for the filesystem driver")
	case c.Storage.Driver == store.DriverMinio && (c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == ""):
		return errors.New("storage.minio.endpoint and storage.minio.bucket are required for the minio driver")
	case c.Storage.Driver == store.DriverGCS && c.Storage.GCS.Bucket == "":
		return errors.New("storage.gcs.bucket is required for the gcs driver")
	}
	return nil
}

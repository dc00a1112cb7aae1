// Package config loads service configuration from defaults, an optional
// config file, KYCFLOW_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Classifier transports.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Config holds the configuration for the service.
type Config struct {
	HTTP struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		MaxFrameBytes   int64         `mapstructure:"max_frame_bytes"`
	} `mapstructure:"http"`
	Log struct {
		Development bool `mapstructure:"development"`
	} `mapstructure:"log"`
	Database struct {
		// An empty DSN disables attempt persistence.
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Redis struct {
		// An empty address disables status snapshots.
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`
	JWT struct {
		Secret   string `mapstructure:"secret"`
		Audience string `mapstructure:"audience"`
	} `mapstructure:"jwt"`
	KYC struct {
		BaseURL string        `mapstructure:"base_url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"kyc"`
	Classifier struct {
		Transport string `mapstructure:"transport"`
		GRPCAddr  string `mapstructure:"grpc_addr"`
	} `mapstructure:"classifier"`
	Reference struct {
		// An empty file uses the embedded table.
		File string `mapstructure:"file"`
	} `mapstructure:"reference"`
	Cache struct {
		TemplateTTL time.Duration `mapstructure:"template_ttl"`
		PreviewTTL  time.Duration `mapstructure:"preview_ttl"`
		StatusTTL   time.Duration `mapstructure:"status_ttl"`
	} `mapstructure:"cache"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("http.max_frame_bytes", 10<<20)
	v.SetDefault("log.development", false)
	v.SetDefault("database.dsn", "host=postgres user=postgres password=postgres dbname=kycflow port=5432 sslmode=disable")
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("jwt.secret", "dev-secret")
	v.SetDefault("jwt.audience", "")
	v.SetDefault("kyc.base_url", "http://kyc-backend:8000")
	v.SetDefault("kyc.timeout", 30*time.Second)
	v.SetDefault("classifier.transport", TransportHTTP)
	v.SetDefault("classifier.grpc_addr", "classifier:50051")
	v.SetDefault("reference.file", "")
	v.SetDefault("cache.template_ttl", 5*time.Minute)
	v.SetDefault("cache.preview_ttl", 15*time.Minute)
	v.SetDefault("cache.status_ttl", 30*time.Minute)
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"http-addr":            "http.addr",
	"database-dsn":         "database.dsn",
	"redis-addr":           "redis.addr",
	"kyc-base-url":         "kyc.base_url",
	"classifier-transport": "classifier.transport",
	"classifier-grpc-addr": "classifier.grpc_addr",
	"reference-file":       "reference.file",
	"log-development":      "log.development",
}

// RegisterFlags adds the serve flags to fs. Flag defaults mirror SetDefaults
// because viper ranks an unset flag's default above SetDefault.
func RegisterFlags(fs *pflag.FlagSet) {
	d := viper.New()
	SetDefaults(d)

	fs.String("config-file", "", "Path to config file.")
	fs.String("http-addr", d.GetString("http.addr"), "HTTP listen address")
	fs.String("database-dsn", d.GetString("database.dsn"), "postgres DSN for the attempt log; empty disables persistence")
	fs.String("redis-addr", d.GetString("redis.addr"), "redis host:port for status snapshots; empty disables snapshots")
	fs.String("kyc-base-url", d.GetString("kyc.base_url"), "base URL of the verification backend")
	fs.String("classifier-transport", d.GetString("classifier.transport"), "classification transport (http or grpc)")
	fs.String("classifier-grpc-addr", d.GetString("classifier.grpc_addr"), "gRPC classifier address")
	fs.String("reference-file", d.GetString("reference.file"), "reference table JSON; empty uses the embedded table")
	fs.Bool("log-development", d.GetBool("log.development"), "human readable logs")
}

// BindFlags binds the flags registered by RegisterFlags to v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for flag, key := range flagKeys {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("KYCFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file and decodes the result.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			// it's ok if config file doesn't exist
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	c.KYC.BaseURL = strings.TrimRight(strings.TrimSpace(c.KYC.BaseURL), "/")
	c.Classifier.Transport = strings.ToLower(strings.TrimSpace(c.Classifier.Transport))

	switch c.Classifier.Transport {
	case TransportHTTP:
	case TransportGRPC:
		if c.Classifier.GRPCAddr == "" {
			return errors.New("config: classifier.grpc_addr is required for the grpc transport")
		}
	default:
		return fmt.Errorf("config: unknown classifier transport %q", c.Classifier.Transport)
	}
	if c.KYC.BaseURL == "" {
		return errors.New("config: kyc.base_url is required")
	}
	if c.HTTP.MaxFrameBytes <= 0 {
		return errors.New("config: http.max_frame_bytes must be positive")
	}
	return nil
}

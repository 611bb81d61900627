// Package config loads the cache's structured configuration document
// (YAML, optionally overridden by environment variables) into a typed
// model, following the layering convention used across the retrieval
// pack's koanf-based config loaders.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"

	"github.com/ocicache/registry-cache/internal/apierr"
)

// Upstream describes one entry of the upstream routing table (spec §6).
type Upstream struct {
	Host      string  `koanf:"host"`
	Registry  string  `koanf:"registry"`
	Port      int     `koanf:"port"`
	Schema    string  `koanf:"schema"`
	RateLimit float64 `koanf:"rate_limit"` // fetches/sec, 0 disables limiting
	Burst     int     `koanf:"burst"`
}

// Config is the typed, validated configuration model.
type Config struct {
	API struct {
		Hostname string `koanf:"hostname"`
		Port     int    `koanf:"port"`
		TLSPort  int    `koanf:"tls_port"`
		TLSKey   string `koanf:"tls_key"`
		TLSCert  string `koanf:"tls_cert"`
	} `koanf:"api"`

	Upstreams []Upstream `koanf:"upstreams"`

	Storage struct {
		Folder string `koanf:"folder"`
		Mirror struct {
			Bucket   string `koanf:"bucket"`
			Region   string `koanf:"region"`
			Endpoint string `koanf:"endpoint"`
		} `koanf:"mirror"`
	} `koanf:"storage"`

	AccessLog struct {
		Enabled          bool   `koanf:"enabled"`
		PostgresUser     string `koanf:"postgres_user"`
		PostgresPassword string `koanf:"postgres_password"`
		PostgresHost     string `koanf:"postgres_host"`
		PostgresPort     string `koanf:"postgres_port"`
		PostgresDatabase string `koanf:"postgres_database"`
		PostgresSSLMode  string `koanf:"postgres_sslmode"`
	} `koanf:"access_log"`

	UpstreamIdleTimeout time.Duration `koanf:"upstream_idle_timeout"`
	Logging             struct {
		Level string `koanf:"level"`
	} `koanf:"logging"`
}

// Load reads the YAML document at path, layers environment variable
// overrides with the REGISTRY_CACHE_ prefix on top (dot-separated keys,
// uppercased with underscores, e.g. REGISTRY_CACHE_API_HOSTNAME), and
// validates the result. Every underscore after the prefix becomes a
// dot, so keys whose own name contains an underscore (api.tls_key,
// access_log.*, upstream_idle_timeout) cannot be overridden this way. A missing or malformed document, or a failed
// invariant, is returned as a ConfigError — fatal at the call site in
// main, never logged and swallowed here.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, apierr.New(apierr.ConfigError, "load "+path, err)
	}

	if err := k.Load(env.Provider("REGISTRY_CACHE_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "REGISTRY_CACHE_")
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil); err != nil {
		return nil, apierr.New(apierr.ConfigError, "load env overrides", err)
	}

	cfg := defaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, apierr.New(apierr.ConfigError, "unmarshal", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, apierr.New(apierr.ConfigError, "validate", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.API.Hostname = "0.0.0.0"
	cfg.API.Port = 8080
	cfg.API.TLSPort = 8443
	cfg.Storage.Folder = "/var/lib/registry-cache"
	cfg.AccessLog.PostgresHost = "localhost"
	cfg.AccessLog.PostgresPort = "5432"
	cfg.AccessLog.PostgresDatabase = "registry_cache"
	cfg.AccessLog.PostgresSSLMode = "disable"
	cfg.UpstreamIdleTimeout = 60 * time.Second
	cfg.Logging.Level = "info"
	return cfg
}

func (c *Config) validate() error {
	if c.Storage.Folder == "" {
		return fmt.Errorf("storage.folder must not be empty")
	}
	if len(c.Upstreams) == 0 {
		return fmt.Errorf("upstreams must contain at least one entry")
	}
	for i, u := range c.Upstreams {
		if u.Host == "" || u.Registry == "" {
			return fmt.Errorf("upstreams[%d]: host and registry are required", i)
		}
		if u.Schema != "http" && u.Schema != "https" {
			return fmt.Errorf("upstreams[%d]: schema must be http or https, got %q", i, u.Schema)
		}
		if u.Port <= 0 || u.Port > 65535 {
			return fmt.Errorf("upstreams[%d]: invalid port %d", i, u.Port)
		}
		if u.RateLimit < 0 {
			return fmt.Errorf("upstreams[%d]: rate_limit must not be negative", i)
		}
	}
	if (c.API.TLSKey == "") != (c.API.TLSCert == "") {
		return fmt.Errorf("api.tls_key and api.tls_cert must both be set or both be empty")
	}
	return nil
}

// TLSEnabled reports whether both TLS files were configured.
func (c *Config) TLSEnabled() bool {
	return c.API.TLSKey != "" && c.API.TLSCert != ""
}

// ParseLevel converts the configured logging level into a logrus.Level,
// defaulting to Info on an unrecognized value.
func (c *Config) ParseLevel() logrus.Level {
	lvl, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

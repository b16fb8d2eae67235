// Package config loads the offline proxy configuration from environment
// variables and an optional YAML manifest file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Config holds all application configuration. It is read once at startup;
// changing the manifest or fallback means deploying a new generation.
type Config struct {
	Generation   string   `env:"OFFLINE_GENERATION"`
	Origin       string   `env:"OFFLINE_ORIGIN"`
	BasePath     string   `env:"OFFLINE_BASE_PATH" envDefault:"/"`
	Manifest     []string `env:"OFFLINE_MANIFEST" envDefault:"./,./index.html" envSeparator:","`
	ManifestFile string   `env:"OFFLINE_MANIFEST_FILE"`
	Fallback     string   `env:"OFFLINE_FALLBACK" envDefault:"./"`
	IgnoreQuery  bool     `env:"OFFLINE_IGNORE_QUERY" envDefault:"true"`

	PrecacheConcurrency int           `env:"OFFLINE_PRECACHE_CONCURRENCY" envDefault:"4"`
	FetchTimeout        time.Duration `env:"OFFLINE_FETCH_TIMEOUT" envDefault:"30s"`

	Store       string `env:"OFFLINE_STORE" envDefault:"memory"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisPrefix string `env:"OFFLINE_REDIS_PREFIX" envDefault:"offline"`
	SQLitePath  string `env:"OFFLINE_SQLITE_PATH" envDefault:"offline-cache.db"`

	Port      string `env:"PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// ManifestFile is the YAML document named by OFFLINE_MANIFEST_FILE.
// Fields it sets override the environment.
//
//	generation: inv-v2
//	manifest:
//	  - ./
//	  - ./index.html
//	fallback: ./
type ManifestFile struct {
	Generation string   `yaml:"generation"`
	Manifest   []string `yaml:"manifest"`
	Fallback   *string  `yaml:"fallback"`
}

// Load reads the environment, applies the manifest file if one is named
// and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.ManifestFile != "" {
		mf, err := ReadManifestFile(cfg.ManifestFile)
		if err != nil {
			return nil, err
		}
		cfg.Apply(mf)
	}

	cfg.Manifest = cleanLocators(cfg.Manifest)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// cleanLocators trims whitespace and drops empty locators.
func cleanLocators(locators []string) []string {
	out := make([]string, 0, len(locators))
	for _, l := range locators {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// ReadManifestFile parses a YAML manifest file.
func ReadManifestFile(filename string) (ManifestFile, error) {
	var mf ManifestFile
	data, err := os.ReadFile(filename)
	if err != nil {
		return mf, fmt.Errorf("read manifest file: %w", err)
	}
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return mf, fmt.Errorf("parse manifest file %s: %w", filename, err)
	}
	return mf, nil
}

// Apply overrides configuration with the fields mf sets.
func (c *Config) Apply(mf ManifestFile) {
	if mf.Generation != "" {
		c.Generation = mf.Generation
	}
	if mf.Manifest != nil {
		c.Manifest = mf.Manifest
	}
	if mf.Fallback != nil {
		c.Fallback = *mf.Fallback
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Generation == "" {
		return fmt.Errorf("OFFLINE_GENERATION is required")
	}
	if c.Origin == "" {
		return fmt.Errorf("OFFLINE_ORIGIN is required")
	}

	u, err := url.Parse(c.Origin)
	if err != nil {
		return fmt.Errorf("invalid OFFLINE_ORIGIN: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("OFFLINE_ORIGIN must be an absolute http(s) URL, got %q", c.Origin)
	}

	switch c.Store {
	case StoreMemory, StoreRedis, StoreSQLite:
	default:
		return fmt.Errorf("unknown OFFLINE_STORE %q (memory, redis, sqlite)", c.Store)
	}

	if c.PrecacheConcurrency <= 0 {
		return fmt.Errorf("OFFLINE_PRECACHE_CONCURRENCY must be positive, got %d", c.PrecacheConcurrency)
	}
	if c.FetchTimeout < 0 {
		return fmt.Errorf("OFFLINE_FETCH_TIMEOUT cannot be negative")
	}
	return nil
}

// ScopeBase returns the origin joined with the base path, always ending
// in "/". Manifest locators and the fallback resolve against it.
func (c *Config) ScopeBase() string {
	origin := strings.TrimRight(c.Origin, "/")
	u, err := url.Parse(origin)
	if err != nil {
		return origin + "/"
	}

	p := path.Join("/", u.Path, c.BasePath)
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	u.Path = p
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

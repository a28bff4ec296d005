// Package config loads the client configuration.
//
// Sources, lowest precedence first: built-in defaults, a YAML file, a .env
// file, then FIELDOPS_* process environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FIELDOPS_"

// Config is the resolved client configuration.
type Config struct {
	DBPath         string        `yaml:"db_path"`
	BaseURL        string        `yaml:"base_url"`
	DriverID       string        `yaml:"driver_id"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	LogLevel       string        `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DBPath:         "fieldops.db",
		BaseURL:        "http://localhost:8080",
		ProbeTimeout:   3 * time.Second,
		RequestTimeout: 15 * time.Second,
		LogLevel:       "info",
	}
}

// Load resolves the configuration from configPath and envFile. Either may
// be empty. A missing envFile is ignored; a missing configPath is an error.
func Load(configPath, envFile string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configPath, err)
		}
	}

	dotenv := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			dotenv = m
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read env file %s: %w", envFile, err)
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decodeYAML rejects unknown keys. An empty document keeps defaults.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"DB_PATH", &cfg.DBPath},
		{"BASE_URL", &cfg.BaseURL},
		{"DRIVER_ID", &cfg.DriverID},
		{"LOG_LEVEL", &cfg.LogLevel},
	}
	for _, s := range strs {
		if v, ok := lookup(EnvPrefix + s.key); ok {
			*s.dst = strings.TrimSpace(v)
		}
	}

	durs := []struct {
		key string
		dst *time.Duration
	}{
		{"PROBE_TIMEOUT", &cfg.ProbeTimeout},
		{"REQUEST_TIMEOUT", &cfg.RequestTimeout},
	}
	for _, d := range durs {
		v, ok := lookup(EnvPrefix + d.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		dur, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s invalid: %w", EnvPrefix, d.key, err)
		}
		*d.dst = dur
	}
	return nil
}

// Validate checks the resolved values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("db_path is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url %q must be an absolute http(s) URL", c.BaseURL)
	}
	if c.ProbeTimeout <= 0 {
		return errors.New("probe_timeout must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Level returns LogLevel as a slog level. Invalid values yield Info;
// Validate reports them.
func (c *Config) Level() slog.Level {
	l, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q must be debug, info, warn or error", s)
	}
	return l, nil
}

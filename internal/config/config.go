// Package config loads and validates nyc311 settings.
//
// Precedence is flag, then environment, then YAML file, then Default. The
// CLI applies flags last; this package handles the other three layers.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"nyc311/internal/record"
	"nyc311/internal/source/socrata"
	"nyc311/internal/storage"
)

// ErrConfiguration is wrapped by every error caused by bad settings.
var ErrConfiguration = errors.New("configuration error")

// DefaultDB is the SQLite destination used when no DSN is configured.
const DefaultDB = "data/nyc311.db"

// Socrata serves at most this many rows per request.
const maxSourceLimit = 50000

type Source struct {
	Endpoint    string        `yaml:"endpoint"`
	Limit       int           `yaml:"limit"`
	AppToken    string        `yaml:"app_token"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type Storage struct {
	Kind  string `yaml:"kind"`
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

type Listen struct {
	Interval time.Duration `yaml:"interval"`
}

type Metrics struct {
	Backend        string        `yaml:"backend"` // none | datadog | pushgateway
	PushgatewayURL string        `yaml:"pushgateway_url"`
	Job            string        `yaml:"job"`
	Instance       string        `yaml:"instance"` // pushgateway grouping; hostname when empty
	Tags           []string      `yaml:"tags"`
	FlushEvery     time.Duration `yaml:"flush_every"`
}

type Log struct {
	Verbose bool `yaml:"verbose"`
}

type Config struct {
	Source  Source  `yaml:"source"`
	Storage Storage `yaml:"storage"`
	Listen  Listen  `yaml:"listen"`
	Metrics Metrics `yaml:"metrics"`
	Log     Log     `yaml:"log"`
}

// Default returns a fully populated configuration.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// Finalize fills whatever the env and flag overlays left unset. Switching the
// kind to sqlite without a DSN falls back to DefaultDB.
func (c *Config) Finalize() {
	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Source.Endpoint == "" {
		c.Source.Endpoint = socrata.DefaultEndpoint
	}
	if c.Source.Limit == 0 {
		c.Source.Limit = 1000
	}
	if c.Source.Timeout == 0 {
		c.Source.Timeout = 10 * time.Second
	}
	if c.Source.MaxAttempts == 0 {
		c.Source.MaxAttempts = 5
	}
	if c.Storage.Kind == "" {
		c.Storage.Kind = "sqlite"
	}
	if c.Storage.DSN == "" && c.Storage.Kind == "sqlite" {
		c.Storage.DSN = DefaultDB
	}
	if c.Storage.Table == "" {
		c.Storage.Table = storage.DefaultTable
	}
	if c.Listen.Interval == 0 {
		c.Listen.Interval = 60 * time.Second
	}
	if c.Metrics.Backend == "" {
		c.Metrics.Backend = "none"
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = "nyc311"
	}
	if c.Metrics.FlushEvery == 0 {
		c.Metrics.FlushEvery = 60 * time.Second
	}
}

// Load reads a YAML file and fills unset fields with defaults. An empty path
// yields Default().
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: read config: %w", ErrConfiguration, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("%w: parse yaml %s: %w", ErrConfiguration, path, err)
	}
	c.applyDefaults()
	return c, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: load %s: %w", ErrConfiguration, path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables read through getenv. Empty values
// are ignored.
//
//	NYC311_APP_TOKEN, SOCRATA_APP_TOKEN  source.app_token (first wins)
//	NYC311_DB                             storage.dsn
//	NYC311_STORAGE                        storage.kind
//	NYC311_TABLE                          storage.table
//	METRICS_BACKEND                       metrics.backend
//	PUSHGATEWAY_URL                       metrics.pushgateway_url
//	METRICS_TAGS                          metrics.tags (comma separated)
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}
	set(&c.Source.AppToken, "NYC311_APP_TOKEN", "SOCRATA_APP_TOKEN")
	set(&c.Storage.DSN, "NYC311_DB")
	set(&c.Storage.Kind, "NYC311_STORAGE")
	set(&c.Storage.Table, "NYC311_TABLE")
	set(&c.Metrics.Backend, "METRICS_BACKEND")
	set(&c.Metrics.PushgatewayURL, "PUSHGATEWAY_URL")

	if v := getenv("METRICS_TAGS"); strings.TrimSpace(v) != "" {
		c.Metrics.Tags = splitCSV(v)
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseSince parses a --since value. Any format dateparse understands is
// accepted; values without an offset are taken as UTC. Empty means no lower
// bound (nil).
func ParseSince(s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	ts, err := record.ParseTimestamp(s)
	if err != nil {
		return nil, fmt.Errorf("%w: since %q: %w", ErrConfiguration, s, err)
	}
	return &ts, nil
}

// StorageConfig adapts the storage section for storage.Open.
func (c Config) StorageConfig() storage.Config {
	return storage.Config{Kind: c.Storage.Kind, DSN: c.Storage.DSN, Table: c.Storage.Table}
}

func validEndpoint(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

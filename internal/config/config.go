// Package config loads av1scope settings from an optional YAML file and the
// environment. Environment variables override the file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/av1scope/internal/analyzer"
	"github.com/zsiec/av1scope/internal/cache"
	"github.com/zsiec/av1scope/internal/partition"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid setting")

// Config holds every tunable. The zero value is not valid; start from
// Default.
type Config struct {
	// H3Addr is the UDP address of the HTTP/3 inspection server.
	H3Addr string `yaml:"h3_addr"`
	// APIAddr is the TCP address of the HTTPS inspection server.
	APIAddr string `yaml:"api_addr"`

	Cache CacheConfig `yaml:"cache"`

	// Workers bounds prefetch decodes per session; zero means GOMAXPROCS.
	Workers int `yaml:"workers"`
	// SyntaxTable is a YAML tile syntax table; empty selects the default.
	SyntaxTable string `yaml:"syntax_table"`

	CertValidity time.Duration `yaml:"cert_validity"`
	// AllowOpen lets API clients open files on this host by path.
	AllowOpen bool `yaml:"allow_open"`
	// Streams are opened at startup.
	Streams []string `yaml:"streams"`
}

type CacheConfig struct {
	MaxBytes   int `yaml:"max_bytes"`
	MaxEntries int `yaml:"max_entries"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		H3Addr:  ":4443",
		APIAddr: ":4444",
		Cache: CacheConfig{
			MaxBytes:   cache.DefaultMaxBytes,
			MaxEntries: cache.DefaultMaxEntries,
		},
		CertValidity: 14 * 24 * time.Hour,
	}
}

// Load returns Default overlaid with the YAML file at path (if path is
// non-empty) and then with the environment.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("opening config: %w", err)
		}
		defer f.Close()
		if err := c.Decode(f); err != nil {
			return Config{}, err
		}
	}
	if err := c.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

// Decode overlays the YAML document in r. Unknown keys are rejected.
func (c *Config) Decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding config: %w", err)
	}
	return nil
}

// ApplyEnv overlays H3_ADDR, API_ADDR, SYNTAX_TABLE, ALLOW_OPEN,
// CACHE_MAX_BYTES, CACHE_MAX_ENTRIES and WORKERS as read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("H3_ADDR"); v != "" {
		c.H3Addr = v
	}
	if v := getenv("API_ADDR"); v != "" {
		c.APIAddr = v
	}
	if v := getenv("SYNTAX_TABLE"); v != "" {
		c.SyntaxTable = v
	}
	if v := getenv("ALLOW_OPEN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: ALLOW_OPEN=%q", ErrInvalid, v)
		}
		c.AllowOpen = b
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"CACHE_MAX_BYTES", &c.Cache.MaxBytes},
		{"CACHE_MAX_ENTRIES", &c.Cache.MaxEntries},
		{"WORKERS", &c.Workers},
	}
	for _, e := range ints {
		v := getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalid, e.key, v)
		}
		*e.dst = n
	}
	return nil
}

// Validate checks ranges.
func (c *Config) Validate() error {
	switch {
	case c.H3Addr == "":
		return fmt.Errorf("%w: h3_addr is empty", ErrInvalid)
	case c.APIAddr == "":
		return fmt.Errorf("%w: api_addr is empty", ErrInvalid)
	case c.Cache.MaxBytes <= 0:
		return fmt.Errorf("%w: cache.max_bytes must be positive", ErrInvalid)
	case c.Cache.MaxEntries <= 0:
		return fmt.Errorf("%w: cache.max_entries must be positive", ErrInvalid)
	case c.Workers < 0:
		return fmt.Errorf("%w: workers must not be negative", ErrInvalid)
	case c.CertValidity <= 0 || c.CertValidity > 14*24*time.Hour:
		return fmt.Errorf("%w: cert_validity must be within 14 days", ErrInvalid)
	}
	return nil
}

// AnalyzerOptions builds session options: a cache sized by the config
// and the configured syntax table.
func (c *Config) AnalyzerOptions(log *slog.Logger) (analyzer.Options, error) {
	table := partition.DefaultTable()
	if c.SyntaxTable != "" {
		t, err := partition.LoadTable(c.SyntaxTable)
		if err != nil {
			return analyzer.Options{}, err
		}
		table = t
	}
	return analyzer.Options{
		Logger: log,
		Cache: cache.New(
			cache.WithMaxBytes(c.Cache.MaxBytes),
			cache.WithMaxEntries(c.Cache.MaxEntries),
			cache.WithLogger(log),
		),
		Table:   table,
		Workers: c.Workers,
	}, nil
}

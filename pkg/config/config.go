// Package config loads server settings from a YAML file and SPIDEY_*
// environment variables. Command-line flags are applied on top by cmd/spidey.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/raphaelreyna/spidey/pkg/server"
)

const (
	CGIModeRaw     = "raw"
	CGIModeHeaders = "headers"
)

// ByteSize is a size in bytes that may be written as "8KiB", "1 MB" or a plain number.
type ByteSize int

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	return b.set(value.Value)
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	return b.set(string(text))
}

func (b *ByteSize) set(s string) error {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

type Config struct {
	Server struct {
		Address       string        `yaml:"address"`
		Port          int           `yaml:"port"`
		Root          string        `yaml:"root"`
		Concurrency   string        `yaml:"concurrency"`
		MaxWorkers    int           `yaml:"max_workers"`
		AcceptRate    float64       `yaml:"accept_rate"`
		AcceptBurst   int           `yaml:"accept_burst"`
		ConnTimeout   time.Duration `yaml:"conn_timeout"`
		ReverseLookup bool          `yaml:"reverse_lookup"`
		ChunkSize     ByteSize      `yaml:"chunk_size"`
		MaxLineBytes  ByteSize      `yaml:"max_line_bytes"`
		MaxHeaders    int           `yaml:"max_headers"`
	} `yaml:"server"`
	Mime struct {
		Rules   string `yaml:"rules"`
		Default string `yaml:"default"`
	} `yaml:"mime"`
	CGI struct {
		Mode       string   `yaml:"mode"` // raw|headers
		InheritEnv []string `yaml:"inherit_env"`
		Stderr     string   `yaml:"stderr"`
	} `yaml:"cgi"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // console|json
		Output string `yaml:"output"`
	} `yaml:"logging"`
	Metrics struct {
		Address string `yaml:"address"`
	} `yaml:"metrics"`
}

// Default returns the settings used when nothing else is configured.
func Default() *Config {
	var c Config
	c.Server.Port = 9898
	c.Server.Root = "www"
	c.Server.Concurrency = server.ModeConcurrent
	c.Server.MaxWorkers = 256
	c.Server.ChunkSize = 8 * 1024
	c.Server.MaxLineBytes = 8 * 1024
	c.Server.MaxHeaders = 100
	c.Mime.Rules = "/etc/mime.types"
	c.Mime.Default = "text/plain"
	c.CGI.Mode = CGIModeRaw
	c.Logging.Level = "info"
	c.Logging.Format = "console"
	return &c
}

// Addr returns host:port for the listener.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv applies SPIDEY_* environment overrides onto cfg.
func ApplyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	size := func(key string, dst *ByteSize) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if err := dst.set(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}

	str("SPIDEY_ADDRESS", &cfg.Server.Address)
	num("SPIDEY_PORT", &cfg.Server.Port)
	str("SPIDEY_ROOT", &cfg.Server.Root)
	str("SPIDEY_CONCURRENCY", &cfg.Server.Concurrency)
	num("SPIDEY_MAX_WORKERS", &cfg.Server.MaxWorkers)
	float("SPIDEY_ACCEPT_RATE", &cfg.Server.AcceptRate)
	num("SPIDEY_ACCEPT_BURST", &cfg.Server.AcceptBurst)
	duration("SPIDEY_CONN_TIMEOUT", &cfg.Server.ConnTimeout)
	size("SPIDEY_CHUNK_SIZE", &cfg.Server.ChunkSize)
	size("SPIDEY_MAX_LINE_BYTES", &cfg.Server.MaxLineBytes)
	num("SPIDEY_MAX_HEADERS", &cfg.Server.MaxHeaders)
	str("SPIDEY_MIME_RULES", &cfg.Mime.Rules)
	str("SPIDEY_DEFAULT_MIME", &cfg.Mime.Default)
	str("SPIDEY_CGI_MODE", &cfg.CGI.Mode)
	str("SPIDEY_LOG_LEVEL", &cfg.Logging.Level)
	str("SPIDEY_LOG_FORMAT", &cfg.Logging.Format)
	str("SPIDEY_LOG_OUTPUT", &cfg.Logging.Output)
	str("SPIDEY_METRICS_ADDR", &cfg.Metrics.Address)

	if v := os.Getenv("SPIDEY_REVERSE_LOOKUP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SPIDEY_REVERSE_LOOKUP: %w", err))
		} else {
			cfg.Server.ReverseLookup = b
		}
	}
	if v := os.Getenv("SPIDEY_CGI_INHERIT_ENV"); v != "" {
		cfg.CGI.InheritEnv = nil
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				cfg.CGI.InheritEnv = append(cfg.CGI.InheritEnv, s)
			}
		}
	}
	return errors.Join(errs...)
}

// Validate reports every invalid setting in cfg.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.Root == "" {
		errs = append(errs, errors.New("server.root is required"))
	}
	switch c.Server.Concurrency {
	case server.ModeConcurrent, server.ModeSingle:
	default:
		errs = append(errs, fmt.Errorf("server.concurrency must be %q or %q, got %q", server.ModeConcurrent, server.ModeSingle, c.Server.Concurrency))
	}
	if c.Server.MaxWorkers < 0 {
		errs = append(errs, fmt.Errorf("server.max_workers must not be negative"))
	}
	if c.Server.AcceptRate < 0 || c.Server.AcceptBurst < 0 {
		errs = append(errs, fmt.Errorf("server.accept_rate and server.accept_burst must not be negative"))
	}
	if c.Server.ConnTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.conn_timeout must not be negative"))
	}
	if c.Server.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("server.chunk_size must be positive"))
	}
	if c.Server.MaxLineBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_line_bytes must be positive"))
	}
	if c.Server.MaxHeaders <= 0 {
		errs = append(errs, fmt.Errorf("server.max_headers must be positive"))
	}
	switch c.CGI.Mode {
	case CGIModeRaw, CGIModeHeaders:
	default:
		errs = append(errs, fmt.Errorf("cgi.mode must be %q or %q, got %q", CGIModeRaw, CGIModeHeaders, c.CGI.Mode))
	}
	return errors.Join(errs...)
}

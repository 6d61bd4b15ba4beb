// Package config loads the wschat runtime configuration from defaults, an
// optional YAML file, WSCHAT_* environment variables and the command line.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// ErrMissingAddr is returned when no bind address was supplied.
var ErrMissingAddr = errors.New("must provide the address to listen on")

// Config holds the server settings.
type Config struct {
	Addr              string        `yaml:"addr"`
	Workers           int           `yaml:"workers"`
	Route             string        `yaml:"route"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	SendQueueSize     int           `yaml:"send_queue_size"`
	RegistryQueueSize int           `yaml:"registry_queue_size"`
	WriteWait         time.Duration `yaml:"write_wait"`
	PongWait          time.Duration `yaml:"pong_wait"`
	PingPeriod        time.Duration `yaml:"ping_period"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	LogLevel          string        `yaml:"log_level"`
	Development       bool          `yaml:"development"`
}

// Default returns a Config populated with default values. Addr is left
// empty because it has no sensible default. PingPeriod is left unset so
// that Sanitize derives it from whichever PongWait the later layers choose.
func Default() Config {
	return Config{
		Workers:           1,
		Route:             "/",
		AllowedOrigins:    []string{"*"},
		MaxMessageSize:    64 * 1024,
		SendQueueSize:     256,
		RegistryQueueSize: 1024,
		WriteWait:         10 * time.Second,
		PongWait:          60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		LogLevel:          "info",
	}
}

// Sanitize replaces unset or non-positive values with their defaults.
func (c Config) Sanitize() Config {
	def := Default()

	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.Route == "" {
		c.Route = def.Route
	}
	if !strings.HasPrefix(c.Route, "/") {
		c.Route = "/" + c.Route
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = def.AllowedOrigins
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.RegistryQueueSize <= 0 {
		c.RegistryQueueSize = def.RegistryQueueSize
	}
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	return c
}

// Validate reports settings that cannot be repaired by Sanitize.
func (c Config) Validate() error {
	if c.Addr == "" {
		return ErrMissingAddr
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.PingPeriod >= c.PongWait {
		return fmt.Errorf("ping period %s must be shorter than pong wait %s", c.PingPeriod, c.PongWait)
	}
	return nil
}

// LoadFile reads a YAML file on top of base.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config file: %w", err)
	}
	cfg := base
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return base, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from WSCHAT_* variables found through lookup.
// Unparsable values are reported.
func (c Config) ApplyEnv(lookup func(string) (string, bool)) (Config, error) {
	if v, ok := lookup("WSCHAT_ADDR"); ok && v != "" {
		c.Addr = v
	}
	if v, ok := lookup("WSCHAT_ROUTE"); ok && v != "" {
		c.Route = v
	}
	if v, ok := lookup("WSCHAT_ALLOWED_ORIGINS"); ok && v != "" {
		c.AllowedOrigins = parseOrigins(v)
	}
	if v, ok := lookup("WSCHAT_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}

	var err error
	if v, ok := lookup("WSCHAT_WORKERS"); ok && v != "" {
		if c.Workers, err = parseWorkers(v); err != nil {
			return c, err
		}
	}
	if v, ok := lookup("WSCHAT_MAX_MESSAGE_SIZE"); ok && v != "" {
		if c.MaxMessageSize, err = strconv.ParseInt(v, 10, 64); err != nil {
			return c, fmt.Errorf("WSCHAT_MAX_MESSAGE_SIZE: %w", err)
		}
	}
	if v, ok := lookup("WSCHAT_SEND_QUEUE_SIZE"); ok && v != "" {
		if c.SendQueueSize, err = strconv.Atoi(v); err != nil {
			return c, fmt.Errorf("WSCHAT_SEND_QUEUE_SIZE: %w", err)
		}
	}
	if v, ok := lookup("WSCHAT_SHUTDOWN_TIMEOUT"); ok && v != "" {
		if c.ShutdownTimeout, err = time.ParseDuration(v); err != nil {
			return c, fmt.Errorf("WSCHAT_SHUTDOWN_TIMEOUT: %w", err)
		}
	}
	if v, ok := lookup("WSCHAT_DEVELOPMENT"); ok && v != "" {
		if c.Development, err = strconv.ParseBool(v); err != nil {
			return c, fmt.Errorf("WSCHAT_DEVELOPMENT: %w", err)
		}
	}
	return c, nil
}

// FromArgs builds the configuration for `name [-config file] <addr> [workers]`.
// Layers apply in order: defaults, config file, environment, arguments.
func FromArgs(name string, args []string, lookup func(string) (string, bool), output io.Writer) (Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	configPath := fs.String("config", "", "path to a YAML configuration file")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [-config file] <addr> [workers]\n", name)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	var err error
	if *configPath != "" {
		if cfg, err = LoadFile(*configPath, cfg); err != nil {
			return Config{}, err
		}
	}
	if cfg, err = cfg.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}

	positional := fs.Args()
	if len(positional) > 2 {
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(positional[2:], " "))
	}
	if len(positional) >= 1 {
		cfg.Addr = positional[0]
	}
	if len(positional) == 2 {
		if cfg.Workers, err = parseWorkers(positional[1]); err != nil {
			return Config{}, err
		}
	}

	cfg = cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseWorkers(value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid worker count %q: %w", value, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid worker count %q: must be positive", value)
	}
	return n, nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

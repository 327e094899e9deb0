// Package config loads the worker configuration.
//
// Values come from the defaults, then a YAML or TOML file, then OFFLINE_CACHE_*
// environment variables. Command line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ericselin/offline-cache/notify"
	"github.com/ericselin/offline-cache/replay"
	"github.com/ericselin/offline-cache/strategy"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "OFFLINE_CACHE_"

// Duration is a time.Duration written as e.g. "30s" in config files.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type Store struct {
	// sqlite, leveldb or memory
	Driver string `yaml:"driver" toml:"driver"`
	// Database file (sqlite) or directory (leveldb).
	Path string `yaml:"path" toml:"path"`
}

type Precache struct {
	Manifest    []string `yaml:"manifest" toml:"manifest"`
	OfflinePage string   `yaml:"offlinePage" toml:"offline_page"`
	FailurePage string   `yaml:"failurePage" toml:"failure_page"`
}

type Network struct {
	// Bounds every network attempt, 0 for no timeout.
	Timeout  Duration `yaml:"timeout" toml:"timeout"`
	Coalesce bool     `yaml:"coalesce" toml:"coalesce"`
}

type Connectivity struct {
	ProbePath string   `yaml:"probePath" toml:"probe_path"`
	Interval  Duration `yaml:"interval" toml:"interval"`
	Disabled  bool     `yaml:"disabled" toml:"disabled"`
}

type Config struct {
	Listen string `yaml:"listen" toml:"listen"`
	// URL of the origin server.
	Origin string `yaml:"origin" toml:"origin"`
	// Hostname of the origin, if different from the origin URL host.
	Host string `yaml:"host" toml:"host"`
	// Store generation, used as the prefix of the store names.
	Version        string             `yaml:"version" toml:"version"`
	APIPrefix      string             `yaml:"apiPrefix" toml:"api_prefix"`
	OfflineMessage string             `yaml:"offlineMessage" toml:"offline_message"`
	AutoInstall    bool               `yaml:"autoInstall" toml:"auto_install"`
	SkipWaiting    bool               `yaml:"skipWaiting" toml:"skip_waiting"`
	Store          Store              `yaml:"store" toml:"store"`
	Precache       Precache           `yaml:"precache" toml:"precache"`
	Network        Network            `yaml:"network" toml:"network"`
	Connectivity   Connectivity       `yaml:"connectivity" toml:"connectivity"`
	Routes         []strategy.Binding `yaml:"routes" toml:"routes"`
	Queues         []replay.Queue     `yaml:"queues" toml:"queues"`
	Notifications  notify.Defaults    `yaml:"notifications" toml:"notifications"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Listen:      ":8080",
		Version:     "v1",
		APIPrefix:   "/api/",
		AutoInstall: true,
		SkipWaiting: true,
		Store: Store{
			Driver: "sqlite",
			Path:   "offline-cache.db",
		},
		Precache: Precache{
			Manifest:    []string{"/", "/manifest.json"},
			OfflinePage: "/offline.html",
			FailurePage: "/error.html",
		},
		Connectivity: Connectivity{
			ProbePath: "/",
			Interval:  Duration(30 * time.Second),
		},
		Routes:        strategy.DefaultBindings(),
		Queues:        replay.DefaultQueues(),
		Notifications: notify.DefaultDefaults(),
	}
}

// overrides are the settings that can be changed with environment variables.
type overrides struct {
	Listen         string        `env:"LISTEN"`
	Origin         string        `env:"ORIGIN"`
	Host           string        `env:"HOST"`
	Version        string        `env:"VERSION"`
	APIPrefix      string        `env:"API_PREFIX"`
	OfflineMessage string        `env:"OFFLINE_MESSAGE"`
	AutoInstall    *bool         `env:"AUTO_INSTALL"`
	SkipWaiting    *bool         `env:"SKIP_WAITING"`
	StoreDriver    string        `env:"STORE_DRIVER"`
	StorePath      string        `env:"STORE_PATH"`
	Manifest       []string      `env:"PRECACHE_MANIFEST" envSeparator:","`
	Timeout        time.Duration `env:"NETWORK_TIMEOUT"`
	Coalesce       *bool         `env:"NETWORK_COALESCE"`
	ProbePath      string        `env:"PROBE_PATH"`
	ProbeInterval  time.Duration `env:"PROBE_INTERVAL"`
}

// Load reads the file (if any) on top of the defaults and applies the environment.
func Load(filename string) (Config, error) {
	cfg := Default()
	if filename != "" {
		if err := cfg.readFile(filename); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(os.Environ()); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) readFile(filename string) error {
	b, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, c)
	case ".toml":
		err = toml.Unmarshal(b, c)
	default:
		return fmt.Errorf("unsupported config file type %q", filepath.Ext(filename))
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", filename, err)
	}
	return nil
}

func (c *Config) applyEnv(environ []string) error {
	environment := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			environment[k] = v
		}
	}
	var o overrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix, Environment: environment}); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	setString(&c.Listen, o.Listen)
	setString(&c.Origin, o.Origin)
	setString(&c.Host, o.Host)
	setString(&c.Version, o.Version)
	setString(&c.APIPrefix, o.APIPrefix)
	setString(&c.OfflineMessage, o.OfflineMessage)
	setString(&c.Store.Driver, o.StoreDriver)
	setString(&c.Store.Path, o.StorePath)
	setString(&c.Connectivity.ProbePath, o.ProbePath)
	if o.AutoInstall != nil {
		c.AutoInstall = *o.AutoInstall
	}
	if o.SkipWaiting != nil {
		c.SkipWaiting = *o.SkipWaiting
	}
	if o.Coalesce != nil {
		c.Network.Coalesce = *o.Coalesce
	}
	if len(o.Manifest) > 0 {
		c.Precache.Manifest = o.Manifest
	}
	if o.Timeout != 0 {
		c.Network.Timeout = Duration(o.Timeout)
	}
	if o.ProbeInterval != 0 {
		c.Connectivity.Interval = Duration(o.ProbeInterval)
	}
	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

// OriginURL returns the parsed origin URL.
func (c Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("origin %q must be an http or https URL", c.Origin)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("origin %q has no host", c.Origin)
	}
	return u, nil
}

// Validate checks that the configuration can be used to start a worker.
func (c Config) Validate() error {
	var errs []error
	if c.Origin == "" {
		errs = append(errs, errors.New("origin is required"))
	} else if _, err := c.OriginURL(); err != nil {
		errs = append(errs, err)
	}
	if c.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}
	if !strings.HasPrefix(c.APIPrefix, "/") {
		errs = append(errs, fmt.Errorf("api prefix %q must start with /", c.APIPrefix))
	}
	switch c.Store.Driver {
	case "sqlite", "leveldb", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Store.Driver == "leveldb" && c.Store.Path == "" {
		errs = append(errs, errors.New("leveldb store needs a path"))
	}
	for i, b := range c.Routes {
		if b.Prefix == "" {
			errs = append(errs, fmt.Errorf("route %d has no prefix", i))
		}
	}
	for i, q := range c.Queues {
		if q.Name == "" || !strings.HasPrefix(q.Endpoint, "/") {
			errs = append(errs, fmt.Errorf("queue %d needs a name and an endpoint path", i))
		}
	}
	if c.Network.Timeout < 0 {
		errs = append(errs, errors.New("network timeout must not be negative"))
	}
	if !c.Connectivity.Disabled && c.Connectivity.Interval <= 0 {
		errs = append(errs, errors.New("connectivity interval must be positive"))
	}
	return errors.Join(errs...)
}

package offline0

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" validate:"gte=0,lte=65535"`
		Origin string `yaml:"origin" validate:"required,url"`
	} `yaml:"server"`

	Storage struct {
		Dir string `yaml:"dir"`
		RAM struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Cache struct {
		Version string          `yaml:"version"`
		Static  NamespaceConfig `yaml:"static"`
		API     NamespaceConfig `yaml:"api"`
	} `yaml:"cache"`

	Install struct {
		Manifest    []string `yaml:"manifest"`
		OfflinePage string   `yaml:"offlinePage"`
	} `yaml:"install"`

	Routing struct {
		ExcludedOrigins    []string `yaml:"excludedOrigins"`
		DataEndpoints      string   `yaml:"dataEndpoints"`
		StaticDestinations []string `yaml:"staticDestinations"`
	} `yaml:"routing"`

	Sync struct {
		MaxAttempts int `yaml:"maxAttempts" validate:"gte=0"`
		Backoff     struct {
			Initial string `yaml:"initial"`
			Max     string `yaml:"max"`
		} `yaml:"backoff"`
		DrainEvery string `yaml:"drainEvery"`
	} `yaml:"sync"`

	Lifecycle struct {
		UpdateCheck string `yaml:"updateCheck"`
		Probe       struct {
			Path  string `yaml:"path"`
			Every string `yaml:"every"`
		} `yaml:"probe"`
	} `yaml:"lifecycle"`

	Notifications struct {
		Permission   string `yaml:"permission" validate:"omitempty,oneof=granted denied default"`
		DefaultTitle string `yaml:"defaultTitle"`
		DefaultBody  string `yaml:"defaultBody"`
		RootURL      string `yaml:"rootURL"`
	} `yaml:"notifications"`

	Logging struct {
		Level         string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
		Format        string `yaml:"format" validate:"omitempty,oneof=console json"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	dataMatchers     []pathPrefixMatcher
	ramMaxBytes      int64
	diskMaxBytes     int64
	backoffInitial   time.Duration
	backoffMax       time.Duration
	logStatsEveryDur time.Duration
}

type NamespaceConfig struct {
	Name       string `yaml:"name"`
	Generation int    `yaml:"generation" validate:"gte=0"`
}

type envOverrides struct {
	Origin   string `env:"OFFLINE0_ORIGIN"`
	Port     int    `env:"OFFLINE0_PORT"`
	LogLevel string `env:"OFFLINE0_LOG_LEVEL"`
	DataDir  string `env:"OFFLINE0_DATA_DIR"`
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

var configValidator = validator.New(validator.WithRequiredStructEnabled())

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies OFFLINE0_* environment overrides and
// defaults, then validates and compiles the result.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if ov.Origin != "" {
		cfg.Server.Origin = ov.Origin
	}
	if ov.Port != 0 {
		cfg.Server.Port = ov.Port
	}
	if ov.LogLevel != "" {
		cfg.Logging.Level = ov.LogLevel
	}
	if ov.DataDir != "" {
		cfg.Storage.Dir = ov.DataDir
	}

	cfg.applyDefaults()
	if err := configValidator.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "./data"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64mb"
	}
	if cfg.Storage.Disk.Max == "" {
		cfg.Storage.Disk.Max = "1gb"
	}
	if cfg.Cache.Static.Name == "" {
		cfg.Cache.Static.Name = "static"
	}
	if cfg.Cache.API.Name == "" {
		cfg.Cache.API.Name = "api"
	}
	if cfg.Install.OfflinePage == "" {
		cfg.Install.OfflinePage = "/offline.html"
	}
	if len(cfg.Install.Manifest) == 0 {
		cfg.Install.Manifest = []string{"/", cfg.Install.OfflinePage, "/manifest.json", "/icon-192.png"}
	}
	if cfg.Routing.DataEndpoints == "" {
		cfg.Routing.DataEndpoints = "PathPrefix(/api/)"
	}
	if len(cfg.Routing.StaticDestinations) == 0 {
		cfg.Routing.StaticDestinations = []string{"style", "script", "image", "font"}
	}
	if cfg.Sync.MaxAttempts == 0 {
		cfg.Sync.MaxAttempts = 8
	}
	if cfg.Sync.Backoff.Initial == "" {
		cfg.Sync.Backoff.Initial = "2s"
	}
	if cfg.Sync.Backoff.Max == "" {
		cfg.Sync.Backoff.Max = "10m"
	}
	if cfg.Sync.DrainEvery == "" {
		cfg.Sync.DrainEvery = "@every 5m"
	}
	if cfg.Lifecycle.UpdateCheck == "" {
		cfg.Lifecycle.UpdateCheck = "@every 1h"
	}
	if cfg.Lifecycle.Probe.Path == "" {
		cfg.Lifecycle.Probe.Path = "/"
	}
	if cfg.Lifecycle.Probe.Every == "" {
		cfg.Lifecycle.Probe.Every = "@every 30s"
	}
	if cfg.Notifications.Permission == "" {
		cfg.Notifications.Permission = string(PermissionPending)
	}
	if cfg.Notifications.DefaultTitle == "" {
		cfg.Notifications.DefaultTitle = "Repair Shop CRM"
	}
	if cfg.Notifications.DefaultBody == "" {
		cfg.Notifications.DefaultBody = "You have a new update"
	}
	if cfg.Notifications.RootURL == "" {
		cfg.Notifications.RootURL = "/"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}

func (cfg *Config) compile() error {
	var err error
	if cfg.dataMatchers, err = parseMatch(cfg.Routing.DataEndpoints); err != nil {
		return fmt.Errorf("routing.dataEndpoints: %w", err)
	}
	if cfg.ramMaxBytes, err = parseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.diskMaxBytes, err = parseBytes(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}
	if cfg.backoffInitial, err = time.ParseDuration(cfg.Sync.Backoff.Initial); err != nil {
		return fmt.Errorf("sync.backoff.initial: %w", err)
	}
	if cfg.backoffMax, err = time.ParseDuration(cfg.Sync.Backoff.Max); err != nil {
		return fmt.Errorf("sync.backoff.max: %w", err)
	}
	if cfg.Logging.LogStatsEvery != "" {
		if cfg.logStatsEveryDur, err = time.ParseDuration(cfg.Logging.LogStatsEvery); err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
	}
	for i, p := range cfg.Install.Manifest {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("install.manifest[%d]: path %q must start with /", i, p)
		}
	}
	for i, o := range cfg.Routing.ExcludedOrigins {
		if _, ok := originOf(o); !ok {
			return fmt.Errorf("routing.excludedOrigins[%d]: invalid origin %q", i, o)
		}
	}
	return nil
}

// Build is the worker generation this config describes.
func (cfg Config) Build() Build {
	return Build{
		Version: cfg.Cache.Version,
		Static:  CacheNamespace{Purpose: cfg.Cache.Static.Name, Generation: cfg.Cache.Static.Generation},
		API:     CacheNamespace{Purpose: cfg.Cache.API.Name, Generation: cfg.Cache.API.Generation},
	}
}

// NewConfigBuildSource re-reads the config file on every update check, so a
// deploy that bumps cache.version or a namespace generation is picked up
// without a restart.
func NewConfigBuildSource(path string) BuildSource {
	return BuildSourceFunc(func(context.Context) (Build, error) {
		cfg, err := LoadConfig(path)
		if err != nil {
			return Build{}, fmt.Errorf("reload %s: %w", path, err)
		}
		return cfg.Build(), nil
	})
}

func (cfg Config) cachePath() string { return filepath.Join(cfg.Storage.Dir, "leveldb") }
func (cfg Config) queuePath() string { return filepath.Join(cfg.Storage.Dir, "sync.db") }

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")")
		inside = strings.TrimSpace(inside)
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

// Package config loads bridge configuration from a YAML file, environment
// variables, and command-line flags, in that order of precedence.
package config

import (
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/tjfontaine/llm-bridge/internal/domain"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Intercept InterceptConfig `koanf:"intercept"`
	Log       LogConfig       `koanf:"log"`
	Storage   StorageConfig   `koanf:"storage"`
	Target    TargetConfig    `koanf:"target"`
	Relay     RelayConfig     `koanf:"relay"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

// InterceptConfig describes which destinations the boundary claims and
// where everything else is proxied. Clients point their API base URL at the
// bridge itself, so the Host header names the bridge, not the upstream;
// capture_all_host therefore defaults to true. Set it to false to claim only
// calls that address Host explicitly.
type InterceptConfig struct {
	Scheme         string `koanf:"scheme"`
	Host           string `koanf:"host"`
	PathPattern    string `koanf:"path_pattern"`
	CaptureAllHost bool   `koanf:"capture_all_host"`
	PassthroughURL string `koanf:"passthrough_url"`
}

type LogConfig struct {
	Dir   string `koanf:"dir"`
	Level string `koanf:"level"` // debug, info, warn, error
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory, none
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// TargetConfig selects the provider conversations are forwarded to.
type TargetConfig struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	APIKey   string `koanf:"api_key"`
	BaseURL  string `koanf:"base_url"`
}

type RelayConfig struct {
	MaxRetries int           `koanf:"max_retries"`
	Backoff    time.Duration `koanf:"backoff"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Flags builds the flag set the loader reads. Exposed so main can parse
// os.Args once and reuse the set.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("bridge", pflag.ContinueOnError)
	fs.String("config", "", "path to config file")
	fs.Int("server.port", 0, "interception server port")
	fs.String("log.dir", "", "trace log directory")
	fs.String("log.level", "", "log level (debug, info, warn, error)")
	fs.String("target.model", "", "target provider model")
	fs.String("target.base_url", "", "target provider base URL")
	fs.String("storage.type", "", "record store backend (sqlite, memory, none)")
	return fs
}

// Load merges file, environment, and flag configuration. A validation
// failure is fatal: the bridge never starts partially configured.
func Load(fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	configPath := "config.yaml"
	if fs != nil {
		if p, err := fs.GetString("config"); err == nil && p != "" {
			configPath = p
		}
	}
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, domain.ErrConfiguration("load config file %s: %v", configPath, err).WithCause(err)
		}
	}

	if err := k.Load(env.Provider("BRIDGE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "BRIDGE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, domain.ErrConfiguration("load environment: %v", err).WithCause(err)
	}

	if fs != nil {
		if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
			return nil, domain.ErrConfiguration("load flags: %v", err).WithCause(err)
		}
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, domain.ErrConfiguration("unmarshal config: %v", err).WithCause(err)
	}

	cfg.Target.APIKey = substituteEnvVars(cfg.Target.APIKey)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                8742,
		"intercept.scheme":           "https",
		"intercept.host":             "api.anthropic.com",
		"intercept.path_pattern":     "/v1/messages",
		"intercept.capture_all_host": true,
		"intercept.passthrough_url":  "https://api.anthropic.com",
		"log.dir":                    ".",
		"log.level":                  "info",
		"storage.type":               "none",
		"target.provider":            "openai",
		"relay.max_retries":          2,
		"relay.backoff":              "500ms",
	}
	for key, value := range defaults {
		if !k.Exists(key) || isZeroValue(k, key) {
			k.Set(key, value)
		}
	}
}

// isZeroValue treats a zero flag default as unset so it does not mask file
// or env values.
func isZeroValue(k *koanf.Koanf, key string) bool {
	switch v := k.Get(key).(type) {
	case string:
		return v == ""
	case int:
		return v == 0
	case int64:
		return v == 0
	default:
		return false
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return domain.ErrConfiguration("server.port %d out of range", c.Server.Port)
	}
	if c.Target.Model == "" {
		return domain.ErrConfiguration("target.model is required")
	}
	if c.Target.APIKey == "" {
		return domain.ErrConfiguration("target.api_key is required")
	}
	if !c.Intercept.CaptureAllHost && c.Intercept.Host == "" {
		return domain.ErrConfiguration("intercept.host is required unless capture_all_host is set")
	}
	if _, err := path.Match(c.Intercept.PathPattern, "/"); err != nil {
		return domain.ErrConfiguration("intercept.path_pattern %q is not a valid glob", c.Intercept.PathPattern).WithCause(err)
	}
	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return domain.ErrConfiguration("storage.sqlite.path is required for sqlite storage")
		}
	case "memory", "none":
	default:
		return domain.ErrConfiguration("unknown storage.type %q", c.Storage.Type)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return domain.ErrConfiguration("unknown log.level %q", c.Log.Level)
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

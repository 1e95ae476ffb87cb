// Package config loads the orchestrator configuration from an optional
// yaml file layered under GANTRY_ environment variables.
package config

import (
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is where Load looks when no config file is given.
const DefaultPath = "gantry.config.yml"

// Config holds everything outside the pipeline definition itself: worker
// pool sizing, cancellation and timeout defaults, directory layout, runner
// images and the webhook server settings.
type Config struct {
	Workers               int               `koanf:"workers"`
	CancelGracePeriod     string            `koanf:"cancel_grace_period"`
	DefaultTimeoutMinutes int               `koanf:"default_timeout_minutes"`
	BuildDir              string            `koanf:"build_dir"`
	ArtifactsDir          string            `koanf:"artifacts_dir"`
	KeepWorkspaces        bool              `koanf:"keep_workspaces"`
	LogLevel              string            `koanf:"log_level"`
	Runners               map[string]string `koanf:"runners"`
	Docker                DockerConfig      `koanf:"docker"`
	Server                ServerConfig      `koanf:"server"`
	Telemetry             TelemetryConfig   `koanf:"telemetry"`
}

// DockerConfig configures the container executors.
type DockerConfig struct {
	ShowImagePull bool   `koanf:"show_image_pull"`
	Username      string `koanf:"username"`
	Password      string `koanf:"password"`
}

// ServerConfig configures the webhook listener.
type ServerConfig struct {
	Addr           string `koanf:"addr"`
	WebhookSecret  string `koanf:"webhook_secret"`
	MaxSkewSeconds int    `koanf:"max_skew_seconds"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// Load reads the config file at path, overlays GANTRY_ environment
// variables (GANTRY_SERVER__ADDR maps to server.addr) and fills defaults.
// A missing file is not an error; the defaults stand on their own.
func Load(path string) (*Config, error) {
	// A local .env file, if present, feeds the env provider below.
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("GANTRY_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "GANTRY_")), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]interface{}{
		"workers":                 runtime.NumCPU(),
		"cancel_grace_period":     "30s",
		"default_timeout_minutes": 30,
		"build_dir":               ".gantry/work",
		"artifacts_dir":           ".gantry/artifacts",
		"log_level":               "info",
		"server.addr":             ":8080",
		"server.max_skew_seconds": 300,
		"telemetry.service_name":  "gantry",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GracePeriod parses cancel_grace_period, falling back to 30 seconds on
// junk values.
func (c *Config) GracePeriod() time.Duration {
	d, err := time.ParseDuration(c.CancelGracePeriod)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// DefaultTimeout returns the instance timeout for jobs that declare none.
func (c *Config) DefaultTimeout() time.Duration {
	if c.DefaultTimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.DefaultTimeoutMinutes) * time.Minute
}

// MaxSkew returns the accepted webhook timestamp skew.
func (c *Config) MaxSkew() time.Duration {
	if c.Server.MaxSkewSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Server.MaxSkewSeconds) * time.Second
}

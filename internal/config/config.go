// Package config handles loading and hot-reloading of the proxy's YAML
// configuration via Viper. Struct fields map to the CLI/config surface the
// core consumes: node list, JWT secret path, listen port/address, and the
// forkchoice-invalid threshold.
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// HealthCheckCfg controls the prober's per-probe HTTP timeout. The scheduled
// probe cadence itself is fixed at 30s by the core spec and is not
// configurable.
type HealthCheckCfg struct {
	Timeout string `mapstructure:"timeout"`
}

// ParsedTimeout returns the per-probe HTTP timeout, defaulting to 8s to
// match the consensus client's own patience.
func (h HealthCheckCfg) ParsedTimeout() time.Duration {
	d, _ := time.ParseDuration(h.Timeout)
	if d <= 0 {
		return 8 * time.Second
	}
	return d
}

// AdminCfg controls the management dashboard HTTP server. Secret, when
// non-empty, is the HMAC key JWTAuth guards /api/* with; an empty Secret
// leaves the admin surface unauthenticated, which is only appropriate when
// ListenAddr is bound to a loopback/private interface.
type AdminCfg struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Secret     string `mapstructure:"secret"`
}

// RateLimitCfg controls per-IP token-bucket rate limiting on the main route.
type RateLimitCfg struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// Config is the top-level proxy configuration.
type Config struct {
	ListenAddr          string         `mapstructure:"listen_addr"`
	Nodes               []string       `mapstructure:"nodes"`
	JWTSecretPath       string         `mapstructure:"jwt_secret_path"`
	FCUInvalidThreshold float64        `mapstructure:"fcu_invalid_threshold"`
	HealthCheck         HealthCheckCfg `mapstructure:"health_check"`
	RateLimit           RateLimitCfg   `mapstructure:"rate_limit"`
	Admin               AdminCfg       `mapstructure:"admin"`
}

// Default returns a sensible single-node config for local development.
func Default() Config {
	return Config{
		ListenAddr:          "0.0.0.0:8000",
		Nodes:               []string{"http://localhost:8551"},
		FCUInvalidThreshold: 0.6,
		HealthCheck:         HealthCheckCfg{Timeout: "8s"},
		RateLimit:           RateLimitCfg{Enabled: false, RPS: 100, Burst: 200},
		Admin:               AdminCfg{Enabled: true, ListenAddr: ":9091"},
	}
}

// Load reads and parses the YAML file at path using Viper. It returns the
// parsed Config and the Viper instance (needed for Watch).
func Load(path string) (Config, *viper.Viper, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	cfg, err := unmarshal(v)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, v, nil
}

// Watch registers an onChange callback that fires whenever the config file
// is saved. Invalid reloads are logged and silently skipped — the previous
// config stays active. Hot-reload of the node list and threshold is an
// ambient config capability; it is not persisted *request* state.
func Watch(v *viper.Viper, onChange func(Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			slog.Error("config hot-reload failed", "error", err)
			return
		}
		slog.Info("config hot-reloaded",
			"nodes", len(cfg.Nodes),
			"fcu_invalid_threshold", cfg.FCUInvalidThreshold,
		)
		onChange(cfg)
	})
}

// ReadJWTSecret reads a hex-encoded 32-byte key from path.
func ReadJWTSecret(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading jwt secret %q: %w", path, err)
	}
	trimmed := strings.TrimSpace(string(raw))
	secret, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("config: jwt secret %q is not valid hex: %w", path, err)
	}
	if len(secret) != 32 {
		return nil, fmt.Errorf("config: jwt secret %q must decode to 32 bytes, got %d", path, len(secret))
	}
	return secret, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("listen_addr", "0.0.0.0:8000")
	v.SetDefault("fcu_invalid_threshold", 0.6)
	v.SetDefault("health_check.timeout", "8s")
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 100.0)
	v.SetDefault("rate_limit.burst", 200)
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.listen_addr", ":9091")

	return v
}

func unmarshal(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing: %w", err)
	}
	if len(cfg.Nodes) == 0 {
		return Config{}, fmt.Errorf("config: at least one node must be defined")
	}
	for i, n := range cfg.Nodes {
		if n == "" {
			return Config{}, fmt.Errorf("config: nodes[%d] is empty", i)
		}
	}
	if cfg.FCUInvalidThreshold <= 0 || cfg.FCUInvalidThreshold > 1 {
		return Config{}, fmt.Errorf("config: fcu_invalid_threshold must be in (0,1], got %v", cfg.FCUInvalidThreshold)
	}
	return cfg, nil
}

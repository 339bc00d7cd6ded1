package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the optional, environment-overridable settings the
// Coordinator reads at construction time (spec.md §6's "Environment"
// section).
type Config struct {
	Cache  CacheConfig  `yaml:"cache"  mapstructure:"cache"`
	Shared SharedConfig `yaml:"shared" mapstructure:"shared"`
}

// CacheConfig configures the LocalCache tier.
type CacheConfig struct {
	Dir               string `yaml:"dir"                 mapstructure:"dir"`
	DefaultTTLSeconds int    `yaml:"default_ttl_seconds" mapstructure:"default_ttl_seconds"`
}

// SharedConfig configures the optional SharedCache tier. URL empty means
// the shared tier is disabled.
type SharedConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// Load reads configuration from an optional file and AMORSIZE_* environment
// variables. When cfgFile is empty, only defaults and environment variables
// are used.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("cache.dir", defaultCacheDir())
	v.SetDefault("cache.default_ttl_seconds", int(DefaultTTL.Seconds()))
	v.SetDefault("shared.url", "")

	// Support AMORSIZE_* environment variables (e.g. AMORSIZE_CACHE_DIR ->
	// cache.dir). AutomaticEnv maps "_"-joined keys; explicit bindings cover
	// the three names spec.md §6 calls out directly.
	v.SetEnvPrefix("AMORSIZE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"cache.dir":                 "AMORSIZE_CACHE_DIR",
		"shared.url":                "AMORSIZE_SHARED_CACHE_URL",
		"cache.default_ttl_seconds": "AMORSIZE_DEFAULT_TTL_SECONDS",
	}
	for key, envVar := range envBindings {
		if err := v.BindEnv(key, envVar); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", envVar, err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the configuration is semantically usable.
func (c *Config) Validate() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir must not be empty")
	}
	if c.Cache.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("cache.default_ttl_seconds must be positive, got %d", c.Cache.DefaultTTLSeconds)
	}
	return nil
}

// defaultCacheDir returns ~/.amorsize/cache, falling back to a relative
// path if the home directory can't be determined (mirrors the teacher's
// DefaultRegistry home-dir fallback shape).
func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultCacheDirName
	}
	return filepath.Join(home, DefaultCacheDirName)
}

package config

import "time"

const (
	// DefaultConfigPath is the optional YAML config file location.
	DefaultConfigPath = "~/.amorsize/config.yaml"

	// DefaultCacheDirName is the directory created under the user's home
	// directory when AMORSIZE_CACHE_DIR is unset.
	DefaultCacheDirName = ".amorsize/cache"

	// DefaultTTL is LocalCache/SharedCache entry lifetime, spec.md §4.6.
	DefaultTTL = 7 * 24 * time.Hour

	// DefaultSocketTimeout bounds SharedCache network operations, spec.md §5.
	DefaultSocketTimeout = 5 * time.Second

	// DefaultSharedCacheKeyPrefix namespaces shared-cache keys.
	DefaultSharedCacheKeyPrefix = "amorsize"
)

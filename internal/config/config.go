package config

import (
	"os"
	"strconv"
	"time"
)

const (
	EnvHubClusterName  = "HUB_CLUSTER_NAME"
	EnvClusterProxyURL = "CLUSTER_PROXY_URL"
	EnvCacheTTL        = "CACHE_TTL"
	EnvCoalesceFetches = "COALESCE_FETCHES"
	EnvInformerResync  = "INFORMER_RESYNC"
	EnvBindAddress     = "BIND_ADDRESS"
)

// FleetWatchConfig holds the runtime settings of the fleet watch service.
type FleetWatchConfig struct {
	// Name of the cluster hosting the service. References to it, or with no
	// cluster at all, are served from the local informer cache.
	HubClusterName string

	// Base URL of the cluster proxy. Managed cluster requests go to
	// <ClusterProxyURL>/<cluster>.
	ClusterProxyURL string

	// How long a fetched snapshot is served before the next read refetches it.
	// Zero keeps snapshots forever and relies on live channel updates.
	CacheTTL time.Duration

	// Coalesce concurrent fetches of the same path into a single request.
	CoalesceFetches bool

	InformerResync time.Duration
	BindAddress    string
}

// LoadFromEnv returns cfg with any environment overrides applied.
// Values that fail to parse leave the corresponding field untouched.
func LoadFromEnv(cfg FleetWatchConfig) FleetWatchConfig {
	if v := os.Getenv(EnvHubClusterName); v != "" {
		cfg.HubClusterName = v
	}
	if v := os.Getenv(EnvClusterProxyURL); v != "" {
		cfg.ClusterProxyURL = v
	}
	if v := os.Getenv(EnvCacheTTL); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.CacheTTL = d
		}
	}
	if v := os.Getenv(EnvCoalesceFetches); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.CoalesceFetches = b
		}
	}
	if v := os.Getenv(EnvInformerResync); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.InformerResync = d
		}
	}
	if v := os.Getenv(EnvBindAddress); v != "" {
		cfg.BindAddress = v
	}
	return cfg
}

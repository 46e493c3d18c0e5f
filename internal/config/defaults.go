// internal/config/defaults.go
package config

import "time"

var DefaultFleetWatchConfig = FleetWatchConfig{
	HubClusterName:  "local-cluster",
	ClusterProxyURL: "https://cluster-proxy-addon-user.multicluster-engine.svc.cluster.local:9092",
	CacheTTL:        0,
	CoalesceFetches: true,
	InformerResync:  30 * time.Minute,
	BindAddress:     ":8080",
}

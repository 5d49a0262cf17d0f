package config

import (
	"os"
	"strconv"
	"time"
)

const (
	defaultNATSURL       = "nats://localhost:4222"
	defaultRedisURL      = "redis://localhost:6379"
	defaultHTTPAddr      = ":8080"
	defaultMetricsAddr   = ":9090"
	defaultSweepInterval = 5 * time.Second
	defaultToolsConfig   = "config/tools.yaml"
	envNATSURL           = "NATS_URL"
	envRedisURL          = "REDIS_URL"
	envHTTPAddr          = "HTTP_ADDR"
	envMetricsAddr       = "METRICS_ADDR"
	envSweepInterval     = "SWEEP_INTERVAL_SECONDS"
	envToolsConfigPath   = "TOOLS_CONFIG_PATH"
	envClusterID         = "CLUSTER_ID"
	envAPIKeys           = "TOOLPLANE_API_KEYS"
	envReasonerURL       = "REASONER_URL"
)

// Config holds runtime configuration for the control plane components.
type Config struct {
	NatsURL         string
	RedisURL        string
	HTTPAddr        string
	MetricsAddr     string
	SweepInterval   time.Duration
	ToolsConfigPath string
	ClusterID       string
	// APIKeys is the guard key spec: comma-separated
	// token:name:role:cluster entries.
	APIKeys string
	// ReasonerURL enables run orchestration when set.
	ReasonerURL string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	natsURL := os.Getenv(envNATSURL)
	if natsURL == "" {
		natsURL = defaultNATSURL
	}

	redisURL := os.Getenv(envRedisURL)
	if redisURL == "" {
		redisURL = defaultRedisURL
	}

	httpAddr := os.Getenv(envHTTPAddr)
	if httpAddr == "" {
		httpAddr = defaultHTTPAddr
	}
	metricsAddr := os.Getenv(envMetricsAddr)
	if metricsAddr == "" {
		metricsAddr = defaultMetricsAddr
	}

	sweep := defaultSweepInterval
	if v := os.Getenv(envSweepInterval); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			sweep = time.Duration(secs) * time.Second
		}
	}

	toolsPath := os.Getenv(envToolsConfigPath)
	if toolsPath == "" {
		toolsPath = defaultToolsConfig
	}

	cluster := os.Getenv(envClusterID)
	if cluster == "" {
		cluster = "default"
	}

	return &Config{
		NatsURL:         natsURL,
		RedisURL:        redisURL,
		HTTPAddr:        httpAddr,
		MetricsAddr:     metricsAddr,
		SweepInterval:   sweep,
		ToolsConfigPath: toolsPath,
		ClusterID:       cluster,
		APIKeys:         os.Getenv(envAPIKeys),
		ReasonerURL:     os.Getenv(envReasonerURL),
	}
}

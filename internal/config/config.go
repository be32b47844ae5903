// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the flashpods API server.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	LogFormat         string        // "json" or "console"
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	DatabasePath      string
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	apiKey := GetSecretFile(GetEnv("API_KEY_FILE", ""))
	if apiKey == "" {
		apiKey = GetEnv("API_KEY", "")
	}

	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            apiKey,
		LogFormat:         GetEnv("LOG_FORMAT", "json"),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		DatabasePath:      GetEnv("DB_PATH", "flashpods.db"),
	}
}

// EngineConfig holds configuration for the orchestration engine and its
// background tasks.
type EngineConfig struct {
	HostCPUs      int           // Total CPU cores admissible across all jobs
	HostMemoryGB  int           // Total memory admissible across all jobs
	JobRetention  time.Duration // How long terminal jobs keep logs/outputs
	SweepInterval time.Duration // How often the cleanup sweeper runs
	StopGrace     time.Duration // Grace period between SIGTERM and SIGKILL
	PollInterval  time.Duration // Container status poll interval per watcher
}

// LoadEngineConfig loads engine configuration from environment variables.
func LoadEngineConfig() EngineConfig {
	return EngineConfig{
		HostCPUs:      GetIntEnv("HOST_CPUS", 16),
		HostMemoryGB:  GetIntEnv("HOST_MEMORY_GB", 32),
		JobRetention:  GetDurationEnv("JOB_RETENTION", 15*time.Minute),
		SweepInterval: GetDurationEnv("SWEEP_INTERVAL", 1*time.Minute),
		StopGrace:     GetDurationEnv("STOP_GRACE", 10*time.Second),
		PollInterval:  GetDurationEnv("POLL_INTERVAL", 2*time.Second),
	}
}

// StorageConfig holds filesystem layout for uploads and job byproducts.
type StorageConfig struct {
	UploadDir    string
	ArtifactsDir string
	UploadingTTL time.Duration // Expiry for uploads never finalized
	FinalizedTTL time.Duration // Expiry for finalized uploads never consumed
}

// LoadStorageConfig loads storage configuration from environment variables.
func LoadStorageConfig() StorageConfig {
	return StorageConfig{
		UploadDir:    GetEnv("UPLOAD_DIR", "/var/lib/flashpods/uploads"),
		ArtifactsDir: GetEnv("ARTIFACTS_DIR", "/var/lib/flashpods/artifacts"),
		UploadingTTL: GetDurationEnv("UPLOAD_TTL_UPLOADING", 30*time.Minute),
		FinalizedTTL: GetDurationEnv("UPLOAD_TTL_FINALIZED", 60*time.Minute),
	}
}

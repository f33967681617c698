// Package config loads the JSON configuration file that wires every
// component of the retrodiction-training coordinator.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the root configuration document.
type Config struct {
	Env         string            `json:"env"`
	Logging     LoggingConfig     `json:"logging"`
	Trust       TrustConfig       `json:"trust"`
	Buffer      BufferConfig      `json:"buffer"`
	Metrics     MetricsConfig     `json:"metrics_store"`
	Collector   CollectorConfig   `json:"collector"`
	DataStore   DataStoreConfig   `json:"data_store"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Pipeline    PipelineConfig    `json:"pipeline"`
	AWS         AWSConfig         `json:"aws"`
	Redis       *RedisConfig      `json:"redis,omitempty"`
	RabbitMQ    *RabbitMQConfig   `json:"rabbitmq,omitempty"`
	MongoDB     *MongoDBConfig    `json:"mongodb,omitempty"`
	Dashboard   DashboardConfig   `json:"dashboard"`
}

// LoggingConfig mirrors the teacher's logging section.
type LoggingConfig struct {
	Level     string `json:"level"`
	Format    string `json:"format"`
	Directory string `json:"directory"`
}

// TrustConfig configures C1.
type TrustConfig struct {
	MaxHistory int     `json:"max_history"`
	PriorAlpha float64 `json:"prior_alpha"`
	PriorBeta  float64 `json:"prior_beta"`
}

// BufferConfig configures C2.
type BufferConfig struct {
	MaxBufferSize        int     `json:"max_buffer_size"`
	FlushThreshold       int     `json:"flush_threshold"`
	AutoFlushIntervalSec float64 `json:"auto_flush_interval_sec"`
}

// MetricsConfig configures C3.
type MetricsConfig struct {
	StorageRoot           string  `json:"storage_root"`
	MaxCacheSize          int     `json:"max_cache_size"`
	CompressionLevel      int     `json:"compression_level"`
	CostWarnThreshold     float64 `json:"cost_warn_threshold"`
	CostCriticalThreshold float64 `json:"cost_critical_threshold"`
	CostShutdownThreshold float64 `json:"cost_shutdown_threshold"`
}

// CollectorConfig configures C4.
type CollectorConfig struct {
	BatchSize        int     `json:"batch_size"`
	FlushIntervalSec float64 `json:"flush_interval_sec"`
	MaxRetries       int     `json:"max_retries"`
	RetryDelaySec    float64 `json:"retry_delay_sec"`
	QueueCapacity    int     `json:"queue_capacity"`
}

// DataStoreConfig configures C5.
type DataStoreConfig struct {
	StorageRoot       string `json:"storage_root"`
	VersioningEnabled bool   `json:"versioning_enabled"`
	MaxVersions       int    `json:"max_versions"`
	CompressionLevel  int    `json:"compression_level"`
	RetentionDays     int    `json:"retention_days"`
}

// CoordinatorConfig configures C7.
type CoordinatorConfig struct {
	MaxWorkers       int `json:"max_workers"`
	ThreadsPerWorker int `json:"threads_per_worker"`
	OverlapDays      int `json:"overlap_days"`
	BatchDays        int `json:"batch_days"`
}

// PipelineConfig configures C8.
type PipelineConfig struct {
	OutputPath       string `json:"output_path"`
	RemoteOutputPath string `json:"remote_output_path"`
	ResultsBucket    string `json:"results_bucket"`
	DataBucket       string `json:"data_bucket"`
}

// AWSConfig contains AWS S3-related configuration.
type AWSConfig struct {
	S3     S3Config `json:"s3"`
	Region string   `json:"region"`
}

// S3Config contains S3-specific configuration.
type S3Config struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
}

// RedisConfig contains the optional shared-cache connection details.
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// RabbitMQConfig contains the optional completion-notification broker.
type RabbitMQConfig struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	VHost        string `json:"vhost"`
	ExchangeName string `json:"exchange_name"`
	RoutingKey   string `json:"routing_key"`
}

// MongoDBConfig contains the optional run-summary analytics mirror.
type MongoDBConfig struct {
	URI        string `json:"uri"`
	Database   string `json:"database"`
	Collection string `json:"collection"`
}

// DashboardConfig configures the optional read-only HTTP status server.
type DashboardConfig struct {
	Port int `json:"port"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults fills zero-valued fields with the defaults from spec §4.
func applyDefaults(cfg *Config) {
	if cfg.Trust.MaxHistory <= 0 {
		cfg.Trust.MaxHistory = 100
	}
	if cfg.Trust.PriorAlpha <= 0 {
		cfg.Trust.PriorAlpha = 1.0
	}
	if cfg.Trust.PriorBeta <= 0 {
		cfg.Trust.PriorBeta = 1.0
	}

	if cfg.Buffer.MaxBufferSize <= 0 {
		cfg.Buffer.MaxBufferSize = 1000
	}
	if cfg.Buffer.FlushThreshold <= 0 {
		cfg.Buffer.FlushThreshold = 100
	}
	if cfg.Buffer.AutoFlushIntervalSec <= 0 {
		cfg.Buffer.AutoFlushIntervalSec = 5.0
	}

	if cfg.Metrics.StorageRoot == "" {
		cfg.Metrics.StorageRoot = "data/metrics"
	}
	if cfg.Metrics.MaxCacheSize <= 0 {
		cfg.Metrics.MaxCacheSize = 1000
	}

	if cfg.Collector.BatchSize <= 0 {
		cfg.Collector.BatchSize = 50
	}
	if cfg.Collector.FlushIntervalSec <= 0 {
		cfg.Collector.FlushIntervalSec = 5.0
	}
	if cfg.Collector.MaxRetries <= 0 {
		cfg.Collector.MaxRetries = 3
	}
	if cfg.Collector.RetryDelaySec <= 0 {
		cfg.Collector.RetryDelaySec = 1.0
	}
	if cfg.Collector.QueueCapacity <= 0 {
		cfg.Collector.QueueCapacity = 5000
	}

	if cfg.DataStore.StorageRoot == "" {
		cfg.DataStore.StorageRoot = "data/store"
	}
	if cfg.DataStore.MaxVersions <= 0 {
		cfg.DataStore.MaxVersions = 5
	}

	if cfg.Coordinator.MaxWorkers <= 0 {
		cfg.Coordinator.MaxWorkers = 4
	}
	if cfg.Coordinator.ThreadsPerWorker <= 0 {
		cfg.Coordinator.ThreadsPerWorker = 2
	}
}

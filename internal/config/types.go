package config

import "time"

// Config represents the complete stevedore worker configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Bus      BusConfig      `yaml:"bus"`
	Worker   WorkerConfig   `yaml:"worker"`
	DLQ      DLQConfig      `yaml:"dlq"`
	Ops      OpsConfig      `yaml:"ops,omitempty"`
	State    StateConfig    `yaml:"state"`
	Handlers HandlersConfig `yaml:"handlers,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	// DedupeWindow is the in-memory duplicate-suppression capacity
	// (recently seen job_ids).
	DedupeWindow int `yaml:"dedupe_window"`
	// DedupeTTL bounds how long a terminal outcome in the journal
	// suppresses a redelivered job_id.
	DedupeTTL time.Duration `yaml:"dedupe_ttl"`
}

// BusConfig defines message bus connection and subject settings.
type BusConfig struct {
	URL               string `yaml:"url"`
	AssignSubject     string `yaml:"assign_subject"`
	ResultSubject     string `yaml:"result_subject"`
	HeartbeatSubject  string `yaml:"heartbeat_subject"`
	DeadLetterSubject string `yaml:"dead_letter_subject"`
}

// WorkerConfig defines execution settings.
type WorkerConfig struct {
	ID                string        `yaml:"id"`
	MaxConcurrency    int           `yaml:"max_concurrency"`
	DefaultJobTimeout time.Duration `yaml:"default_job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PublishMaxRetries int           `yaml:"publish_max_retries"`
	// DrainGrace bounds how long shutdown waits for running jobs before
	// abandoning them.
	DrainGrace time.Duration `yaml:"drain_grace"`
}

// DLQConfig defines the durable dead-letter store settings.
type DLQConfig struct {
	Path            string        `yaml:"path"`
	MaxBytesPerFile int64         `yaml:"max_bytes_per_file"`
	TotalMaxBytes   int64         `yaml:"total_max_bytes"`
	MaxRotations    int           `yaml:"max_rotations"`
	MaxAge          time.Duration `yaml:"max_age,omitempty"` // 0 = unbounded
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// OpsConfig defines the operational HTTP server settings.
type OpsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// StateConfig defines local state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// HandlersConfig defines settings consumed by built-in handlers.
type HandlersConfig struct {
	FSBaseDir string `yaml:"fs_base_dir"`
}

// Defaults returns a Config with the stock settings.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "stevedore",
			LogLevel:     "info",
			DedupeWindow: 4096,
			DedupeTTL:    24 * time.Hour,
		},
		Bus: BusConfig{
			URL:               "nats://localhost:4222",
			AssignSubject:     "caf.exec.assign.v1",
			ResultSubject:     "caf.exec.result.v1",
			HeartbeatSubject:  "caf.status.heartbeat.v1",
			DeadLetterSubject: "caf.deadletter.v1",
		},
		Worker: WorkerConfig{
			MaxConcurrency:    8,
			DefaultJobTimeout: 60 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			PublishMaxRetries: 5,
			DrainGrace:        30 * time.Second,
		},
		DLQ: DLQConfig{
			Path:            "./data/dlq/deadletter.jsonl",
			MaxBytesPerFile: 100 * 1024 * 1024,
			TotalMaxBytes:   1024 * 1024 * 1024,
			MaxRotations:    5,
			SweepInterval:   time.Minute,
		},
		Ops: OpsConfig{
			Enabled: true,
			Listen:  "0.0.0.0:9091",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		Handlers: HandlersConfig{
			FSBaseDir: "./data/blobs",
		},
	}
}

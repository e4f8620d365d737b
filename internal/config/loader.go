package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Load reads and parses configuration from a YAML file, applies environment
// overrides, fills defaults, and validates. An empty path loads pure
// defaults plus environment, so the worker can run without a config file.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("config file not found: %s", absPath)
		}
		if info.IsDir() {
			absPath = filepath.Join(absPath, "config.yaml")
			if _, err := os.Stat(absPath); err != nil {
				return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
			}
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Worker.ID == "" {
		cfg.Worker.ID = "worker-" + uuid.NewString()
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets deployments override individual keys without
// editing the config file. Names match the original env-only surface.
func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setMillis := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = time.Duration(n) * time.Millisecond
			}
		}
	}
	setBytes := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}

	setString("NATS_URL", &cfg.Bus.URL)
	setString("CAF_ASSIGN_SUBJECT", &cfg.Bus.AssignSubject)
	setString("CAF_RESULT_SUBJECT", &cfg.Bus.ResultSubject)
	setString("CAF_HEARTBEAT_SUBJECT", &cfg.Bus.HeartbeatSubject)
	setString("CAF_DLQ_SUBJECT", &cfg.Bus.DeadLetterSubject)
	setString("WORKER_ID", &cfg.Worker.ID)
	setInt("WORKER_MAX_CONCURRENCY", &cfg.Worker.MaxConcurrency)
	setMillis("DEFAULT_JOB_TIMEOUT_MS", &cfg.Worker.DefaultJobTimeout)
	setMillis("CAF_HEARTBEAT_INTERVAL_MS", &cfg.Worker.HeartbeatInterval)
	setInt("RESULT_PUBLISH_MAX_RETRIES", &cfg.Worker.PublishMaxRetries)
	setString("DLQ_PATH", &cfg.DLQ.Path)
	setBytes("DLQ_MAX_BYTES", &cfg.DLQ.MaxBytesPerFile)
	setBytes("DLQ_TOTAL_MAX_BYTES", &cfg.DLQ.TotalMaxBytes)
	setInt("DLQ_MAX_ROTATIONS", &cfg.DLQ.MaxRotations)
	setString("HEALTH_BIND", &cfg.Ops.Listen)
	setString("FS_BASE_DIR", &cfg.Handlers.FSBaseDir)
	setString("STATE_PATH", &cfg.State.Path)

	if v := os.Getenv("DLQ_MAX_AGE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DLQ.MaxAge = time.Duration(n) * 24 * time.Hour
		}
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Bus.URL) == "" {
		return fmt.Errorf("bus.url cannot be empty")
	}
	for name, subject := range map[string]string{
		"bus.assign_subject":      cfg.Bus.AssignSubject,
		"bus.result_subject":      cfg.Bus.ResultSubject,
		"bus.heartbeat_subject":   cfg.Bus.HeartbeatSubject,
		"bus.dead_letter_subject": cfg.Bus.DeadLetterSubject,
	} {
		if !validSubject(subject) {
			return fmt.Errorf("%s has invalid subject format: %q", name, subject)
		}
	}

	if strings.TrimSpace(cfg.Worker.ID) == "" {
		return fmt.Errorf("worker.id cannot be empty")
	}
	if cfg.Worker.MaxConcurrency < 1 || cfg.Worker.MaxConcurrency > 256 {
		return fmt.Errorf("worker.max_concurrency must be between 1 and 256, got %d", cfg.Worker.MaxConcurrency)
	}
	if cfg.Worker.DefaultJobTimeout < 100*time.Millisecond || cfg.Worker.DefaultJobTimeout > time.Hour {
		return fmt.Errorf("worker.default_job_timeout must be between 100ms and 1h, got %v", cfg.Worker.DefaultJobTimeout)
	}
	if cfg.Worker.HeartbeatInterval < 100*time.Millisecond || cfg.Worker.HeartbeatInterval > 10*time.Minute {
		return fmt.Errorf("worker.heartbeat_interval must be between 100ms and 10m, got %v", cfg.Worker.HeartbeatInterval)
	}
	if cfg.Worker.PublishMaxRetries < 0 || cfg.Worker.PublishMaxRetries > 20 {
		return fmt.Errorf("worker.publish_max_retries must be between 0 and 20, got %d", cfg.Worker.PublishMaxRetries)
	}

	if strings.TrimSpace(cfg.DLQ.Path) == "" {
		return fmt.Errorf("dlq.path cannot be empty")
	}
	if cfg.DLQ.MaxBytesPerFile < 1<<10 {
		return fmt.Errorf("dlq.max_bytes_per_file must be at least 1KiB, got %d", cfg.DLQ.MaxBytesPerFile)
	}
	if cfg.DLQ.TotalMaxBytes < cfg.DLQ.MaxBytesPerFile {
		return fmt.Errorf("dlq.total_max_bytes must be >= dlq.max_bytes_per_file")
	}
	if cfg.DLQ.MaxRotations < 1 || cfg.DLQ.MaxRotations > 100 {
		return fmt.Errorf("dlq.max_rotations must be between 1 and 100, got %d", cfg.DLQ.MaxRotations)
	}
	if cfg.DLQ.MaxAge < 0 {
		return fmt.Errorf("dlq.max_age cannot be negative")
	}
	if cfg.DLQ.SweepInterval <= 0 {
		return fmt.Errorf("dlq.sweep_interval must be positive")
	}

	if cfg.Service.DedupeWindow < 0 {
		return fmt.Errorf("service.dedupe_window cannot be negative")
	}
	if cfg.Service.DedupeTTL < 0 {
		return fmt.Errorf("service.dedupe_ttl cannot be negative")
	}
	return nil
}

// validSubject applies the bus subject syntax: dot-separated tokens of
// alphanumerics, underscore, or dash.
func validSubject(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return !strings.Contains(s, "..") && !strings.HasPrefix(s, ".") && !strings.HasSuffix(s, ".")
}

// Package config loads runtime settings from the environment, an optional
// .env file and an optional YAML file named by CONFIG_FILE.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Staging   StagingConfig   `mapstructure:"staging"`
	Publish   PublishConfig   `mapstructure:"publish"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type APIConfig struct {
	Addr           string `mapstructure:"addr"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
}

type StagingConfig struct {
	// Dir defaults to a directory under the OS temp dir, never one relative to
	// the working directory.
	Dir string `mapstructure:"dir"`
	// Retention is how long staged files live before the cleanup task runs.
	Retention time.Duration `mapstructure:"retention"`
}

const (
	PublishBackendLocal = "local"
	PublishBackendS3    = "s3"
)

type PublishConfig struct {
	Backend      string        `mapstructure:"backend"`
	Dir          string        `mapstructure:"dir"`
	URLPrefix    string        `mapstructure:"url_prefix"`
	BaseURL      string        `mapstructure:"base_url"`
	ObjectPrefix string        `mapstructure:"object_prefix"`
	PresignTTL   time.Duration `mapstructure:"presign_ttl"`
}

type WorkerConfig struct {
	// Program is the transformation script copied into staging for each job.
	Program string `mapstructure:"program"`
	// Command is the interpreter for Program. Empty runs Program directly.
	Command       string        `mapstructure:"command"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	AdmissionWait time.Duration `mapstructure:"admission_wait"`
	// GlobalLimit bounds running workers across every API instance sharing
	// Redis. Zero disables the global bound.
	GlobalLimit int           `mapstructure:"global_limit"`
	GlobalLease time.Duration `mapstructure:"global_lease"`
	// Concurrency is the number of cleanup tasks cmd/worker handles at once.
	Concurrency int    `mapstructure:"concurrency"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type QueueConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Name          string `mapstructure:"name"`
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Region    string `mapstructure:"region"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TelemetryConfig struct {
	Exporter     string  `mapstructure:"exporter"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	Environment  string  `mapstructure:"environment"`
}

var bindings = map[string]string{
	"config_file":             "CONFIG_FILE",
	"api.addr":                "PIXELSHIFT_API_ADDR",
	"api.max_upload_bytes":    "API_MAX_UPLOAD_BYTES",
	"staging.dir":             "STAGING_DIR",
	"staging.retention":       "STAGING_RETENTION",
	"publish.backend":         "PUBLISH_BACKEND",
	"publish.dir":             "PUBLIC_DIR",
	"publish.url_prefix":      "URL_PREFIX",
	"publish.base_url":        "PUBLIC_BASE_URL",
	"publish.object_prefix":   "PUBLISH_OBJECT_PREFIX",
	"publish.presign_ttl":     "PRESIGN_TTL",
	"worker.program":          "WORKER_PROGRAM",
	"worker.command":          "WORKER_COMMAND",
	"worker.timeout":          "WORKER_TIMEOUT",
	"worker.max_concurrent":   "WORKER_MAX_CONCURRENT",
	"worker.admission_wait":   "WORKER_ADMISSION_WAIT",
	"worker.global_limit":     "WORKER_GLOBAL_LIMIT",
	"worker.global_lease":     "WORKER_GLOBAL_LEASE",
	"worker.concurrency":      "WORKER_CONCURRENCY",
	"worker.metrics_addr":     "WORKER_METRICS_ADDR",
	"queue.enabled":           "QUEUE_ENABLED",
	"queue.redis_addr":        "REDIS_ADDR",
	"queue.redis_password":    "REDIS_PASSWORD",
	"queue.redis_db":          "REDIS_DB",
	"queue.name":              "ASYNC_QUEUE",
	"storage.endpoint":        "MINIO_ENDPOINT",
	"storage.access_key":      "MINIO_ACCESS_KEY",
	"storage.secret_key":      "MINIO_SECRET_KEY",
	"storage.bucket":          "MINIO_BUCKET",
	"storage.use_ssl":         "MINIO_USE_SSL",
	"storage.region":          "MINIO_REGION",
	"log.level":               "LOG_LEVEL",
	"log.format":              "LOG_FORMAT",
	"telemetry.exporter":      "TRACE_EXPORTER",
	"telemetry.otlp_endpoint": "OTEL_EXPORTER_OTLP_ENDPOINT",
	"telemetry.otlp_insecure": "OTEL_EXPORTER_OTLP_INSECURE",
	"telemetry.sample_ratio":  "TRACE_SAMPLE_RATIO",
	"telemetry.environment":   "DEPLOYMENT_ENVIRONMENT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.max_upload_bytes", int64(32<<20))

	v.SetDefault("staging.dir", filepath.Join(os.TempDir(), "pixelshift", "staging"))
	v.SetDefault("staging.retention", 15*time.Minute)

	v.SetDefault("publish.backend", PublishBackendLocal)
	v.SetDefault("publish.dir", "./.pixelshift/public")
	v.SetDefault("publish.url_prefix", "/uploads")
	v.SetDefault("publish.object_prefix", "uploads")
	v.SetDefault("publish.presign_ttl", 24*time.Hour)

	v.SetDefault("worker.program", "./scripts/transform.py")
	v.SetDefault("worker.command", "python3")
	v.SetDefault("worker.timeout", 2*time.Minute)
	v.SetDefault("worker.max_concurrent", runtime.NumCPU())
	v.SetDefault("worker.admission_wait", 30*time.Second)
	v.SetDefault("worker.global_limit", 0)
	v.SetDefault("worker.global_lease", 3*time.Minute)
	v.SetDefault("worker.concurrency", max(2, runtime.NumCPU()))
	v.SetDefault("worker.metrics_addr", ":9091")

	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.name", "default")

	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.access_key", "minioadmin")
	v.SetDefault("storage.secret_key", "minioadmin")
	v.SetDefault("storage.bucket", "pixelshift")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Load reads .env (when present), then CONFIG_FILE (when set), then the
// environment. Later sources win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	v.SetEnvPrefix("PIXELSHIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path := strings.TrimSpace(v.GetString("config_file")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.API.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("API_MAX_UPLOAD_BYTES must be positive"))
	}
	if strings.TrimSpace(c.Staging.Dir) == "" {
		errs = append(errs, errors.New("STAGING_DIR is required"))
	}
	if strings.TrimSpace(c.Worker.Program) == "" {
		errs = append(errs, errors.New("WORKER_PROGRAM is required"))
	}
	if c.Worker.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("WORKER_MAX_CONCURRENT must be positive"))
	}
	if c.Worker.GlobalLimit < 0 {
		errs = append(errs, errors.New("WORKER_GLOBAL_LIMIT must not be negative"))
	}
	if c.Worker.GlobalLimit > 0 && c.Worker.GlobalLease <= 0 {
		errs = append(errs, errors.New("WORKER_GLOBAL_LEASE must be positive when WORKER_GLOBAL_LIMIT is set"))
	}
	if c.Worker.Timeout < 0 {
		errs = append(errs, errors.New("WORKER_TIMEOUT must not be negative"))
	}
	switch c.Publish.Backend {
	case PublishBackendLocal:
		if strings.TrimSpace(c.Publish.Dir) == "" {
			errs = append(errs, errors.New("PUBLIC_DIR is required for the local backend"))
		}
	case PublishBackendS3:
	default:
		errs = append(errs, fmt.Errorf("unsupported PUBLISH_BACKEND %q", c.Publish.Backend))
	}
	return errors.Join(errs...)
}

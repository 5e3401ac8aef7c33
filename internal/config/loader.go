package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DotEnvFile is read before environment overrides are applied. A missing file is ignored.
const DotEnvFile = ".env"

// Load builds the configuration in layers: defaults, then the YAML file at
// configPath (if any), then .env, then process environment. The result is validated.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if err := overlayYAML(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}
	if err := loadDotEnv(DotEnvFile); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", DotEnvFile, err)
	}
	for _, b := range envBindings(cfg) {
		if v, ok := os.LookupEnv(b.name); ok && v != "" {
			b.apply(v)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// overlayYAML decodes path over cfg. An empty or missing path keeps cfg as is.
func overlayYAML(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// loadDotEnv exports the variables of a .env file. Variables already set win.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

type envBinding struct {
	name  string
	apply func(string)
}

func str(name string, dst *string) envBinding {
	return envBinding{name, func(v string) { *dst = v }}
}

func lower(name string, dst *string) envBinding {
	return envBinding{name, func(v string) { *dst = strings.ToLower(v) }}
}

// num ignores values that are not integers.
func num(name string, dst *int) envBinding {
	return envBinding{name, func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}}
}

// envBindings lists the environment variables that override cfg.
func envBindings(cfg *Config) []envBinding {
	b := &cfg.Backend
	return []envBinding{
		str("ENV", &cfg.Env),
		num("GRPC_PORT", &b.GRPCPort),
		num("HTTP_PORT", &b.HTTPPort),

		str("DB_HOST", &b.Database.Host),
		num("DB_PORT", &b.Database.Port),
		str("DB_USER", &b.Database.User),
		str("DB_PASSWORD", &b.Database.Password),
		str("DB_NAME", &b.Database.Name),
		str("DB_SSLMODE", &b.Database.SSLMode),
		num("DB_MAX_CONNECTIONS", &b.Database.MaxConnections),

		str("RABBITMQ_URL", &b.RabbitMQ.URL),
		str("RABBITMQ_EXCHANGE", &b.RabbitMQ.Exchange),
		str("RABBITMQ_QUEUE", &b.RabbitMQ.Queue),

		num("MAX_CONCURRENT_JOBS", &b.Scheduler.MaxConcurrentJobs),
		num("JOB_TIMEOUT_MINUTES", &b.Scheduler.JobTimeoutMinutes),
		num("MAX_RETRIES", &b.Scheduler.MaxRetries),

		str("DOCKER_IMAGE", &b.Docker.Image),
		str("DOCKER_NETWORK", &b.Docker.Network),
		str("DOCKER_DATA_MOUNT", &b.Docker.DataMount),
		str("DOCKER_CPU_LIMIT", &b.Docker.CPULimit),
		str("DOCKER_MEMORY_LIMIT", &b.Docker.MemoryLimit),

		lower("LOG_LEVEL", &cfg.Logging.Level),
		lower("LOG_FORMAT", &cfg.Logging.Format),
	}
}

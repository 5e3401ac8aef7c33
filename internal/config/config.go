// Package config provides configuration management for the wfsearch server.
package config

import (
	"net"
	"net/url"
	"strconv"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	Env     string        `yaml:"env"`
	Backend BackendConfig `yaml:"backend"`
	Logging LoggingConfig `yaml:"logging"`
}

// BackendConfig contains all backend service configurations.
type BackendConfig struct {
	GRPCPort  int              `yaml:"grpc_port"`
	HTTPPort  int              `yaml:"http_port"`
	Database  DatabaseConfig   `yaml:"database"`
	RabbitMQ  RabbitMQConfig   `yaml:"rabbitmq"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Docker    DockerConfig     `yaml:"docker"`
	Schedules []ScheduleConfig `yaml:"schedules"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// An empty Host keeps all state in memory.
type DatabaseConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	Name               string `yaml:"name"`
	SSLMode            string `yaml:"sslmode"`
	MaxConnections     int    `yaml:"max_connections"`
	MaxIdleConnections int    `yaml:"max_idle_connections"`
	ConnMaxLifetime    string `yaml:"conn_max_lifetime"`
}

// Enabled reports whether a database is configured.
func (d *DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// ConnectionString returns the PostgreSQL URL. Credentials are escaped.
func (d *DatabaseConfig) ConnectionString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: url.Values{"sslmode": {d.SSLMode}}.Encode(),
	}
	return u.String()
}

// durationOr parses v, returning fallback when v is not a valid duration.
func durationOr(v string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

// RabbitMQConfig contains RabbitMQ connection settings.
// An empty URL disables event publishing and result subscription.
type RabbitMQConfig struct {
	URL              string `yaml:"url"`
	Exchange         string `yaml:"exchange"`
	Queue            string `yaml:"queue"`
	PrefetchCount    int    `yaml:"prefetch_count"`
	ReconnectDelay   string `yaml:"reconnect_delay"`
	MaxReconnectWait string `yaml:"max_reconnect_wait"`
}

// Enabled reports whether a broker is configured.
func (r *RabbitMQConfig) Enabled() bool {
	return r.URL != ""
}

// SchedulerConfig contains job queue and worker pool settings.
type SchedulerConfig struct {
	MaxConcurrentJobs   int    `yaml:"max_concurrent_jobs"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	JobTimeoutMinutes   int    `yaml:"job_timeout_minutes"`
	MaxRetries          int    `yaml:"max_retries"`
	ShutdownTimeout     string `yaml:"shutdown_timeout"`
}

// JobTimeout returns the job timeout as a time.Duration.
func (s *SchedulerConfig) JobTimeout() time.Duration {
	return time.Duration(s.JobTimeoutMinutes) * time.Minute
}

// PollInterval returns the poll interval as a time.Duration.
func (s *SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// ShutdownWait returns the shutdown timeout, falling back to 30s when unparseable.
func (s *SchedulerConfig) ShutdownWait() time.Duration {
	return durationOr(s.ShutdownTimeout, 30*time.Second)
}

// DockerConfig contains execution engine container settings.
// Image is the default engine image for run specs that do not name one.
type DockerConfig struct {
	Image            string `yaml:"image"`
	Network          string `yaml:"network"`
	DataMount        string `yaml:"data_mount"`
	CPULimit         string `yaml:"cpu_limit"`
	MemoryLimit      string `yaml:"memory_limit"`
	ContainerTimeout string `yaml:"container_timeout"`
}

// StaleAfter returns the age past which a managed container counts as abandoned,
// falling back to 15m when unparseable.
func (d *DockerConfig) StaleAfter() time.Duration {
	return durationOr(d.ContainerTimeout, 15*time.Minute)
}

// ScheduleConfig starts the run described by RunFile whenever Cron fires.
type ScheduleConfig struct {
	Name    string `yaml:"name"`
	Cron    string `yaml:"cron"`
	RunFile string `yaml:"run_file"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"output_path"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Env: "development",
		Backend: BackendConfig{
			GRPCPort: 50051,
			HTTPPort: 8082,
			Database: DatabaseConfig{
				Port:               5432,
				User:               "postgres",
				Password:           "postgres",
				Name:               "wfsearch_dev",
				SSLMode:            "disable",
				MaxConnections:     25,
				MaxIdleConnections: 5,
				ConnMaxLifetime:    "1h",
			},
			RabbitMQ: RabbitMQConfig{
				Exchange:         "wfsearch.events",
				Queue:            "wfsearch.engine_results",
				PrefetchCount:    10,
				ReconnectDelay:   "5s",
				MaxReconnectWait: "30s",
			},
			Scheduler: SchedulerConfig{
				MaxConcurrentJobs:   8,
				PollIntervalSeconds: 1,
				JobTimeoutMinutes:   10,
				MaxRetries:          1,
				ShutdownTimeout:     "30s",
			},
			Docker: DockerConfig{
				Network:          "wfsearch_network",
				DataMount:        "/data/market",
				CPULimit:         "2.0",
				MemoryLimit:      "2g",
				ContainerTimeout: "15m",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
	}
}

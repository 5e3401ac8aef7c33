package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return "validation errors: " + strings.Join(msgs, "; ")
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve ValidationError
	var ves ValidationErrors
	return errors.As(err, &ve) || errors.As(err, &ves)
}

// checker accumulates failures under a field prefix.
type checker struct {
	prefix string
	errs   *ValidationErrors
}

func (c checker) sub(name string) checker {
	return checker{prefix: c.field(name), errs: c.errs}
}

func (c checker) field(name string) string {
	if c.prefix == "" {
		return name
	}
	return c.prefix + "." + name
}

func (c checker) fail(name, format string, args ...any) {
	*c.errs = append(*c.errs, ValidationError{Field: c.field(name), Message: fmt.Sprintf(format, args...)})
}

func (c checker) require(name, value string) {
	if value == "" {
		c.fail(name, "is required")
	}
}

func (c checker) positive(name string, value int) {
	if value <= 0 {
		c.fail(name, "must be greater than 0")
	}
}

func (c checker) port(name string, value int) {
	if value <= 0 || value > 65535 {
		c.fail(name, "must be a valid port number (1-65535)")
	}
}

func (c checker) oneOf(name, value string, allowed ...string) {
	if !slices.Contains(allowed, value) {
		c.fail(name, "must be one of: %s", strings.Join(allowed, ", "))
	}
}

func (c checker) duration(name, value, example string) {
	if _, err := time.ParseDuration(value); err != nil {
		c.fail(name, "must be a duration such as %s", example)
	}
}

// Validate validates the configuration and returns every problem found.
func Validate(cfg *Config) error {
	var errs ValidationErrors
	root := checker{errs: &errs}

	root.oneOf("env", cfg.Env, "development", "staging", "production", "test")

	backend := root.sub("backend")
	backend.port("grpc_port", cfg.Backend.GRPCPort)
	backend.port("http_port", cfg.Backend.HTTPPort)
	if cfg.Backend.GRPCPort == cfg.Backend.HTTPPort {
		backend.fail("grpc_port/http_port", "gRPC and HTTP ports must be different")
	}

	if cfg.Backend.Database.Enabled() {
		cfg.Backend.Database.validate(backend.sub("database"))
	}
	if cfg.Backend.RabbitMQ.Enabled() {
		cfg.Backend.RabbitMQ.validate(backend.sub("rabbitmq"))
	}
	cfg.Backend.Scheduler.validate(backend.sub("scheduler"))
	cfg.Backend.Docker.validate(backend.sub("docker"))
	validateSchedules(backend, cfg.Backend.Schedules)

	logging := root.sub("logging")
	logging.oneOf("level", cfg.Logging.Level, "debug", "info", "warn", "error")
	logging.oneOf("format", cfg.Logging.Format, "json", "console")

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (d *DatabaseConfig) validate(c checker) {
	c.port("port", d.Port)
	c.require("user", d.User)
	c.require("name", d.Name)
	c.oneOf("sslmode", d.SSLMode, "disable", "require", "verify-ca", "verify-full")
	c.positive("max_connections", d.MaxConnections)
	if d.MaxIdleConnections < 0 || d.MaxIdleConnections > d.MaxConnections {
		c.fail("max_idle_connections", "must be between 0 and max_connections")
	}
	c.duration("conn_max_lifetime", d.ConnMaxLifetime, "1h")
}

func (mq *RabbitMQConfig) validate(c checker) {
	if !strings.HasPrefix(mq.URL, "amqp://") && !strings.HasPrefix(mq.URL, "amqps://") {
		c.fail("url", "must start with amqp:// or amqps://")
	}
	c.require("exchange", mq.Exchange)
	c.positive("prefetch_count", mq.PrefetchCount)
}

func (s *SchedulerConfig) validate(c checker) {
	if s.MaxConcurrentJobs <= 0 || s.MaxConcurrentJobs > 100 {
		c.fail("max_concurrent_jobs", "must be between 1 and 100")
	}
	c.positive("poll_interval_seconds", s.PollIntervalSeconds)
	c.positive("job_timeout_minutes", s.JobTimeoutMinutes)
	if s.MaxRetries < 0 {
		c.fail("max_retries", "must be non-negative")
	}
}

func (d *DockerConfig) validate(c checker) {
	c.require("cpu_limit", d.CPULimit)
	c.require("memory_limit", d.MemoryLimit)
	c.duration("container_timeout", d.ContainerTimeout, "15m")
}

func validateSchedules(c checker, schedules []ScheduleConfig) {
	seen := make(map[string]bool, len(schedules))
	for i, s := range schedules {
		entry := c.sub(fmt.Sprintf("schedules[%d]", i))
		switch {
		case s.Name == "":
			entry.fail("name", "is required")
		case seen[s.Name]:
			entry.fail("name", "must be unique")
		}
		seen[s.Name] = true

		if _, err := cron.ParseStandard(s.Cron); err != nil {
			entry.fail("cron", "%v", err)
		}
		entry.require("run_file", s.RunFile)
	}
}

package telemetry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Config selects how a bapflow process logs, traces, counts and publishes what
// its workflow runs do.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger. Output is "stderr", "stdout" or
// a file path that logs are appended to.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`
	Output string
}

// TracingConfig configures span export. With the "none" exporter spans are
// still created, so run and service spans carry IDs, but nothing leaves the
// process.
type TracingConfig struct {
	Enabled      bool
	Exporter     string  `validate:"oneof=none stdout otlp"`
	Endpoint     string  `validate:"required_if=Exporter otlp"`
	SamplingRate float64 `validate:"gte=0,lte=1"`
	Insecure     bool
}

// MetricsConfig configures the Prometheus registry. Metrics are collected
// whenever Enabled is set and served only when ListenAddress is.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	Namespace     string
	Buckets       []float64
}

// EventsConfig configures the event publisher. Async delivery goes through a
// buffer of BufferSize events.
type EventsConfig struct {
	Enabled    bool
	Async      bool
	BufferSize int `validate:"required_if=Async true,gte=0"`
}

// Service execution times range from seconds (metrics, typing) to hours
// (assembly, annotation).
var serviceBuckets = []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200, 14400}

// DefaultConfig logs to stderr at info level, keeps metrics in memory, does
// not export traces and delivers events synchronously.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "bapflow",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1,
			Insecure:     true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "bapflow",
			Buckets:   serviceBuckets,
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 1000,
		},
	}
}

var validate = validator.New()

// Validate reports the first invalid field of c by its path, for example
// "invalid telemetry config: Logging.Level must be one of ...".
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}

	fe := fields[0]
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "oneof":
		return fmt.Errorf("invalid telemetry config: %s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	case "required", "required_if":
		return fmt.Errorf("invalid telemetry config: %s is required", field)
	default:
		return fmt.Errorf("invalid telemetry config: %s failed %s=%s", field, fe.Tag(), fe.Param())
	}
}

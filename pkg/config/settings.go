package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/kcri/bapflow/pkg/telemetry"
)

// EnvPrefix prefixes environment variables that override settings, for example
// BAPFLOW_LOG_LEVEL or BAPFLOW_METRICS_LISTEN.
const EnvPrefix = "BAPFLOW"

// Settings are the application settings of the bapflow command.
type Settings struct {
	Log      LogSettings     `mapstructure:"log"`
	Metrics  MetricsSettings `mapstructure:"metrics"`
	Tracing  TracingSettings `mapstructure:"tracing"`
	Journal  JournalSettings `mapstructure:"journal"`
	Policies PolicySettings  `mapstructure:"policies"`
	Run      RunSettings     `mapstructure:"run"`
}

// LogSettings configure logging.
type LogSettings struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// MetricsSettings configure the Prometheus endpoint. An empty Listen address
// keeps metrics in memory only.
type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen" validate:"omitempty,hostname_port"`
}

// TracingSettings configure OpenTelemetry export.
type TracingSettings struct {
	Exporter string `mapstructure:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Exporter otlp"`
}

// JournalSettings locate the run journal. An empty path disables it.
type JournalSettings struct {
	Path string `mapstructure:"path"`
}

// PolicySettings locate extra admission policies.
type PolicySettings struct {
	Dir string `mapstructure:"dir"`
}

// RunSettings configure workflow execution.
type RunSettings struct {
	Workers  int    `mapstructure:"workers" validate:"gte=1"`
	WorkDir  string `mapstructure:"work_dir" validate:"required"`
	DBRoot   string `mapstructure:"db_root"`
	Workflow string `mapstructure:"workflow"`
}

// SetDefaults registers the default settings on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("journal.path", "")
	v.SetDefault("policies.dir", "")
	v.SetDefault("run.workers", 10)
	v.SetDefault("run.work_dir", "bapflow-work")
	v.SetDefault("run.db_root", "/databases")
	v.SetDefault("run.workflow", "")
}

// NewViper returns a viper instance with defaults and environment overrides
// set up. When file is non-empty it is read as the settings file.
func NewViper(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file == "" {
		return v, nil
	}

	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("failed to read settings %s: %w", file, err)
	}
	return v, nil
}

// LoadSettings decodes and validates the settings held by v.
func LoadSettings(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := validate.Struct(&s); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return &s, nil
}

// Telemetry converts the settings into a telemetry configuration.
func (s *Settings) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version

	cfg.Logging.Level = s.Log.Level
	cfg.Logging.Format = s.Log.Format

	cfg.Metrics.Enabled = s.Metrics.Enabled
	cfg.Metrics.ListenAddress = s.Metrics.Listen

	cfg.Tracing.Enabled = s.Tracing.Exporter != "none"
	cfg.Tracing.Exporter = s.Tracing.Exporter
	if s.Tracing.Endpoint != "" {
		cfg.Tracing.Endpoint = s.Tracing.Endpoint
	}

	// The journal subscribes to events.
	cfg.Events.Enabled = true
	return cfg
}

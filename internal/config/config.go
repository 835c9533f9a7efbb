// internal/config/config.go
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/SyedDaiam9101/model-runner/internal/inference"
)

// Executor names accepted by the executor setting.
const (
	ExecutorONNX = "onnx"
	ExecutorMock = "mock"
)

// Config holds all configuration for the runner
type Config struct {
	// Model configuration
	Model           string `mapstructure:"model"`
	ComputePlatform string `mapstructure:"compute_platform"`
	CacheDir        string `mapstructure:"cache_dir"`

	// Compiled, StaticInputShapes and LowPrecision map onto the model options
	// of the same name.
	Compiled          bool `mapstructure:"compiled"`
	StaticInputShapes bool `mapstructure:"static_input_shapes"`
	LowPrecision      bool `mapstructure:"low_precision_accumulation"`

	// Executor configuration
	Executor   string `mapstructure:"executor"`
	ORTLibrary string `mapstructure:"ort_library"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// Observability. An empty MetricsAddr disables the /metrics endpoint.
	MetricsAddr string `mapstructure:"metrics_addr"`
	OTELEnabled bool   `mapstructure:"otel_enabled"`

	// Feature flags
	UseMockInference bool `mapstructure:"use_mock_inference"`
}

func newViper() *viper.Viper {
	v := viper.New()

	// Set defaults
	v.SetDefault("model", "")
	v.SetDefault("compute_platform", inference.All.String())
	v.SetDefault("cache_dir", "")
	v.SetDefault("compiled", false)
	v.SetDefault("static_input_shapes", false)
	v.SetDefault("low_precision_accumulation", false)
	v.SetDefault("executor", ExecutorONNX)
	v.SetDefault("ort_library", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("otel_enabled", false)
	v.SetDefault("use_mock_inference", false)

	// Environment variable configuration
	v.SetEnvPrefix("MODEL_RUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("ort_library", "MODEL_RUNNER_ORT_LIBRARY", "ONNXRUNTIME_LIB")
	v.BindEnv("use_mock_inference", "MODEL_RUNNER_USE_MOCK")
	return v
}

// Load loads configuration from environment variables and an optional config file.
// Priority (highest to lowest): env vars > config file > defaults. Flags are
// applied by the caller on top.
func Load() (*Config, error) {
	v := newViper()

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/model-runner/")
	v.AddConfigPath("$HOME/.model-runner")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadWithConfigFile loads configuration from a specific config file
func LoadWithConfigFile(configPath string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configPath, err)
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.UseMockInference {
		cfg.Executor = ExecutorMock
	}
	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := inference.ParseComputePlatform(c.ComputePlatform); err != nil {
		return err
	}
	switch c.Executor {
	case ExecutorONNX, ExecutorMock:
	default:
		return fmt.Errorf("invalid executor: %q", c.Executor)
	}
	if c.Model == "" && c.Executor != ExecutorMock {
		return fmt.Errorf("model path is required when not using mock inference")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.LogLevel)
	}
	return nil
}

// ModelOptions returns the model options the configuration selects.
func (c *Config) ModelOptions() (inference.ModelOptions, error) {
	opts := inference.DefaultModelOptions()
	platform, err := inference.ParseComputePlatform(c.ComputePlatform)
	if err != nil {
		return opts, err
	}
	opts.ComputePlatform = platform
	opts.Compiled = c.Compiled
	opts.StaticInputShapes = c.StaticInputShapes
	opts.LowPrecisionAccumulation = c.LowPrecision
	return opts, nil
}

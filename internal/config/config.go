package config

import (
	"os"
	"strings"

	"codeberg.org/nanolab/smuctl/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const DefaultLogLevel = "info"

// Config holds every run parameter explicitly. There is no ambient module
// state: defaults live here and everything can be overridden by the config
// file (TOML, path via SMUCTL_CONFIG) or by command line flags.
type Config struct {
	// Bus
	Port    string `mapstructure:"port"`
	Baud    int    `mapstructure:"baud"`
	Address int    `mapstructure:"address"`

	// Instrument baseline
	Compliance string `mapstructure:"compliance"`
	Range      string `mapstructure:"range"`

	// Pulse-plan run
	Plan           string  `mapstructure:"plan"`
	PlanScale      float64 `mapstructure:"plan_scale"`
	SetVoltage     float64 `mapstructure:"set_voltage"`
	MeasureVoltage float64 `mapstructure:"measure_voltage"`
	MeasureDelay   float64 `mapstructure:"measure_delay"`
	RestPeriod     float64 `mapstructure:"rest_period"`

	// Step-plan run: per-step voltage, period and repeat count
	StepPlan string `mapstructure:"step_plan"`

	// Constant-bias run
	Bias        bool    `mapstructure:"bias"`
	BiasVoltage float64 `mapstructure:"bias_voltage"`
	Samples     int     `mapstructure:"samples"`
	Interval    float64 `mapstructure:"interval"`
	LeadTime    float64 `mapstructure:"lead_time"`

	// Results
	Output      string `mapstructure:"output"`
	Telemetry   bool   `mapstructure:"telemetry"`
	TelemetryDB string `mapstructure:"database"`

	// Logging
	Debug    bool   `mapstructure:"debug"`
	Verbose  bool   `mapstructure:"verbose"`
	LogLevel string `mapstructure:"log_level"`
}

func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	errFactory := errors.New()

	v := viper.New()
	setDefaults(v)

	flags := pflag.NewFlagSet("smuctl", pflag.ContinueOnError)
	flags.String("port", v.GetString("port"), "Serial port of the Prologix GPIB controller")
	flags.Int("baud", v.GetInt("baud"), "Serial baud rate")
	flags.Int("address", v.GetInt("address"), "GPIB address of the SMU")
	flags.String("compliance", v.GetString("compliance"), "Compliance level in amps, scientific notation (e.g. 1E-3)")
	flags.String("range", v.GetString("range"), "Current measurement range (e.g. 1mA)")
	flags.String("plan", v.GetString("plan"), "Spreadsheet with set times for the pulse plan")
	flags.Float64("plan-scale", v.GetFloat64("plan_scale"), "Scale factor applied to plan set times")
	flags.Float64("set-voltage", v.GetFloat64("set_voltage"), "Voltage applied during a set pulse")
	flags.Float64("measure-voltage", v.GetFloat64("measure_voltage"), "Voltage applied during a measurement")
	flags.Float64("measure-delay", v.GetFloat64("measure_delay"), "Delay in seconds before each measurement")
	flags.Float64("rest-period", v.GetFloat64("rest_period"), "Rest in seconds between plan steps")
	flags.String("step-plan", v.GetString("step_plan"), "Spreadsheet with per-step voltage, period and repeat count")
	flags.Bool("bias", v.GetBool("bias"), "Constant-bias mode: apply a bias and sample periodically")
	flags.Float64("bias-voltage", v.GetFloat64("bias_voltage"), "Bias voltage for constant-bias mode")
	flags.Int("samples", v.GetInt("samples"), "Number of periodic samples in constant-bias mode")
	flags.Float64("interval", v.GetFloat64("interval"), "Sampling period in seconds")
	flags.Float64("lead-time", v.GetFloat64("lead_time"), "Expected single-measurement latency in seconds")
	flags.String("output", v.GetString("output"), "Result CSV file")
	flags.Bool("telemetry", v.GetBool("telemetry"), "Record runs into the telemetry database")
	flags.String("database", v.GetString("database"), "Path to the telemetry database")
	flags.Bool("debug", v.GetBool("debug"), "Enable debugging mode")
	flags.Bool("verbose", v.GetBool("verbose"), "Enable verbose logging")
	flags.String("log-level", v.GetString("log_level"), "Log level (debug, info, warning, error)")

	if err := flags.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	// Load configuration file, if any
	if path := os.Getenv("SMUCTL_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("smuctl")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err).
				WithMessage("Failed to read config file")
		}
	}

	// Flags override config file values
	flags.Visit(func(f *pflag.Flag) {
		v.Set(strings.ReplaceAll(f.Name, "-", "_"), f.Value.String())
	})

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "/dev/ttyUSB0")
	v.SetDefault("baud", 115200)
	v.SetDefault("address", 16)
	v.SetDefault("compliance", "1E-9")
	v.SetDefault("range", "1nA")
	v.SetDefault("plan", "")
	v.SetDefault("plan_scale", 1.0)
	v.SetDefault("set_voltage", 1.0)
	v.SetDefault("measure_voltage", 0.1)
	v.SetDefault("measure_delay", 30.0)
	v.SetDefault("rest_period", 120.0)
	v.SetDefault("step_plan", "")
	v.SetDefault("bias", false)
	v.SetDefault("bias_voltage", 0.01)
	v.SetDefault("samples", 10)
	v.SetDefault("interval", 2.0)
	v.SetDefault("lead_time", 1.1)
	v.SetDefault("output", "results.csv")
	v.SetDefault("telemetry", false)
	v.SetDefault("database", "/var/lib/smuctl/telemetry.db")
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)
	v.SetDefault("log_level", DefaultLogLevel)
}

func (c *Config) validate() error {
	errFactory := errors.New()

	switch c.LogLevel {
	case "debug", "info", "warning", "error":
	default:
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "interval must be positive")
	}
	if c.Samples < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "samples must not be negative")
	}
	if c.LeadTime < 0 || c.LeadTime >= c.Interval {
		return errFactory.WithData(errors.ErrInvalidConfig, "lead_time must be in [0, interval)")
	}
	if c.Telemetry && c.TelemetryDB == "" {
		return errFactory.WithData(errors.ErrMissingConfig, "database")
	}

	return nil
}

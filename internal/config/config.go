package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/stationd/internal/capture"
	"github.com/loykin/stationd/internal/cron"
	"github.com/loykin/stationd/internal/env"
	"github.com/loykin/stationd/internal/logger"
	"github.com/loykin/stationd/internal/metrics"
	"github.com/loykin/stationd/internal/observability"
	"github.com/loykin/stationd/internal/orbit"
	"github.com/loykin/stationd/internal/pipeline"
	"github.com/loykin/stationd/internal/positioner"
	"github.com/loykin/stationd/internal/predict"
	"github.com/loykin/stationd/internal/remote"
	"github.com/loykin/stationd/internal/runner"
	"github.com/loykin/stationd/internal/store"
	"github.com/loykin/stationd/internal/tle"
	stationtls "github.com/loykin/stationd/internal/tls"
)

const EnvPrefix = "STATIOND"

type PredictionConfig struct {
	MinElevation      float64       `mapstructure:"min_elevation"`
	StartEndElevation float64       `mapstructure:"start_end_elevation"`
	Horizon           time.Duration `mapstructure:"horizon"`
	MaxPerSatellite   int           `mapstructure:"max_per_satellite"`
	SafetyMargin      time.Duration `mapstructure:"safety_margin"`
	Schedule          string        `mapstructure:"schedule"`
}

type TrackerConfig struct {
	Transport         string        `mapstructure:"transport"`
	Address           string        `mapstructure:"address"`
	Baud              int           `mapstructure:"baud"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff"`
	positioner.Config `mapstructure:",squash"`
}

type PowerConfig struct {
	OnCommand  string `mapstructure:"on_command"`
	OffCommand string `mapstructure:"off_command"`
}

type CaptureConfig struct {
	capture.Radio `mapstructure:",squash"`
	Remote        remote.Config `mapstructure:"remote"`
}

type PipelineConfig struct {
	BinDir string `mapstructure:"bin_dir"`
}

// ToolsConfig is the environment of receiver and decoder processes.
type ToolsConfig struct {
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen   string            `mapstructure:"listen"`
	BasePath string            `mapstructure:"base_path"`
	Metrics  bool              `mapstructure:"metrics"`
	TLS      stationtls.Config `mapstructure:"tls"`
}

// Config is the daemon configuration file.
type Config struct {
	Station        orbit.Station                `mapstructure:"station"`
	Prediction     PredictionConfig             `mapstructure:"prediction"`
	Runner         runner.Config                `mapstructure:"runner"`
	Tracker        TrackerConfig                `mapstructure:"tracker"`
	Power          PowerConfig                  `mapstructure:"power"`
	Capture        CaptureConfig                `mapstructure:"capture"`
	Pipeline       PipelineConfig               `mapstructure:"pipeline"`
	Tools          ToolsConfig                  `mapstructure:"tools"`
	Store          StoreConfig                  `mapstructure:"store"`
	History        HistoryConfig                `mapstructure:"history"`
	TLE            tle.Config                   `mapstructure:"tle"`
	Log            logger.Config                `mapstructure:"log"`
	Server         ServerConfig                 `mapstructure:"server"`
	Tracing        observability.TracingConfig  `mapstructure:"tracing"`
	ProcessMetrics metrics.ProcessMetricsConfig `mapstructure:"process_metrics"`
	Satellites     []store.Satellite            `mapstructure:"satellites"`

	v *viper.Viper
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("prediction.min_elevation", predict.DefaultMinElevation)
	v.SetDefault("prediction.start_end_elevation", predict.DefaultFloor)
	v.SetDefault("prediction.horizon", predict.DefaultHorizon)
	v.SetDefault("prediction.max_per_satellite", predict.DefaultMaxPerSatellite)
	v.SetDefault("prediction.safety_margin", predict.DefaultSafetyMargin)
	v.SetDefault("prediction.schedule", "0 0 * * *")
	v.SetDefault("runner.interval", runner.DefaultInterval)
	v.SetDefault("runner.work_root", os.TempDir())
	v.SetDefault("tracker.transport", "tcp")
	v.SetDefault("tracker.baud", 9600)
	v.SetDefault("tracker.command_timeout", 3*time.Second)
	v.SetDefault("tracker.reconnect_backoff", 10*time.Second)
	v.SetDefault("tracker.poll_interval", 5*time.Second)
	v.SetDefault("tracker.track_interval", time.Second)
	v.SetDefault("tracker.default_duration", 15*time.Minute)
	v.SetDefault("tracker.park_elevation", 90.0)
	v.SetDefault("capture.program", capture.DefaultProgram)
	v.SetDefault("capture.gain", 20)
	v.SetDefault("capture.bias_tee", true)
	v.SetDefault("capture.remote.port", 22)
	v.SetDefault("pipeline.bin_dir", pipeline.DefaultBinDir)
	v.SetDefault("store.dsn", "stationd.db")
	v.SetDefault("tle.base_url", tle.DefaultBaseURL)
	v.SetDefault("tle.max_age", tle.DefaultMaxAge)
	v.SetDefault("tle.schedule", "30 */6 * * *")
	v.SetDefault("log.level", string(logger.LevelInfo))
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/")
	v.SetDefault("server.metrics", true)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("process_metrics.interval", 5*time.Second)
	v.SetDefault("process_metrics.max_history", 120)
}

// Load reads the TOML file at path. STATIOND_* environment variables
// override file values, e.g. STATIOND_STORE_DSN for store.dsn.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.v = v
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Station.Lat < -90 || c.Station.Lat > 90 {
		errs = append(errs, fmt.Errorf("station.lat %v out of range", c.Station.Lat))
	}
	if c.Station.Lon < -180 || c.Station.Lon > 180 {
		errs = append(errs, fmt.Errorf("station.lon %v out of range", c.Station.Lon))
	}
	if c.Prediction.StartEndElevation < 0 || c.Prediction.StartEndElevation >= 90 {
		errs = append(errs, fmt.Errorf("prediction.start_end_elevation %v out of range", c.Prediction.StartEndElevation))
	}
	if c.Prediction.SafetyMargin < predict.DefaultSafetyMargin {
		errs = append(errs, fmt.Errorf("prediction.safety_margin must be at least %s", predict.DefaultSafetyMargin))
	}
	if _, err := cron.ParseSchedule(c.Prediction.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("prediction.schedule: %w", err))
	}
	if _, err := cron.ParseSchedule(c.TLE.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("tle.schedule: %w", err))
	}
	switch c.Tracker.Transport {
	case "tcp", "serial":
	default:
		errs = append(errs, fmt.Errorf("tracker.transport %q must be tcp or serial", c.Tracker.Transport))
	}
	if c.Tracker.Address == "" {
		errs = append(errs, errors.New("tracker.address is required"))
	}
	if c.Capture.Remote.Enabled && (c.Capture.Remote.Address == "" || c.Capture.Remote.Username == "") {
		errs = append(errs, errors.New("capture.remote requires address and username"))
	}
	if t := c.Server.TLS; t.Enabled && t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires cert_file and key_file, or dir"))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	seen := map[int]bool{}
	for i, s := range c.Satellites {
		switch {
		case s.CatalogNumber <= 0:
			errs = append(errs, fmt.Errorf("satellites[%d]: catalog_number is required", i))
		case seen[s.CatalogNumber]:
			errs = append(errs, fmt.Errorf("satellites[%d]: duplicate catalog_number %d", i, s.CatalogNumber))
		}
		seen[s.CatalogNumber] = true
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("satellites[%d]: name is required", i))
		}
		if s.Enabled && (s.Frequency <= 0 || s.SampleRate <= 0) {
			errs = append(errs, fmt.Errorf("satellite %s: frequency and sample_rate are required", s.Name))
		}
		for j, step := range s.Pipeline {
			if step.Program == "" {
				errs = append(errs, fmt.Errorf("satellite %s: pipeline[%d] requires program", s.Name, j))
			}
		}
	}
	return errors.Join(errs...)
}

// Setting returns a raw configuration value by dotted key.
func (c *Config) Setting(key string) any {
	if c.v == nil {
		return nil
	}
	return c.v.Get(key)
}

// ToolEnv builds the environment for receiver and decoder processes.
func (c *Config) ToolEnv() (*env.Env, error) {
	return env.Load(c.Tools.UseOSEnv, c.Tools.EnvFiles, c.Tools.Env)
}

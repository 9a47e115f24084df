package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultBufferingMS is used when the buffering setting is zero.
	DefaultBufferingMS = 50
	MinBufferingMS     = 1
	MaxBufferingMS     = 1000
)

type Config struct {
	LogLevel string         `json:"log_level" mapstructure:"log_level"`
	Audio    AudioConfig    `json:"audio" mapstructure:"audio"`
	Output   OutputConfig   `json:"output" mapstructure:"output"`
	Resample ResampleConfig `json:"resample" mapstructure:"resample"`
	Drift    DriftConfig    `json:"drift" mapstructure:"drift"`
	Recovery RecoveryConfig `json:"recovery" mapstructure:"recovery"`
	Metrics  MetricsConfig  `json:"metrics" mapstructure:"metrics"`

	path string
}

type AudioConfig struct {
	Backend     string `json:"backend" mapstructure:"backend"` // "portaudio" or "malgo"
	DeviceID    string `json:"device_id" mapstructure:"device_id"`
	BufferingMS int    `json:"buffering_ms" mapstructure:"buffering_ms"`
	Channels    int    `json:"channels" mapstructure:"channels"` // 0 = device default
}

type OutputConfig struct {
	SampleRate    int    `json:"sample_rate" mapstructure:"sample_rate"`
	QuantumMS     int    `json:"quantum_ms" mapstructure:"quantum_ms"`
	ForceResample bool   `json:"force_resample" mapstructure:"force_resample"`
	DumpPath      string `json:"dump_path" mapstructure:"dump_path"`
}

type ResampleConfig struct {
	Converter string `json:"converter" mapstructure:"converter"` // "polyphase", "linear", "libsamplerate"
	Quality   string `json:"quality" mapstructure:"quality"`
}

type DriftConfig struct {
	Window        time.Duration `json:"window" mapstructure:"window"`
	MinAdjustment float64       `json:"min_adjustment" mapstructure:"min_adjustment"`
	MaxAdjustment float64       `json:"max_adjustment" mapstructure:"max_adjustment"`
}

type RecoveryConfig struct {
	RetryInterval     time.Duration `json:"retry_interval" mapstructure:"retry_interval"`
	PollInterval      time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	LostWarnThreshold int           `json:"lost_warn_threshold" mapstructure:"lost_warn_threshold"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Listen string `json:"listen" mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("audio.backend", "portaudio")
	v.SetDefault("audio.device_id", "")
	v.SetDefault("audio.buffering_ms", DefaultBufferingMS)
	v.SetDefault("audio.channels", 0)
	v.SetDefault("output.sample_rate", 48000)
	v.SetDefault("output.quantum_ms", 10)
	v.SetDefault("output.force_resample", false)
	v.SetDefault("output.dump_path", "")
	v.SetDefault("resample.converter", "polyphase")
	v.SetDefault("resample.quality", "low")
	v.SetDefault("drift.window", time.Second)
	v.SetDefault("drift.min_adjustment", 0.5)
	v.SetDefault("drift.max_adjustment", 2.0)
	v.SetDefault("recovery.retry_interval", time.Second)
	v.SetDefault("recovery.poll_interval", 100*time.Millisecond)
	v.SetDefault("recovery.lost_warn_threshold", 10)
	v.SetDefault("recovery.shutdown_timeout", 30*time.Second)
	v.SetDefault("metrics.listen", "")
}

// Load reads the config from the platform config path, or returns defaults
// if the file does not exist.
func Load() (*Config, error) {
	return LoadFile(configPath())
}

// LoadFile reads the config from path. Environment variables prefixed with
// MICBRIDGE_ (for example MICBRIDGE_OUTPUT_SAMPLE_RATE) override file values.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("micbridge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	cfg.path = path
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

// normalize applies the clamps the capture path relies on.
func (c *Config) normalize() {
	if c.Audio.BufferingMS == 0 {
		c.Audio.BufferingMS = DefaultBufferingMS
	}
	c.Audio.BufferingMS = min(max(c.Audio.BufferingMS, MinBufferingMS), MaxBufferingMS)
	if c.Output.QuantumMS <= 0 {
		c.Output.QuantumMS = 10
	}
}

// Validate reports settings that cannot be used.
func (c *Config) Validate() error {
	switch c.Audio.Backend {
	case "portaudio", "malgo":
	default:
		return fmt.Errorf("unknown audio backend %q", c.Audio.Backend)
	}
	if c.Output.SampleRate <= 0 {
		return fmt.Errorf("invalid output sample rate %d", c.Output.SampleRate)
	}
	if c.Audio.Channels < 0 || c.Audio.Channels > 8 {
		return fmt.Errorf("invalid channel count %d", c.Audio.Channels)
	}
	return nil
}

// Buffering returns the capture buffer duration.
func (a AudioConfig) Buffering() time.Duration {
	return time.Duration(a.BufferingMS) * time.Millisecond
}

// QuantumFrames returns the number of frames the playback pump pulls per tick.
func (o OutputConfig) QuantumFrames() int {
	return max(o.SampleRate*o.QuantumMS/1000, 1)
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	if c.path == "" {
		return configPath()
	}
	return c.path
}

// Save writes the config to disk
func (c *Config) Save() error {
	path := c.Path()

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "micbridge", "config.json")
}

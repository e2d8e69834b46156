package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roman-kulish/vultur/internal/acquisition"
	"github.com/roman-kulish/vultur/internal/camera"
	"github.com/roman-kulish/vultur/internal/status"
	"github.com/roman-kulish/vultur/internal/telemetry"
)

const (
	DriverExec = "exec"
	DriverSim  = "sim"

	DefaultFPS           = 2.0
	DefaultTelemetryPort = "/dev/serial0"
)

type TimeDuration time.Duration

func NewTimeDuration(d time.Duration) TimeDuration {
	return TimeDuration(d)
}

func (d *TimeDuration) UnmarshalYAML(value *yaml.Node) error {
	duration, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("app.TimeDuration: failed to parse: %s", err)
	}

	*d = TimeDuration(duration)
	return nil
}

func (d TimeDuration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *TimeDuration) UnmarshalJSON(bytes []byte) error {
	var v string
	if err := json.Unmarshal(bytes, &v); err != nil {
		return err
	}

	duration, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("app.TimeDuration: failed to parse: %s", err)
	}

	*d = TimeDuration(duration)
	return nil
}

func (d TimeDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d TimeDuration) Validate() error {
	if time.Duration(d) < 0 {
		return fmt.Errorf("app.TimeDuration: must not be negative: %s", time.Duration(d))
	}
	return nil
}

func (d TimeDuration) Duration() time.Duration {
	return time.Duration(d)
}

func (d TimeDuration) String() string {
	return time.Duration(d).String()
}

// Config represents the main application configuration
type Config struct {
	Settings    Settings          `yaml:"settings"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Cameras     CamerasConfig     `yaml:"cameras"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Status      StatusConfig      `yaml:"status"`
	Storage     StorageConfig     `yaml:"storage"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// AcquisitionConfig represents the cycle timing
type AcquisitionConfig struct {
	FPS             float64      `yaml:"fps"`
	TriggerDelay    TimeDuration `yaml:"triggerDelay"`
	RetrieveTimeout TimeDuration `yaml:"retrieveTimeout"`
}

// CamerasConfig represents the camera pair. Serials name camera A then
// camera B; when empty the first two cameras the helper lists are used.
type CamerasConfig struct {
	Driver               string          `yaml:"driver"`
	Runtime              string          `yaml:"runtime"`
	Serials              []string        `yaml:"serials"`
	ParseErrorsThreshold uint8           `yaml:"parseErrorsThreshold"`
	TriggerTimeout       TimeDuration    `yaml:"triggerTimeout"`
	Settings             camera.Settings `yaml:"settings"`
}

// TelemetryConfig represents the flight controller link
type TelemetryConfig struct {
	Enabled        bool                  `yaml:"enabled"`
	Device         string                `yaml:"device"`
	Port           telemetry.PortOptions `yaml:"port"`
	MinFixQuality  int                   `yaml:"minFixQuality"`
	DetectTimeout  TimeDuration          `yaml:"detectTimeout"`
	ReceiveTimeout TimeDuration          `yaml:"receiveTimeout"`
	RetryInterval  TimeDuration          `yaml:"retryInterval"`
}

// StatusConfig represents the indicator LEDs
type StatusConfig struct {
	GPIO    bool   `yaml:"gpio"`
	RunPin  string `yaml:"runPin"`
	WarnPin string `yaml:"warnPin"`
}

// StorageConfig represents storage settings. An empty data directory is the
// user's home directory; an empty catalog disables the sqlite mirror.
type StorageConfig struct {
	DataDirectory string `yaml:"dataDirectory"`
	Catalog       string `yaml:"catalog"`
}

// legacyConfig is the file written by the parameter form on the rig
type legacyConfig struct {
	Cameras *struct {
		FPS          *float64 `json:"FPS"`
		ExposureTime *int     `json:"ExposureTime"`
		Gain         *float64 `json:"Gain"`
	} `json:"Camaras"`
}

func NewConfig() *Config {
	return &Config{
		Settings: Settings{
			LogLevel: "info",
		},
		Acquisition: AcquisitionConfig{
			FPS:             DefaultFPS,
			TriggerDelay:    NewTimeDuration(acquisition.DefaultTriggerDelay),
			RetrieveTimeout: NewTimeDuration(acquisition.DefaultRetrieveTimeout),
		},
		Cameras: CamerasConfig{
			Driver:               DriverExec,
			Runtime:              camera.Runtime,
			ParseErrorsThreshold: camera.ParseErrorsThreshold,
			TriggerTimeout:       NewTimeDuration(camera.DefaultTriggerTimeout),
			Settings:             camera.DefaultSettings(),
		},
		Telemetry: TelemetryConfig{
			Enabled:        true,
			Device:         DefaultTelemetryPort,
			Port:           telemetry.PortOptions{BaudRate: telemetry.DefaultBaudRate},
			MinFixQuality:  telemetry.MinFixQuality,
			DetectTimeout:  NewTimeDuration(telemetry.DefaultDetectTimeout),
			ReceiveTimeout: NewTimeDuration(telemetry.DefaultReceiveTimeout),
			RetryInterval:  NewTimeDuration(telemetry.DefaultRetryInterval),
		},
		Status: StatusConfig{
			GPIO:    true,
			RunPin:  status.DefaultRunPin,
			WarnPin: status.DefaultWarnPin,
		},
	}
}

// LoadConfig reads a YAML configuration file, or a legacy JSON file when the
// path has a .json extension, over the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	p, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	c := NewConfig()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = c.applyLegacy(p)
	} else {
		err = yaml.Unmarshal(p, c)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}

	if err = c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) applyLegacy(p []byte) error {
	var legacy legacyConfig
	if err := json.Unmarshal(p, &legacy); err != nil {
		return err
	}

	if legacy.Cameras == nil {
		return errors.New(`missing "Camaras" section`)
	}

	if legacy.Cameras.FPS != nil {
		c.Acquisition.FPS = *legacy.Cameras.FPS
	}
	if legacy.Cameras.ExposureTime != nil {
		c.Cameras.Settings.ExposureTime = *legacy.Cameras.ExposureTime
	}
	if legacy.Cameras.Gain != nil {
		c.Cameras.Settings.Gain = *legacy.Cameras.Gain
	}

	return nil
}

// Level returns the configured log level; Validate rejects unknown names
func (s *Settings) Level() slog.Level {
	var level slog.Level
	_ = level.UnmarshalText([]byte(s.LogLevel))
	return level
}

func (c *Config) Validate() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Settings.LogLevel)); err != nil {
		return fmt.Errorf("settings: invalid log level: %s", c.Settings.LogLevel)
	}

	if err := c.Acquisition.Validate(); err != nil {
		return fmt.Errorf("acquisition: %w", err)
	}
	if err := c.Cameras.Validate(); err != nil {
		return fmt.Errorf("cameras: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if err := c.Status.Validate(); err != nil {
		return fmt.Errorf("status: %w", err)
	}

	return nil
}

func (c *AcquisitionConfig) Validate() error {
	if c.FPS <= 0 {
		return fmt.Errorf("fps must be positive: %g", c.FPS)
	}
	if err := c.TriggerDelay.Validate(); err != nil {
		return fmt.Errorf("triggerDelay: %w", err)
	}
	if c.RetrieveTimeout <= 0 {
		return fmt.Errorf("retrieveTimeout must be positive: %s", c.RetrieveTimeout)
	}
	return nil
}

func (c *CamerasConfig) Validate() error {
	switch c.Driver {
	case DriverExec:
		if c.Runtime == "" {
			return errors.New("runtime is required by the exec driver")
		}
	case DriverSim:
	default:
		return fmt.Errorf("unknown driver: %s", c.Driver)
	}

	if n := len(c.Serials); n != 0 && n != 2 {
		return fmt.Errorf("expected two serials, got %d", n)
	}
	if len(c.Serials) == 2 && c.Serials[0] == c.Serials[1] {
		return fmt.Errorf("camera A and camera B share serial %s", c.Serials[0])
	}
	if c.ParseErrorsThreshold < 1 {
		return errors.New("parseErrorsThreshold must be at least 1")
	}
	if c.TriggerTimeout <= 0 {
		return fmt.Errorf("triggerTimeout must be positive: %s", c.TriggerTimeout)
	}

	return c.Settings.Validate()
}

func (c *TelemetryConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Device == "" {
		return errors.New("device is required")
	}
	if _, err := c.Port.Normalize(); err != nil {
		return fmt.Errorf("port: %w", err)
	}
	if c.MinFixQuality < 1 {
		return fmt.Errorf("minFixQuality must be at least 1: %d", c.MinFixQuality)
	}

	for name, d := range map[string]TimeDuration{
		"detectTimeout":  c.DetectTimeout,
		"receiveTimeout": c.ReceiveTimeout,
		"retryInterval":  c.RetryInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive: %s", name, d)
		}
	}

	return nil
}

func (c *StatusConfig) Validate() error {
	if c.GPIO && (c.RunPin == "" || c.WarnPin == "") {
		return errors.New("runPin and warnPin are required when gpio is enabled")
	}
	if c.GPIO && c.RunPin == c.WarnPin {
		return fmt.Errorf("runPin and warnPin share %s", c.RunPin)
	}
	return nil
}

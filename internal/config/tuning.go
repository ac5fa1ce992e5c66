package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/ultralight.defaults.json"

// TuningConfig represents the root configuration for the presence pipeline.
// Every scalar is a pointer so that partial files are safe: omitted fields
// fall back to the defaults returned by the Get* accessors.
type TuningConfig struct {
	// Loop cadence
	PollInterval *string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"` // duration string like "100ms"

	// Calibration
	CalibrationDuration *string `json:"calibration_duration,omitempty" yaml:"calibration_duration,omitempty"`
	CalibrationInterval *string `json:"calibration_interval,omitempty" yaml:"calibration_interval,omitempty"`

	// Buffering and controller
	BufferHorizon *string `json:"buffer_horizon,omitempty" yaml:"buffer_horizon,omitempty"`
	OffDelay      *string `json:"off_delay,omitempty" yaml:"off_delay,omitempty"`
	StartupFlash  *bool   `json:"startup_flash,omitempty" yaml:"startup_flash,omitempty"`

	// Kalman estimator
	MeasurementNoise     *float64 `json:"measurement_noise,omitempty" yaml:"measurement_noise,omitempty"`
	ProcessNoiseDistance *float64 `json:"process_noise_distance,omitempty" yaml:"process_noise_distance,omitempty"`
	ProcessNoiseVelocity *float64 `json:"process_noise_velocity,omitempty" yaml:"process_noise_velocity,omitempty"`
	NominalStep          *string  `json:"nominal_step,omitempty" yaml:"nominal_step,omitempty"`
	InitialVelocityStd   *float64 `json:"initial_velocity_std,omitempty" yaml:"initial_velocity_std,omitempty"`

	Sensors   []SensorConfig   `json:"sensors,omitempty" yaml:"sensors,omitempty"`
	Door      *DoorConfig      `json:"door,omitempty" yaml:"door,omitempty"`
	Hue       *HueConfig       `json:"hue,omitempty" yaml:"hue,omitempty"`
	Telemetry *TelemetryConfig `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`

	Listen *string `json:"listen,omitempty" yaml:"listen,omitempty"`
}

// Sensor kinds.
const (
	SensorKindGPIO   = "gpio"
	SensorKindSerial = "serial"
	SensorKindReplay = "replay"
)

// Detector kinds.
const (
	DetectorKindMax      = "max"
	DetectorKindVariance = "variance"
	DetectorKindFiltered = "filtered"
)

// SensorConfig describes one range source and the detectors evaluated on it.
type SensorConfig struct {
	Name string `json:"name" yaml:"name"`
	Kind string `json:"kind" yaml:"kind"`

	// gpio
	Chip        string  `json:"chip,omitempty" yaml:"chip,omitempty"`
	TriggerPin  int     `json:"trigger_pin,omitempty" yaml:"trigger_pin,omitempty"`
	EchoPin     int     `json:"echo_pin,omitempty" yaml:"echo_pin,omitempty"`
	EchoTimeout *string `json:"echo_timeout,omitempty" yaml:"echo_timeout,omitempty"`

	// serial
	SerialPort   string  `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	BaudRate     int     `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	SerialField  int     `json:"serial_field,omitempty" yaml:"serial_field,omitempty"`
	MaxLineAge   *string `json:"max_line_age,omitempty" yaml:"max_line_age,omitempty"`
	SerialSettle *string `json:"serial_settle,omitempty" yaml:"serial_settle,omitempty"`

	// replay
	ReplayFile    string `json:"replay_file,omitempty" yaml:"replay_file,omitempty"`
	ReplayChannel string `json:"replay_channel,omitempty" yaml:"replay_channel,omitempty"`

	Detectors []DetectorConfig `json:"detectors,omitempty" yaml:"detectors,omitempty"`
}

// DetectorConfig selects one detector variant and its parameters.
type DetectorConfig struct {
	Kind string `json:"kind" yaml:"kind"`

	// max: minimum detection width below the calibrated baseline, metres.
	Margin *float64 `json:"margin,omitempty" yaml:"margin,omitempty"`
	// variance: multiple of the calibration std the window std must exceed.
	Multiplier *float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	// filtered: absolute distance threshold and debounce time.
	Threshold        *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	MinDetectionTime *string  `json:"min_detection_time,omitempty" yaml:"min_detection_time,omitempty"`
}

// DoorConfig describes the reed switch on the door.
type DoorConfig struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Chip    string `json:"chip,omitempty" yaml:"chip,omitempty"`
	Pin     int    `json:"pin" yaml:"pin"`
	// Pull is "up", "down" or "none".
	Pull string `json:"pull,omitempty" yaml:"pull,omitempty"`
}

// HueConfig describes the light bridge and which lights to drive.
type HueConfig struct {
	Address     string   `json:"address" yaml:"address"`
	Username    string   `json:"username,omitempty" yaml:"username,omitempty"`
	UsernameEnv string   `json:"username_env,omitempty" yaml:"username_env,omitempty"`
	Lights      []string `json:"lights" yaml:"lights"`
	Timeout     *string  `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	BreakerMaxFailures  *int    `json:"breaker_max_failures,omitempty" yaml:"breaker_max_failures,omitempty"`
	BreakerResetTimeout *string `json:"breaker_reset_timeout,omitempty" yaml:"breaker_reset_timeout,omitempty"`
}

// TelemetryConfig enables the optional telemetry sinks. Empty values disable
// the corresponding sink.
type TelemetryConfig struct {
	CSVPath      string `json:"csv_path,omitempty" yaml:"csv_path,omitempty"`
	DBPath       string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	MQTTBroker   string `json:"mqtt_broker,omitempty" yaml:"mqtt_broker,omitempty"`
	MQTTTopic    string `json:"mqtt_topic,omitempty" yaml:"mqtt_topic,omitempty"`
	MQTTClientID string `json:"mqtt_client_id,omitempty" yaml:"mqtt_client_id,omitempty"`
	// Retention bounds the age of telemetry rows kept in the database.
	// "0s" keeps everything.
	Retention *string `json:"retention,omitempty" yaml:"retention,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every scalar populated with
// its default value. Sensors, door and hue sections stay empty; they describe
// hardware and have no sensible default.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		PollInterval:         ptrString("100ms"),
		CalibrationDuration:  ptrString("3s"),
		CalibrationInterval:  ptrString("50ms"),
		BufferHorizon:        ptrString("500ms"),
		OffDelay:             ptrString("15s"),
		StartupFlash:         ptrBool(false),
		MeasurementNoise:     ptrFloat64(0.2),
		ProcessNoiseDistance: ptrFloat64(0.005),
		ProcessNoiseVelocity: ptrFloat64(0.05),
		NominalStep:          ptrString("100ms"),
		InitialVelocityStd:   ptrFloat64(0.5),
		Listen:               ptrString(":8080"),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON or YAML file.
// The file is validated to ensure it has a known extension and is under the
// max file size. Fields omitted from the file retain their default values.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func validDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", name, *v)
	}
	return nil
}

func nonNegative(name string, v *float64) error {
	if v != nil && *v < 0 {
		return fmt.Errorf("%s must be non-negative, got %f", name, *v)
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	for name, v := range map[string]*string{
		"poll_interval":        c.PollInterval,
		"calibration_duration": c.CalibrationDuration,
		"calibration_interval": c.CalibrationInterval,
		"buffer_horizon":       c.BufferHorizon,
		"off_delay":            c.OffDelay,
		"nominal_step":         c.NominalStep,
	} {
		if err := validDuration(name, v); err != nil {
			return err
		}
	}
	if c.NominalStep != nil && *c.NominalStep != "" && c.GetNominalStep() == 0 {
		return fmt.Errorf("nominal_step must be positive")
	}

	if c.MeasurementNoise != nil && *c.MeasurementNoise <= 0 {
		return fmt.Errorf("measurement_noise must be positive, got %f", *c.MeasurementNoise)
	}
	if err := nonNegative("process_noise_distance", c.ProcessNoiseDistance); err != nil {
		return err
	}
	if err := nonNegative("process_noise_velocity", c.ProcessNoiseVelocity); err != nil {
		return err
	}
	if err := nonNegative("initial_velocity_std", c.InitialVelocityStd); err != nil {
		return err
	}

	names := make(map[string]bool, len(c.Sensors))
	for i := range c.Sensors {
		s := &c.Sensors[i]
		if s.Name == "" {
			return fmt.Errorf("sensors[%d]: name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("sensors[%d]: duplicate name %q", i, s.Name)
		}
		names[s.Name] = true
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sensor %q: %w", s.Name, err)
		}
	}

	if c.Door != nil {
		switch c.Door.Pull {
		case "", "up", "down", "none":
		default:
			return fmt.Errorf("door: unsupported pull %q: expected up, down or none", c.Door.Pull)
		}
	}

	if c.Telemetry != nil {
		if err := validDuration("telemetry.retention", c.Telemetry.Retention); err != nil {
			return err
		}
	}

	if c.Hue != nil {
		if err := validDuration("hue.timeout", c.Hue.Timeout); err != nil {
			return err
		}
		if err := validDuration("hue.breaker_reset_timeout", c.Hue.BreakerResetTimeout); err != nil {
			return err
		}
		if c.Hue.BreakerMaxFailures != nil && *c.Hue.BreakerMaxFailures < 1 {
			return fmt.Errorf("hue.breaker_max_failures must be at least 1, got %d", *c.Hue.BreakerMaxFailures)
		}
	}

	return nil
}

// Validate checks one sensor section.
func (s *SensorConfig) Validate() error {
	switch s.Kind {
	case SensorKindGPIO:
		if s.TriggerPin == s.EchoPin {
			return fmt.Errorf("trigger_pin and echo_pin must differ, both %d", s.TriggerPin)
		}
	case SensorKindSerial:
		if s.SerialPort == "" {
			return fmt.Errorf("serial_port is required")
		}
		if s.SerialField < 0 {
			return fmt.Errorf("serial_field must be non-negative, got %d", s.SerialField)
		}
	case SensorKindReplay:
		if s.ReplayFile == "" {
			return fmt.Errorf("replay_file is required")
		}
	default:
		return fmt.Errorf("unsupported kind %q", s.Kind)
	}
	if err := validDuration("echo_timeout", s.EchoTimeout); err != nil {
		return err
	}
	if err := validDuration("max_line_age", s.MaxLineAge); err != nil {
		return err
	}
	if err := validDuration("serial_settle", s.SerialSettle); err != nil {
		return err
	}
	for i := range s.Detectors {
		if err := s.Detectors[i].Validate(); err != nil {
			return fmt.Errorf("detectors[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks one detector section.
func (d *DetectorConfig) Validate() error {
	switch d.Kind {
	case DetectorKindMax:
		return nonNegative("margin", d.Margin)
	case DetectorKindVariance:
		return nonNegative("multiplier", d.Multiplier)
	case DetectorKindFiltered:
		if d.Threshold == nil {
			return fmt.Errorf("threshold is required for filtered detector")
		}
		if *d.Threshold <= 0 {
			return fmt.Errorf("threshold must be positive, got %f", *d.Threshold)
		}
		return validDuration("min_detection_time", d.MinDetectionTime)
	default:
		return fmt.Errorf("unsupported kind %q", d.Kind)
	}
}

func parseDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetPollInterval returns the poll cadence of the main loop.
func (c *TuningConfig) GetPollInterval() time.Duration {
	return parseDuration(c.PollInterval, 100*time.Millisecond)
}

// GetCalibrationDuration returns how long each source samples the empty scene.
func (c *TuningConfig) GetCalibrationDuration() time.Duration {
	return parseDuration(c.CalibrationDuration, 3*time.Second)
}

// GetCalibrationInterval returns the sleep between calibration samples.
func (c *TuningConfig) GetCalibrationInterval() time.Duration {
	return parseDuration(c.CalibrationInterval, 50*time.Millisecond)
}

// GetBufferHorizon returns the maximum age of a buffered reading.
func (c *TuningConfig) GetBufferHorizon() time.Duration {
	return parseDuration(c.BufferHorizon, 500*time.Millisecond)
}

// GetOffDelay returns how long lights stay on after the last trigger.
func (c *TuningConfig) GetOffDelay() time.Duration {
	return parseDuration(c.OffDelay, 15*time.Second)
}

// GetStartupFlash returns whether lights are flashed around calibration.
func (c *TuningConfig) GetStartupFlash() bool {
	if c.StartupFlash == nil {
		return false
	}
	return *c.StartupFlash
}

// GetMeasurementNoise returns the measurement noise variance R in m².
func (c *TuningConfig) GetMeasurementNoise() float64 {
	if c.MeasurementNoise == nil {
		return 0.2
	}
	return *c.MeasurementNoise
}

// GetProcessNoiseDistance returns the distance process noise per nominal step.
func (c *TuningConfig) GetProcessNoiseDistance() float64 {
	if c.ProcessNoiseDistance == nil {
		return 0.005
	}
	return *c.ProcessNoiseDistance
}

// GetProcessNoiseVelocity returns the velocity process noise per nominal step.
func (c *TuningConfig) GetProcessNoiseVelocity() float64 {
	if c.ProcessNoiseVelocity == nil {
		return 0.05
	}
	return *c.ProcessNoiseVelocity
}

// GetNominalStep returns the step the process noise constants refer to.
func (c *TuningConfig) GetNominalStep() time.Duration {
	return parseDuration(c.NominalStep, 100*time.Millisecond)
}

// GetInitialVelocityStd returns the prior velocity std in m/s.
func (c *TuningConfig) GetInitialVelocityStd() float64 {
	if c.InitialVelocityStd == nil {
		return 0.5
	}
	return *c.InitialVelocityStd
}

// GetListen returns the admin HTTP listen address.
func (c *TuningConfig) GetListen() string {
	if c.Listen == nil {
		return ":8080"
	}
	return *c.Listen
}

// GetChip returns the GPIO chip name.
func (s *SensorConfig) GetChip() string {
	if s.Chip == "" {
		return "gpiochip0"
	}
	return s.Chip
}

// GetEchoTimeout returns the longest wait for an echo, which bounds the
// sensor read. The default covers a 4 m round trip with 20% slack.
func (s *SensorConfig) GetEchoTimeout() time.Duration {
	return parseDuration(s.EchoTimeout, time.Duration(1.2*2*4.0/343.2*float64(time.Second)))
}

// GetBaudRate returns the serial baud rate.
func (s *SensorConfig) GetBaudRate() int {
	if s.BaudRate <= 0 {
		return 9600
	}
	return s.BaudRate
}

// GetMaxLineAge returns how old a serial line may be before it is ignored.
func (s *SensorConfig) GetMaxLineAge() time.Duration {
	return parseDuration(s.MaxLineAge, 500*time.Millisecond)
}

// GetSerialSettle returns how long to wait for the first complete hub line
// after opening the port. Hubs reset when the port opens.
func (s *SensorConfig) GetSerialSettle() time.Duration {
	return parseDuration(s.SerialSettle, 5*time.Second)
}

// GetReplayChannel returns the recording channel to play back.
func (s *SensorConfig) GetReplayChannel() string {
	if s.ReplayChannel == "" {
		return "1"
	}
	return s.ReplayChannel
}

// GetMargin returns the max detector margin.
func (d *DetectorConfig) GetMargin() float64 {
	if d.Margin == nil {
		return 0
	}
	return *d.Margin
}

// GetMultiplier returns the variance detector multiplier.
func (d *DetectorConfig) GetMultiplier() float64 {
	if d.Multiplier == nil {
		return 3.0
	}
	return *d.Multiplier
}

// GetThreshold returns the filtered detector threshold in metres.
func (d *DetectorConfig) GetThreshold() float64 {
	if d.Threshold == nil {
		return 0
	}
	return *d.Threshold
}

// GetMinDetectionTime returns the filtered detector debounce time.
func (d *DetectorConfig) GetMinDetectionTime() time.Duration {
	return parseDuration(d.MinDetectionTime, 200*time.Millisecond)
}

// GetEnabled reports whether the door switch is wired.
func (d *DoorConfig) GetEnabled() bool {
	if d == nil {
		return false
	}
	if d.Enabled == nil {
		return true
	}
	return *d.Enabled
}

// GetChip returns the GPIO chip of the door switch.
func (d *DoorConfig) GetChip() string {
	if d.Chip == "" {
		return "gpiochip0"
	}
	return d.Chip
}

// GetPull returns the pull resistor polarity of the door switch.
func (d *DoorConfig) GetPull() string {
	if d.Pull == "" {
		return "up"
	}
	return d.Pull
}

// GetUsername resolves the bridge username, preferring the environment
// variable when one is named.
func (h *HueConfig) GetUsername() string {
	if h.UsernameEnv != "" {
		if v := os.Getenv(h.UsernameEnv); v != "" {
			return v
		}
	}
	return h.Username
}

// GetTimeout returns the per-request bridge timeout.
func (h *HueConfig) GetTimeout() time.Duration {
	return parseDuration(h.Timeout, 2*time.Second)
}

// GetBreakerMaxFailures returns consecutive failures before the breaker opens.
func (h *HueConfig) GetBreakerMaxFailures() int {
	if h.BreakerMaxFailures == nil {
		return 3
	}
	return *h.BreakerMaxFailures
}

// GetBreakerResetTimeout returns how long the breaker stays open.
func (h *HueConfig) GetBreakerResetTimeout() time.Duration {
	return parseDuration(h.BreakerResetTimeout, 30*time.Second)
}

// GetTelemetry returns the telemetry section, never nil.
func (c *TuningConfig) GetTelemetry() *TelemetryConfig {
	if c.Telemetry == nil {
		return &TelemetryConfig{}
	}
	return c.Telemetry
}

// GetMQTTTopic returns the topic prefix for telemetry publishing.
func (t *TelemetryConfig) GetMQTTTopic() string {
	if t.MQTTTopic == "" {
		return "ultralight"
	}
	return t.MQTTTopic
}

// GetRetention returns how long telemetry rows stay in the database. Zero
// disables pruning.
func (t *TelemetryConfig) GetRetention() time.Duration {
	return parseDuration(t.Retention, 7*24*time.Hour)
}

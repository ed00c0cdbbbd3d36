// Package config loads the server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/detector"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/sensor"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/worker"
)

// Duration is a time.Duration written as a Go duration string ("500ms")
type Duration struct {
	time.Duration
}

// UnmarshalYAML accepts duration strings and plain integers (seconds)
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		d.Duration = parsed
		return nil
	}
	var secs int
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, s)
	}
	d.Duration = time.Duration(secs) * time.Second
	return nil
}

// MarshalYAML writes the duration string
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Config represents the complete server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Worker    WorkerConfig    `yaml:"worker"`
	Stream    StreamConfig    `yaml:"stream"`
	Sensor    SensorConfig    `yaml:"sensor"`
	Detector  DetectorConfig  `yaml:"detector"`
	Recording RecordingConfig `yaml:"recording"`
	History   HistoryConfig   `yaml:"history"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig contains listener settings
type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	MetricsAddr string   `yaml:"metrics_addr"` // empty disables
	PprofAddr   string   `yaml:"pprof_addr"`   // empty disables
	CORSOrigins []string `yaml:"cors_origins"`
}

// WorkerConfig contains sampling loop timing
type WorkerConfig struct {
	FrameTimeout         Duration `yaml:"frame_timeout"`
	CycleDelay           Duration `yaml:"cycle_delay"`
	StopTimeout          Duration `yaml:"stop_timeout"`
	MaxConsecutiveMisses int      `yaml:"max_consecutive_misses"` // 0 disables
}

// StreamConfig contains stream emission settings
type StreamConfig struct {
	Interval  Duration `yaml:"interval"`
	Keepalive Duration `yaml:"keepalive"`
}

// SensorConfig selects the frame source
type SensorConfig struct {
	Kind       string  `yaml:"kind"` // shm, replay, synthetic
	ShmName    string  `yaml:"shm_name"`
	ReplayDir  string  `yaml:"replay_dir"`
	Loop       bool    `yaml:"loop"`
	FPS        int     `yaml:"fps"`
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
	DepthScale float64 `yaml:"depth_scale"` // meters per raw depth unit
}

// DetectorConfig selects the detector
type DetectorConfig struct {
	Kind           string   `yaml:"kind"` // subprocess, synthetic
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	ModelDir       string   `yaml:"model_dir"`
	ModelFiles     []string `yaml:"model_files"`
	Confidence     float64  `yaml:"confidence"`
	JPEGQuality    int      `yaml:"jpeg_quality"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// RecordingConfig contains snapshot recording settings
type RecordingConfig struct {
	OutputPath string `yaml:"output_path"`
}

// HistoryConfig contains PostgreSQL history settings
type HistoryConfig struct {
	Enabled     bool     `yaml:"enabled"`
	DSN         string   `yaml:"dsn"`
	MinInterval Duration `yaml:"min_interval"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Broker   string   `yaml:"broker"`
	ClientID string   `yaml:"client_id"`
	Topic    string   `yaml:"topic"`
	QoS      byte     `yaml:"qos"`
	Interval Duration `yaml:"interval"`
}

// OllamaConfig contains language model settings
type OllamaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Host    string   `yaml:"host"` // empty uses OLLAMA_HOST
	Model   string   `yaml:"model"`
	Timeout Duration `yaml:"timeout"`
}

// WebRTCConfig contains data channel streaming settings
type WebRTCConfig struct {
	Enabled     bool     `yaml:"enabled"`
	StunServers []string `yaml:"stun_servers"`
	MaxClients  int      `yaml:"max_clients"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	w := worker.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Addr:        ":5000",
			MetricsAddr: ":9090",
		},
		Worker: WorkerConfig{
			FrameTimeout:         Duration{w.FrameTimeout},
			CycleDelay:           Duration{w.CycleDelay},
			StopTimeout:          Duration{w.StopTimeout},
			MaxConsecutiveMisses: w.MaxConsecutiveMisses,
		},
		Stream: StreamConfig{
			Interval:  Duration{500 * time.Millisecond},
			Keepalive: Duration{30 * time.Second},
		},
		Sensor: SensorConfig{
			Kind:       string(sensor.KindSharedMemory),
			ShmName:    sensor.DefaultShmName,
			FPS:        30,
			Width:      640,
			Height:     480,
			DepthScale: 0.001,
		},
		Detector: DetectorConfig{
			Kind:           "subprocess",
			Command:        "python3",
			Args:           []string{"detector_sidecar.py"},
			ModelDir:       "models",
			ModelFiles:     []string{"MobileNetSSD_deploy.prototxt", "MobileNetSSD_deploy.caffemodel"},
			Confidence:     0.5,
			JPEGQuality:    85,
			RequestTimeout: Duration{2 * time.Second},
		},
		Recording: RecordingConfig{
			OutputPath: "./recordings",
		},
		History: HistoryConfig{
			MinInterval: Duration{time.Second},
		},
		MQTT: MQTTConfig{
			Broker:   "localhost:1883",
			ClientID: "detection-server",
			Topic:    "detections/summary",
			Interval: Duration{time.Second},
		},
		Ollama: OllamaConfig{
			Host:    "http://localhost:11434",
			Model:   "llama3.2",
			Timeout: Duration{2 * time.Minute},
		},
		WebRTC: WebRTCConfig{
			Enabled:     true,
			StunServers: []string{"stun:stun.l.google.com:19302"},
			MaxClients:  10,
		},
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr is required")
	check(c.Worker.FrameTimeout.Duration > 0, "worker.frame_timeout must be > 0")
	check(c.Worker.CycleDelay.Duration >= 0, "worker.cycle_delay must be >= 0")
	check(c.Worker.StopTimeout.Duration > 0, "worker.stop_timeout must be > 0")
	check(c.Worker.MaxConsecutiveMisses >= 0, "worker.max_consecutive_misses must be >= 0")
	check(c.Stream.Interval.Duration > 0, "stream.interval must be > 0")
	check(c.Stream.Keepalive.Duration > 0, "stream.keepalive must be > 0")

	switch sensor.Kind(c.Sensor.Kind) {
	case sensor.KindSharedMemory:
		check(c.Sensor.ShmName != "", "sensor.shm_name is required for shm")
	case sensor.KindReplay:
		check(c.Sensor.ReplayDir != "", "sensor.replay_dir is required for replay")
	case sensor.KindSynthetic:
	default:
		errs = append(errs, fmt.Errorf("sensor.kind %q is not one of shm, replay, synthetic", c.Sensor.Kind))
	}
	check(c.Sensor.FPS > 0, "sensor.fps must be > 0")
	check(c.Sensor.DepthScale > 0, "sensor.depth_scale must be > 0")

	switch c.Detector.Kind {
	case "subprocess":
		check(c.Detector.Command != "", "detector.command is required for subprocess")
	case "synthetic":
	default:
		errs = append(errs, fmt.Errorf("detector.kind %q is not one of subprocess, synthetic", c.Detector.Kind))
	}
	check(c.Detector.Confidence >= 0 && c.Detector.Confidence <= 1, "detector.confidence must be within [0, 1]")

	check(!c.History.Enabled || c.History.DSN != "", "history.dsn is required when history is enabled")
	check(!c.MQTT.Enabled || c.MQTT.Broker != "", "mqtt.broker is required when mqtt is enabled")
	check(c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1 or 2")
	check(!c.WebRTC.Enabled || c.WebRTC.MaxClients > 0, "webrtc.max_clients must be > 0")

	return errors.Join(errs...)
}

// WorkerOptions converts the worker section
func (c *Config) WorkerOptions() worker.Config {
	return worker.Config{
		FrameTimeout:         c.Worker.FrameTimeout.Duration,
		CycleDelay:           c.Worker.CycleDelay.Duration,
		StopTimeout:          c.Worker.StopTimeout.Duration,
		MaxConsecutiveMisses: c.Worker.MaxConsecutiveMisses,
	}
}

// SensorOptions converts the sensor section
func (c *Config) SensorOptions() sensor.Options {
	return sensor.Options{
		Kind:       sensor.Kind(c.Sensor.Kind),
		ShmName:    c.Sensor.ShmName,
		ReplayDir:  c.Sensor.ReplayDir,
		Loop:       c.Sensor.Loop,
		FPS:        c.Sensor.FPS,
		Width:      c.Sensor.Width,
		Height:     c.Sensor.Height,
		DepthScale: c.Sensor.DepthScale,
	}
}

// SubprocessOptions converts the detector section
func (c *Config) SubprocessOptions() detector.SubprocessOptions {
	return detector.SubprocessOptions{
		Command:        c.Detector.Command,
		Args:           c.Detector.Args,
		ModelDir:       c.Detector.ModelDir,
		ModelFiles:     c.Detector.ModelFiles,
		Confidence:     c.Detector.Confidence,
		JPEGQuality:    c.Detector.JPEGQuality,
		RequestTimeout: c.Detector.RequestTimeout.Duration,
	}
}

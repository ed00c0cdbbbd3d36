package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/sensor"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	w := cfg.WorkerOptions()
	assert.Equal(t, time.Second, w.FrameTimeout)
	assert.Equal(t, 100*time.Millisecond, w.CycleDelay)
	assert.Equal(t, 2*time.Second, w.StopTimeout)
	assert.Equal(t, 50, w.MaxConsecutiveMisses)
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.Interval.Duration)
	assert.Equal(t, 0.5, cfg.SubprocessOptions().Confidence)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":8000"
worker:
  cycle_delay: 250ms
  stop_timeout: 5
sensor:
  kind: replay
  replay_dir: /data/frames
  loop: true
mqtt:
  enabled: true
  topic: lab/summary
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.CycleDelay.Duration)
	assert.Equal(t, 5*time.Second, cfg.Worker.StopTimeout.Duration)
	assert.Equal(t, time.Second, cfg.Worker.FrameTimeout.Duration)

	opts := cfg.SensorOptions()
	assert.Equal(t, sensor.KindReplay, opts.Kind)
	assert.Equal(t, "/data/frames", opts.ReplayDir)
	assert.True(t, opts.Loop)
	assert.Equal(t, "lab/summary", cfg.MQTT.Topic)
	assert.Equal(t, "localhost:1883", cfg.MQTT.Broker)
}

func TestLoadReportsAllProblems(t *testing.T) {
	path := writeConfig(t, `
sensor:
  kind: webcam
detector:
  confidence: 1.5
history:
  enabled: true
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sensor.kind")
	assert.Contains(t, err.Error(), "detector.confidence")
	assert.Contains(t, err.Error(), "history.dsn")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "stream:\n  interval: soon\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDurationMarshal(t *testing.T) {
	out, err := yaml.Marshal(StreamConfig{Interval: Duration{500 * time.Millisecond}, Keepalive: Duration{30 * time.Second}})
	require.NoError(t, err)
	assert.Equal(t, "interval: 500ms\nkeepalive: 30s\n", string(out))
}

package main

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/sensor"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Addr = freeAddr(t)
	cfg.Server.MetricsAddr = ""
	cfg.Sensor.Kind = string(sensor.KindSynthetic)
	cfg.Detector.Kind = "synthetic"
	cfg.Recording.OutputPath = t.TempDir()
	cfg.WebRTC.Enabled = false
	cfg.Stream.Interval = config.Duration{Duration: 50 * time.Millisecond}
	return &cfg
}

func TestRunReturnsPromptlyWithOpenStream(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := NewServer(ctx, cfg)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	url := "http://" + cfg.Server.Addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(url + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(url + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: "), line)

	start := time.Now()
	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
	case <-time.After(4 * time.Second):
		t.Fatal("Run did not return with an open stream client")
	}
	assert.NoError(t, srv.Shutdown())
}

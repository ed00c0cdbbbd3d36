package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/api"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/detector"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/history"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/llm"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/mqtt"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/sensor"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/service"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/snapshot"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/webrtc"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/worker"
)

var (
	// Command-line flags override the config file
	configPath   = flag.String("config", "", "YAML config file")
	httpAddr     = flag.String("http", "", "HTTP server address")
	metricsAddr  = flag.String("metrics", "", "Metrics server address")
	pprofAddr    = flag.String("pprof", "", "pprof server address")
	sensorKind   = flag.String("sensor", "", "Frame source (shm, replay, synthetic)")
	replayDir    = flag.String("replay-dir", "", "Directory of recorded frame pairs")
	detectorKind = flag.String("detector", "", "Detector (subprocess, synthetic)")
	recordPath   = flag.String("record-path", "", "Recording output path")
	stunServers  = flag.String("stun", "", "STUN server URLs (comma-separated)")
	logLevel     = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor     = flag.Bool("log-color", true, "Enable colored log output")
	autostart    = flag.Bool("autostart", false, "Start detection immediately")
)

// Server wires the detection components together
type Server struct {
	cfg        *config.Config
	metrics    *metrics.Metrics
	store      *snapshot.Store
	worker     *worker.Worker
	service    *service.Service
	recorder   *recorder.Recorder
	webrtc     *webrtc.Server
	history    *history.Store
	mqtt       *mqtt.Publisher
	httpServer *http.Server
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.Log.Color)

	logger.Info("Main", "Detection server starting...")
	logger.Info("Main", "Log level: %s", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := NewServer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("Main", "Server error: %v", err)
	}
	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
		os.Exit(1)
	}
	logger.Info("Main", "Server stopped")
}

func applyFlags(cfg *config.Config) {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if *httpAddr != "" {
		cfg.Server.Addr = *httpAddr
	}
	if set["metrics"] {
		cfg.Server.MetricsAddr = *metricsAddr
	}
	if set["pprof"] {
		cfg.Server.PprofAddr = *pprofAddr
	}
	if *sensorKind != "" {
		cfg.Sensor.Kind = *sensorKind
	}
	if *replayDir != "" {
		cfg.Sensor.ReplayDir = *replayDir
	}
	if *detectorKind != "" {
		cfg.Detector.Kind = *detectorKind
	}
	if *recordPath != "" {
		cfg.Recording.OutputPath = *recordPath
	}
	if *stunServers != "" {
		cfg.WebRTC.StunServers = strings.Split(*stunServers, ",")
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if set["log-color"] {
		cfg.Log.Color = *logColor
	}
}

// NewServer creates every component. Optional integrations that fail to
// connect are logged and left disabled.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	m := metrics.New()
	store := snapshot.NewStore()

	w := worker.New(cfg.WorkerOptions(), worker.Deps{
		Store: store,
		OpenSource: func(ctx context.Context) (sensor.FrameSource, error) {
			return sensor.Open(ctx, cfg.SensorOptions())
		},
		NewDetector: detectorFactory(cfg),
		Metrics:     m,
	})

	svc := service.New(store, w, service.Options{
		StreamInterval: cfg.Stream.Interval.Duration,
		Metrics:        m,
	})

	s := &Server{
		cfg:      cfg,
		metrics:  m,
		store:    store,
		worker:   w,
		service:  svc,
		recorder: recorder.NewRecorder(cfg.Recording.OutputPath, m),
	}
	w.AddPublisher(s.recorder)

	apiServer := api.NewServer(api.Config{
		Keepalive:   cfg.Stream.Keepalive.Duration,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, svc)
	apiServer.Recorder = s.recorder

	if cfg.WebRTC.Enabled {
		s.webrtc = webrtc.NewServer(svc, webrtc.Options{
			StunServers: cfg.WebRTC.StunServers,
			MaxClients:  cfg.WebRTC.MaxClients,
		}, m)
		apiServer.WebRTC = s.webrtc
	}

	if cfg.Ollama.Enabled {
		client, err := llm.NewClient(cfg.Ollama.Host, cfg.Ollama.Model, cfg.Ollama.Timeout.Duration)
		if err != nil {
			return nil, fmt.Errorf("ollama: %w", err)
		}
		if err := client.Ping(ctx); err != nil {
			logger.Warn("Main", "Ollama not reachable at %s: %v", cfg.Ollama.Host, err)
		}
		apiServer.LLM = client
	}

	if cfg.History.Enabled {
		hs, err := history.Open(ctx, history.Config{
			DSN:         cfg.History.DSN,
			MinInterval: cfg.History.MinInterval.Duration,
		}, m)
		if err != nil {
			logger.Warn("Main", "History disabled: %v", err)
		} else {
			s.history = hs
			w.AddPublisher(hs)
			apiServer.History = hs
		}
	}

	if cfg.MQTT.Enabled {
		pub := mqtt.New(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
			Interval: cfg.MQTT.Interval.Duration,
		}, m)
		if err := pub.Connect(ctx); err != nil {
			logger.Warn("Main", "MQTT disabled: %v", err)
		} else {
			s.mqtt = pub
			w.AddPublisher(pub)
		}
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	// SSE handlers block on their subscription until the service closes it
	s.httpServer.RegisterOnShutdown(func() {
		if err := svc.Close(); err != nil {
			logger.Warn("Main", "Closing stream service: %v", err)
		}
	})
	return s, nil
}

func detectorFactory(cfg *config.Config) detector.Factory {
	return func(ctx context.Context) (detector.Detector, error) {
		switch cfg.Detector.Kind {
		case "synthetic":
			return detector.NewSynthetic(nil), nil
		default:
			return detector.NewSubprocess(cfg.SubprocessOptions())
		}
	}
}

// Run serves until ctx is done or a listener fails
func (s *Server) Run(ctx context.Context) error {
	logger.Info("Main", "  HTTP server: %s", s.cfg.Server.Addr)
	logger.Info("Main", "  Metrics server: %s", s.cfg.Server.MetricsAddr)
	logger.Info("Main", "  Sensor: %s, detector: %s", s.cfg.Sensor.Kind, s.cfg.Detector.Kind)
	logger.Info("Main", "  Recording path: %s", s.cfg.Recording.OutputPath)

	g, gctx := errgroup.WithContext(ctx)
	servers := []*http.Server{s.httpServer}

	if s.cfg.Server.MetricsAddr != "" {
		servers = append(servers, s.metrics.NewServer(s.cfg.Server.MetricsAddr))
	}
	if s.cfg.Server.PprofAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              s.cfg.Server.PprofAddr,
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	for _, hs := range servers {
		g.Go(func() error {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", hs.Addr, err)
			}
			return nil
		})
	}

	if s.history != nil {
		g.Go(func() error { return s.history.Run(gctx) })
	}
	if s.mqtt != nil {
		g.Go(func() error { return s.mqtt.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var err error
		for _, hs := range servers {
			err = multierr.Append(err, hs.Shutdown(shutdownCtx))
		}
		return err
	})

	if *autostart {
		res := s.service.Start()
		logger.Info("Main", "Autostart: %s (%s)", res.Status, res.Message)
	}

	logger.Info("Main", "Server started successfully")
	return g.Wait()
}

// Shutdown stops detection and closes every component
func (s *Server) Shutdown() error {
	logger.Info("Main", "Shutting down...")

	err := s.worker.Close()
	err = multierr.Append(err, s.recorder.Close())
	if s.webrtc != nil {
		err = multierr.Append(err, s.webrtc.Close())
	}
	err = multierr.Append(err, s.service.Close())
	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
	if s.history != nil {
		s.history.Close()
	}
	return err
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/internal/core/services"
	"roomcast/internal/infrastructure/httpapi"
	"roomcast/internal/infrastructure/mediasoup"
	"roomcast/internal/infrastructure/monitoring"
	"roomcast/internal/infrastructure/recorder"
	signalgw "roomcast/internal/infrastructure/signal"
	"roomcast/pkg/config"
	"roomcast/pkg/logger"
	"roomcast/pkg/portpool"
	"roomcast/pkg/retry"
	"roomcast/pkg/tracing"

	"github.com/gin-gonic/gin"
)

// engineDeathGrace gives in-flight log writes and responses a moment to
// drain before the process exits after the media worker dies.
const engineDeathGrace = 2 * time.Second

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	collector := monitoring.NewPrometheusCollector()

	// Worker spawn can fail transiently right after deploy while the
	// executable is still being unpacked, so give it a few attempts.
	engine, err := retry.DoWithResult(context.Background(), retry.DefaultConfig(), func() (*mediasoup.Engine, error) {
		return mediasoup.NewEngine(mediasoup.Config{
			RtcMinPort: cfg.Worker.RtcMinPort,
			RtcMaxPort: cfg.Worker.RtcMaxPort,
		}, log)
	})
	if err != nil {
		log.Fatalw("failed to start media engine", "error", err)
	}
	engine.OnDied(func(err error) {
		log.Errorw("media worker died, exiting", "error", err)
		time.Sleep(engineDeathGrace)
		os.Exit(1)
	})

	pool := portpool.New(cfg.Recorder.MinPort, cfg.Recorder.MaxPort)

	codecs := make([]domain.RtpCodecCapability, 0, len(cfg.Media.Codecs))
	for _, c := range cfg.Media.Codecs {
		codecs = append(codecs, domain.RtpCodecCapability{
			Kind:                 domain.MediaKind(c.Kind),
			MimeType:             c.MimeType,
			PreferredPayloadType: c.PreferredPayloadType,
			ClockRate:            c.ClockRate,
			Channels:             c.Channels,
			Parameters:           c.Parameters,
		})
	}

	registry := services.NewRoomRegistry(engine, codecs, log)
	tracker := services.NewResourceTracker(log)
	sessions := services.NewSessionStore()

	launcher := recorder.NewFFmpegLauncher(recorder.Config{
		FFmpegPath: cfg.Recorder.FFmpegPath,
		OutputDir:  cfg.Recorder.OutputDir,
		Host:       cfg.Recorder.Host,
	}, log)

	recording := services.NewRecordingService(services.RecordingConfig{
		Host:        cfg.Recorder.Host,
		ListenIP:    cfg.PlainTransport.ListenIP,
		AnnouncedIP: cfg.PlainTransport.AnnouncedIP,
		RtcpMux:     cfg.PlainTransport.RtcpMux,
		Comedia:     cfg.PlainTransport.Comedia,
	}, registry, tracker, sessions, pool, launcher, collector, log)

	gateway := signalgw.NewWebSocketServer(collector, signalgw.Options{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		RateLimitEnabled:  cfg.RateLimiting.Enabled,
		MessagesPerSecond: cfg.RateLimiting.MessagesPerSecond,
		Burst:             cfg.RateLimiting.Burst,
	}, log)

	listenInfos := make([]ports.ListenInfo, 0, len(cfg.WebRTC.ListenInfos))
	for _, li := range cfg.WebRTC.ListenInfos {
		listenInfos = append(listenInfos, ports.ListenInfo{
			Protocol:    li.Protocol,
			IP:          li.IP,
			AnnouncedIP: li.AnnouncedIP,
		})
	}

	signaling := services.NewSignalingService(services.SignalingConfig{
		ListenInfos:        listenInfos,
		PreferUDP:          cfg.WebRTC.PreferUDP,
		MaxIncomingBitrate: cfg.WebRTC.MaxIncomingBitrate,
	}, registry, tracker, sessions, recording, gateway, collector, log)
	gateway.Bind(signaling)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	api := httpapi.New(registry, tracker, sessions, httpapi.Options{
		PrometheusEnabled: cfg.Monitoring.PrometheusEnabled,
	}, log)

	signalMux := http.NewServeMux()
	signalMux.HandleFunc("/ws", gateway.HandleWebSocket)

	signalSrv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: signalMux,
	}
	apiSrv := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	serverErr := make(chan error, 2)
	go func() {
		log.Infow("signal server listening", "address", cfg.Signal.Address)
		if err := signalSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	go func() {
		log.Infow("api server listening", "address", cfg.HTTP.Address)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("shutdown signal received", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()

	if err := signalSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("signal server shutdown", "error", err)
	}
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("api server shutdown", "error", err)
	}

	if err := engine.Close(); err != nil {
		log.Errorw("closing media engine", "error", err)
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("shutting down tracer", "error", err)
	}

	log.Info("signal server stopped")
}

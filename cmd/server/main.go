package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/derekja/sample-s2s-voip-gateway/internal/audio"
	"github.com/derekja/sample-s2s-voip-gateway/internal/cloud"
	"github.com/derekja/sample-s2s-voip-gateway/internal/config"
	"github.com/derekja/sample-s2s-voip-gateway/internal/observability"
	"github.com/derekja/sample-s2s-voip-gateway/internal/resilience"
	"github.com/derekja/sample-s2s-voip-gateway/internal/telephony"
	"github.com/derekja/sample-s2s-voip-gateway/internal/tools"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("session_url", cfg.SessionURL).
		Str("log_level", cfg.LogLevel).
		Bool("barge_in_enabled", cfg.BargeInEnabled).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("S2S VoIP gateway starting")

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	dialer := &cloud.Dialer{
		URL:              cfg.SessionURL,
		HandshakeTimeout: cfg.DialTimeout(),
		Retry:            retry,
		Breaker: resilience.NewCircuitBreaker("s2s_session",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second),
		Logger: logger,
	}

	bridge := telephony.NewBridge(cfg,
		telephony.CloudDialer(dialer),
		tools.NewDefaultRegistry(logger),
		audio.FileAssets{Dir: cfg.AudioAssetDir},
		logger)
	defer bridge.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/streams/twilio", bridge.HandleTwilioWS())
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"s2s_session": dialer.HealthCheck,
	}))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/streams/twilio", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// calls in progress are hijacked connections; Shutdown does not wait for them
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

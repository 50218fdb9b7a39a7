package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flashlive/internal/core/services"
	httphandlers "flashlive/internal/handlers/http"
	"flashlive/internal/infrastructure/middleware"
	"flashlive/internal/infrastructure/monitoring"
	"flashlive/internal/infrastructure/repositories"
	signalserver "flashlive/internal/infrastructure/signal"
	"flashlive/pkg/config"
	"flashlive/pkg/logger"
	"flashlive/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flashlive: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewPrometheusCollector(registry)
	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = registry
		log.Info("Prometheus metrics enabled")
	}

	health := monitoring.NewHealthChecker()
	health.AddRedisCheck(repoFactory.RedisClient(), cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	health.StartBackgroundChecks(ctx)

	credentials := services.NewCredentialService(cfg.Auth.SigningKey, cfg.Auth.Issuer, cfg.Auth.CredentialTTL)
	rooms := services.NewRoomServiceWithLocker(repoFactory.CreateRoomRepository(), repoFactory.CreateRoomLocker(), log.Named("rooms"))
	roomServer := signalserver.NewRoomServer(rooms, metrics, signalserver.NewRoomServerConfig(cfg), log.Named("signal"))

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewCredentialHandler(credentials, cfg.Transport.EndpointURL, metrics).SetupRoutes(router)
	httphandlers.NewRoomHandler(rooms, cfg.Server.RoomListCacheTTL).SetupRoutes(router)
	router.GET("/rtc", middleware.CredentialMiddleware(credentials), roomServer.HandleRTC)
	router.GET("/health", roomServer.HealthCheck)
	httphandlers.NewSystemHandler(cfg.Transport.ICEServers, health, gatherer, cfg.Server.StaticDir).SetupRoutes(router)

	srv := &http.Server{
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ln, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		log.Errorw("failed to bind listen address", "address", cfg.Server.Address, "error", err)
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting flashlive server", "address", ln.Addr().String(), "endpoint", cfg.Transport.EndpointURL)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
		exitCode = 1
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down flashlive server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked signaling sockets are not tracked by Shutdown.
	roomServer.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	} else {
		log.Info("server shutdown gracefully")
	}

	cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer provider", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("flashlive server stopped")
	if exitCode != 0 {
		zapLogger.Sync()
		os.Exit(exitCode)
	}
}

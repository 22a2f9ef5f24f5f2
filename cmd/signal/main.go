package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"callify/internal/core/services"
	httphandlers "callify/internal/handlers/http"
	"callify/internal/infrastructure/middleware"
	"callify/internal/infrastructure/monitoring"
	"callify/internal/infrastructure/reliability"
	"callify/internal/infrastructure/repositories"
	signalws "callify/internal/infrastructure/signal"
	"callify/pkg/circuitbreaker"
	"callify/pkg/config"
	"callify/pkg/logger"
	"callify/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := os.Getenv("CALLIFY_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		panic(err)
	}

	log := logger.NewSugared(cfg.Logging.Level, cfg.Logging.Format)
	defer log.Sync()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "callify-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  1.0,
	})
	if err != nil {
		log.Warnw("failed to initialize tracing", "error", err)
	} else {
		defer tp.Shutdown(context.Background())
	}

	factory, err := repositories.NewFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to initialize storage", "error", err)
	}
	defer factory.Close()

	registry := factory.CreateRoomRegistry()
	history := reliability.NewHistoryRecorderWrapper(
		factory.CreateHistoryRecorder(),
		circuitbreaker.DefaultConfig(),
		log,
	)

	identity := services.NewIdentityService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	var metrics signalws.Metrics
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
	}

	broker := signalws.NewBroker(registry, history, identity, metrics, signalws.OptionsFromConfig(cfg), log)

	health := monitoring.NewHealthChecker()
	health.AddCheck("storage", factory.HealthCheck)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	router.Use(middleware.OptionalAuthMiddleware(identity))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware(cfg.Signal.Path))
	}

	httphandlers.NewAuthHandler(identity, cfg.Auth.AccessTokenTTL).SetupRoutes(router)
	httphandlers.NewRoomHandler(registry).SetupRoutes(router)

	router.GET(cfg.Signal.Path, func(c *gin.Context) {
		broker.HandleWebSocket(c.Writer, c.Request)
	})
	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Infow("signaling server listening", "address", cfg.Server.Address, "ws_path", cfg.Signal.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("forced shutdown", "error", err)
	}
}

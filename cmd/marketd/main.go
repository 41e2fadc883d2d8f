package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nftmarket/config"
	"nftmarket/gateway/middleware"
	"nftmarket/gateway/routes"
	"nftmarket/observability/logging"
	telemetry "nftmarket/observability/otel"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "marketd.toml", "path to marketd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("marketd: load config: %v", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		log.Fatalf("marketd: invalid config: %v", err)
	}

	logger := logging.SetupWithOutput("marketd", cfg.Environment, logging.Output(logging.FileConfig{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}), logging.ParseLevel(cfg.Logging.Level))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromTelemetry(cfg.Telemetry, cfg.Environment))
	if err != nil {
		log.Fatalf("marketd: init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := newNode(rootCtx, cfg, logger)
	if err != nil {
		log.Fatalf("marketd: start node: %v", err)
	}
	defer n.Close()

	limiter := middleware.NewRateLimiter(middleware.RateLimit{
		RequestsPerMinute: cfg.API.RequestsPerMinute,
		Burst:             cfg.API.Burst,
	}, logger)
	handler, err := routes.New(routes.Config{
		Market: n.engine,
		Info: routes.MarketInfo{
			PaymentSymbol:   n.ledger.Symbol(),
			PaymentDecimals: n.ledger.Decimals(),
			RegistryName:    n.registry.Name(),
			RegistrySymbol:  n.registry.Symbol(),
			Paused:          func() bool { return cfg.Pauses.Market },
		},
		RateLimiter: limiter,
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			LogRequests: cfg.API.LogRequests,
		}, logger),
		CORS:   middleware.CORSConfig{AllowedOrigins: cfg.API.AllowedOrigins},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("marketd: build routes: %v", err)
	}

	go sweepLimiter(rootCtx, limiter)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	logger.Info("marketd listening",
		"listen", cfg.ListenAddress,
		"backend", cfg.DBBackend,
		"custody", n.custody.Hex(),
		"listings", n.store.Len(),
		logging.MaskField("databaseUrl", cfg.DatabaseURL),
		logging.MaskField("telemetryHeaders", cfg.Telemetry.Headers),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			n.Close()
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	logger.Info("marketd stopped")
}

func sweepLimiter(ctx context.Context, limiter *middleware.RateLimiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep(10 * time.Minute)
		}
	}
}

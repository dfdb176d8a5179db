// Package main implements the mdmview server that renders the machine compliance dashboard.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mdmview/internal/config"
	"mdmview/internal/events"
	"mdmview/internal/logging"
	"mdmview/internal/machine"
	"mdmview/internal/metrics"
	"mdmview/internal/querycache"
	"mdmview/internal/source"
)

const (
	// HTTP timeouts.
	readTimeout  = 15 * time.Second
	writeTimeout = 30 * time.Second
	idleTimeout  = 60 * time.Second

	shutdownTimeout = 10 * time.Second
)

var (
	configPath = flag.String("config", "", "Path to a YAML config file")
	listen     = flag.String("listen", "", "Listen address (default :8080)")
	backendURL = flag.String("backend", "", "Base URL of the machines API")
	apiKey     = flag.String("api-key", "", "API key sent to the machines API")
	gitURL     = flag.String("git", "", "Git repository URL or path to clone to temp directory")
	clone      = flag.String("clone", "", "Path to existing local git clone to read directly")
	redisAddr  = flag.String("redis", "", "Redis address for the shared query cache (optional)")
	natsURL    = flag.String("nats", "", "NATS URL for machine update events (optional)")
	logLevel   = flag.String("log-level", "", "Log level: debug, info, warn or error")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("[ERROR] Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Errorf("Server failed: %v", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}

// applyFlags overrides file and environment settings with flags given on the command line.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "backend":
			cfg.BackendURL = *backendURL
		case "api-key":
			cfg.APIKey = *apiKey
		case "git":
			cfg.GitURL = *gitURL
		case "clone":
			cfg.ClonePath = *clone
		case "redis":
			cfg.RedisAddr = *redisAddr
		case "nats":
			cfg.NATSURL = *natsURL
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
}

func run(cfg *config.Config, logger *zap.SugaredLogger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src, err := source.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}

	m := metrics.New()
	cacheOpts := []querycache.Option{
		querycache.WithTTL(cfg.CacheTTL),
		querycache.WithTimeout(cfg.FetchTimeout),
		querycache.WithMetrics(m),
		querycache.WithLogger(logger),
	}
	if cfg.RedisAddr != "" {
		client, err := querycache.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warnf("Shared cache disabled: %v", err)
		} else {
			defer func() { _ = client.Close() }()
			cacheOpts = append(cacheOpts, querycache.WithStore(querycache.NewRedisStore(client, "")))
			logger.Infof("Using shared query cache at %s", cfg.RedisAddr)
		}
	}
	machineCache := querycache.New[[]machine.Machine]("machines", cacheOpts...)
	reportCache := querycache.New[[]machine.Report]("reports", cacheOpts...)

	if cfg.NATSURL != "" {
		nc, err := events.Connect(cfg.NATSURL, "mdmview-server", logger)
		if err != nil {
			logger.Warnf("Machine update events disabled: %v", err)
		} else {
			defer func() { _ = nc.Drain() }()
			invalidator := events.NewInvalidator(machineCache, reportCache, logger)
			if _, err := invalidator.Subscribe(nc, cfg.NATSSubject); err != nil {
				logger.Warnf("Machine update events disabled: %v", err)
			}
		}
	}

	server, err := newServer(ctx, cfg, serverDeps{
		Source:       src,
		MachineCache: machineCache,
		ReportCache:  reportCache,
		Metrics:      m,
		Log:          logger,
	})
	if err != nil {
		return err
	}
	defer server.sessions.close()

	logger.Infof("Cache configuration: ttl=%v, fetch_timeout=%v, retries=%d, sessions=%d",
		cfg.CacheTTL, cfg.FetchTimeout, cfg.Retries, cfg.SessionCapacity)

	srv := &http.Server{
		Addr:           cfg.Listen,
		Handler:        server.routes(),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: 1 << 16, // 64KB max header size
	}

	errc := make(chan error, 1)
	go func() {
		logger.Infof("Server starting on %s", cfg.Listen)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errc <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errc:
		return err
	}

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown error: %v", err)
	} else {
		logger.Info("Server shutdown complete")
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tideroute/ripd/internal/audit"
	"github.com/tideroute/ripd/internal/config"
	"github.com/tideroute/ripd/internal/httpapi"
	"github.com/tideroute/ripd/internal/metrics"
	"github.com/tideroute/ripd/internal/rip"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "validate-config":
		runValidateConfig()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: ripd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve             Start the routing daemon")
	fmt.Println("  validate-config   Load and validate a config file, then exit")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func runValidateConfig() {
	configPath, _ := parseFlags(os.Args[2:])
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config ok: router_id=%d incoming_ports=%v peers=%d\n",
		cfg.Router.ID, cfg.Router.IncomingPorts, len(cfg.Peers))
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting ripd",
		zap.Int("router_id", cfg.Router.ID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	daemon, err := rip.NewDaemon(cfg, logger.Named("daemon"))
	if err != nil {
		logger.Fatal("failed to construct daemon", zap.Error(err))
	}

	var wg sync.WaitGroup

	if cfg.Audit.Enabled {
		pool, err := audit.NewPool(ctx, cfg.Audit.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to connect to audit database", zap.Error(err))
		}
		defer pool.Close()

		events := make(chan rip.AuditEvent, cfg.Audit.BufferSize)
		daemon.Table().SetAuditSink(events)

		writer := audit.NewWriter(pool, logger.Named("audit.writer"), cfg.Audit.BatchSize,
			time.Duration(cfg.Audit.FlushIntervalMs)*time.Millisecond, cfg.Audit.Compress)
		pruner := audit.NewRetentionPruner(pool, cfg.Audit.RetentionDays, logger.Named("audit.retention"))

		wg.Add(2)
		go func() { defer wg.Done(); writer.Run(ctx, events) }()
		go func() { defer wg.Done(); pruner.Run(ctx, 24*time.Hour) }()

		logger.Info("audit trail enabled", zap.Int("buffer_size", cfg.Audit.BufferSize))
	}

	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, daemon, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := daemon.Run(ctx); err != nil {
			logger.Error("daemon loop exited with error", zap.Error(err))
		}
	}()

	logger.Info("daemon and HTTP server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("daemon stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("ripd stopped")
}

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"zcollect/config"
	"zcollect/runner"
	"zcollect/store"
)

func main() {
	configPath := flag.String("c", "config.yml", "Path to the YAML configuration file")
	flag.Parse()

	logger := newLogger()
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalw("configuration error", "error", err)
	}

	// Interrupt cancels in-flight API calls; pipelines still reach their
	// logout step before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database, logger)
	if err != nil {
		logger.Fatalw("warehouse connection failed", "error", err)
	}
	defer st.Close()

	logger.Infow("starting collection run",
		"run_id", st.RunID(),
		"instances", len(cfg.Instances),
		"group", cfg.GroupName,
		"workers", cfg.Workers)

	runner.New(cfg, st, logger).Run(ctx)

	// Per-instance failures are logged, not reflected in the exit status.
}

// newLogger builds the process-wide sugared logger. Components receive it by
// injection; nothing logs through package globals.
func newLogger() *zap.SugaredLogger {
	zcfg := zap.NewProductionConfig()
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	logger, err := zcfg.Build()
	if err != nil {
		log.Fatal(err)
	}
	return logger.Sugar()
}

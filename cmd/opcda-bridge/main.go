// Command opcda-bridge subscribes to items of a DA server and publishes
// every value change to MQTT, Valkey/Redis and/or Kafka.
//
// Usage:
//
//	opcda-bridge -config bridge.yaml [flags]
//
// Flags:
//
//	-config        YAML bridge config (required)
//	-protocol-log  Write a protocol log (.olog) to this file
//	-log-level     Log level: debug, info, warn, error (default "info")
//
// Example config:
//
//	server: Matrikon.OPC.Simulation.1
//	host: plant-sim:4855
//	group:
//	  update_rate: 500ms
//	items:
//	  - Random.Real8
//	branches:
//	  - Simulation Items
//	publish:
//	  mqtt:
//	    broker: tcp://localhost:1883
//	  valkey:
//	    address: localhost:6379
//	    publish_changes: true
//	  kafka:
//	    brokers: [localhost:9092]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/opc-classic/opcda-go/pkg/da"
	"github.com/opc-classic/opcda-go/pkg/interaction"
	protolog "github.com/opc-classic/opcda-go/pkg/log"
	"github.com/opc-classic/opcda-go/pkg/publish"
)

// Config holds the command-line configuration.
type Config struct {
	ConfigFile  string
	ProtocolLog string
	LogLevel    string
}

var config Config

func init() {
	flag.StringVar(&config.ConfigFile, "config", "", "YAML bridge config (required)")
	flag.StringVar(&config.ProtocolLog, "protocol-log", "", "Write a protocol log to this file")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

func main() {
	flag.Parse()

	logger, err := setupLogging(config.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if config.ConfigFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("opcda-bridge failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := LoadBridgeConfig(config.ConfigFile)
	if err != nil {
		return err
	}

	var protocol protolog.Logger
	if config.ProtocolLog != "" {
		fl, err := protolog.NewFileLogger(config.ProtocolLog)
		if err != nil {
			return fmt.Errorf("open protocol log: %w", err)
		}
		defer fl.Close()
		protocol = fl
	}

	sinks, err := publish.Open(ctx, cfg.Publish)
	if err != nil {
		return err
	}
	fanout := publish.NewFanout(sinks, publish.WithLogger(logger))
	defer func() {
		for name, st := range fanout.Stats() {
			logger.Info("sink statistics", "sink", name, "sent", st.Sent, "errors", st.Errors)
		}
		if err := fanout.Close(); err != nil {
			logger.Warn("close sinks", "error", err)
		}
	}()
	for _, s := range sinks {
		logger.Info("publishing", "sink", s.Name())
	}

	bridge := NewBridge(cfg, func() da.Backend {
		return interaction.NewClient(interaction.ClientConfig{
			Timeout:        cfg.Timeout,
			Logger:         logger,
			ProtocolLogger: protocol,
		})
	}, fanout, logger)

	err = bridge.Run(ctx)
	logger.Info("bridge stopped")
	return err
}

func setupLogging(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid -log-level %q", level)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}))
	slog.SetDefault(logger)
	return logger, nil
}

// Command opcda-sim runs simulated DA servers and serves them over TCP.
//
// Without -config it hosts the built-in Matrikon-style simulation server.
// Writable item values are kept in the -state file across restarts.
//
// Usage:
//
//	opcda-sim [flags]
//
// Flags:
//
//	-listen         Listen address (default ":4855")
//	-config         YAML simulation config (default: built-in namespace)
//	-state          JSON file for writable item values (empty disables)
//	-save-interval  Periodic state save interval (default 1m, 0 saves on exit only)
//	-tick           Simulation tick (default 100ms)
//	-print-config   Print the effective config as YAML and exit
//	-protocol-log   Write a protocol log (.olog) to this file
//	-log-level      Log level: debug, info, warn, error (default "info")
//
// Examples:
//
//	# Built-in simulation server
//	opcda-sim
//
//	# Custom namespace with persisted setpoints
//	opcda-sim -config plant.yaml -state /var/lib/opcda/plant.json
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opc-classic/opcda-go/pkg/interaction"
	protolog "github.com/opc-classic/opcda-go/pkg/log"
	"github.com/opc-classic/opcda-go/pkg/persistence"
	"github.com/opc-classic/opcda-go/pkg/server"
	"github.com/opc-classic/opcda-go/pkg/simulation"
)

// Config holds the command-line configuration.
type Config struct {
	Listen       string
	ConfigFile   string
	StateFile    string
	SaveInterval time.Duration
	Tick         time.Duration
	PrintConfig  bool
	ProtocolLog  string
	LogLevel     string
}

var config Config

func init() {
	flag.StringVar(&config.Listen, "listen", ":4855", "Listen address")
	flag.StringVar(&config.ConfigFile, "config", "", "YAML simulation config (default: built-in namespace)")
	flag.StringVar(&config.StateFile, "state", "", "JSON file for writable item values")
	flag.DurationVar(&config.SaveInterval, "save-interval", time.Minute, "Periodic state save interval")
	flag.DurationVar(&config.Tick, "tick", simulation.DefaultTick, "Simulation tick")
	flag.BoolVar(&config.PrintConfig, "print-config", false, "Print the effective config as YAML and exit")
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
	if err := run(logger); err != nil {
		logger.Error("opcda-sim failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	simCfg, err := loadConfig()
	if err != nil {
		return err
	}
	if config.PrintConfig {
		data, err := simCfg.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	registry := server.NewRegistry()
	opts := []simulation.Option{
		simulation.WithLogger(logger),
		simulation.WithTick(config.Tick),
		simulation.WithRegistry(registry),
	}
	if config.StateFile != "" {
		opts = append(opts, simulation.WithStore(persistence.NewValueStore(config.StateFile), config.SaveInterval))
	}
	sim, err := simulation.New(simCfg, opts...)
	if err != nil {
		return err
	}

	var sinks []protolog.Logger
	if config.ProtocolLog != "" {
		fl, err := protolog.NewFileLogger(config.ProtocolLog)
		if err != nil {
			return fmt.Errorf("open protocol log: %w", err)
		}
		defer fl.Close()
		sinks = append(sinks, fl)
		logger.Info("protocol logging enabled", "file", config.ProtocolLog)
	}
	// At debug level protocol events are echoed to the console as well.
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		sinks = append(sinks, protolog.NewSlogAdapter(logger))
	}
	var protocol protolog.Logger
	if len(sinks) > 0 {
		protocol = protolog.NewMultiLogger(sinks...)
	}

	srv := interaction.NewServer(interaction.ServerConfig{
		Address:        config.Listen,
		Registry:       registry,
		SessionOptions: []server.Option{server.WithLogger(logger), server.WithTick(config.Tick)},
		Logger:         logger,
		ProtocolLogger: protocol,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	simDone := make(chan error, 1)
	go func() { simDone <- sim.Run(ctx) }()

	if err := srv.Start(ctx); err != nil {
		cancel()
		<-simDone
		return fmt.Errorf("start server: %w", err)
	}
	for _, name := range registry.Names() {
		logger.Info("serving", "prog_id", name)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-simDone:
		_ = srv.Stop()
		return err
	}

	// Clients get the shutdown notice before their connections close.
	sim.Shutdown("server shutting down")
	time.Sleep(100 * time.Millisecond)
	if err := srv.Stop(); err != nil {
		logger.Warn("stop server", "error", err)
	}
	cancel()
	return <-simDone
}

func loadConfig() (*simulation.Config, error) {
	if config.ConfigFile == "" {
		return simulation.DefaultConfig(), nil
	}
	return simulation.LoadConfig(config.ConfigFile)
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

// Command opcda-browse prints the address space of a DA server as a tree.
//
// Usage:
//
//	opcda-browse [flags]
//
// Flags:
//
//	-server        ProgID of the server (default "Matrikon.OPC.Simulation.1")
//	-host          Host running opcda-sim, optionally with port (default "localhost")
//	-root          Branch to start from (default: the root)
//	-filter        Element name pattern (*, ?, #, [set])
//	-props         Print the properties of every item
//	-json          Print one JSON object per element instead of a tree
//	-timeout       Per-request timeout (default 10s)
//	-protocol-log  Write a protocol log (.olog) to this file
//	-log-level     Log level: debug, info, warn, error (default "warn")
//
// Examples:
//
//	opcda-browse -host plant-sim:4855
//	opcda-browse -root "Simulation Items" -props
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

	"github.com/opc-classic/opcda-go/pkg/da"
	"github.com/opc-classic/opcda-go/pkg/interaction"
	protolog "github.com/opc-classic/opcda-go/pkg/log"
	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/simulation"
)

// Config holds the command-line configuration.
type Config struct {
	Server      string
	Host        string
	Root        string
	Filter      string
	Props       bool
	JSON        bool
	Timeout     time.Duration
	ProtocolLog string
	LogLevel    string
}

var config Config

func init() {
	flag.StringVar(&config.Server, "server", simulation.DefaultProgID, "ProgID of the server")
	flag.StringVar(&config.Host, "host", "localhost", "Host running the server, optionally with port")
	flag.StringVar(&config.Root, "root", "", "Branch to start from")
	flag.StringVar(&config.Filter, "filter", "", "Element name pattern")
	flag.BoolVar(&config.Props, "props", false, "Print item properties")
	flag.BoolVar(&config.JSON, "json", false, "Print JSON lines instead of a tree")
	flag.DurationVar(&config.Timeout, "timeout", 10*time.Second, "Per-request timeout")
	flag.StringVar(&config.ProtocolLog, "protocol-log", "", "Write a protocol log to this file")
	flag.StringVar(&config.LogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
}

func main() {
	flag.Parse()

	logger, err := setupLogging(config.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		fmt.Fprintf(os.Stderr, "opcda-browse: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg := interaction.ClientConfig{Timeout: config.Timeout, Logger: logger}
	if config.ProtocolLog != "" {
		fl, err := protolog.NewFileLogger(config.ProtocolLog)
		if err != nil {
			return fmt.Errorf("open protocol log: %w", err)
		}
		defer fl.Close()
		cfg.ProtocolLogger = fl
	}
	client := interaction.NewClient(cfg)
	defer client.Close()

	srv := da.NewServer(client, da.WithLogger(logger), da.WithTimeout(config.Timeout), da.WithClientName("opcda-browse"))
	if err := srv.Connect(ctx, config.Server, config.Host); err != nil {
		return err
	}
	defer func() {
		if err := srv.Disconnect(context.Background()); err != nil {
			logger.Warn("disconnect", "error", err)
		}
	}()

	b, err := da.NewBrowser(srv, model.BrowseFilters{
		NameFilter:           config.Filter,
		ReturnAllProperties:  config.Props,
		ReturnPropertyValues: config.Props,
	})
	if err != nil {
		return err
	}
	defer b.Release()

	p := &treePrinter{w: os.Stdout, json: config.JSON, props: config.Props}
	return p.print(ctx, b, config.Root)
}

func setupLogging(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid -log-level %q", level)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger, nil
}

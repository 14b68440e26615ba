// Command opcda-console is an interactive shell for DA servers.
//
// Usage:
//
//	opcda-console [flags]
//
// Flags:
//
//	-config        YAML file naming a server and groups to set up at startup
//	-exec          Run the given commands (separated by ';') and exit
//	-timeout       Per-call timeout (default 10s)
//	-protocol-log  Write a protocol log (.olog) to this file
//	-log-level     Log level: debug, info, warn, error (default "warn")
//
// Examples:
//
//	# Interactive session
//	opcda-console
//	> connect Matrikon.OPC.Simulation.1 plant-sim
//	> group add g1 500ms
//	> add Random.Int4 Random.Real8
//	> sub
//
//	# One-shot device read
//	opcda-console -exec "connect Sim.Server; group add g; add Plant.Speed; read device"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/opc-classic/opcda-go/pkg/da"
	"github.com/opc-classic/opcda-go/pkg/interaction"
	protolog "github.com/opc-classic/opcda-go/pkg/log"
)

// Config holds the command-line configuration.
type Config struct {
	ConfigFile  string
	Exec        string
	Timeout     time.Duration
	ProtocolLog string
	LogLevel    string
}

var config Config

func init() {
	flag.StringVar(&config.ConfigFile, "config", "", "YAML file naming a server and groups to set up")
	flag.StringVar(&config.Exec, "exec", "", "Run commands separated by ';' and exit")
	flag.DurationVar(&config.Timeout, "timeout", 10*time.Second, "Per-call timeout")
	flag.StringVar(&config.ProtocolLog, "protocol-log", "", "Write a protocol log to this file")
	flag.StringVar(&config.LogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
}

func main() {
	flag.Parse()

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(config.LogLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q\n", config.LogLevel)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	var protocol protolog.Logger
	if config.ProtocolLog != "" {
		fl, err := protolog.NewFileLogger(config.ProtocolLog)
		if err != nil {
			return fmt.Errorf("open protocol log: %w", err)
		}
		defer fl.Close()
		protocol = fl
	}
	newBackend := func() da.Backend {
		return interaction.NewClient(interaction.ClientConfig{
			Timeout:        config.Timeout,
			Logger:         logger,
			ProtocolLogger: protocol,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if config.Exec != "" {
		c := NewConsole(os.Stdout, newBackend, config.Timeout, logger)
		defer c.Close()
		if err := setup(ctx, c); err != nil {
			return err
		}
		return RunScript(ctx, c, config.Exec)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "opcda> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	c := NewConsole(rl.Stdout(), newBackend, config.Timeout, logger)
	defer c.Close()
	if err := setup(ctx, c); err != nil {
		fmt.Fprintf(rl.Stderr(), "Setup failed: %v\n", err)
	}

	fmt.Fprintln(rl.Stdout(), "DA console. Type 'help' for commands.")
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				fmt.Fprintln(rl.Stdout(), "Exiting...")
				return nil
			}
			return err
		}
		if err := c.Execute(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				fmt.Fprintln(rl.Stdout(), "Exiting...")
				return nil
			}
			fmt.Fprintf(rl.Stdout(), "Error: %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func setup(ctx context.Context, c *Console) error {
	if config.ConfigFile == "" {
		return nil
	}
	cfg, err := LoadConsoleConfig(config.ConfigFile)
	if err != nil {
		return err
	}
	if cfg.Timeout > 0 {
		c.timeout = cfg.Timeout
	}
	return cfg.Apply(ctx, c)
}

// RunScript executes ';'-separated commands, stopping at the first error.
func RunScript(ctx context.Context, c *Console, script string) error {
	for _, line := range strings.Split(script, ";") {
		if err := c.Execute(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			return fmt.Errorf("%s: %w", strings.TrimSpace(line), err)
		}
	}
	return nil
}

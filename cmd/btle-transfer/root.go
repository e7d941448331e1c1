package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/user/btle-transfer/config"
	"github.com/user/btle-transfer/logger"
	"github.com/user/btle-transfer/statusd"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	// Global flags
	configPath string
	logLevel   string
	noColor    bool

	// Loaded once per invocation by PersistentPreRunE
	cfg config.Config
)

var (
	titleFmt = color.New(color.FgCyan, color.Bold).SprintFunc()
	okFmt    = color.New(color.FgGreen).SprintFunc()
	infoFmt  = color.New(color.FgYellow).SprintFunc()
	dimFmt   = color.New(color.Faint).SprintFunc()
	errFmt   = color.New(color.FgRed, color.Bold).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "btle-transfer",
	Short: "Send short text between two nearby devices over BLE notifications",
	Long: `btle-transfer moves a short text message from a sender (peripheral) to a
receiver (central) held close by. The sender advertises a transfer service;
the receiver connects to the first sender in range, subscribes, and collects
notification chunks until the EOM sentinel.

Run "central" on the receiving machine and "peripheral" on the sending one,
or "demo" to run both over a simulated radio.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "completion" || cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cmd.Flags().Changed("log-level") {
			loaded.LogLevel = logLevel
		}
		if noColor {
			color.NoColor = true
			logger.SetOutput(os.Stdout, true)
		}
		logger.SetLevel(logger.ParseLevel(loaded.LogLevel))
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <data dir>/config.toml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// signalContext is cancelled on interrupt or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// startStatus runs a status server on addr until ctx ends. An empty addr
// leaves it off and returns nil.
func startStatus(ctx context.Context, addr string) *statusd.Server {
	if addr == "" {
		return nil
	}
	srv := statusd.New(addr)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			logger.Error("statusd", "status server stopped: %v", err)
		}
	}()
	return srv
}

// snapshot bounds how long a status request waits on a busy loop
func snapshot[T any](ctx context.Context, fn func(context.Context) (T, error)) interface{} {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	st, err := fn(ctx)
	if err != nil {
		return map[string]string{"error": err.Error()}
	}
	return st
}

// finished treats cancellation as a clean exit
func finished(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

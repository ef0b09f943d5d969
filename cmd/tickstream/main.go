package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"tickstream/internal/app"
	"tickstream/internal/config"
)

// FUNCTIONAL DISCOVERY: Main entry point with comprehensive error handling and signal management
// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// options are the command-line settings.
type options struct {
	configPath string
	checkOnly  bool
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	fs := pflag.NewFlagSet("tickstream", pflag.ContinueOnError)
	fs.SetOutput(output)

	opts := &options{}
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file (default $"+config.ConfigFileEnv+")")
	fs.BoolVar(&opts.checkOnly, "check", false, "validate the configuration and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.configPath == "" {
		opts.configPath = os.Getenv(config.ConfigFileEnv)
	}
	return opts, nil
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
// Signal handling ensures graceful shutdown in production environments
func run(args []string, output io.Writer) error {
	// STEP 1: Flags, then configuration with precedence (file > env > defaults)
	opts, err := parseFlags(args, output)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfigWithPrecedence(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.checkOnly {
		fmt.Fprintln(output, "configuration OK")
		return nil
	}

	// STEP 2: Create application with configuration
	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	logger := application.Logger()

	// STEP 3: Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// STEP 4: Start application
	if err := application.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		_ = application.Stop(shutdownCtx)
		return fmt.Errorf("application error: %w", err)
	}

	// STEP 5: Wait for shutdown signal
	<-ctx.Done()
	logger.Info("received shutdown signal, shutting down gracefully")

	// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// Package main provides the CLI entry point for the Assist bridge.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/austinbrady/Assist-sub001/internal/config"
	"github.com/austinbrady/Assist-sub001/internal/logging"
)

var version = "1.0.0"

// errDisconnected makes `check` exit non-zero without printing an error.
var errDisconnected = errors.New("no backend reachable")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errDisconnected) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "assist-bridge",
		Short: "Assist bridge - local-first backend connection manager",
		Long: `Assist bridge keeps track of which Assist backend is reachable,
preferring a backend on this machine and falling back to the cloud,
and routes extension messages to it.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "path to config file")

	load := func() (*config.Config, error) {
		cfg, err := config.LoadFromPath(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		logging.Configure(cfg.Logging.Level, cfg.Logging.Format)
		return cfg, nil
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge and serve the message channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Run one connection check and print the status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runCheck(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	var force bool
	configInitCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			}
			if err := config.Default().SaveToPath(configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", configPath)
			return nil
		},
	}
	configInitCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(serveCmd, checkCmd, configCmd)
	return rootCmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := logging.WithComponent("main")
	logger.Info("Starting Assist bridge", "version", version)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	if cfg.Health.Enabled {
		if err := a.manager.StartHealthChecks(cfg.Health.GetInterval()); err != nil {
			logger.Error("Failed to start health checks", "error", err)
		}
	}

	srv := a.server()
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Info("Server listening on", "host", cfg.Server.Host, "port", cfg.Server.Port)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case serveErr = <-errCh:
		logger.Error("Server error", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	a.close(shutdownCtx)

	logger.Info("Assist bridge stopped")
	return serveErr
}

// runCheck runs a single probe cycle and prints the resulting status.
func runCheck(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	status, err := a.manager.CheckConnection(ctx)
	if err != nil {
		return fmt.Errorf("check connection: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		return err
	}
	if !status.Connected {
		return errDisconnected
	}
	return nil
}

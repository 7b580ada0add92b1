// Package main provides the ovpn-bridge daemon and control CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rennerdo30/ovpn-bridge/internal/cli/ctl"
	"github.com/rennerdo30/ovpn-bridge/internal/config"
	"github.com/rennerdo30/ovpn-bridge/internal/logging"
	"github.com/rennerdo30/ovpn-bridge/internal/server"
	"github.com/rennerdo30/ovpn-bridge/internal/version"
)

const defaultConfigFile = "ovpn-bridge.yaml"

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "ovpn-bridge",
		Short: "OpenVPN session bridge",
		Long: `ovpn-bridge runs one OpenVPN session on behalf of local clients.

It exposes initialize/connect/disconnect/status/stage/request_permission over a
REST API and streams connection stages to a single watcher.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configFile)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "config file path")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the daemon (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configFile)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadBridgeConfig(configFile); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	})

	rootCmd.AddCommand(newConfigCommand(&configFile))

	// Add CLI control commands
	rootCmd.AddCommand(ctl.NewCommands())

	return rootCmd
}

func newConfigCommand(configFile *string) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configFile
			if _, err := os.Stat(path); err == nil {
				if !force {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
				backup, err := config.Backup(path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Existing config saved to %s\n", backup)
			}

			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil { //nolint:gosec // G301: Config directory permissions are appropriate
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(config.DefaultBridgeConfigTemplate), 0600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file after backing it up")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadBridgeConfig(*configFile)
			if err != nil {
				return err
			}
			if cfg.API.Token != "" {
				cfg.API.Token = "[redacted]"
			}
			if cfg.API.TokenHash != "" {
				cfg.API.TokenHash = "[redacted]"
			}
			data, err := yaml.Marshal(&cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	configCmd.AddCommand(initCmd, showCmd)
	return configCmd
}

func run(ctx context.Context, configFile string) error {
	cfg, err := config.LoadBridgeConfig(configFile)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load config: %w (run \"ovpn-bridge config init\" to create one)", err)
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	srv, err := server.New(&cfg)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer logging.Close()

	// Set config path for reload support
	srv.SetConfigPath(configFile)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	if err := srv.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("start server: %w", err), srv.Stop(context.Background()))
	}

	// Wait for shutdown signal
	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logging.Info("Received SIGHUP, reloading configuration")
			if err := srv.ReloadConfig(); err != nil {
				logging.Error("Config reload failed", "error", err)
			}
		case syscall.SIGINT, syscall.SIGTERM:
			logging.Info("Received shutdown signal", "signal", sig.String())
			cancel()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.GracefulPeriod.Duration())
			defer stopCancel()
			return srv.Stop(stopCtx)
		}
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/omnilab/robobridge/internal/config"
	"github.com/omnilab/robobridge/internal/logging"
	"github.com/omnilab/robobridge/internal/relay"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the bridge (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("tcp-addr", "", "robot TCP listen address (overrides config)")
	cmd.Flags().String("ws-addr", "", "subscriber WebSocket listen address (overrides config)")
	cmd.Flags().String("api-addr", "", "admin API listen address (overrides config)")
	cmd.Flags().String("log-level", "", "log level: debug, info, warn or error (overrides config)")
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args)

	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}

	logger, closer := logging.New(cfg.Logging)
	defer func() { _ = closer.Close() }()

	r, err := relay.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize bridge: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("robobridge starting", "version", version, "config", configPath,
		"tcp_addr", cfg.Server.TCPAddr, "ws_addr", cfg.Server.WSAddr, "api_addr", cfg.Server.APIAddr)

	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bridge error", "error", err)
		return err
	}
	logger.Info("robobridge stopped")
	return nil
}

// loadConfig reads configPath (a missing file yields defaults) and applies
// flag overrides.
func loadConfig(cmd *cobra.Command, configPath string) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	overrides := map[string]*string{
		"tcp-addr":  &cfg.Server.TCPAddr,
		"ws-addr":   &cfg.Server.WSAddr,
		"api-addr":  &cfg.Server.APIAddr,
		"log-level": &cfg.Logging.Level,
	}
	for name, dst := range overrides {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

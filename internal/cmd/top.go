package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/omnilab/robobridge/internal/config"
	"github.com/omnilab/robobridge/internal/tui"
)

func newTopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Live dashboard of a running bridge",
		Long: "top polls the admin API of a running bridge. When stdout is not a terminal " +
			"it prints one snapshot and exits.",
		RunE: runTop,
	}
	cmd.Flags().String("api", "", "admin API base URL (default: derived from config api_addr)")
	cmd.Flags().Duration("interval", 2*time.Second, "refresh interval")
	return cmd
}

func runTop(cmd *cobra.Command, args []string) error {
	apiURL, _ := cmd.Flags().GetString("api")
	interval, _ := cmd.Flags().GetDuration("interval")

	if apiURL == "" {
		cfg, err := config.LoadOrDefault(resolveConfigPath(cmd, args))
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		apiURL = apiBaseURL(cfg.Server.APIAddr)
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		snap, err := tui.NewClient(apiURL).Snapshot(ctx)
		if err != nil {
			return err
		}
		tui.Print(cmd.OutOrStdout(), snap)
		return nil
	}
	return tui.Run(apiURL, interval)
}

// apiBaseURL turns a listen address into a URL a local client can dial.
func apiBaseURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

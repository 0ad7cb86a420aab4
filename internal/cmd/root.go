package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

const defaultConfigPath = "robobridge.json"

// NewRootCmd creates the root cobra command for robobridge.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "robobridge",
		Short: "robobridge relays robot TCP telemetry to WebSocket subscribers",
		Long: "robobridge accepts newline-delimited JSON from robots over TCP, fans it out to " +
			"WebSocket subscribers and tunnels firmware chunks to robots' OTA ports.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newTopCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file (.json, .toml or .yaml)")
	addRunFlags(root)

	return root
}

// resolveConfigPath returns the config path from, in order, the positional
// argument, the --config flag or the default.
func resolveConfigPath(cmd *cobra.Command, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultConfigPath
}

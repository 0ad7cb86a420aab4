package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/omnilab/robobridge/internal/config"
	"github.com/omnilab/robobridge/internal/wizard"
	"github.com/omnilab/robobridge/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")
			force, _ := cmd.Flags().GetBool("force")

			if defaults {
				if output == "" {
					output = defaultConfigPath
				}
				return writeDefaults(cmd, output, force)
			}
			if output != "" && !force {
				if _, err := os.Stat(output); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", output)
				}
			}

			p := cli.Stdio()
			p.In = cmd.InOrStdin()
			p.Out = cmd.OutOrStdout()
			_, err := wizard.New(p).Run(output)
			return err
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./robobridge.json)")
	cmd.Flags().Bool("defaults", false, "write the default config without prompting")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}

func writeDefaults(cmd *cobra.Command, path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := config.Save(path, config.Default()); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Default config written to %s\n", path)
	return nil
}

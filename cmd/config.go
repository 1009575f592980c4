package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/isee/rtsp-client/internal/config"
)

// configCmd prints the effective configuration
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long: `Resolve defaults, the config file, ISEE_* environment variables and flags,
validate the result and print it. The password is redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return printConfig(cfg, cmd.OutOrStdout())
	},
}

func init() {
	addServerFlags(configCmd.Flags())
}

func printConfig(cfg *config.Config, out io.Writer) error {
	data, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

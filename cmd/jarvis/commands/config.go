package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/najoast/jarvis/config"
)

var configFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "prints the effective configuration",
	Long:  `config prints the configuration after defaults, the config file and JARVIS_ environment variables have been applied.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		data, err := config.Marshal(cfg, config.ConfigFormat(configFormat))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	},
}

func init() {
	configCmd.Flags().StringVarP(&configFormat, "format", "f", string(config.FormatYAML), "output format (yaml or json)")
}

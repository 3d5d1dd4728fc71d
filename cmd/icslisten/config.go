package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/icsnpp-listeners/internal/config"
)

var configFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file, ICSLISTEN_*
environment variables and flags have been applied. The output is a valid
config file.

Examples:
  icslisten config show
  icslisten config show --format toml > icslisten.toml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		return config.Encode(os.Stdout, cfg, configFormat)
	},
}

func init() {
	configShowCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "Output format: yaml, toml")
	configCmd.AddCommand(configShowCmd)
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
}

var configPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the configuration after defaults and flag overrides",
	Long: `Print the configuration bastion would run with, as YAML. Use it as a
starting point for a configuration file:

  bastion config print > bastion.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd); err != nil {
			return err
		}
		fmt.Println("✓ Configuration is valid")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configPrintCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

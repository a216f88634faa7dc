package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/adw/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file to .adw/config.yaml",
	RunE:  runConfigInit,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	path := ".adw/config.yaml"
	if cfgFile != "" {
		path = cfgFile
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.Save(path, config.Defaults()); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

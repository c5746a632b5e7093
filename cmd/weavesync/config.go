package main

import (
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/weavesync/internal/config"
)

var configCmd = &cobra.Command{
	Use:         "config",
	Short:       "Inspect or create configuration",
	Annotations: map[string]string{skipClient: "true"},
}

var configInitCmd = &cobra.Command{
	Use:         "init [path]",
	Short:       "Write an example config file",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{skipClient: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "weavesync.json"
		if len(args) > 0 {
			path = args[0]
		}
		if err := config.SaveExample(path); err != nil {
			return err
		}
		printSuccess("Wrote %s", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:         "show",
	Short:       "Print the effective configuration",
	Annotations: map[string]string{skipClient: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.Account.Password != "" {
			shown.Account.Password = "********"
		}
		printJSON(shown)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)
}

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget checkpoints, tasks and stored records",
	Long: `Reset clears the sync tables and the record tables of the configured
collections, so the next check lists everything again. With --all every
table in the ledger is dropped.`,
	RunE: runReset,
}

var (
	resetAll bool
	resetYes bool
)

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().BoolVar(&resetAll, "all", false,
		"Drop every ledger table")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false,
		"Do not ask for confirmation")
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if !resetYes && !jsonOutput {
		fmt.Fprintf(os.Stderr, "Reset %s? [y/N] ", cfg.Storage.DatabasePath())
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			printInfo("Aborted")
			return nil
		}
	}

	var err error
	if resetAll {
		err = apiClient.Ledger.ResetAll(ctx)
	} else {
		err = apiClient.Sync.Reset(ctx)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "all": resetAll})
		return nil
	}
	printSuccess("Ledger reset")
	return nil
}

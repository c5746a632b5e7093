package main

import (
	"fmt"

	"github.com/spf13/cobra"

	wsync "github.com/TheMichaelB/weavesync/internal/services/sync"
)

var checkCmd = &cobra.Command{
	Use:   "check [collection...]",
	Short: "Queue the records that changed remotely",
	Long: `Check lists the ids modified since each collection's last check and
stores them as sync tasks. No records are downloaded and no passphrase is
needed.`,
	Example: `  weavesync check
  weavesync check history tabs`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context(), nil)
	defer cancel()

	if _, err := apiClient.EnsureCluster(ctx); err != nil {
		return fmt.Errorf("find cluster: %w", err)
	}

	results, err := check(cmd, args)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success": true,
			"results": results,
		})
		return nil
	}

	for _, r := range results {
		if r.IDs == 0 {
			printInfo("%s: nothing changed", r.Collection)
			continue
		}
		if r.Full() {
			printInfo("%s: listing whole collection", r.Collection)
		}
		printSuccess("%s: %s queued as %s", r.Collection,
			formatCount(r.IDs, "id", "ids"), formatCount(r.Tasks, "task", "tasks"))
	}
	return nil
}

func check(cmd *cobra.Command, collections []string) ([]*wsync.CheckResult, error) {
	if len(collections) == 0 {
		return apiClient.Sync.CheckAll(cmd.Context())
	}

	results := make([]*wsync.CheckResult, 0, len(collections))
	for _, c := range collections {
		r, err := apiClient.Sync.Check(cmd.Context(), c)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

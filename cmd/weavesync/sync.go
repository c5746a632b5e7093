package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	wsync "github.com/TheMichaelB/weavesync/internal/services/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync [collection...]",
	Short: "Download and decrypt queued records into the ledger",
	Long: `Sync unlocks the account keys, checks the collections for changes and
drains the task queue, newest batch first.

Interrupt once to stop after the current task; tasks left in the queue are
picked up by the next run. Interrupt twice to abort immediately.`,
	Example: `  weavesync sync
  weavesync sync history --no-check`,
	RunE: runSync,
}

var (
	syncPassphrase string
	syncNoCheck    bool
)

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().StringVarP(&syncPassphrase, "passphrase", "p", "",
		"Account passphrase (will prompt if not configured)")
	syncCmd.Flags().BoolVar(&syncNoCheck, "no-check", false,
		"Only drain tasks already queued")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context(), func() {
		printWarning("\nStopping after the current task, interrupt again to abort...")
		apiClient.Sync.Stop()
	})
	defer cancel()
	cmd.SetContext(ctx)

	if err := login(cmd, syncPassphrase); err != nil {
		return err
	}

	progress := NewProgressDisplay("Checking collections...")
	defer progress.Close()

	events, unsubscribe := apiClient.Sync.Subscribe(256)
	var collected []wsync.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			progress.Handle(e)
			if jsonOutput {
				collected = append(collected, e)
			}
		}
	}()

	start := time.Now()
	var (
		checks []*wsync.CheckResult
		err    error
	)
	if !syncNoCheck {
		checks, err = check(cmd, args)
	}
	if err == nil {
		err = apiClient.Sync.Start(ctx)
	}
	duration := time.Since(start)

	unsubscribe()
	<-done
	progress.Close()

	records, skipped := progress.Totals()
	if jsonOutput {
		result := map[string]interface{}{
			"success":  err == nil,
			"checks":   checks,
			"records":  records,
			"skipped":  skipped,
			"duration": duration.String(),
			"events":   collected,
		}
		if err != nil {
			result["error"] = err.Error()
		}
		printJSON(result)
		return err
	}

	fmt.Printf("\nSync summary:\n")
	fmt.Printf("   Records stored: %d\n", records)
	if skipped > 0 {
		fmt.Printf("   Unreadable records skipped: %d\n", skipped)
	}
	fmt.Printf("   Duration: %s\n", duration.Round(time.Millisecond))

	if err != nil {
		return err
	}
	printSuccess("Sync completed")
	return nil
}

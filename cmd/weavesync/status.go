package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoints, queued tasks and stored rows",
	RunE:  runStatus,
}

var statusRemote bool

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusRemote, "remote", false,
		"Include record counts from the storage service")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	statuses, err := apiClient.Sync.Status(ctx)
	if err != nil {
		return err
	}

	var remote map[string]int
	if statusRemote {
		if _, err := apiClient.EnsureCluster(ctx); err != nil {
			return fmt.Errorf("find cluster: %w", err)
		}
		if remote, err = apiClient.Remote.CollectionCounts(ctx); err != nil {
			return fmt.Errorf("collection counts: %w", err)
		}
	}

	if jsonOutput {
		result := map[string]interface{}{
			"ledger":      cfg.Storage.DatabasePath(),
			"collections": statuses,
		}
		if remote != nil {
			result["remote_counts"] = remote
		}
		printJSON(result)
		return nil
	}

	boldColor.Printf("Ledger: %s\n\n", cfg.Storage.DatabasePath())

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	header := "COLLECTION\tLAST CHECKED\tPENDING\tPROCESSED\tROWS"
	if remote != nil {
		header += "\tREMOTE"
	}
	fmt.Fprintln(w, header)

	for _, st := range statuses {
		checked := "never"
		if st.LastChecked != nil {
			checked = st.LastChecked.Local().Format(time.DateTime)
		}
		line := fmt.Sprintf("%s\t%s\t%d\t%d\t%d", st.Collection, checked, st.Pending, st.Processed, st.Rows)
		if remote != nil {
			line += fmt.Sprintf("\t%d", remote[st.Collection])
		}
		fmt.Fprintln(w, line)
	}
	return w.Flush()
}

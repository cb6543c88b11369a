package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	syncFull  bool
	syncToken string
)

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "ignore the incremental cursor and sync everything")
	syncCmd.Flags().StringVar(&syncToken, "token", "", "API token (defaults to the first configured auth token)")
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync <platform>",
	Short: "Trigger a sync on the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		client, err := newAPIClient(cfg, syncToken)
		if err != nil {
			return err
		}

		path := "/api/sync/" + args[0]
		if syncFull {
			path += "?full=1"
		}
		var resp struct {
			JobID string `json:"job_id"`
			State string `json:"state"`
		}
		if err := client.do("POST", path, &resp); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Sync queued: job %s (%s)\n", resp.JobID, resp.State)
		return nil
	},
}

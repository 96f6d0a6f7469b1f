package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reconcileCleanup bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation sweep now",
	Long: `reconcile adopts managed services that have no placement record, clears running
records whose service is gone and marks services whose tasks all failed. With --cleanup
such failed services are removed instead, releasing their name and port.`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().BoolVar(&reconcileCleanup, "cleanup", false, "remove services whose tasks all failed")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	report, err := client.Reconcile(cmd.Context(), reconcileCleanup)
	if err != nil {
		return err
	}

	if isJSONOutput() {
		return printJSON(report)
	}
	if !report.Changed() {
		fmt.Println("placements consistent with the cluster")
		return nil
	}
	fmt.Printf("adopted: %v\ncleared: %v\nerrored: %v\nremoved: %v\n",
		report.Adopted, report.Cleared, report.Errored, report.Removed)
	return nil
}

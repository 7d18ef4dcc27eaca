package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/PortNumber53/entitlement-engine/backend/internal/store"
)

var cleanupOlderThan time.Duration

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Processed event bookkeeping",
}

var eventsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete processed event records and finished notification jobs",
	Long: `Delete processed event records older than --older-than. Deliveries
older than the provider's retry horizon can no longer arrive, so their
dedup records are safe to drop. Completed and failed notification jobs
past the same age are removed as well.`,
	Example: `  billingctl events cleanup --older-than 720h`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cleanupOlderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}

		_, db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		st, err := store.New(db)
		if err != nil {
			return err
		}
		jobs, err := store.NewJobStore(db)
		if err != nil {
			return err
		}

		now := time.Now()
		events, err := st.CleanupProcessedEvents(cmd.Context(), cleanupOlderThan, now)
		if err != nil {
			return err
		}
		finished, err := jobs.CleanupFinished(cmd.Context(), cleanupOlderThan, now)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d processed events and %d finished jobs\n", events, finished)
		return nil
	},
}

func init() {
	eventsCleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 30*24*time.Hour, "minimum age of records to delete")
	eventsCmd.AddCommand(eventsCleanupCmd)
}

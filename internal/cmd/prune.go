package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/parley/internal/session"
)

var (
	pruneOlderThan time.Duration
	pruneAll       bool
	pruneDryRun    bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old archived conversations",
	Long: `Delete archived conversations whose last update is older than --older-than.

With the file backend the history directory is locked while pruning, so this
fails while a server is running on the same directory.`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	historyCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Minimum age since the last update")
	pruneCmd.Flags().BoolVar(&pruneAll, "all", false, "Also delete conversations that were never archived")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Only list what would be deleted")
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, closeStore, err := openStore(ctx, cfg, true)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
	}
	defer closeStore()

	pruned, err := session.Prune(ctx, store, session.PruneOptions{
		OlderThan:         pruneOlderThan,
		IncludeUnarchived: pruneAll,
		DryRun:            pruneDryRun,
	})
	verb := "deleted"
	if pruneDryRun {
		verb = "would delete"
	}
	for _, c := range pruned {
		fmt.Printf("%s  %s  (updated %s)\n", verb, c.ID, c.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	if err != nil {
		return err
	}
	fmt.Printf("%d conversation(s)\n", len(pruned))
	return nil
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/inercia/parley/internal/logging"
	"github.com/inercia/parley/internal/transcript"
)

var historyCmd = &cobra.Command{
	Use:   "history [conversation-id]",
	Short: "Print stored conversations",
	Long: `Without arguments, list the stored conversations. With a conversation id,
rebuild its transcript from the durable history and print it.

Reads the configured storage backend directly; the server does not need to
be running.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, closeStore, err := openStore(ctx, cfg, false)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
	}
	defer closeStore()

	if len(args) == 0 {
		convs, err := store.ListConversations(ctx)
		if err != nil {
			return err
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			archived := ""
			if c.Archived {
				archived = " (archived)"
			}
			fmt.Printf("%s  %-13s  turns: %-4d  %s%s\n",
				c.UpdatedAt.Local().Format("2006-01-02 15:04"), c.State, c.LastTurnID, c.ID, archived)
		}
		return nil
	}

	id := args[0]
	meta, err := store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	records, err := store.ReadRecords(ctx, id, 0)
	if err != nil {
		return err
	}

	logger := logging.WithConversation(logging.Client(), id, "")
	st := transcript.New(id)
	for _, rec := range records {
		next, err := transcript.Apply(st, rec.Envelope())
		if err != nil {
			logger.Warn("record skipped", "offset", rec.Offset, "type", rec.Type, "error", err)
			continue
		}
		st = next
	}

	fmt.Printf("Conversation %s (agent %s, state %s, %d records)\n", meta.ID, meta.Agent, meta.State, len(records))
	if meta.Task != nil {
		fmt.Printf("Task %s: %s\n", meta.Task.ID, meta.Task.Title)
	}
	printTranscript(os.Stdout, st)
	return nil
}

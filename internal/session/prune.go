package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PruneOptions selects the conversations Prune removes.
type PruneOptions struct {
	// OlderThan is the minimum age since the last update.
	OlderThan time.Duration
	// IncludeUnarchived also removes conversations that were never archived.
	IncludeUnarchived bool
	// DryRun reports the selection without deleting anything.
	DryRun bool
	// Now defaults to time.Now.
	Now time.Time
}

// Prune deletes the archived conversations last updated more than
// opts.OlderThan ago and returns them. A conversation that disappears
// concurrently is skipped.
func Prune(ctx context.Context, store Store, opts PruneOptions) ([]Conversation, error) {
	if opts.OlderThan < 0 {
		return nil, fmt.Errorf("invalid prune age %v", opts.OlderThan)
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := now.Add(-opts.OlderThan)

	convs, err := store.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	var pruned []Conversation
	for _, c := range convs {
		if !c.Archived && !opts.IncludeUnarchived {
			continue
		}
		if !c.UpdatedAt.Before(cutoff) {
			continue
		}
		if !opts.DryRun {
			err := store.DeleteConversation(ctx, c.ID)
			if errors.Is(err, ErrConversationNotFound) {
				continue
			}
			if err != nil {
				return pruned, fmt.Errorf("failed to delete conversation %s: %w", c.ID, err)
			}
		}
		pruned = append(pruned, c)
	}
	return pruned, nil
}

package client

import (
	"log/slog"
	"sync"

	"github.com/inercia/parley/internal/logging"
	"github.com/inercia/parley/internal/protocol"
	"github.com/inercia/parley/internal/transcript"
)

// Reconciler folds the envelopes of one conversation into a transcript.State,
// dropping every envelope whose sequence was already applied. Its checkpoint is
// the resume point of the next connection.
type Reconciler struct {
	mu     sync.Mutex
	state  transcript.State
	last   int64
	logger *slog.Logger
}

// NewReconciler returns a reconciler with an empty transcript.
func NewReconciler(conversationID string, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = logging.Client()
	}
	return &Reconciler{state: transcript.New(conversationID), logger: logger}
}

// Apply folds env. It reports whether env was applied; duplicates and
// envelopes that fail to apply leave the state unchanged.
//
// session.connected starts a new stream: the transcript is reset and the
// checkpoint follows the new stream. A message.replay keeps the sequence of
// the envelope it wraps when resuming and carries a fresh one during a resync,
// so both pass the same check.
func (r *Reconciler) Apply(env protocol.Envelope) (transcript.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if env.Type != protocol.TypeSessionConnected && env.Sequence <= r.last {
		r.logger.Debug("duplicate envelope dropped", "type", env.Type, "sequence", env.Sequence, "checkpoint", r.last)
		return r.state, false
	}
	r.last = env.Sequence

	next, err := transcript.Apply(r.state, env)
	if err != nil {
		r.logger.Warn("envelope dropped", "type", env.Type, "sequence", env.Sequence, "error", err)
		return r.state, false
	}
	r.state = next
	return r.state, true
}

// Update replaces the state with fn's result, for local actions such as
// placeholders and answers.
func (r *Reconciler) Update(fn func(transcript.State) (transcript.State, error)) (transcript.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, err := fn(r.state)
	r.state = next
	return next, err
}

// State returns the current reconstruction.
func (r *Reconciler) State() transcript.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Checkpoint returns the sequence of the last applied envelope.
func (r *Reconciler) Checkpoint() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

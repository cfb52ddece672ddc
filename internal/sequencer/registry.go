package sequencer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/parley/internal/protocol"
)

// DefaultIdleExpiry is how long a detached stream is kept for a reconnect.
const DefaultIdleExpiry = 10 * time.Minute

// Config tunes a Registry.
type Config struct {
	// Retention is the replay log size of each stream.
	Retention int
	// IdleExpiry is how long a detached stream survives.
	IdleExpiry time.Duration
}

// Attachment is the outcome of attaching a connection to a stream.
type Attachment struct {
	Stream *Stream
	// Resumed is true when the client's checkpoint was honoured; Replay then
	// holds every envelope it missed. When false the stream is new and the
	// caller must resync the client from durable history.
	Resumed bool
	Replay  []protocol.Envelope
}

type streamKey struct {
	conversationID string
	clientID       string
}

// Registry owns the streams of every conversation.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	streams map[streamKey]*Stream
}

// NewRegistry creates a registry. A nil logger discards logs.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.IdleExpiry <= 0 {
		cfg.IdleExpiry = DefaultIdleExpiry
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		streams: make(map[streamKey]*Stream),
	}
}

// Attach binds a connection to the client's stream. A known stream whose log
// still covers lastSequence is resumed; otherwise a new stream starting above
// lastSequence replaces it.
func (r *Registry) Attach(conversationID, clientID string, lastSequence int64) Attachment {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := streamKey{conversationID, clientID}
	if s, ok := r.streams[key]; ok && lastSequence > 0 && lastSequence <= s.Last() {
		replay, err := s.Since(lastSequence)
		if err == nil {
			s.setAttached(true, r.now())
			r.logger.Debug("stream resumed",
				"conversation_id", conversationID,
				"client_id", clientID,
				"last_sequence", lastSequence,
				"replay_count", len(replay))
			return Attachment{Stream: s, Resumed: true, Replay: replay}
		}
		r.logger.Info("replay log gap, resyncing",
			"conversation_id", conversationID,
			"client_id", clientID,
			"last_sequence", lastSequence,
			"error", err)
	}

	s := NewStream(conversationID, clientID, lastSequence, r.cfg.Retention)
	s.setAttached(true, r.now())
	r.streams[key] = s
	return Attachment{Stream: s}
}

// Detach marks the stream as having no connection. It keeps receiving
// envelopes until it expires.
func (r *Registry) Detach(s *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.streams[streamKey{s.conversationID, s.clientID}]; ok && cur == s {
		s.setAttached(false, r.now())
	}
}

// Streams returns every live stream of a conversation.
func (r *Registry) Streams(conversationID string) []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Stream
	for k, s := range r.streams {
		if k.conversationID == conversationID {
			out = append(out, s)
		}
	}
	return out
}

// Lookup returns the current stream of a client.
func (r *Registry) Lookup(conversationID, clientID string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[streamKey{conversationID, clientID}]
	return s, ok
}

// Expire drops detached streams idle for longer than the configured expiry and
// returns how many were removed.
func (r *Registry) Expire() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for k, s := range r.streams {
		if idle, detached := s.idleSince(now); detached && idle > r.cfg.IdleExpiry {
			delete(r.streams, k)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("expired idle streams", "count", removed)
	}
	return removed
}

// Run expires idle streams periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	interval := r.cfg.IdleExpiry / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Expire()
		}
	}
}

// Package sequencer assigns per-connection sequence numbers and keeps the
// replay log used to resume a connection after a disconnect.
//
// A Stream belongs to one (conversation, client) pair. It outlives the physical
// connection: envelopes produced while the client is away are still stamped and
// retained, and a reconnect with last_sequence = N receives every retained
// envelope above N in order. When the log no longer covers N+1 the caller must
// fall back to a full resync.
package sequencer

import (
	"errors"
	"sync"
	"time"

	"github.com/inercia/parley/internal/protocol"
)

// ErrGap is returned by Since when the retained log does not reach back to the
// requested checkpoint.
var ErrGap = errors.New("replay log does not cover checkpoint")

// DefaultRetention is the number of envelopes a stream keeps for replay.
const DefaultRetention = 4096

// Stream is the delivery stream of one client on one conversation.
type Stream struct {
	conversationID string
	clientID       string

	mu   sync.Mutex
	base int64 // sequences issued by this stream start at base+1
	next int64

	// ring buffer of the most recently stamped envelopes
	ring      []protocol.Envelope
	start     int
	count     int
	retention int

	attached   bool
	detachedAt time.Time
}

// NewStream creates a stream whose first sequence is lastSequence+1.
func NewStream(conversationID, clientID string, lastSequence int64, retention int) *Stream {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if lastSequence < 0 {
		lastSequence = 0
	}
	return &Stream{
		conversationID: conversationID,
		clientID:       clientID,
		base:           lastSequence,
		next:           lastSequence + 1,
		ring:           make([]protocol.Envelope, retention),
		retention:      retention,
	}
}

// ConversationID returns the conversation the stream delivers.
func (s *Stream) ConversationID() string { return s.conversationID }

// ClientID returns the client the stream delivers to.
func (s *Stream) ClientID() string { return s.clientID }

// Stamp assigns the next sequence number to env, retains it for replay and
// returns the stamped copy.
func (s *Stream) Stamp(env protocol.Envelope) protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	env.ConversationID = s.conversationID
	env.Sequence = s.next
	s.next++

	size := len(s.ring)
	if s.count < size {
		s.ring[(s.start+s.count)%size] = env
		s.count++
	} else {
		s.ring[s.start] = env
		s.start = (s.start + 1) % size
	}
	return env
}

// Reserve grows the replay log so that the next n stamped envelopes stay
// retained together with a full retention window after them. A client that
// drops in the middle of a long history resync can then resume from its
// checkpoint instead of starting over.
func (s *Stream) Reserve(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	need := s.count + n + s.retention
	if n <= 0 || need <= len(s.ring) {
		return
	}
	ring := make([]protocol.Envelope, need)
	for i := 0; i < s.count; i++ {
		ring[i] = s.ring[(s.start+i)%len(s.ring)]
	}
	s.ring = ring
	s.start = 0
}

// Last returns the highest sequence issued, or the starting checkpoint when
// nothing has been stamped yet.
func (s *Stream) Last() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next - 1
}

// Since returns every retained envelope with a sequence greater than after,
// in increasing order.
func (s *Stream) Since(after int64) ([]protocol.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if after >= s.next-1 {
		return nil, nil
	}
	if after < s.base {
		return nil, ErrGap
	}
	if s.count == 0 {
		return nil, ErrGap
	}
	oldest := s.ring[s.start].Sequence
	if after+1 < oldest {
		return nil, ErrGap
	}

	size := len(s.ring)
	skip := int(after + 1 - oldest)
	out := make([]protocol.Envelope, 0, s.count-skip)
	for i := skip; i < s.count; i++ {
		out = append(out, s.ring[(s.start+i)%size])
	}
	return out, nil
}

// Attached reports whether a connection currently consumes the stream.
func (s *Stream) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

func (s *Stream) setAttached(attached bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = attached
	if !attached {
		s.detachedAt = now
	}
}

func (s *Stream) idleSince(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return 0, false
	}
	return now.Sub(s.detachedAt), true
}

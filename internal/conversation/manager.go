package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/parley/internal/agent"
	"github.com/inercia/parley/internal/logging"
	"github.com/inercia/parley/internal/protocol"
	"github.com/inercia/parley/internal/sequencer"
	"github.com/inercia/parley/internal/session"
	"github.com/inercia/parley/internal/telemetry"
)

var (
	// ErrClosed is returned once the manager is shutting down.
	ErrClosed = errors.New("conversation manager closed")
	// ErrUnknownTask is returned by a TaskSource for ids it does not know.
	ErrUnknownTask = errors.New("unknown task")
)

const (
	// DefaultQueueLimit bounds the messages waiting behind an in-flight turn.
	DefaultQueueLimit = 10
	// DefaultIdleTimeout is how long a conversation with no client and no
	// running turn stays loaded.
	DefaultIdleTimeout = 15 * time.Minute
)

// TaskSource resolves the task a new conversation is linked to. Unknown ids
// yield an error wrapping ErrUnknownTask.
type TaskSource interface {
	Task(ctx context.Context, id string) (*session.Task, error)
}

// Options configures a Manager.
type Options struct {
	// QueueLimit caps the durable queue of each conversation. Zero means
	// DefaultQueueLimit; negative means unlimited.
	QueueLimit int
	// HeartbeatInterval is advertised to clients in session.connected.
	HeartbeatInterval time.Duration
	// IdleTimeout unloads conversations nobody uses. Zero means
	// DefaultIdleTimeout; negative keeps them loaded until Close.
	IdleTimeout time.Duration
	// AgentName is recorded on new conversations.
	AgentName   string
	Tasks       TaskSource
	Instruments *telemetry.Instruments
	Logger      *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager owns the live conversations of a server.
type Manager struct {
	store    session.Store
	registry *sequencer.Registry
	engines  agent.Factory
	opts     Options
	inst     *telemetry.Instruments
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	convs  map[string]*Conversation
	closed bool
}

// NewManager creates a manager backed by store. Envelopes are sequenced per
// client through registry and engines creates the engine of each conversation.
func NewManager(store session.Store, registry *sequencer.Registry, engines agent.Factory, opts Options) *Manager {
	switch {
	case opts.QueueLimit == 0:
		opts.QueueLimit = DefaultQueueLimit
	case opts.QueueLimit < 0:
		opts.QueueLimit = 0
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Instruments == nil {
		opts.Instruments = telemetry.Noop()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Conversation()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		registry: registry,
		engines:  engines,
		opts:     opts,
		inst:     opts.Instruments,
		logger:   opts.Logger,
		now:      opts.Now,
		ctx:      ctx,
		cancel:   cancel,
		convs:    make(map[string]*Conversation),
	}
}

// Open returns the live conversation with id, loading it from the store or
// preparing a new one. A new conversation is only persisted once it accepts
// its first message; taskID links it to a task and is ignored for existing
// conversations.
func (m *Manager) Open(ctx context.Context, id, taskID string) (*Conversation, error) {
	if !protocol.ValidID(id) {
		return nil, fmt.Errorf("%w: %q", session.ErrInvalidConversationID, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if c, ok := m.convs[id]; ok {
		c.touch()
		return c, nil
	}

	meta, err := m.store.GetConversation(ctx, id)
	switch {
	case err == nil:
		if meta.State.InFlight() {
			meta = m.recover(meta)
		}
		c := newConversation(m, meta, true)
		m.convs[id] = c
		m.logger.Debug("conversation loaded", "conversation_id", id, "state", meta.State, "records", meta.RecordCount)
		return c, nil

	case errors.Is(err, session.ErrConversationNotFound):
		meta = session.Conversation{
			ID:    id,
			Agent: m.opts.AgentName,
			State: protocol.StateActive,
		}
		if taskID != "" && m.opts.Tasks != nil {
			task, err := m.opts.Tasks.Task(ctx, taskID)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve task %q: %w", taskID, err)
			}
			meta.Task = task
		}
		c := newConversation(m, meta, false)
		m.convs[id] = c
		return c, nil

	default:
		return nil, fmt.Errorf("failed to load conversation %q: %w", id, err)
	}
}

// recover fails a turn that was in flight when the server stopped. The
// failure is persisted on the assistant turn so every client sees it.
func (m *Manager) recover(meta session.Conversation) session.Conversation {
	logger := logging.WithConversation(m.logger, meta.ID, "")
	turnID := meta.LastTurnID
	if turnID%2 == 1 {
		turnID++
	}
	env, err := protocol.New(protocol.TypeSessionError, meta.ID, protocol.ErrorPayload{
		Code:    protocol.CodeTurnFailed,
		Message: "server restarted while the turn was running",
	})
	if err == nil {
		env.Timestamp = m.now().UTC()
		env.TraceID = protocol.NewTraceID()
		env = env.WithTurn(turnID)
		if _, err := m.store.AppendRecord(m.ctx, session.RecordOf(env)); err != nil {
			logger.Error("failed to persist interrupted turn", "error", err)
		}
	}

	previous := meta.State
	meta.State = protocol.StateError
	meta.LastTurnID = turnID
	if err := m.store.UpdateConversation(m.ctx, meta.ID, func(c *session.Conversation) {
		c.State = protocol.StateError
		c.LastTurnID = turnID
	}); err != nil {
		logger.Error("failed to persist recovered state", "error", err)
	}
	logger.Warn("failed turn interrupted by restart", "turn_id", turnID, "previous_state", previous)
	return meta
}

// Get returns a live conversation without touching the store.
func (m *Manager) Get(id string) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	return c, ok
}

// Len returns the number of live conversations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convs)
}

// List returns the stored conversations, most recently updated first.
func (m *Manager) List(ctx context.Context) ([]session.Conversation, error) {
	return m.store.ListConversations(ctx)
}

// History returns the stored records of a conversation.
func (m *Manager) History(ctx context.Context, id string) ([]session.Record, error) {
	if _, err := m.store.GetConversation(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ReadRecords(ctx, id, 0)
}

// Archive marks a conversation archived. Archived conversations keep their
// history but reject new messages.
func (m *Manager) Archive(ctx context.Context, id string) error {
	if c, ok := m.Get(id); ok {
		return c.archive()
	}
	return m.store.UpdateConversation(ctx, id, func(c *session.Conversation) { c.Archived = true })
}

// Evict unloads the conversations that have had no client and no running turn
// for IdleTimeout, closes their engines and returns how many were unloaded.
// Their history stays in the store and the next Open loads them again.
func (m *Manager) Evict() int {
	if m.opts.IdleTimeout <= 0 {
		return 0
	}
	now := m.now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0
	}
	var engines []agent.Engine
	evicted := 0
	for id, c := range m.convs {
		e, ok := c.evictIfIdle(now, m.opts.IdleTimeout)
		if !ok {
			continue
		}
		delete(m.convs, id)
		evicted++
		if e != nil {
			engines = append(engines, e)
		}
	}
	m.mu.Unlock()

	for _, e := range engines {
		if err := e.Close(); err != nil {
			m.logger.Warn("failed to close engine of idle conversation", "error", err)
		}
	}
	if evicted > 0 {
		m.logger.Debug("unloaded idle conversations", "count", evicted, "live", m.Len())
	}
	return evicted
}

// Run evicts idle conversations periodically until ctx is done or the manager
// closes.
func (m *Manager) Run(ctx context.Context) {
	if m.opts.IdleTimeout <= 0 {
		return
	}
	interval := m.opts.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Evict()
		}
	}
}

// ProcessPendingQueues starts the queued messages left over by a previous run
// and returns the number of conversations that had any.
func (m *Manager) ProcessPendingQueues(ctx context.Context) (int, error) {
	convs, err := m.store.ListConversations(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, meta := range convs {
		if meta.Archived {
			continue
		}
		pending, err := m.store.QueueLen(ctx, meta.ID)
		if err != nil {
			m.logger.Warn("failed to read queue", "conversation_id", meta.ID, "error", err)
			continue
		}
		if pending == 0 {
			continue
		}
		c, err := m.Open(ctx, meta.ID, "")
		if err != nil {
			return n, err
		}
		c.drain()
		n++
		m.logger.Info("processing pending queue", "conversation_id", meta.ID, "pending", pending)
	}
	return n, nil
}

// Close cancels running turns, waits for their engines to return and closes
// every engine. The store and registry are left to the caller.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	convs := make([]*Conversation, 0, len(m.convs))
	for _, c := range m.convs {
		convs = append(convs, c)
	}
	m.mu.Unlock()

	engines := make([]agent.Engine, 0, len(convs))
	for _, c := range convs {
		if e := c.close(); e != nil {
			engines = append(engines, e)
		}
	}
	m.cancel()
	m.wg.Wait()

	var errs []error
	for _, e := range engines {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Info("conversation manager closed", "conversations", len(convs))
	return errors.Join(errs...)
}

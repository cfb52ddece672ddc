package client

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/parley/internal/logging"
	"github.com/inercia/parley/internal/protocol"
	"github.com/inercia/parley/internal/transcript"
)

var (
	// ErrEmptyMessage is returned by Send for blank content.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNotInterruptible is returned by Interrupt when no turn is in flight.
	ErrNotInterruptible = errors.New("no turn to interrupt")
)

// Options configures a Session.
type Options struct {
	BaseURL        string
	ConversationID string
	// ClientID identifies this client across reconnects; generated when empty.
	ClientID string
	TaskID   string
	// Codec is the preferred subprotocol; the other one is offered after it.
	Codec             string
	HeartbeatInterval time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration

	// OnUpdate is called with the new state after every applied envelope or
	// local action.
	OnUpdate func(transcript.State)
	// OnError is called for every session.error received.
	OnError  func(protocol.ErrorPayload)
	OnStatus func(Status, error)

	Logger *slog.Logger
}

// Session is a client of one conversation.
type Session struct {
	opts   Options
	conn   *Conn
	rec    *Reconciler
	logger *slog.Logger

	mu      sync.Mutex
	changed chan struct{}
}

// NewSession creates a session. Call Run to connect.
func NewSession(opts Options) *Session {
	if opts.ClientID == "" {
		opts.ClientID = "client-" + protocol.NewID()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Client()
	}
	s := &Session{
		opts:    opts,
		rec:     NewReconciler(opts.ConversationID, opts.Logger),
		logger:  logging.WithConversation(opts.Logger, opts.ConversationID, opts.ClientID),
		changed: make(chan struct{}),
	}
	s.conn = NewConn(ConnConfig{
		BaseURL:           opts.BaseURL,
		ConversationID:    opts.ConversationID,
		ClientID:          opts.ClientID,
		TaskID:            opts.TaskID,
		Subprotocols:      preferred(opts.Codec),
		HeartbeatInterval: opts.HeartbeatInterval,
		BackoffMin:        opts.BackoffMin,
		BackoffMax:        opts.BackoffMax,
		Checkpoint:        s.rec.Checkpoint,
		Handle:            s.handle,
		OnStatus:          opts.OnStatus,
		Logger:            opts.Logger,
	})
	return s
}

func preferred(codec string) []string {
	if codec == "" {
		return protocol.Subprotocols
	}
	out := []string{codec}
	for _, p := range protocol.Subprotocols {
		if p != codec {
			out = append(out, p)
		}
	}
	return out
}

// ClientID returns the id the session connects with.
func (s *Session) ClientID() string { return s.opts.ClientID }

// Run keeps the session connected until ctx is cancelled or Close is called.
// It returns ErrProtocolUnsupported when the server does not speak the
// protocol.
func (s *Session) Run(ctx context.Context) error {
	return s.conn.Run(ctx)
}

// Close stops accepting commands and ends Run.
func (s *Session) Close() { s.conn.Close() }

// Status returns the connectivity of the session.
func (s *Session) Status() Status { return s.conn.Status() }

// Pending returns the number of commands the server has not acknowledged yet.
func (s *Session) Pending() int { return s.conn.Pending() }

// State returns the current transcript.
func (s *Session) State() transcript.State { return s.rec.State() }

// Checkpoint returns the last applied sequence.
func (s *Session) Checkpoint() int64 { return s.rec.Checkpoint() }

func (s *Session) handle(env protocol.Envelope) {
	st, applied := s.rec.Apply(env)
	if !applied {
		return
	}
	if env.Type == protocol.TypeSessionError {
		var p protocol.ErrorPayload
		if err := env.DecodePayload(&p); err == nil {
			s.logger.Debug("server error", "code", p.Code, "message", p.Message, "ref_type", p.RefType)
			if s.opts.OnError != nil {
				s.opts.OnError(p)
			}
		}
	}
	s.notify(st)
}

func (s *Session) notify(st transcript.State) {
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
	if s.opts.OnUpdate != nil {
		s.opts.OnUpdate(st)
	}
}

// Send shows content as a placeholder and queues it for the server. It
// returns the temporary id the server's acknowledgment will carry.
func (s *Session) Send(content string, metadata map[string]any) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyMessage
	}
	tempID := "tmp-" + uuid.NewString()
	st, _ := s.rec.Update(func(st transcript.State) (transcript.State, error) {
		return transcript.AddPlaceholder(st, tempID, content, metadata), nil
	})
	s.notify(st)
	err := s.conn.Send(protocol.TypeUserMessage, protocol.UserMessagePayload{
		Content:  content,
		Metadata: metadata,
		TempID:   tempID,
	})
	return tempID, err
}

// Answer replies to an input request. Answers the card cannot accept are
// rejected locally and annotate the card; a card that is not awaiting an
// answer makes Answer a no-op returning transcript.ErrNotAwaiting.
func (s *Session) Answer(questionID, answer string, resumeTask bool) error {
	st, err := s.rec.Update(func(st transcript.State) (transcript.State, error) {
		return transcript.SubmitAnswer(st, questionID, answer, resumeTask)
	})
	if err != nil {
		if !errors.Is(err, transcript.ErrNotAwaiting) && !errors.Is(err, transcript.ErrUnknownQuestion) {
			s.notify(st)
		}
		return err
	}
	s.notify(st)
	return s.conn.Send(protocol.TypeInputResponse, protocol.InputResponsePayload{
		QuestionID: questionID,
		Answer:     answer,
		ResumeTask: resumeTask,
	})
}

// Interrupt asks the server to cancel the running turn.
func (s *Session) Interrupt() error {
	if !s.rec.State().CanInterrupt() {
		return ErrNotInterruptible
	}
	return s.conn.Send(protocol.TypeInterrupt, protocol.Empty{})
}

// Wait blocks until cond holds for the state or ctx is done.
func (s *Session) Wait(ctx context.Context, cond func(transcript.State) bool) (transcript.State, error) {
	for {
		s.mu.Lock()
		ch := s.changed
		s.mu.Unlock()

		st := s.rec.State()
		if cond(st) {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ch:
		}
	}
}

// TurnDone reports whether the last turn is a finished assistant turn, the
// session is back out of its in-flight states and no message is waiting to be
// accepted. assistant.complete arrives before the session.state that ends the
// turn, so the turn alone is not enough.
func TurnDone(st transcript.State) bool {
	if st.Session.InFlight() {
		return false
	}
	t, ok := st.LastTurn()
	if !ok || t.Role != transcript.RoleAssistant || t.Open {
		return false
	}
	for _, p := range st.Pending {
		if p.Status != transcript.PlaceholderFailed {
			return false
		}
	}
	return true
}

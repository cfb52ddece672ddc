// Package postgres implements session.Store using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inercia/parley/internal/protocol"
	"github.com/inercia/parley/internal/session"
)

// uniqueViolation is the SQLSTATE of a unique constraint violation.
const uniqueViolation = "23505"

// Store implements session.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ session.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to dsn and returns a Store owning the pool; Close closes it.
func Open(ctx context.Context, dsn string) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return New(pool), pool.Close, nil
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL DEFAULT '',
			task JSONB,
			state TEXT NOT NULL,
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			last_turn_id BIGINT NOT NULL DEFAULT 0,
			record_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS records (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			position BIGINT NOT NULL,
			turn_id BIGINT,
			type TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			trace_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (conversation_id, position)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_turn ON records(conversation_id, turn_id)`,
		`CREATE TABLE IF NOT EXISTS queued_messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			metadata JSONB,
			temp_id TEXT NOT NULL DEFAULT '',
			client_id TEXT NOT NULL DEFAULT '',
			trace_id TEXT NOT NULL DEFAULT '',
			queued_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_conversation ON queued_messages(conversation_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// --- Conversations ---

const conversationColumns = `id, agent, task, state, archived, last_turn_id, record_count, created_at, updated_at`

func scanConversation(row pgx.Row) (session.Conversation, error) {
	var (
		c     session.Conversation
		task  []byte
		state string
	)
	err := row.Scan(&c.ID, &c.Agent, &task, &state, &c.Archived, &c.LastTurnID, &c.RecordCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return session.Conversation{}, err
	}
	if len(task) > 0 {
		c.Task = &session.Task{}
		if err := json.Unmarshal(task, c.Task); err != nil {
			return session.Conversation{}, fmt.Errorf("decode task: %w", err)
		}
	}
	c.State = protocol.SessionState(state)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (s *Store) CreateConversation(ctx context.Context, c session.Conversation) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	var task []byte
	if c.Task != nil {
		task, _ = json.Marshal(c.Task)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)`,
		c.ID, c.Agent, task, string(c.State), c.Archived, c.LastTurnID, c.CreatedAt, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return session.ErrConversationExists
		}
		return fmt.Errorf("postgres: create conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (session.Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Conversation{}, session.ErrConversationNotFound
	}
	if err != nil {
		return session.Conversation{}, fmt.Errorf("postgres: get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) UpdateConversation(ctx context.Context, id string, fn func(*session.Conversation)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	c, err := scanConversation(tx.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return session.ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: get conversation: %w", err)
	}
	fn(&c)
	var task []byte
	if c.Task != nil {
		task, _ = json.Marshal(c.Task)
	}
	_, err = tx.Exec(ctx,
		`UPDATE conversations SET agent = $1, task = $2, state = $3, archived = $4, last_turn_id = $5, updated_at = $6 WHERE id = $7`,
		c.Agent, task, string(c.State), c.Archived, c.LastTurnID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("postgres: update conversation: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) ListConversations(ctx context.Context) ([]session.Conversation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+conversationColumns+` FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	defer rows.Close()

	var out []session.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation relies on ON DELETE CASCADE for records and queue.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrConversationNotFound
	}
	return nil
}

// --- Records ---

func (s *Store) AppendRecord(ctx context.Context, rec session.Record) (session.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return session.Record{}, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The row lock orders concurrent appends to the same conversation.
	var count, lastTurn int64
	err = tx.QueryRow(ctx,
		`SELECT record_count, last_turn_id FROM conversations WHERE id = $1 FOR UPDATE`,
		rec.ConversationID).Scan(&count, &lastTurn)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Record{}, session.ErrConversationNotFound
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("postgres: read record count: %w", err)
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Offset = count + 1
	if rec.TurnID != nil && *rec.TurnID > lastTurn {
		lastTurn = *rec.TurnID
	}
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO records (conversation_id, position, turn_id, type, created_at, trace_id, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ConversationID, rec.Offset, rec.TurnID, string(rec.Type), rec.Timestamp, rec.TraceID, []byte(payload))
	if err != nil {
		return session.Record{}, fmt.Errorf("postgres: insert record: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE conversations SET record_count = $1, last_turn_id = $2, updated_at = $3 WHERE id = $4`,
		rec.Offset, lastTurn, time.Now().UTC(), rec.ConversationID)
	if err != nil {
		return session.Record{}, fmt.Errorf("postgres: update record count: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return session.Record{}, fmt.Errorf("postgres: commit: %w", err)
	}
	return rec, nil
}

func (s *Store) ReadRecords(ctx context.Context, conversationID string, after int64) ([]session.Record, error) {
	if err := s.exists(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.queryRecords(ctx,
		`SELECT conversation_id, position, turn_id, type, created_at, trace_id, payload
		 FROM records WHERE conversation_id = $1 AND position > $2 ORDER BY position`,
		conversationID, after)
}

func (s *Store) ReadTurn(ctx context.Context, conversationID string, turnID int64) ([]session.Record, error) {
	if err := s.exists(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.queryRecords(ctx,
		`SELECT conversation_id, position, turn_id, type, created_at, trace_id, payload
		 FROM records WHERE conversation_id = $1 AND turn_id = $2 ORDER BY position`,
		conversationID, turnID)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]session.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: read records: %w", err)
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		var (
			rec     session.Record
			typ     string
			payload []byte
		)
		if err := rows.Scan(&rec.ConversationID, &rec.Offset, &rec.TurnID, &typ, &rec.Timestamp, &rec.TraceID, &payload); err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}
		rec.Type = protocol.Type(typ)
		rec.Timestamp = rec.Timestamp.UTC()
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) exists(ctx context.Context, id string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM conversations WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: lookup conversation: %w", err)
	}
	return nil
}

// --- Queue ---

func (s *Store) Enqueue(ctx context.Context, conversationID string, msg session.QueuedMessage, maxSize int) (session.QueuedMessage, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return session.QueuedMessage{}, 0, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Lock the conversation so the size check and insert are atomic.
	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM conversations WHERE id = $1 FOR UPDATE`, conversationID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.QueuedMessage{}, 0, session.ErrConversationNotFound
	}
	if err != nil {
		return session.QueuedMessage{}, 0, fmt.Errorf("postgres: lookup conversation: %w", err)
	}

	var n int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM queued_messages WHERE conversation_id = $1`, conversationID).Scan(&n); err != nil {
		return session.QueuedMessage{}, 0, fmt.Errorf("postgres: count queue: %w", err)
	}
	if maxSize > 0 && n >= maxSize {
		return session.QueuedMessage{}, 0, session.ErrQueueFull
	}

	if msg.ID == "" {
		msg.ID = protocol.NewID()
	}
	if msg.QueuedAt.IsZero() {
		msg.QueuedAt = time.Now().UTC()
	}
	var meta []byte
	if msg.Metadata != nil {
		if meta, err = encodeJSON(msg.Metadata); err != nil {
			return session.QueuedMessage{}, 0, fmt.Errorf("postgres: encode metadata: %w", err)
		}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO queued_messages (id, conversation_id, content, metadata, temp_id, client_id, trace_id, queued_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, conversationID, msg.Content, meta, msg.TempID, msg.ClientID, msg.TraceID, msg.QueuedAt)
	if err != nil {
		return session.QueuedMessage{}, 0, fmt.Errorf("postgres: enqueue: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return session.QueuedMessage{}, 0, fmt.Errorf("postgres: commit: %w", err)
	}
	return msg, n + 1, nil
}

func (s *Store) Dequeue(ctx context.Context, conversationID string) (session.QueuedMessage, error) {
	if err := s.exists(ctx, conversationID); err != nil {
		return session.QueuedMessage{}, err
	}

	var (
		msg  session.QueuedMessage
		meta []byte
	)
	err := s.pool.QueryRow(ctx,
		`DELETE FROM queued_messages WHERE seq = (
			SELECT seq FROM queued_messages WHERE conversation_id = $1
			ORDER BY seq LIMIT 1 FOR UPDATE SKIP LOCKED
		) RETURNING id, content, metadata, temp_id, client_id, trace_id, queued_at`,
		conversationID).Scan(&msg.ID, &msg.Content, &meta, &msg.TempID, &msg.ClientID, &msg.TraceID, &msg.QueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.QueuedMessage{}, session.ErrQueueEmpty
	}
	if err != nil {
		return session.QueuedMessage{}, fmt.Errorf("postgres: dequeue: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &msg.Metadata); err != nil {
			return session.QueuedMessage{}, fmt.Errorf("postgres: decode metadata: %w", err)
		}
	}
	msg.QueuedAt = msg.QueuedAt.UTC()
	return msg, nil
}

func (s *Store) QueueLen(ctx context.Context, conversationID string) (int, error) {
	if err := s.exists(ctx, conversationID); err != nil {
		return 0, err
	}
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queued_messages WHERE conversation_id = $1`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count queue: %w", err)
	}
	return n, nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *Store) Close() error { return nil }

// Package sqlite implements session.Store using pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/inercia/parley/internal/protocol"
	"github.com/inercia/parley/internal/session"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a SQLite Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements session.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ session.Store = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath.
// All goroutines serialize through a single connection so concurrent writers
// never see SQLITE_BUSY.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s, nil
}

// Init creates all required tables. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL DEFAULT '',
			task TEXT,
			state TEXT NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0,
			last_turn_id INTEGER NOT NULL DEFAULT 0,
			record_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS records (
			conversation_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			turn_id INTEGER,
			type TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			trace_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (conversation_id, position)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_turn ON records(conversation_id, turn_id)`,
		`CREATE TABLE IF NOT EXISTS queued_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			temp_id TEXT NOT NULL DEFAULT '',
			client_id TEXT NOT NULL DEFAULT '',
			trace_id TEXT NOT NULL DEFAULT '',
			queued_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_conversation ON queued_messages(conversation_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	s.logger.Debug("sqlite: init done")
	return nil
}

// --- Conversations ---

const conversationColumns = `id, agent, task, state, archived, last_turn_id, record_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (session.Conversation, error) {
	var (
		c                    session.Conversation
		task                 sql.NullString
		state                string
		archived             int
		createdAt, updatedAt int64
	)
	err := row.Scan(&c.ID, &c.Agent, &task, &state, &archived, &c.LastTurnID, &c.RecordCount, &createdAt, &updatedAt)
	if err != nil {
		return session.Conversation{}, err
	}
	if task.Valid && task.String != "" {
		c.Task = &session.Task{}
		if err := json.Unmarshal([]byte(task.String), c.Task); err != nil {
			return session.Conversation{}, fmt.Errorf("decode task: %w", err)
		}
	}
	c.State = protocol.SessionState(state)
	c.Archived = archived != 0
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	c.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return c, nil
}

func encodeTask(t *session.Task) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	data, _ := json.Marshal(t)
	return sql.NullString{String: string(data), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) CreateConversation(ctx context.Context, c session.Conversation) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		c.ID, c.Agent, encodeTask(c.Task), string(c.State), boolInt(c.Archived), c.LastTurnID,
		c.CreatedAt.UnixNano(), now.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return session.ErrConversationExists
		}
		return fmt.Errorf("sqlite: create conversation: %w", err)
	}
	s.logger.Debug("sqlite: conversation created", "conversation_id", c.ID)
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (session.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Conversation{}, session.ErrConversationNotFound
	}
	if err != nil {
		return session.Conversation{}, fmt.Errorf("sqlite: get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) UpdateConversation(ctx context.Context, id string, fn func(*session.Conversation)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	c, err := scanConversation(tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return session.ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: get conversation: %w", err)
	}
	fn(&c)
	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET agent = ?, task = ?, state = ?, archived = ?, last_turn_id = ?, updated_at = ? WHERE id = ?`,
		c.Agent, encodeTask(c.Task), string(c.State), boolInt(c.Archived), c.LastTurnID, time.Now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("sqlite: update conversation: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ListConversations(ctx context.Context) ([]session.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conversationColumns+` FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list conversations: %w", err)
	}
	defer rows.Close()

	var out []session.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrConversationNotFound
	}
	for _, stmt := range []string{
		`DELETE FROM records WHERE conversation_id = ?`,
		`DELETE FROM queued_messages WHERE conversation_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("sqlite: delete conversation: %w", err)
		}
	}
	return tx.Commit()
}

// --- Records ---

func (s *Store) AppendRecord(ctx context.Context, rec session.Record) (session.Record, error) {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return session.Record{}, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var count, lastTurn int64
	err = tx.QueryRowContext(ctx, `SELECT record_count, last_turn_id FROM conversations WHERE id = ?`, rec.ConversationID).Scan(&count, &lastTurn)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, session.ErrConversationNotFound
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("sqlite: read record count: %w", err)
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Offset = count + 1
	var turn sql.NullInt64
	if rec.TurnID != nil {
		turn = sql.NullInt64{Int64: *rec.TurnID, Valid: true}
		if *rec.TurnID > lastTurn {
			lastTurn = *rec.TurnID
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (conversation_id, position, turn_id, type, created_at, trace_id, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ConversationID, rec.Offset, turn, string(rec.Type), rec.Timestamp.UnixNano(), rec.TraceID, string(rec.Payload))
	if err != nil {
		return session.Record{}, fmt.Errorf("sqlite: insert record: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET record_count = ?, last_turn_id = ?, updated_at = ? WHERE id = ?`,
		rec.Offset, lastTurn, time.Now().UTC().UnixNano(), rec.ConversationID)
	if err != nil {
		return session.Record{}, fmt.Errorf("sqlite: update record count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return session.Record{}, fmt.Errorf("sqlite: commit: %w", err)
	}

	s.logger.Debug("sqlite: record persisted",
		"conversation_id", rec.ConversationID,
		"offset", rec.Offset,
		"type", rec.Type,
		"duration", time.Since(start))
	return rec, nil
}

func (s *Store) ReadRecords(ctx context.Context, conversationID string, after int64) ([]session.Record, error) {
	if err := s.exists(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.queryRecords(ctx,
		`SELECT conversation_id, position, turn_id, type, created_at, trace_id, payload
		 FROM records WHERE conversation_id = ? AND position > ? ORDER BY position`,
		conversationID, after)
}

func (s *Store) ReadTurn(ctx context.Context, conversationID string, turnID int64) ([]session.Record, error) {
	if err := s.exists(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.queryRecords(ctx,
		`SELECT conversation_id, position, turn_id, type, created_at, trace_id, payload
		 FROM records WHERE conversation_id = ? AND turn_id = ? ORDER BY position`,
		conversationID, turnID)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]session.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: read records: %w", err)
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		var (
			rec     session.Record
			turn    sql.NullInt64
			typ     string
			ts      int64
			payload string
		)
		if err := rows.Scan(&rec.ConversationID, &rec.Offset, &turn, &typ, &ts, &rec.TraceID, &payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan record: %w", err)
		}
		if turn.Valid {
			id := turn.Int64
			rec.TurnID = &id
		}
		rec.Type = protocol.Type(typ)
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) exists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return session.ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: lookup conversation: %w", err)
	}
	return nil
}

// --- Queue ---

func (s *Store) Enqueue(ctx context.Context, conversationID string, msg session.QueuedMessage, maxSize int) (session.QueuedMessage, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return session.QueuedMessage{}, 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return session.QueuedMessage{}, 0, session.ErrConversationNotFound
	}
	if err != nil {
		return session.QueuedMessage{}, 0, fmt.Errorf("sqlite: lookup conversation: %w", err)
	}

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_messages WHERE conversation_id = ?`, conversationID).Scan(&n); err != nil {
		return session.QueuedMessage{}, 0, fmt.Errorf("sqlite: count queue: %w", err)
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
	var meta sql.NullString
	if msg.Metadata != nil {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return session.QueuedMessage{}, 0, fmt.Errorf("sqlite: encode metadata: %w", err)
		}
		meta = sql.NullString{String: string(data), Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO queued_messages (id, conversation_id, content, metadata, temp_id, client_id, trace_id, queued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, msg.Content, meta, msg.TempID, msg.ClientID, msg.TraceID, msg.QueuedAt.UnixNano())
	if err != nil {
		return session.QueuedMessage{}, 0, fmt.Errorf("sqlite: enqueue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return session.QueuedMessage{}, 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return msg, n + 1, nil
}

func (s *Store) Dequeue(ctx context.Context, conversationID string) (session.QueuedMessage, error) {
	if err := s.exists(ctx, conversationID); err != nil {
		return session.QueuedMessage{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return session.QueuedMessage{}, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		seq      int64
		msg      session.QueuedMessage
		meta     sql.NullString
		queuedAt int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT seq, id, content, metadata, temp_id, client_id, trace_id, queued_at
		 FROM queued_messages WHERE conversation_id = ? ORDER BY seq LIMIT 1`,
		conversationID).Scan(&seq, &msg.ID, &msg.Content, &meta, &msg.TempID, &msg.ClientID, &msg.TraceID, &queuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.QueuedMessage{}, session.ErrQueueEmpty
	}
	if err != nil {
		return session.QueuedMessage{}, fmt.Errorf("sqlite: dequeue: %w", err)
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &msg.Metadata); err != nil {
			return session.QueuedMessage{}, fmt.Errorf("sqlite: decode metadata: %w", err)
		}
	}
	msg.QueuedAt = time.Unix(0, queuedAt).UTC()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_messages WHERE seq = ?`, seq); err != nil {
		return session.QueuedMessage{}, fmt.Errorf("sqlite: delete queued message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return session.QueuedMessage{}, fmt.Errorf("sqlite: commit: %w", err)
	}
	return msg, nil
}

func (s *Store) QueueLen(ctx context.Context, conversationID string) (int, error) {
	if err := s.exists(ctx, conversationID); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count queue: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

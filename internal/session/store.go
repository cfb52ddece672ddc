package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/inercia/parley/internal/fileutil"
	"github.com/inercia/parley/internal/logging"
	"github.com/inercia/parley/internal/protocol"
)

const (
	historyFileName  = "history.jsonl"
	metadataFileName = "metadata.json"
)

// Verify FileStore implements Store at compile time.
var _ Store = (*FileStore)(nil)

// FileStore keeps every conversation in its own directory:
//
//	<base>/<conversation-id>/metadata.json
//	<base>/<conversation-id>/history.jsonl
//	<base>/<conversation-id>/queue.json
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool

	queuesMu sync.Mutex
	queues   map[string]*Queue
}

// NewFileStore creates a file store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	log := logging.Store()
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create conversations directory: %w", err)
	}
	log.Debug("file store initialized", "base_dir", baseDir)
	return &FileStore{baseDir: baseDir, queues: make(map[string]*Queue)}, nil
}

// checkID refuses ids whose directory would not sit directly under baseDir.
func (s *FileStore) checkID(id string) error {
	if !protocol.ValidID(id) || filepath.Base(id) != id {
		return fmt.Errorf("%w: %q", ErrInvalidConversationID, id)
	}
	rel, err := filepath.Rel(s.baseDir, filepath.Join(s.baseDir, id))
	if err != nil || rel != id {
		return fmt.Errorf("%w: %q", ErrInvalidConversationID, id)
	}
	return nil
}

func (s *FileStore) conversationDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *FileStore) historyPath(id string) string {
	return filepath.Join(s.conversationDir(id), historyFileName)
}

func (s *FileStore) metadataPath(id string) string {
	return filepath.Join(s.conversationDir(id), metadataFileName)
}

// queue returns the shared Queue of a conversation so that every caller
// serializes on the same lock.
func (s *FileStore) queue(id string) *Queue {
	s.queuesMu.Lock()
	defer s.queuesMu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		q = NewQueue(s.conversationDir(id))
		s.queues[id] = q
	}
	return q
}

// CreateConversation creates the conversation directory and its metadata.
func (s *FileStore) CreateConversation(_ context.Context, c Conversation) error {
	if err := s.checkID(c.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, err := os.Stat(s.metadataPath(c.ID)); err == nil {
		return ErrConversationExists
	}

	if err := os.MkdirAll(s.conversationDir(c.ID), 0755); err != nil {
		return fmt.Errorf("failed to create conversation directory: %w", err)
	}
	f, err := os.Create(s.historyPath(c.ID))
	if err != nil {
		return fmt.Errorf("failed to create history file: %w", err)
	}
	f.Close()

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.RecordCount = 0
	if err := s.writeMetadata(c); err != nil {
		return err
	}

	logging.Store().Debug("conversation created",
		"conversation_id", c.ID,
		"agent", c.Agent)
	return nil
}

// GetConversation returns the stored metadata of a conversation.
func (s *FileStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	if err := s.checkID(id); err != nil {
		return Conversation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Conversation{}, ErrStoreClosed
	}
	return s.readMetadata(id)
}

func (s *FileStore) readMetadata(id string) (Conversation, error) {
	var c Conversation
	if err := fileutil.ReadJSON(s.metadataPath(id), &c); err != nil {
		if os.IsNotExist(err) {
			return Conversation{}, ErrConversationNotFound
		}
		return Conversation{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	return c, nil
}

func (s *FileStore) writeMetadata(c Conversation) error {
	return fileutil.WriteJSONAtomic(s.metadataPath(c.ID), c, 0644)
}

// UpdateConversation applies fn to the stored metadata. The id and the record
// count cannot be changed by fn.
func (s *FileStore) UpdateConversation(_ context.Context, id string, fn func(*Conversation)) error {
	if err := s.checkID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	c, err := s.readMetadata(id)
	if err != nil {
		return err
	}
	count := c.RecordCount
	fn(&c)
	c.ID = id
	c.RecordCount = count
	c.UpdatedAt = time.Now().UTC()
	return s.writeMetadata(c)
}

// ListConversations returns every conversation, most recently updated first.
func (s *FileStore) ListConversations(_ context.Context) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversations directory: %w", err)
	}

	var out []Conversation
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		c, err := s.readMetadata(entry.Name())
		if err != nil {
			// Skip conversations with invalid metadata
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// DeleteConversation removes the conversation directory.
func (s *FileStore) DeleteConversation(_ context.Context, id string) error {
	if err := s.checkID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, err := os.Stat(s.metadataPath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrConversationNotFound
		}
		return err
	}
	if err := os.RemoveAll(s.conversationDir(id)); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	s.queuesMu.Lock()
	delete(s.queues, id)
	s.queuesMu.Unlock()

	logging.Store().Debug("conversation deleted", "conversation_id", id)
	return nil
}

// AppendRecord appends rec to the conversation history with the next offset.
func (s *FileStore) AppendRecord(_ context.Context, rec Record) (Record, error) {
	if err := s.checkID(rec.ConversationID); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Record{}, ErrStoreClosed
	}

	c, err := s.readMetadata(rec.ConversationID)
	if err != nil {
		return Record{}, err
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Offset = c.RecordCount + 1

	if err := fileutil.AppendJSONLine(s.historyPath(rec.ConversationID), rec); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, ErrConversationNotFound
		}
		return Record{}, fmt.Errorf("failed to write record: %w", err)
	}

	logging.Store().Debug("record persisted",
		"conversation_id", rec.ConversationID,
		"offset", rec.Offset,
		"type", rec.Type)

	c.RecordCount = rec.Offset
	if rec.TurnID != nil && *rec.TurnID > c.LastTurnID {
		c.LastTurnID = *rec.TurnID
	}
	c.UpdatedAt = time.Now().UTC()
	if err := s.writeMetadata(c); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ReadRecords returns the records with an offset greater than after.
func (s *FileStore) ReadRecords(_ context.Context, conversationID string, after int64) ([]Record, error) {
	return s.scan(conversationID, func(r Record) bool { return r.Offset > after })
}

// ReadTurn returns the records of one turn.
func (s *FileStore) ReadTurn(_ context.Context, conversationID string, turnID int64) ([]Record, error) {
	return s.scan(conversationID, func(r Record) bool {
		return r.TurnID != nil && *r.TurnID == turnID
	})
}

func (s *FileStore) scan(conversationID string, keep func(Record) bool) ([]Record, error) {
	if err := s.checkID(conversationID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	f, err := os.Open(s.historyPath(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	// Assistant turns can carry very long lines; the default 64KB is not enough.
	const maxScannerBuffer = 10 * 1024 * 1024
	scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		if keep(rec) {
			records = append(records, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return records, nil
}

// Enqueue appends msg to the conversation queue.
func (s *FileStore) Enqueue(_ context.Context, conversationID string, msg QueuedMessage, maxSize int) (QueuedMessage, int, error) {
	if err := s.checkConversation(conversationID); err != nil {
		return QueuedMessage{}, 0, err
	}
	return s.queue(conversationID).Add(msg, maxSize)
}

// Dequeue pops the oldest queued message.
func (s *FileStore) Dequeue(_ context.Context, conversationID string) (QueuedMessage, error) {
	if err := s.checkConversation(conversationID); err != nil {
		return QueuedMessage{}, err
	}
	return s.queue(conversationID).Pop()
}

// QueueLen returns the number of queued messages.
func (s *FileStore) QueueLen(_ context.Context, conversationID string) (int, error) {
	if err := s.checkConversation(conversationID); err != nil {
		return 0, err
	}
	return s.queue(conversationID).Len()
}

func (s *FileStore) checkConversation(id string) error {
	if err := s.checkID(id); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := os.Stat(s.metadataPath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrConversationNotFound
		}
		return err
	}
	return nil
}

// Close closes the store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	logging.Store().Debug("file store closed", "base_dir", s.baseDir)
	return nil
}

package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/inercia/parley/internal/fileutil"
)

const queueFileName = "queue.json"

// queueFile is the persisted queue state.
type queueFile struct {
	// Messages is the ordered list of queued messages (FIFO).
	Messages  []QueuedMessage `json:"messages"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Queue is the file-backed message queue of one conversation.
// It is safe for concurrent use.
type Queue struct {
	dir string
	mu  sync.Mutex
}

// NewQueue creates a Queue stored in the given conversation directory.
func NewQueue(dir string) *Queue {
	return &Queue{dir: dir}
}

func (q *Queue) path() string {
	return filepath.Join(q.dir, queueFileName)
}

// generateMessageID creates a unique message ID.
// Format: q-{unix_timestamp}-{random_hex_8chars}
func generateMessageID() string {
	timestamp := time.Now().Unix()
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("q-%d", timestamp)
	}
	return fmt.Sprintf("q-%d-%s", timestamp, hex.EncodeToString(b))
}

func (q *Queue) read() (*queueFile, error) {
	var qf queueFile
	if err := fileutil.ReadJSON(q.path(), &qf); err != nil {
		if os.IsNotExist(err) {
			return &queueFile{}, nil
		}
		return nil, fmt.Errorf("failed to read queue file: %w", err)
	}
	return &qf, nil
}

func (q *Queue) write(qf *queueFile) error {
	qf.UpdatedAt = time.Now()
	if err := fileutil.WriteJSONAtomic(q.path(), qf, 0644); err != nil {
		return fmt.Errorf("failed to write queue file: %w", err)
	}
	return nil
}

// Add appends a message and returns it with its position (1-based).
// A maxSize of 0 means no limit.
func (q *Queue) Add(msg QueuedMessage, maxSize int) (QueuedMessage, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	qf, err := q.read()
	if err != nil {
		return QueuedMessage{}, 0, err
	}
	if maxSize > 0 && len(qf.Messages) >= maxSize {
		return QueuedMessage{}, 0, ErrQueueFull
	}

	if msg.ID == "" {
		msg.ID = generateMessageID()
	}
	if msg.QueuedAt.IsZero() {
		msg.QueuedAt = time.Now()
	}
	qf.Messages = append(qf.Messages, msg)
	if err := q.write(qf); err != nil {
		return QueuedMessage{}, 0, err
	}
	return msg, len(qf.Messages), nil
}

// List returns all queued messages in FIFO order.
func (q *Queue) List() ([]QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	qf, err := q.read()
	if err != nil {
		return nil, err
	}
	result := make([]QueuedMessage, len(qf.Messages))
	copy(result, qf.Messages)
	return result, nil
}

// Pop removes and returns the first message in the queue.
// Returns ErrQueueEmpty if the queue is empty.
func (q *Queue) Pop() (QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	qf, err := q.read()
	if err != nil {
		return QueuedMessage{}, err
	}
	if len(qf.Messages) == 0 {
		return QueuedMessage{}, ErrQueueEmpty
	}

	msg := qf.Messages[0]
	qf.Messages = qf.Messages[1:]
	if err := q.write(qf); err != nil {
		return QueuedMessage{}, err
	}
	return msg, nil
}

// Len returns the number of queued messages.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	qf, err := q.read()
	if err != nil {
		return 0, err
	}
	return len(qf.Messages), nil
}

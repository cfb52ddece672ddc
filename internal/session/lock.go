package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/parley/internal/fileutil"
)

const (
	lockFileName      = "parley.lock"
	lockHeartbeat     = 10 * time.Second
	DefaultStaleAfter = 60 * time.Second
)

// ErrLocked is returned when another live server owns the history directory.
var ErrLocked = errors.New("history directory is locked by another server")

// LockInfo is the content of a directory lock file.
type LockInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	InstanceID string    `json:"instance_id"`
	StartedAt  time.Time `json:"started_at"`
	Heartbeat  time.Time `json:"heartbeat"`
}

// abandoned reports whether the owner is gone: its heartbeat is older than
// staleAfter, or it ran on this host and its process no longer exists.
func (i LockInfo) abandoned(hostname string, staleAfter time.Duration, now time.Time) bool {
	if now.Sub(i.Heartbeat) > staleAfter {
		return true
	}
	return i.Hostname == hostname && !pidRunning(i.PID)
}

// DirLock is a held lock on a history directory. Two servers appending to the
// same JSONL histories would corrupt record offsets; the lock makes the second
// one fail at startup instead.
type DirLock struct {
	path   string
	info   LockInfo
	logger *slog.Logger

	mu       sync.Mutex
	released bool
	stop     chan struct{}
	done     chan struct{}
}

// AcquireLock locks dir for this process. A lock left by a dead or silent
// owner is taken over; a live one yields ErrLocked.
func AcquireLock(dir string, staleAfter time.Duration, logger *slog.Logger) (*DirLock, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, lockFileName)
	hostname, _ := os.Hostname()
	now := time.Now()

	var prev LockInfo
	if err := fileutil.ReadJSON(path, &prev); err == nil {
		if !prev.abandoned(hostname, staleAfter, now) {
			return nil, fmt.Errorf("%w (pid %d on %s)", ErrLocked, prev.PID, prev.Hostname)
		}
		logger.Warn("taking over abandoned lock", "path", path, "previous_pid", prev.PID, "previous_host", prev.Hostname, "last_heartbeat", prev.Heartbeat)
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Warn("replacing unreadable lock file", "path", path, "error", err)
	}

	l := &DirLock{
		path: path,
		info: LockInfo{
			PID:        os.Getpid(),
			Hostname:   hostname,
			InstanceID: uuid.NewString(),
			StartedAt:  now,
			Heartbeat:  now,
		},
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := fileutil.WriteJSONAtomic(path, l.info, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	go l.heartbeat()
	logger.Debug("history directory locked", "path", path, "instance_id", l.info.InstanceID)
	return l, nil
}

// Info returns the lock content as written by this process.
func (l *DirLock) Info() LockInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.info
}

// Owned reports whether the lock file still names this instance.
func (l *DirLock) Owned() bool {
	var cur LockInfo
	if err := fileutil.ReadJSON(l.path, &cur); err != nil {
		return false
	}
	return cur.InstanceID == l.info.InstanceID
}

func (l *DirLock) heartbeat() {
	defer close(l.done)
	ticker := time.NewTicker(lockHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if !l.Owned() {
				l.logger.Error("history directory lock was taken over", "path", l.path)
				return
			}
			l.mu.Lock()
			l.info.Heartbeat = time.Now()
			info := l.info
			l.mu.Unlock()
			if err := fileutil.WriteJSONAtomic(l.path, info, 0o644); err != nil {
				l.logger.Warn("failed to refresh lock", "path", l.path, "error", err)
			}
		}
	}
}

// Release stops the heartbeat and removes the lock file if this instance
// still owns it.
func (l *DirLock) Release() error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.mu.Unlock()

	close(l.stop)
	<-l.done
	if !l.Owned() {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func pidRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks the process without delivering anything
	return p.Signal(syscall.Signal(0)) == nil
}

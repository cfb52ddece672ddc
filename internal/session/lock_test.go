package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/inercia/parley/internal/fileutil"
)

func TestAcquireLock_Exclusive(t *testing.T) {
	dir := t.TempDir()

	l, err := AcquireLock(dir, time.Minute, nil)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if !l.Owned() {
		t.Error("fresh lock not owned")
	}
	if l.Info().PID != os.Getpid() {
		t.Errorf("PID = %d", l.Info().PID)
	}

	if _, err := AcquireLock(dir, time.Minute, nil); !errors.Is(err, ErrLocked) {
		t.Fatalf("second AcquireLock error = %v, want ErrLocked", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, lockFileName)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file left behind: %v", err)
	}

	l2, err := AcquireLock(dir, time.Minute, nil)
	if err != nil {
		t.Fatalf("AcquireLock after release failed: %v", err)
	}
	_ = l2.Release()
}

func TestAcquireLock_TakesOverAbandoned(t *testing.T) {
	hostname, _ := os.Hostname()
	tests := []struct {
		name string
		prev LockInfo
	}{
		{
			name: "stale heartbeat",
			prev: LockInfo{PID: os.Getpid(), Hostname: "elsewhere", InstanceID: "old", Heartbeat: time.Now().Add(-time.Hour)},
		},
		{
			name: "dead process on this host",
			prev: LockInfo{PID: 1 << 30, Hostname: hostname, InstanceID: "old", Heartbeat: time.Now()},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := fileutil.WriteJSONAtomic(filepath.Join(dir, lockFileName), tt.prev, 0o644); err != nil {
				t.Fatal(err)
			}
			l, err := AcquireLock(dir, time.Minute, nil)
			if err != nil {
				t.Fatalf("AcquireLock failed: %v", err)
			}
			defer l.Release()
			if l.Info().InstanceID == "old" || !l.Owned() {
				t.Error("lock not taken over")
			}
		})
	}
}

func TestAcquireLock_LiveRemoteOwner(t *testing.T) {
	dir := t.TempDir()
	prev := LockInfo{PID: 42, Hostname: "other-host", InstanceID: "remote", Heartbeat: time.Now()}
	if err := fileutil.WriteJSONAtomic(filepath.Join(dir, lockFileName), prev, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := AcquireLock(dir, time.Minute, nil); !errors.Is(err, ErrLocked) {
		t.Fatalf("error = %v, want ErrLocked", err)
	}
}

func TestDirLock_ReleaseAfterTakeover(t *testing.T) {
	dir := t.TempDir()
	l, err := AcquireLock(dir, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	other := LockInfo{PID: 7, Hostname: "other-host", InstanceID: "thief", Heartbeat: time.Now()}
	if err := fileutil.WriteJSONAtomic(filepath.Join(dir, lockFileName), other, 0o644); err != nil {
		t.Fatal(err)
	}
	if l.Owned() {
		t.Error("Owned after takeover")
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	var cur LockInfo
	if err := fileutil.ReadJSON(filepath.Join(dir, lockFileName), &cur); err != nil || cur.InstanceID != "thief" {
		t.Errorf("new owner's lock removed: %v %+v", err, cur)
	}
}

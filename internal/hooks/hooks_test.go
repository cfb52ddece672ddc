package hooks

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a bytes.Buffer safe for the hook's output goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestVarsExpand(t *testing.T) {
	v := Vars{Host: "127.0.0.1", Port: 8080}
	got := v.expand("tunnel --port ${PORT} --host ${HOST} --url ${URL}")
	want := "tunnel --port 8080 --host 127.0.0.1 --url http://127.0.0.1:8080"
	if got != want {
		t.Errorf("expand = %q, want %q", got, want)
	}
}

func TestStart_EmptyCommand(t *testing.T) {
	p, err := Start(Hook{}, Vars{}, nil, nil)
	if err != nil || p != nil {
		t.Fatalf("Start = %v, %v; want nil, nil", p, err)
	}
	p.Stop(time.Second) // nil-safe
}

func TestStart_RunsToCompletion(t *testing.T) {
	var out syncBuffer
	p, err := Start(Hook{Name: "announce", Command: "echo up on $PARLEY_PORT"}, Vars{Host: "localhost", Port: 9001}, &out, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("hook did not finish")
	}
	if p.Err() != nil {
		t.Errorf("Err = %v", p.Err())
	}
	if !strings.Contains(out.String(), "up on 9001") {
		t.Errorf("output = %q", out.String())
	}
	p.Stop(time.Second) // already exited
}

func TestProcess_Stop(t *testing.T) {
	p, err := Start(Hook{Command: "sleep 30"}, Vars{Host: "localhost", Port: 1}, nil, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	stopped := make(chan struct{})
	go func() {
		p.Stop(2 * time.Second)
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	select {
	case <-p.Done():
	default:
		t.Error("process still running after Stop")
	}
}

func TestRun(t *testing.T) {
	tests := []struct {
		name    string
		command string
		wantErr string
		wantOut string
	}{
		{name: "empty", command: ""},
		{name: "success", command: "echo bye ${URL}", wantOut: "bye http://h:7"},
		{name: "failure", command: "exit 3", wantErr: "exited with code 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out syncBuffer
			err := Run(context.Background(), Hook{Command: tt.command}, Vars{Host: "h", Port: 7}, &out, nil)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Run error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if !strings.Contains(out.String(), tt.wantOut) {
				t.Errorf("output = %q, want %q", out.String(), tt.wantOut)
			}
		})
	}
}

func TestRun_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := Run(ctx, Hook{Command: "sleep 30"}, Vars{}, nil, nil)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

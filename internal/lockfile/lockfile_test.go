package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestAcquireLock_WritesHolder(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	info, err := ReadInfo(lock.Path())
	if err != nil {
		t.Fatalf("ReadInfo failed: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", info.PID, os.Getpid())
	}
	if time.Since(info.StartedAt) > time.Minute {
		t.Errorf("unexpected start time %v", info.StartedAt)
	}
}

func TestAcquireLock_Conflict(t *testing.T) {
	dir := t.TempDir()
	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer first.Release()

	second, err := AcquireLock(dir)
	if err == nil {
		second.Release()
		t.Fatal("second AcquireLock should fail")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", lockErr.Holder.PID, os.Getpid())
	}
	msg := err.Error()
	for _, want := range []string{"another TurnGuard instance", dir, strconv.Itoa(os.Getpid()), "(running)"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q should mention %q", msg, want)
		}
	}

	// The failed attempt must not have clobbered the holder record.
	info, _ := ReadInfo(first.Path())
	if info.PID != os.Getpid() {
		t.Errorf("holder record lost: %+v", info)
	}
}

func TestRelease_RemovesFileAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed, stat err = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release failed: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	again.Release()
}

func TestAcquireLock_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestReadInfo(t *testing.T) {
	tests := []struct {
		name    string
		content string
		pid     int
		started bool
	}{
		{"full record", "pid=4242\nstarted_at=2026-01-02T03:04:05Z\n", 4242, true},
		{"pid only", "pid=17", 17, false},
		{"unknown keys", "host=x\npid=9\n", 9, false},
		{"bad pid", "pid=abc\n", 0, false},
		{"bad time", "pid=5\nstarted_at=yesterday\n", 5, false},
		{"empty", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), LockFileName)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			info, err := ReadInfo(path)
			if err != nil {
				t.Fatalf("ReadInfo failed: %v", err)
			}
			if info.PID != tt.pid {
				t.Errorf("pid = %d, want %d", info.PID, tt.pid)
			}
			if started := !info.StartedAt.IsZero(); started != tt.started {
				t.Errorf("started_at parsed = %v, want %v", started, tt.started)
			}
		})
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !IsProcessRunning(os.Getpid()) {
		t.Error("own process should be running")
	}
	if IsProcessRunning(0) || IsProcessRunning(-3) {
		t.Error("non-positive pids are never running")
	}
}

//go:build unix

package db

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWriteLockerRecordsHolder(t *testing.T) {
	dir := t.TempDir()
	locker := newWriteLocker(dir)

	if err := locker.acquire(context.Background(), 500*time.Millisecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, lockFileName))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	var h lockHolder
	if err := json.Unmarshal(data, &h); err != nil {
		t.Fatalf("lock file is not a holder record: %q", data)
	}
	if h.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", h.PID, os.Getpid())
	}
	locker.release()

	if data, _ := os.ReadFile(filepath.Join(dir, lockFileName)); len(data) != 0 {
		t.Errorf("release should clear the holder, got %q", data)
	}
}

func TestWriteLockerTimeoutNamesHolder(t *testing.T) {
	dir := t.TempDir()

	first := newWriteLocker(dir)
	if err := first.acquire(context.Background(), 500*time.Millisecond); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer first.release()

	second := newWriteLocker(dir)
	err := second.acquire(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrLocked) {
		second.release()
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if !strings.Contains(err.Error(), "pid ") {
		t.Errorf("error should name the holder: %v", err)
	}
}

func TestWriteLockerHonorsContext(t *testing.T) {
	dir := t.TempDir()
	first := newWriteLocker(dir)
	if err := first.acquire(context.Background(), 500*time.Millisecond); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer first.release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := newWriteLocker(dir).acquire(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLockHolderMarksDeadProcessStale(t *testing.T) {
	h := lockHolder{PID: 1 << 30, Command: "memo sync watch", Since: time.Now()}
	if s := h.String(); !strings.Contains(s, "stale") || !strings.Contains(s, "memo sync watch") {
		t.Fatalf("holder = %q", s)
	}
}

func TestWithWriteLockSerializesGoroutines(t *testing.T) {
	store := &DB{baseDir: t.TempDir(), now: time.Now}
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				err := store.withWriteLock(ctx, func() error {
					v := counter
					time.Sleep(100 * time.Microsecond)
					counter = v + 1
					return nil
				})
				if err != nil {
					t.Errorf("withWriteLock: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if counter != 80 {
		t.Fatalf("counter = %d, want 80", counter)
	}
}

package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrLocked means another process held the store's write lock for longer
// than the caller was willing to wait.
var ErrLocked = errors.New("memo store is locked")

const (
	lockFileName   = "memo.lock"
	defaultTimeout = 500 * time.Millisecond
	initialBackoff = 5 * time.Millisecond
	maxBackoff     = 50 * time.Millisecond
)

// lockHolder is what the current lock owner writes into the lock file.
type lockHolder struct {
	PID     int       `json:"pid"`
	Command string    `json:"command"`
	Since   time.Time `json:"since"`
}

func (h lockHolder) String() string {
	s := fmt.Sprintf("pid %d (%s) since %s", h.PID, h.Command, h.Since.Format(time.RFC3339))
	if !isProcessAlive(h.PID) {
		s += ", stale"
	}
	return s
}

// writeLocker serializes writers across processes (the CLI, a running
// "memo sync watch") with an OS file lock next to the database. The OS drops
// the lock when the holder exits.
type writeLocker struct {
	path string
	file *os.File
}

func newWriteLocker(baseDir string) *writeLocker {
	return &writeLocker{path: filepath.Join(baseDir, lockFileName)}
}

// acquire waits up to timeout for the lock. It gives up early when ctx ends.
func (l *writeLocker) acquire(ctx context.Context, timeout time.Duration) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	l.file = f

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	backoff := initialBackoff
	for {
		if err := l.tryLock(); err == nil {
			l.writeHolder()
			return nil
		}
		select {
		case <-ctx.Done():
			l.closeFile()
			return ctx.Err()
		case <-timer.C:
			holder := l.holder()
			l.closeFile()
			return fmt.Errorf("%w by %s (waited %v)", ErrLocked, holder, timeout)
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (l *writeLocker) release() {
	if l.file == nil {
		return
	}
	l.file.Truncate(0)
	l.unlock()
	l.closeFile()
}

func (l *writeLocker) closeFile() {
	l.file.Close()
	l.file = nil
}

func (l *writeLocker) writeHolder() {
	data, err := json.Marshal(lockHolder{PID: os.Getpid(), Command: commandLine(), Since: time.Now().UTC()})
	if err != nil {
		return
	}
	l.file.Truncate(0)
	l.file.WriteAt(data, 0)
	l.file.Sync()
}

// holder describes whoever wrote the lock file last.
func (l *writeLocker) holder() string {
	data, err := os.ReadFile(l.path)
	if err != nil || len(data) == 0 {
		return "an unknown process"
	}
	var h lockHolder
	if err := json.Unmarshal(data, &h); err != nil || h.PID == 0 {
		return "an unknown process"
	}
	return h.String()
}

func commandLine() string {
	args := os.Args
	if len(args) == 0 {
		return "memo"
	}
	name := filepath.Base(args[0])
	if len(args) > 1 {
		return name + " " + strings.Join(args[1:min(len(args), 3)], " ")
	}
	return name
}

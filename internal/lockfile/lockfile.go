// Package lockfile guards a ScenarioPipe state directory against concurrent instances.
//
// The lock is an flock on a file inside the state directory, so it is released by the kernel when
// the process exits, however it exits. The file body records who holds it, for error messages.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "scenariopipe.lock"

// Owner describes the process holding a lock.
type Owner struct {
	PID       int
	Host      string
	Transport string
	StartedAt time.Time
}

func (o Owner) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", o.PID)
	if o.Host != "" {
		fmt.Fprintf(&b, "host=%s\n", o.Host)
	}
	if o.Transport != "" {
		fmt.Fprintf(&b, "transport=%s\n", o.Transport)
	}
	if !o.StartedAt.IsZero() {
		fmt.Fprintf(&b, "started=%s\n", o.StartedAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// parseOwner reads the key=value body written by encode. Unknown keys are ignored.
func parseOwner(content string) Owner {
	var o Owner
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				o.PID = pid
			}
		case "host":
			o.Host = value
		case "transport":
			o.Transport = value
		case "started":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				o.StartedAt = ts
			}
		}
	}
	return o
}

// Option customizes the owner information written to the lock file.
type Option func(*Owner)

// WithTransport records the transport the instance runs.
func WithTransport(name string) Option {
	return func(o *Owner) { o.Transport = name }
}

// Lock is a held state directory lock.
type Lock struct {
	file  *os.File
	path  string
	owner Owner
}

// AcquireLock takes an exclusive, non-blocking lock on stateDir, creating the directory if needed.
// When another process holds it, the error is a *LockError describing that process.
func AcquireLock(stateDir string, opts ...Option) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's info before we know whether we win the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{LockPath: lockPath, Cause: err}
		if data, readErr := os.ReadFile(lockPath); readErr == nil {
			lockErr.Holder = parseOwner(string(data))
		}
		slog.Error("lockfile.AcquireLock: state directory in use", "lock_path", lockPath, "holder_pid", lockErr.Holder.PID)
		return nil, lockErr
	}

	owner := Owner{PID: os.Getpid(), StartedAt: time.Now()}
	owner.Host, _ = os.Hostname()
	for _, opt := range opts {
		opt(&owner)
	}
	if err := writeOwner(file, owner); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: acquired", "lock_path", lockPath, "pid", owner.PID)
	return &Lock{file: file, path: lockPath, owner: owner}, nil
}

func writeOwner(f *os.File, o Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(o.encode()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile.writeOwner: sync failed", "error", err)
	}
	return nil
}

// Owner returns the information this lock wrote.
func (l *Lock) Owner() Owner {
	return l.owner
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting instance never sees our stale body.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to unlock", "lock_path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("Lock.Release: released", "lock_path", l.path)
	return err
}

// LockError is returned when another process holds the state directory lock.
type LockError struct {
	LockPath string
	Holder   Owner
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another ScenarioPipe instance is using this state directory (lock file %s)", e.LockPath)
	if e.Holder.PID > 0 {
		state := "running"
		if !isProcessRunning(e.Holder.PID) {
			state = "not running, lock may be stale"
		}
		fmt.Fprintf(&b, "; holder pid %d (%s)", e.Holder.PID, state)
		if e.Holder.Host != "" {
			fmt.Fprintf(&b, " on %s", e.Holder.Host)
		}
		if !e.Holder.StartedAt.IsZero() {
			fmt.Fprintf(&b, " since %s", e.Holder.StartedAt.Format(time.RFC3339))
		}
	}
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// isProcessRunning reports whether signal 0 can be delivered to pid.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

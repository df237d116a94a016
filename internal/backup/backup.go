// Package backup snapshots the files an update will touch and restores them
// if anything goes wrong. Between Begin and Commit/Rollback, the union of
// the install root and the backup root always holds a full copy of every
// affected file, so the install is restorable at any observable point.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/taozi8887/toa-launcher/internal/logger"
)

// ErrLockHeld means another launcher instance has an update transaction in
// flight against the same install root.
var ErrLockHeld = errors.New("install lock held by another process")

const (
	// LockName is the exclusive-access marker inside the install root. Its
	// presence at startup signals an interrupted transaction.
	LockName = ".update.lock"
	// DirName is the scratch directory holding pre-update snapshots. Empty
	// except during an in-flight update.
	DirName = ".backup"
)

type lockInfo struct {
	Txn       string    `json:"txn"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Manager guards one install root. It is not safe for concurrent use; the
// lock file serializes whole processes, not goroutines.
type Manager struct {
	InstallRoot string
	BackupRoot  string

	txn string
}

func New(installRoot string) *Manager {
	return &Manager{
		InstallRoot: installRoot,
		BackupRoot:  filepath.Join(installRoot, DirName),
	}
}

// AcquireLock creates the lock marker exclusively. A pre-existing lock means
// a second instance is racing us (or a crash left it behind; see Recover).
func (m *Manager) AcquireLock() error {
	if err := os.MkdirAll(m.InstallRoot, 0o755); err != nil {
		return fmt.Errorf("mkdir install root: %w", err)
	}
	m.txn = uuid.NewString()
	info, err := json.Marshal(lockInfo{Txn: m.txn, PID: os.Getpid(), StartedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}

	f, err := os.OpenFile(m.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return ErrLockHeld
	}
	if err != nil {
		return fmt.Errorf("create lock: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(info); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	return nil
}

func (m *Manager) ReleaseLock() error {
	err := os.Remove(m.lockPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// LockPresent reports whether a lock marker exists, regardless of owner.
func (m *Manager) LockPresent() bool {
	_, err := os.Stat(m.lockPath())
	return err == nil
}

func (m *Manager) lockPath() string {
	return filepath.Join(m.InstallRoot, LockName)
}

// Begin snapshots every given install-relative path that currently exists.
// It must run before any file in the plan is overwritten or deleted.
func (m *Manager) Begin(paths []string) error {
	for _, rel := range paths {
		src := filepath.Join(m.InstallRoot, filepath.FromSlash(rel))
		if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return fmt.Errorf("stat %s: %w", rel, err)
		}

		dst := filepath.Join(m.BackupRoot, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("mkdir backup for %s: %w", rel, err)
		}
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("backup %s: %w", rel, err)
		}
	}
	return nil
}

// Commit discards the snapshots. Only called after every downloaded file has
// been verified and every file in the plan has been placed or removed.
func (m *Manager) Commit() error {
	if err := os.RemoveAll(m.BackupRoot); err != nil {
		return fmt.Errorf("clear backup root: %w", err)
	}
	return nil
}

// Rollback copies every snapshot back over the install root, overwriting any
// partially-applied change, then clears the backup root. Idempotent: with no
// snapshots it is a no-op.
func (m *Manager) Rollback() error {
	err := filepath.Walk(m.BackupRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(m.BackupRoot, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(m.InstallRoot, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		return copyFile(path, dst)
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("restore backup: %w", err)
	}
	if err := os.RemoveAll(m.BackupRoot); err != nil {
		return fmt.Errorf("clear backup root: %w", err)
	}
	return nil
}

// Recover handles a lock found at startup. A lock whose recorded owner is
// still running belongs to a live transaction in another instance and is
// left strictly alone; AcquireLock surfaces it as ErrLockHeld. Only a lock
// from a dead process (or one we cannot parse) is the residue of a crash:
// roll the install back to its pre-update state and clear the marker.
// Reports whether recovery ran.
func (m *Manager) Recover() (bool, error) {
	data, err := os.ReadFile(m.lockPath())
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lock: %w", err)
	}

	var info lockInfo
	// A lock recorded under our own pid cannot have a live owner: we have
	// not acquired anything yet, so the pid was reused after a crash.
	if json.Unmarshal(data, &info) == nil && info.PID != os.Getpid() && pidAlive(info.PID) {
		logger.Info("update lock held by running process, leaving its transaction alone",
			"root", m.InstallRoot, "pid", info.PID)
		return false, nil
	}

	logger.Warn("stale update lock found, rolling back interrupted transaction",
		"root", m.InstallRoot, "pid", info.PID)
	if err := m.Rollback(); err != nil {
		return false, err
	}
	if err := m.ReleaseLock(); err != nil {
		return false, err
	}
	return true, nil
}

// pidAlive reports whether a process with the given id exists. Signal 0
// checks existence without delivering anything; EPERM still means the
// process is there.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

package backup

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func write(t *testing.T, root, rel string, content []byte) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func read(t *testing.T, root, rel string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return data
}

func TestRollbackRestoresByteForByte(t *testing.T) {
	root := t.TempDir()
	original := []byte("the original song data")
	write(t, root, "content/song.json", original)

	m := New(root)
	if err := m.Begin([]string{"content/song.json", "content/new.json"}); err != nil {
		t.Fatalf("begin: %v", err)
	}

	// Simulate a partially-applied update: overwrite one file, add another.
	write(t, root, "content/song.json", []byte("half-written garbage"))
	write(t, root, "content/new.json", []byte("new file"))

	if err := m.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if got := read(t, root, "content/song.json"); !bytes.Equal(got, original) {
		t.Errorf("song.json = %q, want original bytes back", got)
	}
	// Backup root is cleared after rollback.
	if _, err := os.Stat(m.BackupRoot); !errors.Is(err, os.ErrNotExist) {
		t.Error("backup root not cleared after rollback")
	}
}

func TestRollbackIdempotent(t *testing.T) {
	root := t.TempDir()
	m := New(root)

	// Rollback with no transaction at all is a no-op.
	if err := m.Rollback(); err != nil {
		t.Fatalf("rollback without begin: %v", err)
	}

	write(t, root, "a.txt", []byte("v1"))
	if err := m.Begin([]string{"a.txt"}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	write(t, root, "a.txt", []byte("v2"))

	if err := m.Rollback(); err != nil {
		t.Fatalf("first rollback: %v", err)
	}
	if err := m.Rollback(); err != nil {
		t.Fatalf("second rollback: %v", err)
	}
	if got := read(t, root, "a.txt"); string(got) != "v1" {
		t.Errorf("a.txt = %q, want v1", got)
	}
}

func TestCommitClearsBackup(t *testing.T) {
	root := t.TempDir()
	write(t, root, "a.txt", []byte("v1"))

	m := New(root)
	if err := m.Begin([]string{"a.txt"}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	write(t, root, "a.txt", []byte("v2"))

	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := os.Stat(m.BackupRoot); !errors.Is(err, os.ErrNotExist) {
		t.Error("backup root not cleared after commit")
	}
	// Committed change stays.
	if got := read(t, root, "a.txt"); string(got) != "v2" {
		t.Errorf("a.txt = %q, want v2", got)
	}
}

func TestBeginSkipsMissingFiles(t *testing.T) {
	root := t.TempDir()
	m := New(root)
	// Paths that do not exist yet (fresh downloads) need no snapshot.
	if err := m.Begin([]string{"does/not/exist.json"}); err != nil {
		t.Fatalf("begin: %v", err)
	}
}

func TestLockExclusive(t *testing.T) {
	root := t.TempDir()
	m1 := New(root)
	m2 := New(root)

	if err := m1.AcquireLock(); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := m2.AcquireLock(); !errors.Is(err, ErrLockHeld) {
		t.Errorf("second acquire err = %v, want ErrLockHeld", err)
	}
	if err := m1.ReleaseLock(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m2.AcquireLock(); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestReleaseLockIdempotent(t *testing.T) {
	m := New(t.TempDir())
	if err := m.ReleaseLock(); err != nil {
		t.Errorf("release without acquire: %v", err)
	}
}

func TestRecoverStaleTransaction(t *testing.T) {
	root := t.TempDir()
	original := []byte("pre-update content")
	write(t, root, "content/song.json", original)

	// A previous process acquired the lock, snapshotted, half-applied, then
	// crashed without releasing anything.
	crashed := New(root)
	if err := crashed.AcquireLock(); err != nil {
		t.Fatal(err)
	}
	if err := crashed.Begin([]string{"content/song.json"}); err != nil {
		t.Fatal(err)
	}
	write(t, root, "content/song.json", []byte("partial write"))

	fresh := New(root)
	recovered, err := fresh.Recover()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !recovered {
		t.Fatal("recover reported nothing to do")
	}
	if got := read(t, root, "content/song.json"); !bytes.Equal(got, original) {
		t.Errorf("song.json = %q, want pre-update bytes", got)
	}
	if fresh.LockPresent() {
		t.Error("lock still present after recovery")
	}

	// A clean startup has nothing to recover.
	recovered, err = fresh.Recover()
	if err != nil {
		t.Fatalf("second recover: %v", err)
	}
	if recovered {
		t.Error("recover ran twice")
	}
}

// writeLock plants a lock marker owned by an arbitrary pid, as another
// launcher process would have left it.
func writeLock(t *testing.T, root string, pid int) {
	t.Helper()
	data := fmt.Sprintf(`{"txn":"1f1e6f2a","pid":%d,"started_at":"2026-08-23T10:00:00Z"}`, pid)
	if err := os.WriteFile(filepath.Join(root, LockName), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRecoverLeavesLiveOwnerAlone(t *testing.T) {
	root := t.TempDir()
	write(t, root, "content/song.json", []byte("pre-update content"))

	// Another instance is mid-update: snapshot taken, file half-applied,
	// lock owned by a process that is alive (the test runner's parent).
	owner := New(root)
	if err := owner.Begin([]string{"content/song.json"}); err != nil {
		t.Fatal(err)
	}
	write(t, root, "content/song.json", []byte("mid-update bytes"))
	writeLock(t, root, os.Getppid())

	fresh := New(root)
	recovered, err := fresh.Recover()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered {
		t.Fatal("recover rolled back a transaction whose owner is still running")
	}
	if got := read(t, root, "content/song.json"); string(got) != "mid-update bytes" {
		t.Errorf("song.json = %q, live transaction's writes must stand", got)
	}
	if !fresh.LockPresent() {
		t.Error("lock removed from under the live owner")
	}
	if _, err := os.Stat(fresh.BackupRoot); err != nil {
		t.Error("live owner's snapshots removed")
	}
	// The second instance backs off instead of racing.
	if err := fresh.AcquireLock(); !errors.Is(err, ErrLockHeld) {
		t.Errorf("acquire err = %v, want ErrLockHeld", err)
	}
}

func TestRecoverClearsDeadOwnerLock(t *testing.T) {
	root := t.TempDir()
	original := []byte("pre-update content")
	write(t, root, "content/song.json", original)

	m := New(root)
	if err := m.Begin([]string{"content/song.json"}); err != nil {
		t.Fatal(err)
	}
	write(t, root, "content/song.json", []byte("partial write"))
	// Beyond any real pid space: the owner is certainly gone.
	writeLock(t, root, 1<<30)

	fresh := New(root)
	recovered, err := fresh.Recover()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !recovered {
		t.Fatal("dead owner's lock not treated as stale")
	}
	if got := read(t, root, "content/song.json"); !bytes.Equal(got, original) {
		t.Errorf("song.json = %q, want pre-update bytes", got)
	}
	if fresh.LockPresent() {
		t.Error("stale lock still present")
	}
}

func TestRecoverTreatsUnreadableLockAsStale(t *testing.T) {
	root := t.TempDir()
	original := []byte("pre-update content")
	write(t, root, "content/song.json", original)

	m := New(root)
	if err := m.Begin([]string{"content/song.json"}); err != nil {
		t.Fatal(err)
	}
	write(t, root, "content/song.json", []byte("partial write"))
	if err := os.WriteFile(filepath.Join(root, LockName), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	recovered, err := New(root).Recover()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !recovered {
		t.Fatal("corrupt lock not treated as stale")
	}
	if got := read(t, root, "content/song.json"); !bytes.Equal(got, original) {
		t.Errorf("song.json = %q, want pre-update bytes", got)
	}
}

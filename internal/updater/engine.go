// Package updater wires the manifest, diff, download, backup and rebuild
// pieces into the launch-time update flow. One engine run per process
// lifetime; whatever happens, the host application ends up with a complete,
// runnable file set — the old one or the new one, never a mixture.
package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/taozi8887/toa-launcher/internal/backup"
	"github.com/taozi8887/toa-launcher/internal/config"
	"github.com/taozi8887/toa-launcher/internal/diff"
	"github.com/taozi8887/toa-launcher/internal/fetch"
	"github.com/taozi8887/toa-launcher/internal/history"
	"github.com/taozi8887/toa-launcher/internal/logger"
	"github.com/taozi8887/toa-launcher/internal/manifest"
	"github.com/taozi8887/toa-launcher/internal/rebuild"
	"github.com/taozi8887/toa-launcher/internal/session"
)

// ManifestName is the on-disk name of the last fully-applied manifest,
// written only after every file of an update has been verified and placed.
const ManifestName = "manifest.json"

// StagingDirName holds verified downloads until the apply phase renames
// them into place. It lives inside the install root so renames never cross
// a filesystem boundary.
const StagingDirName = ".staging"

type Outcome string

const (
	OutcomeDisabled   Outcome = "disabled"
	OutcomeOffline    Outcome = "offline"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeUpToDate   Outcome = "up_to_date"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeApplied    Outcome = "applied"
)

// Result describes what one engine run did. Warning carries non-fatal
// problems (unreachable remote, rolled-back session, failed rebuild); the
// host launches regardless.
type Result struct {
	Outcome      Outcome
	FromVersion  string
	ToVersion    string
	FilesFetched int
	BytesFetched int64
	CodeChanged  bool
	Artifact     string // path of the freshly built binary, when a rebuild ran
	Warning      error
}

// Engine runs the update flow against one install root.
type Engine struct {
	Config   *config.Config
	Fetch    *fetch.Client
	Builder  rebuild.Builder
	History  *history.Store // optional journal
	Observer session.Observer
}

func New(cfg *config.Config) *Engine {
	return &Engine{
		Config: cfg,
		Fetch:  fetch.New(cfg.Remote.BaseURL, cfg.Remote.Manifest),
		Builder: &rebuild.CommandBuilder{
			Command:  cfg.Rebuild.Command,
			Dir:      cfg.Install.Root,
			Artifact: cfg.Rebuild.Artifact,
			Timeout:  cfg.RebuildTimeout(),
		},
	}
}

// Run executes one update cycle. It returns an error only when the install
// could not be put back into a consistent state; everything recoverable is
// folded into Result.Warning.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	started := time.Now().UTC()
	res := &Result{}
	defer func() { e.record(res, started) }()

	if !e.Config.Update.Enabled {
		res.Outcome = OutcomeDisabled
		return res, nil
	}

	root := e.Config.Install.Root
	mgr := backup.New(root)

	// A lock marker at startup is either another live instance's transaction
	// (left alone; AcquireLock below reports it) or the residue of a crash.
	// Recover tells them apart by the recorded owner and restores the
	// pre-update state in the crash case before anything else.
	if recovered, err := mgr.Recover(); err != nil {
		return nil, fmt.Errorf("recover interrupted update: %w", err)
	} else if recovered {
		logger.Info("recovered interrupted update transaction", "root", root)
	}

	localPath := filepath.Join(root, ManifestName)
	local, err := manifest.Load(localPath)
	if err != nil {
		// A corrupt local manifest downgrades to a first-run install: every
		// remote file gets re-fetched and re-verified.
		logger.Warn("local manifest unreadable, treating as first run", "err", err)
		local = nil
	}
	if local != nil {
		res.FromVersion = local.Version
	}

	// The remote manifest is fetched exactly once and pinned for the whole
	// session; files are always verified against this snapshot.
	remote, err := e.Fetch.Manifest(ctx)
	if err != nil {
		logger.Info("remote unavailable, launching with existing files", "err", err)
		res.Outcome = OutcomeOffline
		res.Warning = err
		return res, nil
	}
	res.ToVersion = remote.Version

	plan, err := diff.Compute(local, remote, e.categories())
	if err != nil {
		// A local version we cannot parse means our own state is suspect;
		// skip this cycle rather than guess.
		res.Outcome = OutcomeOffline
		res.Warning = err
		return res, nil
	}

	if plan.Empty() {
		res.Outcome = OutcomeUpToDate
		if local == nil {
			// First contact with an empty remote file set: persist the
			// manifest so the next launch short-circuits on version.
			if err := manifest.Save(localPath, remote); err != nil {
				return nil, err
			}
		}
		return res, nil
	}

	logger.Info("update available",
		"from", res.FromVersion, "to", remote.Version,
		"fetch", len(plan.ToFetch), "delete", len(plan.ToDelete),
		"bytes", plan.TotalBytes(), "code_changed", plan.CodeChanged)

	if err := mgr.AcquireLock(); err != nil {
		if errors.Is(err, backup.ErrLockHeld) {
			res.Outcome = OutcomeSkipped
			res.Warning = err
			return res, nil
		}
		return nil, err
	}

	// The local manifest is replaced during apply; snapshot it alongside the
	// files so a rollback restores a matched version/file-set pair.
	if err := mgr.Begin(append(affectedPaths(plan), ManifestName)); err != nil {
		mgr.Rollback()
		mgr.ReleaseLock()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	stagingDir := filepath.Join(root, StagingDirName)
	defer os.RemoveAll(stagingDir)

	sess := &session.Session{
		Fetch:       e.Fetch,
		StagingDir:  stagingDir,
		ChunkSize:   e.Config.Update.ChunkSizeKiB * 1024,
		MaxAttempts: e.Config.Update.MaxAttempts,
		Observer:    e.Observer,
	}
	staged, err := sess.Run(ctx, plan)
	if err != nil {
		return e.abort(res, mgr, err)
	}

	if err := e.apply(plan, staged, localPath, remote); err != nil {
		return e.abort(res, mgr, err)
	}

	if err := mgr.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	if err := mgr.ReleaseLock(); err != nil {
		return nil, err
	}

	res.Outcome = OutcomeApplied
	res.FilesFetched = len(plan.ToFetch)
	res.BytesFetched = plan.TotalBytes()
	res.CodeChanged = plan.CodeChanged
	logger.Info("update applied", "version", remote.Version, "files", res.FilesFetched)

	if plan.CodeChanged {
		// The lock is already released: the relaunched binary must be able
		// to take its own transaction. A failed rebuild never rolls back
		// the content update; the host runs the new files uncompiled.
		artifact, err := e.Builder.Build(ctx)
		if err != nil {
			logger.Warn("rebuild failed, continuing with updated files", "err", err)
			res.Warning = err
		} else {
			res.Artifact = artifact
		}
	}

	return res, nil
}

// abort rolls the install back after a failed session or apply phase. The
// failure itself is recoverable from the host's point of view, so it comes
// back as a warning, not an error.
func (e *Engine) abort(res *Result, mgr *backup.Manager, cause error) (*Result, error) {
	logger.Warn("update failed, rolling back", "err", cause)
	if err := mgr.Rollback(); err != nil {
		return nil, fmt.Errorf("rollback after %v: %w", cause, err)
	}
	if err := mgr.ReleaseLock(); err != nil {
		return nil, err
	}
	res.Outcome = OutcomeRolledBack
	res.Warning = cause
	return res, nil
}

// apply renames every staged file into the install root, removes deleted
// files, and only then overwrites the local manifest. The backup snapshot
// covers every touched path, so any failure here is fully restorable.
func (e *Engine) apply(plan *diff.Plan, staged []session.Staged, localPath string, remote *manifest.Manifest) error {
	for _, st := range staged {
		dst := filepath.Join(e.Config.Install.Root, filepath.FromSlash(st.Item.InstallPath()))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("mkdir for %s: %w", st.Item.InstallPath(), err)
		}
		if err := os.Rename(st.Path, dst); err != nil {
			return fmt.Errorf("place %s: %w", st.Item.InstallPath(), err)
		}
	}
	for _, rel := range plan.ToDelete {
		err := os.Remove(filepath.Join(e.Config.Install.Root, filepath.FromSlash(rel)))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", rel, err)
		}
	}
	if err := manifest.Save(localPath, remote); err != nil {
		return err
	}
	return nil
}

func (e *Engine) categories() []string {
	if len(e.Config.Install.Categories) == 0 {
		return nil
	}
	return e.Config.Install.Categories
}

func affectedPaths(plan *diff.Plan) []string {
	paths := make([]string, 0, len(plan.ToFetch)+len(plan.ToDelete))
	for _, it := range plan.ToFetch {
		paths = append(paths, it.InstallPath())
	}
	paths = append(paths, plan.ToDelete...)
	return paths
}

func (e *Engine) record(res *Result, started time.Time) {
	if e.History == nil || res == nil || res.Outcome == "" {
		return
	}
	detail := ""
	if res.Warning != nil {
		detail = res.Warning.Error()
	}
	rec := &history.Record{
		ID:           uuid.NewString(),
		StartedAt:    started,
		FinishedAt:   time.Now().UTC(),
		FromVersion:  res.FromVersion,
		ToVersion:    res.ToVersion,
		Outcome:      string(res.Outcome),
		FilesFetched: res.FilesFetched,
		BytesFetched: res.BytesFetched,
		CodeChanged:  res.CodeChanged,
		Detail:       detail,
	}
	if err := e.History.Append(rec); err != nil {
		logger.Warn("record update session", "err", err)
	}
}

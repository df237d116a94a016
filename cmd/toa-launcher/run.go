package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/taozi8887/toa-launcher/internal/config"
	"github.com/taozi8887/toa-launcher/internal/history"
	"github.com/taozi8887/toa-launcher/internal/logger"
	"github.com/taozi8887/toa-launcher/internal/rebuild"
	"github.com/taozi8887/toa-launcher/internal/session"
	"github.com/taozi8887/toa-launcher/internal/updater"
)

// runUpdate executes one update cycle and, when a rebuild produced a new
// binary, hands execution off to it. Update problems are deliberately
// non-fatal: the game must always be able to launch with some consistent
// file set.
func runUpdate(configPath string, force bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if force {
		cfg.Update.Enabled = true
	}

	eng := updater.New(cfg)
	eng.Observer = progressPrinter()

	if cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			logger.Warn("update history unavailable", "err", err)
		} else {
			defer store.Close()
			eng.History = store
		}
	}

	// Ctrl-C cancels cooperatively: the session finishes or fails the
	// current file, rolls back, and we launch with the old file set.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := eng.Run(ctx)
	if err != nil {
		// Even a failed recovery must not stop the game from starting;
		// surface it loudly and carry on.
		logger.Error("update engine failed", "err", err)
		return nil
	}

	if res.Warning != nil {
		logger.Warn("update finished with warning", "outcome", res.Outcome, "warning", res.Warning)
	}

	if res.Artifact != "" {
		logger.Info("handing off to rebuilt binary", "artifact", res.Artifact)
		if err := rebuild.Relaunch(res.Artifact, os.Args[1:]); err != nil {
			logger.Warn("relaunch failed, continuing with current binary", "err", err)
			return nil
		}
		os.Exit(0)
	}

	switch res.Outcome {
	case updater.OutcomeApplied:
		logger.Info("content updated", "version", res.ToVersion, "files", res.FilesFetched)
	case updater.OutcomeUpToDate:
		logger.Info("already up to date", "version", res.ToVersion)
	}
	return nil
}

// progressPrinter renders per-file download progress on one line.
func progressPrinter() session.Observer {
	return func(p session.Progress) {
		pct := int64(100)
		if p.Total > 0 {
			pct = p.Bytes * 100 / p.Total
		}
		fmt.Fprintf(os.Stdout, "\r[%d/%d] %s %3d%%", p.FileIndex, p.TotalFiles, p.Path, pct)
		if p.Bytes == p.Total && p.FileIndex == p.TotalFiles {
			fmt.Fprintln(os.Stdout)
		}
	}
}

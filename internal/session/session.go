// Package session streams the files of an update plan into a staging
// directory, verifying size and digest per file and retrying transient
// failures. Verified files are never placed into the live install here;
// the apply phase renames them in one sweep after the whole plan succeeds.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/taozi8887/toa-launcher/internal/diff"
	"github.com/taozi8887/toa-launcher/internal/digest"
	"github.com/taozi8887/toa-launcher/internal/fetch"
	"github.com/taozi8887/toa-launcher/internal/logger"
)

var (
	// ErrTruncatedDownload means the stream ended before (or after) the
	// declared byte count.
	ErrTruncatedDownload = errors.New("truncated download")
	// ErrIntegrityFailure means the downloaded bytes hash to something
	// other than the manifest digest.
	ErrIntegrityFailure = errors.New("integrity failure")
)

const (
	defaultChunkSize   = 1 << 20 // 1 MiB
	defaultMaxAttempts = 3
	defaultRetryBase   = 500 * time.Millisecond
	defaultRetryMax    = 5 * time.Second

	// Chunk-level progress events are throttled to this rate; file start
	// and completion events always go through.
	progressEventsPerSec = 20
)

// Progress is one observer event: per-file index plus per-chunk byte counts.
type Progress struct {
	FileIndex  int // 1-based
	TotalFiles int
	Path       string
	Bytes      int64
	Total      int64
}

// Observer receives progress events. It must not block; the session
// additionally throttles chunk events and isolates observer panics so a
// broken callback cannot take down the download loop.
type Observer func(Progress)

// Staged is one fully verified file waiting in the staging directory.
type Staged struct {
	Item diff.Item
	Path string // absolute path of the staged temp file
}

// Session downloads every file of a plan, in order.
type Session struct {
	Fetch       *fetch.Client
	StagingDir  string
	ChunkSize   int
	MaxAttempts int
	RetryBase   time.Duration // delay before the first retry, doubled per attempt
	RetryMax    time.Duration // delay cap
	Observer    Observer

	limiter *rate.Limiter
}

// Run executes the whole plan. Any file that exhausts its retries aborts the
// session; the caller is expected to roll back. Cancellation is checked
// between chunks and between files and behaves exactly like a failure.
func (s *Session) Run(ctx context.Context, plan *diff.Plan) ([]Staged, error) {
	if s.ChunkSize <= 0 {
		s.ChunkSize = defaultChunkSize
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = defaultMaxAttempts
	}
	if s.RetryBase <= 0 {
		s.RetryBase = defaultRetryBase
	}
	if s.RetryMax <= 0 {
		s.RetryMax = defaultRetryMax
	}
	s.limiter = rate.NewLimiter(rate.Limit(progressEventsPerSec), progressEventsPerSec)

	staged := make([]Staged, 0, len(plan.ToFetch))
	total := len(plan.ToFetch)

	for i, item := range plan.ToFetch {
		if err := ctx.Err(); err != nil {
			s.cleanup(staged)
			return nil, fmt.Errorf("session cancelled: %w", err)
		}

		path, err := s.downloadFile(ctx, item, i+1, total)
		if err != nil {
			s.cleanup(staged)
			return nil, err
		}
		staged = append(staged, Staged{Item: item, Path: path})
	}

	return staged, nil
}

// downloadFile fetches one file with retries. Each attempt streams into a
// fresh temp file and verifies size and digest before the file counts as
// staged.
func (s *Session) downloadFile(ctx context.Context, item diff.Item, index, total int) (string, error) {
	rel := item.InstallPath()
	dst := filepath.Join(s.StagingDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("mkdir staging for %s: %w", rel, err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := s.retryDelay(attempt)
			logger.Warn("retrying download", "path", rel, "attempt", attempt, "delay", delay, "err", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", fmt.Errorf("session cancelled: %w", ctx.Err())
			}
		}

		lastErr = s.attempt(ctx, item, dst, index, total)
		if lastErr == nil {
			return dst, nil
		}
		os.Remove(dst)
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return "", lastErr
		}
	}

	return "", fmt.Errorf("download %s failed after %d attempts: %w", rel, s.MaxAttempts, lastErr)
}

// retryDelay waits RetryBase before attempt 2 and doubles from there, capped
// at RetryMax. The shift guard also covers overflow on absurd attempt counts.
func (s *Session) retryDelay(attempt int) time.Duration {
	d := s.RetryBase << (attempt - 2)
	if d <= 0 || d > s.RetryMax {
		d = s.RetryMax
	}
	return d
}

func (s *Session) attempt(ctx context.Context, item diff.Item, dst string, index, total int) error {
	rel := item.InstallPath()

	body, declared, err := s.Fetch.File(ctx, rel)
	if err != nil {
		return err
	}
	defer body.Close()

	if declared != item.Size {
		// The remote is serving a different file than the manifest we
		// pinned at session start; treat as truncation up front.
		return fmt.Errorf("%w: %s: declared %d bytes, manifest says %d", ErrTruncatedDownload, rel, declared, item.Size)
	}

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create staging file for %s: %w", rel, err)
	}

	h := digest.New()
	buf := make([]byte, s.ChunkSize)
	var read int64

	s.notify(Progress{FileIndex: index, TotalFiles: total, Path: rel, Bytes: 0, Total: item.Size}, true)

	for {
		if err := ctx.Err(); err != nil {
			f.Close()
			return err
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			read += int64(n)
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return fmt.Errorf("write staging file for %s: %w", rel, werr)
			}
			h.Write(buf[:n])
			s.notify(Progress{FileIndex: index, TotalFiles: total, Path: rel, Bytes: read, Total: item.Size}, false)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			return fmt.Errorf("%w: GET %s: %v", fetch.ErrRemoteUnavailable, rel, rerr)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close staging file for %s: %w", rel, err)
	}

	if read != item.Size {
		return fmt.Errorf("%w: %s: got %d bytes, want %d", ErrTruncatedDownload, rel, read, item.Size)
	}
	if sum := h.Sum(); sum != item.Hash {
		return fmt.Errorf("%w: %s: digest %s, want %s", ErrIntegrityFailure, rel, sum, item.Hash)
	}

	s.notify(Progress{FileIndex: index, TotalFiles: total, Path: rel, Bytes: read, Total: item.Size}, true)
	return nil
}

// notify delivers a progress event. Chunk events are rate-limited; boundary
// events (force) always fire. A panicking observer is swallowed so it cannot
// abort the download.
func (s *Session) notify(p Progress, force bool) {
	if s.Observer == nil {
		return
	}
	if !force && !s.limiter.Allow() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("progress observer panicked", "err", r)
		}
	}()
	s.Observer(p)
}

func (s *Session) cleanup(staged []Staged) {
	for _, st := range staged {
		os.Remove(st.Path)
	}
}

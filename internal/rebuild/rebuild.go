// Package rebuild invokes the external packaging tool when code files
// changed, and hands execution off to the freshly built binary. The packager
// is reached only through the Builder interface so tests can swap in a
// double that simulates success, failure or timeout.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/taozi8887/toa-launcher/internal/logger"
)

// ErrRebuildFailed is non-fatal: the content update stands and the host keeps
// running from the updated files without a fresh binary.
var ErrRebuildFailed = errors.New("rebuild failed")

const defaultTimeout = 10 * time.Minute

// Builder produces a distributable artifact and returns its path.
type Builder interface {
	Build(ctx context.Context) (string, error)
}

// CommandBuilder runs the packaging collaborator as an opaque subprocess.
// Success is exit code 0 plus the artifact existing at the expected path.
type CommandBuilder struct {
	Command  []string      // argv of the packaging tool
	Dir      string        // working directory
	Artifact string        // expected output, relative to Dir unless absolute
	Timeout  time.Duration
}

func (b *CommandBuilder) Build(ctx context.Context) (string, error) {
	if len(b.Command) == 0 {
		return "", fmt.Errorf("%w: no build command configured", ErrRebuildFailed)
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Info("invoking packager", "command", strings.Join(b.Command, " "))
	cmd := exec.CommandContext(ctx, b.Command[0], b.Command[1:]...)
	cmd.Dir = b.Dir
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("%w: timed out after %s", ErrRebuildFailed, timeout)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v: %s", ErrRebuildFailed, err, strings.TrimSpace(string(out)))
	}

	artifact := b.Artifact
	if !filepath.IsAbs(artifact) {
		artifact = filepath.Join(b.Dir, artifact)
	}
	if _, err := os.Stat(artifact); err != nil {
		return "", fmt.Errorf("%w: artifact missing at %s", ErrRebuildFailed, artifact)
	}
	return artifact, nil
}

// Relaunch starts the new artifact as an independent process. The caller
// must have committed the transaction and released the install lock before
// calling this, and must exit immediately afterwards; the two processes
// share nothing but the files already written to the install root.
func Relaunch(artifact string, args []string) error {
	cmd := exec.Command(artifact, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", artifact, err)
	}
	// Detach: the new process outlives us.
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("release %s: %w", artifact, err)
	}
	return nil
}

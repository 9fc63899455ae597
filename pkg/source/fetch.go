// Package source implements the Source Fetcher (spec §4.2): a shallow git
// clone into a scratch directory, HEAD resolution, and credential-scrubbed
// SSH key injection via GIT_SSH_COMMAND.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/otturnaut/agent/pkg/errs"
	"github.com/otturnaut/agent/pkg/runcmd"
)

// defaultTimeout bounds a single git invocation inside Fetch.
const defaultTimeout = 5 * time.Minute

// Fetched is the result of a successful Fetch.
type Fetched struct {
	Dir        string
	CommitHash string
}

// Fetch shallow-clones repoURL at ref into a fresh scratch directory and
// resolves the resulting commit hash (spec §4.2). depth of 0 means no
// --depth flag is passed (full clone). When sshKeyPath is non-empty, it is
// injected via GIT_SSH_COMMAND, never inlined into a shell string.
func Fetch(ctx context.Context, repoURL, ref string, depth int, sshKeyPath string) (*Fetched, error) {
	dir, err := scratchDir()
	if err != nil {
		return nil, &errs.MkdirFailed{Cause: err}
	}

	args := []string{"clone", "--branch", ref}
	if depth > 0 {
		args = append(args, "--depth", fmt.Sprintf("%d", depth))
	}
	args = append(args, repoURL, dir)

	env := os.Environ()
	if sshKeyPath != "" {
		env = append(env, "GIT_SSH_COMMAND="+sshCommand(sshKeyPath))
	}

	res := runcmd.Run(ctx, runcmd.Spec{
		Name:    "git",
		Args:    args,
		Env:     env,
		Timeout: defaultTimeout,
	})
	if res.Kind != runcmd.OK {
		_ = Cleanup(dir)
		return nil, &errs.CloneFailed{ExitCode: res.ExitCode, Stderr: lastLine(res.Output)}
	}

	hashRes := runcmd.Run(ctx, runcmd.Spec{
		Name:    "git",
		Args:    []string{"rev-parse", "HEAD"},
		Dir:     dir,
		Timeout: 30 * time.Second,
	})
	if hashRes.Kind != runcmd.OK {
		_ = Cleanup(dir)
		return nil, &errs.HashResolveFailed{ExitCode: hashRes.ExitCode}
	}

	return &Fetched{
		Dir:        dir,
		CommitHash: strings.TrimSpace(hashRes.Output),
	}, nil
}

// Cleanup idempotently removes a scratch directory; a missing directory is
// success.
func Cleanup(dir string) error {
	if dir == "" {
		return nil
	}
	err := os.RemoveAll(dir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// scratchDir creates a fresh, collision-resistant scratch directory under
// the system temp path.
func scratchDir() (string, error) {
	name := fmt.Sprintf("otturnaut-src-%s", uuid.NewString())
	dir := filepath.Join(os.TempDir(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// sshCommand builds the GIT_SSH_COMMAND value with the strict-mode flags
// spec §4.2 requires.
func sshCommand(keyPath string) string {
	return fmt.Sprintf(
		"ssh -i %s -o IdentityAgent=none -o IdentitiesOnly=yes -o StrictHostKeyChecking=accept-new -o BatchMode=yes",
		keyPath,
	)
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) == 0 {
		return ""
	}
	// Return up to the last few lines as a snippet.
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "; ")
}

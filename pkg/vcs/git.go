// Package vcs keeps the modules directory in step with a remote Git
// repository using the git CLI.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeydtaylor/steeze-hotload/pkg/core"
	"go.uber.org/zap"
)

// Git syncs Dir with Remote. The zero Timeout means no deadline on the
// network step.
type Git struct {
	Dir         string
	Remote      string
	Branch      string
	Timeout     time.Duration
	AuthorName  string
	AuthorEmail string
	Log         *zap.Logger
}

// Available reports whether the git binary is on PATH.
func Available() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// FetchBatch brings Dir up to date and returns the relative paths that are
// new or changed on disk. An empty Dir is cloned and every tracked file is
// reported. Only the network step is bounded by Timeout; once it succeeds
// the fast-forward always runs to completion, and when it times out nothing
// on disk has changed.
func (g *Git) FetchBatch(ctx context.Context) ([]string, error) {
	if !Available() {
		return nil, &core.ExternalSyncError{Op: "lookup", Err: errors.New("git not found on PATH")}
	}
	empty, err := isEmptyDir(g.Dir)
	if err != nil {
		return nil, &core.ExternalSyncError{Op: "stat", Err: err}
	}
	if empty {
		return g.clone(ctx)
	}
	return g.pull(ctx)
}

func (g *Git) clone(ctx context.Context) ([]string, error) {
	if g.Remote == "" {
		return nil, &core.ExternalSyncError{Op: "clone", Err: errors.New("no remote configured")}
	}
	nctx, cancel := g.networkContext(ctx)
	defer cancel()

	args := []string{"clone", "--quiet"}
	if g.Branch != "" {
		args = append(args, "--branch", g.Branch)
	}
	args = append(args, g.Remote, g.Dir)
	if _, err := g.run(nctx, "", args...); err != nil {
		// a half-written clone would be mistaken for a repository next time
		_ = clearDir(g.Dir)
		return nil, &core.ExternalSyncError{Op: "clone", Err: err}
	}
	out, err := g.run(ctx, g.Dir, "ls-files")
	if err != nil {
		return nil, &core.ExternalSyncError{Op: "ls-files", Err: err}
	}
	g.logger().Info("repository cloned", zap.String("remote", g.Remote), zap.String("dir", g.Dir))
	return lines(out), nil
}

func (g *Git) pull(ctx context.Context) ([]string, error) {
	old, err := g.run(ctx, g.Dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, &core.ExternalSyncError{Op: "rev-parse", Err: err}
	}

	nctx, cancel := g.networkContext(ctx)
	defer cancel()
	remote := "origin"
	args := []string{"fetch", "--quiet", remote}
	if g.Branch != "" {
		args = append(args, g.Branch)
	}
	if _, err := g.run(nctx, g.Dir, args...); err != nil {
		return nil, &core.ExternalSyncError{Op: "fetch", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &core.ExternalSyncError{Op: "fetch", Err: err}
	}

	// Not bound to ctx: a merge killed halfway would leave the tree in an
	// unexplained state.
	if _, err := g.run(context.Background(), g.Dir, "merge", "--ff-only", "--quiet", "FETCH_HEAD"); err != nil {
		return nil, &core.ExternalSyncError{Op: "merge", Err: err}
	}

	cur, err := g.run(ctx, g.Dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, &core.ExternalSyncError{Op: "rev-parse", Err: err}
	}
	oldRev, newRev := strings.TrimSpace(old), strings.TrimSpace(cur)
	if oldRev == newRev {
		return nil, nil
	}
	// a rename must report both sides so the old path gets removed
	out, err := g.run(ctx, g.Dir, "diff", "--name-only", "--no-renames", oldRev+".."+newRev)
	if err != nil {
		return nil, &core.ExternalSyncError{Op: "diff", Err: err}
	}
	batch := lines(out)
	g.logger().Info("repository updated",
		zap.String("from", short(oldRev)), zap.String("to", short(newRev)), zap.Int("files", len(batch)))
	return batch, nil
}

// Commit records paths (relative to Dir) with msg. A clean tree is a no-op.
func (g *Git) Commit(ctx context.Context, paths []string, msg string) error {
	if !Available() {
		return &core.ExternalSyncError{Op: "lookup", Err: errors.New("git not found on PATH")}
	}
	args := append([]string{"add", "-A", "--"}, paths...)
	if _, err := g.run(ctx, g.Dir, args...); err != nil {
		return &core.ExternalSyncError{Op: "add", Err: err}
	}
	out, err := g.run(ctx, g.Dir, "status", "--porcelain")
	if err != nil {
		return &core.ExternalSyncError{Op: "status", Err: err}
	}
	if strings.TrimSpace(out) == "" {
		return nil
	}
	commit := []string{}
	if g.AuthorName != "" {
		commit = append(commit, "-c", "user.name="+g.AuthorName)
	}
	if g.AuthorEmail != "" {
		commit = append(commit, "-c", "user.email="+g.AuthorEmail)
	}
	commit = append(commit, "commit", "--quiet", "-m", msg)
	if _, err := g.run(ctx, g.Dir, commit...); err != nil {
		return &core.ExternalSyncError{Op: "commit", Err: err}
	}
	return nil
}

func (g *Git) networkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.Timeout > 0 {
		return context.WithTimeout(ctx, g.Timeout)
	}
	return context.WithCancel(ctx)
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("git %s: %w", args[0], ctxErr)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (g *Git) logger() *zap.Logger {
	if g.Log == nil {
		return zap.NewNop()
	}
	return g.Log
}

func isEmptyDir(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return len(entries) == 0, nil
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func lines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

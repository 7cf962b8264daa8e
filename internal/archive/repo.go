package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/agentmail/agentmail/internal/types"
)

// Synthetic committer identity. Archive commits never carry a user identity.
const (
	gitAuthorName  = "mcp-agent-mail"
	gitAuthorEmail = "bot@local"

	lockFileName = ".am.lock"
	lockTimeout  = 30 * time.Second
	lockRetry    = 50 * time.Millisecond
)

// Repo is one project's git-backed archive tree.
type Repo struct {
	dir  string
	slug string
}

// Dir returns the repo working directory.
func (r *Repo) Dir() string { return r.dir }

// Slug returns the project slug this repo belongs to.
func (r *Repo) Slug() string { return r.slug }

// CommitInfo describes one write session for the structured commit message.
type CommitInfo struct {
	Summary   string
	Agent     string
	Thread    string
	MessageID string
	Kind      string // send|reply|reserve|release|profile
}

// Session records every file the caller writes so a failed commit can be
// rolled back to the pre-session state.
type Session struct {
	repo *Repo
	pre  []preImage
}

type preImage struct {
	path    string
	data    []byte
	existed bool
}

// WriteFile atomically writes relPath (relative to the repo root), capturing
// the file's previous content first.
func (s *Session) WriteFile(relPath string, data []byte) error {
	abs := filepath.Join(s.repo.dir, relPath)
	s.capture(abs)
	return writeFileAtomic(abs, data, 0644)
}

// FileExists reports whether relPath already exists in the tree. Used for
// content-addressed attachment dedup.
func (s *Session) FileExists(relPath string) bool {
	_, err := os.Stat(filepath.Join(s.repo.dir, relPath))
	return err == nil
}

func (s *Session) capture(abs string) {
	for _, p := range s.pre {
		if p.path == abs {
			return
		}
	}
	data, err := os.ReadFile(abs) // #nosec G304 - path inside our own repo tree
	if err != nil {
		s.pre = append(s.pre, preImage{path: abs})
		return
	}
	s.pre = append(s.pre, preImage{path: abs, data: data, existed: true})
}

// rollback restores captured pre-images in reverse order.
func (s *Session) rollback() {
	for i := len(s.pre) - 1; i >= 0; i-- {
		p := s.pre[i]
		if p.existed {
			if err := writeFileAtomic(p.path, p.data, 0644); err != nil {
				slog.Error("rollback restore failed", "path", p.path, "error", err)
			}
			continue
		}
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			slog.Error("rollback remove failed", "path", p.path, "error", err)
		}
	}
}

// Commit runs fn under the project's advisory lock, then stages and commits
// everything fn wrote. One request, one commit. On failure the tree is
// restored to its pre-session state.
func (r *Repo) Commit(ctx context.Context, info CommitInfo, fn func(s *Session) error) error {
	if err := r.ensureInit(ctx); err != nil {
		return err
	}

	lock := flock.New(filepath.Join(r.dir, lockFileName))
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, lockRetry)
	if err != nil || !locked {
		return types.E(types.KindCommitFailed,
			"could not acquire project lock for %s", r.slug)
	}
	defer func() { _ = lock.Unlock() }()

	session := &Session{repo: r}
	if err := fn(session); err != nil {
		session.rollback()
		return err
	}

	if err := r.commitAll(ctx, info); err != nil {
		session.rollback()
		return err
	}
	return nil
}

// ensureInit lazily initializes the git repository and its synthetic
// identity.
func (r *Repo) ensureInit(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(r.dir, ".git")); err == nil {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0750); err != nil {
		return fmt.Errorf("failed to create repo directory: %w", err)
	}
	if out, err := r.git(ctx, "init", "-q"); err != nil {
		return types.Wrap(types.KindCommitFailed, err,
			"git init failed for %s: %s", r.slug, strings.TrimSpace(out))
	}
	for _, kv := range [][2]string{
		{"user.name", gitAuthorName},
		{"user.email", gitAuthorEmail},
	} {
		if out, err := r.git(ctx, "config", kv[0], kv[1]); err != nil {
			return types.Wrap(types.KindCommitFailed, err,
				"git config failed for %s: %s", r.slug, strings.TrimSpace(out))
		}
	}
	return nil
}

func (r *Repo) commitAll(ctx context.Context, info CommitInfo) error {
	if out, err := r.git(ctx, "add", "-A"); err != nil {
		return types.Wrap(types.KindCommitFailed, err,
			"git add failed for %s: %s", r.slug, strings.TrimSpace(out))
	}

	msg := formatCommitMessage(info)
	out, err := r.git(ctx, "commit", "-q", "--allow-empty",
		"--author", fmt.Sprintf("%s <%s>", gitAuthorName, gitAuthorEmail),
		"-m", msg)
	if err != nil {
		return types.Wrap(types.KindCommitFailed, err,
			"git commit failed for %s: %s", r.slug, strings.TrimSpace(out))
	}
	return nil
}

// formatCommitMessage renders the one-line summary plus trailers.
func formatCommitMessage(info CommitInfo) string {
	var sb strings.Builder
	sb.WriteString(info.Summary)
	sb.WriteString("\n")
	if info.Agent != "" {
		sb.WriteString("\nAgent: " + info.Agent)
	}
	if info.Thread != "" {
		sb.WriteString("\nThread: " + info.Thread)
	}
	if info.MessageID != "" {
		sb.WriteString("\nMessage-Id: " + info.MessageID)
	}
	if info.Kind != "" {
		sb.WriteString("\nKind: " + info.Kind)
	}
	return sb.String()
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	// Keep the environment's git from injecting a user identity.
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+gitAuthorName,
		"GIT_AUTHOR_EMAIL="+gitAuthorEmail,
		"GIT_COMMITTER_NAME="+gitAuthorName,
		"GIT_COMMITTER_EMAIL="+gitAuthorEmail,
	)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

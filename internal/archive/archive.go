// Package archive maintains the per-project filesystem trees that, together
// with their git history, form the durable record. Every write lands via an
// atomic temp-file/fsync/rename so a crash never leaves a torn file.
package archive

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Archive is rooted at the storage directory and hands out per-project repos.
type Archive struct {
	root string
}

// New creates an archive rooted at root. The directory is created on first
// write, not here.
func New(root string) *Archive {
	return &Archive{root: root}
}

// Root returns the storage root directory.
func (a *Archive) Root() string { return a.root }

// Repo returns the git-backed tree for one project.
func (a *Archive) Repo(slug string) *Repo {
	return &Repo{
		dir:  filepath.Join(a.root, "projects", slug, "repo"),
		slug: slug,
	}
}

// Relative path layout inside a project repo. Paths use forward slashes and
// are joined onto the repo dir at write time.

// MessagePath is the canonical message file location.
func MessagePath(msgID string, created time.Time) string {
	return filepath.Join("messages", datedDir(created), msgID+".md")
}

// OutboxPath is the sender's copy.
func OutboxPath(agent, msgID string, created time.Time) string {
	return filepath.Join("agents", agent, "outbox", datedDir(created), msgID+".md")
}

// InboxPath is one recipient's copy.
func InboxPath(agent, msgID string, created time.Time) string {
	return filepath.Join("agents", agent, "inbox", datedDir(created), msgID+".md")
}

// ProfilePath is the agent's profile document.
func ProfilePath(agent string) string {
	return filepath.Join("agents", agent, "profile.json")
}

// ClaimPath addresses a reservation artifact by its pattern hash, so one
// pattern maps to one file regardless of shell-hostile characters.
func ClaimPath(pathPattern string) string {
	sum := sha1.Sum([]byte(pathPattern))
	return filepath.Join("claims", hex.EncodeToString(sum[:])+".json")
}

// AttachmentPath shards stored attachments by the first two hex digits.
func AttachmentPath(sha1hex, ext string) string {
	return filepath.Join("attachments", sha1hex[:2], sha1hex+"."+ext)
}

// OriginalPath is where the pre-transcode binary is retained when the
// keep-originals policy is on.
func OriginalPath(sha1hex, origExt string) string {
	return filepath.Join("attachments", "originals", sha1hex+"."+origExt)
}

func datedDir(t time.Time) string {
	t = t.UTC()
	return filepath.Join(fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", t.Month()))
}

// writeFileAtomic writes data to path via a sibling temp file, fsyncs, and
// renames into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".am-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename into place: %w", err)
	}
	return nil
}

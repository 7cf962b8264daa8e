// Package guard installs a pre-commit hook into target code repositories
// that refuses commits touching paths exclusively reserved by another agent.
// The hook shells back into the agentmail binary; the reservation check
// itself reads the claims artifacts straight from the project archive.
package guard

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentmail/agentmail/internal/archive"
	"github.com/agentmail/agentmail/internal/reserve"
	"github.com/agentmail/agentmail/internal/storage"
	"github.com/agentmail/agentmail/internal/types"
)

// marker identifies hooks we wrote; uninstall never touches a hook without
// it.
const marker = "# agentmail pre-commit guard"

const hookTemplate = `#!/bin/sh
` + marker + `
# Installed by agentmail; remove with: agentmail guard uninstall
if [ "$AGENT_MAIL_BYPASS" = "1" ]; then
    echo "warning: agentmail reservation guard bypassed (AGENT_MAIL_BYPASS=1)" >&2
    exit 0
fi
exec %q guard check --claims %q --agent "${AGENT_NAME:-$GIT_AUTHOR_NAME}"
`

// Script renders the hook body for one target repo.
func Script(binPath, claimsRepoDir string) string {
	return fmt.Sprintf(hookTemplate, binPath, claimsRepoDir)
}

// Install writes the pre-commit hook into repoPath's hooks directory and
// records the install. An existing hook that is not ours is never replaced.
func Install(ctx context.Context, store storage.Store, arch *archive.Archive, project *types.Project, repoPath, installedBy string) (*types.Build, error) {
	hooksDir := filepath.Join(repoPath, ".git", "hooks")
	if _, err := os.Stat(filepath.Join(repoPath, ".git")); err != nil {
		return nil, types.E(types.KindValidation, "%s is not a git repository", repoPath)
	}
	hookPath := filepath.Join(hooksDir, "pre-commit")

	if existing, err := os.ReadFile(hookPath); err == nil { // #nosec G304 - operator-supplied repo path
		if !strings.Contains(string(existing), marker) {
			return nil, types.E(types.KindValidation,
				"%s already has a pre-commit hook that is not ours; refusing to replace it", repoPath)
		}
	}

	if err := os.MkdirAll(hooksDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create hooks directory: %w", err)
	}
	bin, err := os.Executable()
	if err != nil {
		bin = "agentmail"
	}
	script := Script(bin, arch.Repo(project.Slug).Dir())
	if err := os.WriteFile(hookPath, []byte(script), 0755); err != nil { // #nosec G306 - hook must be executable
		return nil, fmt.Errorf("failed to write hook: %w", err)
	}

	b := &types.Build{
		ProjectID:   project.ID,
		RepoPath:    repoPath,
		HookPath:    hookPath,
		InstalledBy: installedBy,
		InstalledAt: time.Now().UTC(),
	}
	if err := store.RecordBuild(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Uninstall removes our hook from repoPath, leaving foreign hooks alone.
func Uninstall(ctx context.Context, store storage.Store, project *types.Project, repoPath string) error {
	hookPath := filepath.Join(repoPath, ".git", "hooks", "pre-commit")
	data, err := os.ReadFile(hookPath) // #nosec G304 - operator-supplied repo path
	if err != nil {
		if os.IsNotExist(err) {
			return types.E(types.KindNotFound, "no pre-commit hook in %s", repoPath)
		}
		return fmt.Errorf("failed to read hook: %w", err)
	}
	if !strings.Contains(string(data), marker) {
		return types.E(types.KindValidation,
			"pre-commit hook in %s was not installed by agentmail; leaving it alone", repoPath)
	}
	if err := os.Remove(hookPath); err != nil {
		return fmt.Errorf("failed to remove hook: %w", err)
	}
	return store.RemoveBuild(ctx, project.ID, repoPath, time.Now().UTC())
}

// Violation is one staged path blocked by another agent's lease.
type Violation struct {
	Path    string
	Holder  string
	Pattern string
	Expires string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s is reserved by %s (pattern %s, expires %s)",
		v.Path, v.Holder, v.Pattern, v.Expires)
}

// Check compares the staged paths of the repo at workDir against the active
// exclusive claims recorded under claimsRepoDir, excluding the committing
// agent's own leases.
func Check(ctx context.Context, workDir, claimsRepoDir, agentName string) ([]Violation, error) {
	claims, err := archive.ReadClaims(claimsRepoDir)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var live []archive.Claim
	for _, c := range claims {
		if c.Exclusive && c.ActiveAt(now) && c.Agent != agentName {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return nil, nil
	}

	staged, err := stagedPaths(ctx, workDir)
	if err != nil {
		return nil, err
	}

	var out []Violation
	for _, p := range staged {
		for _, c := range live {
			if reserve.Overlap(p, c.PathPattern) {
				out = append(out, Violation{
					Path:    p,
					Holder:  c.Agent,
					Pattern: c.PathPattern,
					Expires: c.Expires,
				})
			}
		}
	}
	return out, nil
}

func stagedPaths(ctx context.Context, workDir string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", "--cached", "--name-only", "--diff-filter=ACMRT")
	cmd.Dir = workDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to list staged paths: %w\nOutput: %s", err, string(output))
	}
	var paths []string
	for _, line := range strings.Split(string(output), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

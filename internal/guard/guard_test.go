package guard

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentmail/agentmail/internal/archive"
	"github.com/agentmail/agentmail/internal/storage/sqlite"
	"github.com/agentmail/agentmail/internal/types"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func git(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@local",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@local",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

type fixture struct {
	store   *sqlite.Store
	arch    *archive.Archive
	project *types.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	store, err := sqlite.New(ctx, filepath.Join(root, "index.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	project, err := store.EnsureProject(ctx, "proj", "proj")
	if err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	return &fixture{store: store, arch: archive.New(root), project: project}
}

func TestScriptCarriesMarkerAndBypass(t *testing.T) {
	s := Script("/usr/local/bin/agentmail", "/data/projects/proj/repo")
	if !strings.Contains(s, marker) {
		t.Error("script missing marker")
	}
	if !strings.Contains(s, "AGENT_MAIL_BYPASS") {
		t.Error("script missing bypass escape hatch")
	}
	if !strings.HasPrefix(s, "#!/bin/sh\n") {
		t.Error("script missing shebang")
	}
}

func TestInstallAndUninstall(t *testing.T) {
	requireGit(t)
	f := newFixture(t)
	ctx := context.Background()
	repo := t.TempDir()
	git(t, repo, "init", "-q")

	b, err := Install(ctx, f.store, f.arch, f.project, repo, "Alice")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	data, err := os.ReadFile(b.HookPath)
	if err != nil {
		t.Fatalf("hook not written: %v", err)
	}
	if !strings.Contains(string(data), marker) {
		t.Error("installed hook missing marker")
	}
	info, _ := os.Stat(b.HookPath)
	if info.Mode()&0111 == 0 {
		t.Error("hook not executable")
	}

	// Reinstalling over our own hook is fine.
	if _, err := Install(ctx, f.store, f.arch, f.project, repo, "Alice"); err != nil {
		t.Fatalf("reinstall: %v", err)
	}

	if err := Uninstall(ctx, f.store, f.project, repo); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if _, err := os.Stat(b.HookPath); !os.IsNotExist(err) {
		t.Error("hook still present after uninstall")
	}
}

func TestInstallRefusesNonGitDir(t *testing.T) {
	f := newFixture(t)
	_, err := Install(context.Background(), f.store, f.arch, f.project, t.TempDir(), "Alice")
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestInstallRefusesForeignHook(t *testing.T) {
	requireGit(t)
	f := newFixture(t)
	repo := t.TempDir()
	git(t, repo, "init", "-q")
	hookPath := filepath.Join(repo, ".git", "hooks", "pre-commit")
	if err := os.MkdirAll(filepath.Dir(hookPath), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(hookPath, []byte("#!/bin/sh\nexit 0\n"), 0755); err != nil {
		t.Fatal(err)
	}

	_, err := Install(context.Background(), f.store, f.arch, f.project, repo, "Alice")
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("expected VALIDATION_ERROR for foreign hook, got %v", err)
	}
}

func TestUninstallErrors(t *testing.T) {
	requireGit(t)
	f := newFixture(t)
	ctx := context.Background()
	repo := t.TempDir()
	git(t, repo, "init", "-q")

	if err := Uninstall(ctx, f.store, f.project, repo); types.KindOf(err) != types.KindNotFound {
		t.Errorf("missing hook should be NOT_FOUND, got %v", err)
	}

	hookPath := filepath.Join(repo, ".git", "hooks", "pre-commit")
	if err := os.MkdirAll(filepath.Dir(hookPath), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(hookPath, []byte("#!/bin/sh\nexit 0\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := Uninstall(ctx, f.store, f.project, repo); types.KindOf(err) != types.KindValidation {
		t.Errorf("foreign hook should be VALIDATION_ERROR, got %v", err)
	}
}

func writeClaim(t *testing.T, claimsRepoDir string, c archive.Claim) {
	t.Helper()
	dir := filepath.Join(claimsRepoDir, "claims")
	if err := os.MkdirAll(dir, 0750); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	name := strings.NewReplacer("/", "_", "*", "s").Replace(c.PathPattern) + ".json"
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestCheckFlagsStagedConflicts(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	work := t.TempDir()
	git(t, work, "init", "-q")
	if err := os.MkdirAll(filepath.Join(work, "src", "api"), 0750); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"src/api/server.go", "README.md"} {
		if err := os.WriteFile(filepath.Join(work, p), []byte("x\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	git(t, work, "add", ".")

	claimsRepo := t.TempDir()
	now := time.Now().UTC()
	iso := func(ts time.Time) string { return ts.Format("2006-01-02T15:04:05Z") }
	writeClaim(t, claimsRepo, archive.Claim{
		Agent: "Bob", PathPattern: "src/**", Exclusive: true,
		Created: iso(now), Expires: iso(now.Add(time.Hour)),
	})
	// Expired and released leases must not block.
	writeClaim(t, claimsRepo, archive.Claim{
		Agent: "Carol", PathPattern: "README.md", Exclusive: true,
		Created: iso(now.Add(-2 * time.Hour)), Expires: iso(now.Add(-time.Hour)),
	})
	writeClaim(t, claimsRepo, archive.Claim{
		Agent: "Dave", PathPattern: "**", Exclusive: true,
		Created: iso(now), Expires: iso(now.Add(time.Hour)), ReleasedTS: iso(now),
	})

	violations, err := Check(ctx, work, claimsRepo, "Alice")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %+v", violations)
	}
	v := violations[0]
	if v.Path != "src/api/server.go" || v.Holder != "Bob" || v.Pattern != "src/**" {
		t.Errorf("wrong violation: %+v", v)
	}
	if !strings.Contains(v.String(), "reserved by Bob") {
		t.Errorf("violation text: %s", v.String())
	}
}

func TestCheckIgnoresOwnLeases(t *testing.T) {
	requireGit(t)
	work := t.TempDir()
	git(t, work, "init", "-q")
	if err := os.WriteFile(filepath.Join(work, "main.go"), []byte("x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	git(t, work, "add", ".")

	claimsRepo := t.TempDir()
	now := time.Now().UTC()
	writeClaim(t, claimsRepo, archive.Claim{
		Agent: "Alice", PathPattern: "**", Exclusive: true,
		Created: now.Format("2006-01-02T15:04:05Z"), Expires: now.Add(time.Hour).Format("2006-01-02T15:04:05Z"),
	})

	violations, err := Check(context.Background(), work, claimsRepo, "Alice")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("own lease should not block: %+v", violations)
	}
}

func TestCheckEmptyClaimsDir(t *testing.T) {
	violations, err := Check(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "repo"), "Alice")
	if err != nil || violations != nil {
		t.Errorf("missing claims dir should be clean: %v %v", violations, err)
	}
}

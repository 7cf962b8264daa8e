package reserve

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmail/agentmail/internal/archive"
	"github.com/agentmail/agentmail/internal/storage/sqlite"
	"github.com/agentmail/agentmail/internal/types"
)

type fixture struct {
	engine  *Engine
	store   *sqlite.Store
	project *types.Project
	alice   *types.Agent
	bob     *types.Agent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
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
	mk := func(name string) *types.Agent {
		now := time.Now().UTC()
		a := &types.Agent{
			ProjectID: project.ID, Name: name,
			InceptionAt: now, LastActiveAt: now,
			AttachmentsPolicy: types.AttachAuto, ContactPolicy: types.ContactAuto,
		}
		if err := store.CreateAgent(ctx, a); err != nil {
			t.Fatalf("CreateAgent: %v", err)
		}
		return a
	}
	return &fixture{
		engine:  NewEngine(store, archive.New(root)),
		store:   store,
		project: project,
		alice:   mk("Alice"),
		bob:     mk("Bob"),
	}
}

// breakGitCommit shadows git with a wrapper that fails the commit verb and
// passes everything else through.
func breakGitCommit(t *testing.T) {
	t.Helper()
	realGit, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	script := "#!/bin/sh\nif [ \"$1\" = commit ]; then\n  echo 'disk full' >&2\n  exit 1\nfi\nexec " + realGit + " \"$@\"\n"
	if err := os.WriteFile(filepath.Join(dir, "git"), []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestReserveGrantsAndWritesArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.engine.Reserve(ctx, f.project, f.alice, Request{
		Patterns:  []string{"src/**", "docs/plan.md"},
		TTL:       time.Hour,
		Exclusive: true,
		Reason:    "refactor",
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(grant.Granted) != 2 || len(grant.Conflicts) != 0 {
		t.Fatalf("unexpected grant: %+v", grant)
	}

	claims, err := archive.ReadClaims(filepath.Join(f.engine.arch.Root(), "projects", "proj", "repo"))
	if err != nil {
		t.Fatalf("ReadClaims: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("expected 2 claim artifacts, got %d", len(claims))
	}
	now := time.Now().UTC()
	for _, c := range claims {
		if !c.ActiveAt(now) || c.Agent != "Alice" || !c.Exclusive {
			t.Errorf("bad artifact: %+v", c)
		}
	}
}

func TestReserveDetectsConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Reserve(ctx, f.project, f.alice, Request{
		Patterns: []string{"src/**"}, TTL: time.Hour, Exclusive: true,
	}); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}

	grant, err := f.engine.Reserve(ctx, f.project, f.bob, Request{
		Patterns: []string{"src/api/*.go", "docs/**"}, TTL: time.Hour, Exclusive: true,
	})
	if err != nil {
		t.Fatalf("second Reserve: %v", err)
	}
	if len(grant.Granted) != 1 || grant.Granted[0].PathPattern != "docs/**" {
		t.Errorf("expected only docs/** granted: %+v", grant.Granted)
	}
	if len(grant.Conflicts) != 1 || grant.Conflicts[0].Holder != "Alice" {
		t.Errorf("expected one conflict held by Alice: %+v", grant.Conflicts)
	}
}

func TestReserveSharedLeasesCoexist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Reserve(ctx, f.project, f.alice, Request{
		Patterns: []string{"src/**"}, TTL: time.Hour,
	}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	grant, err := f.engine.Reserve(ctx, f.project, f.bob, Request{
		Patterns: []string{"src/**"}, TTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(grant.Granted) != 1 || len(grant.Conflicts) != 0 {
		t.Errorf("shared leases should not conflict: %+v", grant)
	}
}

func TestReserveAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Reserve(ctx, f.project, f.alice, Request{
		Patterns: []string{"src/**"}, TTL: time.Hour, Exclusive: true,
	}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	grant, err := f.engine.Reserve(ctx, f.project, f.bob, Request{
		Patterns:     []string{"src/main.go", "docs/**"},
		TTL:          time.Hour,
		Exclusive:    true,
		AllOrNothing: true,
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(grant.Granted) != 0 {
		t.Errorf("all_or_nothing must grant nothing on conflict: %+v", grant.Granted)
	}
	if len(grant.Conflicts) == 0 {
		t.Error("conflicts should be reported")
	}
}

func TestReserveClampsTTL(t *testing.T) {
	f := newFixture(t)
	grant, err := f.engine.Reserve(context.Background(), f.project, f.alice, Request{
		Patterns: []string{"src/**"}, TTL: time.Second,
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	lease := grant.Granted[0]
	if lease.ExpiresAt.Sub(lease.CreatedAt) < MinTTL {
		t.Errorf("ttl not clamped: %v", lease.ExpiresAt.Sub(lease.CreatedAt))
	}
}

func TestReserveRejectsEmptyPatterns(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Reserve(context.Background(), f.project, f.alice, Request{TTL: time.Hour})
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestReleaseRewritesArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Reserve(ctx, f.project, f.alice, Request{
		Patterns: []string{"src/**"}, TTL: time.Hour, Exclusive: true,
	}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	released, err := f.engine.Release(ctx, f.project, f.alice, []string{"src/**"}, nil)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released != 1 {
		t.Fatalf("expected 1 released, got %d", released)
	}

	claims, _ := archive.ReadClaims(filepath.Join(f.engine.arch.Root(), "projects", "proj", "repo"))
	if len(claims) != 1 {
		t.Fatalf("artifact should survive release for the audit trail, got %d", len(claims))
	}
	if claims[0].ReleasedTS == "" {
		t.Error("released artifact missing released_ts")
	}
	if claims[0].ActiveAt(time.Now().UTC()) {
		t.Error("released artifact still reads as active")
	}
}

func TestReleaseCompensatesFailedArchiveCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Reserve(ctx, f.project, f.alice, Request{
		Patterns: []string{"src/**"}, TTL: time.Hour, Exclusive: true,
	}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	breakGitCommit(t)

	if _, err := f.engine.Release(ctx, f.project, f.alice, []string{"src/**"}, nil); types.KindOf(err) != types.KindCommitFailed {
		t.Fatalf("expected ARCHIVE_COMMIT_FAILED, got %v", err)
	}

	// The archive never recorded the release, so the index must still show
	// the lease live.
	active, err := f.store.ActiveReservations(ctx, f.project.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("ActiveReservations: %v", err)
	}
	if len(active) != 1 || active[0].ReleasedAt != nil {
		t.Errorf("lease should survive a failed release commit: %+v", active)
	}
}

func TestRenewCompensatesFailedArchiveCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.engine.Reserve(ctx, f.project, f.alice, Request{
		Patterns: []string{"src/**"}, TTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	before := grant.Granted[0].ExpiresAt
	breakGitCommit(t)

	if _, err := f.engine.Renew(ctx, f.project, f.alice, []string{"src/**"}, nil, 30*time.Minute); types.KindOf(err) != types.KindCommitFailed {
		t.Fatalf("expected ARCHIVE_COMMIT_FAILED, got %v", err)
	}

	active, err := f.store.ActiveReservations(ctx, f.project.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("ActiveReservations: %v", err)
	}
	if len(active) != 1 || active[0].ExpiresAt.After(before) {
		t.Errorf("expiry should roll back when the renewal commit fails: %+v", active)
	}
}

func TestRenewExtendsLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.engine.Reserve(ctx, f.project, f.alice, Request{
		Patterns: []string{"src/**"}, TTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	before := grant.Granted[0].ExpiresAt

	renewed, err := f.engine.Renew(ctx, f.project, f.alice, []string{"src/**"}, nil, 30*time.Minute)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if len(renewed) != 1 || !renewed[0].ExpiresAt.After(before) {
		t.Errorf("lease not extended: %+v", renewed)
	}

	if _, err := f.engine.Renew(ctx, f.project, f.alice, []string{"src/**"}, nil, -time.Minute); types.KindOf(err) != types.KindValidation {
		t.Errorf("negative extension should be VALIDATION_ERROR, got %v", err)
	}
	if _, err := f.engine.Renew(ctx, f.project, f.bob, []string{"src/**"}, nil, time.Minute); types.KindOf(err) != types.KindNotFound {
		t.Errorf("renewing someone else's lease should be NOT_FOUND, got %v", err)
	}
}

func TestForceRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.engine.Reserve(ctx, f.project, f.alice, Request{
		Patterns: []string{"src/**"}, TTL: time.Hour, Exclusive: true,
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := f.engine.ForceRelease(ctx, f.project, grant.Granted[0].ID); err != nil {
		t.Fatalf("ForceRelease: %v", err)
	}
	active, err := f.store.ActiveReservations(ctx, f.project.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("ActiveReservations: %v", err)
	}
	if len(active) != 0 {
		t.Error("force-released lease still active")
	}
}

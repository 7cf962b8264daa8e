package mail

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentmail/agentmail/internal/archive"
	"github.com/agentmail/agentmail/internal/config"
	"github.com/agentmail/agentmail/internal/policy"
	"github.com/agentmail/agentmail/internal/storage"
	"github.com/agentmail/agentmail/internal/storage/sqlite"
	"github.com/agentmail/agentmail/internal/types"
)

type fixture struct {
	engine  *Engine
	store   *sqlite.Store
	root    string
	project *types.Project
}

func testSettings() config.Settings {
	return config.Settings{
		ConvertImages:             true,
		InlineImageMaxBytes:       65536,
		ContactEnforcementEnabled: true,
		ContactAutoTTL:            7 * 24 * time.Hour,
		ContactApprovalTTL:        30 * 24 * time.Hour,
	}
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

	settings := testSettings()
	arch := archive.New(root)
	pol := policy.NewEngine(store, settings.ContactEnforcementEnabled, settings.ContactAutoTTL)
	engine := NewEngine(store, arch, pol, settings)

	project, err := engine.EnsureProject(ctx, "/repos/backend")
	if err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	return &fixture{engine: engine, store: store, root: root, project: project}
}

func (f *fixture) register(t *testing.T, name string) *types.Agent {
	t.Helper()
	a, err := f.engine.RegisterAgent(context.Background(), f.project, name, "prog", "model", "task")
	if err != nil {
		t.Fatalf("RegisterAgent(%s): %v", name, err)
	}
	return a
}

// connect approves a contact link so the pair can exchange mail under the
// default auto policy.
func (f *fixture) connect(t *testing.T, from, to string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.engine.RequestContact(ctx, f.project, from, to, "test setup", 0, false); err != nil {
		t.Fatalf("RequestContact(%s->%s): %v", from, to, err)
	}
	if _, err := f.engine.RespondContact(ctx, f.project, to, from, true, 0); err != nil {
		t.Fatalf("RespondContact(%s->%s): %v", to, from, err)
	}
}

// breakGitCommit shadows git with a wrapper that fails the commit verb and
// passes everything else through, so archive trees build normally but no
// commit can land.
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

func TestRegisterAgentWritesProfile(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "GoldFox")
	if a.Name != "GoldFox" {
		t.Errorf("hint not honored: %s", a.Name)
	}

	profile := filepath.Join(f.root, "projects", f.project.Slug, "repo", "agents", "GoldFox", "profile.json")
	if _, err := os.Stat(profile); err != nil {
		t.Errorf("profile not written: %v", err)
	}
}

func TestRegisterAgentRefreshesExisting(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "GoldFox")

	again, err := f.engine.RegisterAgent(context.Background(), f.project, "GoldFox", "", "", "new task")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if again.ID != a.ID {
		t.Error("re-registering by name must refresh, not duplicate")
	}
	if again.Task != "new task" {
		t.Errorf("task not refreshed: %s", again.Task)
	}
}

func TestSendDeliversAndArchives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "GoldFox")
	f.register(t, "RedOwl")
	f.connect(t, "GoldFox", "RedOwl")

	res, err := f.engine.Send(ctx, f.project, SendRequest{
		Sender:  "GoldFox",
		To:      []string{"RedOwl"},
		Subject: "migration plan",
		BodyMD:  "let's begin",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Message == nil || !strings.HasPrefix(res.Message.MsgID, "msg_") {
		t.Fatalf("no message id: %+v", res)
	}
	if len(res.Deliveries) != 1 || res.Deliveries[0].Agent != "RedOwl" {
		t.Errorf("unexpected deliveries: %+v", res.Deliveries)
	}

	inbox, err := f.engine.FetchInbox(ctx, f.project, "RedOwl", storage.InboxFilter{})
	if err != nil {
		t.Fatalf("FetchInbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Message.Subject != "migration plan" {
		t.Fatalf("message not in inbox: %+v", inbox)
	}

	// All three copies on disk carry identical bytes.
	repoDir := filepath.Join(f.root, "projects", f.project.Slug, "repo")
	created := res.Message.CreatedAt
	paths := []string{
		filepath.Join(repoDir, archive.MessagePath(res.Message.MsgID, created)),
		filepath.Join(repoDir, archive.OutboxPath("GoldFox", res.Message.MsgID, created)),
		filepath.Join(repoDir, archive.InboxPath("RedOwl", res.Message.MsgID, created)),
	}
	var first []byte
	for i, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("copy missing at %s: %v", p, err)
		}
		if i == 0 {
			first = data
		} else if string(data) != string(first) {
			t.Errorf("copy %s differs from canonical", p)
		}
	}
}

func TestSendToSelf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "GoldFox")

	res, err := f.engine.Send(ctx, f.project, SendRequest{
		Sender:  "GoldFox",
		To:      []string{"GoldFox"},
		Subject: "note to self",
		BodyMD:  "remember the sweep",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(res.Deliveries) != 1 || res.Deliveries[0].Agent != "GoldFox" {
		t.Fatalf("self-send should deliver once: %+v", res.Deliveries)
	}
	inbox, err := f.engine.FetchInbox(ctx, f.project, "GoldFox", storage.InboxFilter{})
	if err != nil {
		t.Fatalf("FetchInbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Message.Subject != "note to self" {
		t.Errorf("self-send missing from own inbox: %+v", inbox)
	}
}

func TestSendDedupsRecipients(t *testing.T) {
	f := newFixture(t)
	f.register(t, "GoldFox")
	f.register(t, "RedOwl")
	f.connect(t, "GoldFox", "RedOwl")

	res, err := f.engine.Send(context.Background(), f.project, SendRequest{
		Sender:  "GoldFox",
		To:      []string{"RedOwl"},
		CC:      []string{"RedOwl"},
		BCC:     []string{"RedOwl"},
		Subject: "dup",
		BodyMD:  "x",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(res.Deliveries) != 1 || res.Deliveries[0].Kind != types.KindTo {
		t.Errorf("to must win the dedup: %+v", res.Deliveries)
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "GoldFox")

	cases := []SendRequest{
		{Sender: "GoldFox", Subject: "no recipients", BodyMD: "x"},
		{Sender: "GoldFox", To: []string{"RedOwl"}, Subject: "", BodyMD: "   "},
		{Sender: "GoldFox", To: []string{"RedOwl"}, Subject: "s", BodyMD: "x", Importance: "shiny"},
		{Sender: "GoldFox", To: []string{"RedOwl"}, Subject: "s", BodyMD: "x", ImageEmbedPolicy: "sometimes"},
	}
	for i, req := range cases {
		if _, err := f.engine.Send(ctx, f.project, req); types.KindOf(err) != types.KindValidation {
			t.Errorf("case %d: expected VALIDATION_ERROR, got %v", i, err)
		}
	}

	// Unknown recipient is NOT_FOUND, not validation.
	if _, err := f.engine.Send(ctx, f.project, SendRequest{
		Sender: "GoldFox", To: []string{"Nobody"}, Subject: "s", BodyMD: "x",
	}); types.KindOf(err) != types.KindNotFound {
		t.Errorf("expected NOT_FOUND for unknown recipient, got %v", err)
	}
}

func TestSendToBlockAllRecipientReportsBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "GoldFox")
	f.register(t, "RedOwl")
	if _, err := f.engine.SetContactPolicy(ctx, f.project, "RedOwl", types.ContactBlockAll); err != nil {
		t.Fatalf("SetContactPolicy: %v", err)
	}

	res, err := f.engine.Send(ctx, f.project, SendRequest{
		Sender: "GoldFox", To: []string{"RedOwl"}, Subject: "hi", BodyMD: "x",
	})
	if err != nil {
		t.Fatalf("Send should not error when all recipients are blocked: %v", err)
	}
	if res.Message != nil {
		t.Error("nothing should be persisted when every recipient is blocked")
	}
	if len(res.Blocked) != 1 || res.Blocked[0].Kind != string(types.KindContactBlocked) {
		t.Errorf("unexpected blocked report: %+v", res.Blocked)
	}
}

func TestSendAcceptsEmptySubjectWithBody(t *testing.T) {
	f := newFixture(t)
	f.register(t, "GoldFox")
	f.register(t, "RedOwl")
	f.connect(t, "GoldFox", "RedOwl")

	res, err := f.engine.Send(context.Background(), f.project, SendRequest{
		Sender: "GoldFox",
		To:     []string{"RedOwl"},
		BodyMD: "body without a subject line",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Message == nil || len(res.Deliveries) != 1 {
		t.Errorf("body-only message should deliver: %+v", res)
	}
}

func TestSendBetweenStrangersRequiresConsent(t *testing.T) {
	f := newFixture(t)
	f.register(t, "GoldFox")
	f.register(t, "RedOwl")

	res, err := f.engine.Send(context.Background(), f.project, SendRequest{
		Sender: "GoldFox", To: []string{"RedOwl"}, Subject: "hi", BodyMD: "x",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Message != nil {
		t.Error("nothing should be persisted without a prior relationship")
	}
	if len(res.Blocked) != 1 || res.Blocked[0].Kind != string(types.KindConsentRequired) {
		t.Errorf("unexpected blocked report: %+v", res.Blocked)
	}
}

func TestSendCompensatesFailedArchiveCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "GoldFox")
	f.register(t, "RedOwl")
	f.connect(t, "GoldFox", "RedOwl")
	breakGitCommit(t)

	_, err := f.engine.Send(ctx, f.project, SendRequest{
		Sender: "GoldFox", To: []string{"RedOwl"}, Subject: "doomed", BodyMD: "x",
	})
	if types.KindOf(err) != types.KindCommitFailed {
		t.Fatalf("expected ARCHIVE_COMMIT_FAILED, got %v", err)
	}

	// The index must not list mail the archive never recorded.
	inbox, ferr := f.engine.FetchInbox(ctx, f.project, "RedOwl", storage.InboxFilter{})
	if ferr != nil {
		t.Fatalf("FetchInbox: %v", ferr)
	}
	if len(inbox) != 0 {
		t.Errorf("orphan index row survived the failed commit: %+v", inbox)
	}
	outbox, ferr := f.engine.FetchOutbox(ctx, f.project, "GoldFox", storage.InboxFilter{})
	if ferr != nil {
		t.Fatalf("FetchOutbox: %v", ferr)
	}
	if len(outbox) != 0 {
		t.Errorf("orphan outbox row survived the failed commit: %+v", outbox)
	}
}

func TestRegisterAgentCompensatesFailedArchiveCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	breakGitCommit(t)

	if _, err := f.engine.RegisterAgent(ctx, f.project, "GoldFox", "prog", "model", "task"); types.KindOf(err) != types.KindCommitFailed {
		t.Fatalf("expected ARCHIVE_COMMIT_FAILED, got %v", err)
	}
	if _, err := f.store.GetAgent(ctx, f.project.ID, "GoldFox"); types.KindOf(err) != types.KindNotFound {
		t.Errorf("agent row survived the failed profile commit: %v", err)
	}
}

func TestReplyInheritsThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "GoldFox")
	f.register(t, "RedOwl")
	f.connect(t, "GoldFox", "RedOwl")

	root, err := f.engine.Send(ctx, f.project, SendRequest{
		Sender: "GoldFox", To: []string{"RedOwl"},
		Subject: "migration plan", BodyMD: "first",
		Importance: types.ImportanceHigh, AckRequired: true,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	reply, err := f.engine.Reply(ctx, f.project, ReplyRequest{
		MessageID: root.Message.MsgID,
		Sender:    "RedOwl",
		BodyMD:    "second",
	})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if reply.Message.ThreadID != root.Message.MsgID {
		t.Errorf("thread not inherited: %s", reply.Message.ThreadID)
	}
	if reply.Message.Subject != "Re: migration plan" {
		t.Errorf("subject: %s", reply.Message.Subject)
	}
	if reply.Message.Importance != types.ImportanceHigh || !reply.Message.AckRequired {
		t.Error("importance/ack not inherited")
	}
	if len(reply.Deliveries) != 1 || reply.Deliveries[0].Agent != "GoldFox" {
		t.Errorf("reply should default to the parent sender: %+v", reply.Deliveries)
	}

	// A reply to the reply keeps the same thread and does not stack prefixes.
	second, err := f.engine.Reply(ctx, f.project, ReplyRequest{
		MessageID: reply.Message.MsgID,
		Sender:    "GoldFox",
		BodyMD:    "third",
	})
	if err != nil {
		t.Fatalf("second Reply: %v", err)
	}
	if second.Message.ThreadID != root.Message.MsgID {
		t.Errorf("thread drifted: %s", second.Message.ThreadID)
	}
	if second.Message.Subject != "Re: migration plan" {
		t.Errorf("Re: stacked: %s", second.Message.Subject)
	}
}

func TestFetchInboxDoesNotTouchReceipts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "GoldFox")
	f.register(t, "RedOwl")
	f.connect(t, "GoldFox", "RedOwl")

	sent, err := f.engine.Send(ctx, f.project, SendRequest{
		Sender: "GoldFox", To: []string{"RedOwl"}, Subject: "s", BodyMD: "x",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	for i := 0; i < 2; i++ {
		items, err := f.engine.FetchInbox(ctx, f.project, "RedOwl", storage.InboxFilter{})
		if err != nil {
			t.Fatalf("FetchInbox: %v", err)
		}
		if items[0].ReadAt != nil {
			t.Fatal("fetch must not mark messages read")
		}
	}

	if err := f.engine.MarkRead(ctx, f.project, "RedOwl", sent.Message.MsgID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	items, _ := f.engine.FetchInbox(ctx, f.project, "RedOwl", storage.InboxFilter{})
	if items[0].ReadAt == nil {
		t.Error("explicit MarkRead not visible")
	}
}

func TestContactRequestFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "GoldFox")
	f.register(t, "RedOwl")

	link, err := f.engine.RequestContact(ctx, f.project, "GoldFox", "RedOwl", "pairing on auth", 0, true)
	if err != nil {
		t.Fatalf("RequestContact: %v", err)
	}
	if link.State != types.ContactPending {
		t.Errorf("expected pending, got %s", link.State)
	}

	// The intro landed as ack-required mail.
	inbox, _ := f.engine.FetchInbox(ctx, f.project, "RedOwl", storage.InboxFilter{})
	if len(inbox) != 1 || !inbox[0].Message.AckRequired {
		t.Fatalf("intro message missing: %+v", inbox)
	}

	approved, err := f.engine.RespondContact(ctx, f.project, "RedOwl", "GoldFox", true, 0)
	if err != nil {
		t.Fatalf("RespondContact: %v", err)
	}
	if approved.State != types.ContactApproved || approved.ExpiresAt == nil {
		t.Errorf("approval wrong: %+v", approved)
	}

	contacts, err := f.engine.ListContacts(ctx, f.project, "GoldFox")
	if err != nil {
		t.Fatalf("ListContacts: %v", err)
	}
	if len(contacts) != 1 || contacts[0].State != types.ContactApproved {
		t.Errorf("unexpected contacts: %+v", contacts)
	}

	if _, err := f.engine.RequestContact(ctx, f.project, "GoldFox", "GoldFox", "", 0, false); types.KindOf(err) != types.KindValidation {
		t.Errorf("self-contact should be VALIDATION_ERROR, got %v", err)
	}
}

func TestWhois(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "GoldFox")

	w, err := f.engine.Whois(ctx, f.project, "GoldFox")
	if err != nil {
		t.Fatalf("Whois: %v", err)
	}
	if !w.Active || w.UnreadCount != 0 || w.Project != f.project.Slug {
		t.Errorf("unexpected whois: %+v", w)
	}

	if _, err := f.engine.Whois(ctx, f.project, "Nobody"); types.KindOf(err) != types.KindNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentmail/agentmail/internal/archive"
	"github.com/agentmail/agentmail/internal/config"
	"github.com/agentmail/agentmail/internal/mail"
	"github.com/agentmail/agentmail/internal/policy"
	"github.com/agentmail/agentmail/internal/reserve"
	"github.com/agentmail/agentmail/internal/storage/sqlite"
	"github.com/agentmail/agentmail/internal/types"
)

func testSettings(root string) config.Settings {
	return config.Settings{
		StorageRoot:               root,
		HTTPAddr:                  "127.0.0.1:0",
		HTTPPath:                  "/mcp/",
		ConvertImages:             true,
		InlineImageMaxBytes:       65536,
		ContactEnforcementEnabled: true,
		ContactAutoTTL:            7 * 24 * time.Hour,
		ContactApprovalTTL:        30 * 24 * time.Hour,
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	root := t.TempDir()
	store, err := sqlite.New(t.Context(), filepath.Join(root, "index.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	settings := testSettings(root)
	arch := archive.New(root)
	pol := policy.NewEngine(store, settings.ContactEnforcementEnabled, settings.ContactAutoTTL)
	mailer := mail.NewEngine(store, arch, pol, settings)
	reserver := reserve.NewEngine(store, arch)
	srv := New(store, arch, mailer, reserver, settings, "test")

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

type wireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *wireError      `json:"error"`
}

func post(t *testing.T, ts *httptest.Server, body string, headers map[string]string) wireResponse {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type: %s", ct)
	}
	var out wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func callTool(t *testing.T, ts *httptest.Server, name string, args map[string]any) wireResponse {
	t.Helper()
	params, err := json.Marshal(map[string]any{"name": name, "arguments": args})
	if err != nil {
		t.Fatal(err)
	}
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":%s}`, params)
	return post(t, ts, body, nil)
}

// structured unwraps the MCP tool result envelope into dst.
func structured(t *testing.T, resp wireResponse, dst any) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var envelope struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StructuredContent json.RawMessage `json:"structuredContent"`
	}
	if err := json.Unmarshal(resp.Result, &envelope); err != nil {
		t.Fatalf("unwrap result: %v", err)
	}
	if len(envelope.Content) != 1 || envelope.Content[0].Type != "text" {
		t.Fatalf("bad content block: %+v", envelope.Content)
	}
	if string(envelope.StructuredContent) != envelope.Content[0].Text {
		t.Error("text block and structured content disagree")
	}
	if err := json.Unmarshal(envelope.StructuredContent, dst); err != nil {
		t.Fatalf("decode structured content: %v", err)
	}
}

func TestToolsList(t *testing.T) {
	ts := newTestServer(t)
	resp := post(t, ts, `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`, nil)
	if resp.Error != nil {
		t.Fatalf("tools/list: %+v", resp.Error)
	}
	var result struct {
		Tools []struct {
			Name string `json:"name"`
			Role string `json:"role"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Tools) != 22 {
		t.Errorf("expected 22 verbs, got %d", len(result.Tools))
	}
	roles := map[string]string{}
	for _, tool := range result.Tools {
		roles[tool.Name] = tool.Role
	}
	if roles["send_message"] != "writer" || roles["fetch_inbox"] != "reader" {
		t.Errorf("roles wrong: %v", roles)
	}
}

func TestUnknownMethod(t *testing.T) {
	ts := newTestServer(t)
	resp := post(t, ts, `{"jsonrpc":"2.0","id":1,"method":"tools/nope"}`, nil)
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Errorf("expected -32601, got %+v", resp.Error)
	}
}

func TestParseError(t *testing.T) {
	ts := newTestServer(t)
	resp := post(t, ts, `{not json`, nil)
	if resp.Error == nil || resp.Error.Code != -32700 {
		t.Errorf("expected -32700, got %+v", resp.Error)
	}
}

func TestUnknownToolIsNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp := callTool(t, ts, "teleport_agent", nil)
	if resp.Error == nil || resp.Error.Code != types.KindNotFound.Code() {
		t.Errorf("expected NOT_FOUND code, got %+v", resp.Error)
	}
}

func TestUnknownArgumentFieldIsValidation(t *testing.T) {
	ts := newTestServer(t)
	resp := callTool(t, ts, "ensure_project", map[string]any{"human_key": "/repos/x", "bogus": 1})
	if resp.Error == nil || resp.Error.Code != types.KindValidation.Code() {
		t.Errorf("expected VALIDATION code, got %+v", resp.Error)
	}
	if resp.Error != nil && !strings.Contains(resp.Error.Message, "bogus") {
		t.Errorf("message should name the field: %s", resp.Error.Message)
	}
}

func TestReaderRoleBlocksWriterVerbs(t *testing.T) {
	ts := newTestServer(t)
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ensure_project","arguments":{"human_key":"/repos/x"}}}`
	resp := post(t, ts, body, map[string]string{"X-AgentMail-Role": "reader"})
	if resp.Error == nil || resp.Error.Code != types.KindValidation.Code() {
		t.Errorf("reader role should block writers: %+v", resp.Error)
	}

	health := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"health_check","arguments":{}}}`
	resp = post(t, ts, health, map[string]string{"X-AgentMail-Role": "reader"})
	if resp.Error != nil {
		t.Errorf("reader role must still reach readers: %+v", resp.Error)
	}
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	structured(t, callTool(t, ts, "health_check", nil), &health)
	if health.Status != "ok" || health.Version != "test" {
		t.Errorf("health: %+v", health)
	}
}

func TestMailFlowEndToEnd(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ts := newTestServer(t)

	var project types.Project
	structured(t, callTool(t, ts, "ensure_project", map[string]any{"human_key": "/repos/backend"}), &project)
	if project.Slug == "" {
		t.Fatalf("no slug: %+v", project)
	}

	for _, name := range []string{"Alice", "Bob"} {
		var agent types.Agent
		structured(t, callTool(t, ts, "register_agent", map[string]any{
			"project": "/repos/backend", "name": name, "program": "test", "task": "integration",
		}), &agent)
		if agent.Name != name {
			t.Fatalf("agent name: %+v", agent)
		}
	}

	// Fresh agents have no relationship yet; open Bob up so Alice's first
	// message is deliverable.
	structured(t, callTool(t, ts, "set_contact_policy", map[string]any{
		"project": "/repos/backend", "agent": "Bob", "policy": "open",
	}), &types.Agent{})

	var sent struct {
		Message *types.Message `json:"message"`
	}
	structured(t, callTool(t, ts, "send_message", map[string]any{
		"project": "/repos/backend", "sender": "Alice", "to": []string{"Bob"},
		"subject": "deploy window", "body_md": "Proposing Friday.\n\nTODO: confirm with ops\n",
		"ack_required": true,
	}), &sent)
	if sent.Message == nil || !strings.HasPrefix(sent.Message.MsgID, "msg_") {
		t.Fatalf("send result: %+v", sent)
	}

	var inbox struct {
		Messages []struct {
			ID      string `json:"id"`
			Subject string `json:"subject"`
		} `json:"messages"`
	}
	structured(t, callTool(t, ts, "fetch_inbox", map[string]any{
		"project": "/repos/backend", "agent": "Bob",
	}), &inbox)
	if len(inbox.Messages) != 1 || inbox.Messages[0].ID != sent.Message.MsgID {
		t.Fatalf("inbox: %+v", inbox.Messages)
	}

	structured(t, callTool(t, ts, "acknowledge_message", map[string]any{
		"project": "/repos/backend", "agent": "Bob", "message_id": sent.Message.MsgID,
	}), &map[string]string{})

	var d struct {
		Subject string   `json:"subject"`
		Actions []string `json:"actions"`
	}
	structured(t, callTool(t, ts, "summarize_thread", map[string]any{
		"project": "/repos/backend", "thread_id": sent.Message.MsgID,
	}), &d)
	if d.Subject != "deploy window" || len(d.Actions) != 1 || d.Actions[0] != "confirm with ops" {
		t.Errorf("digest: %+v", d)
	}

	// Same message through the resource projection.
	uri := "resource://inbox/Bob"
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":9,"method":"resources/read","params":{"uri":%q}}`, uri)
	resp := post(t, ts, body, nil)
	if resp.Error != nil {
		t.Fatalf("resources/read: %+v", resp.Error)
	}
	var contents struct {
		Contents []struct {
			URI      string `json:"uri"`
			MimeType string `json:"mimeType"`
			Text     string `json:"text"`
		} `json:"contents"`
	}
	if err := json.Unmarshal(resp.Result, &contents); err != nil {
		t.Fatal(err)
	}
	if len(contents.Contents) != 1 || contents.Contents[0].URI != uri || contents.Contents[0].MimeType != "application/json" {
		t.Fatalf("contents: %+v", contents)
	}
	if !strings.Contains(contents.Contents[0].Text, sent.Message.MsgID) {
		t.Error("resource text missing the message")
	}
}

func TestReplyOverWireInheritsThread(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ts := newTestServer(t)

	structured(t, callTool(t, ts, "ensure_project", map[string]any{"human_key": "/repos/backend"}), &types.Project{})
	for _, name := range []string{"Alice", "Bob"} {
		structured(t, callTool(t, ts, "register_agent", map[string]any{
			"project": "/repos/backend", "name": name,
		}), &types.Agent{})
	}
	structured(t, callTool(t, ts, "set_contact_policy", map[string]any{
		"project": "/repos/backend", "agent": "Bob", "policy": "open",
	}), &types.Agent{})
	var sent struct {
		Message *types.Message `json:"message"`
	}
	structured(t, callTool(t, ts, "send_message", map[string]any{
		"project": "/repos/backend", "sender": "Alice", "to": []string{"Bob"},
		"subject": "kickoff", "body_md": "hello",
	}), &sent)

	var reply struct {
		Message *types.Message `json:"message"`
	}
	structured(t, callTool(t, ts, "reply_message", map[string]any{
		"project": "/repos/backend", "message_id": sent.Message.MsgID,
		"sender": "Bob", "body_md": "ack",
	}), &reply)
	if reply.Message.ThreadID != sent.Message.MsgID {
		t.Errorf("reply thread: %+v", reply.Message)
	}
	if reply.Message.Subject != "Re: kickoff" {
		t.Errorf("reply subject: %s", reply.Message.Subject)
	}
}

func TestTrailingSlashAccepted(t *testing.T) {
	ts := newTestServer(t)
	resp, err := ts.Client().Post(ts.URL+"/mcp/", "application/json",
		bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: %d", resp.StatusCode)
	}
}

func TestClaimFlow(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ts := newTestServer(t)

	structured(t, callTool(t, ts, "ensure_project", map[string]any{"human_key": "/repos/backend"}), &types.Project{})
	for _, name := range []string{"Alice", "Bob"} {
		structured(t, callTool(t, ts, "register_agent", map[string]any{
			"project": "/repos/backend", "name": name,
		}), &types.Agent{})
	}

	var grant struct {
		Granted   []types.Reservation `json:"granted"`
		Conflicts []json.RawMessage   `json:"conflicts"`
	}
	structured(t, callTool(t, ts, "claim_paths", map[string]any{
		"project": "/repos/backend", "agent": "Alice",
		"patterns": []string{"src/**"}, "ttl_seconds": 3600, "reason": "refactor",
	}), &grant)
	if len(grant.Granted) != 1 {
		t.Fatalf("grant: %+v", grant)
	}

	structured(t, callTool(t, ts, "claim_paths", map[string]any{
		"project": "/repos/backend", "agent": "Bob",
		"patterns": []string{"src/api/*.go"}, "ttl_seconds": 3600,
	}), &grant)
	if len(grant.Conflicts) != 1 || len(grant.Granted) != 0 {
		t.Fatalf("conflict not detected: %+v", grant)
	}

	var released struct {
		Released int64 `json:"released"`
	}
	structured(t, callTool(t, ts, "release_claims", map[string]any{
		"project": "/repos/backend", "agent": "Alice", "patterns": []string{"src/**"},
	}), &released)
	if released.Released != 1 {
		t.Errorf("released: %+v", released)
	}
}

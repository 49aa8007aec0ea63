package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/qqacp/bridge/internal/common/config"
	"github.com/qqacp/bridge/internal/common/logger"
	"github.com/qqacp/bridge/pkg/acp"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.New(logger.Config{Level: "error"})
	return log
}

type fakeCloser struct {
	cleared []string
}

func (f *fakeCloser) ClearSession(sessionID string) {
	f.cleared = append(f.cleared, sessionID)
}

func newTestManager(closer SessionCloser, mcp []config.McpConfig) *Manager {
	return NewManager(config.AgentConfig{Command: "mock-agent"}, mcp, nil, closer, newTestLogger())
}

func TestMcpServerTranslation(t *testing.T) {
	m := newTestManager(nil, []config.McpConfig{
		{Name: "files", Transport: "stdio", Command: "mcp-files", Args: []string{"--root", "/tmp"}, Env: map[string]string{"TOKEN": "x"}},
		{Name: "search", Transport: "sse", URL: "https://example.com/sse", Env: map[string]string{"Authorization": "Bearer y"}},
	})

	servers := m.mcpServers()
	if len(servers) != 2 {
		t.Fatalf("server count = %d, want 2", len(servers))
	}

	stdio := servers[0]
	if stdio.Type != "" || stdio.Command != "mcp-files" || len(stdio.Args) != 2 {
		t.Errorf("stdio server = %+v", stdio)
	}
	if len(stdio.Env) != 1 || stdio.Env[0] != (acp.EnvVar{Name: "TOKEN", Value: "x"}) {
		t.Errorf("stdio env = %+v, want a tagged name/value array", stdio.Env)
	}

	sse := servers[1]
	if sse.Type != "sse" || sse.URL != "https://example.com/sse" || sse.Command != "" {
		t.Errorf("sse server = %+v", sse)
	}
	if len(sse.Headers) != 1 || sse.Headers[0] != (acp.EnvVar{Name: "Authorization", Value: "Bearer y"}) {
		t.Errorf("sse headers = %+v", sse.Headers)
	}
}

func TestOnUpdateAppendsInArrivalOrder(t *testing.T) {
	m := newTestManager(nil, nil)
	conn := &connection{sessionID: "s-1", activePrompt: true}

	m.onUpdate(conn, "s-1", acp.TextBlock("a"))
	m.onUpdate(conn, "s-1", acp.ImageBlock("aGVsbG8=", "image/png"))
	m.onUpdate(conn, "s-1", acp.TextBlock("b"))

	if len(conn.accumulator) != 3 {
		t.Fatalf("accumulator length = %d, want 3", len(conn.accumulator))
	}
	if conn.accumulator[0].Text != "a" || conn.accumulator[2].Text != "b" {
		t.Errorf("text order broken: %+v", conn.accumulator)
	}
	if !conn.accumulator[1].IsImage || conn.accumulator[1].Base64 != "aGVsbG8=" {
		t.Errorf("image part = %+v", conn.accumulator[1])
	}
}

func TestOnUpdateIgnoresForeignAndIdleSessions(t *testing.T) {
	m := newTestManager(nil, nil)

	conn := &connection{sessionID: "s-1", activePrompt: true}
	m.onUpdate(conn, "s-other", acp.TextBlock("x"))
	if len(conn.accumulator) != 0 {
		t.Error("updates for another session must be dropped")
	}

	conn = &connection{sessionID: "s-1", activePrompt: false}
	m.onUpdate(conn, "s-1", acp.TextBlock("late"))
	if len(conn.accumulator) != 0 {
		t.Error("updates outside an active prompt must be dropped")
	}
}

func TestCloseSessionClearsPermissionCache(t *testing.T) {
	closer := &fakeCloser{}
	m := newTestManager(closer, nil)

	conn := m.connFor("private:111")
	conn.sessionID = "s-9"

	m.CloseSession("private:111")

	if conn.sessionID != "" {
		t.Error("session id must be forgotten")
	}
	if len(closer.cleared) != 1 || closer.cleared[0] != "s-9" {
		t.Errorf("cleared = %v, want the closed session id", closer.cleared)
	}
}

func TestCloseSessionWithoutSessionIsQuiet(t *testing.T) {
	closer := &fakeCloser{}
	m := newTestManager(closer, nil)

	m.CloseSession("private:111")
	if len(closer.cleared) != 0 {
		t.Errorf("cleared = %v, nothing should be cleared without a session", closer.cleared)
	}
}

func TestSetPendingCwdConsumedShapePersists(t *testing.T) {
	m := newTestManager(nil, nil)
	m.SetPendingCwd("private:111", "/tmp/work")

	conn := m.connFor("private:111")
	conn.mu.Lock()
	cwd := conn.pendingCwd
	conn.mu.Unlock()
	if cwd != "/tmp/work" {
		t.Errorf("pending cwd = %q", cwd)
	}
}

func TestDisconnectWithoutProcessDropsState(t *testing.T) {
	closer := &fakeCloser{}
	m := newTestManager(closer, nil)

	conn := m.connFor("private:111")
	conn.sessionID = "s-1"

	m.Disconnect("private:111")

	if conn.sessionID != "" {
		t.Error("disconnect must drop the session id")
	}
	if len(closer.cleared) != 1 {
		t.Errorf("cleared = %v, want the session's cache cleared", closer.cleared)
	}
	if ids := m.ChatIDs(); len(ids) != 0 {
		t.Errorf("ChatIDs = %v, want no live connections", ids)
	}
}

func TestEnsureProcessThrottledAfterFailure(t *testing.T) {
	m := NewManager(config.AgentConfig{Command: "definitely-not-a-real-binary-xyz", RetryIntervalSeconds: 60}, nil, nil, nil, newTestLogger())

	conn := m.connFor("private:111")
	if err := m.ensureProcess(context.Background(), "private:111", conn); err == nil {
		t.Fatal("launching a missing executable must fail")
	}

	// The second attempt inside the retry interval must fail fast
	// without spawning again.
	err := m.ensureProcess(context.Background(), "private:111", conn)
	if err == nil {
		t.Fatal("throttled attempt must fail")
	}
	if !strings.Contains(err.Error(), "AGENT_NOT_CONNECTED") {
		t.Errorf("throttled error = %v, want AGENT_NOT_CONNECTED", err)
	}
}

func TestLaunchMissingExecutable(t *testing.T) {
	_, err := launchProcess(context.Background(), "definitely-not-a-real-binary-xyz", nil, "", nil, newTestLogger())
	if err == nil {
		t.Fatal("launching a missing executable must fail")
	}
}

package command

import (
	"context"
	"strings"
	"testing"

	"github.com/qqacp/bridge/internal/background"
)

// fakeBgClient implements BackgroundClient with overridable behaviour.
type fakeBgClient struct {
	CreateSessionFn func(ctx context.Context, chatID, prompt, name string) (string, error)
	ListSessionsFn  func(ctx context.Context) ([]background.SessionInfo, error)
	SendPromptFn    func(ctx context.Context, name, prompt string) error
	DeleteSessionFn func(ctx context.Context, name string) error
	GetHistoryFn    func(ctx context.Context, name string) ([]background.Message, error)
	GetLastFn       func(ctx context.Context, name string) (*background.Message, error)

	deleted []string
	sent    []string
}

func (f *fakeBgClient) CreateSession(ctx context.Context, chatID, prompt, name string) (string, error) {
	if f.CreateSessionFn != nil {
		return f.CreateSessionFn(ctx, chatID, prompt, name)
	}
	if name != "" {
		return name, nil
	}
	return "bg-7", nil
}

func (f *fakeBgClient) ListSessions(ctx context.Context) ([]background.SessionInfo, error) {
	if f.ListSessionsFn != nil {
		return f.ListSessionsFn(ctx)
	}
	return []background.SessionInfo{
		{Name: "alpha", Status: "running", InitialPrompt: "first task", ElapsedSeconds: 45},
		{Name: "beta", Status: "waiting", InitialPrompt: "second task", ElapsedSeconds: 200},
	}, nil
}

func (f *fakeBgClient) SendPrompt(ctx context.Context, name, prompt string) error {
	f.sent = append(f.sent, name+":"+prompt)
	if f.SendPromptFn != nil {
		return f.SendPromptFn(ctx, name, prompt)
	}
	return nil
}

func (f *fakeBgClient) DeleteSession(ctx context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	if f.DeleteSessionFn != nil {
		return f.DeleteSessionFn(ctx, name)
	}
	return nil
}

func (f *fakeBgClient) GetHistory(ctx context.Context, name string) ([]background.Message, error) {
	if f.GetHistoryFn != nil {
		return f.GetHistoryFn(ctx, name)
	}
	return []background.Message{
		{Role: "user", Content: "do the thing"},
		{Role: "agent", Content: "done"},
	}, nil
}

func (f *fakeBgClient) GetLast(ctx context.Context, name string) (*background.Message, error) {
	if f.GetLastFn != nil {
		return f.GetLastFn(ctx, name)
	}
	return &background.Message{Role: "agent", Content: "done"}, nil
}

func bgRegistry(client BackgroundClient) *Registry {
	reg := NewRegistry()
	RegisterBackground(reg, client)
	return reg
}

func dispatchBg(t *testing.T, reg *Registry, text string) Result {
	t.Helper()
	result, matched := reg.Dispatch(context.Background(), msgWithText(text))
	if !matched {
		t.Fatalf("%q did not match any /bg command", text)
	}
	return result
}

func TestBgNew(t *testing.T) {
	client := &fakeBgClient{}
	var gotChat, gotPrompt, gotName string
	client.CreateSessionFn = func(ctx context.Context, chatID, prompt, name string) (string, error) {
		gotChat, gotPrompt, gotName = chatID, prompt, name
		return "bg-7", nil
	}

	result := dispatchBg(t, bgRegistry(client), "/bg new summarize the logs")
	if !strings.Contains(result.Reply, "bg-7") {
		t.Errorf("reply = %q, want the session name echoed", result.Reply)
	}
	if gotChat != "private:111" || gotPrompt != "summarize the logs" || gotName != "" {
		t.Errorf("create args = (%q, %q, %q)", gotChat, gotPrompt, gotName)
	}
}

func TestBgNewnPassesRequestedName(t *testing.T) {
	client := &fakeBgClient{}
	var gotName string
	client.CreateSessionFn = func(ctx context.Context, chatID, prompt, name string) (string, error) {
		gotName = name
		return "nightly-2", nil // server deduplicated
	}

	result := dispatchBg(t, bgRegistry(client), "/bg newn nightly run the nightly checks")
	if gotName != "nightly" {
		t.Errorf("requested name = %q, want nightly", gotName)
	}
	if !strings.Contains(result.Reply, "nightly-2") {
		t.Errorf("reply = %q, want the server's final name", result.Reply)
	}
}

func TestBgLs(t *testing.T) {
	result := dispatchBg(t, bgRegistry(&fakeBgClient{}), "/bg ls")

	for _, want := range []string{"1. [running] alpha", "2. [waiting] beta", "45s", "3m20s"} {
		if !strings.Contains(result.Reply, want) {
			t.Errorf("listing missing %q:\n%s", want, result.Reply)
		}
	}
}

func TestBgLsEmpty(t *testing.T) {
	client := &fakeBgClient{}
	client.ListSessionsFn = func(ctx context.Context) ([]background.SessionInfo, error) {
		return nil, nil
	}

	result := dispatchBg(t, bgRegistry(client), "/bg ls")
	if !strings.Contains(result.Reply, "No background sessions") {
		t.Errorf("reply = %q", result.Reply)
	}
}

func TestBgToByIndex(t *testing.T) {
	client := &fakeBgClient{}
	result := dispatchBg(t, bgRegistry(client), "/bg to i 2 keep going")

	if len(client.sent) != 1 || client.sent[0] != "beta:keep going" {
		t.Errorf("sent = %v, want the prompt routed to the indexed session", client.sent)
	}
	if !strings.Contains(result.Reply, "beta") {
		t.Errorf("reply = %q", result.Reply)
	}
}

func TestBgToByIndexOutOfRange(t *testing.T) {
	client := &fakeBgClient{}
	result := dispatchBg(t, bgRegistry(client), "/bg to i 9 hello")

	if len(client.sent) != 0 {
		t.Error("an out-of-range index must not send anything")
	}
	if !strings.Contains(result.Reply, "Invalid session index") {
		t.Errorf("reply = %q", result.Reply)
	}
}

func TestBgToByNameConflict(t *testing.T) {
	client := &fakeBgClient{}
	client.SendPromptFn = func(ctx context.Context, name, prompt string) error {
		return &background.StatusError{StatusCode: 409}
	}

	result := dispatchBg(t, bgRegistry(client), "/bg to n alpha more work")
	if !strings.Contains(result.Reply, "running") {
		t.Errorf("reply = %q, want the running-session notice", result.Reply)
	}
}

func TestBgStopByName(t *testing.T) {
	client := &fakeBgClient{}
	result := dispatchBg(t, bgRegistry(client), "/bg stop n alpha")

	if len(client.deleted) != 1 || client.deleted[0] != "alpha" {
		t.Errorf("deleted = %v", client.deleted)
	}
	if !strings.Contains(result.Reply, "alpha") {
		t.Errorf("reply = %q", result.Reply)
	}
}

func TestBgStopByNameMissing(t *testing.T) {
	client := &fakeBgClient{}
	client.DeleteSessionFn = func(ctx context.Context, name string) error {
		return &background.StatusError{StatusCode: 404}
	}

	result := dispatchBg(t, bgRegistry(client), "/bg stop n ghost")
	if !strings.Contains(result.Reply, "No such background session") {
		t.Errorf("reply = %q", result.Reply)
	}
}

func TestBgStopWait(t *testing.T) {
	client := &fakeBgClient{}
	result := dispatchBg(t, bgRegistry(client), "/bg stop wait")

	if len(client.deleted) != 1 || client.deleted[0] != "beta" {
		t.Errorf("deleted = %v, want only the waiting session", client.deleted)
	}
	if !strings.Contains(result.Reply, "Stopped 1 sessions") {
		t.Errorf("reply = %q", result.Reply)
	}
}

func TestBgStopAll(t *testing.T) {
	client := &fakeBgClient{}
	result := dispatchBg(t, bgRegistry(client), "/bg stop all")

	if len(client.deleted) != 2 {
		t.Errorf("deleted = %v, want every session", client.deleted)
	}
	if !strings.Contains(result.Reply, "alpha, beta") {
		t.Errorf("reply = %q", result.Reply)
	}
}

func TestBgHistory(t *testing.T) {
	result := dispatchBg(t, bgRegistry(&fakeBgClient{}), "/bg history n alpha")

	for _, want := range []string{"History of alpha", "[user] do the thing", "[agent] done"} {
		if !strings.Contains(result.Reply, want) {
			t.Errorf("history missing %q:\n%s", want, result.Reply)
		}
	}
}

func TestBgHistoryTruncated(t *testing.T) {
	client := &fakeBgClient{}
	client.GetHistoryFn = func(ctx context.Context, name string) ([]background.Message, error) {
		long := strings.Repeat("x", 200)
		msgs := make([]background.Message, 30)
		for i := range msgs {
			msgs[i] = background.Message{Role: "agent", Content: long}
		}
		return msgs, nil
	}

	result := dispatchBg(t, bgRegistry(client), "/bg history i 1")
	if !strings.Contains(result.Reply, "history truncated") {
		t.Errorf("long history must be truncated:\n%s", result.Reply)
	}
	if len(result.Reply) > 4000 {
		t.Errorf("truncated history still too long: %d chars", len(result.Reply))
	}
}

func TestBgLast(t *testing.T) {
	result := dispatchBg(t, bgRegistry(&fakeBgClient{}), "/bg last n alpha")
	if !strings.Contains(result.Reply, "Last output of alpha") || !strings.Contains(result.Reply, "done") {
		t.Errorf("reply = %q", result.Reply)
	}
}

func TestBgLastNoOutputYet(t *testing.T) {
	client := &fakeBgClient{}
	client.GetLastFn = func(ctx context.Context, name string) (*background.Message, error) {
		return nil, nil
	}

	result := dispatchBg(t, bgRegistry(client), "/bg last i 1")
	if !strings.Contains(result.Reply, "no agent output yet") {
		t.Errorf("reply = %q", result.Reply)
	}
}

func TestFormatElapsed(t *testing.T) {
	cases := []struct {
		seconds float64
		want    string
	}{
		{45, "45s"},
		{200, "3m20s"},
		{7500, "2h5m"},
	}
	for _, tc := range cases {
		if got := formatElapsed(tc.seconds); got != tc.want {
			t.Errorf("formatElapsed(%v) = %q, want %q", tc.seconds, got, tc.want)
		}
	}
}

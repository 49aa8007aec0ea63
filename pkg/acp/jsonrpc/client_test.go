package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/qqacp/bridge/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.New(logger.Config{Level: "error"})
	return log
}

// testLink wires a Client to in-memory pipes standing in for the agent
// subprocess's stdio: the test plays the agent.
type testLink struct {
	client *Client

	fromClient *bufio.Reader // what the client wrote to "stdin"
	toClient   io.WriteCloser
}

func newTestLink(t *testing.T) *testLink {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	c := NewClient(stdinW, stdoutR, newTestLogger())

	link := &testLink{
		client:     c,
		fromClient: bufio.NewReader(stdinR),
		toClient:   stdoutW,
	}
	t.Cleanup(func() {
		c.Stop()
		stdinR.Close()
		stdoutW.Close()
	})
	return link
}

func (l *testLink) readLine(t *testing.T) map[string]interface{} {
	t.Helper()
	line, err := l.fromClient.ReadString('\n')
	if err != nil {
		t.Fatalf("read client line: %v", err)
	}
	var msg map[string]interface{}
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal client line %q: %v", line, err)
	}
	return msg
}

func (l *testLink) writeLine(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(l.toClient, line+"\n"); err != nil {
		t.Fatalf("write agent line: %v", err)
	}
}

func TestCallRoundTrip(t *testing.T) {
	link := newTestLink(t)
	link.client.Start(context.Background())

	go func() {
		msg := link.readLine(t)
		id := int64(msg["id"].(float64))
		link.writeLine(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"sessionId":"s-1"}}`, id))
	}()

	resp, err := link.client.Call(context.Background(), "session/new", map[string]string{"cwd": ""})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %v", resp.Error)
	}
	if !strings.Contains(string(resp.Result), "s-1") {
		t.Errorf("expected result to carry sessionId, got %s", resp.Result)
	}
}

func TestCallContextCancelled(t *testing.T) {
	link := newTestLink(t)
	link.client.Start(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		link.readLine(t) // swallow the request, never answer
		cancel()
	}()

	_, err := link.client.Call(ctx, "session/prompt", nil)
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestStopUnblocksPendingCall(t *testing.T) {
	link := newTestLink(t)
	link.client.Start(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := link.client.Call(context.Background(), "session/prompt", nil)
		errCh <- err
	}()

	link.readLine(t) // request was sent, response never comes
	link.client.Stop()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected an error after Stop, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Call did not return after Stop")
	}
}

func TestNotificationDispatch(t *testing.T) {
	link := newTestLink(t)

	got := make(chan string, 1)
	link.client.SetNotificationHandler(func(method string, params json.RawMessage) {
		got <- method
	})
	link.client.Start(context.Background())

	link.writeLine(t, `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s-1"}}`)

	select {
	case method := <-got:
		if method != "session/update" {
			t.Errorf("expected session/update, got %s", method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification handler was not invoked")
	}
}

func TestPeerRequestAnsweredViaSendResponse(t *testing.T) {
	link := newTestLink(t)

	link.client.SetRequestHandler(func(id interface{}, method string, params json.RawMessage) {
		if method != "session/request_permission" {
			t.Errorf("unexpected method %s", method)
		}
		link.client.SendResponse(id, map[string]string{"outcome": "cancelled"}, nil)
	})
	link.client.Start(context.Background())

	link.writeLine(t, `{"jsonrpc":"2.0","id":7,"method":"session/request_permission","params":{}}`)

	msg := link.readLine(t)
	if id := int64(msg["id"].(float64)); id != 7 {
		t.Errorf("response id = %d, want 7", id)
	}
	result, _ := msg["result"].(map[string]interface{})
	if result["outcome"] != "cancelled" {
		t.Errorf("response result = %v, want cancelled outcome", msg["result"])
	}
}

func TestUnknownResponseIDDropped(t *testing.T) {
	link := newTestLink(t)
	link.client.Start(context.Background())

	// A response nobody asked for must not crash the read loop.
	link.writeLine(t, `{"jsonrpc":"2.0","id":999,"result":{}}`)
	link.writeLine(t, `{"jsonrpc":"2.0","method":"session/update","params":{}}`)

	got := make(chan struct{}, 1)
	link.client.SetNotificationHandler(func(method string, params json.RawMessage) {
		got <- struct{}{}
	})
	link.writeLine(t, `{"jsonrpc":"2.0","method":"session/update","params":{}}`)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop died after unknown response id")
	}
}

func TestMalformedLineSkipped(t *testing.T) {
	link := newTestLink(t)

	got := make(chan struct{}, 1)
	link.client.SetNotificationHandler(func(method string, params json.RawMessage) {
		got <- struct{}{}
	})
	link.client.Start(context.Background())

	link.writeLine(t, `this is not json`)
	link.writeLine(t, `{"jsonrpc":"2.0","method":"session/update","params":{}}`)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop died on malformed line")
	}
}

func TestNormalizeID(t *testing.T) {
	if got := normalizeID(float64(42)); got != int64(42) {
		t.Errorf("normalizeID(float64) = %v, want int64(42)", got)
	}
	if got := normalizeID("abc"); got != "abc" {
		t.Errorf("normalizeID(string) = %v, want abc", got)
	}
}

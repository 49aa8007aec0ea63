// Package permission bridges the ACP agent's synchronous
// session/request_permission call onto the bridge's asynchronous chat
// dialog: the agent blocks on Handle while a reply races it from the
// other side of the transport.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qqacp/bridge/internal/common/logger"
	"github.com/qqacp/bridge/pkg/acp"
)

// Replier is the subset of the Transport Server the broker needs to post
// a permission dialog.
type Replier interface {
	SendText(ctx context.Context, chatID string, text string) error
}

type pendingRequest struct {
	sessionID string
	toolKind  string
	options   []acp.PermissionOption
	resultCh  chan acp.PermissionOutcome
	done      bool
}

// Broker owns, per chat, at most one in-flight permission request, and a
// per-session cache of "always" answers keyed by tool kind.
type Broker struct {
	replier        Replier
	timeout        time.Duration
	rawInputMaxLen int
	log            *logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest                 // chatID -> request
	always  map[string]map[string]acp.PermissionOption // sessionID -> toolKind -> option
}

// NewBroker builds a Broker. timeout bounds how long a request waits for
// a chat reply before auto-cancelling; rawInputMaxLen bounds how much of
// a tool call's raw input is echoed into the dialog.
func NewBroker(replier Replier, timeout time.Duration, rawInputMaxLen int, log *logger.Logger) *Broker {
	return &Broker{
		replier:        replier,
		timeout:        timeout,
		rawInputMaxLen: rawInputMaxLen,
		log:            log.With(zap.String("component", "permission_broker")),
		pending:        make(map[string]*pendingRequest),
		always:         make(map[string]map[string]acp.PermissionOption),
	}
}

// Handle answers one session/request_permission call for chatID. It
// blocks the caller (the ACP Client Callbacks, on the agent's jsonrpc
// goroutine) until a chat reply resolves it, CancelPending cancels it,
// the chat-side timeout elapses, or ctx is done.
func (b *Broker) Handle(ctx context.Context, sessionID string, chatID string, toolCall acp.ToolCallInfo, options []acp.PermissionOption) acp.PermissionOutcome {
	if option, ok := b.alwaysAnswer(sessionID, toolCall.Kind); ok {
		return acp.Selected(option.OptionID)
	}

	req := &pendingRequest{
		sessionID: sessionID,
		toolKind:  toolCall.Kind,
		options:   options,
		resultCh:  make(chan acp.PermissionOutcome, 1),
	}

	b.mu.Lock()
	b.pending[chatID] = req
	b.mu.Unlock()

	if err := b.replier.SendText(ctx, chatID, renderPrompt(toolCall, options, b.rawInputMaxLen)); err != nil {
		b.log.Warn("failed to post permission dialog", zap.String("chat_id", chatID), zap.Error(err))
	}

	// timeout == 0 waits for an answer indefinitely; a nil channel never
	// fires in the select below.
	var timeoutCh <-chan time.Time
	if b.timeout > 0 {
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case outcome := <-req.resultCh:
		return outcome
	case <-timeoutCh:
		b.clearPending(chatID)
		b.log.Info("permission request timed out", zap.String("chat_id", chatID))
		if err := b.replier.SendText(ctx, chatID, "Permission request timed out, cancelling."); err != nil {
			b.log.Warn("failed to post timeout notice", zap.String("chat_id", chatID), zap.Error(err))
		}
		return acp.Cancelled
	case <-ctx.Done():
		b.clearPending(chatID)
		return acp.Cancelled
	}
}

// HasPending reports whether chatID has an unanswered permission dialog.
func (b *Broker) HasPending(chatID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[chatID]
	return ok
}

// Resolve interprets text as an answer to chatID's pending permission
// dialog: a 1-based index into the options offered. It reports whether
// text was consumed as an answer; false means there was no pending
// request or text did not parse as one, and any pending dialog stays
// open.
func (b *Broker) Resolve(chatID string, text string) bool {
	b.mu.Lock()
	req, ok := b.pending[chatID]
	if !ok || req.done {
		b.mu.Unlock()
		return false
	}

	idx, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || idx < 1 || idx > len(req.options) {
		b.mu.Unlock()
		return false
	}
	option := req.options[idx-1]
	req.done = true
	delete(b.pending, chatID)
	b.mu.Unlock()

	if option.Kind == acp.KindAllowAlways || option.Kind == acp.KindRejectAlways {
		b.rememberAlways(req.sessionID, req.toolKind, option)
	}
	req.resultCh <- acp.Selected(option.OptionID)
	return true
}

// CancelPending resolves chatID's pending permission dialog, if any, as
// cancelled. Used by /stop.
func (b *Broker) CancelPending(chatID string) bool {
	b.mu.Lock()
	req, ok := b.pending[chatID]
	if ok {
		delete(b.pending, chatID)
	}
	b.mu.Unlock()
	if !ok || req.done {
		return false
	}
	req.resultCh <- acp.Cancelled
	return true
}

// ClearSession drops any "always" answers cached for sessionID. Called
// by the Agent Manager when a session is closed, so a later session on
// the same chat (with a new sessionID) starts with a clean cache.
func (b *Broker) ClearSession(sessionID string) {
	b.mu.Lock()
	delete(b.always, sessionID)
	b.mu.Unlock()
}

func (b *Broker) alwaysAnswer(sessionID, toolKind string) (acp.PermissionOption, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byKind, ok := b.always[sessionID]
	if !ok {
		return acp.PermissionOption{}, false
	}
	option, ok := byKind[toolKind]
	return option, ok
}

func (b *Broker) rememberAlways(sessionID, toolKind string, option acp.PermissionOption) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byKind, ok := b.always[sessionID]
	if !ok {
		byKind = make(map[string]acp.PermissionOption)
		b.always[sessionID] = byKind
	}
	byKind[toolKind] = option
}

func (b *Broker) clearPending(chatID string) {
	b.mu.Lock()
	delete(b.pending, chatID)
	b.mu.Unlock()
}

func renderPrompt(toolCall acp.ToolCallInfo, options []acp.PermissionOption, rawInputMaxLen int) string {
	var b strings.Builder
	title := toolCall.Title
	if title == "" {
		title = toolCall.Kind
	}
	fmt.Fprintf(&b, "Permission requested: %s\n", title)
	if len(toolCall.RawInput) > 0 {
		raw := truncateRawInput(toolCall.RawInput, rawInputMaxLen)
		fmt.Fprintf(&b, "Input: %s\n", raw)
	}
	b.WriteString("Reply with a number:\n")
	for i, opt := range options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt.Name)
	}
	return b.String()
}

func truncateRawInput(raw json.RawMessage, maxLen int) string {
	s := string(raw)
	runes := []rune(s)
	if maxLen <= 0 || len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}

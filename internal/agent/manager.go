package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qqacp/bridge/internal/common/config"
	apperrors "github.com/qqacp/bridge/internal/common/errors"
	"github.com/qqacp/bridge/internal/common/logger"
	"github.com/qqacp/bridge/internal/reply"
	"github.com/qqacp/bridge/pkg/acp"
)

// SessionCloser is notified when a chat's session ends, so session-scoped
// state elsewhere (the permission "always" cache) can be cleared.
type SessionCloser interface {
	ClearSession(sessionID string)
}

// connection is one chat's process, session and in-flight accumulator.
type connection struct {
	mu           sync.Mutex
	proc         *process
	sessionID    string
	accumulator  reply.Parts
	activePrompt bool
	pendingCwd   string    // set by "/new <dir>", consumed by the next session
	lastFailure  time.Time // throttles relaunch attempts to the retry interval
}

// Manager owns one connection per chat, launching, relaunching and
// tearing down agent subprocesses on demand.
type Manager struct {
	cfg    config.AgentConfig
	mcp    []config.McpConfig
	broker PermissionHandler
	closer SessionCloser
	log    *logger.Logger

	mu    sync.Mutex
	conns map[string]*connection
}

// NewManager builds a Manager. broker answers request_permission calls;
// closer is notified when a chat's session is torn down.
func NewManager(cfg config.AgentConfig, mcp []config.McpConfig, broker PermissionHandler, closer SessionCloser, log *logger.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		mcp:    mcp,
		broker: broker,
		closer: closer,
		log:    log.With(zap.String("component", "agent_manager")),
		conns:  make(map[string]*connection),
	}
}

// SetPendingCwd records a one-time cwd override for chatID's next session,
// used by "/new <dir>".
func (m *Manager) SetPendingCwd(chatID string, dir string) {
	conn := m.connFor(chatID)
	conn.mu.Lock()
	conn.pendingCwd = dir
	conn.mu.Unlock()
}

func (m *Manager) connFor(chatID string) *connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[chatID]
	if !ok {
		conn = &connection{}
		m.conns[chatID] = conn
	}
	return conn
}

// ensureProcess guarantees conn has a live, initialized process,
// launching and handshaking one if needed. After a failed launch the
// chat stays fast-failing until the retry interval has passed, so a
// burst of messages doesn't respawn a broken agent once per message.
func (m *Manager) ensureProcess(ctx context.Context, chatID string, conn *connection) error {
	retryInterval := time.Duration(m.cfg.RetryIntervalSeconds * float64(time.Second))

	conn.mu.Lock()
	proc := conn.proc
	lastFailure := conn.lastFailure
	conn.mu.Unlock()
	if proc != nil {
		return nil
	}
	if !lastFailure.IsZero() && time.Since(lastFailure) < retryInterval {
		return apperrors.AgentNotConnected(chatID, nil)
	}

	proc, err := launchProcess(ctx, m.cfg.Command, m.cfg.Args, m.cfg.Cwd, m.cfg.Env, m.log)
	if err != nil {
		m.markFailure(conn)
		return err
	}
	proc.onUpdate = func(sessionID string, block acp.ContentBlock) {
		m.onUpdate(conn, sessionID, block)
	}
	proc.onPermission = func(ctx context.Context, sessionID string, toolCall acp.ToolCallInfo, options []acp.PermissionOption) acp.PermissionOutcome {
		return m.broker.Handle(ctx, sessionID, chatID, toolCall, options)
	}

	timeout := time.Duration(m.cfg.InitializeTimeoutSecond * float64(time.Second))
	if err := proc.initialize(ctx, timeout, chatID); err != nil {
		proc.close()
		m.markFailure(conn)
		return err
	}

	conn.mu.Lock()
	conn.proc = proc
	conn.lastFailure = time.Time{}
	conn.mu.Unlock()
	return nil
}

func (m *Manager) markFailure(conn *connection) {
	conn.mu.Lock()
	conn.lastFailure = time.Now()
	conn.mu.Unlock()
}

// ensureSession guarantees conn has an open session on its process,
// consuming any one-time cwd set by "/new <dir>".
func (m *Manager) ensureSession(ctx context.Context, conn *connection) error {
	conn.mu.Lock()
	proc, sessionID, cwd := conn.proc, conn.sessionID, conn.pendingCwd
	conn.mu.Unlock()
	if sessionID != "" {
		return nil
	}
	if cwd == "" {
		cwd = m.cfg.Cwd
	}

	sessionID, err := proc.newSession(ctx, cwd, m.mcpServers())
	if err != nil {
		return err
	}

	conn.mu.Lock()
	conn.pendingCwd = ""
	conn.sessionID = sessionID
	conn.accumulator = nil
	conn.mu.Unlock()
	return nil
}

func (m *Manager) mcpServers() []acp.McpServer {
	servers := make([]acp.McpServer, 0, len(m.mcp))
	for _, s := range m.mcp {
		server := acp.McpServer{Name: s.Name}
		if s.Transport == "sse" {
			server.Type = "sse"
			server.URL = s.URL
			for k, v := range s.Env {
				server.Headers = append(server.Headers, acp.EnvVar{Name: k, Value: v})
			}
		} else {
			server.Command = s.Command
			server.Args = s.Args
			for k, v := range s.Env {
				server.Env = append(server.Env, acp.EnvVar{Name: k, Value: v})
			}
		}
		servers = append(servers, server)
	}
	return servers
}

func (m *Manager) onUpdate(conn *connection, sessionID string, block acp.ContentBlock) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !conn.activePrompt || conn.sessionID != sessionID {
		return
	}
	if block.Type == "image" {
		conn.accumulator = append(conn.accumulator, reply.NewImage(block.Data, block.MimeType))
	} else {
		conn.accumulator = append(conn.accumulator, reply.NewText(block.Text))
	}
}

// SupportsImage reports whether chatID's process advertises image
// support, launching and handshaking it if necessary. Used by the
// Prompt Builder to decide whether attachments are worth fetching. The
// flag is re-read from each fresh handshake, never cached across a
// relaunch.
func (m *Manager) SupportsImage(ctx context.Context, chatID string) bool {
	conn := m.connFor(chatID)
	if err := m.ensureProcess(ctx, chatID, conn); err != nil {
		m.log.Warn("connect for capability check failed", zap.String("chat_id", chatID), zap.Error(err))
		return false
	}
	conn.mu.Lock()
	proc := conn.proc
	conn.mu.Unlock()
	return proc.SupportsImage()
}

// SendPrompt runs one single-flight prompt turn for chatID: ensures a live
// connection, sends the blocks, and returns the accumulated reply parts.
// A *apperrors.PartialReplyError carries parts that streamed before a
// mid-turn failure.
func (m *Manager) SendPrompt(ctx context.Context, chatID string, blocks []acp.ContentBlock) (reply.Parts, error) {
	conn := m.connFor(chatID)

	conn.mu.Lock()
	if conn.activePrompt {
		conn.mu.Unlock()
		return nil, apperrors.Internal("prompt already in flight for "+chatID, nil)
	}
	conn.activePrompt = true
	conn.mu.Unlock()

	defer func() {
		conn.mu.Lock()
		conn.activePrompt = false
		conn.mu.Unlock()
	}()

	if err := m.ensureProcess(ctx, chatID, conn); err != nil {
		return nil, apperrors.AgentNotConnected(chatID, err)
	}
	if err := m.ensureSession(ctx, conn); err != nil {
		return nil, apperrors.AgentNotConnected(chatID, err)
	}

	conn.mu.Lock()
	conn.accumulator = nil
	proc, sessionID := conn.proc, conn.sessionID
	conn.mu.Unlock()

	stopReason, err := proc.prompt(ctx, sessionID, blocks)

	conn.mu.Lock()
	parts := conn.accumulator
	conn.accumulator = nil
	conn.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return parts, err
		}
		if len(parts) > 0 {
			return parts, apperrors.AgentErrorWithPartial(err, parts)
		}
		return nil, apperrors.ProtocolError("session/prompt failed", err)
	}

	m.log.Info("prompt turn finished",
		zap.String("chat_id", chatID),
		zap.String("stop_reason", stopReason),
		zap.Int("text_chars", parts.TextLen()),
		zap.Int("part_count", len(parts)))
	return parts, nil
}

// Cancel sends session/cancel for chatID's current session, best-effort.
func (m *Manager) Cancel(chatID string) {
	conn := m.connFor(chatID)
	conn.mu.Lock()
	proc, sessionID := conn.proc, conn.sessionID
	conn.mu.Unlock()
	if proc == nil || sessionID == "" {
		return
	}
	if err := proc.cancel(sessionID); err != nil {
		m.log.Warn("session/cancel notify failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}

// CloseSession tears down chatID's session (but not its process), so the
// next prompt opens a fresh session. Used after a partial-reply error.
func (m *Manager) CloseSession(chatID string) {
	conn := m.connFor(chatID)
	conn.mu.Lock()
	sessionID := conn.sessionID
	conn.sessionID = ""
	conn.accumulator = nil
	conn.mu.Unlock()
	if sessionID != "" && m.closer != nil {
		m.closer.ClearSession(sessionID)
	}
}

// Disconnect tears down chatID's process entirely.
func (m *Manager) Disconnect(chatID string) {
	conn := m.connFor(chatID)
	conn.mu.Lock()
	proc, sessionID := conn.proc, conn.sessionID
	conn.proc = nil
	conn.sessionID = ""
	conn.accumulator = nil
	conn.mu.Unlock()

	if proc != nil {
		proc.close()
	}
	if sessionID != "" && m.closer != nil {
		m.closer.ClearSession(sessionID)
	}
}

// DisconnectAll tears down every live connection, used when the
// transport's single client disconnects.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.Lock()
	chatIDs := make([]string, 0, len(m.conns))
	for id := range m.conns {
		chatIDs = append(chatIDs, id)
	}
	m.mu.Unlock()

	for _, id := range chatIDs {
		m.Disconnect(id)
	}
}

// ChatIDs returns the chats whose agent process is currently live, for
// the status API. Entries without a process are left out.
func (m *Manager) ChatIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.conns))
	for id, conn := range m.conns {
		conn.mu.Lock()
		live := conn.proc != nil
		conn.mu.Unlock()
		if live {
			ids = append(ids, id)
		}
	}
	return ids
}

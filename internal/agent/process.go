// Package agent launches and supervises one Agent Client Protocol
// subprocess per chat, translating session lifecycle calls and streamed
// updates between the ACP wire format and the bridge's reply parts.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/qqacp/bridge/internal/common/errors"
	"github.com/qqacp/bridge/internal/common/logger"
	"github.com/qqacp/bridge/pkg/acp"
	"github.com/qqacp/bridge/pkg/acp/jsonrpc"
)

const clientName = "ncat-bridge"
const clientVersion = "0.1.0"
const protocolVersion = 1

// PermissionHandler answers a peer-initiated session/request_permission
// call. Implemented by internal/permission.Broker.
type PermissionHandler interface {
	Handle(ctx context.Context, sessionID string, chatID string, toolCall acp.ToolCallInfo, options []acp.PermissionOption) acp.PermissionOutcome
}

// process is one ACP subprocess and its JSON-RPC link. A process serves
// exactly one chat for its lifetime; the Manager replaces it wholesale on
// relaunch.
type process struct {
	cmd *exec.Cmd
	rpc *jsonrpc.Client
	log *logger.Logger

	mu            sync.Mutex
	agentInfo     acp.AgentInfo
	supportsImage bool

	onUpdate     func(sessionID string, block acp.ContentBlock)
	onPermission func(ctx context.Context, sessionID string, toolCall acp.ToolCallInfo, options []acp.PermissionOption) acp.PermissionOutcome
}

// launchProcess starts the configured agent executable and wires its
// stdio to a fresh JSON-RPC client. It does not perform the initialize
// handshake; callers must call initialize before using the process.
func launchProcess(ctx context.Context, command string, args []string, cwd string, env map[string]string, log *logger.Logger) (*process, error) {
	cmd := buildCommand(ctx, command, args)
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = buildEnv(env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.AgentLaunchError(command, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.AgentLaunchError(command, err)
	}
	cmd.Stderr = &stderrLogWriter{log: log}

	if err := cmd.Start(); err != nil {
		return nil, apperrors.AgentLaunchError(command, err)
	}

	p := &process{
		cmd: cmd,
		rpc: jsonrpc.NewClient(stdin, stdout, log),
		log: log.With(zap.String("component", "agent_process"), zap.Int("pid", cmd.Process.Pid)),
	}
	p.rpc.SetNotificationHandler(p.handleNotification)
	p.rpc.SetRequestHandler(p.handleRequest)
	p.rpc.Start(ctx)
	return p, nil
}

// initialize performs the ACP handshake, bounded by timeout.
func (p *process) initialize(ctx context.Context, timeout time.Duration, chatID string) error {
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := p.rpc.Call(ictx, acp.MethodInitialize, acp.InitializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      acp.ClientInfo{Name: clientName, Title: "NCat Bridge", Version: clientVersion},
		ClientCapabilities: acp.ClientCapabilities{
			Fs:       acp.FsCapabilities{ReadTextFile: false, WriteTextFile: false},
			Terminal: false,
		},
	})
	if err != nil {
		if ictx.Err() != nil {
			return apperrors.InitializeTimeout(chatID)
		}
		return apperrors.ProtocolError("initialize call failed", err)
	}
	if resp.Error != nil {
		return apperrors.ProtocolError("initialize rejected: "+resp.Error.Message, resp.Error)
	}

	var result acp.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return apperrors.ProtocolError("malformed initialize result", err)
	}

	p.mu.Lock()
	p.agentInfo = result.AgentInfo
	p.supportsImage = result.PromptCapabilities.Image
	p.mu.Unlock()
	return nil
}

func (p *process) SupportsImage() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.supportsImage
}

func (p *process) newSession(ctx context.Context, cwd string, mcpServers []acp.McpServer) (string, error) {
	resp, err := p.rpc.Call(ctx, acp.MethodSessionNew, acp.SessionNewParams{Cwd: cwd, McpServers: mcpServers})
	if err != nil {
		return "", apperrors.ProtocolError("session/new call failed", err)
	}
	if resp.Error != nil {
		return "", apperrors.ProtocolError("session/new rejected: "+resp.Error.Message, resp.Error)
	}
	var result acp.SessionNewResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", apperrors.ProtocolError("malformed session/new result", err)
	}
	return result.SessionID, nil
}

func (p *process) prompt(ctx context.Context, sessionID string, blocks []acp.ContentBlock) (string, error) {
	resp, err := p.rpc.Call(ctx, acp.MethodSessionPrompt, acp.SessionPromptParams{SessionID: sessionID, Prompt: blocks})
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", apperrors.ProtocolError("session/prompt rejected: "+resp.Error.Message, resp.Error)
	}
	var result acp.SessionPromptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", apperrors.ProtocolError("malformed session/prompt result", err)
	}
	return result.StopReason, nil
}

func (p *process) cancel(sessionID string) error {
	return p.rpc.Notify(acp.MethodSessionCancel, acp.SessionCancelParams{SessionID: sessionID})
}

func (p *process) close() {
	p.rpc.Stop()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
}

func (p *process) handleNotification(method string, params json.RawMessage) {
	if method != acp.NotificationSessionUpdate {
		return
	}
	var update acp.SessionUpdateParams
	if err := json.Unmarshal(params, &update); err != nil {
		p.log.Warn("malformed session/update", zap.Error(err))
		return
	}
	var envelope acp.SessionUpdateEnvelope
	if err := json.Unmarshal(update.Update, &envelope); err != nil {
		p.log.Warn("malformed session/update envelope", zap.Error(err))
		return
	}

	switch envelope.SessionUpdate {
	case acp.UpdateAgentMessageChunk:
		var chunk acp.AgentMessageChunk
		if err := json.Unmarshal(update.Update, &chunk); err != nil {
			p.log.Warn("malformed agent_message_chunk", zap.Error(err))
			return
		}
		if p.onUpdate != nil {
			p.onUpdate(update.SessionID, chunk.Content)
		}
	case acp.UpdateToolCall, acp.UpdateToolCallUpdate, acp.UpdatePlan:
		p.log.Debug("session update observed", zap.String("kind", envelope.SessionUpdate), zap.String("session_id", update.SessionID))
	default:
		p.log.Debug("unrecognized session update kind", zap.String("kind", envelope.SessionUpdate))
	}
}

func (p *process) handleRequest(id interface{}, method string, params json.RawMessage) {
	ctx := context.Background()

	switch method {
	case acp.MethodRequestPermission:
		var req acp.RequestPermissionParams
		if err := json.Unmarshal(params, &req); err != nil {
			p.rpc.SendResponse(id, nil, &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: "malformed request_permission params"})
			return
		}
		var outcome acp.PermissionOutcome
		if p.onPermission != nil {
			outcome = p.onPermission(ctx, req.SessionID, req.ToolCall, req.Options)
		} else {
			outcome = preferredOutcome(req.Options)
		}
		p.rpc.SendResponse(id, acp.RequestPermissionResult{Outcome: outcome}, nil)
	default:
		// fs/* and terminal/* are always refused: this bridge advertised
		// both capabilities as false during initialize.
		p.rpc.SendResponse(id, nil, &jsonrpc.Error{Code: jsonrpc.MethodNotFound, Message: fmt.Sprintf("method not found: %s", method)})
	}
}

// preferredOutcome picks an option without user mediation: the first
// allow_always, else the first allow_once, else the first option
// offered. No options at all means the request cannot be honored.
func preferredOutcome(options []acp.PermissionOption) acp.PermissionOutcome {
	if len(options) == 0 {
		return acp.Cancelled
	}
	for _, o := range options {
		if o.Kind == acp.KindAllowAlways {
			return acp.Selected(o.OptionID)
		}
	}
	for _, o := range options {
		if o.Kind == acp.KindAllowOnce {
			return acp.Selected(o.OptionID)
		}
	}
	return acp.Selected(options[0].OptionID)
}

// stderrLogWriter forwards the agent subprocess's stderr into the bridge's
// own log stream instead of letting it leak to the bridge's own stderr.
type stderrLogWriter struct {
	log *logger.Logger
}

func (w *stderrLogWriter) Write(p []byte) (int, error) {
	w.log.Warn("agent stderr", zap.ByteString("line", p))
	return len(p), nil
}

var _ io.Writer = (*stderrLogWriter)(nil)

package prompt

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qqacp/bridge/internal/common/config"
	apperrors "github.com/qqacp/bridge/internal/common/errors"
	"github.com/qqacp/bridge/internal/common/logger"
	"github.com/qqacp/bridge/internal/message"
	"github.com/qqacp/bridge/internal/reply"
	"github.com/qqacp/bridge/pkg/acp"
)

// AgentManager is the subset of *agent.Manager the Runner drives.
type AgentManager interface {
	SendPrompt(ctx context.Context, chatID string, blocks []acp.ContentBlock) (reply.Parts, error)
	Cancel(chatID string)
	CloseSession(chatID string)
	SupportsImage(ctx context.Context, chatID string) bool
}

// PermissionCanceller is the subset of *permission.Broker the Runner
// needs for /stop: a pending permission dialog belongs to whichever
// prompt task is in flight, and must be resolved before the task's own
// context is cancelled.
type PermissionCanceller interface {
	CancelPending(chatID string) bool
}

// Replier is the subset of the Transport Server the Runner needs.
type Replier interface {
	SendText(ctx context.Context, chatID string, text string) error
	SendContent(ctx context.Context, chatID string, parts reply.Parts) error
}

// Runner owns the single in-flight prompt task per chat.
type Runner struct {
	manager AgentManager
	broker  PermissionCanceller
	replier Replier
	builder *Builder
	ux      config.UxConfig
	log     *logger.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewRunner builds a Runner.
func NewRunner(manager AgentManager, broker PermissionCanceller, replier Replier, builder *Builder, ux config.UxConfig, log *logger.Logger) *Runner {
	return &Runner{
		manager: manager,
		broker:  broker,
		replier: replier,
		builder: builder,
		ux:      ux,
		log:     log.With(zap.String("component", "prompt_runner")),
		active:  make(map[string]context.CancelFunc),
	}
}

// Busy reports whether chatID already has a prompt task in flight.
func (r *Runner) Busy(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[chatID]
	return ok
}

// Process runs one prompt turn for msg. The caller (the Dispatcher) must
// have already checked Busy.
func (r *Runner) Process(ctx context.Context, msg message.Message) {
	chatID := msg.ChatID.String()

	taskCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.active[chatID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, chatID)
		r.mu.Unlock()
		cancel()
	}()

	stopNotify := r.startThinkingTimers(taskCtx, chatID)
	defer stopNotify()

	supportsImage := r.manager.SupportsImage(taskCtx, chatID)
	blocks := r.builder.Build(taskCtx, msg, supportsImage)

	parts, err := r.manager.SendPrompt(taskCtx, chatID, blocks)
	stopNotify()

	r.deliver(ctx, chatID, parts, err)
}

func (r *Runner) deliver(ctx context.Context, chatID string, parts reply.Parts, err error) {
	if err == nil {
		if len(parts) == 0 {
			_ = r.replier.SendText(ctx, chatID, "(no reply)")
			return
		}
		_ = r.replier.SendContent(ctx, chatID, parts)
		return
	}

	if errors.Is(err, context.Canceled) {
		return // cancellation is expected after /stop; nothing to report
	}

	// Any failed prompt closes the session so the next message starts
	// fresh instead of resuming agent-side state of unknown shape.
	defer r.manager.CloseSession(chatID)

	var partial *apperrors.PartialReplyError
	if errors.As(err, &partial) {
		if len(partial.Parts) > 0 {
			_ = r.replier.SendContent(ctx, chatID, partial.Parts)
		}
		_ = r.replier.SendText(ctx, chatID, "The agent hit an error partway through; starting a fresh session next time.")
		return
	}

	_ = r.replier.SendText(ctx, chatID, friendlyError(err))
}

// Stop cancels chatID's in-flight prompt task, if any: first resolving
// any pending permission dialog (so the agent's blocked callback returns
// immediately instead of waiting out its own timeout), then cancelling
// the task context, then notifying the agent via session/cancel. It
// reports whether there was anything to cancel.
func (r *Runner) Stop(chatID string) bool {
	hadPermission := r.broker.CancelPending(chatID)

	r.mu.Lock()
	cancel, ok := r.active[chatID]
	r.mu.Unlock()

	if !ok {
		return hadPermission
	}
	cancel()
	r.manager.Cancel(chatID)
	return true
}

func (r *Runner) startThinkingTimers(ctx context.Context, chatID string) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	stop = func() { once.Do(func() { close(done) }) }

	notify := func(delaySeconds float64, text string) {
		if delaySeconds <= 0 {
			return
		}
		timer := time.NewTimer(time.Duration(delaySeconds * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
			_ = r.replier.SendText(ctx, chatID, text)
		case <-done:
		case <-ctx.Done():
		}
	}

	go notify(r.ux.ThinkingNotifySeconds, "Still working on it…")
	go notify(r.ux.ThinkingLongNotifySeconds, "This is taking longer than usual, still working.")
	return stop
}

func friendlyError(err error) string {
	switch {
	case apperrors.Is(err, "AGENT_NOT_CONNECTED"):
		return "Could not reach the agent. Please try again in a moment."
	case apperrors.Is(err, "INITIALIZE_TIMEOUT"):
		return "The agent did not start in time. Please try again."
	case apperrors.Is(err, "PROTOCOL_ERROR"):
		return "The agent returned an unexpected response."
	default:
		return "Something went wrong handling your message."
	}
}

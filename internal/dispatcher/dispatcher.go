// Package dispatcher implements the bridge's per-message routing: command
// matching, the "/send" bypass, the permission-answer intercept, and
// finally handoff to the Prompt Runner.
package dispatcher

import (
	"context"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/qqacp/bridge/internal/common/errors"
	"github.com/qqacp/bridge/internal/common/logger"
	"github.com/qqacp/bridge/internal/command"
	"github.com/qqacp/bridge/internal/message"
)

const sendPrefix = "/send "

const sendUsage = "Usage: /send <text>: forward text to the agent verbatim, bypassing command matching."

const permissionHint = "There is a pending permission request. Reply with one of the listed numbers, or /stop to cancel."

// PermissionResolver is the subset of *permission.Broker the Dispatcher
// needs to intercept a numeric answer to a pending permission dialog.
type PermissionResolver interface {
	HasPending(chatID string) bool
	Resolve(chatID string, text string) bool
}

// PromptRunner is the subset of *prompt.Runner the Dispatcher needs.
type PromptRunner interface {
	Busy(chatID string) bool
	Process(ctx context.Context, msg message.Message)
}

// Replier is the subset of the Transport Server the Dispatcher needs to
// report a busy chat or an internal error directly.
type Replier interface {
	SendText(ctx context.Context, chatID string, text string) error
}

// Dispatcher implements transport.Dispatcher.
type Dispatcher struct {
	registry   *command.Registry
	permission PermissionResolver
	runner     PromptRunner
	replier    Replier
	log        *logger.Logger
}

// New builds a Dispatcher.
func New(registry *command.Registry, permission PermissionResolver, runner PromptRunner, replier Replier, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		permission: permission,
		runner:     runner,
		replier:    replier,
		log:        log.With(zap.String("component", "dispatcher")),
	}
}

// Dispatch implements transport.Dispatcher. A prompt handoff runs the
// whole prompt turn before Dispatch returns; the transport calls
// Dispatch on its own goroutine, so its read loop is not blocked.
func (d *Dispatcher) Dispatch(ctx context.Context, msg message.Message) {
	chatID := msg.ChatID.String()

	if msg.Kind == message.Group && !msg.AtBot {
		return // group messages that don't address the bot are dropped silently
	}

	if d.permission.HasPending(chatID) {
		if d.permission.Resolve(chatID, msg.Text) {
			return
		}
		// Anything that isn't a command gets a hint instead of becoming a
		// prompt; the dialog keeps waiting. Commands (notably /stop) still
		// run.
		if !d.registry.Matches(msg.Text) && !strings.HasPrefix(msg.Text, sendPrefix) {
			if err := d.replier.SendText(ctx, chatID, permissionHint); err != nil {
				d.log.Warn("failed to send permission hint", zap.String("chat_id", chatID), zap.Error(err))
			}
			return
		}
	}

	if strings.HasPrefix(msg.Text, sendPrefix) {
		body := strings.TrimPrefix(msg.Text, sendPrefix)
		if strings.TrimSpace(body) == "" {
			if err := d.replier.SendText(ctx, chatID, sendUsage); err != nil {
				d.log.Warn("failed to send usage hint", zap.String("chat_id", chatID), zap.Error(err))
			}
			return
		}
		bypassed := msg
		bypassed.Text = body
		d.runPrompt(ctx, bypassed)
		return
	}

	if result, matched := d.registry.Dispatch(ctx, msg); matched {
		if result.Reply != "" {
			if err := d.replier.SendText(ctx, chatID, result.Reply); err != nil {
				d.log.Warn("failed to send command reply", zap.String("chat_id", chatID), zap.Error(err))
			}
		}
		if result.Handled {
			return
		}
	}

	d.runPrompt(ctx, msg)
}

func (d *Dispatcher) runPrompt(ctx context.Context, msg message.Message) {
	chatID := msg.ChatID.String()
	if d.runner.Busy(chatID) {
		if err := d.replier.SendText(ctx, chatID, "Still working on your previous request, send /stop to cancel it."); err != nil {
			d.log.Warn("failed to send busy notice", zap.String("chat_id", chatID), zap.Error(err))
		}
		return
	}

	defer func() {
		if r := recover(); r != nil {
			err := apperrors.Internal("panic handling chat message", nil)
			d.log.Error("recovered from panic in prompt task", zap.String("chat_id", msg.ChatID.String()), zap.Any("panic", r), zap.Error(err))
			_ = d.replier.SendText(ctx, msg.ChatID.String(), "Something went wrong handling your message.")
		}
	}()
	d.runner.Process(ctx, msg)
}

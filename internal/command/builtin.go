package command

import (
	"context"
	"strings"

	"github.com/qqacp/bridge/internal/message"
)

// CwdSetter is the subset of *agent.Manager "/new <dir>" needs.
type CwdSetter interface {
	SetPendingCwd(chatID string, dir string)
}

// SessionResetter is the subset of *agent.Manager "/new" needs: closing
// the current session and tearing the chat's subprocess down so the next
// prompt launches fresh.
type SessionResetter interface {
	CloseSession(chatID string)
	Disconnect(chatID string)
}

// Stopper is the subset of *prompt.Runner "/stop" needs.
type Stopper interface {
	Stop(chatID string) bool
}

// Deps bundles the built-in commands' dependencies. Background may be
// nil (the "/bg" family then answers that it is unavailable); every
// other field is required.
type Deps struct {
	Cwd        CwdSetter
	Session    SessionResetter
	Stop       Stopper
	Background BackgroundClient
}

// RegisterBuiltins adds /new, /send, /stop, the /bg family and /help to reg.
func RegisterBuiltins(reg *Registry, deps Deps) {
	reg.Register("/new", `^/new(?:\s+(\S.*))?$`,
		"start a fresh session, optionally with a working directory: /new [dir]",
		func(ctx context.Context, msg message.Message, groups []string) Result {
			chatID := msg.ChatID.String()
			if len(groups) > 1 && strings.TrimSpace(groups[1]) != "" {
				deps.Cwd.SetPendingCwd(chatID, strings.TrimSpace(groups[1]))
			}
			deps.Session.CloseSession(chatID)
			deps.Session.Disconnect(chatID)
			return Result{Reply: "New session created.", Handled: true}
		})

	reg.Register("/send", `^/send(?:\s*)$`,
		"forward text to the agent verbatim: /send <text>",
		func(ctx context.Context, msg message.Message, groups []string) Result {
			// "/send <text>" never reaches the registry; the Dispatcher
			// forwards it before command matching. Matching here means the
			// body was empty.
			return Result{Reply: "Usage: /send <text>: forward text to the agent verbatim, bypassing command matching.", Handled: true}
		})

	reg.Register("/stop", `^/stop$`,
		"cancel the in-flight request, if any",
		func(ctx context.Context, msg message.Message, groups []string) Result {
			if deps.Stop.Stop(msg.ChatID.String()) {
				return Result{Reply: "Cancelled.", Handled: true}
			}
			return Result{Reply: "Nothing to cancel.", Handled: true}
		})

	RegisterBackground(reg, deps.Background)

	reg.Register("/help", `^/help$`,
		"list available commands",
		func(ctx context.Context, msg message.Message, groups []string) Result {
			return Result{Reply: reg.Help(), Handled: true}
		})
}

package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/qqacp/bridge/internal/background"
	"github.com/qqacp/bridge/internal/message"
)

// BackgroundClient is the subset of *background.Client the "/bg"
// command family needs. A nil BackgroundClient replaces the family with
// a single "unavailable" responder.
type BackgroundClient interface {
	CreateSession(ctx context.Context, chatID string, prompt string, name string) (string, error)
	ListSessions(ctx context.Context) ([]background.SessionInfo, error)
	SendPrompt(ctx context.Context, name string, prompt string) error
	DeleteSession(ctx context.Context, name string) error
	GetHistory(ctx context.Context, name string) ([]background.Message, error)
	GetLast(ctx context.Context, name string) (*background.Message, error)
}

const (
	bgPromptPreviewLen = 40
	bgHistoryLineLen   = 100
	bgHistoryMaxChars  = 1500
	bgLastMaxChars     = 500
)

// RegisterBackground adds the "/bg" subcommand family to reg, one
// registration per service operation. Index-addressed forms ("i") count
// 1-based through the service's current listing order; name-addressed
// forms ("n") go straight to the session.
func RegisterBackground(reg *Registry, client BackgroundClient) {
	if client == nil {
		reg.Register("/bg", `^/bg(?:\s+.*)?$`,
			"background sessions (not configured)",
			func(ctx context.Context, msg message.Message, groups []string) Result {
				return Result{Reply: "Background sessions are unavailable; no service is configured.", Handled: true}
			})
		return
	}

	reg.Register("/bg new", `^/bg new\s+([\s\S]+)$`,
		"create a background session: /bg new <prompt>",
		func(ctx context.Context, msg message.Message, groups []string) Result {
			name, err := client.CreateSession(ctx, msg.ChatID.String(), groups[1], "")
			if err != nil {
				return Result{Reply: bgFailure("Create", err), Handled: true}
			}
			return Result{Reply: fmt.Sprintf("Background session %q created; you'll be notified here.", name), Handled: true}
		})

	reg.Register("/bg newn", `^/bg newn\s+(\S+)\s+([\s\S]+)$`,
		"create a named background session: /bg newn <name> <prompt>",
		func(ctx context.Context, msg message.Message, groups []string) Result {
			name, err := client.CreateSession(ctx, msg.ChatID.String(), groups[2], groups[1])
			if err != nil {
				return Result{Reply: bgFailure("Create", err), Handled: true}
			}
			return Result{Reply: fmt.Sprintf("Background session %q created; you'll be notified here.", name), Handled: true}
		})

	reg.Register("/bg ls", `^/bg ls$`,
		"list background sessions",
		func(ctx context.Context, msg message.Message, groups []string) Result {
			sessions, err := client.ListSessions(ctx)
			if err != nil {
				return Result{Reply: bgFailure("List", err), Handled: true}
			}
			if len(sessions) == 0 {
				return Result{Reply: "No background sessions.", Handled: true}
			}
			lines := []string{"Background sessions:"}
			for i, s := range sessions {
				lines = append(lines, fmt.Sprintf("%d. [%s] %s  %q  %s",
					i+1, s.Status, s.Name, bgTruncate(s.InitialPrompt, bgPromptPreviewLen), formatElapsed(s.ElapsedSeconds)))
			}
			return Result{Reply: strings.Join(lines, "\n"), Handled: true}
		})

	reg.Register("/bg to i", `^/bg to i\s+(\d+)\s+([\s\S]+)$`,
		"send a prompt to a session by index: /bg to i <index> <prompt>",
		func(ctx context.Context, msg message.Message, groups []string) Result {
			name, errReply := resolveBgIndex(ctx, client, groups[1])
			if errReply != "" {
				return Result{Reply: errReply, Handled: true}
			}
			if err := client.SendPrompt(ctx, name, groups[2]); err != nil {
				return Result{Reply: bgFailure("Send", err), Handled: true}
			}
			return Result{Reply: "Prompt sent to " + name + ".", Handled: true}
		})

	reg.Register("/bg to n", `^/bg to n\s+(\S+)\s+([\s\S]+)$`,
		"send a prompt to a session by name: /bg to n <name> <prompt>",
		func(ctx context.Context, msg message.Message, groups []string) Result {
			if err := client.SendPrompt(ctx, groups[1], groups[2]); err != nil {
				return Result{Reply: bgFailure("Send", err), Handled: true}
			}
			return Result{Reply: "Prompt sent to " + groups[1] + ".", Handled: true}
		})

	reg.Register("/bg stop i", `^/bg stop i\s+(\d+)$`,
		"stop a session by index: /bg stop i <index>",
		func(ctx context.Context, msg message.Message, groups []string) Result {
			name, errReply := resolveBgIndex(ctx, client, groups[1])
			if errReply != "" {
				return Result{Reply: errReply, Handled: true}
			}
			if err := client.DeleteSession(ctx, name); err != nil {
				return Result{Reply: bgFailure("Stop", err), Handled: true}
			}
			return Result{Reply: "Stopped session " + name + ".", Handled: true}
		})

	reg.Register("/bg stop n", `^/bg stop n\s+(\S+)$`,
		"stop a session by name: /bg stop n <name>",
		func(ctx context.Context, msg message.Message, groups []string) Result {
			if err := client.DeleteSession(ctx, groups[1]); err != nil {
				return Result{Reply: bgFailure("Stop", err), Handled: true}
			}
			return Result{Reply: "Stopped session " + groups[1] + ".", Handled: true}
		})

	reg.Register("/bg stop wait", `^/bg stop wait$`,
		"stop every waiting session",
		func(ctx context.Context, msg message.Message, groups []string) Result {
			return stopSessionsWhere(ctx, client, "waiting")
		})

	reg.Register("/bg stop all", `^/bg stop all$`,
		"stop every session",
		func(ctx context.Context, msg message.Message, groups []string) Result {
			return stopSessionsWhere(ctx, client, "")
		})

	reg.Register("/bg history i", `^/bg history i\s+(\d+)$`,
		"show a session's transcript by index: /bg history i <index>",
		func(ctx context.Context, msg message.Message, groups []string) Result {
			name, errReply := resolveBgIndex(ctx, client, groups[1])
			if errReply != "" {
				return Result{Reply: errReply, Handled: true}
			}
			return renderHistory(ctx, client, name)
		})

	reg.Register("/bg history n", `^/bg history n\s+(\S+)$`,
		"show a session's transcript by name: /bg history n <name>",
		func(ctx context.Context, msg message.Message, groups []string) Result {
			return renderHistory(ctx, client, groups[1])
		})

	reg.Register("/bg last i", `^/bg last i\s+(\d+)$`,
		"show a session's last output by index: /bg last i <index>",
		func(ctx context.Context, msg message.Message, groups []string) Result {
			name, errReply := resolveBgIndex(ctx, client, groups[1])
			if errReply != "" {
				return Result{Reply: errReply, Handled: true}
			}
			return renderLast(ctx, client, name)
		})

	reg.Register("/bg last n", `^/bg last n\s+(\S+)$`,
		"show a session's last output by name: /bg last n <name>",
		func(ctx context.Context, msg message.Message, groups []string) Result {
			return renderLast(ctx, client, groups[1])
		})
}

// resolveBgIndex maps a 1-based listing index onto a session name. A
// non-empty second return is the user-facing error reply.
func resolveBgIndex(ctx context.Context, client BackgroundClient, raw string) (string, string) {
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return "", "Invalid session index."
	}
	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return "", bgFailure("List", err)
	}
	if idx < 1 || idx > len(sessions) {
		return "", fmt.Sprintf("Invalid session index %d (there are %d sessions).", idx, len(sessions))
	}
	return sessions[idx-1].Name, ""
}

// stopSessionsWhere deletes every session whose status matches, or all
// of them when status is empty.
func stopSessionsWhere(ctx context.Context, client BackgroundClient, status string) Result {
	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return Result{Reply: bgFailure("List", err), Handled: true}
	}

	var stopped []string
	for _, s := range sessions {
		if status != "" && s.Status != status {
			continue
		}
		if err := client.DeleteSession(ctx, s.Name); err != nil {
			return Result{Reply: bgFailure("Stop", err), Handled: true}
		}
		stopped = append(stopped, s.Name)
	}

	if len(stopped) == 0 {
		if status != "" {
			return Result{Reply: "No " + status + " sessions.", Handled: true}
		}
		return Result{Reply: "No background sessions.", Handled: true}
	}
	return Result{Reply: fmt.Sprintf("Stopped %d sessions: %s", len(stopped), strings.Join(stopped, ", ")), Handled: true}
}

func renderHistory(ctx context.Context, client BackgroundClient, name string) Result {
	messages, err := client.GetHistory(ctx, name)
	if err != nil {
		return Result{Reply: bgFailure("History", err), Handled: true}
	}
	if len(messages) == 0 {
		return Result{Reply: name + " has no history yet.", Handled: true}
	}

	lines := []string{"History of " + name + ":"}
	total := 0
	for _, m := range messages {
		line := fmt.Sprintf("[%s] %s", m.Role, bgTruncate(m.Content, bgHistoryLineLen))
		if total+len(line) > bgHistoryMaxChars {
			lines = append(lines, "...(history truncated)")
			break
		}
		lines = append(lines, line)
		total += len(line)
	}
	return Result{Reply: strings.Join(lines, "\n"), Handled: true}
}

func renderLast(ctx context.Context, client BackgroundClient, name string) Result {
	last, err := client.GetLast(ctx, name)
	if err != nil {
		return Result{Reply: bgFailure("Fetch", err), Handled: true}
	}
	if last == nil {
		return Result{Reply: name + " has no agent output yet.", Handled: true}
	}
	return Result{Reply: "Last output of " + name + ":\n" + bgTruncate(last.Content, bgLastMaxChars), Handled: true}
}

func bgFailure(action string, err error) string {
	switch {
	case background.IsNotFound(err):
		return "No such background session."
	case background.IsConflict(err):
		return "That session is running right now; wait for it to finish."
	default:
		return action + " failed: " + err.Error()
	}
}

func bgTruncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

func formatElapsed(seconds float64) string {
	total := int(seconds)
	switch {
	case total < 60:
		return fmt.Sprintf("%ds", total)
	case total < 3600:
		return fmt.Sprintf("%dm%ds", total/60, total%60)
	default:
		return fmt.Sprintf("%dh%dm", total/3600, (total%3600)/60)
	}
}

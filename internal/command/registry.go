// Package command implements the bridge's chat-level command registry:
// regex-matched, first-match-wins, dependency-injected handlers.
package command

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/qqacp/bridge/internal/message"
)

// Result is what a handler wants said back to the chat, if anything.
type Result struct {
	Reply   string
	Handled bool // false lets the Dispatcher fall through to the prompt runner
}

// Handler answers one matched command. groups are the regex's captured
// submatches (groups[0] is the whole match).
type Handler func(ctx context.Context, msg message.Message, groups []string) Result

type entry struct {
	name    string
	pattern *regexp.Regexp
	handler Handler
	help    string
}

// Registry holds the ordered list of built-in and registered commands.
type Registry struct {
	entries []entry
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a command, matched in registration order; first match
// wins, so more specific patterns must be registered before broader ones.
func (r *Registry) Register(name, pattern, help string, handler Handler) {
	r.entries = append(r.entries, entry{
		name:    name,
		pattern: regexp.MustCompile(pattern),
		handler: handler,
		help:    help,
	})
}

// Dispatch tries every registered command against msg.Text in order. It
// reports whether a command matched at all; Result.Handled distinguishes
// "matched and answered" from "matched but deferred" (not currently used
// by any built-in, kept for handlers that want to fall through).
func (r *Registry) Dispatch(ctx context.Context, msg message.Message) (Result, bool) {
	text := strings.TrimSpace(msg.Text)
	for _, e := range r.entries {
		groups := e.pattern.FindStringSubmatch(text)
		if groups == nil {
			continue
		}
		return e.handler(ctx, msg, groups), true
	}
	return Result{}, false
}

// Matches reports whether text would match any registered command,
// without executing its handler.
func (r *Registry) Matches(text string) bool {
	text = strings.TrimSpace(text)
	for _, e := range r.entries {
		if e.pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// Help renders the auto-generated "/help" listing, one line per command
// with help text, sorted by command name.
func (r *Registry) Help() string {
	names := make([]string, 0, len(r.entries))
	lines := make(map[string]string, len(r.entries))
	for _, e := range r.entries {
		if e.help == "" {
			continue
		}
		names = append(names, e.name)
		lines[e.name] = fmt.Sprintf("%s — %s", e.name, e.help)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, n := range names {
		b.WriteString(lines[n])
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

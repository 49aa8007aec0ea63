package agent

import (
	"os"
	"strings"
)

// knownAPIKeyEnvVars mirrors the provider keys the ACP agent ecosystem
// commonly reads from its own environment. A host operator may stage
// these under an "NCAT_" prefix (to keep them out of the bridge's own
// environment) without needing a per-agent [agent.env] entry for each.
var knownAPIKeyEnvVars = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"COHERE_API_KEY",
	"MISTRAL_API_KEY",
	"TOGETHER_API_KEY",
	"GITHUB_TOKEN",
}

const forwardedPrefix = "NCAT_"

// buildEnv composes the subprocess environment: the bridge's own
// environment, known provider keys forwarded down from their NCAT_-
// prefixed form when the bare name is not already set, then the
// explicit [agent.env] overrides applied last.
func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	present := make(map[string]bool, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			present[kv[:i]] = true
		}
	}

	for _, key := range knownAPIKeyEnvVars {
		if present[key] {
			continue
		}
		if v, ok := os.LookupEnv(forwardedPrefix + key); ok {
			env = append(env, key+"="+v)
			present[key] = true
		}
	}

	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

package agent

import (
	"strings"
	"testing"
)

func envContains(env []string, kv string) bool {
	for _, e := range env {
		if e == kv {
			return true
		}
	}
	return false
}

func TestBuildEnvAppliesOverrides(t *testing.T) {
	env := buildEnv(map[string]string{"NCAT_TEST_MARKER": "on"})
	if !envContains(env, "NCAT_TEST_MARKER=on") {
		t.Error("explicit [agent.env] entries must be applied")
	}
}

func TestBuildEnvForwardsPrefixedKeys(t *testing.T) {
	t.Setenv("NCAT_TOGETHER_API_KEY", "tok-123")

	env := buildEnv(nil)
	var bare, prefixed bool
	for _, e := range env {
		if e == "TOGETHER_API_KEY=tok-123" {
			bare = true
		}
		if strings.HasPrefix(e, "TOGETHER_API_KEY=") && e != "TOGETHER_API_KEY=tok-123" {
			prefixed = true // a pre-existing bare key takes precedence
		}
	}
	if !bare && !prefixed {
		t.Error("NCAT_-prefixed provider keys must be forwarded under their bare name")
	}
}

func TestBuildEnvBareKeyWins(t *testing.T) {
	t.Setenv("MISTRAL_API_KEY", "bare")
	t.Setenv("NCAT_MISTRAL_API_KEY", "prefixed")

	env := buildEnv(nil)
	if envContains(env, "MISTRAL_API_KEY=prefixed") {
		t.Error("a bare provider key already present must not be overwritten by its NCAT_ twin")
	}
	if !envContains(env, "MISTRAL_API_KEY=bare") {
		t.Error("the bare key must survive")
	}
}

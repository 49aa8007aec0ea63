// Package config loads the bridge's TOML configuration file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config aggregates every configuration section. Unknown keys are
// tolerated; missing sections keep the defaults from Defaults().
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Agent      AgentConfig      `toml:"agent"`
	Mcp        []McpConfig      `toml:"mcp"`
	Ux         UxConfig         `toml:"ux"`
	Logging    LoggingConfig    `toml:"logging"`
	Notify     NotifyConfig     `toml:"notify"`
	Background BackgroundConfig `toml:"background"`
}

// ServerConfig is the [server] section: the OneBot WebSocket listener.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// AgentConfig is the [agent] section: how to launch the ACP subprocess.
type AgentConfig struct {
	Command                 string            `toml:"command"`
	Args                    []string          `toml:"args"`
	Cwd                     string            `toml:"cwd"`
	Env                     map[string]string `toml:"env"`
	InitializeTimeoutSecond float64           `toml:"initializeTimeoutSeconds"`
	RetryIntervalSeconds    float64           `toml:"retryIntervalSeconds"`
}

// McpConfig is one [[mcp]] table: a server descriptor handed to session/new.
type McpConfig struct {
	Name      string            `toml:"name"`
	Transport string            `toml:"transport"` // "stdio" or "sse"
	Command   string            `toml:"command"`
	Args      []string          `toml:"args"`
	Env       map[string]string `toml:"env"`
	URL       string            `toml:"url"`
}

// UxConfig is the [ux] section: timers and limits around user interaction.
type UxConfig struct {
	ThinkingNotifySeconds     float64 `toml:"thinkingNotifySeconds"`
	ThinkingLongNotifySeconds float64 `toml:"thinkingLongNotifySeconds"`
	PermissionTimeout         float64 `toml:"permissionTimeout"`
	PermissionRawInputMaxLen  int     `toml:"permissionRawInputMaxLen"`
	ImageDownloadTimeout      float64 `toml:"imageDownloadTimeout"`
}

// LoggingConfig is the [logging] section.
type LoggingConfig struct {
	Level      string `toml:"level"`
	Dir        string `toml:"dir"`
	KeepDays   int    `toml:"keepDays"`
	MaxTotalMB int    `toml:"maxTotalMb"`
}

// NotifyConfig is the optional [notify] section for the NATS-backed
// background-session notification subscriber.
type NotifyConfig struct {
	Enabled     bool   `toml:"enabled"`
	BrokerURL   string `toml:"brokerUrl"`
	TopicPrefix string `toml:"topicPrefix"`
	ClientID    string `toml:"clientId"`
}

// BackgroundConfig is the optional [background] section for the
// background-session HTTP client.
type BackgroundConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"baseUrl"`
}

// Defaults returns the configuration defaults; a loaded file overrides
// only the keys it specifies.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Agent: AgentConfig{
			Command:                 "claude",
			Cwd:                     "~/.ncat/workspace",
			InitializeTimeoutSecond: 30,
			RetryIntervalSeconds:    10,
		},
		Ux: UxConfig{
			ThinkingNotifySeconds:     10,
			ThinkingLongNotifySeconds: 30,
			PermissionTimeout:         300,
			PermissionRawInputMaxLen:  500,
			ImageDownloadTimeout:      15,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Dir:        "data/logs",
			KeepDays:   30,
			MaxTotalMB: 100,
		},
	}
}

// Load reads and decodes the TOML file at path, falling back to defaults
// for missing sections.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Defaults()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.Agent.Cwd == "~" || strings.HasPrefix(cfg.Agent.Cwd, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Agent.Cwd = home + strings.TrimPrefix(cfg.Agent.Cwd, "~")
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var problems []string
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port out of range: %d", cfg.Server.Port))
	}
	if strings.TrimSpace(cfg.Agent.Command) == "" {
		problems = append(problems, "agent.command must not be empty")
	}
	for _, m := range cfg.Mcp {
		if m.Name == "" {
			problems = append(problems, "mcp entry missing name")
		}
		if m.Transport == "sse" && m.URL == "" {
			problems = append(problems, fmt.Sprintf("mcp %q: sse transport requires url", m.Name))
		}
		if m.Transport != "sse" && m.Command == "" {
			problems = append(problems, fmt.Sprintf("mcp %q: stdio transport requires command", m.Name))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

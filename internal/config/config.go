package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level config.
	WorkspaceDirName = ".agentbrowser"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the agent browser core server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Browser  BrowserConfig  `yaml:"browser"`
	Research ResearchConfig `yaml:"research"`
	Agent    AgentConfig    `yaml:"agent"`
	MCP      MCPConfig      `yaml:"mcp"`
	Mangle   MangleConfig   `yaml:"mangle"`
	Docker   DockerConfig   `yaml:"docker"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// BrowserConfig configures how the lifecycle manager launches or attaches to Chrome.
type BrowserConfig struct {
	// Control endpoint (e.g., ws://localhost:9222). Required when launch is empty and attaching.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome in detached mode (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the server launches/attaches to the browser at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether the browser runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// DisableSecurity gates the security-weakening launch flag subset (§4.C): sandbox,
	// same-origin policy, site isolation, certificate validation.
	DisableSecurity bool `yaml:"disable_security"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Default timeout when attaching to an existing target (e.g., "10s").
	DefaultAttachTimeout string `yaml:"default_attach_timeout"`
	// Optional path to persist session metadata between server restarts.
	SessionStore string `yaml:"session_store"`
	// Enable DOM ingestion via JS snapshot (sampled to control cost).
	EnableDOMIngestion bool `yaml:"enable_dom_ingestion"`
	// Enable request/response header facts.
	EnableHeaderIngestion bool `yaml:"enable_header_ingestion"`
	// Logging level for event ingestion: minimal | normal | verbose.
	EventLoggingLevel string `yaml:"event_logging_level"`
	// Optional throttle (ms) to sample high-frequency events (console/network/DOM).
	EventThrottleMs int `yaml:"event_throttle_ms"`
	// Viewport width for new sessions (default: 1280).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new sessions (default: 720).
	ViewportHeight int `yaml:"viewport_height"`
}

// ResearchConfig tunes the background research session registry (§4.D).
type ResearchConfig struct {
	// SessionTimeoutMs is how long a terminal session lingers before the sweeper evicts it.
	SessionTimeoutMs uint64 `yaml:"session_timeout_ms"`
	// SweepIntervalMs is the eviction sweep cadence.
	SweepIntervalMs uint64 `yaml:"sweep_interval_ms"`
	// MaxPagesDefault is used when a start-research call omits max_pages.
	MaxPagesDefault uint32 `yaml:"max_pages_default"`
	// StopAckTimeoutMs bounds how long stop() waits for the worker to acknowledge cancellation.
	StopAckTimeoutMs uint64 `yaml:"stop_ack_timeout_ms"`
	// MaxExtractChars bounds extracted text per page visited.
	MaxExtractChars int `yaml:"max_extract_chars"`
}

// AgentConfig tunes the LLM-driven agent loop (§4.E).
type AgentConfig struct {
	// MaxStepsDefault is used when an agent call omits max_steps.
	MaxStepsDefault uint32 `yaml:"max_steps_default"`
	// StepChannelSize bounds the command/response channels.
	StepChannelSize int `yaml:"step_channel_size"`
	// StopAckTimeoutMs bounds how long stop() waits for a Stopped response.
	StopAckTimeoutMs uint64 `yaml:"stop_ack_timeout_ms"`
	// PromptTokenBudget bounds the page-description portion of the prompt (tiktoken-counted).
	PromptTokenBudget int `yaml:"prompt_token_budget"`
}

// DockerConfig configures Docker log integration for full-stack error correlation.
type DockerConfig struct {
	// Enable Docker log integration (default: false).
	Enabled bool `yaml:"enabled"`
	// Containers to monitor for error correlation (e.g., ["backend", "frontend"]).
	Containers []string `yaml:"containers"`
	// How far back to query logs when correlating errors (e.g., "30s"). Default: 30s.
	LogWindow string `yaml:"log_window"`
	// Docker host (default: uses DOCKER_HOST env or unix socket).
	Host string `yaml:"host"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
	// ProgressiveOnly controls whether only progressive disclosure tools are registered.
	ProgressiveOnly *bool `yaml:"progressive_only"`
	// MetricsEnabled exposes Prometheus counters/gauges on the SSE mux at /metrics.
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// MangleConfig controls the embedded deductive engine.
type MangleConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	DisableBuiltin  bool   `yaml:"disable_builtin_rules"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "agentbrowser-core",
			Version: "0.1.0",
			LogFile: "agentbrowser-core.log",
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			DisableSecurity:          false,
			DefaultNavigationTimeout: "15s",
			DefaultAttachTimeout:     "10s",
			SessionStore:             "sessions.json",
			EnableDOMIngestion:       true,
			EnableHeaderIngestion:    true,
			EventLoggingLevel:        "normal",
			EventThrottleMs:          0,
			ViewportWidth:            1280,
			ViewportHeight:           720,
		},
		Research: ResearchConfig{
			SessionTimeoutMs: 300_000,
			SweepIntervalMs:  60_000,
			MaxPagesDefault:  5,
			StopAckTimeoutMs: 5_000,
			MaxExtractChars:  4_000,
		},
		Agent: AgentConfig{
			MaxStepsDefault:   20,
			StepChannelSize:   4,
			StopAckTimeoutMs:  5_000,
			PromptTokenBudget: 2_000,
		},
		MCP: MCPConfig{
			SSEPort:        0,
			MetricsEnabled: true,
		},
		Mangle: MangleConfig{
			Enable:          true,
			SchemaPath:      "schemas/browser.mg",
			FactBufferLimit: 2048,
		},
		Docker: DockerConfig{
			Enabled:    false,
			Containers: []string{"backend", "frontend"},
			LogWindow:  "30s",
			Host:       "",
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .agentbrowser/config.yaml file.
// Returns the workspace root directory (parent of .agentbrowser/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .agentbrowser/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	// Layer 1: Workspace config (if not disabled)
	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			// Verify the explicit workspace dir has a config
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	// Layer 2: Explicit config file (--config flag)
	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .agentbrowser/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	// Check if already exists
	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	// Create directory structure
	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "schemas"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	// Write template config
	templateConfig := `# agentbrowser-core project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# docker:
#   enabled: true
#   containers:
#     - my-app-backend
#     - my-app-frontend
#   log_window: "30s"

# research:
#   session_timeout_ms: 300000
#   sweep_interval_ms: 60000
#   max_pages_default: 5

# agent:
#   max_steps_default: 20

# browser:
#   headless: false
#   viewport_width: 1280
#   viewport_height: 720
#   disable_security: false
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	// Write .gitignore for data directory
	gitignoreContent := "# Runtime data (logs, sessions) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Browser.SessionStore = resolve(cfg.Browser.SessionStore)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
// Violations surface the ConfigurationInvalid error kind (§7): rejected at entry, never
// defaulted away silently.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	return nil
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	if b.DefaultNavigationTimeout == "" {
		return 15 * time.Second
	}
	d, err := time.ParseDuration(b.DefaultNavigationTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	if b.DefaultAttachTimeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(b.DefaultAttachTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// IsHeadless returns whether the browser should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true // default to headless
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1280
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 720
	}
	return b.ViewportHeight
}

// IsProgressiveOnly returns whether only progressive disclosure tools should be registered (default: true).
func (m MCPConfig) IsProgressiveOnly() bool {
	if m.ProgressiveOnly == nil {
		return true // default to progressive-only mode
	}
	return *m.ProgressiveOnly
}

// GetLogWindow returns the parsed log window duration with a sane default.
func (d DockerConfig) GetLogWindow() time.Duration {
	if d.LogWindow == "" {
		return 30 * time.Second
	}
	dur, err := time.ParseDuration(d.LogWindow)
	if err != nil {
		return 30 * time.Second
	}
	return dur
}

// SessionTimeout returns the parsed research session idle timeout (§4.D eviction).
func (r ResearchConfig) SessionTimeout() time.Duration {
	if r.SessionTimeoutMs == 0 {
		return 300 * time.Second
	}
	return time.Duration(r.SessionTimeoutMs) * time.Millisecond
}

// SweepInterval returns the parsed eviction sweep cadence.
func (r ResearchConfig) SweepInterval() time.Duration {
	if r.SweepIntervalMs == 0 {
		return 60 * time.Second
	}
	return time.Duration(r.SweepIntervalMs) * time.Millisecond
}

// StopAckTimeout returns how long stop() waits for worker acknowledgement.
func (r ResearchConfig) StopAckTimeout() time.Duration {
	if r.StopAckTimeoutMs == 0 {
		return 5 * time.Second
	}
	return time.Duration(r.StopAckTimeoutMs) * time.Millisecond
}

// GetMaxPagesDefault returns the default max_pages when a caller omits it.
func (r ResearchConfig) GetMaxPagesDefault() uint32 {
	if r.MaxPagesDefault == 0 {
		return 5
	}
	return r.MaxPagesDefault
}

// GetMaxExtractChars returns the per-page extracted-text ceiling.
func (r ResearchConfig) GetMaxExtractChars() int {
	if r.MaxExtractChars <= 0 {
		return 4_000
	}
	return r.MaxExtractChars
}

// GetMaxStepsDefault returns the default max_steps when a caller omits it.
func (a AgentConfig) GetMaxStepsDefault() uint32 {
	if a.MaxStepsDefault == 0 {
		return 20
	}
	return a.MaxStepsDefault
}

// GetStepChannelSize returns the bounded channel capacity for the agent loop.
func (a AgentConfig) GetStepChannelSize() int {
	if a.StepChannelSize <= 0 {
		return 4
	}
	return a.StepChannelSize
}

// StopAckTimeout returns how long stop() waits for a Stopped response.
func (a AgentConfig) StopAckTimeout() time.Duration {
	if a.StopAckTimeoutMs == 0 {
		return 5 * time.Second
	}
	return time.Duration(a.StopAckTimeoutMs) * time.Millisecond
}

// GetPromptTokenBudget returns the token budget for page-description prompts.
func (a AgentConfig) GetPromptTokenBudget() int {
	if a.PromptTokenBudget <= 0 {
		return 2_000
	}
	return a.PromptTokenBudget
}

// ValidateMaxSteps rejects a non-positive step budget at entry (§7 ConfigurationInvalid).
func ValidateMaxSteps(maxSteps int) error {
	if maxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive, got %d", maxSteps)
	}
	return nil
}

// ValidateMaxPages rejects a non-positive page budget at entry.
func ValidateMaxPages(maxPages int) error {
	if maxPages <= 0 {
		return fmt.Errorf("max_pages must be positive, got %d", maxPages)
	}
	return nil
}

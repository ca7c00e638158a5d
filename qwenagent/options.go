package qwenagent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ThinkingMode controls the agent's extended thinking behaviour.
type ThinkingMode string

const (
	// ThinkingAdaptive lets the agent decide when to think (default).
	ThinkingAdaptive ThinkingMode = "adaptive"
	// ThinkingDisabled turns off extended thinking. Also sets
	// MAX_THINKING_TOKENS=0 in the subprocess environment.
	ThinkingDisabled ThinkingMode = "disabled"
	// ThinkingEnabled always enables extended thinking.
	ThinkingEnabled ThinkingMode = "enabled"
)

// EffortLevel controls reasoning effort via the --effort flag.
type EffortLevel string

const (
	EffortLow    EffortLevel = "low"
	EffortMedium EffortLevel = "medium"
	EffortHigh   EffortLevel = "high"
)

// PermissionMode controls how the agent handles tool permission requests.
type PermissionMode string

const (
	PermissionModeDefault           PermissionMode = "default"
	PermissionModeAcceptEdits       PermissionMode = "acceptEdits"
	PermissionModeBypassPermissions PermissionMode = "bypassPermissions"
)

// ─── Permission types ───────────────────────────────────────────────────────

// PermissionBehavior is the allow/deny/ask outcome for a permission rule.
type PermissionBehavior string

const (
	PermissionBehaviorAllow PermissionBehavior = "allow"
	PermissionBehaviorDeny  PermissionBehavior = "deny"
	PermissionBehaviorAsk   PermissionBehavior = "ask"
)

// PermissionUpdateDestination controls where a permission update is persisted.
type PermissionUpdateDestination string

const (
	PermissionUpdateDestinationUserSettings    PermissionUpdateDestination = "userSettings"
	PermissionUpdateDestinationProjectSettings PermissionUpdateDestination = "projectSettings"
	PermissionUpdateDestinationLocalSettings   PermissionUpdateDestination = "localSettings"
	PermissionUpdateDestinationSession         PermissionUpdateDestination = "session"
)

// PermissionRuleValue is a single permission rule identifying a tool and an
// optional content pattern (e.g. a glob for a shell tool's command argument).
type PermissionRuleValue struct {
	ToolName    string  `json:"toolName"`
	RuleContent *string `json:"ruleContent,omitempty"`
}

// PermissionUpdate is a single permission mutation returned by a
// PermissionHandler. Type is the discriminant; fill the corresponding
// fields only:
//
//   - "addRules"/"replaceRules"/"removeRules" → Rules, Behavior, Destination
//   - "setMode"                               → Mode, Destination
//   - "addDirectories"/"removeDirectories"     → Directories, Destination
type PermissionUpdate struct {
	Type        string                      `json:"type"`
	Rules       []PermissionRuleValue       `json:"rules,omitempty"`
	Behavior    PermissionBehavior          `json:"behavior,omitempty"`
	Destination PermissionUpdateDestination `json:"destination,omitempty"`
	Mode        PermissionMode              `json:"mode,omitempty"`
	Directories []string                    `json:"directories,omitempty"`
}

// PermissionContext carries the full context of a can_use_tool control
// request passed to a PermissionHandler.
type PermissionContext struct {
	Suggestions    []PermissionUpdate
	BlockedPath    string
	DecisionReason string
	ToolUseID      string
	AgentID        string
}

// PermissionResult is the return value of a PermissionHandler.
//
// When Behavior == "allow":
//   - UpdatedInput optionally replaces the tool input before execution.
//   - UpdatedPermissions optionally applies persistent permission mutations.
//
// When Behavior == "deny":
//   - Message is shown to the user explaining the denial.
//   - Interrupt, if true, signals the agent to stop entirely.
type PermissionResult struct {
	Behavior           string
	UpdatedInput       map[string]any
	UpdatedPermissions []PermissionUpdate
	Message            string
	Interrupt          bool
}

// PermissionHandler is called when the child sends a can_use_tool
// control_request. Return a PermissionResult with Behavior "allow" or
// "deny". When nil, all tool calls are denied.
type PermissionHandler func(toolName string, input json.RawMessage, ctx PermissionContext) PermissionResult

// ─── MCP server config types ────────────────────────────────────────────────

// McpStdioServer configures an external MCP server launched as a subprocess.
type McpStdioServer struct {
	Type    string            `json:"type"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// McpHTTPServer configures an MCP server reachable over HTTP (streamable
// transport). This is how an in-process Go MCP server is exposed to the
// child: start an HTTP listener in your process and pass its URL here.
type McpHTTPServer struct {
	Type    string            `json:"type"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// McpSSEServer configures an MCP server reachable over SSE.
type McpSSEServer struct {
	Type    string            `json:"type"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ─── Agent types ─────────────────────────────────────────────────────────────

// AgentDefinition configures a named sub-agent that the child CLI can spawn.
type AgentDefinition struct {
	Description     string   `json:"description,omitempty"`
	Prompt          string   `json:"prompt,omitempty"`
	Tools           []string `json:"tools,omitempty"`
	DisallowedTools []string `json:"disallowedTools,omitempty"`
	Model           string   `json:"model,omitempty"`
	MaxTurns        int      `json:"maxTurns,omitempty"`
	McpServers      []string `json:"mcpServers,omitempty"`
	Skills          []string `json:"skills,omitempty"`
}

// ─── Output format ──────────────────────────────────────────────────────────

// OutputFormat configures structured output from the agent.
type OutputFormat struct {
	// Type is one of "text", "json", or "json_schema".
	Type string `json:"type"`
	// Schema is the JSON schema used when Type is "json_schema".
	Schema map[string]any `json:"schema,omitempty"`
}

// ─── Sandbox settings ───────────────────────────────────────────────────────

// NetworkSandboxSettings controls network access for sandboxed command
// execution.
type NetworkSandboxSettings struct {
	AllowLocalBinding   bool     `json:"allowLocalBinding,omitempty"`
	AllowUnixSockets    []string `json:"allowUnixSockets,omitempty"`
	AllowAllUnixSockets bool     `json:"allowAllUnixSockets,omitempty"`
	HTTPProxyPort       int      `json:"httpProxyPort,omitempty"`
	SOCKSProxyPort      int      `json:"socksProxyPort,omitempty"`
}

// SandboxIgnoreViolations lists patterns for which sandbox violations are
// silently ignored.
type SandboxIgnoreViolations struct {
	File    []string `json:"file,omitempty"`
	Network []string `json:"network,omitempty"`
}

// SandboxSettings configures command execution sandboxing for the session.
// It does not configure filesystem or network permissions — those are
// controlled by PermissionHandler and PermissionUpdate rules.
type SandboxSettings struct {
	Enabled                  bool                     `json:"enabled,omitempty"`
	AutoAllowBashIfSandboxed bool                     `json:"autoAllowBashIfSandboxed,omitempty"`
	ExcludedCommands         []string                 `json:"excludedCommands,omitempty"`
	AllowUnsandboxedCommands bool                     `json:"allowUnsandboxedCommands,omitempty"`
	Network                  *NetworkSandboxSettings  `json:"network,omitempty"`
	IgnoreViolations         *SandboxIgnoreViolations `json:"ignoreViolations,omitempty"`
	EnableWeakerNestedSandbox bool                    `json:"enableWeakerNestedSandbox,omitempty"`
}

// ─── Timeouts ────────────────────────────────────────────────────────────────

// Timeouts configures the three timeout budgets the control plane enforces.
// Zero leaves the corresponding default in place.
type Timeouts struct {
	// ControlRequest bounds how long a control_request (set_model,
	// set_permission_mode, ...) waits for a control_response. Default 30s.
	ControlRequest int
	// ToolCallback bounds how long a PermissionHandler may run before the
	// call is treated as denied. Default 60s.
	ToolCallback int
	// StreamClose bounds the grace period between SIGTERM and SIGKILL
	// during shutdown, in milliseconds. Default 5000ms.
	StreamClose int
}

// ─── Options ─────────────────────────────────────────────────────────────────

// Options holds all configuration for a Query or Session. Use the With*
// functional options rather than constructing this directly.
type Options struct {
	// Model selects the agent's model.
	Model string

	// SystemPrompt overrides the default system prompt. Sent via the
	// initialize control_request (not as a CLI flag).
	SystemPrompt string

	// AppendSystemPrompt appends text to the existing system prompt.
	AppendSystemPrompt string

	// SessionID resumes an existing session (--resume <id>).
	SessionID string

	// Continue resumes the most recent session (--continue).
	Continue bool

	// ForkSession forks the resumed session into a new ID (--fork-session).
	// Use with SessionID or Continue.
	ForkSession bool

	// AllowedTools restricts which built-in tools may be used.
	AllowedTools []string

	// DisallowedTools explicitly blocks specific tools.
	DisallowedTools []string

	// Thinking controls extended thinking mode. Defaults to ThinkingAdaptive.
	Thinking ThinkingMode

	// MaxThinkingTokens caps the thinking token budget via the
	// MAX_THINKING_TOKENS environment variable.
	MaxThinkingTokens int

	// MaxTurns limits the number of agentic turns via --max-turns.
	MaxTurns int

	// Effort controls reasoning effort level via --effort.
	Effort EffortLevel

	// Betas is a list of beta feature flags to enable via --betas.
	Betas []string

	// FallbackModel is used when the primary model is unavailable.
	FallbackModel string

	// MaxBudgetUSD sets the maximum cost budget via --max-budget-usd.
	MaxBudgetUSD float64

	// OutputFormat configures structured output. Sent in the initialize
	// control_request.
	OutputFormat *OutputFormat

	// StrictMcpConfig enables strict MCP config validation via
	// --strict-mcp-config.
	StrictMcpConfig bool

	// CWD sets the working directory for the child process via --cwd.
	CWD string

	// PermissionMode controls tool permission handling. Defaults to
	// PermissionModeBypassPermissions.
	PermissionMode PermissionMode

	// AllowDangerouslySkipPermissions must be true when using
	// PermissionModeBypassPermissions.
	AllowDangerouslySkipPermissions bool

	// PermissionPromptToolName sets the MCP tool name used for permission
	// prompts.
	PermissionPromptToolName string

	// PermissionHandler is called for each can_use_tool control_request.
	// When nil, every tool call is denied.
	PermissionHandler PermissionHandler

	// ExtraArgs are additional raw CLI arguments inserted before the
	// protocol flags buildArgs adds. If ExtraArgs already contains
	// --input-format, --output-format, or --channel, buildArgs leaves that
	// flag alone instead of appending a duplicate.
	ExtraArgs []string

	// IncludePartialMessages enables streaming of partial assistant
	// messages (stream_event frames).
	IncludePartialMessages bool

	// McpServers configures external MCP servers. Values should be
	// McpStdioServer, McpHTTPServer, or McpSSEServer.
	McpServers map[string]any

	// Agents configures named sub-agents available to the session. Sent
	// via the initialize control_request.
	Agents map[string]AgentDefinition

	// DefaultAgentOptions supplies fallback fields (model, tools, max
	// turns) applied to any entry in Agents that leaves them unset.
	DefaultAgentOptions *AgentDefinition

	// Hooks configures lifecycle hook callbacks. Sent via the initialize
	// control_request.
	Hooks map[HookEvent][]HookMatcher

	// SettingSources controls which settings files the child loads. When
	// empty, no filesystem settings are loaded (SDK isolation mode).
	SettingSources []SettingSource

	// Env contains additional environment variables merged into the
	// subprocess environment, applied last so they take precedence.
	Env map[string]string

	// Sandbox configures command execution sandboxing. Passed via the
	// initialize control_request.
	Sandbox *SandboxSettings

	// Timeouts overrides the control plane's default timeout budgets.
	Timeouts Timeouts

	// QwenExecutable is the path to the qwen CLI binary. When empty, the
	// Launch Descriptor resolves it (QWEN_CLI_PATH, PATH, standard
	// install locations, package-manager runner fallback).
	QwenExecutable string

	// Debug turns on verbose structured logging of the wire protocol.
	Debug bool

	// Validate opts into running ValidateOptions before spawning the
	// child process; a failing ValidationResult is surfaced as an error
	// from Query/Run/NewSession instead of being silently ignored.
	Validate bool
}

// SettingSource identifies which settings file(s) the child should load.
// By default the SDK loads none (SDK isolation mode); listing sources opts
// in to loading those files.
type SettingSource string

const (
	SettingSourceUser    SettingSource = "user"
	SettingSourceProject SettingSource = "project"
	SettingSourceLocal   SettingSource = "local"
)

// Option is a functional option for configuring a Query or Session.
type Option func(*Options)

func WithModel(model string) Option {
	return func(o *Options) { o.Model = model }
}

func WithSystemPrompt(prompt string) Option {
	return func(o *Options) { o.SystemPrompt = prompt }
}

func WithAppendSystemPrompt(prompt string) Option {
	return func(o *Options) { o.AppendSystemPrompt = prompt }
}

func WithSessionID(id string) Option {
	return func(o *Options) { o.SessionID = id }
}

// WithContinue resumes the most recent conversation session.
func WithContinue() Option {
	return func(o *Options) { o.Continue = true }
}

// WithForkSession forks the resumed session into a new session ID. Use
// together with WithSessionID or WithContinue.
func WithForkSession() Option {
	return func(o *Options) { o.ForkSession = true }
}

func WithAllowedTools(tools ...string) Option {
	return func(o *Options) { o.AllowedTools = tools }
}

func WithDisallowedTools(tools ...string) Option {
	return func(o *Options) { o.DisallowedTools = tools }
}

func WithThinking(mode ThinkingMode) Option {
	return func(o *Options) { o.Thinking = mode }
}

func WithMaxThinkingTokens(n int) Option {
	return func(o *Options) { o.MaxThinkingTokens = n }
}

func WithMaxTurns(n int) Option {
	return func(o *Options) { o.MaxTurns = n }
}

func WithEffort(level EffortLevel) Option {
	return func(o *Options) { o.Effort = level }
}

// WithBetas enables one or more beta feature flags.
func WithBetas(betas ...string) Option {
	return func(o *Options) { o.Betas = append(o.Betas, betas...) }
}

// WithFallbackModel sets the fallback model used when the primary model is
// unavailable.
func WithFallbackModel(model string) Option {
	return func(o *Options) { o.FallbackModel = model }
}

// WithMaxBudgetUSD sets the maximum cost budget in USD.
func WithMaxBudgetUSD(usd float64) Option {
	return func(o *Options) { o.MaxBudgetUSD = usd }
}

// WithOutputFormat sets the structured output format.
func WithOutputFormat(f *OutputFormat) Option {
	return func(o *Options) { o.OutputFormat = f }
}

// WithStrictMcpConfig enables strict MCP configuration validation.
func WithStrictMcpConfig() Option {
	return func(o *Options) { o.StrictMcpConfig = true }
}

// WithCWD sets the working directory for the child process.
func WithCWD(dir string) Option {
	return func(o *Options) { o.CWD = dir }
}

func WithPermissionMode(mode PermissionMode) Option {
	return func(o *Options) { o.PermissionMode = mode }
}

// WithBypassPermissions enables bypassPermissions mode (the SDK default).
func WithBypassPermissions() Option {
	return func(o *Options) {
		o.PermissionMode = PermissionModeBypassPermissions
		o.AllowDangerouslySkipPermissions = true
	}
}

// WithPermissionPromptToolName sets the MCP tool name used for permission
// prompts.
func WithPermissionPromptToolName(name string) Option {
	return func(o *Options) { o.PermissionPromptToolName = name }
}

// WithPermissionHandler sets a callback invoked for each can_use_tool
// request.
func WithPermissionHandler(h PermissionHandler) Option {
	return func(o *Options) { o.PermissionHandler = h }
}

func WithIncludePartialMessages() Option {
	return func(o *Options) { o.IncludePartialMessages = true }
}

// WithMcpServers sets external MCP server configurations. Values should be
// McpStdioServer, McpHTTPServer, or McpSSEServer.
func WithMcpServers(servers map[string]any) Option {
	return func(o *Options) { o.McpServers = servers }
}

// WithAgents configures named sub-agents available to the session.
func WithAgents(agents map[string]AgentDefinition) Option {
	return func(o *Options) { o.Agents = agents }
}

// WithDefaultAgentOptions supplies fallback model/tools/max-turns fields
// applied to any Agents entry that leaves them unset.
func WithDefaultAgentOptions(def AgentDefinition) Option {
	return func(o *Options) { o.DefaultAgentOptions = &def }
}

// WithHooks configures lifecycle hook callbacks.
func WithHooks(hooks map[HookEvent][]HookMatcher) Option {
	return func(o *Options) { o.Hooks = hooks }
}

// WithSettingSources controls which settings files are loaded by the
// child. Pass one or more of SettingSourceUser, SettingSourceProject,
// SettingSourceLocal. When not called, no filesystem settings are loaded.
func WithSettingSources(sources ...SettingSource) Option {
	return func(o *Options) { o.SettingSources = append(o.SettingSources, sources...) }
}

// WithEnv merges additional environment variables into the subprocess
// environment.
func WithEnv(env map[string]string) Option {
	return func(o *Options) {
		if o.Env == nil {
			o.Env = make(map[string]string)
		}
		for k, v := range env {
			o.Env[k] = v
		}
	}
}

// WithSandbox configures command execution sandboxing for the session.
func WithSandbox(s *SandboxSettings) Option {
	return func(o *Options) { o.Sandbox = s }
}

// WithTimeouts overrides the control plane's default timeout budgets.
func WithTimeouts(t Timeouts) Option {
	return func(o *Options) { o.Timeouts = t }
}

// WithQwenExecutable pins the path to the qwen CLI binary, bypassing the
// Launch Descriptor's resolution steps.
func WithQwenExecutable(path string) Option {
	return func(o *Options) { o.QwenExecutable = path }
}

// WithDebug turns on verbose structured logging of the wire protocol.
func WithDebug() Option {
	return func(o *Options) { o.Debug = true }
}

// WithExtraArgs supplies raw CLI arguments inserted before the mandatory
// protocol flags. A flag already present in args is not duplicated.
func WithExtraArgs(args ...string) Option {
	return func(o *Options) { o.ExtraArgs = append(o.ExtraArgs, args...) }
}

// WithValidate opts into running ValidateOptions before spawning the child
// process; a failing result is returned as an error instead of being
// silently ignored.
func WithValidate() Option {
	return func(o *Options) { o.Validate = true }
}

func defaultOptions() *Options {
	return &Options{
		Thinking:                        ThinkingAdaptive,
		PermissionMode:                  PermissionModeBypassPermissions,
		AllowDangerouslySkipPermissions: true,
	}
}

// buildArgs constructs the CLI argument slice for the qwen binary.
//
// Bidirectional streaming mode is mandatory: --input-format stream-json,
// --output-format stream-json, and --channel SDK. Each is added only if
// ExtraArgs doesn't already supply it, so a caller who already built part
// of the command line doesn't get a duplicated flag. The prompt, system
// prompt, MCP servers, agents, and hooks are sent on stdin via the
// initialize control_request and user messages, never as CLI args.
func (o *Options) buildArgs() []string {
	args := append([]string{}, o.ExtraArgs...)

	if !hasArg(args, "--input-format") {
		args = append(args, "--input-format", "stream-json")
	}
	if !hasArg(args, "--output-format") {
		args = append(args, "--output-format", "stream-json")
	}
	if !hasArg(args, "--channel") {
		args = append(args, "--channel", "SDK")
	}

	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}

	switch o.Thinking {
	case ThinkingAdaptive:
		args = append(args, "--thinking", "adaptive")
	case ThinkingDisabled:
		args = append(args, "--thinking", "disabled")
	case ThinkingEnabled:
		args = append(args, "--thinking", "enabled")
	}

	if o.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", o.MaxTurns))
	}

	if o.Effort != "" {
		args = append(args, "--effort", string(o.Effort))
	}

	if o.SessionID != "" {
		args = append(args, "--resume", o.SessionID)
	}

	if o.Continue {
		args = append(args, "--continue")
	}

	if o.ForkSession {
		args = append(args, "--fork-session")
	}

	if len(o.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(o.AllowedTools, ","))
	}

	if len(o.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(o.DisallowedTools, ","))
	}

	if o.PermissionMode != "" {
		args = append(args, "--permission-mode", string(o.PermissionMode))
	}

	if o.AllowDangerouslySkipPermissions {
		args = append(args, "--allow-dangerously-skip-permissions")
	}

	if o.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}

	if len(o.Betas) > 0 {
		args = append(args, "--betas", strings.Join(o.Betas, ","))
	}

	if o.FallbackModel != "" {
		args = append(args, "--fallback-model", o.FallbackModel)
	}

	if o.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", fmt.Sprintf("%.6f", o.MaxBudgetUSD))
	}

	if o.StrictMcpConfig {
		args = append(args, "--strict-mcp-config")
	}

	if o.CWD != "" {
		args = append(args, "--cwd", o.CWD)
	}

	if o.PermissionPromptToolName != "" {
		args = append(args, "--permission-prompt-tool-name", o.PermissionPromptToolName)
	}

	if len(o.SettingSources) > 0 {
		srcs := make([]string, len(o.SettingSources))
		for i, s := range o.SettingSources {
			srcs[i] = string(s)
		}
		args = append(args, "--setting-sources", strings.Join(srcs, ","))
	}

	// MCP servers are also sent in the sdkMcpServers field of the
	// initialize control_request; --mcp-config lets the child validate
	// the same configuration before the stream is up.
	if len(o.McpServers) > 0 {
		mcpCfg := map[string]any{"mcpServers": o.McpServers}
		if b, err := json.Marshal(mcpCfg); err == nil {
			args = append(args, "--mcp-config", string(b))
		}
	}

	return args
}

// hasArg reports whether name (e.g. "--model") is already present among
// args, so callers building on top of Options can avoid duplicating a flag
// the caller supplied directly.
func hasArg(args []string, name string) bool {
	for _, a := range args {
		if a == name || strings.HasPrefix(a, name+"=") {
			return true
		}
	}
	return false
}

// resolvedAgents merges DefaultAgentOptions into each Agents entry that
// leaves the corresponding field unset, returning a new map ready to embed
// in the initialize control_request.
func (o *Options) resolvedAgents() map[string]AgentDefinition {
	if len(o.Agents) == 0 {
		return nil
	}
	out := make(map[string]AgentDefinition, len(o.Agents))
	def := o.DefaultAgentOptions
	for name, a := range o.Agents {
		if def != nil {
			if a.Model == "" {
				a.Model = def.Model
			}
			if a.MaxTurns == 0 {
				a.MaxTurns = def.MaxTurns
			}
			if len(a.Tools) == 0 {
				a.Tools = def.Tools
			}
			if len(a.McpServers) == 0 {
				a.McpServers = def.McpServers
			}
		}
		out[name] = a
	}
	return out
}

package qwenagent

import "fmt"

// ValidationResult is returned by ValidateOptions as data rather than
// raised as an error: the caller decides whether a validation failure is
// fatal. WithValidate() wires ValidateOptions into Query/Run/NewSession so
// a failing result becomes a returned error instead of being ignored.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

func (r *ValidationResult) addf(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// ValidateOptions checks an Options value for internally-inconsistent or
// out-of-range configuration that would otherwise only surface as a
// cryptic CLI flag error or a silently-ignored setting.
//
// Several checks present in the original Python validator have no Go
// equivalent because Go's type system already rules them out statically:
// there is no "command is not a list" check (Options.QwenExecutable is a
// string) and no "non-string command element" check (there is nothing to
// iterate). Only checks that remain meaningful for a statically-typed
// Options struct are implemented here.
func ValidateOptions(o *Options) ValidationResult {
	result := ValidationResult{Valid: true}

	if o.MaxTurns < 0 {
		result.addf("max_turns must be non-negative, got %d", o.MaxTurns)
	}
	if o.MaxBudgetUSD < 0 {
		result.addf("max_budget_usd must be non-negative, got %f", o.MaxBudgetUSD)
	}
	if o.MaxThinkingTokens < 0 {
		result.addf("max_thinking_tokens must be non-negative, got %d", o.MaxThinkingTokens)
	}

	validateTimeout(&result, "control_request", o.Timeouts.ControlRequest)
	validateTimeout(&result, "tool_callback", o.Timeouts.ToolCallback)
	validateTimeout(&result, "stream_close", o.Timeouts.StreamClose)

	if o.PermissionMode == PermissionModeBypassPermissions && !o.AllowDangerouslySkipPermissions {
		result.addf("permission_mode bypassPermissions requires AllowDangerouslySkipPermissions to be set")
	}

	if o.SessionID != "" && o.Continue {
		result.addf("session_id and continue are mutually exclusive")
	}
	if o.ForkSession && o.SessionID == "" && !o.Continue {
		result.addf("fork_session requires session_id or continue to be set")
	}

	for name, srv := range o.McpServers {
		validateMcpServer(&result, name, srv)
	}

	for name, agent := range o.Agents {
		if agent.Prompt == "" && agent.Description == "" {
			result.addf("agent %q must set prompt or description", name)
		}
	}

	for k, v := range o.Env {
		if k == "" {
			result.addf("env contains an empty key with value %q", v)
		}
	}

	return result
}

func validateTimeout(result *ValidationResult, name string, seconds int) {
	if seconds < 0 {
		result.addf("timeout %q must be non-negative, got %d", name, seconds)
	}
}

func validateMcpServer(result *ValidationResult, name string, srv any) {
	switch s := srv.(type) {
	case McpStdioServer:
		if s.Command == "" {
			result.addf("mcp server %q: stdio server requires command", name)
		}
	case McpHTTPServer:
		if s.URL == "" {
			result.addf("mcp server %q: http server requires url", name)
		}
	case McpSSEServer:
		if s.URL == "" {
			result.addf("mcp server %q: sse server requires url", name)
		}
	case map[string]any:
		t, _ := s["type"].(string)
		switch t {
		case "stdio":
			if cmd, _ := s["command"].(string); cmd == "" {
				result.addf("mcp server %q: stdio server requires command", name)
			}
		case "http", "sse":
			if url, _ := s["url"].(string); url == "" {
				result.addf("mcp server %q: %s server requires url", name, t)
			}
		default:
			result.addf("mcp server %q: unrecognised type %q", name, t)
		}
	default:
		result.addf("mcp server %q: unrecognised configuration type", name)
	}
}

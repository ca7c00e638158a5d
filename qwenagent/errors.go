package qwenagent

import (
	"errors"
	"fmt"
)

// AbortError is returned when an operation observes the orchestrator's
// cancellation handle firing: a blocked read, write, or control-request wait
// that was interrupted because the caller (or the child process) aborted the
// session rather than completing normally.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	if e.Reason == "" {
		return "qwenagent: operation aborted"
	}
	return fmt.Sprintf("qwenagent: aborted: %s", e.Reason)
}

// IsAbortError reports whether err is (or wraps) an *AbortError.
func IsAbortError(err error) bool {
	var ae *AbortError
	return errors.As(err, &ae)
}

// TimeoutSubtype identifies which timeout budget expired.
type TimeoutSubtype string

const (
	TimeoutControlRequest TimeoutSubtype = "control_request"
	TimeoutToolCallback   TimeoutSubtype = "tool_callback"
	TimeoutStreamClose    TimeoutSubtype = "stream_close"
)

// TimeoutError is returned when a control-request, tool-callback, or
// stream-close budget expires before the corresponding operation completed.
type TimeoutError struct {
	Subtype TimeoutSubtype
	Detail  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("qwenagent: %s timeout: %s", e.Subtype, e.Detail)
}

// ClosedError is returned for misuse after the orchestrator has closed:
// writing, streaming input, or enqueueing onto a terminal framed stream.
type ClosedError struct {
	Op string
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("qwenagent: %s: orchestrator is closed", e.Op)
}

// UnknownControlSubtypeError is produced (as a wire control_response, never
// raised to the application) when an inbound control_request names a
// subtype the control plane does not recognise.
type UnknownControlSubtypeError struct {
	Subtype string
}

func (e *UnknownControlSubtypeError) Error() string {
	return fmt.Sprintf("Unknown control request subtype: %s", e.Subtype)
}

// CLINotFoundError is returned when the qwen CLI binary cannot be located by
// any of the Launch Descriptor's resolution steps.
type CLINotFoundError struct {
	ExecutablePath string
}

func (e *CLINotFoundError) Error() string {
	if e.ExecutablePath == "" {
		return "qwenagent: qwen CLI not found in PATH, standard install locations, or via a package-manager runner"
	}
	return fmt.Sprintf("qwenagent: qwen CLI not found: %q", e.ExecutablePath)
}

// ProcessError is returned by waitExit when the qwen subprocess exits with a
// non-zero status or is killed by a signal, whether or not a result message
// was observed.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Message  string
}

func (e *ProcessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("qwenagent: process error (exit %d): %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("qwenagent: process error (exit %d): %s", e.ExitCode, e.Message)
}

// CLIJSONDecodeError wraps a malformed line from the child's stdout. It is
// never fatal — decode errors are logged and the offending line is skipped
// — but is exposed as a typed value for tests that want to observe the
// malformed-line resilience behaviour.
type CLIJSONDecodeError struct {
	Line []byte
	Err  error
}

func (e *CLIJSONDecodeError) Error() string {
	return fmt.Sprintf("qwenagent: JSON decode error: %v (line: %s)", e.Err, e.Line)
}

func (e *CLIJSONDecodeError) Unwrap() error { return e.Err }

package qwenagent

import (
	"context"
	"fmt"
	"strings"
)

// Stream represents an active qwen subprocess streaming session started by
// Query. Call Events() to range over the stream of conversation messages;
// the channel-like cursor stops once the agent finishes, the subprocess
// exits, or the context passed to Query is cancelled.
//
// Control methods (SetModel, SetPermissionMode, SetMaxThinkingTokens,
// Interrupt) may be called concurrently from any goroutine while the
// stream is active.
type Stream struct {
	o *orchestrator
}

// Events returns an iterator-style channel of events streamed from the
// subprocess. The channel is closed when the session ends. Callers should
// always range until the channel closes.
func (s *Stream) Events() <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		ctx := s.o.root.Context()
		for {
			ev, err := s.o.next(ctx)
			if err != nil {
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Next returns the next event directly, without the overhead of a relay
// goroutine. Returns an error once the stream has ended (nil error with a
// zero Event is never returned on success).
func (s *Stream) Next(ctx context.Context) (Event, error) {
	return s.o.next(ctx)
}

// SetModel asks the qwen CLI to switch to a different model mid-session.
// Blocks until the CLI acknowledges the change or the context passed to
// Query is cancelled.
func (s *Stream) SetModel(model string) error { return s.o.setModel(model) }

// SetPermissionMode asks the qwen CLI to change the permission mode
// mid-session.
func (s *Stream) SetPermissionMode(mode PermissionMode) error {
	return s.o.setPermissionMode(mode)
}

// SetMaxThinkingTokens asks the qwen CLI to update the max thinking token
// budget mid-session.
func (s *Stream) SetMaxThinkingTokens(n int) error { return s.o.setMaxThinkingTokens(n) }

// SessionID returns the session ID observed so far.
func (s *Stream) SessionID() string { return s.o.SessionID() }

// AddEventListener registers fn to be called for every conversation event
// the router observes, independent of Events()/Next() consumption. Control
// frames are not passed to listeners. Returns a function that removes the
// listener.
func (s *Stream) AddEventListener(fn func(Event)) func() { return s.o.addEventListener(fn) }

// ToolUseIDForRequest looks up the tool_use_id associated with an inbound
// can_use_tool control request_id, for hosts that need to correlate a
// permission decision back to the originating tool call.
func (s *Stream) ToolUseIDForRequest(requestID string) (string, bool) {
	return s.o.toolUseIDForRequest(requestID)
}

// Interrupt initiates graceful shutdown of the session: stdin is closed
// and SIGTERM is sent to the qwen subprocess, escalating to SIGKILL if it
// does not exit within the configured grace period. Idempotent.
func (s *Stream) Interrupt() error {
	return s.o.close()
}

// Close is an alias for Interrupt, for callers that prefer io.Closer-style
// naming.
func (s *Stream) Close() error { return s.o.close() }

// Query runs the qwen agent with the given prompt and returns a *Stream
// for real-time event processing.
//
// The returned Stream's Events() channel closes when the agent emits a
// result message, the subprocess exits, or ctx is cancelled. Callers
// should always range over it until it closes.
//
// Example — stream all events:
//
//	stream, err := qwenagent.Query(ctx, "What is 2+2?")
//	if err != nil { ... }
//	for event := range stream.Events() {
//	    switch event.Type {
//	    case qwenagent.TypeAssistant:
//	        fmt.Print(event.Assistant.Text())
//	    case qwenagent.TypeResult:
//	        fmt.Println("session:", event.Result.SessionID)
//	    }
//	}
func Query(ctx context.Context, prompt string, opts ...Option) (*Stream, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	orch := newOrchestrator(ctx, o, true)
	if err := orch.initialize(ctx); err != nil {
		return nil, err
	}
	if err := orch.streamInput(prompt, nil); err != nil {
		_ = orch.close()
		return nil, err
	}

	return &Stream{o: orch}, nil
}

// Run is a convenience wrapper around Query that blocks until the agent
// finishes and returns only the final Result.
//
// Intermediate events (streaming deltas, system messages) are discarded.
// Use Query directly if you need to process them.
//
// Example:
//
//	result, err := qwenagent.Run(ctx, "What is 2+2?",
//	    qwenagent.WithModel("qwen3-coder-plus"),
//	    qwenagent.WithThinking(qwenagent.ThinkingDisabled),
//	)
//	if err != nil { ... }
//	fmt.Println(result.Result)
//	fmt.Println("session:", result.SessionID)
func Run(ctx context.Context, prompt string, opts ...Option) (*Result, error) {
	stream, err := Query(ctx, prompt, opts...)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("qwenagent: %w", err)
		}

		switch {
		case ev.IsResult():
			r := ev.Result
			if r.IsError {
				msg := r.Subtype
				if len(r.Errors) > 0 {
					msg = strings.Join(r.Errors, "; ")
				}
				return nil, fmt.Errorf("qwenagent: agent error (%s): %s", r.Subtype, msg)
			}
			return r, nil

		case ev.IsSystem() && ev.System.Subtype == "error":
			return nil, fmt.Errorf("qwenagent: %s", ev.System.Message)
		}
	}
}

package qwenagent

import (
	"context"
	"fmt"
	"sync"
)

// orchestratorState tracks where a Query Orchestrator is in its lifecycle:
// new (not yet talking to a child process), initialized (child spawned and
// the initialize control_request acknowledged), iterating (the caller has
// started consuming events), and closed (terminal).
type orchestratorState int

const (
	stateNew orchestratorState = iota
	stateInitialized
	stateIterating
	stateClosed
)

// orchestrator is the Query Orchestrator: it owns one qwen subprocess via
// a processChannel, demultiplexes its output into a controlPlane and a
// conversation-message framedStream, and exposes the operations Stream and
// Session build on (StreamInput, Next, SetModel, Close, ...).
type orchestrator struct {
	opts *Options

	mu    sync.Mutex
	state orchestratorState

	root    *cancelHandle
	channel *processChannel
	control *controlPlane

	out        *framedStream[Event]
	singleTurn bool

	sessionID   string
	sessionIDMu sync.Mutex

	listeners   map[int]func(Event)
	listenersMu sync.Mutex
	nextListenerID int

	log *scopedLogger
}

func newOrchestrator(ctx context.Context, opts *Options, singleTurn bool) *orchestrator {
	return &orchestrator{
		opts:       opts,
		root:       newCancelHandle(ctx),
		out:        newFramedStream[Event](64),
		singleTurn: singleTurn,
		listeners:  make(map[int]func(Event)),
		log:        newScopedLogger("orchestrator"),
	}
}

// initialize resolves the CLI, spawns the child process, sends the
// initialize control_request, and starts the router goroutine that
// demultiplexes the child's output. Safe to call only once; callers that
// need idempotence should gate through Stream/Session, which call it
// exactly once on construction.
func (o *orchestrator) initialize(ctx context.Context) error {
	configureLogging(o.opts.Debug)

	if o.opts.Validate {
		if v := ValidateOptions(o.opts); !v.Valid {
			return fmt.Errorf("qwenagent: invalid options: %v", v.Errors)
		}
	}

	descriptor, err := defaultCLIDiscovery.resolve(ctx, o.opts)
	if err != nil {
		return err
	}

	// Package-manager runner fallback ("npx -y qwen-code ...") resolves to
	// a fixed prefix; every other resolution step leaves Args empty and
	// runs the CLI directly.
	channel, err := startProcessChannel(o.opts, descriptor.Command, descriptor.Args)
	if err != nil {
		return err
	}
	o.channel = channel

	hooksConfig, hookReg := buildHooksForInitialize(o.opts.Hooks)
	o.control = newControlPlane(o.opts, hookReg)

	if _, err := o.control.send(o.root, o.channel.write, "initialize", initializeRequestFields(o.opts, hooksConfig)); err != nil {
		o.channel.close(0)
		return fmt.Errorf("qwenagent: initialize: %w", err)
	}

	o.mu.Lock()
	o.state = stateInitialized
	o.mu.Unlock()

	go o.runRouter()

	return nil
}

// initializeRequestFields builds the request payload for the initialize
// control_request: system prompt, MCP servers, agents, hooks, output
// format, and sandbox settings, all sent over the wire rather than as CLI
// flags so they work correctly in bidirectional streaming mode.
func initializeRequestFields(opts *Options, hooksConfig map[string]any) map[string]any {
	servers := any(map[string]any{})
	if len(opts.McpServers) > 0 {
		servers = opts.McpServers
	}

	agents := any(map[string]any{})
	if resolved := opts.resolvedAgents(); len(resolved) > 0 {
		m := make(map[string]any, len(resolved))
		for k, v := range resolved {
			m[k] = v
		}
		agents = m
	}

	req := map[string]any{
		"systemPrompt":       opts.SystemPrompt,
		"appendSystemPrompt": opts.AppendSystemPrompt,
		"sdkMcpServers":      servers,
		"hooks":              hooksConfig,
		"agents":             agents,
	}

	if opts.OutputFormat != nil {
		req["outputFormat"] = opts.OutputFormat.Type
		if opts.OutputFormat.Schema != nil {
			req["jsonSchema"] = opts.OutputFormat.Schema
		}
	}
	if opts.Sandbox != nil {
		req["sandbox"] = opts.Sandbox
	}

	return req
}

// streamInput writes a user turn onto the child's stdin. It is not a
// control_request: the child streams the resulting assistant turn back on
// the conversation-message channel rather than acknowledging it directly.
func (o *orchestrator) streamInput(prompt string, parentToolUseID *string) error {
	o.mu.Lock()
	state := o.state
	o.mu.Unlock()
	if state == stateClosed {
		return &ClosedError{Op: "stream_input"}
	}

	return o.channel.write(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
		"parent_tool_use_id": parentToolUseID,
		"session_id":         o.SessionID(),
	})
}

// endInput closes the child's stdin, telling it no further user turns are
// coming. Used once a single-turn Query/Run call observes its result.
func (o *orchestrator) endInput() {
	o.channel.endInput()
}

// next returns the next conversation Event, transitioning the orchestrator
// into the iterating state on first call.
func (o *orchestrator) next(ctx context.Context) (Event, error) {
	o.mu.Lock()
	if o.state == stateInitialized {
		o.state = stateIterating
	}
	o.mu.Unlock()

	select {
	case <-o.root.Done():
		return Event{}, o.root.Err()
	default:
	}

	return o.out.next(ctx)
}

// runRouter reads raw lines from the process channel, classifies each as a
// control-plane frame or a conversation message, and dispatches
// accordingly. It runs for the lifetime of the child process.
func (o *orchestrator) runRouter() {
	ctx := o.root.Context()

	for {
		raw, err := o.channel.messages().next(ctx)
		if err != nil {
			if err == ErrStreamDone {
				o.finish(nil)
			} else {
				o.finish(err)
			}
			return
		}

		switch controlFrameKind(raw) {
		case "control_request":
			o.control.handleControlRequest(raw, o.channel.write)
			continue
		case "control_response":
			o.control.handleControlResponse(raw)
			continue
		case "control_cancel_request":
			o.control.handleControlCancel(raw)
			continue
		}

		ev, perr := parseEvent(raw)
		if perr != nil {
			o.log.Warnf("skipping unparseable line: %v", perr)
			continue
		}

		o.recordSessionID(ev)
		o.emit(ev)
		_ = o.out.enqueue(ev)

		// In single-turn mode the first result ends the conversation: stdin
		// is closed and the output stream completes once drained, while the
		// router keeps reading until the child exits.
		if ev.IsResult() && o.singleTurn {
			o.endInput()
			o.out.markDone()
		}
	}
}

func (o *orchestrator) recordSessionID(ev Event) {
	var id string
	switch {
	case ev.IsSystem():
		id = ev.System.SessionID
	case ev.IsResult():
		id = ev.Result.SessionID
	case ev.IsAssistant():
		id = ev.Assistant.SessionID
	case ev.IsUser():
		id = ev.User.SessionID
	}
	if id == "" {
		return
	}
	o.sessionIDMu.Lock()
	o.sessionID = id
	o.sessionIDMu.Unlock()
}

// finish marks the conversation stream terminal, rejects any outstanding
// control requests, and transitions the orchestrator to closed. Called
// both when the router observes the channel ending on its own (the child
// exited) and from close() when the caller tears the session down first.
func (o *orchestrator) finish(err error) {
	o.mu.Lock()
	if o.state == stateClosed {
		o.mu.Unlock()
		return
	}
	o.state = stateClosed
	o.mu.Unlock()

	if err != nil {
		o.out.markError(err)
		o.control.closeAll(err)
	} else {
		o.out.markDone()
		o.control.closeAll(&ClosedError{Op: "control_request"})
	}
}

// close triggers cancellation, gracefully shuts down the child process,
// and waits (bounded) for it to exit. Idempotent.
func (o *orchestrator) close() error {
	o.root.Cancel(&AbortError{Reason: "session closed"})

	grace := 0
	if o.opts.Timeouts.StreamClose > 0 {
		grace = o.opts.Timeouts.StreamClose
	}
	if o.channel != nil {
		o.channel.close(msToDuration(grace))
	}

	o.finish(&AbortError{Reason: "session closed"})

	if o.channel != nil {
		return o.channel.waitExit(context.Background())
	}
	return nil
}

// SessionID returns the session ID observed so far (populated once the
// child's init/system message or a result message has been seen).
func (o *orchestrator) SessionID() string {
	o.sessionIDMu.Lock()
	defer o.sessionIDMu.Unlock()
	return o.sessionID
}

// addEventListener registers fn to be called, synchronously and
// best-effort, for every conversation Event the router observes. Control
// frames are not passed to listeners. Returns a function that removes the
// listener.
func (o *orchestrator) addEventListener(fn func(Event)) func() {
	o.listenersMu.Lock()
	id := o.nextListenerID
	o.nextListenerID++
	o.listeners[id] = fn
	o.listenersMu.Unlock()

	return func() {
		o.listenersMu.Lock()
		delete(o.listeners, id)
		o.listenersMu.Unlock()
	}
}

func (o *orchestrator) emit(ev Event) {
	o.listenersMu.Lock()
	fns := make([]func(Event), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.listenersMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// setModel, setPermissionMode, and setMaxThinkingTokens send a mid-session
// control_request and block until the child acknowledges it.
func (o *orchestrator) setModel(model string) error {
	_, err := o.control.send(o.root, o.channel.write, "set_model", map[string]any{"model": model})
	return err
}

func (o *orchestrator) setPermissionMode(mode PermissionMode) error {
	_, err := o.control.send(o.root, o.channel.write, "set_permission_mode", map[string]any{
		"permission_mode": string(mode),
	})
	return err
}

func (o *orchestrator) setMaxThinkingTokens(n int) error {
	_, err := o.control.send(o.root, o.channel.write, "set_max_thinking_tokens", map[string]any{
		"max_thinking_tokens": n,
	})
	return err
}

func (o *orchestrator) toolUseIDForRequest(requestID string) (string, bool) {
	return o.control.toolUseIDForRequest(requestID)
}

package qwenagent

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultControlRequestTimeout = 30 * time.Second
	defaultToolCallbackTimeout   = 60 * time.Second
)

// controlResult is the resolved outcome of an outbound control_request.
type controlResult struct {
	response json.RawMessage
	err      error
}

// pendingControlRequest tracks one in-flight outbound control_request. It
// owns a per-request cancelHandle, derived from the orchestrator's handle,
// so a remote control_cancel_request can reject this request alone without
// tearing down the session, and so a locally-fired timer can do the same.
type pendingControlRequest struct {
	result chan controlResult
	cancel *cancelHandle
	timer  *time.Timer
}

// controlPlane demultiplexes the control_request / control_response /
// control_cancel_request channel from the conversation-message channel, and
// dispatches inbound control_request frames (can_use_tool and hook_callback;
// any other subtype gets an error response) to a wire response.
//
// Every pending outbound request is tracked in a single correlation table
// guarded by one mutex: a request is appended when sent, resolved and
// removed when its control_response (or cancellation, or timeout) arrives,
// and any requests still pending at shutdown are rejected in one pass by
// closeAll.
type controlPlane struct {
	mu      sync.Mutex
	pending map[string]*pendingControlRequest

	controlRequestTimeout time.Duration
	toolCallbackTimeout   time.Duration

	permissionHandler PermissionHandler
	hookRegistry      hookRegistry

	// reqIDToToolUseID records the tool_use_id carried by each inbound
	// can_use_tool request, keyed by its request_id, so a caller that only
	// has a request_id (e.g. from a hook) can look up which tool call it
	// corresponds to.
	reqIDToToolUseID map[string]string

	log *scopedLogger
}

func newControlPlane(opts *Options, hookReg hookRegistry) *controlPlane {
	crTimeout := defaultControlRequestTimeout
	if opts.Timeouts.ControlRequest > 0 {
		crTimeout = time.Duration(opts.Timeouts.ControlRequest) * time.Second
	}
	tcTimeout := defaultToolCallbackTimeout
	if opts.Timeouts.ToolCallback > 0 {
		tcTimeout = time.Duration(opts.Timeouts.ToolCallback) * time.Second
	}
	return &controlPlane{
		pending:               make(map[string]*pendingControlRequest),
		controlRequestTimeout: crTimeout,
		toolCallbackTimeout:   tcTimeout,
		permissionHandler:     opts.PermissionHandler,
		hookRegistry:          hookReg,
		reqIDToToolUseID:      make(map[string]string),
		log:                   newScopedLogger("control"),
	}
}

// send writes an outbound control_request with the given subtype and
// extra fields, then blocks until a matching control_response arrives, the
// parent handle is cancelled, or the per-request timeout fires.
func (c *controlPlane) send(parent *cancelHandle, write func(any) error, subtype string, extras map[string]any) (json.RawMessage, error) {
	reqID := uuid.NewString()
	pending := &pendingControlRequest{
		result: make(chan controlResult, 1),
		cancel: parent.child(),
	}

	c.mu.Lock()
	c.pending[reqID] = pending
	c.mu.Unlock()

	pending.timer = time.AfterFunc(c.controlRequestTimeout, func() {
		c.reject(reqID, &TimeoutError{
			Subtype: TimeoutControlRequest,
			Detail:  fmt.Sprintf("%s: no control_response within %s", subtype, c.controlRequestTimeout),
		})
	})

	req := map[string]any{"subtype": subtype}
	for k, v := range extras {
		req[k] = v
	}

	if err := write(map[string]any{
		"type":       "control_request",
		"request_id": reqID,
		"request":    req,
	}); err != nil {
		c.removePending(reqID)
		pending.timer.Stop()
		return nil, fmt.Errorf("qwenagent: %s: %w", subtype, err)
	}

	select {
	case res := <-pending.result:
		return res.response, res.err
	case <-pending.cancel.Done():
		c.removePending(reqID)
		return nil, pending.cancel.Err()
	}
}

func (c *controlPlane) removePending(reqID string) *pendingControlRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[reqID]
	if !ok {
		return nil
	}
	delete(c.pending, reqID)
	return p
}

func (c *controlPlane) reject(reqID string, err error) {
	p := c.removePending(reqID)
	if p == nil {
		return
	}
	p.timer.Stop()
	select {
	case p.result <- controlResult{err: err}:
	default:
	}
}

func (c *controlPlane) resolve(reqID string, response json.RawMessage, err error) {
	p := c.removePending(reqID)
	if p == nil {
		return
	}
	p.timer.Stop()
	select {
	case p.result <- controlResult{response: response, err: err}:
	default:
	}
}

// closeAll rejects every still-pending outbound request with err. Called
// once the orchestrator observes the child process terminating or the
// session closing.
func (c *controlPlane) closeAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingControlRequest)
	c.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		select {
		case p.result <- controlResult{err: err}:
		default:
		}
	}
}

// handleControlResponse routes an inbound control_response frame to the
// waiting outbound send call. The request_id is read from inside the
// response object, or from the top level of the frame when it is set there.
// An error payload may be a bare string or an object with a message field.
func (c *controlPlane) handleControlResponse(line []byte) {
	var env struct {
		RequestID string `json:"request_id"`
		Response  struct {
			Subtype   string          `json:"subtype"`
			RequestID string          `json:"request_id"`
			Error     json.RawMessage `json:"error,omitempty"`
			Response  json.RawMessage `json:"response,omitempty"`
		} `json:"response"`
	}
	if err := json.Unmarshal(line, &env); err != nil {
		return
	}
	reqID := env.RequestID
	if reqID == "" {
		reqID = env.Response.RequestID
	}
	if reqID == "" {
		return
	}
	if env.Response.Subtype == "error" {
		var msg string
		if json.Unmarshal(env.Response.Error, &msg) != nil {
			var obj struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(env.Response.Error, &obj)
			msg = obj.Message
		}
		if msg == "" {
			msg = "unknown error"
		}
		c.resolve(reqID, nil, fmt.Errorf("qwenagent: %s", msg))
		return
	}
	c.resolve(reqID, env.Response.Response, nil)
}

// handleControlCancel routes an inbound control_cancel_request to the
// matching pending outbound send call, rejecting it with an AbortError.
func (c *controlPlane) handleControlCancel(line []byte) {
	var env struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(line, &env); err != nil || env.RequestID == "" {
		return
	}
	c.reject(env.RequestID, &AbortError{Reason: "cancelled by control_cancel_request"})
}

// controlRequestEnvelope is the shape of an inbound control_request frame
// across every subtype this control plane understands.
type controlRequestEnvelope struct {
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype string `json:"subtype"`

		// can_use_tool fields.
		ToolName       string             `json:"tool_name"`
		ToolUseID      string             `json:"tool_use_id"`
		Input          json.RawMessage    `json:"input"`
		Suggestions    []PermissionUpdate `json:"permission_suggestions,omitempty"`
		BlockedPath    string             `json:"blocked_path,omitempty"`
		DecisionReason string             `json:"decision_reason,omitempty"`
		AgentID        string             `json:"agent_id,omitempty"`

		// hook_callback fields.
		CallbackID string    `json:"callback_id,omitempty"`
		HookEvent  HookEvent `json:"hook_event,omitempty"`
	} `json:"request"`
}

// handleControlRequest dispatches an inbound control_request and always
// writes exactly one control_response in reply.
func (c *controlPlane) handleControlRequest(line []byte, write func(any) error) {
	var env controlRequestEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return
	}

	switch env.Request.Subtype {
	case "can_use_tool":
		c.handleCanUseTool(env, write)
	case "hook_callback":
		c.handleHookCallback(env, write)
	default:
		// Any subtype this control plane doesn't recognise, including the
		// empty string, gets the same error response — there is no
		// acknowledge-and-ignore case on the inbound side.
		_ = write(unknownSubtypeResponse(env.RequestID, env.Request.Subtype))
	}
}

func unknownSubtypeResponse(requestID, subtype string) map[string]any {
	return map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "error",
			"request_id": requestID,
			"error":      (&UnknownControlSubtypeError{Subtype: subtype}).Error(),
		},
	}
}

func (c *controlPlane) handleCanUseTool(env controlRequestEnvelope, write func(any) error) {
	c.mu.Lock()
	if env.Request.ToolUseID != "" {
		c.reqIDToToolUseID[env.RequestID] = env.Request.ToolUseID
	}
	c.mu.Unlock()

	result := c.runPermissionHandler(env)

	var resp map[string]any
	if result.Behavior == string(PermissionBehaviorAllow) {
		resp = map[string]any{
			"behavior":     "allow",
			"updatedInput": updatedInputOrOriginal(result.UpdatedInput, env.Request.Input),
		}
		if len(result.UpdatedPermissions) > 0 {
			resp["updatedPermissions"] = result.UpdatedPermissions
		}
	} else {
		message := result.Message
		if message == "" {
			message = "Denied"
		}
		resp = map[string]any{
			"behavior": "deny",
			"message":  message,
		}
		if result.Interrupt {
			resp["interrupt"] = true
		}
	}

	_ = write(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": env.RequestID,
			"response":   resp,
		},
	})
}

// updatedInputOrOriginal returns the handler's replacement tool input, or
// the original request input unchanged when the handler didn't supply one.
func updatedInputOrOriginal(updated map[string]any, original json.RawMessage) any {
	if updated != nil {
		return updated
	}
	return original
}

// runPermissionHandler calls the configured PermissionHandler with the
// tool-callback timeout budget. A handler that runs past the deadline, that
// panics, or that is absent entirely is treated as a deny — the gate fails
// closed so a misbehaving or missing callback never silently allows a tool
// call.
func (c *controlPlane) runPermissionHandler(env controlRequestEnvelope) PermissionResult {
	if c.permissionHandler == nil {
		return PermissionResult{Behavior: string(PermissionBehaviorDeny), Message: "Denied"}
	}

	permCtx := PermissionContext{
		Suggestions:    env.Request.Suggestions,
		BlockedPath:    env.Request.BlockedPath,
		DecisionReason: env.Request.DecisionReason,
		ToolUseID:      env.Request.ToolUseID,
		AgentID:        env.Request.AgentID,
	}

	type outcome struct {
		result PermissionResult
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{result: PermissionResult{
					Behavior: string(PermissionBehaviorDeny),
					Message:  fmt.Sprintf("Permission check failed: %v", r),
				}}
			}
		}()
		done <- outcome{result: c.permissionHandler(env.Request.ToolName, env.Request.Input, permCtx)}
	}()

	select {
	case o := <-done:
		return o.result
	case <-time.After(c.toolCallbackTimeout):
		c.log.Warnf("permission handler for %s timed out after %s, denying", env.Request.ToolName, c.toolCallbackTimeout)
		return PermissionResult{
			Behavior: string(PermissionBehaviorDeny),
			Message:  "Permission callback timeout",
		}
	}
}

func (c *controlPlane) handleHookCallback(env controlRequestEnvelope, write func(any) error) {
	fn, ok := c.hookRegistry[env.Request.CallbackID]
	if !ok {
		_ = write(map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"subtype":    "success",
				"request_id": env.RequestID,
			},
		})
		return
	}

	output, err := fn(env.Request.HookEvent, env.Request.Input, env.Request.ToolUseID)
	if err != nil {
		_ = write(map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"subtype":    "error",
				"request_id": env.RequestID,
				"error":      err.Error(),
			},
		})
		return
	}

	resp := map[string]any{
		"subtype":    "success",
		"request_id": env.RequestID,
	}
	if output != nil {
		resp["response"] = output
	}
	_ = write(map[string]any{
		"type":     "control_response",
		"response": resp,
	})
}

// toolUseIDForRequest looks up the tool_use_id recorded for an inbound
// can_use_tool request_id.
func (c *controlPlane) toolUseIDForRequest(requestID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.reqIDToToolUseID[requestID]
	return id, ok
}

// controlFrameKind classifies a raw line from the child's stdout into one
// of the control-plane frame kinds, or "" if it belongs on the
// conversation-message channel instead.
func controlFrameKind(line []byte) string {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &env); err != nil {
		return ""
	}
	switch env.Type {
	case "control_request", "control_response", "control_cancel_request":
		return env.Type
	}
	return ""
}

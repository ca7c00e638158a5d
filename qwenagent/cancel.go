package qwenagent

import "context"

// cancelHandle is the one-shot cancellation latch shared by every blocking
// operation on an orchestrator: the reader and writer goroutines, pending
// control requests, and consumers waiting on the conversation stream all
// select on its Done channel. Triggering it is idempotent — the first
// Cancel call's reason wins, later calls are no-ops — which context.Context
// already guarantees, so cancelHandle is a thin wrapper rather than a
// hand-rolled listener list.
//
// Each pending control request gets its own child handle derived from the
// orchestrator's handle, so a single remote control_cancel_request can
// reject just that request without tearing down the whole session.
type cancelHandle struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newCancelHandle(parent context.Context) *cancelHandle {
	ctx, cancel := context.WithCancelCause(parent)
	return &cancelHandle{ctx: ctx, cancel: cancel}
}

// child derives a cancellation handle that fires whenever h fires, but can
// also be cancelled independently of h.
func (h *cancelHandle) child() *cancelHandle {
	return newCancelHandle(h.ctx)
}

// Cancel triggers the handle with the given reason. Safe to call more than
// once; only the first call has any effect.
func (h *cancelHandle) Cancel(reason error) {
	if reason == nil {
		reason = &AbortError{}
	}
	h.cancel(reason)
}

// Done returns a channel that closes once the handle is cancelled.
func (h *cancelHandle) Done() <-chan struct{} {
	return h.ctx.Done()
}

// Err returns the reason the handle was cancelled with, or nil if it has
// not fired yet.
func (h *cancelHandle) Err() error {
	if h.ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(h.ctx); cause != nil {
		return cause
	}
	return h.ctx.Err()
}

// Context exposes the underlying context, for operations (exec.CommandContext,
// control-request waits) that want to select on it directly.
func (h *cancelHandle) Context() context.Context {
	return h.ctx
}

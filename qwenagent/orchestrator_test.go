package qwenagent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRoutedOrchestrator wires an orchestrator directly to an in-memory
// processChannel (no subprocess), skipping initialize entirely so router
// behavior can be exercised by pushing raw lines onto channel.in.
func newRoutedOrchestrator(t *testing.T, singleTurn bool) (*orchestrator, *processChannel) {
	t.Helper()
	opts := defaultOptions()
	o := newOrchestrator(context.Background(), opts, singleTurn)

	pc := &processChannel{
		outq: newFramedStream[[]byte](64),
		in:   newFramedStream[json.RawMessage](64),
		log:  newScopedLogger("test"),
	}
	o.channel = pc
	o.control = newControlPlane(opts, hookRegistry{})
	o.mu.Lock()
	o.state = stateInitialized
	o.mu.Unlock()

	go o.runRouter()
	return o, pc
}

func pushLine(t *testing.T, pc *processChannel, v map[string]any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, pc.in.enqueue(json.RawMessage(b)))
}

func TestOrchestratorRunRouterDispatchesConversationMessage(t *testing.T) {
	o, pc := newRoutedOrchestrator(t, false)

	pushLine(t, pc, map[string]any{
		"type":       "system",
		"subtype":    "init",
		"session_id": "sess-a",
		"model":      "qwen3-coder-plus",
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := o.next(ctx)
	require.NoError(t, err)
	assert.True(t, ev.IsSystem())
	assert.Equal(t, "sess-a", o.SessionID())
}

func TestOrchestratorSingleTurnEndsInputAfterResult(t *testing.T) {
	o, pc := newRoutedOrchestrator(t, true)

	pushLine(t, pc, map[string]any{
		"type":       "result",
		"subtype":    "success",
		"session_id": "sess-b",
		"result":     "done",
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := o.next(ctx)
	require.NoError(t, err)
	assert.True(t, ev.IsResult())

	// endInput marks outq done; a subsequent write must fail.
	require.Eventually(t, func() bool {
		return pc.outq.enqueue([]byte("x")) != nil
	}, time.Second, time.Millisecond)
}

func TestOrchestratorRunRouterSkipsControlFrames(t *testing.T) {
	o, pc := newRoutedOrchestrator(t, false)

	pushLine(t, pc, map[string]any{
		"type":       "control_response",
		"request_id": "unknown-req",
		"response":   map[string]any{"subtype": "success"},
	})
	pushLine(t, pc, map[string]any{
		"type":       "assistant",
		"session_id": "sess-c",
		"message": map[string]any{"role": "assistant", "content": []any{
			map[string]any{"type": "text", "text": "hi"},
		}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := o.next(ctx)
	require.NoError(t, err)
	assert.True(t, ev.IsAssistant())
}

func TestOrchestratorRecordSessionIDFromAllVariants(t *testing.T) {
	o, _ := newRoutedOrchestrator(t, false)

	o.recordSessionID(Event{Type: TypeSystem, System: &SystemMessage{SessionID: "s1"}})
	assert.Equal(t, "s1", o.SessionID())

	o.recordSessionID(Event{Type: TypeResult, Result: &Result{SessionID: "s2"}})
	assert.Equal(t, "s2", o.SessionID())

	o.recordSessionID(Event{Type: TypeResult, Result: &Result{SessionID: ""}})
	assert.Equal(t, "s2", o.SessionID(), "empty session id must not overwrite a known one")
}

func TestOrchestratorFinishIsIdempotent(t *testing.T) {
	o, _ := newRoutedOrchestrator(t, false)

	o.finish(nil)
	o.finish(assert.AnError) // second call must be a no-op, not override the terminal state

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := o.next(ctx)
	assert.ErrorIs(t, err, ErrStreamDone)
}

func TestOrchestratorAddEventListenerReceivesAndCanUnsubscribe(t *testing.T) {
	o, pc := newRoutedOrchestrator(t, false)

	var seen []Event
	unsubscribe := o.addEventListener(func(ev Event) { seen = append(seen, ev) })

	pushLine(t, pc, map[string]any{"type": "system", "subtype": "init", "session_id": "s1"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := o.next(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(seen) == 1 }, time.Second, time.Millisecond)
	unsubscribe()

	pushLine(t, pc, map[string]any{"type": "system", "subtype": "init", "session_id": "s2"})
	_, err = o.next(ctx)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, seen, 1, "listener must not be invoked after unsubscribe")
}

func TestOrchestratorStreamInputRejectedAfterClose(t *testing.T) {
	o, _ := newRoutedOrchestrator(t, false)
	o.finish(nil)

	err := o.streamInput("hello", nil)
	var closedErr *ClosedError
	assert.ErrorAs(t, err, &closedErr)
}

func TestOrchestratorCloseTearsDownRealChannel(t *testing.T) {
	pc := newCatProcessChannel(t)
	opts := defaultOptions()
	o := newOrchestrator(context.Background(), opts, false)
	o.channel = pc
	o.control = newControlPlane(opts, hookRegistry{})
	o.mu.Lock()
	o.state = stateInitialized
	o.mu.Unlock()
	go o.runRouter()

	err := o.close()
	assert.NoError(t, err)

	select {
	case <-o.root.Done():
	default:
		t.Fatal("root cancel handle should be done after close")
	}
}

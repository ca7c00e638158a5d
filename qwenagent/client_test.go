package qwenagent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamEventsRelaysUntilResult(t *testing.T) {
	o, pc := newRoutedOrchestrator(t, true)
	stream := &Stream{o: o}

	pushLine(t, pc, map[string]any{
		"type": "assistant", "session_id": "s1",
		"message": map[string]any{"role": "assistant", "content": []any{
			map[string]any{"type": "text", "text": "hi"},
		}},
	})
	pushLine(t, pc, map[string]any{
		"type": "result", "subtype": "success", "session_id": "s1", "result": "done",
	})

	var got []Event
	for ev := range stream.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.True(t, got[0].IsAssistant())
	assert.True(t, got[1].IsResult())
}

func TestStreamNextReturnsErrorAfterClose(t *testing.T) {
	o, _ := newRoutedOrchestrator(t, false)
	stream := &Stream{o: o}
	o.finish(nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := stream.Next(ctx)
	assert.Error(t, err)
}

func TestStreamSessionIDAndToolUseLookup(t *testing.T) {
	o, pc := newRoutedOrchestrator(t, false)
	stream := &Stream{o: o}

	pushLine(t, pc, map[string]any{
		"type":       "control_request",
		"request_id": "req-1",
		"request":    map[string]any{"subtype": "can_use_tool", "tool_name": "Read", "tool_use_id": "tu-1"},
	})
	require.Eventually(t, func() bool {
		_, ok := stream.ToolUseIDForRequest("req-1")
		return ok
	}, time.Second, time.Millisecond)

	id, ok := stream.ToolUseIDForRequest("req-1")
	assert.True(t, ok)
	assert.Equal(t, "tu-1", id)
}

func TestStreamCloseIsIdempotentViaOrchestrator(t *testing.T) {
	pc := newCatProcessChannel(t)
	o := newOrchestrator(context.Background(), defaultOptions(), false)
	o.channel = pc
	o.control = newControlPlane(defaultOptions(), hookRegistry{})
	o.mu.Lock()
	o.state = stateInitialized
	o.mu.Unlock()
	go o.runRouter()

	stream := &Stream{o: o}
	assert.NoError(t, stream.Close())
	assert.NoError(t, stream.Interrupt())
}

// TestQueryAndRunRequireRealCLI documents that Query/Run are integration
// entry points: they resolve and spawn the actual qwen binary, so they are
// not exercised by the unit suite.
func TestQueryAndRunRequireRealCLI(t *testing.T) {
	t.Skip("integration test - requires the qwen CLI binary on PATH")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := Run(ctx, "say hello in one word")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Result)
}

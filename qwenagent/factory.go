package qwenagent

import (
	"context"
	"fmt"
	"strings"
)

// QueryIterator is the lazy, general-purpose entry point underlying Query,
// Run, and Session: it accepts either a single prompt or a channel of
// prompts as its input source and exposes the resulting event stream
// without committing to single-turn or persistent-session semantics up
// front. Query/Run/Session are thin convenience wrappers around it.
type QueryIterator struct {
	o *orchestrator
}

// NewQuery starts a qwen subprocess and feeds it turns from input, which
// must be either a string (a single turn; stdin is closed immediately
// after it and the iterator behaves like Query's Stream) or a <-chan
// string (one turn per value received; stdin is closed when the channel
// is closed, enabling a caller-driven multi-turn conversation without the
// fixed request/response shape of Session.Send).
func NewQuery(ctx context.Context, input any, opts ...Option) (*QueryIterator, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	var source <-chan string
	singleTurn := false

	switch v := input.(type) {
	case string:
		singleTurn = true
		ch := make(chan string, 1)
		ch <- v
		close(ch)
		source = ch
	case <-chan string:
		source = v
	case chan string:
		source = v
	default:
		return nil, fmt.Errorf("qwenagent: NewQuery: input must be a string or <-chan string, got %T", input)
	}

	orch := newOrchestrator(ctx, o, singleTurn)
	if err := orch.initialize(ctx); err != nil {
		return nil, err
	}

	go func() {
		for prompt := range source {
			if err := orch.streamInput(prompt, nil); err != nil {
				return
			}
		}
		orch.endInput()
	}()

	return &QueryIterator{o: orch}, nil
}

// Events returns an iterator-style channel over the event stream. Closes
// once the subprocess exits, the input source is exhausted and the agent
// finishes its last turn, or ctx is cancelled.
func (q *QueryIterator) Events() <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		ctx := q.o.root.Context()
		for {
			ev, err := q.o.next(ctx)
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

// Next returns the next event directly.
func (q *QueryIterator) Next(ctx context.Context) (Event, error) {
	return q.o.next(ctx)
}

// SessionID returns the session ID observed so far.
func (q *QueryIterator) SessionID() string { return q.o.SessionID() }

// Close gracefully shuts down the underlying subprocess.
func (q *QueryIterator) Close() error { return q.o.close() }

// RunToCompletion drains a QueryIterator built from input and returns the
// last Result event observed, discarding intermediate events. It is the
// lazy-factory analog of Run, useful when the caller already has an input
// source (e.g. a multi-turn channel) rather than a single prompt string.
func RunToCompletion(ctx context.Context, input any, opts ...Option) (*Result, error) {
	q, err := NewQuery(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	defer q.Close()

	var last *Result
	for {
		ev, err := q.Next(ctx)
		if err != nil {
			if last != nil {
				return last, nil
			}
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
			last = r

		case ev.IsSystem() && ev.System.Subtype == "error":
			return nil, fmt.Errorf("qwenagent: %s", ev.System.Message)
		}
	}
}

package qwenagent

import "context"

// Session maintains a persistent qwen subprocess for multi-turn
// conversations. Unlike Query/Run (which spawn a new subprocess per call
// and close stdin after the first turn), Session keeps the subprocess
// alive between turns: call Send for each new user turn and range over
// Events until the matching result arrives before sending the next one.
//
// Typical usage:
//
//	session, err := qwenagent.NewSession(ctx, qwenagent.WithModel("qwen3-coder-plus"))
//	if err != nil { ... }
//	defer session.Close()
//
//	_ = session.Send("My name is Alice")
//	for event := range session.Events() {
//	    if event.IsAssistant() { fmt.Print(event.Assistant.Text()) }
//	    if event.IsResult()    { break }
//	}
//
//	_ = session.Send("What is my name?")
//	for event := range session.Events() {
//	    if event.IsAssistant() { fmt.Print(event.Assistant.Text()) }
//	    if event.IsResult()    { break }
//	}
type Session struct {
	o *orchestrator
}

// NewSession creates a new persistent qwen session. The subprocess is
// started and initialized immediately; the first turn begins when Send is
// called.
func NewSession(ctx context.Context, opts ...Option) (*Session, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	orch := newOrchestrator(ctx, o, false)
	if err := orch.initialize(ctx); err != nil {
		return nil, err
	}
	return &Session{o: orch}, nil
}

// Send writes a user message and starts a new turn. Call this before
// ranging over Events for each turn.
func (s *Session) Send(msg string) error {
	return s.o.streamInput(msg, nil)
}

// Events returns an iterator-style channel over the persistent event
// stream. Range over it until a result event to consume one turn, then
// call Send again for the next turn. The channel closes when the session
// ends (subprocess exits or Close is called).
func (s *Session) Events() <-chan Event {
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

// Next returns the next event directly, without a relay goroutine.
func (s *Session) Next(ctx context.Context) (Event, error) {
	return s.o.next(ctx)
}

// SessionID returns the session ID observed so far.
func (s *Session) SessionID() string { return s.o.SessionID() }

// SetModel asks the qwen CLI to switch to a different model mid-session.
func (s *Session) SetModel(model string) error { return s.o.setModel(model) }

// SetPermissionMode asks the qwen CLI to change the permission mode
// mid-session.
func (s *Session) SetPermissionMode(mode PermissionMode) error {
	return s.o.setPermissionMode(mode)
}

// SetMaxThinkingTokens asks the qwen CLI to update the max thinking token
// budget mid-session.
func (s *Session) SetMaxThinkingTokens(n int) error { return s.o.setMaxThinkingTokens(n) }

// AddEventListener registers fn to be called for every event observed,
// independent of Events()/Next() consumption. Returns a function that
// removes the listener.
func (s *Session) AddEventListener(fn func(Event)) func() { return s.o.addEventListener(fn) }

// Interrupt initiates graceful shutdown of the session. Equivalent to
// Close.
func (s *Session) Interrupt() error { return s.o.close() }

// Close gracefully shuts down the session.
func (s *Session) Close() error { return s.o.close() }

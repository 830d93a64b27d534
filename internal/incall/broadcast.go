package incall

import (
	"log/slog"
	"sync"
)

// StateBroadcaster fans UI state transitions out to subscribers. It is the
// process-wide StateNotifier.
type StateBroadcaster struct {
	mu     sync.RWMutex
	state  CallState
	subs   map[int]func(CallState)
	nextID int
	logger *slog.Logger
}

// NewStateBroadcaster creates a broadcaster in the no-calls state.
func NewStateBroadcaster(logger *slog.Logger) *StateBroadcaster {
	return &StateBroadcaster{
		state:  StateNoCalls,
		subs:   make(map[int]func(CallState)),
		logger: logger.With("component", "call-state"),
	}
}

// Subscribe registers fn for future transitions and returns a function that
// removes it. fn runs on the notifying goroutine and must not block.
func (b *StateBroadcaster) Subscribe(fn func(CallState)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// NotifyTransition records state and informs all subscribers.
func (b *StateBroadcaster) NotifyTransition(state CallState) {
	b.mu.Lock()
	prev := b.state
	b.state = state
	subs := make([]func(CallState), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	b.logger.Info("call state transition", "from", prev, "to", state)
	for _, fn := range subs {
		fn(state)
	}
}

// State returns the last broadcast state.
func (b *StateBroadcaster) State() CallState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

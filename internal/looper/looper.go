// Package looper provides the single delivery context that owns all card
// state. Work posted from any goroutine runs serially, in post order, on the
// looper goroutine.
package looper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrStopped is returned by Flush once the looper no longer accepts work.
var ErrStopped = errors.New("looper: stopped")

// Looper runs posted functions one at a time on its own goroutine.
type Looper struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	started sync.Once
	logger  *slog.Logger
}

// New creates a looper. Call Start to begin processing.
func New(logger *slog.Logger) *Looper {
	return &Looper{
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.With("component", "looper"),
	}
}

// Start launches the looper goroutine. It stops when ctx is cancelled or
// Stop is called. Calling Start more than once has no effect.
func (l *Looper) Start(ctx context.Context) {
	l.started.Do(func() {
		go l.run(ctx)
	})
}

// Post queues fn. It never blocks and returns false once the looper has
// stopped.
func (l *Looper) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Flush waits until everything posted before the call has run.
func (l *Looper) Flush(ctx context.Context) error {
	ch := make(chan struct{})
	if !l.Post(func() { close(ch) }) {
		return ErrStopped
	}
	select {
	case <-ch:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects further posts, drains what is queued and waits for the
// goroutine to exit. Safe to call more than once.
func (l *Looper) Stop() {
	l.mu.Lock()
	already := l.stopped
	l.stopped = true
	l.mu.Unlock()

	if !already {
		close(l.quit)
	}
	l.Start(context.Background())
	<-l.done
}

func (l *Looper) run(ctx context.Context) {
	defer close(l.done)
	for {
		for _, fn := range l.take() {
			l.exec(fn)
		}

		select {
		case <-l.wake:
		case <-l.quit:
			for _, fn := range l.take() {
				l.exec(fn)
			}
			return
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.queue = nil
			l.mu.Unlock()
			return
		}
	}
}

func (l *Looper) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.queue
	l.queue = nil
	return q
}

func (l *Looper) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in posted function", "panic", r)
		}
	}()
	fn()
}

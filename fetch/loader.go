// Package fetch holds a cancellable loader exposing {data, loading, error}.
package fetch

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
)

// State is a snapshot of a loader.
type State[T any] struct {
	Data    T
	Loading bool
	// Err is never a cancellation.
	Err error
}

// LoadFunc fetches the data. It must honor ctx.
type LoadFunc[T any] func(ctx context.Context) (T, error)

// Loader runs one LoadFunc at a time and keeps its latest outcome.
type Loader[T any] struct {
	name string
	fn   LoadFunc[T]

	mu       sync.Mutex
	state    State[T]
	inflight bool
	cancel   context.CancelFunc
	closed   bool
	onChange func(State[T])

	wg sync.WaitGroup
}

func NewLoader[T any](name string, fn LoadFunc[T]) *Loader[T] {
	return &Loader[T]{name: name, fn: fn}
}

func (l *Loader[T]) State() State[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// OnChange sets a callback invoked with every new state. It must not call
// back into the loader.
func (l *Loader[T]) OnChange(fn func(State[T])) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// setLocked requires mu and returns the callback to run after unlock.
func (l *Loader[T]) setLocked(s State[T]) func() {
	l.state = s
	if fn := l.onChange; fn != nil {
		return func() { fn(s) }
	}
	return func() {}
}

// Load fetches and blocks until done. It is a no-op while another load is in
// flight or after Close. A canceled load returns nil and keeps Data.
func (l *Loader[T]) Load(ctx context.Context) error {
	ctx, cancel, ok := l.begin(ctx, false)
	if !ok {
		return nil
	}
	return l.run(ctx, cancel)
}

// begin marks a load in flight, false if one already is or the loader is closed.
// A background load is also added to wg.
func (l *Loader[T]) begin(parent context.Context, background bool) (context.Context, context.CancelFunc, bool) {
	l.mu.Lock()
	if l.closed || l.inflight {
		l.mu.Unlock()
		return nil, nil, false
	}
	if l.cancel != nil {
		l.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	l.cancel = cancel
	l.inflight = true
	if background {
		l.wg.Add(1)
	}
	notify := l.setLocked(State[T]{Data: l.state.Data, Loading: true})
	l.mu.Unlock()
	notify()
	return ctx, cancel, true
}

func (l *Loader[T]) run(ctx context.Context, cancel context.CancelFunc) error {
	data, err := l.fn(ctx)
	canceled := err != nil && (errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled)

	l.mu.Lock()
	l.inflight = false
	cancel()
	if l.closed {
		l.mu.Unlock()
		return nil
	}

	var next State[T]
	switch {
	case err == nil:
		next = State[T]{Data: data}
	case canceled:
		glog.V(5).Infof("fetch: %s canceled", l.name)
		next = State[T]{Data: l.state.Data}
		err = nil
	default:
		glog.Errorf("fetch: %s error: %v", l.name, err)
		next = State[T]{Err: err}
	}
	notify := l.setLocked(next)
	l.mu.Unlock()
	notify()
	return err
}

// Refetch starts a load in the background, unless one is in flight.
func (l *Loader[T]) Refetch() {
	ctx, cancel, ok := l.begin(context.Background(), true)
	if !ok {
		return
	}

	go func() {
		defer l.wg.Done()
		_ = l.run(ctx, cancel)
	}()
}

// Abort cancels the load in flight, if any.
func (l *Loader[T]) Abort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
}

// Close aborts the load in flight and waits for background loads. The state
// is frozen afterwards.
func (l *Loader[T]) Close() {
	l.mu.Lock()
	l.closed = true
	l.onChange = nil
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

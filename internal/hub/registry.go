// Package hub fans values out to in-process listeners. Values are dispatched
// one at a time in publish order; a Publish made during a dispatch is queued
// and drained by the dispatching goroutine.
package hub

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

type Handler[T any] func(T) error

type FailureRecorder interface {
	ListenerFailed(registry, listener string)
}

type Subscription struct {
	id     uint64
	name   string
	active atomic.Bool
}

func (s *Subscription) Name() string { return s.name }

type entry[T any] struct {
	sub *Subscription
	fn  Handler[T]
}

type Registry[T any] struct {
	name     string
	log      *slog.Logger
	failures FailureRecorder

	mu          sync.Mutex
	subs        []entry[T]
	nextID      uint64
	queue       []T
	dispatching bool
}

func NewRegistry[T any](name string, logger *slog.Logger, failures FailureRecorder) *Registry[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry[T]{name: name, log: logger, failures: failures}
}

func (r *Registry[T]) Subscribe(name string, fn Handler[T]) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := &Subscription{id: r.nextID, name: name}
	sub.active.Store(true)
	r.subs = append(r.subs, entry[T]{sub: sub, fn: fn})
	return sub
}

// Unsubscribe removes sub, including from a dispatch already in progress.
func (r *Registry[T]) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sub.active.Store(false)
	for i, e := range r.subs {
		if e.sub == sub {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Registry[T]) Publish(v T) {
	r.mu.Lock()
	r.queue = append(r.queue, v)
	if r.dispatching {
		r.mu.Unlock()
		return
	}
	r.dispatching = true
	var zero T
	for len(r.queue) > 0 {
		next := r.queue[0]
		r.queue[0] = zero
		r.queue = r.queue[1:]
		targets := append([]entry[T](nil), r.subs...)
		r.mu.Unlock()

		for _, e := range targets {
			if !e.sub.active.Load() {
				continue
			}
			r.deliver(e, next)
		}

		r.mu.Lock()
	}
	r.queue = nil
	r.dispatching = false
	r.mu.Unlock()
}

func (r *Registry[T]) deliver(e entry[T], v T) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("listener panicked", "registry", r.name, "listener", e.sub.name, "panic", fmt.Sprint(p))
			r.recordFailure(e.sub.name)
		}
	}()
	if err := e.fn(v); err != nil {
		r.log.Warn("listener failed", "registry", r.name, "listener", e.sub.name, "err", err)
		r.recordFailure(e.sub.name)
	}
}

func (r *Registry[T]) recordFailure(listener string) {
	if r.failures != nil {
		r.failures.ListenerFailed(r.name, listener)
	}
}

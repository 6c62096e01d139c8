package messaging

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/andreasstove999/marketplace-saga/internal/events"
)

// Subscriber is satisfied by *Channel.
type Subscriber interface {
	Subscribe(t events.Type, h HandlerFunc) error
}

// Registry is the static eventType -> handlers table of one service. It is
// filled at startup and bound to the channel once.
type Registry struct {
	routes map[events.Type][]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{routes: make(map[events.Type][]HandlerFunc)}
}

// On appends handlers for t.
func (r *Registry) On(t events.Type, handlers ...HandlerFunc) *Registry {
	r.routes[t] = append(r.routes[t], handlers...)
	return r
}

// Types returns the registered event types in a stable order.
func (r *Registry) Types() []events.Type {
	out := make([]events.Type, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Handlers(t events.Type) []HandlerFunc {
	return r.routes[t]
}

func (r *Registry) Validate() error {
	for _, t := range r.Types() {
		if !events.Known(t) {
			return fmt.Errorf("unknown event type %q", t)
		}
		if len(r.routes[t]) == 0 {
			return fmt.Errorf("no handlers for %q", t)
		}
		for i, h := range r.routes[t] {
			if h == nil {
				return fmt.Errorf("nil handler #%d for %q", i, t)
			}
		}
	}
	return nil
}

// Bind subscribes every registered handler.
func (r *Registry) Bind(sub Subscriber) error {
	if err := r.Validate(); err != nil {
		return err
	}
	for _, t := range r.Types() {
		for _, h := range r.routes[t] {
			if err := sub.Subscribe(t, h); err != nil {
				return fmt.Errorf("bind %s: %w", t, err)
			}
		}
	}
	return nil
}

// Dispatch runs the handlers registered for env's type in-process.
func (r *Registry) Dispatch(ctx context.Context, env events.Envelope) error {
	return dispatch(ctx, env, r.routes[env.EventType])
}

// dispatch runs all handlers concurrently and waits for every one of them.
func dispatch(ctx context.Context, env events.Envelope, handlers []HandlerFunc) error {
	switch len(handlers) {
	case 0:
		return nil
	case 1:
		return safeCall(ctx, env, handlers[0])
	}
	var g errgroup.Group
	for _, h := range handlers {
		g.Go(func() error { return safeCall(ctx, env, h) })
	}
	return g.Wait()
}

func safeCall(ctx context.Context, env events.Envelope, h HandlerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on %s: %v", env.EventType, r)
		}
	}()
	return h(ctx, env)
}

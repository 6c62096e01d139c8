package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/andreasstove999/marketplace-saga/internal/events"
)

// Publisher records published envelopes in memory.
type Publisher struct {
	Source string

	mu        sync.Mutex
	published []events.Envelope
	failures  map[events.Type]error
}

func NewPublisher(source string) *Publisher {
	return &Publisher{Source: source, failures: map[events.Type]error{}}
}

// FailOn makes every publish of t return err. A nil err clears it.
func (p *Publisher) FailOn(t events.Type, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, t)
		return
	}
	p.failures[t] = err
}

func (p *Publisher) Publish(ctx context.Context, t events.Type, meta events.Meta, data any) (events.Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failures[t]; err != nil {
		return events.Envelope{}, err
	}
	env, err := events.New(t, p.Source, meta, data)
	if err != nil {
		return events.Envelope{}, err
	}
	p.published = append(p.published, env)
	return env, nil
}

func (p *Publisher) Envelopes() []events.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Envelope, len(p.published))
	copy(out, p.published)
	return out
}

func (p *Publisher) Types() []events.Type {
	envs := p.Envelopes()
	out := make([]events.Type, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.EventType)
	}
	return out
}

// Of returns every envelope of type t in publish order.
func (p *Publisher) Of(t events.Type) []events.Envelope {
	var out []events.Envelope
	for _, e := range p.Envelopes() {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

func (p *Publisher) Count(t events.Type) int {
	return len(p.Of(t))
}

func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = nil
}

// Envelope builds an inbound envelope for handler tests.
func Envelope(t events.Type, meta events.Meta, data any) events.Envelope {
	env, err := events.New(t, "test", meta, data)
	if err != nil {
		panic(fmt.Sprintf("build %s envelope: %v", t, err))
	}
	return env
}

// DecodeData unmarshals the data of env into a new T.
func DecodeData[T any](env events.Envelope) (T, error) {
	var v T
	err := json.Unmarshal(env.Data, &v)
	return v, err
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Envelope is the wire payload handed to a handler for one delivery attempt.
type Envelope struct {
	JobID   string          `json:"jobId"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
	IsRetry bool            `json:"isRetry"`
}

// Handler executes deliveries of one job type. Returning nil acknowledges the
// delivery; any error schedules a retry or dead-letters the job depending on
// the remaining attempt budget.
type Handler interface {
	Type() string
	Execute(ctx context.Context, job Envelope) error
}

// HandlerFunc adapts a function to a Handler for a fixed job type.
func HandlerFunc(jobType string, fn func(ctx context.Context, job Envelope) error) Handler {
	return funcHandler{jobType: jobType, fn: fn}
}

type funcHandler struct {
	jobType string
	fn      func(ctx context.Context, job Envelope) error
}

func (h funcHandler) Type() string { return h.jobType }

func (h funcHandler) Execute(ctx context.Context, job Envelope) error { return h.fn(ctx, job) }

// Registry maps job types to handlers. It is built once at startup and never
// mutated afterwards, so lookups need no locking.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a registry from the given handlers. Empty types and
// duplicate registrations are wiring bugs and fail loudly.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		if h == nil {
			return nil, errors.New("nil handler")
		}
		t := h.Type()
		if t == "" {
			return nil, errors.New("handler with empty job type")
		}
		if _, dup := r.handlers[t]; dup {
			return nil, fmt.Errorf("duplicate handler for job type %q", t)
		}
		r.handlers[t] = h
	}
	return r, nil
}

// MustRegistry is NewRegistry for wiring done at process start.
func MustRegistry(handlers ...Handler) *Registry {
	r, err := NewRegistry(handlers...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the handler for jobType.
func (r *Registry) Lookup(jobType string) (Handler, bool) {
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

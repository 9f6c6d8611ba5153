package gateway

import (
	"context"
	"encoding/json"
	"sync"
)

// Envelope is the JSON frame exchanged with clients.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    string          `json:"id,omitempty"`
}

// outbound is a frame queued for the write pump.
type outbound struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
	ID    string      `json:"id,omitempty"`
}

type errorData struct {
	Category string `json:"category"`
	Ref      string `json:"ref,omitempty"`
}

// Event names handled by the gateway itself.
const (
	EventSubscribe    = "subscribe"
	EventUnsubscribe  = "unsubscribe"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventError        = "error"
)

// Inbound is an event that passed the event gate. Data is the payload after
// sanitization.
type Inbound struct {
	Name string
	Data json.RawMessage
	ID   string
}

// Handler processes accepted events. A validation GateError is acknowledged
// with its message as the category; any other error as "internal error".
type Handler interface {
	HandleEvent(ctx context.Context, s *Session, ev Inbound) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, s *Session, ev Inbound) error

func (f HandlerFunc) HandleEvent(ctx context.Context, s *Session, ev Inbound) error {
	return f(ctx, s, ev)
}

// Router maps event names to handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Handle registers h for event.
func (r *Router) Handle(event string, h Handler) {
	r.mu.Lock()
	r.handlers[event] = h
	r.mu.Unlock()
}

// HandleFunc registers f for event.
func (r *Router) HandleFunc(event string, f func(ctx context.Context, s *Session, ev Inbound) error) {
	r.Handle(event, HandlerFunc(f))
}

// Fallback sets the handler for events without a registration.
func (r *Router) Fallback(h Handler) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

func (r *Router) lookup(event string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[event]; ok {
		return h
	}
	return r.fallback
}

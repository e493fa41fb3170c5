// Package streaming is the in-process publish/subscribe router used for
// fan-out notifications between actors and workflow nodes.
package streaming

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentloom/internal/observe"
)

// Envelope kinds.
const (
	KindBroadcast = "broadcast"
	KindDirect    = "direct"
)

// Envelope wraps a routed payload.
type Envelope struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	Kind      string         `json:"kind"`
	Topic     string         `json:"topic"`
	Payload   any            `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	Headers   map[string]any `json:"headers,omitempty"`
}

// Handler receives envelopes synchronously on the publisher's goroutine.
type Handler func(Envelope)

// Subscription identifies one registered handler.
type Subscription struct {
	Topic  string
	Direct bool
	cancel func()
}

// Unsubscribe removes the handler. Safe to call more than once and from
// within the handler itself.
func (s *Subscription) Unsubscribe() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

const defaultChannelBuffer = 64

// Router fans envelopes out to topic and actor subscribers. Handlers for a
// topic fire in registration order.
type Router struct {
	mu     sync.Mutex
	topics map[string]*observe.List[Envelope]
	direct map[string]*observe.List[Envelope]
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{
		topics: make(map[string]*observe.List[Envelope]),
		direct: make(map[string]*observe.List[Envelope]),
	}
}

// Publish broadcasts payload to every subscriber of topic and returns the
// envelope that was delivered.
func (r *Router) Publish(topic string, payload any, sessionID string) Envelope {
	env := newEnvelope(KindBroadcast, topic, payload, sessionID)
	r.dispatch(r.topics, topic, env)
	return env
}

// SendTo delivers payload to the subscribers of a single actor.
func (r *Router) SendTo(actorID string, payload any, sessionID string) Envelope {
	env := newEnvelope(KindDirect, actorID, payload, sessionID)
	r.dispatch(r.direct, actorID, env)
	return env
}

// Subscribe registers h for broadcasts on topic.
func (r *Router) Subscribe(topic string, h Handler) *Subscription {
	return r.subscribe(r.topics, topic, false, h)
}

// SubscribeActor registers h for direct messages to actorID.
func (r *Router) SubscribeActor(actorID string, h Handler) *Subscription {
	return r.subscribe(r.direct, actorID, true, h)
}

// SubscribeChan delivers broadcasts on topic to a buffered channel. Envelopes
// are dropped when the channel is full so a slow reader never blocks
// publishers. The returned function unsubscribes; the channel is not closed.
func (r *Router) SubscribeChan(topic string, buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	ch := make(chan Envelope, buffer)
	sub := r.Subscribe(topic, func(env Envelope) {
		select {
		case ch <- env:
		default:
		}
	})
	return ch, sub.Unsubscribe
}

// Unsubscribe removes a subscription.
func (r *Router) Unsubscribe(sub *Subscription) {
	sub.Unsubscribe()
}

// Topics returns the number of topics and actors with at least one subscriber.
func (r *Router) Topics() (topics, actors int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics), len(r.direct)
}

func (r *Router) subscribe(set map[string]*observe.List[Envelope], key string, direct bool, h Handler) *Subscription {
	r.mu.Lock()
	l, ok := set[key]
	if !ok {
		l = &observe.List[Envelope]{}
		set[key] = l
	}
	unsub := l.Subscribe(h)
	r.mu.Unlock()

	return &Subscription{
		Topic:  key,
		Direct: direct,
		cancel: func() {
			unsub()
			r.mu.Lock()
			if set[key] == l && l.Len() == 0 {
				delete(set, key)
			}
			r.mu.Unlock()
		},
	}
}

func (r *Router) dispatch(set map[string]*observe.List[Envelope], key string, env Envelope) {
	r.mu.Lock()
	l := set[key]
	r.mu.Unlock()
	if l != nil {
		l.Emit(env)
	}
}

func newEnvelope(kind, topic string, payload any, sessionID string) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

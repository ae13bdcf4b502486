package engine

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mobilemsg/pushbox/internal/message"
)

// MessageListener consumes inbound messages for one (channel, subchannel)
// registration.
type MessageListener interface {
	MessageReceived(m *message.Message)
}

// MessageListenerFunc adapts a plain function to MessageListener.
type MessageListenerFunc func(m *message.Message)

func (f MessageListenerFunc) MessageReceived(m *message.Message) { f(m) }

// StoreEvent describes an inbox mutation broadcast to store listeners.
type StoreEvent int

const (
	EventCreate StoreEvent = iota
	EventUpdate
	EventDelete
)

func (e StoreEvent) String() string {
	switch e {
	case EventCreate:
		return "create"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	}
	return "unknown"
}

// StoreListener observes every inbox mutation, unscoped by address.
type StoreListener interface {
	StoreChanged(ev StoreEvent, m *message.Message)
}

type StoreListenerFunc func(ev StoreEvent, m *message.Message)

func (f StoreListenerFunc) StoreChanged(ev StoreEvent, m *message.Message) { f(ev, m) }

// OutboxStatus is the progress notification emitted per send attempt.
type OutboxStatus int

const (
	StatusSending OutboxStatus = iota
	StatusSent
	StatusFailed
	StatusFailedWillRetry
)

func (s OutboxStatus) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	case StatusFailedWillRetry:
		return "failed_will_retry"
	}
	return "unknown"
}

// OutboxListener observes send-attempt progress, unscoped by address.
type OutboxListener interface {
	OutboxChanged(status OutboxStatus, m *message.Message)
}

type OutboxListenerFunc func(status OutboxStatus, m *message.Message)

func (f OutboxListenerFunc) OutboxChanged(status OutboxStatus, m *message.Message) { f(status, m) }

type address struct {
	channel    string
	subchannel string
}

// inboundRegistry maps callback ids to (channel, subchannel) registrations.
// Registering an id that already exists replaces the prior registration.
// Lookups return snapshots so dispatch never iterates live maps.
type inboundRegistry struct {
	log *zap.Logger

	mu        sync.Mutex
	addrs     map[string]address
	listeners map[string]MessageListener
	// channel -> subchannel -> callback ids in registration order
	buckets map[string]map[string][]string
}

func newInboundRegistry(log *zap.Logger) *inboundRegistry {
	return &inboundRegistry{
		log:       log,
		addrs:     make(map[string]address),
		listeners: make(map[string]MessageListener),
		buckets:   make(map[string]map[string][]string),
	}
}

func (r *inboundRegistry) Register(callbackID, channel, subchannel string, l MessageListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.addrs[callbackID]; exists {
		r.log.Warn("replacing existing listener registration", zap.String("callback", callbackID))
		r.removeLocked(callbackID)
	}
	r.addrs[callbackID] = address{channel: channel, subchannel: subchannel}
	r.listeners[callbackID] = l
	if r.buckets[channel] == nil {
		r.buckets[channel] = make(map[string][]string)
	}
	r.buckets[channel][subchannel] = append(r.buckets[channel][subchannel], callbackID)
}

func (r *inboundRegistry) Unregister(callbackID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(callbackID)
}

func (r *inboundRegistry) UnregisterAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.addrs {
		r.removeLocked(id)
	}
}

func (r *inboundRegistry) removeLocked(callbackID string) {
	addr, ok := r.addrs[callbackID]
	if !ok {
		return
	}
	delete(r.addrs, callbackID)
	delete(r.listeners, callbackID)
	subs := r.buckets[addr.channel]
	ids := subs[addr.subchannel]
	for i, id := range ids {
		if id == callbackID {
			subs[addr.subchannel] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(subs[addr.subchannel]) == 0 {
		delete(subs, addr.subchannel)
	}
	if len(subs) == 0 {
		delete(r.buckets, addr.channel)
	}
}

// Lookup returns the listeners for (channel, subchannel) followed by the
// wildcard listeners for (channel, ""). No de-dup is performed across the
// two sets; a listener present in both is invoked once per set.
func (r *inboundRegistry) Lookup(channel, subchannel string) []MessageListener {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.buckets[channel]
	if subs == nil {
		return nil
	}
	var out []MessageListener
	for _, id := range subs[subchannel] {
		out = append(out, r.listeners[id])
	}
	if subchannel != "" {
		for _, id := range subs[""] {
			out = append(out, r.listeners[id])
		}
	}
	return out
}

// observerMap is a callback-id keyed registry whose snapshots preserve
// registration order. Used for the unscoped store and outbox observers.
type observerMap[T any] struct {
	mu    sync.Mutex
	order []string
	m     map[string]T
}

func newObserverMap[T any]() *observerMap[T] {
	return &observerMap[T]{m: make(map[string]T)}
}

func (o *observerMap[T]) Register(callbackID string, obs T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.m[callbackID]; !exists {
		o.order = append(o.order, callbackID)
	}
	o.m[callbackID] = obs
}

func (o *observerMap[T]) Unregister(callbackID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.m[callbackID]; !exists {
		return
	}
	delete(o.m, callbackID)
	for i, id := range o.order {
		if id == callbackID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

func (o *observerMap[T]) Snapshot() []T {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]T, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.m[id])
	}
	return out
}

package provider

import (
	"context"
	"sync"

	"github.com/mobilemsg/pushbox/internal/message"
)

// Null is the fallback provider resolved when no real transport matches.
// Every send fails without retry so misrouted messages drain out of the
// outbox instead of wedging it.
type Null struct {
	mu       sync.Mutex
	observer Observer
}

func NewNull() *Null { return &Null{} }

func (n *Null) Name() string                    { return "null" }
func (n *Null) Configure(string) error          { return nil }
func (n *Null) SubscribeChannel(string) error   { return nil }
func (n *Null) UnsubscribeChannel(string) error { return nil }
func (n *Null) Stop()                           {}
func (n *Null) SetNetworkConnected(bool)        {}

func (n *Null) SetObserver(o Observer) {
	n.mu.Lock()
	n.observer = o
	n.mu.Unlock()
}

func (n *Null) Start(context.Context) error {
	n.mu.Lock()
	o := n.observer
	n.mu.Unlock()
	if o != nil {
		o.ConnectionStateChanged(n.Name(), StateUnconfigured)
	}
	return nil
}

func (n *Null) SendMessage(_ context.Context, m *message.Message) (SendResult, error) {
	return SendFailedDoNotRetry, ErrPermanent
}

func (n *Null) CheckOnce(_ context.Context, onComplete func()) {
	if onComplete != nil {
		onComplete()
	}
}

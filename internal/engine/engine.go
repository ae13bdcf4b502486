package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mobilemsg/pushbox/internal/message"
	"github.com/mobilemsg/pushbox/internal/provider"
	"github.com/mobilemsg/pushbox/internal/store"
)

const (
	// DefaultSendInterval is the recurring outbox drain period.
	DefaultSendInterval = 60 * time.Second
	// DefaultReconnectAttempts bounds the limited send schedule started on
	// network reconnect.
	DefaultReconnectAttempts = 3
)

// Notifier is the platform popup side channel. Popup raises a background
// notification, Broadcast delivers into a foreground UI, Clear removes a
// previously raised popup for a deleted message.
type Notifier interface {
	Popup(m *message.Message)
	Broadcast(m *message.Message)
	Clear(messageID string)
}

type nopNotifier struct{}

func (nopNotifier) Popup(*message.Message)     {}
func (nopNotifier) Broadcast(*message.Message) {}
func (nopNotifier) Clear(string)               {}

// Epochs are the local validity clocks (epoch millis). An inbound message
// dated at or before any non-zero epoch is stale and dropped: it was
// captured before the current installation's logical lifetime began.
type Epochs struct {
	WipedAt      int64
	InstalledAt  int64
	ConfiguredAt int64
}

// Options configures an Engine. Store and Providers are required.
type Options struct {
	Store     store.Store
	Providers *provider.Registry
	Logger    *zap.Logger
	Notifier  Notifier
	// Silent classifies messages handled without listener fan-out.
	Silent func(m *message.Message) bool
	// PreferPopup forces the popup path even when a foreground UI is
	// available to take a broadcast.
	PreferPopup  bool
	SendInterval time.Duration
	Epochs       Epochs
	// HardDeleteProviders names providers that keep no server-side copy;
	// deleting their messages removes the row outright.
	HardDeleteProviders []string
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Notifier == nil {
		o.Notifier = nopNotifier{}
	}
	if o.Silent == nil {
		o.Silent = func(*message.Message) bool { return false }
	}
	if o.SendInterval <= 0 {
		o.SendInterval = DefaultSendInterval
	}
	if o.HardDeleteProviders == nil {
		o.HardDeleteProviders = []string{"rest"}
	}
	return o
}

// Engine owns the outbox/inbox lifecycle: enqueue, scheduled single-flight
// drains, provider resolution, inbound dispatch with dedup and validity
// gating, and the three listener registries.
type Engine struct {
	log       *zap.Logger
	store     store.Store
	providers *provider.Registry
	notifier  Notifier
	silent    func(*message.Message) bool
	interval  time.Duration
	hardDel   map[string]bool

	inbound   *inboundRegistry
	storeObs  *observerMap[StoreListener]
	outboxObs *observerMap[OutboxListener]

	mu          sync.Mutex
	epochs      Epochs
	preferPopup bool
	uiAvailable bool
	started     bool

	baseCtx context.Context
	cancel  context.CancelFunc

	// drain single-flight guard
	drainMu  sync.Mutex
	draining bool

	schedMu       sync.Mutex
	sendCancel    context.CancelFunc
	limitedCancel context.CancelFunc
}

// New builds an Engine and attaches it as the provider registry's observer.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Providers == nil {
		return nil, errors.New("engine: provider registry is required")
	}
	opts = opts.withDefaults()
	e := &Engine{
		log:       opts.Logger.Named("engine"),
		store:     opts.Store,
		providers: opts.Providers,
		notifier:  opts.Notifier,
		silent:    opts.Silent,
		interval:  opts.SendInterval,
		hardDel:   make(map[string]bool, len(opts.HardDeleteProviders)),
		inbound:   newInboundRegistry(opts.Logger.Named("listeners")),
		storeObs:  newObserverMap[StoreListener](),
		outboxObs: newObserverMap[OutboxListener](),
		epochs:    opts.Epochs,
	}
	e.preferPopup = opts.PreferPopup
	for _, name := range opts.HardDeleteProviders {
		e.hardDel[name] = true
	}
	e.providers.SetObserver(e)
	return e, nil
}

// Start brings up every registered provider and the recurring send
// schedule. The context bounds all engine background work.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.baseCtx, e.cancel = context.WithCancel(ctx)
	e.started = true
	e.mu.Unlock()

	for _, p := range e.providers.All() {
		if err := p.Start(e.baseCtx); err != nil {
			e.log.Warn("provider start failed", zap.String("provider", p.Name()), zap.Error(err))
		}
	}
	e.StartSendSchedule()
	return nil
}

// Close stops schedules, providers and background work. Safe to call twice.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	e.StopSendSchedule()
	e.StopLimitedSendSchedule()
	for _, p := range e.providers.All() {
		p.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) ctx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.baseCtx != nil {
		return e.baseCtx
	}
	return context.Background()
}

// SendPushMessage validates and persists an outbound message, then kicks
// the send schedule. Send failures surface only through outbox listeners;
// the only synchronous failures here are validation and store errors.
func (e *Engine) SendPushMessage(ctx context.Context, m *message.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := e.store.AddOutboxMessage(ctx, m); err != nil {
		return fmt.Errorf("queueing message: %w", err)
	}
	e.log.Debug("message queued",
		zap.String("id", m.ID),
		zap.String("channel", m.Channel),
		zap.String("provider", m.Provider))
	e.StartSendSchedule()
	return nil
}

// OutboxMessages lists the messages still awaiting delivery.
func (e *Engine) OutboxMessages(ctx context.Context) ([]*message.Message, error) {
	return e.store.OutboxMessages(ctx)
}

// AddChannel registers a channel and subscribes the default provider to it.
func (e *Engine) AddChannel(ctx context.Context, name string) error {
	if err := e.store.AddChannel(ctx, name); err != nil {
		return err
	}
	if err := e.providers.Default().SubscribeChannel(name); err != nil {
		e.log.Warn("channel subscribe failed", zap.String("channel", name), zap.Error(err))
	}
	return nil
}

// RemoveChannel unsubscribes every provider and cascades the store removal.
func (e *Engine) RemoveChannel(ctx context.Context, name string) error {
	for _, p := range e.providers.All() {
		if err := p.UnsubscribeChannel(name); err != nil {
			e.log.Warn("channel unsubscribe failed",
				zap.String("provider", p.Name()), zap.String("channel", name), zap.Error(err))
		}
	}
	return e.store.RemoveChannel(ctx, name)
}

func (e *Engine) Channels(ctx context.Context) ([]string, error) {
	return e.store.Channels(ctx)
}

func (e *Engine) Message(ctx context.Context, id string) (*message.Message, error) {
	return e.store.Message(ctx, id)
}

func (e *Engine) InboxMessages(ctx context.Context, channel, subchannel string) ([]*message.Message, error) {
	return e.store.InboxMessages(ctx, channel, subchannel)
}

func (e *Engine) UndeliveredMessages(ctx context.Context, channel, subchannel, receiver string) ([]*message.Message, error) {
	return e.store.UndeliveredMessages(ctx, channel, subchannel, receiver)
}

// DeleteMessage soft-deletes an inbox message, hard-deleting when its
// provider keeps no server-side copy. Clears any popup and broadcasts a
// DELETE store event.
func (e *Engine) DeleteMessage(ctx context.Context, id string) error {
	m, err := e.store.Message(ctx, id)
	if err != nil {
		return err
	}
	hard := e.hardDel[m.Provider]
	if err := e.store.RemoveInboxMessage(ctx, id, hard); err != nil {
		return err
	}
	e.notifier.Clear(id)
	for _, l := range e.storeObs.Snapshot() {
		l.StoreChanged(EventDelete, m)
	}
	return nil
}

// AckMessageReceipt records that a receiver consumed a message and
// broadcasts an UPDATE store event. Unknown ids are reported, not errors.
func (e *Engine) AckMessageReceipt(ctx context.Context, receiver, messageID string) (bool, error) {
	known, err := e.store.MessageDelivered(ctx, messageID, receiver)
	if err != nil || !known {
		return known, err
	}
	m, err := e.store.Message(ctx, messageID)
	if err != nil {
		// Receipt landed; the UPDATE broadcast is best effort.
		e.log.Warn("acked message not readable", zap.String("id", messageID), zap.Error(err))
		return true, nil
	}
	for _, l := range e.storeObs.Snapshot() {
		l.StoreChanged(EventUpdate, m)
	}
	return true, nil
}

// RegisterMessageListener replays all undelivered, unexpired messages for
// the registration's address to the listener, then registers it for live
// dispatch. The callback id doubles as the delivery-receipt receiver id.
func (e *Engine) RegisterMessageListener(ctx context.Context, callbackID, channel, subchannel string, l MessageListener) error {
	pending, err := e.store.UndeliveredMessages(ctx, channel, subchannel, callbackID)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if m.Expired() {
			continue
		}
		l.MessageReceived(m)
	}
	e.inbound.Register(callbackID, channel, subchannel, l)
	return nil
}

func (e *Engine) CancelMessageListener(callbackID string) {
	e.inbound.Unregister(callbackID)
}

func (e *Engine) CancelAllMessageListeners() {
	e.inbound.UnregisterAll()
}

// RegisterStoreListener replays undelivered messages across all channels
// as CREATE events, then registers the listener.
func (e *Engine) RegisterStoreListener(ctx context.Context, callbackID string, l StoreListener) error {
	pending, err := e.store.AllUndeliveredMessages(ctx, callbackID)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if m.Expired() {
			continue
		}
		l.StoreChanged(EventCreate, m)
	}
	e.storeObs.Register(callbackID, l)
	return nil
}

func (e *Engine) CancelStoreListener(callbackID string) {
	e.storeObs.Unregister(callbackID)
}

func (e *Engine) RegisterOutboxListener(callbackID string, l OutboxListener) {
	e.outboxObs.Register(callbackID, l)
}

func (e *Engine) CancelOutboxListener(callbackID string) {
	e.outboxObs.Unregister(callbackID)
}

// SetDefaultProvider names the provider used for messages without one.
func (e *Engine) SetDefaultProvider(name string) {
	e.providers.SetDefault(name)
}

// SetNetworkConnected forwards the network state to every provider and, on
// reconnect, runs a bounded burst of drain attempts.
func (e *Engine) SetNetworkConnected(connected bool) {
	for _, p := range e.providers.All() {
		p.SetNetworkConnected(connected)
	}
	if connected {
		e.StartLimitedSendSchedule(DefaultReconnectAttempts)
	}
}

// SetUIAvailable records whether a foreground UI exists, which steers
// notification routing and provider re-auth classification.
func (e *Engine) SetUIAvailable(available bool) {
	e.mu.Lock()
	e.uiAvailable = available
	e.mu.Unlock()
	for _, p := range e.providers.All() {
		if ui, ok := p.(interface{ SetUIAvailable(bool) }); ok {
			ui.SetUIAvailable(available)
		}
	}
}

// SetEpochs installs fresh validity clocks (after a wipe or reprovision).
func (e *Engine) SetEpochs(ep Epochs) {
	e.mu.Lock()
	e.epochs = ep
	e.mu.Unlock()
}

// DoSingleCheck triggers one drain plus one bounded receive pass on every
// provider, invoking onComplete once after every provider reports done.
func (e *Engine) DoSingleCheck(onComplete func()) {
	e.triggerSend()
	providers := e.providers.All()
	if len(providers) == 0 {
		if onComplete != nil {
			onComplete()
		}
		return
	}
	var wg sync.WaitGroup
	wg.Add(len(providers))
	for _, p := range providers {
		var once sync.Once
		p.CheckOnce(e.ctx(), func() {
			once.Do(wg.Done)
		})
	}
	go func() {
		wg.Wait()
		if onComplete != nil {
			onComplete()
		}
	}()
}

// DoExpiryHousekeeping removes expired inbox messages. Rows that never
// expire are untouched.
func (e *Engine) DoExpiryHousekeeping(ctx context.Context) error {
	return e.store.ClearExpiredMessages(ctx)
}

// ConnectionStateChanged implements provider.Observer.
func (e *Engine) ConnectionStateChanged(name string, s provider.State) {
	e.log.Info("provider state", zap.String("provider", name), zap.Stringer("state", s))
}

func (e *Engine) notifyOutbox(status OutboxStatus, m *message.Message) {
	for _, l := range e.outboxObs.Snapshot() {
		l.OutboxChanged(status, m)
	}
}

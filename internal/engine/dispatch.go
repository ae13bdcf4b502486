package engine

import (
	"errors"

	"go.uber.org/zap"

	"github.com/mobilemsg/pushbox/internal/message"
	"github.com/mobilemsg/pushbox/internal/metrics"
	"github.com/mobilemsg/pushbox/internal/store"
)

// MessageReceived implements provider.Observer: it accepts one inbound
// message and fans it out exactly once to each interested consumer, with
// validity gating and id-level dedup. Providers call this concurrently
// from their receive loops.
func (e *Engine) MessageReceived(m *message.Message) {
	ctx := e.ctx()
	log := e.log.With(zap.String("id", m.ID), zap.String("channel", m.Channel))

	if reason, stale := e.staleness(m); stale {
		log.Info("dropping stale message", zap.String("epoch", reason))
		metrics.InboundReceived.WithLabelValues("stale").Inc()
		return
	}

	if err := m.Validate(); err != nil {
		log.Warn("dropping invalid inbound message", zap.Error(err))
		metrics.InboundReceived.WithLabelValues("store_error").Inc()
		return
	}

	// Dedup: provider retries and duplicate deliveries must not
	// double-notify.
	if _, err := e.store.Message(ctx, m.ID); err == nil {
		log.Debug("dropping duplicate message")
		metrics.InboundReceived.WithLabelValues("duplicate").Inc()
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Error("dedup lookup failed", zap.Error(err))
		metrics.InboundReceived.WithLabelValues("store_error").Inc()
		return
	}

	if m.Expired() {
		log.Info("dropping expired message", zap.Int64("expiry", m.Expiry))
		metrics.InboundReceived.WithLabelValues("expired").Inc()
		return
	}

	if err := e.store.AddInboxMessage(ctx, m); err != nil {
		log.Error("inbox persist failed", zap.Error(err))
		metrics.InboundReceived.WithLabelValues("store_error").Inc()
		return
	}

	if e.silent(m) {
		if m.Notification != "" {
			e.notifier.Popup(m)
		}
		if err := e.store.RemoveInboxMessage(ctx, m.ID, true); err != nil {
			log.Warn("removing silently handled message failed", zap.Error(err))
		}
		metrics.InboundReceived.WithLabelValues("silent").Inc()
		return
	}

	for _, l := range e.storeObs.Snapshot() {
		l.StoreChanged(EventCreate, m)
	}

	if m.Notification != "" {
		e.mu.Lock()
		broadcast := e.uiAvailable && !e.preferPopup
		e.mu.Unlock()
		if broadcast {
			e.notifier.Broadcast(m)
		} else {
			e.notifier.Popup(m)
		}
	}

	// Exact-match listeners first, then wildcard registrations on the
	// channel; each resolved listener is invoked once, synchronously, in
	// registration order.
	for _, l := range e.inbound.Lookup(m.Channel, m.Subchannel) {
		l.MessageReceived(m)
		metrics.ListenerFanout.Inc()
	}
	metrics.InboundReceived.WithLabelValues("delivered").Inc()
}

// staleness applies the validity epochs: a message dated at or before a
// non-zero wipe, install or configure time predates this installation's
// logical lifetime and must not replay.
func (e *Engine) staleness(m *message.Message) (string, bool) {
	e.mu.Lock()
	ep := e.epochs
	e.mu.Unlock()
	switch {
	case ep.WipedAt != 0 && ep.WipedAt >= m.Date:
		return "wiped", true
	case ep.InstalledAt != 0 && ep.InstalledAt >= m.Date:
		return "installed", true
	case ep.ConfiguredAt != 0 && ep.ConfiguredAt >= m.Date:
		return "configured", true
	}
	return "", false
}

package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mobilemsg/pushbox/internal/metrics"
	"github.com/mobilemsg/pushbox/internal/provider"
)

// StartSendSchedule (re)starts the recurring drain timer. The first drain
// fires immediately; any existing recurring timer is cancelled first.
func (e *Engine) StartSendSchedule() {
	e.schedMu.Lock()
	if e.sendCancel != nil {
		e.sendCancel()
	}
	ctx, cancel := context.WithCancel(e.ctx())
	e.sendCancel = cancel
	e.schedMu.Unlock()

	go e.runSchedule(ctx, -1)
}

// StartLimitedSendSchedule starts an independent recurring timer that
// self-cancels after maxAttempts firings. Used for bursts such as network
// reconnect. Replaces any existing limited timer.
func (e *Engine) StartLimitedSendSchedule(maxAttempts int) {
	if maxAttempts <= 0 {
		return
	}
	e.schedMu.Lock()
	if e.limitedCancel != nil {
		e.limitedCancel()
	}
	ctx, cancel := context.WithCancel(e.ctx())
	e.limitedCancel = cancel
	e.schedMu.Unlock()

	go e.runSchedule(ctx, maxAttempts)
}

// StopSendSchedule cancels the recurring timer. No-op when not running.
func (e *Engine) StopSendSchedule() {
	e.schedMu.Lock()
	if e.sendCancel != nil {
		e.sendCancel()
		e.sendCancel = nil
	}
	e.schedMu.Unlock()
}

// StopLimitedSendSchedule cancels the limited timer. No-op when not running.
func (e *Engine) StopLimitedSendSchedule() {
	e.schedMu.Lock()
	if e.limitedCancel != nil {
		e.limitedCancel()
		e.limitedCancel = nil
	}
	e.schedMu.Unlock()
}

// runSchedule fires the drain trigger immediately and then on every tick.
// attempts < 0 means unlimited.
func (e *Engine) runSchedule(ctx context.Context, attempts int) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		e.triggerSend()
		if attempts > 0 {
			attempts--
			if attempts == 0 {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// triggerSend launches one drain unless a drain is already in flight.
// Concurrent triggers are dropped; the next tick covers their work.
func (e *Engine) triggerSend() {
	e.drainMu.Lock()
	if e.draining {
		e.drainMu.Unlock()
		metrics.DrainTotal.WithLabelValues("skipped").Inc()
		return
	}
	e.draining = true
	e.drainMu.Unlock()

	go func() {
		defer func() {
			e.drainMu.Lock()
			e.draining = false
			e.drainMu.Unlock()
		}()
		e.drainOnce(e.ctx())
	}()
}

// drainOnce processes the entire current outbox snapshot in store order,
// one message at a time, halting on the first retryable failure so a stuck
// message is never overtaken.
func (e *Engine) drainOnce(ctx context.Context) {
	msgs, err := e.store.OutboxMessages(ctx)
	if err != nil {
		e.log.Error("outbox fetch failed, skipping drain cycle", zap.Error(err))
		metrics.DrainTotal.WithLabelValues("store_error").Inc()
		return
	}
	metrics.OutboxPending.Set(float64(len(msgs)))
	if len(msgs) == 0 {
		// Nothing left; the timers have no work until the next enqueue.
		e.StopSendSchedule()
		e.StopLimitedSendSchedule()
		metrics.DrainTotal.WithLabelValues("empty").Inc()
		return
	}

	for _, m := range msgs {
		e.notifyOutbox(StatusSending, m)

		p := e.providers.ForMessage(m)
		start := time.Now()
		result, sendErr := p.SendMessage(ctx, m)
		metrics.ProviderSendDuration.Observe(time.Since(start).Seconds())
		metrics.ProviderSendTotal.WithLabelValues(p.Name(), result.String()).Inc()

		switch result {
		case provider.SendSuccess:
			e.notifyOutbox(StatusSent, m)
			e.removeFromOutbox(ctx, m.ID)

		case provider.SendFailedDoNotRetry:
			e.log.Warn("send failed permanently",
				zap.String("id", m.ID), zap.String("provider", p.Name()), zap.Error(sendErr))
			e.notifyOutbox(StatusFailed, m)
			e.removeFromOutbox(ctx, m.ID)

		case provider.SendFailed:
			if m.SingleAttempt() {
				e.log.Warn("single-attempt send failed",
					zap.String("id", m.ID), zap.String("provider", p.Name()), zap.Error(sendErr))
				e.notifyOutbox(StatusFailed, m)
				e.removeFromOutbox(ctx, m.ID)
				continue
			}
			e.log.Info("send failed, will retry; halting drain cycle",
				zap.String("id", m.ID), zap.String("provider", p.Name()), zap.Error(sendErr))
			e.notifyOutbox(StatusFailedWillRetry, m)
			metrics.DrainTotal.WithLabelValues("halted").Inc()
			return
		}
	}
	metrics.DrainTotal.WithLabelValues("completed").Inc()
}

func (e *Engine) removeFromOutbox(ctx context.Context, id string) {
	if err := e.store.RemoveOutboxMessage(ctx, id); err != nil {
		e.log.Error("outbox remove failed", zap.String("id", id), zap.Error(err))
	}
}

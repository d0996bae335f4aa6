package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"payment-settlement/internal/domain/ports/adapter"
	"payment-settlement/internal/domain/ports/repository"
	"payment-settlement/internal/infra/metrics"
)

const maxRetryDelay = time.Hour

// OutboxDispatcher drains the outbox into the event publisher. Delivery is at-least-once:
// a crash between publish and MarkPublished republishes the message after its lease expires.
type OutboxDispatcher struct {
	outbox    repository.OutboxRepository
	publisher adapter.EventPublisher
	interval  time.Duration
	batchSize int
	log       *zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewOutboxDispatcher(outbox repository.OutboxRepository, publisher adapter.EventPublisher, interval time.Duration, batchSize int, logger *zerolog.Logger) *OutboxDispatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	l := logger.With().Str("component", "OutboxDispatcher").Logger()
	return &OutboxDispatcher{
		outbox:    outbox,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		log:       &l,
	}
}

// Start runs the dispatch loop in a background goroutine. Calling Start twice has no effect.
func (d *OutboxDispatcher) Start(parent context.Context) {
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(ctx)
}

// Stop cancels the loop and waits for the current batch to finish.
func (d *OutboxDispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
	d.cancel = nil
}

func (d *OutboxDispatcher) loop(ctx context.Context) {
	d.log.Info().Dur("interval", d.interval).Msg("Starting outbox dispatcher")
	ticker := time.NewTicker(d.interval)
	defer func() {
		ticker.Stop()
		close(d.done)
	}()
	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("Stopping outbox dispatcher")
			return
		case <-ticker.C:
			// Keep draining while full batches come back.
			for {
				n, err := d.DispatchOnce(ctx)
				if err != nil {
					d.log.Error().Err(err).Msg("outbox claim failed")
					break
				}
				if n < d.batchSize || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// DispatchOnce claims one batch and publishes it. It returns the number of claimed messages.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	msgs, err := d.outbox.Claim(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}
	metrics.ObserveOutboxBatch(len(msgs))
	for _, m := range msgs {
		if err := d.publisher.Publish(ctx, m.Exchange, m.RoutingKey, m.Payload); err != nil {
			metrics.IncOutboxPublish("failed")
			delay := retryDelay(m.Attempts + 1)
			d.log.Warn().Err(err).Str("message_id", m.ID).Str("routing_key", m.RoutingKey).
				Int("attempts", m.Attempts+1).Dur("retry_in", delay).Msg("event publish failed")
			if mErr := d.outbox.MarkFailed(ctx, m.ID, int(delay/time.Second), err.Error()); mErr != nil {
				d.log.Error().Err(mErr).Str("message_id", m.ID).Msg("failed to record publish failure")
			}
			continue
		}
		if err := d.outbox.MarkPublished(ctx, m.ID); err != nil {
			// The lease expires and the message goes out again; consumers dedupe on payment id.
			d.log.Error().Err(err).Str("message_id", m.ID).Msg("failed to mark message published")
			continue
		}
		metrics.IncOutboxPublish("published")
		metrics.IncSettlementEvent(m.RoutingKey)
	}
	return len(msgs), nil
}

// retryDelay doubles from one second per attempt, capped at maxRetryDelay.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 12 {
		return maxRetryDelay
	}
	d := time.Second << (attempt - 1)
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

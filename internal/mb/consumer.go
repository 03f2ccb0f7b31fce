package mb

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Handler processes one delivery. Returning an error nacks-and-requeues
// the delivery (the broker-level requeue, distinct from the delayed
// requeue path in Publisher.PublishDelayed); returning nil acks it.
type Handler func(ctx context.Context, d amqp.Delivery) error

// Consumer subscribes to a single queue and dispatches deliveries to a
// Handler, re-subscribing on channel/connection loss. This is the
// mechanism behind SCM's "idempotent (re)subscribe on reconnect"
// requirement from spec.md §4.5: Run can be called again after a Stop
// without leaving stale bindings behind, because DeclareConnectorTopology
// is itself idempotent.
type Consumer struct {
	conn      *Connection
	queue     string
	prefetch  int
	consumerTag string
}

// NewConsumer creates a Consumer bound to queue on conn.
func NewConsumer(conn *Connection, queue string, consumerTag string) *Consumer {
	return &Consumer{conn: conn, queue: queue, prefetch: 1, consumerTag: consumerTag}
}

// WithPrefetch overrides the channel's QoS prefetch count (default 1,
// meaning strictly sequential delivery — appropriate for a connector
// that must respect SMPP windowing and the throughput shaper).
func (c *Consumer) WithPrefetch(n int) *Consumer {
	c.prefetch = n
	return c
}

// Run consumes deliveries until ctx is canceled, calling handler for each.
// It blocks; callers run it in its own goroutine and cancel ctx to stop.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ch, err := c.conn.Channel()
		if err != nil {
			log.Warn().Err(err).Str("queue", c.queue).Msg("mb: consumer could not open channel, retrying")
			if !sleepOrDone(ctx, reconnectDelay) {
				return ctx.Err()
			}
			continue
		}

		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			ch.Close()
			return err
		}

		deliveries, err := ch.Consume(c.queue, c.consumerTag, false, false, false, false, nil)
		if err != nil {
			ch.Close()
			log.Warn().Err(err).Str("queue", c.queue).Msg("mb: consume failed, retrying")
			if !sleepOrDone(ctx, reconnectDelay) {
				return ctx.Err()
			}
			continue
		}

		notifyClose := ch.NotifyClose(make(chan *amqp.Error, 1))

	drain:
		for {
			select {
			case <-ctx.Done():
				ch.Close()
				return ctx.Err()
			case cerr, ok := <-notifyClose:
				if ok {
					log.Warn().Err(cerr).Str("queue", c.queue).Msg("mb: channel closed, resubscribing")
				}
				break drain
			case d, ok := <-deliveries:
				if !ok {
					break drain
				}
				if err := handler(ctx, d); err != nil {
					log.Warn().Err(err).Str("queue", c.queue).Msg("mb: handler failed, requeueing delivery")
					_ = d.Nack(false, true)
					continue
				}
				_ = d.Ack(false)
			}
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

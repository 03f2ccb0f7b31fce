package mb

import (
	"context"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jasmin-go/jasmin/internal/metrics"
)

// Publisher publishes messages to the shared topic exchange. One Publisher
// is safe for concurrent use: no channel is cached, each Publish opens its
// own channel on the connection and closes it when done.
type Publisher struct {
	conn *Connection
}

// NewPublisher wraps a Connection for publishing.
func NewPublisher(conn *Connection) *Publisher {
	return &Publisher{conn: conn}
}

// Publication is a message ready to publish to the exchange.
type Publication struct {
	RoutingKey string
	Body       []byte
	Headers    amqp.Table
	Expiration string // milliseconds, per AMQP's per-message TTL convention
	MessageID  string
}

// Publish sends a persistent message to the exchange. Persistent delivery
// mode plus a durable queue means a broker restart cannot silently drop an
// in-flight submit, matching spec.md §5's durability requirement for MB.
func (p *Publisher) Publish(ctx context.Context, pub Publication) error {
	ch, err := p.conn.Channel()
	if err != nil {
		metrics.MBPublishTotal.WithLabelValues(pub.RoutingKey, "error").Inc()
		return err
	}
	defer ch.Close()

	msg := amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      pub.Headers,
		Body:         pub.Body,
		Expiration:   pub.Expiration,
		MessageId:    pub.MessageID,
	}

	if err := ch.PublishWithContext(ctx, Exchange, pub.RoutingKey, false, false, msg); err != nil {
		metrics.MBPublishTotal.WithLabelValues(pub.RoutingKey, "error").Inc()
		return err
	}
	metrics.MBPublishTotal.WithLabelValues(pub.RoutingKey, "ok").Inc()
	return nil
}

// PublishDelayed routes the message through the connector's delay
// (dead-letter) queue instead of straight to its submit queue, implementing
// the connector's requeue_delay behavior from spec.md §4.5: the message
// sits in the delay queue for ttl, then the queue's DLX config routes it
// back onto the real submit routing key automatically.
func (p *Publisher) PublishDelayed(ctx context.Context, connectorID string, ttl time.Duration, pub Publication) error {
	pub.RoutingKey = DeadLetterRoutingKey(connectorID)
	pub.Expiration = msToString(ttl)
	return p.Publish(ctx, pub)
}

func msToString(d time.Duration) string {
	ms := d.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}

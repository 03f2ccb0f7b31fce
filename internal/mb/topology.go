// Package mb implements the message bus: the AMQP topic-exchange topology
// that decouples the Router Core from the SMPP Client Manager, per
// spec.md §5's three-persistence-layer design (MB is the durable queueing
// layer; UCS and HS are the other two).
package mb

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange is the single topic exchange all gateway traffic flows through.
const Exchange = "messaging"

// Routing key conventions. A submit is published with SubmitRoutingKey(cid)
// and consumed by the queue bound to that same key; delivery receipts and
// MOs are published back toward the router with DeliverRoutingKey/DLRRoutingKey.
func SubmitRoutingKey(connectorID string) string {
	return fmt.Sprintf("submit.sm.%s", connectorID)
}

func DeliverRoutingKey(connectorID string) string {
	return fmt.Sprintf("deliver.sm.%s", connectorID)
}

func DLRRoutingKey(connectorID string) string {
	return fmt.Sprintf("dlr.%s", connectorID)
}

// DeadLetterRoutingKey is used for the delayed-requeue dead-letter path
// backing the connector's requeue_delay behavior (spec.md §4.5): a message
// that must wait before a retry is published here with a per-message TTL,
// and the queue's dead-letter-exchange argument routes it back to the
// connector's submit queue once the TTL expires.
func DeadLetterRoutingKey(connectorID string) string {
	return fmt.Sprintf("dlq.submit.sm.%s", connectorID)
}

// SubmitQueueName returns the durable per-connector submit queue name.
func SubmitQueueName(connectorID string) string {
	return fmt.Sprintf("submit.sm.%s", connectorID)
}

// DelayQueueName returns the per-connector delay (dead-letter) queue name.
func DelayQueueName(connectorID string) string {
	return fmt.Sprintf("delay.submit.sm.%s", connectorID)
}

// DeclareConnectorTopology ensures the exchange plus a connector's submit
// queue and its requeue-delay queue exist and are bound, matching
// spec.md §4.5's "requeue with a per-connector delay queue" design.
// It is idempotent: re-declaring an existing connector's topology is safe,
// which is what lets SCM's (re)subscribe-on-reconnect stay idempotent.
func DeclareConnectorTopology(ch *amqp.Channel, connectorID string) error {
	if err := ch.ExchangeDeclare(Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	submitQueue := SubmitQueueName(connectorID)
	delayQueue := DelayQueueName(connectorID)

	if _, err := ch.QueueDeclare(submitQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare submit queue: %w", err)
	}
	if err := ch.QueueBind(submitQueue, SubmitRoutingKey(connectorID), Exchange, false, nil); err != nil {
		return fmt.Errorf("bind submit queue: %w", err)
	}

	if _, err := ch.QueueDeclare(delayQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    Exchange,
		"x-dead-letter-routing-key": SubmitRoutingKey(connectorID),
	}); err != nil {
		return fmt.Errorf("declare delay queue: %w", err)
	}
	if err := ch.QueueBind(delayQueue, DeadLetterRoutingKey(connectorID), Exchange, false, nil); err != nil {
		return fmt.Errorf("bind delay queue: %w", err)
	}

	return nil
}

// DeliverQueueName returns the durable per-connector deliver_sm queue name,
// consumed by the deliver_sm thrower.
func DeliverQueueName(connectorID string) string {
	return fmt.Sprintf("deliver.sm.%s", connectorID)
}

// DLRQueueName returns the durable per-connector DLR queue name, consumed
// by the dlr thrower.
func DLRQueueName(connectorID string) string {
	return fmt.Sprintf("dlr.%s", connectorID)
}

// DeclareDeliverTopology ensures the deliver_sm/dlr return queues toward
// the router exist for a connector.
func DeclareDeliverTopology(ch *amqp.Channel, connectorID string) error {
	if err := ch.ExchangeDeclare(Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	deliverQueue := DeliverQueueName(connectorID)
	if _, err := ch.QueueDeclare(deliverQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare deliver queue: %w", err)
	}
	if err := ch.QueueBind(deliverQueue, DeliverRoutingKey(connectorID), Exchange, false, nil); err != nil {
		return fmt.Errorf("bind deliver queue: %w", err)
	}

	dlrQueue := DLRQueueName(connectorID)
	if _, err := ch.QueueDeclare(dlrQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlr queue: %w", err)
	}
	if err := ch.QueueBind(dlrQueue, DLRRoutingKey(connectorID), Exchange, false, nil); err != nil {
		return fmt.Errorf("bind dlr queue: %w", err)
	}

	return nil
}

// Header keys carried on every published submit, matching spec.md §5's
// "headers carry message-id, submit_sm_resp_bill, dlr-level, dlr-url,
// dlr-method, expiration".
const (
	HeaderMessageID        = "message-id"
	HeaderSubmitSmRespBill = "submit_sm_resp_bill"
	HeaderDLRLevel         = "dlr-level"
	HeaderDLRURL           = "dlr-url"
	HeaderDLRMethod        = "dlr-method"
	HeaderExpiration       = "expiration"
	// HeaderOriginSystemID carries the SMPP Server system_id a DLR must be
	// thrown back to, when the originating submit arrived over a bound
	// downstream session instead of HTTP (spec.md §4.4).
	HeaderOriginSystemID = "origin-system-id"
)

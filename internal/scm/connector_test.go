package scm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fiorix/go-smpp/smpp"
	"github.com/fiorix/go-smpp/smpp/pdu"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	"github.com/jasmin-go/jasmin/internal/mb"
)

func testConfig(cid string) ConnectorConfig {
	return ConnectorConfig{CID: cid}.WithDefaults()
}

func testDelivery(messageID string, headers amqp.Table) amqp.Delivery {
	h := amqp.Table{
		mb.HeaderMessageID: messageID,
		"source-addr":      "1234",
		"destination-addr": "5678",
	}
	for k, v := range headers {
		h[k] = v
	}
	return amqp.Delivery{Headers: h, Body: []byte("hello"), MessageId: messageID}
}

// newTestConnector wires a Connector against fakes, with an unconnected
// *mb.Connection standing in for the submit-queue broker: tests that never
// call Start() never touch it, and consumer.Run just logs and retries.
func newTestConnector(cfg ConnectorConfig, sess *fakeSession, pub *fakeDelayedPublisher, deliver *fakeDeliverHandler) *Connector {
	c := NewConnector(cfg, &mb.Connection{}, pub, deliver)
	c.session = sess
	c.state = StateBoundTRX
	return c
}

func TestHandleDeliverySubmitsAndAcks(t *testing.T) {
	sess := &fakeSession{}
	deliver := newFakeDeliverHandler()
	pub := &fakeDelayedPublisher{}
	c := newTestConnector(testConfig("smppc-1"), sess, pub, deliver)

	err := c.handleDelivery(context.Background(), testDelivery("m1", nil))
	if err != nil {
		t.Fatalf("handleDelivery: %v", err)
	}
	if got := sess.calls(); got != 1 {
		t.Fatalf("expected 1 submit call, got %d", got)
	}
	if got := deliver.failures("smppc-1"); len(got) != 0 {
		t.Fatalf("expected no reported failures, got %v", got)
	}
}

// TestHandleDeliveryRetriesBeforeSucceeding drives submitWithRetry's retry
// path. statusKey returns "" for a ShortMessage whose Resp() was never
// populated by a real submit_sm_resp round trip, which is what fakeSession
// produces, so the retry policy is keyed on the empty status.
func TestHandleDeliveryRetriesBeforeSucceeding(t *testing.T) {
	cfg := testConfig("smppc-1")
	cfg.SubmitErrorRetrial = map[string]RetrialPolicy{
		"": {MaxRetries: 2, Delay: time.Millisecond},
	}

	sess := &fakeSession{submitFunc: func(attempt int, sm *smpp.ShortMessage) (*smpp.ShortMessage, error) {
		if attempt < 3 {
			return nil, errFakeSubmit
		}
		return sm, nil
	}}
	deliver := newFakeDeliverHandler()
	pub := &fakeDelayedPublisher{}
	c := newTestConnector(cfg, sess, pub, deliver)

	if err := c.handleDelivery(context.Background(), testDelivery("m1", nil)); err != nil {
		t.Fatalf("handleDelivery: %v", err)
	}
	if got := sess.calls(); got != 3 {
		t.Fatalf("expected 3 submit attempts, got %d", got)
	}
	if got := deliver.failures("smppc-1"); len(got) != 0 {
		t.Fatalf("expected no permanent failure reported, got %v", got)
	}
}

func TestHandleDeliveryPermanentFailureAfterRetriesExhausted(t *testing.T) {
	cfg := testConfig("smppc-1")
	cfg.SubmitErrorRetrial = map[string]RetrialPolicy{
		"": {MaxRetries: 1, Delay: time.Millisecond},
	}

	sess := &fakeSession{submitFunc: func(attempt int, sm *smpp.ShortMessage) (*smpp.ShortMessage, error) {
		return nil, errFakeSubmit
	}}
	deliver := newFakeDeliverHandler()
	pub := &fakeDelayedPublisher{}
	c := newTestConnector(cfg, sess, pub, deliver)

	if err := c.handleDelivery(context.Background(), testDelivery("m1", nil)); err != nil {
		t.Fatalf("handleDelivery: %v", err)
	}
	if got := sess.calls(); got != 2 {
		t.Fatalf("expected 2 submit attempts (1 initial + 1 retry), got %d", got)
	}
	failures := deliver.failures("smppc-1")
	if len(failures) != 1 || failures[0] != "m1" {
		t.Fatalf("expected permanent failure reported for m1, got %v", failures)
	}
}

func TestHandleDeliveryNoRetryPolicyIsPermanentFailureImmediately(t *testing.T) {
	sess := &fakeSession{submitFunc: func(attempt int, sm *smpp.ShortMessage) (*smpp.ShortMessage, error) {
		return nil, errFakeSubmit
	}}
	deliver := newFakeDeliverHandler()
	pub := &fakeDelayedPublisher{}
	c := newTestConnector(testConfig("smppc-1"), sess, pub, deliver)

	if err := c.handleDelivery(context.Background(), testDelivery("m1", nil)); err != nil {
		t.Fatalf("handleDelivery: %v", err)
	}
	if got := sess.calls(); got != 1 {
		t.Fatalf("expected a single submit attempt with no retry policy, got %d", got)
	}
	if got := deliver.failures("smppc-1"); len(got) != 1 {
		t.Fatalf("expected one reported failure, got %v", got)
	}
}

func TestHandleDeliveryRateLimitedRequeuesInsteadOfSubmitting(t *testing.T) {
	sess := &fakeSession{}
	deliver := newFakeDeliverHandler()
	pub := &fakeDelayedPublisher{}
	c := newTestConnector(testConfig("smppc-1"), sess, pub, deliver)

	c.limiter = rate.NewLimiter(rate.Limit(1), 1)
	c.limiter.Allow() // consume the single burst token up front

	if err := c.handleDelivery(context.Background(), testDelivery("m1", nil)); err != nil {
		t.Fatalf("handleDelivery: %v", err)
	}
	if got := sess.calls(); got != 0 {
		t.Fatalf("expected no submit attempt while rate limited, got %d", got)
	}
	if got := pub.count(); got != 1 {
		t.Fatalf("expected 1 delayed requeue publish, got %d", got)
	}
}

func TestHandleDeliveryExpiredValidityDropsWithoutSubmitting(t *testing.T) {
	sess := &fakeSession{}
	deliver := newFakeDeliverHandler()
	pub := &fakeDelayedPublisher{}
	c := newTestConnector(testConfig("smppc-1"), sess, pub, deliver)

	past := time.Now().Add(-time.Hour).Format(time.RFC3339Nano)
	d := testDelivery("m1", amqp.Table{mb.HeaderExpiration: past})

	if err := c.handleDelivery(context.Background(), d); err != nil {
		t.Fatalf("handleDelivery: %v", err)
	}
	if got := sess.calls(); got != 0 {
		t.Fatalf("expected expired delivery to never reach Submit, got %d calls", got)
	}
	if got := pub.count(); got != 0 {
		t.Fatalf("expected expired delivery to be dropped, not requeued, got %d requeues", got)
	}
}

func TestHandleDeliveryUnexpiredValiditySubmitsNormally(t *testing.T) {
	sess := &fakeSession{}
	deliver := newFakeDeliverHandler()
	pub := &fakeDelayedPublisher{}
	c := newTestConnector(testConfig("smppc-1"), sess, pub, deliver)

	future := time.Now().Add(time.Hour).Format(time.RFC3339Nano)
	d := testDelivery("m1", amqp.Table{mb.HeaderExpiration: future})

	if err := c.handleDelivery(context.Background(), d); err != nil {
		t.Fatalf("handleDelivery: %v", err)
	}
	if got := sess.calls(); got != 1 {
		t.Fatalf("expected unexpired delivery to be submitted, got %d calls", got)
	}
}

func TestHandleDeliveryReconnectingStateRequeuesWithoutSubmitting(t *testing.T) {
	sess := &fakeSession{}
	deliver := newFakeDeliverHandler()
	pub := &fakeDelayedPublisher{}
	c := newTestConnector(testConfig("smppc-1"), sess, pub, deliver)
	c.state = StateReconnecting

	if err := c.handleDelivery(context.Background(), testDelivery("m1", nil)); err != nil {
		t.Fatalf("handleDelivery: %v", err)
	}
	if got := sess.calls(); got != 0 {
		t.Fatalf("expected no submit attempt while reconnecting, got %d", got)
	}
	if got := pub.count(); got != 1 {
		t.Fatalf("expected the delivery to be requeued while reconnecting, got %d requeues", got)
	}
}

// errFakeSubmit is the scripted Submit failure used by the retry tests.
type fakeSubmitError struct{}

func (fakeSubmitError) Error() string { return "fake submit failure" }

var errFakeSubmit = fakeSubmitError{}

func waitForState(t *testing.T, c *Connector, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, got %s", want, c.State())
}

// TestConnectorReconnectOnConnectionLoss drives the whole state machine
// through Start, a simulated mid-flight disconnect, and an automatic
// rebind, per the reconnect-on-loss half of the connector's spec.
func TestConnectorReconnectOnConnectionLoss(t *testing.T) {
	cfg := testConfig("smppc-1")
	cfg.Reconnect = ReconnectPolicy{OnConnectionLoss: true, OnConnectionLossDelay: 20 * time.Millisecond}
	cfg = cfg.WithDefaults()

	sessions := []*fakeSession{{}, {}}
	var mu sync.Mutex
	call := 0
	factory := func(ConnectorConfig, func(pdu.Body)) Session {
		mu.Lock()
		defer mu.Unlock()
		s := sessions[call]
		if call < len(sessions)-1 {
			call++
		}
		return s
	}

	c := NewConnector(cfg, &mb.Connection{}, &fakeDelayedPublisher{}, newFakeDeliverHandler())
	c.WithSessionFactory(factory)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, c, StateBoundTRX, time.Second)

	sessions[0].triggerLoss()
	waitForState(t, c, StateReconnecting, time.Second)
	waitForState(t, c, StateBoundTRX, time.Second)

	if !sessions[1].bound {
		t.Fatalf("expected the second fake session to be bound after reconnect")
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != StateNone {
		t.Fatalf("expected NONE after Stop, got %s", c.State())
	}
}

// TestConnectorReconnectOnConnectionFailure exercises the half of the
// reconnect policy triggered by a failed initial bind rather than a loss
// after a successful one: Start must return nil and keep retrying in the
// background instead of surfacing the bind error.
func TestConnectorReconnectOnConnectionFailure(t *testing.T) {
	cfg := testConfig("smppc-1")
	cfg.Reconnect = ReconnectPolicy{OnConnectionFailure: true, OnConnectionFailureDelay: 20 * time.Millisecond}
	cfg = cfg.WithDefaults()

	failing := &fakeSession{bindErr: errFakeSubmit}
	succeeding := &fakeSession{}
	sessions := []*fakeSession{failing, succeeding}
	var mu sync.Mutex
	call := 0
	factory := func(ConnectorConfig, func(pdu.Body)) Session {
		mu.Lock()
		defer mu.Unlock()
		s := sessions[call]
		if call < len(sessions)-1 {
			call++
		}
		return s
	}

	c := NewConnector(cfg, &mb.Connection{}, &fakeDelayedPublisher{}, newFakeDeliverHandler())
	c.WithSessionFactory(factory)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start should not surface a bind error under OnConnectionFailure, got: %v", err)
	}
	waitForState(t, c, StateReconnecting, time.Second)
	waitForState(t, c, StateBoundTRX, time.Second)

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// TestConnectorBindFailureWithoutReconnectPolicyReturnsError confirms the
// unchanged behavior when OnConnectionFailure is left off: Start reports
// the bind error and the connector stays at NONE.
func TestConnectorBindFailureWithoutReconnectPolicyReturnsError(t *testing.T) {
	cfg := testConfig("smppc-1")

	factory := func(ConnectorConfig, func(pdu.Body)) Session {
		return &fakeSession{bindErr: errFakeSubmit}
	}

	c := NewConnector(cfg, &mb.Connection{}, &fakeDelayedPublisher{}, newFakeDeliverHandler())
	c.WithSessionFactory(factory)

	if err := c.Start(context.Background()); err == nil {
		t.Fatalf("expected Start to return the bind error")
	}
	if c.State() != StateNone {
		t.Fatalf("expected NONE after a failed bind with no reconnect policy, got %s", c.State())
	}
}

package scm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fiorix/go-smpp/smpp"
	"github.com/fiorix/go-smpp/smpp/pdu"
	"github.com/fiorix/go-smpp/smpp/pdu/pdufield"
	"github.com/fiorix/go-smpp/smpp/pdu/pdutext"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jasmin-go/jasmin/internal/mb"
	"github.com/jasmin-go/jasmin/internal/metrics"
	"github.com/jasmin-go/jasmin/internal/smpppdu"
)

// DeliverHandler is the slice of *router.Core a Connector needs: classify
// an inbound deliver_sm/DLR, register the SMSC message id a successful
// submit_sm_resp assigned, or synthesize a terminal DLR when a submit is
// given up on locally. Narrowed to an interface so connector_test.go can
// exercise the submit/retry/requeue state machine without a router.Core.
type DeliverHandler interface {
	HandleDeliver(ctx context.Context, originConnectorID string, m pdu.Body) error
	ReportSubmitSuccess(ctx context.Context, originConnectorID, parentMessageID, smscMessageID string) error
	ReportSubmitFailure(ctx context.Context, originConnectorID, parentMessageID string) error
}

// DelayedPublisher is the slice of *mb.Publisher a Connector needs for its
// requeue-via-delay-queue path. Narrowed so connector_test.go can assert on
// what got requeued without a live broker.
type DelayedPublisher interface {
	PublishDelayed(ctx context.Context, connectorID string, ttl time.Duration, pub mb.Publication) error
}

var _ DelayedPublisher = (*mb.Publisher)(nil)

// SessionFactory builds the Session a Connector binds with. Production
// wiring uses newFiorixSession; connector_test.go substitutes a fake.
type SessionFactory func(cfg ConnectorConfig, onDeliver func(pdu.Body)) Session

func defaultSessionFactory(cfg ConnectorConfig, onDeliver func(pdu.Body)) Session {
	return newFiorixSession(cfg, onDeliver)
}

// Connector runs one SMPP client connector end to end: bind, consume its
// submit queue off MB, shape throughput, retry retryable submit errors,
// and hand inbound deliver_sm/DLR traffic to the router. It is the unit
// Manager starts, stops, and reports admin details for (spec.md §4.3/§6).
type Connector struct {
	cfg       ConnectorConfig
	publisher DelayedPublisher
	consumer  *mb.Consumer
	deliver   DeliverHandler

	sessionFactory SessionFactory

	mu      sync.Mutex
	state   State
	session Session
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	startCount  int64
	stopCount   int64
	lastBoundAt time.Time

	limiter  *rate.Limiter
	inFlight inFlightCounter
}

// NewConnector builds a Connector from its durable config. conn backs both
// the submit-queue Consumer and, through publisher, the delayed-requeue
// path; deliver is the router.Core (or a fake) that classifies inbound
// traffic and receives terminal-failure reports.
func NewConnector(cfg ConnectorConfig, conn *mb.Connection, publisher DelayedPublisher, deliver DeliverHandler) *Connector {
	cfg = cfg.WithDefaults()
	return &Connector{
		cfg:       cfg,
		publisher: publisher,
		consumer:  mb.NewConsumer(conn, mb.SubmitQueueName(cfg.CID), "scm-"+cfg.CID),
		deliver:   deliver,
	}
}

// WithSessionFactory overrides how Start builds its Session, for tests.
func (c *Connector) WithSessionFactory(f SessionFactory) *Connector {
	c.sessionFactory = f
	return c
}

// CID returns the connector's configured identifier.
func (c *Connector) CID() string { return c.cfg.CID }

// Config returns a copy of the connector's durable configuration, as
// Manager.Persist needs for its connector-list snapshot.
func (c *Connector) Config() ConnectorConfig { return c.cfg }

// State returns the connector's current position in the session state
// machine.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	metrics.ConnectorState.WithLabelValues(c.cfg.CID).Set(float64(s))
}

// Start binds the connector's session and begins consuming its submit
// queue. Starting an already-bound connector returns an error; starting a
// stopped one is fine and re-subscribes idempotently (mb.Consumer's own
// contract). If the initial bind fails and ReconnectPolicy.OnConnectionFailure
// is set, Start still returns nil: the connector enters RECONNECTING and a
// background loop keeps retrying the bind per OnConnectionFailureDelay
// (spec.md §4.3). Otherwise a failed bind leaves the connector at NONE and
// Start reports the error, unchanged from before.
func (c *Connector) Start(parent context.Context) error {
	c.mu.Lock()
	if c.state != StateNone && c.state != StateUnbindRequested {
		c.mu.Unlock()
		return fmt.Errorf("scm: connector %s already started", c.cfg.CID)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	c.setState(StateConnecting)

	session, err := c.bindSession(ctx)
	if err != nil && !c.cfg.Reconnect.OnConnectionFailure {
		c.setState(StateNone)
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("scm: connector %s bind failed: %w", c.cfg.CID, err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if runErr := c.consumer.Run(ctx, c.handleDelivery); runErr != nil && ctx.Err() == nil {
			log.Warn().Err(runErr).Str("cid", c.cfg.CID).Msg("scm: consumer loop exited")
		}
	}()

	if err != nil {
		log.Warn().Err(err).Str("cid", c.cfg.CID).Msg("scm: initial bind failed, retrying per reconnect policy")
		c.setState(StateReconnecting)
		c.wg.Add(1)
		go c.reconnectLoop(ctx, c.cfg.Reconnect.OnConnectionFailureDelay)
		return nil
	}

	c.onBound(ctx, session)
	return nil
}

// onBound finalizes a successful bind (initial or reconnect): records the
// session and bound counters, transitions to the bind-type's BOUND_* state,
// and arms the connection-loss watcher.
func (c *Connector) onBound(ctx context.Context, session Session) {
	c.mu.Lock()
	c.session = session
	c.lastBoundAt = time.Now()
	c.startCount++
	if c.cfg.SubmitThroughput > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(c.cfg.SubmitThroughput), 1)
	} else {
		c.limiter = nil
	}
	c.mu.Unlock()
	c.setState(boundStateFor(c.cfg.BindType))

	c.wg.Add(1)
	go c.watchConnectionLoss(ctx, session)
}

// watchConnectionLoss blocks until session reports it has gone down or ctx
// is canceled (Stop was called). A loss while the connector is still meant
// to be running enters RECONNECTING per ReconnectPolicy.OnConnectionLoss;
// when the policy declines to reconnect, the submit consumer is canceled
// and the connector settles at NONE (spec.md §4.3).
func (c *Connector) watchConnectionLoss(ctx context.Context, session Session) {
	defer c.wg.Done()
	select {
	case <-session.Lost():
	case <-ctx.Done():
		return
	}

	c.mu.Lock()
	stopping := c.state == StateUnbindRequested || c.state == StateNone
	if !stopping {
		c.session = nil
	}
	c.mu.Unlock()
	if stopping {
		return
	}

	log.Warn().Str("cid", c.cfg.CID).Msg("scm: connection lost")

	if !c.cfg.Reconnect.OnConnectionLoss {
		c.mu.Lock()
		cancel := c.cancel
		c.cancel = nil
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.setState(StateNone)
		return
	}

	c.setState(StateReconnecting)
	c.wg.Add(1)
	go c.reconnectLoop(ctx, c.cfg.Reconnect.OnConnectionLossDelay)
}

// reconnectLoop retries bindSession every delay until it succeeds or ctx is
// done, then finalizes the new session exactly as a fresh Start would.
func (c *Connector) reconnectLoop(ctx context.Context, delay time.Duration) {
	defer c.wg.Done()
	if delay <= 0 {
		delay = 30 * time.Second
	}
	for {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		session, err := c.bindSession(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("cid", c.cfg.CID).Msg("scm: reconnect attempt failed, retrying")
			continue
		}
		c.onBound(ctx, session)
		return
	}
}

// bindSession builds a fresh Session via the connector's factory and binds
// it, wiring onDeliver to route inbound PDUs back through the router.
// Split out from Start so bind failure/success can be exercised without
// also spinning up the submit-queue consumer goroutine.
func (c *Connector) bindSession(ctx context.Context) (Session, error) {
	onDeliver := func(m pdu.Body) {
		if err := c.deliver.HandleDeliver(context.Background(), c.cfg.CID, m); err != nil {
			log.Warn().Err(err).Str("cid", c.cfg.CID).Msg("scm: deliver handling failed")
		}
	}

	factory := c.sessionFactory
	if factory == nil {
		factory = defaultSessionFactory
	}
	session := factory(c.cfg, onDeliver)
	if err := session.Bind(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

// Stop requests an orderly unbind: the submit consumer loop is canceled,
// drained, and the session closed. Stopping an already-stopped connector
// is a no-op.
func (c *Connector) Stop() error {
	c.mu.Lock()
	if c.state == StateNone {
		c.mu.Unlock()
		return nil
	}
	session := c.session
	cancel := c.cancel
	c.mu.Unlock()

	c.setState(StateUnbindRequested)
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	var err error
	if session != nil {
		err = session.Close()
	}

	c.mu.Lock()
	c.session = nil
	c.cancel = nil
	c.stopCount++
	c.mu.Unlock()
	c.setState(StateNone)
	return err
}

// ConnectorDetails is the admin "details" surface for one connector
// (spec.md §6): counters plus its current state.
type ConnectorDetails struct {
	CID         string
	State       State
	StartCount  int64
	StopCount   int64
	LastBoundAt time.Time
	InFlight    int64
}

// Details reports the connector's admin-visible state.
func (c *Connector) Details() ConnectorDetails {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectorDetails{
		CID:         c.cfg.CID,
		State:       c.state,
		StartCount:  c.startCount,
		StopCount:   c.stopCount,
		LastBoundAt: c.lastBoundAt,
		InFlight:    c.inFlight.get(),
	}
}

// handleDelivery is the mb.Handler for the connector's submit queue: one
// delivery is one pre-segmented submit_sm payload (RC has already split
// long content, so this never re-segments). A delivery that is throttled,
// or arrives while RECONNECTING, is republished with spec.md §4.3's
// requeue_delay instead of the broker-level nack-requeue mb.Consumer
// otherwise uses. A terminal failure is acked at once, with no delay,
// after handlePermanentFailure has reported it.
func (c *Connector) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	c.mu.Lock()
	limiter := c.limiter
	reconnecting := c.state == StateReconnecting
	c.mu.Unlock()

	if reconnecting {
		return c.requeue(ctx, d, c.cfg.RequeueDelay)
	}

	if limiter != nil && !limiter.Allow() {
		metrics.ConnectorRateLimitRejections.WithLabelValues(c.cfg.CID).Inc()
		return c.requeue(ctx, d, c.cfg.RequeueDelay)
	}

	if expired, deadline := c.isExpired(d); expired {
		metrics.ConnectorSubmitTotal.WithLabelValues(c.cfg.CID, "expired").Inc()
		log.Info().Str("cid", c.cfg.CID).
			Str("message_id", headerString(d.Headers, mb.HeaderMessageID)).
			Time("validity_deadline", deadline).
			Msg("scm: dropping submit past its validity_period")
		return nil
	}

	sm := c.buildShortMessage(d)

	c.inFlight.inc()
	metrics.ConnectorInFlight.WithLabelValues(c.cfg.CID).Set(float64(c.inFlight.get()))
	err := c.submitWithRetry(ctx, sm)
	c.inFlight.dec()
	metrics.ConnectorInFlight.WithLabelValues(c.cfg.CID).Set(float64(c.inFlight.get()))

	if err != nil {
		metrics.ConnectorSubmitTotal.WithLabelValues(c.cfg.CID, "failed").Inc()
		return c.handlePermanentFailure(ctx, d, err)
	}

	c.recordSubmitSuccess(ctx, d, sm)
	metrics.ConnectorSubmitTotal.WithLabelValues(c.cfg.CID, "acked").Inc()
	return nil
}

// recordSubmitSuccess registers the SMSC message id a submit_sm_resp
// assigned with the router's DLR correlation (spec.md §4.3: "record SMSC
// message-id into HS DLR correlation"), so a later receipt carrying only
// that id can find its originator. A correlation failure is logged, not
// returned: the submit itself succeeded and must still be acked.
func (c *Connector) recordSubmitSuccess(ctx context.Context, d amqp.Delivery, sm *smpp.ShortMessage) {
	parentID := headerString(d.Headers, mb.HeaderMessageID)
	resp := sm.Resp()
	if parentID == "" || resp == nil {
		return
	}
	smscID := smpppdu.MessageID(resp)
	if smscID == "" {
		return
	}
	if err := c.deliver.ReportSubmitSuccess(ctx, c.cfg.CID, parentID, smscID); err != nil {
		log.Warn().Err(err).Str("cid", c.cfg.CID).
			Str("message_id", parentID).
			Str("smsc_message_id", smscID).
			Msg("scm: failed to record smsc message id correlation")
	}
}

// isExpired reads back the absolute validity_period deadline RC stamped
// on the delivery (mb.HeaderExpiration) and reports whether it has already
// passed. A missing or unparseable header is treated as never expiring,
// matching RC's own default of stamping every submit with a deadline
// (spec.md §4.3's validity-period enforcement: a message whose
// validity_period is in the past at dequeue is never sent).
func (c *Connector) isExpired(d amqp.Delivery) (bool, time.Time) {
	raw := headerString(d.Headers, mb.HeaderExpiration)
	if raw == "" {
		return false, time.Time{}
	}
	deadline, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		log.Warn().Err(err).Str("cid", c.cfg.CID).Str("raw", raw).Msg("scm: unparseable validity deadline, not enforcing")
		return false, time.Time{}
	}
	return time.Now().After(deadline), deadline
}

// buildShortMessage turns a submit-queue delivery back into the
// smpp.ShortMessage the session sends, reading back the headers RC
// attached in internal/router/submit.go.
func (c *Connector) buildShortMessage(d amqp.Delivery) *smpp.ShortMessage {
	h := d.Headers
	sm := &smpp.ShortMessage{
		Src:  headerString(h, "source-addr"),
		Dst:  headerString(h, "destination-addr"),
		Text: pdutext.Raw(d.Body),
	}
	if headerInt(h, "segment-count") > 1 {
		// esm_class bit 6 marks a UDH-carrying concatenated segment; RC
		// already prefixed d.Body with the 6-byte UDH, so nothing else
		// changes here.
		sm.ESMClass = 0x40
	}
	if headerInt(h, mb.HeaderDLRLevel) > 0 {
		// SMPP_DELIVERY_RECEIPT: request a final delivery receipt from
		// the SMSC so HandleDeliver has something to correlate.
		sm.Register = pdufield.DeliverySetting(1)
	}
	return sm
}

// submitWithRetry calls Session.Submit, retrying per the numeric
// command_status key in cfg.SubmitErrorRetrial with a fixed delay times
// attempt number (spec.md §4.3: not exponential backoff). An error with
// no matching policy, or one whose retry budget is exhausted, is returned
// to the caller as a permanent failure.
func (c *Connector) submitWithRetry(ctx context.Context, sm *smpp.ShortMessage) error {
	for attempt := 1; ; attempt++ {
		c.mu.Lock()
		session := c.session
		c.mu.Unlock()
		if session == nil {
			return fmt.Errorf("scm: connector %s has no bound session", c.cfg.CID)
		}

		_, err := session.Submit(sm)
		if err == nil {
			return nil
		}

		policy, ok := c.cfg.SubmitErrorRetrial[statusKey(sm)]
		if !ok || attempt > policy.MaxRetries {
			return err
		}

		metrics.ConnectorSubmitTotal.WithLabelValues(c.cfg.CID, "retried").Inc()
		delay := policy.Delay * time.Duration(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// statusKey extracts the numeric submit_sm_resp command_status from a
// failed Submit's response PDU, formatted as a decimal string matching the
// keys of ConnectorConfig.SubmitErrorRetrial. %d deliberately bypasses any
// Stringer the status type implements, since the config keys need the raw
// numeric value.
func statusKey(sm *smpp.ShortMessage) string {
	resp := sm.Resp()
	if resp == nil {
		return ""
	}
	return fmt.Sprintf("%d", resp.Header().Status)
}

// requeue republishes a delivery to the connector's delay queue so it
// reappears on the submit queue after delay, then acks the original
// delivery. A failure to publish falls back to mb.Consumer's own
// broker-level nack-requeue by returning the error.
func (c *Connector) requeue(ctx context.Context, d amqp.Delivery, delay time.Duration) error {
	pub := mb.Publication{
		Body:      d.Body,
		Headers:   d.Headers,
		MessageID: d.MessageId,
	}
	if err := c.publisher.PublishDelayed(ctx, c.cfg.CID, delay, pub); err != nil {
		log.Warn().Err(err).Str("cid", c.cfg.CID).Msg("scm: requeue publish failed, falling back to broker-level retry")
		return err
	}
	return nil
}

// handlePermanentFailure reports a terminal DLR through the router and
// acks the delivery: a permanently failed submit is a known outcome, not
// something the broker should keep redelivering.
func (c *Connector) handlePermanentFailure(ctx context.Context, d amqp.Delivery, submitErr error) error {
	parentID := headerString(d.Headers, mb.HeaderMessageID)
	log.Error().Err(submitErr).Str("cid", c.cfg.CID).Str("message_id", parentID).Msg("scm: submit permanently failed")
	if parentID == "" {
		return nil
	}
	if err := c.deliver.ReportSubmitFailure(ctx, c.cfg.CID, parentID); err != nil {
		log.Warn().Err(err).Str("message_id", parentID).Msg("scm: failed to synthesize terminal dlr")
	}
	return nil
}

func headerString(h amqp.Table, key string) string {
	if h == nil {
		return ""
	}
	s, _ := h[key].(string)
	return s
}

func headerInt(h amqp.Table, key string) int {
	if h == nil {
		return 0
	}
	switch v := h[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

package thrower

import (
	"context"
	"encoding/hex"
	"net/url"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/jasmin-go/jasmin/internal/config"
	"github.com/jasmin-go/jasmin/internal/mb"
	"github.com/jasmin-go/jasmin/internal/smppserver"
	"github.com/jasmin-go/jasmin/internal/smpppdu"
)

// DeliverThrower consumes the deliver.sm.<cid> queue of every connector it
// is configured for, forwarding each MO to its HTTP subscriber URL or, for
// a connector routed to an SmppServerSystemIdConnector target, to the
// matching bound downstream session (spec.md §4.4).
type DeliverThrower struct {
	conn     *mb.Connection
	mediator *httpMediator
	registry smppserver.Registry
	targets  map[string]config.DeliverTarget
}

// NewDeliverThrower builds a DeliverThrower. registry may be nil when no
// SmppServerSystemIdConnector targets are configured; looking one up then
// always misses, which the thrower treats as "drop", per spec.md §4.4.
func NewDeliverThrower(conn *mb.Connection, cfg config.ThrowerConfig, targets []config.DeliverTarget, registry smppserver.Registry) *DeliverThrower {
	byCID := make(map[string]config.DeliverTarget, len(targets))
	for _, t := range targets {
		byCID[t.CID] = t
	}
	return &DeliverThrower{
		conn: conn,
		mediator: newHTTPMediator(MediatorConfig{
			Timeout:     cfg.HTTPTimeout(),
			MaxRetries:  cfg.MaxRetries,
			RetryDelay:  cfg.RetryDelay(),
			BreakerName: "deliversm-thrower",
		}),
		registry: registry,
		targets:  byCID,
	}
}

// Run consumes every connector id's deliver queue until ctx is canceled.
// It blocks; callers run it in its own goroutine.
func (t *DeliverThrower) Run(ctx context.Context, connectorIDs []string) error {
	var wg sync.WaitGroup
	for _, cid := range connectorIDs {
		cid := cid
		consumer := mb.NewConsumer(t.conn, mb.DeliverQueueName(cid), "deliversm-thrower-"+cid)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx, func(hctx context.Context, d amqp.Delivery) error {
				return t.handle(hctx, cid, d)
			}); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("cid", cid).Msg("thrower: deliver_sm consumer loop exited")
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (t *DeliverThrower) handle(ctx context.Context, cid string, d amqp.Delivery) error {
	target, ok := t.targets[cid]
	if !ok {
		log.Warn().Str("cid", cid).Msg("thrower: no deliver target configured, dropping")
		return nil
	}

	if target.Kind == "smpps" {
		return t.deliverToSMPP(ctx, target, d.Headers, d.Body)
	}
	return t.deliverToHTTP(ctx, cid, target.URL, d.Headers, d.Body)
}

func (t *DeliverThrower) deliverToSMPP(ctx context.Context, target config.DeliverTarget, headers amqp.Table, content []byte) error {
	systemID := target.SystemID
	if systemID == "" {
		systemID = target.CID
	}
	if t.registry == nil {
		log.Warn().Str("system_id", systemID).Msg("thrower: no registry configured, dropping smpps deliver")
		return nil
	}
	sess, ok := t.registry.Lookup(systemID)
	if !ok {
		log.Info().Str("system_id", systemID).Msg("thrower: no bound session, dropping deliver_sm")
		return nil
	}
	body, err := smpppdu.NewDeliverSM(smpppdu.SubmitParams{
		SourceAddr:      headerStr(headers, "source-addr"),
		DestinationAddr: headerStr(headers, "destination-addr"),
		ShortMessage:    string(content),
	})
	if err != nil {
		return err
	}
	return sess.Deliver(ctx, body)
}

func (t *DeliverThrower) deliverToHTTP(ctx context.Context, cid, targetURL string, headers amqp.Table, content []byte) error {
	form := url.Values{}
	form.Set("from", headerStr(headers, "source-addr"))
	form.Set("to", headerStr(headers, "destination-addr"))
	form.Set("origin-connector", cid)

	if isPrintable(content) {
		form.Set("content", string(content))
	} else {
		form.Set("binary", hex.EncodeToString(content))
	}

	return t.mediator.deliver(ctx, "deliver_sm", "POST", targetURL, form)
}

func headerStr(h amqp.Table, key string) string {
	if h == nil {
		return ""
	}
	s, _ := h[key].(string)
	return s
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

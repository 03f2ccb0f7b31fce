package thrower

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/jasmin-go/jasmin/internal/config"
	"github.com/jasmin-go/jasmin/internal/mb"
	"github.com/jasmin-go/jasmin/internal/smppserver"
	"github.com/jasmin-go/jasmin/internal/smpppdu"
)

// dlrEvent mirrors router.DLREvent's JSON shape. Duplicated rather than
// imported to keep internal/thrower free of a dependency on internal/router;
// the wire contract between the two is the JSON body published to the
// dlr.<cid> queue, not a shared Go type.
type dlrEvent struct {
	ParentMessageID string
	UserID          string
	DLRLevel        int
	DLRURL          string
	DLRMethod       string
	State           string
	SMSCMessageID   string
	OriginSystemID  string
}

// DLRThrower consumes the dlr.<cid> queue of every connector it is
// configured for and throws each terminal (or enroute) DLR to its
// configured channel(s), per spec.md §4.4's dlr-level rule:
//
//	level 1: both HTTP and SMPP
//	level 2: SMPP only
//	level 3: HTTP only
type DLRThrower struct {
	conn     *mb.Connection
	mediator *httpMediator
	registry smppserver.Registry
	pduKind  string // "deliver_sm" or "data_sm", from dlr_pdu config
}

// NewDLRThrower builds a DLRThrower. registry may be nil if no connector
// ever produces an OriginSystemID-addressed DLR; looking one up then always
// misses, which is treated as "drop that channel", matching DeliverThrower.
func NewDLRThrower(conn *mb.Connection, cfg config.ThrowerConfig, registry smppserver.Registry) *DLRThrower {
	pduKind := cfg.DLRPDU
	if pduKind == "" {
		pduKind = "deliver_sm"
	}
	return &DLRThrower{
		conn: conn,
		mediator: newHTTPMediator(MediatorConfig{
			Timeout:     cfg.HTTPTimeout(),
			MaxRetries:  cfg.MaxRetries,
			RetryDelay:  cfg.RetryDelay(),
			BreakerName: "dlr-thrower",
		}),
		registry: registry,
		pduKind:  pduKind,
	}
}

// Run consumes every connector id's dlr queue until ctx is canceled. It
// blocks; callers run it in its own goroutine.
func (t *DLRThrower) Run(ctx context.Context, connectorIDs []string) error {
	var wg sync.WaitGroup
	for _, cid := range connectorIDs {
		cid := cid
		consumer := mb.NewConsumer(t.conn, mb.DLRQueueName(cid), "dlr-thrower-"+cid)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx, func(hctx context.Context, d amqp.Delivery) error {
				return t.handle(hctx, d)
			}); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("cid", cid).Msg("thrower: dlr consumer loop exited")
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (t *DLRThrower) handle(ctx context.Context, d amqp.Delivery) error {
	var event dlrEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		log.Warn().Err(err).Msg("thrower: unparseable dlr event, dropping")
		return nil
	}

	useHTTP := event.DLRLevel == 1 || event.DLRLevel == 3
	useSMPP := event.DLRLevel == 1 || event.DLRLevel == 2

	var httpErr, smppErr error
	if useHTTP && event.DLRURL != "" {
		httpErr = t.throwHTTP(ctx, event)
	}
	if useSMPP && event.OriginSystemID != "" {
		smppErr = t.throwSMPP(ctx, event)
	}

	if httpErr != nil {
		return httpErr
	}
	return smppErr
}

func (t *DLRThrower) throwHTTP(ctx context.Context, event dlrEvent) error {
	method := event.DLRMethod
	if method == "" {
		method = "POST"
	}

	form := url.Values{}
	form.Set("id", event.ParentMessageID)
	form.Set("message_status", event.State)
	form.Set("id_smsc", event.SMSCMessageID)

	return t.mediator.deliver(ctx, "dlr", method, event.DLRURL, form)
}

func (t *DLRThrower) throwSMPP(ctx context.Context, event dlrEvent) error {
	if t.registry == nil {
		log.Warn().Str("system_id", event.OriginSystemID).Msg("thrower: no registry configured, dropping smpp dlr")
		return nil
	}
	sess, ok := t.registry.Lookup(event.OriginSystemID)
	if !ok {
		log.Info().Str("system_id", event.OriginSystemID).Msg("thrower: no bound session for dlr, dropping")
		return nil
	}
	if t.pduKind == "data_sm" {
		// data_sm DLR delivery isn't wired: the go-smpp build this gateway
		// targets has no confirmed data_sm PDU constructor, so this falls
		// back to deliver_sm, matching spec.md §4.4's documented default.
		log.Warn().Msg("thrower: dlr_pdu=data_sm is not supported, sending deliver_sm instead")
	}

	receipt := formatDLRReceipt(event)
	body, err := smpppdu.NewDeliverSM(smpppdu.SubmitParams{
		ShortMessage: receipt,
		ESMClass:     0x04, // SMSC Delivery Receipt, per SMPP 3.4 §5.2.12
	})
	if err != nil {
		return err
	}
	return sess.Deliver(ctx, body)
}

// formatDLRReceipt renders the conventional "id:... stat:..." delivery
// receipt body ParseDLRReceipt expects on the other end, so a downstream
// peer acting as this gateway's client sees the same wire format an SMSC
// would have sent it.
func formatDLRReceipt(event dlrEvent) string {
	return "id:" + event.ParentMessageID + " sub:001 dlvrd:001 stat:" + event.State
}

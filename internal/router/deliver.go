package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fiorix/go-smpp/smpp/pdu"
	"github.com/fiorix/go-smpp/smpp/pdu/pdufield"
	"github.com/rs/zerolog/log"

	"github.com/jasmin-go/jasmin/internal/hs"
	"github.com/jasmin-go/jasmin/internal/mb"
	"github.com/jasmin-go/jasmin/internal/metrics"
	"github.com/jasmin-go/jasmin/internal/routable"
	"github.com/jasmin-go/jasmin/internal/smpppdu"
)

func dlrEventJSON(event DLREvent) ([]byte, error) {
	return json.Marshal(event)
}

// DLREvent is what HandleDeliver publishes to the dlr thrower's topic once
// a receipt has been matched to its originating submit.
type DLREvent struct {
	ParentMessageID string
	UserID          string
	DLRLevel        int
	DLRURL          string
	DLRMethod       string
	State           smpppdu.DLRState
	SMSCMessageID   string
	OriginSystemID  string
}

// HandleDeliver implements spec.md §4.2's deliver classification: a
// deliver_sm is either a DLR (parsed and correlated via HS) or an MO
// (evaluated against RE and republished to MB). originConnectorID is the
// connector the PDU was received on.
func (c *Core) HandleDeliver(ctx context.Context, originConnectorID string, m pdu.Body) error {
	if smpppdu.IsDLR(m) {
		return c.handleDLR(ctx, originConnectorID, m)
	}
	return c.handleMO(ctx, originConnectorID, m)
}

func (c *Core) handleDLR(ctx context.Context, originConnectorID string, m pdu.Body) error {
	f := m.Fields()
	body := f[pdufield.ShortMessage].String()
	receipt := smpppdu.ParseDLRReceipt(body)

	metrics.DeliverTotal.WithLabelValues("dlr").Inc()

	if receipt.MessageID == "" {
		log.Warn().Str("connector", originConnectorID).Msg("router: dlr without a parseable smsc message id, dropping")
		return nil
	}

	rec, err := c.Hot.GetDLR(ctx, receipt.MessageID)
	if err != nil {
		return err
	}
	if rec == nil {
		// Late-arriving DLR beyond TTL, or never requested: logged and
		// dropped per spec.md §5's HS ownership rule.
		log.Info().Str("smsc_message_id", receipt.MessageID).Msg("router: dlr correlation miss, dropping")
		return nil
	}

	// The SMSC-id key written by ReportSubmitSuccess is an alias onto the
	// parent record: segment-count aggregation and the thrown event both
	// work on the parent, so multi-part messages share one counter no
	// matter which segment's receipt arrives.
	parentKey := receipt.MessageID
	if rec.ParentMessageID != "" && rec.ParentMessageID != receipt.MessageID {
		parentKey = rec.ParentMessageID
		parent, err := c.Hot.GetDLR(ctx, parentKey)
		if err != nil {
			return err
		}
		if parent != nil {
			rec = parent
		}
	}

	rec.PartsDelivered++
	allPartsIn := rec.PartsDelivered >= rec.PartCount
	if err := c.Hot.PutDLR(ctx, parentKey, *rec, correlationTTL(rec)); err != nil {
		log.Warn().Err(err).Msg("router: failed to update dlr correlation")
	}

	if !allPartsIn {
		// A segmented message's terminal DLR only throws once every part
		// has reported delivered/failed, per spec.md §4.3's reassembly
		// note applied to the DLR-aggregation side of segmentation.
		return nil
	}

	event := DLREvent{
		ParentMessageID: parentKey,
		UserID:          rec.UserID,
		DLRLevel:        rec.DLRLevel,
		DLRURL:          rec.DLRURL,
		DLRMethod:       rec.DLRMethod,
		State:           receipt.Stat,
		SMSCMessageID:   receipt.MessageID,
		OriginSystemID:  rec.OriginSystemID,
	}
	if err := c.publishDLREvent(ctx, originConnectorID, event); err != nil {
		return err
	}

	if receipt.Stat != smpppdu.DLREnroute {
		if rec.RemainingAmount > 0 {
			if err := c.Users.Refund(rec.UserID, rec.RemainingAmount); err != nil {
				log.Warn().Err(err).Str("user_id", rec.UserID).Str("smsc_message_id", receipt.MessageID).Msg("router: failed to charge dlr remainder")
			}
			if _, err := c.Hot.DecrementBalance(ctx, rec.UserID, hs.ScaleAmount(rec.RemainingAmount)); err != nil {
				log.Warn().Err(err).Str("user_id", rec.UserID).Msg("router: failed to mirror dlr remainder into hot store quota cache")
			}
		}
		if parentKey != receipt.MessageID {
			if err := c.Hot.DeleteDLR(ctx, receipt.MessageID); err != nil {
				log.Warn().Err(err).Str("smsc_message_id", receipt.MessageID).Msg("router: failed to delete dlr alias")
			}
		}
		return c.Hot.DeleteDLR(ctx, parentKey)
	}
	return nil
}

// ReportSubmitSuccess registers the SMSC's own message id, read off a
// submit_sm_resp by the connector, as an alias onto the parent message's
// DLR correlation record (spec.md §4.2 step 7: correlation is keyed "by
// each segment's eventual SMSC-id and by parent-id"). Without this entry
// a later receipt, which only carries the SMSC's id, could never find its
// originator. A missing parent record means no DLR was requested; nothing
// to correlate.
func (c *Core) ReportSubmitSuccess(ctx context.Context, originConnectorID, parentMessageID, smscMessageID string) error {
	if smscMessageID == "" || smscMessageID == parentMessageID {
		return nil
	}
	rec, err := c.Hot.GetDLR(ctx, parentMessageID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	alias := *rec
	alias.ParentMessageID = parentMessageID
	return c.Hot.PutDLR(ctx, smscMessageID, alias, correlationTTL(rec))
}

// correlationTTL bounds a correlation write by the submit's validity
// deadline (spec.md §3: "TTL ≤ message validity_period"), falling back to
// an hour for records predating the ExpiresAt field.
func correlationTTL(rec *hs.DLRRecord) time.Duration {
	if !rec.ExpiresAt.IsZero() {
		if ttl := time.Until(rec.ExpiresAt); ttl > 0 {
			return ttl
		}
		return time.Minute
	}
	return time.Hour
}

// ReportSubmitFailure synthesizes a terminal DLR when a connector exhausts
// its submit_sm retry budget without ever reaching the SMSC successfully,
// per spec.md §4.3's "permanent failure synthesizes a terminal DLR with
// state UNDELIV". It reuses the same HS correlation record and MB fan-out
// path as a real receipt, so the DLR thrower can't tell the two apart.
func (c *Core) ReportSubmitFailure(ctx context.Context, originConnectorID, parentMessageID string) error {
	rec, err := c.Hot.GetDLR(ctx, parentMessageID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	metrics.DeliverTotal.WithLabelValues("dlr").Inc()
	event := DLREvent{
		ParentMessageID: parentMessageID,
		UserID:          rec.UserID,
		DLRLevel:        rec.DLRLevel,
		DLRURL:          rec.DLRURL,
		DLRMethod:       rec.DLRMethod,
		State:           smpppdu.DLRUndeliv,
		SMSCMessageID:   parentMessageID,
		OriginSystemID:  rec.OriginSystemID,
	}
	if err := c.publishDLREvent(ctx, originConnectorID, event); err != nil {
		return err
	}
	return c.Hot.DeleteDLR(ctx, parentMessageID)
}

func (c *Core) publishDLREvent(ctx context.Context, connectorID string, event DLREvent) error {
	body, err := dlrEventJSON(event)
	if err != nil {
		return err
	}
	return c.Publisher.Publish(ctx, mb.Publication{
		RoutingKey: mb.DLRRoutingKey(connectorID),
		Body:       body,
		Headers: map[string]any{
			mb.HeaderMessageID:      event.ParentMessageID,
			mb.HeaderDLRLevel:       event.DLRLevel,
			mb.HeaderDLRURL:         event.DLRURL,
			mb.HeaderDLRMethod:      event.DLRMethod,
			mb.HeaderOriginSystemID: event.OriginSystemID,
			"state":                 string(event.State),
		},
		MessageID: event.ParentMessageID,
	})
}

func (c *Core) handleMO(ctx context.Context, originConnectorID string, m pdu.Body) error {
	f := m.Fields()
	srcAddr := f[pdufield.SourceAddr].String()
	destAddr := f[pdufield.DestinationAddr].String()
	content := f[pdufield.ShortMessage].String()

	// A UDH-concatenated part is buffered until its siblings arrive and
	// only then routed as one MO (spec.md §4.2's deliver-path reassembly);
	// each part alone is meaningless to a subscriber.
	if ref, total, seq, payload, ok := smpppdu.ParseUDHConcat([]byte(content)); ok {
		return c.ConsumeReassembledSegment(ctx, originConnectorID, srcAddr, destAddr, ref, total, seq, string(payload))
	}

	r := routable.New(routable.MO)
	r.SourceAddr = srcAddr
	r.DestinationAddr = destAddr
	r.ShortMessage = content
	r.SourceConnectorID = originConnectorID

	matched, err := c.Routes.Match(r)
	if err != nil {
		metrics.DeliverTotal.WithLabelValues("mo_routing_error").Inc()
		return err
	}

	connectorID, err := c.resolveDestination(matched)
	if err != nil {
		metrics.DeliverTotal.WithLabelValues("mo_routing_error").Inc()
		return err
	}

	metrics.DeliverTotal.WithLabelValues("mo").Inc()
	return c.Publisher.Publish(ctx, mb.Publication{
		RoutingKey: mb.DeliverRoutingKey(connectorID),
		Body:       []byte(content),
		Headers: map[string]any{
			"source-addr":      srcAddr,
			"destination-addr": destAddr,
			"origin-connector": originConnectorID,
		},
	})
}

// ConsumeReassembledSegment folds one deliver_sm segment of a long MO
// message into its reassembly buffer, emitting the concatenated routable
// once every part has arrived (spec.md §4.2's "Long content re-assembly").
func (c *Core) ConsumeReassembledSegment(ctx context.Context, originConnectorID, srcAddr, destAddr string, refNum, totalSegments, segmentNum int, payload string) error {
	buf, err := c.Hot.PutSegment(ctx, srcAddr, destAddr, refNum, totalSegments, segmentNum, payload)
	if err != nil {
		return err
	}
	if !buf.Complete() {
		return nil
	}

	defer c.Hot.DeleteReassembly(ctx, srcAddr, destAddr, refNum)

	r := routable.New(routable.MO)
	r.SourceAddr = srcAddr
	r.DestinationAddr = destAddr
	r.ShortMessage = buf.Assemble()
	r.SourceConnectorID = originConnectorID

	matched, err := c.Routes.Match(r)
	if err != nil {
		return err
	}
	connectorID, err := c.resolveDestination(matched)
	if err != nil {
		return err
	}

	metrics.DeliverTotal.WithLabelValues("mo_reassembled").Inc()
	return c.Publisher.Publish(ctx, mb.Publication{
		RoutingKey: mb.DeliverRoutingKey(connectorID),
		Body:       []byte(r.ShortMessage),
		Headers: map[string]any{
			"source-addr":      srcAddr,
			"destination-addr": destAddr,
			"origin-connector": originConnectorID,
		},
	})
}

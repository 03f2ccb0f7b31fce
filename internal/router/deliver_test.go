package router

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fiorix/go-smpp/smpp/pdu"

	"github.com/jasmin-go/jasmin/internal/hs"
	"github.com/jasmin-go/jasmin/internal/mb"
	"github.com/jasmin-go/jasmin/internal/smpppdu"
	"github.com/jasmin-go/jasmin/internal/ucs"
)

func mustDeliverSM(t *testing.T, params smpppdu.SubmitParams) pdu.Body {
	t.Helper()
	m, err := smpppdu.NewDeliverSM(params)
	if err != nil {
		t.Fatalf("build deliver_sm: %v", err)
	}
	return m
}

// TestHandleDeliverDLRRoundTrip drives the full correlation path a real
// SMSC would exercise: Submit stores the parent record, the connector's
// submit_sm_resp registers the SMSC's own id as an alias, and the receipt
// (which only carries the SMSC id) resolves back to the parent message id.
func TestHandleDeliverDLRRoundTrip(t *testing.T) {
	core, _, pub, hot := newTestCore(t, "smsc-1")
	ctx := context.Background()

	res, err := core.Submit(ctx, SubmitRequest{
		Username:        "alice",
		PasswordDigest:  ucs.DigestOf("secret"),
		SourceAddr:      "1000",
		DestinationAddr: "254700000000",
		ShortMessage:    "hello",
		DLRLevel:        3,
		DLRURL:          "http://h/r",
		DLRMethod:       "POST",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := core.ReportSubmitSuccess(ctx, "smsc-1", res.MessageID, "upstream-1"); err != nil {
		t.Fatalf("report submit success: %v", err)
	}

	pub.pubs = nil // only the dlr event matters below

	receipt := "id:upstream-1 sub:001 dlvrd:001 submit date:2607311200 done date:2607311201 stat:DELIVRD err:000 text:hi"
	m := mustDeliverSM(t, smpppdu.SubmitParams{ShortMessage: receipt, ESMClass: 0x04})

	if err := core.HandleDeliver(ctx, "smsc-1", m); err != nil {
		t.Fatalf("handle deliver: %v", err)
	}

	pubs := pub.published()
	if len(pubs) != 1 {
		t.Fatalf("expected 1 dlr event published, got %d", len(pubs))
	}
	if pubs[0].RoutingKey != mb.DLRRoutingKey("smsc-1") {
		t.Fatalf("unexpected routing key %q", pubs[0].RoutingKey)
	}

	var event DLREvent
	if err := json.Unmarshal(pubs[0].Body, &event); err != nil {
		t.Fatalf("decode dlr event: %v", err)
	}
	if event.ParentMessageID != res.MessageID {
		t.Fatalf("event carries id %q, want the parent message id %q", event.ParentMessageID, res.MessageID)
	}
	if event.SMSCMessageID != "upstream-1" {
		t.Fatalf("event carries smsc id %q, want upstream-1", event.SMSCMessageID)
	}
	if event.State != smpppdu.DLRDelivered {
		t.Fatalf("event state %q, want DELIVRD", event.State)
	}

	for _, key := range []string{res.MessageID, "upstream-1"} {
		rec, err := hot.GetDLR(ctx, key)
		if err != nil {
			t.Fatalf("get dlr %s: %v", key, err)
		}
		if rec != nil {
			t.Fatalf("expected correlation key %s to be deleted after a terminal state", key)
		}
	}
}

// TestReportSubmitSuccessWithoutDLRRequestIsNoop covers the common case of
// a submit that never asked for a receipt: there is no parent record, so
// no alias must appear either.
func TestReportSubmitSuccessWithoutDLRRequestIsNoop(t *testing.T) {
	core, _, _, hot := newTestCore(t, "smsc-1")
	ctx := context.Background()

	if err := core.ReportSubmitSuccess(ctx, "smsc-1", "no-such-parent", "upstream-9"); err != nil {
		t.Fatalf("report submit success: %v", err)
	}
	rec, err := hot.GetDLR(ctx, "upstream-9")
	if err != nil {
		t.Fatalf("get dlr: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected no alias without a parent correlation record")
	}
}

// TestHandleDeliverDLRWaitsForAllSegments registers two SMSC-id aliases
// against one two-part parent record: each segment's receipt arrives under
// its own SMSC id, and the terminal event only throws once both have
// reported against the shared parent counter.
func TestHandleDeliverDLRWaitsForAllSegments(t *testing.T) {
	core, _, pub, hot := newTestCore(t, "smsc-1")
	ctx := context.Background()

	if err := hot.PutDLR(ctx, "parent-2", hs.DLRRecord{
		UserID:      "u1",
		ConnectorID: "smsc-1",
		DLRLevel:    1,
		PartCount:   2,
	}, time.Hour); err != nil {
		t.Fatalf("seed dlr: %v", err)
	}
	for _, smscID := range []string{"upstream-2a", "upstream-2b"} {
		if err := core.ReportSubmitSuccess(ctx, "smsc-1", "parent-2", smscID); err != nil {
			t.Fatalf("report submit success %s: %v", smscID, err)
		}
	}

	part1 := mustDeliverSM(t, smpppdu.SubmitParams{
		ShortMessage: "id:upstream-2a sub:001 dlvrd:001 submit date:2607311200 done date:2607311201 stat:DELIVRD err:000 text:hi",
		ESMClass:     0x04,
	})
	if err := core.HandleDeliver(ctx, "smsc-1", part1); err != nil {
		t.Fatalf("handle deliver (part 1): %v", err)
	}
	if len(pub.published()) != 0 {
		t.Fatalf("expected no dlr event until every part has reported")
	}

	part2 := mustDeliverSM(t, smpppdu.SubmitParams{
		ShortMessage: "id:upstream-2b sub:001 dlvrd:001 submit date:2607311200 done date:2607311201 stat:DELIVRD err:000 text:hi",
		ESMClass:     0x04,
	})
	if err := core.HandleDeliver(ctx, "smsc-1", part2); err != nil {
		t.Fatalf("handle deliver (part 2): %v", err)
	}
	if len(pub.published()) != 1 {
		t.Fatalf("expected exactly 1 dlr event once every part has reported")
	}
}

func TestHandleDeliverDLRCorrelationMissIsDropped(t *testing.T) {
	core, _, pub, _ := newTestCore(t, "smsc-1")
	ctx := context.Background()

	receipt := "id:never-submitted sub:001 dlvrd:001 submit date:2607311200 done date:2607311201 stat:DELIVRD err:000 text:hi"
	m := mustDeliverSM(t, smpppdu.SubmitParams{ShortMessage: receipt, ESMClass: 0x04})

	if err := core.HandleDeliver(ctx, "smsc-1", m); err != nil {
		t.Fatalf("handle deliver: %v", err)
	}
	if len(pub.published()) != 0 {
		t.Fatalf("expected no event published for an unknown correlation")
	}
}

func TestHandleDeliverMORoutesToDefaultConnector(t *testing.T) {
	core, _, pub, _ := newTestCore(t, "smsc-1")
	ctx := context.Background()

	m := mustDeliverSM(t, smpppdu.SubmitParams{
		SourceAddr:      "254700000000",
		DestinationAddr: "1000",
		ShortMessage:    "hi there",
	})

	if err := core.HandleDeliver(ctx, "smsc-1", m); err != nil {
		t.Fatalf("handle deliver: %v", err)
	}

	pubs := pub.published()
	if len(pubs) != 1 {
		t.Fatalf("expected 1 mo publication, got %d", len(pubs))
	}
	if pubs[0].RoutingKey != mb.DeliverRoutingKey("smsc-1") {
		t.Fatalf("unexpected routing key %q", pubs[0].RoutingKey)
	}
	if string(pubs[0].Body) != "hi there" {
		t.Fatalf("unexpected mo body %q", pubs[0].Body)
	}
}

func TestConsumeReassembledSegmentEmitsOnlyOnceComplete(t *testing.T) {
	core, _, pub, _ := newTestCore(t, "smsc-1")
	ctx := context.Background()

	if err := core.ConsumeReassembledSegment(ctx, "smsc-1", "254700000000", "1000", 7, 2, 1, "hello "); err != nil {
		t.Fatalf("segment 1: %v", err)
	}
	if len(pub.published()) != 0 {
		t.Fatalf("expected no publication before every segment has arrived")
	}

	if err := core.ConsumeReassembledSegment(ctx, "smsc-1", "254700000000", "1000", 7, 2, 2, "world"); err != nil {
		t.Fatalf("segment 2: %v", err)
	}
	pubs := pub.published()
	if len(pubs) != 1 {
		t.Fatalf("expected exactly 1 publication once reassembly completes, got %d", len(pubs))
	}
	if string(pubs[0].Body) != "hello world" {
		t.Fatalf("expected concatenated body, got %q", pubs[0].Body)
	}
}

// TestHandleDeliverUDHPartsReassembleToOneMO covers the deliver-path end of
// segmentation: UDH-headed deliver_sm parts, arriving out of order, yield
// exactly one concatenated MO publication instead of one per part.
func TestHandleDeliverUDHPartsReassembleToOneMO(t *testing.T) {
	core, _, pub, _ := newTestCore(t, "smsc-1")
	ctx := context.Background()

	text := strings.Repeat("A", 200)
	segments := smpppdu.BuildUDHSegments([]byte(text), 140, 9)
	if len(segments) != 2 {
		t.Fatalf("expected 2 udh segments, got %d", len(segments))
	}

	for _, i := range []int{1, 0} { // out-of-order arrival
		m := mustDeliverSM(t, smpppdu.SubmitParams{
			SourceAddr:      "254700000000",
			DestinationAddr: "1000",
			ShortMessage:    string(segments[i]),
			ESMClass:        0x40,
		})
		if err := core.HandleDeliver(ctx, "smsc-1", m); err != nil {
			t.Fatalf("handle deliver segment %d: %v", i, err)
		}
	}

	pubs := pub.published()
	if len(pubs) != 1 {
		t.Fatalf("expected exactly 1 reassembled mo publication, got %d", len(pubs))
	}
	if string(pubs[0].Body) != text {
		t.Fatalf("reassembled body has %d bytes, want the original %d-byte text intact", len(pubs[0].Body), len(text))
	}
}

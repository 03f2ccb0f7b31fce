package router

import (
	"context"
	"testing"

	"github.com/jasmin-go/jasmin/internal/mb"
	"github.com/jasmin-go/jasmin/internal/route"
	"github.com/jasmin-go/jasmin/internal/routingerr"
	"github.com/jasmin-go/jasmin/internal/ucs"
)

func newTestCore(t *testing.T, defaultConnector string) (*Core, *ucs.Store, *fakePublisher, *fakeHotStore) {
	t.Helper()

	users := ucs.NewStore()
	if err := users.AddGroup(ucs.NewGroup("g1")); err != nil {
		t.Fatalf("add group: %v", err)
	}
	u := ucs.NewUser("u1", "g1", "alice", "secret")
	u.MT.Balance = ucs.NewBalanceQuota(100)
	u.MT.SubmitSmCount = ucs.NewCountQuota(100)
	if err := users.AddUser(u); err != nil {
		t.Fatalf("add user: %v", err)
	}

	routes := route.NewManager(defaultConnector)
	pub := &fakePublisher{}
	hot := newFakeHotStore()

	return NewCore(routes, users, pub, hot), users, pub, hot
}

func TestSubmitHappyPath(t *testing.T) {
	core, _, pub, hot := newTestCore(t, "smsc-1")

	res, err := core.Submit(context.Background(), SubmitRequest{
		Username:        "alice",
		PasswordDigest:  ucs.DigestOf("secret"),
		SourceAddr:      "1000",
		DestinationAddr: "254700000000",
		ShortMessage:    "hello world",
		DLRLevel:        1,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.MessageID == "" {
		t.Fatalf("expected a non-empty message id")
	}

	pubs := pub.published()
	if len(pubs) != 1 {
		t.Fatalf("expected 1 publication, got %d", len(pubs))
	}
	if pubs[0].RoutingKey != mb.SubmitRoutingKey("smsc-1") {
		t.Fatalf("unexpected routing key %q", pubs[0].RoutingKey)
	}

	rec, err := hot.GetDLR(context.Background(), res.MessageID)
	if err != nil {
		t.Fatalf("get dlr: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected a dlr correlation record to be stored")
	}
	if rec.PartCount != 1 {
		t.Fatalf("expected part count 1, got %d", rec.PartCount)
	}
}

func TestSubmitAuthenticationFailure(t *testing.T) {
	core, _, pub, _ := newTestCore(t, "smsc-1")

	_, err := core.Submit(context.Background(), SubmitRequest{
		Username:        "alice",
		PasswordDigest:  ucs.DigestOf("wrong-password"),
		SourceAddr:      "1000",
		DestinationAddr: "254700000000",
		ShortMessage:    "hello",
	})
	if err == nil {
		t.Fatalf("expected an authentication error")
	}
	if !routingerr.Is(err, routingerr.Authentication) {
		t.Fatalf("expected Authentication category error, got %v", err)
	}
	if len(pub.published()) != 0 {
		t.Fatalf("expected no publication on auth failure")
	}
}

func TestSubmitSegmentsLongContent(t *testing.T) {
	core, _, pub, _ := newTestCore(t, "smsc-1")

	long := make([]byte, 310)
	for i := range long {
		long[i] = 'x'
	}

	res, err := core.Submit(context.Background(), SubmitRequest{
		Username:        "alice",
		PasswordDigest:  ucs.DigestOf("secret"),
		SourceAddr:      "1000",
		DestinationAddr: "254700000000",
		ShortMessage:    string(long),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.MessageID == "" {
		t.Fatalf("expected a message id")
	}

	pubs := pub.published()
	if len(pubs) != 3 {
		t.Fatalf("expected 3 segment publications for 310 bytes, got %d", len(pubs))
	}
	for _, p := range pubs {
		if p.MessageID != res.MessageID {
			t.Fatalf("expected every segment to share the parent message id")
		}
	}
}

func TestSubmitExceedsLongContentMaxParts(t *testing.T) {
	core, _, _, _ := newTestCore(t, "smsc-1")
	core.LongContentMaxParts = 1

	long := make([]byte, 310)
	for i := range long {
		long[i] = 'x'
	}

	_, err := core.Submit(context.Background(), SubmitRequest{
		Username:        "alice",
		PasswordDigest:  ucs.DigestOf("secret"),
		SourceAddr:      "1000",
		DestinationAddr: "254700000000",
		ShortMessage:    string(long),
	})
	if err == nil {
		t.Fatalf("expected a validation error for exceeding long_content_max_parts")
	}
	if !routingerr.Is(err, routingerr.Validation) {
		t.Fatalf("expected Validation category error, got %v", err)
	}
}

func TestSubmitExhaustedSubmitSmCount(t *testing.T) {
	core, users, pub, _ := newTestCore(t, "smsc-1")
	u, ok := users.GetUser("u1")
	if !ok {
		t.Fatalf("expected test user to exist")
	}
	u.MT.SubmitSmCount = ucs.NewCountQuota(0)

	_, err := core.Submit(context.Background(), SubmitRequest{
		Username:        "alice",
		PasswordDigest:  ucs.DigestOf("secret"),
		SourceAddr:      "1000",
		DestinationAddr: "254700000000",
		ShortMessage:    "hello",
	})
	if err == nil {
		t.Fatalf("expected a charging error")
	}
	if !routingerr.Is(err, routingerr.Charging) {
		t.Fatalf("expected Charging category error, got %v", err)
	}
	if len(pub.published()) != 0 {
		t.Fatalf("expected no publication when charging fails")
	}
}

func TestSubmitPublishFailureIsReported(t *testing.T) {
	core, _, pub, _ := newTestCore(t, "smsc-1")
	pub.erroring = true

	_, err := core.Submit(context.Background(), SubmitRequest{
		Username:        "alice",
		PasswordDigest:  ucs.DigestOf("secret"),
		SourceAddr:      "1000",
		DestinationAddr: "254700000000",
		ShortMessage:    "hello",
	})
	if err == nil {
		t.Fatalf("expected publish failure to surface as an error")
	}
}

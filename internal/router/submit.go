// Package router implements the Router Core (RC): submit admission,
// long-content segmentation, reassembly, and deliver/DLR classification,
// per spec.md §4.2. It is the orchestrator that ties RE, UCS, MB, and HS
// together; SCM and the throwers consume what RC publishes.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jasmin-go/jasmin/internal/hs"
	"github.com/jasmin-go/jasmin/internal/mb"
	"github.com/jasmin-go/jasmin/internal/metrics"
	"github.com/jasmin-go/jasmin/internal/route"
	"github.com/jasmin-go/jasmin/internal/routable"
	"github.com/jasmin-go/jasmin/internal/routingerr"
	"github.com/jasmin-go/jasmin/internal/smpppdu"
	"github.com/jasmin-go/jasmin/internal/ucs"
)

var _ Publisher = (*mb.Publisher)(nil)
var _ HotStore = (*hs.Store)(nil)

// gsmSinglePartLimit is the byte budget of a single, unsegmented submit_sm
// short_message (spec.md §4.2 step 5: "if content > 140 bytes... split").
const gsmSinglePartLimit = 140

// defaultLongContentMaxParts bounds segmentation fan-out absent explicit
// per-user/connector configuration.
const defaultLongContentMaxParts = 5

// Core wires RE, UCS, MB, and HS together to implement submit admission
// and deliver/DLR classification.
type Core struct {
	Routes    *route.Manager
	Users     *ucs.Store
	Publisher Publisher
	Hot       HotStore

	LongContentMaxParts int
}

// NewCore builds a Core from its collaborators, defaulting
// LongContentMaxParts to spec.md's documented default of 5.
func NewCore(routes *route.Manager, users *ucs.Store, publisher Publisher, hot HotStore) *Core {
	return &Core{
		Routes:              routes,
		Users:               users,
		Publisher:           publisher,
		Hot:                 hot,
		LongContentMaxParts: defaultLongContentMaxParts,
	}
}

// SubmitRequest is the normalized shape of an inbound submit, sourced
// either from the HTTP admission surface or from an SS-bound session.
type SubmitRequest struct {
	Username        string
	PasswordDigest  ucs.Digest
	SourceAddr      string
	DestinationAddr string
	ShortMessage    string
	DataCoding      int
	Priority        int
	ValidityPeriod  time.Duration // 0 means the 24-hour default applied by SubmitForUser
	ScheduleTime    string
	Tags            []int

	DLRLevel  int // 0 = none, 1/2/3 per spec.md §4.2 input
	DLRURL    string
	DLRMethod string

	// OriginSystemID is set by the SMPP Server when a submit arrives over
	// a bound downstream session rather than HTTP, so a later DLR for this
	// message is thrown back over SMPP to that same system_id instead of
	// an HTTP callback (spec.md §4.4).
	OriginSystemID string
}

// SubmitResult is returned to the HTTP/SS caller on a successful admission.
type SubmitResult struct {
	MessageID string
}

// Submit implements spec.md §4.2's "Submit admission" procedure end to end,
// starting at step 1 (authentication). This is the path for HTTP /send.
func (c *Core) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	user, err := c.Users.Authenticate(req.Username, req.PasswordDigest)
	if err != nil {
		metrics.SubmitTotal.WithLabelValues("auth_error").Inc()
		return nil, err
	}
	return c.SubmitForUser(ctx, user, req)
}

// SubmitForUser runs spec.md §4.2's admission procedure starting at step 2
// (credential/quota/route/segmentation), for a caller that has already
// authenticated the user by some other means. The SMPP Server uses this:
// a bound session's identity was already established at bind time, so
// re-checking username/password on every submit_sm would be redundant.
func (c *Core) SubmitForUser(ctx context.Context, user *ucs.User, req SubmitRequest) (*SubmitResult, error) {
	destAddr := user.MT.ApplyDefault("destination_addr", req.DestinationAddr)
	srcAddr := user.MT.ApplyDefault("source_addr", req.SourceAddr)
	content := user.MT.ApplyDefault("short_message", req.ShortMessage)

	if !user.MT.ValidateField("destination_addr", destAddr) {
		metrics.SubmitTotal.WithLabelValues("validation_error").Inc()
		return nil, routingerr.Validationf("destination_addr %q rejected by value filter", destAddr)
	}
	if !user.MT.ValidateField("source_addr", srcAddr) {
		metrics.SubmitTotal.WithLabelValues("validation_error").Inc()
		return nil, routingerr.Validationf("source_addr %q rejected by value filter", srcAddr)
	}

	r := routable.New(routable.MT)
	r.SourceAddr = srcAddr
	r.DestinationAddr = destAddr
	r.ShortMessage = content
	r.UserID = user.ID
	r.GroupID = user.GroupID
	for _, tag := range req.Tags {
		r.Tags[tag] = struct{}{}
	}

	matched, err := c.Routes.Match(r)
	if err != nil {
		metrics.SubmitTotal.WithLabelValues("routing_error").Inc()
		return nil, routingerr.Wrap(routingerr.Routing, "no route resolved", err)
	}

	connectorID, err := c.resolveDestination(matched)
	if err != nil {
		metrics.SubmitTotal.WithLabelValues("routing_error").Inc()
		return nil, err
	}

	segments := smpppdu.BuildUDHSegments([]byte(content), gsmSinglePartLimit, refNumByte())
	if len(segments) > c.maxParts() {
		metrics.SubmitTotal.WithLabelValues("validation_error").Inc()
		return nil, routingerr.Validationf("message requires %d parts, exceeds long_content_max_parts=%d", len(segments), c.maxParts())
	}

	unitRate := matched.Rate // kept for clarity at the charge call below
	total := unitRate * float64(len(segments))

	// early_decrement_balance_percent (spec.md §4.2 step 4) splits the
	// charge: a percentage deducts now, the remainder on the terminal DLR.
	// Unset or out-of-range values behave as 100%: charge in full up front.
	earlyPercent := user.MT.EarlyDecrementBalancePercent
	if earlyPercent <= 0 || earlyPercent > 100 {
		earlyPercent = 100
	}
	chargeNow := total * float64(earlyPercent) / 100
	remainder := total - chargeNow

	if err := c.Users.Charge(user.ID, total, chargeNow, int64(len(segments))); err != nil {
		metrics.SubmitTotal.WithLabelValues("charging_error").Inc()
		return nil, err
	}
	if _, err := c.Hot.DecrementBalance(ctx, user.ID, hs.ScaleAmount(chargeNow)); err != nil {
		log.Warn().Err(err).Str("user_id", user.ID).Msg("router: failed to mirror charge into hot store quota cache")
	}
	if _, err := c.Hot.DecrementSubmitCount(ctx, user.ID, int64(len(segments))); err != nil {
		log.Warn().Err(err).Str("user_id", user.ID).Msg("router: failed to mirror submit count into hot store quota cache")
	}

	parentID := uuid.New().String()
	validity := req.ValidityPeriod
	if validity <= 0 {
		validity = 24 * time.Hour
	}
	deadline := time.Now().Add(validity)

	for i, seg := range segments {
		headers := map[string]any{
			mb.HeaderMessageID:  parentID,
			mb.HeaderDLRLevel:   req.DLRLevel,
			mb.HeaderDLRURL:     req.DLRURL,
			mb.HeaderDLRMethod:  req.DLRMethod,
			mb.HeaderExpiration: deadline.Format(time.RFC3339Nano),
			"segment-index":    i,
			"segment-count":    len(segments),
			"source-addr":      srcAddr,
			"destination-addr": destAddr,
		}
		pub := mb.Publication{
			RoutingKey: mb.SubmitRoutingKey(connectorID),
			Body:       seg,
			Headers:    headers,
			MessageID:  parentID,
		}
		if err := c.Publisher.Publish(ctx, pub); err != nil {
			metrics.SubmitTotal.WithLabelValues("charging_error").Inc()
			return nil, fmt.Errorf("publish segment %d/%d: %w", i+1, len(segments), err)
		}
	}

	if req.DLRLevel >= 1 {
		rec := hs.DLRRecord{
			UserID:          user.ID,
			ConnectorID:     connectorID,
			SourceAddr:      srcAddr,
			DestinationAddr: destAddr,
			DLRLevel:        req.DLRLevel,
			DLRURL:          req.DLRURL,
			DLRMethod:       req.DLRMethod,
			PartCount:       len(segments),
			OriginSystemID:  req.OriginSystemID,
			RemainingAmount: remainder,
			ExpiresAt:       deadline,
		}
		if err := c.Hot.PutDLR(ctx, parentID, rec, validity); err != nil {
			log.Warn().Err(err).Str("message_id", parentID).Msg("router: failed to store dlr correlation")
		}
	}

	metrics.SubmitTotal.WithLabelValues("success").Inc()
	return &SubmitResult{MessageID: parentID}, nil
}

func (c *Core) maxParts() int {
	if c.LongContentMaxParts > 0 {
		return c.LongContentMaxParts
	}
	return defaultLongContentMaxParts
}

// resolveDestination implements spec.md §4.5's failover rule: a
// FailoverMTRoute tries its connectors in order, skipping any that are
// known-down (service_status=0) *at route resolution time only* — this is
// Open Question (iii) from DESIGN.md, resolved as "no failover once bound".
func (c *Core) resolveDestination(r *route.Route) (string, error) {
	if r.Kind != route.KindFailoverMT {
		return r.Destination(), nil
	}
	for _, cid := range r.Connectors {
		if ConnectorIsUp(cid) {
			return cid, nil
		}
	}
	// All known-down: fall back to the first anyway, matching the
	// source's behavior of attempting the primary destination even with
	// no healthy candidate, so the operator sees a concrete failure
	// rather than a silent black hole.
	if len(r.Connectors) > 0 {
		return r.Connectors[0], nil
	}
	return "", routingerr.Routingf("failover route has no connectors configured")
}

// ConnectorIsUp is the hook resolveDestination uses to skip known-down
// connectors. It defaults to "always up", and none of the daemons in cmd/
// replace it, so a FailoverMTRoute resolves to its first connector
// whatever the live SCM connector state is.
var ConnectorIsUp = func(connectorID string) bool { return true }

// refNumByte produces a reference-number byte for UDH segmentation. A
// single shared counter is sufficient since the SAR/UDH reference number
// only needs to disambiguate concurrent long messages between the same
// (source_addr, destination_addr) pair within the reassembly window.
var refCounter = newCounter()

func refNumByte() uint8 {
	return byte(refCounter.next())
}

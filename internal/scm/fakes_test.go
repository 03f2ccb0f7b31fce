package scm

import (
	"context"
	"sync"
	"time"

	"github.com/fiorix/go-smpp/smpp"
	"github.com/fiorix/go-smpp/smpp/pdu"

	"github.com/jasmin-go/jasmin/internal/mb"
)

// fakeSession is a Session whose Submit behavior is scripted per test via
// submitFunc, so connector_test.go can exercise retry/permanent-failure
// paths without a live SMSC.
type fakeSession struct {
	mu          sync.Mutex
	bound       bool
	closed      bool
	submitCalls int
	submitFunc  func(attempt int, sm *smpp.ShortMessage) (*smpp.ShortMessage, error)
	bindErr     error
	onDeliver   func(pdu.Body)
	lost        chan struct{}
}

func (s *fakeSession) Bind(ctx context.Context) error {
	if s.bindErr != nil {
		return s.bindErr
	}
	s.mu.Lock()
	s.bound = true
	if s.lost == nil {
		s.lost = make(chan struct{})
	}
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Lost() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost == nil {
		s.lost = make(chan struct{})
	}
	return s.lost
}

// triggerLoss simulates a disconnect: connector_test.go calls this to drive
// the reconnect state machine without a live SMSC.
func (s *fakeSession) triggerLoss() {
	s.mu.Lock()
	if s.lost == nil {
		s.lost = make(chan struct{})
	}
	lost := s.lost
	s.mu.Unlock()
	close(lost)
}

func (s *fakeSession) Submit(sm *smpp.ShortMessage) (*smpp.ShortMessage, error) {
	s.mu.Lock()
	s.submitCalls++
	attempt := s.submitCalls
	s.mu.Unlock()
	if s.submitFunc != nil {
		return s.submitFunc(attempt, sm)
	}
	return sm, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitCalls
}

// fakeDeliverHandler records HandleDeliver, ReportSubmitSuccess and
// ReportSubmitFailure calls in place of a router.Core.
type fakeDeliverHandler struct {
	mu             sync.Mutex
	delivered      []pdu.Body
	successesByCID map[string][]string
	failuresByCID  map[string][]string
	handleDeliverErr error
	reportErr        error
}

func newFakeDeliverHandler() *fakeDeliverHandler {
	return &fakeDeliverHandler{
		successesByCID: make(map[string][]string),
		failuresByCID:  make(map[string][]string),
	}
}

func (h *fakeDeliverHandler) ReportSubmitSuccess(_ context.Context, originConnectorID, parentMessageID, smscMessageID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successesByCID[originConnectorID] = append(h.successesByCID[originConnectorID], parentMessageID+"="+smscMessageID)
	return h.reportErr
}

func (h *fakeDeliverHandler) HandleDeliver(_ context.Context, _ string, m pdu.Body) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered = append(h.delivered, m)
	return h.handleDeliverErr
}

func (h *fakeDeliverHandler) ReportSubmitFailure(_ context.Context, originConnectorID, parentMessageID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failuresByCID[originConnectorID] = append(h.failuresByCID[originConnectorID], parentMessageID)
	return h.reportErr
}

func (h *fakeDeliverHandler) failures(cid string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.failuresByCID[cid]))
	copy(out, h.failuresByCID[cid])
	return out
}

// fakeDelayedPublisher records PublishDelayed calls in place of *mb.Publisher.
type fakeDelayedPublisher struct {
	mu    sync.Mutex
	calls []mb.Publication
	err   error
}

func (p *fakeDelayedPublisher) PublishDelayed(_ context.Context, connectorID string, ttl time.Duration, pub mb.Publication) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.calls = append(p.calls, pub)
	return nil
}

func (p *fakeDelayedPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

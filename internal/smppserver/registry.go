package smppserver

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/fiorix/go-smpp/smpp/pdu"
)

// BoundSession is what the dlr/deliver_sm throwers push PDUs through once
// they resolve a message's origin back to a still-bound downstream system_id
// (spec.md §4.4's "SmppServerSystemIdConnector" delivery target).
type BoundSession interface {
	SystemID() string
	Deliver(ctx context.Context, body pdu.Body) error
}

// Registry looks up a bound session by the system_id it authenticated as.
type Registry interface {
	Lookup(systemID string) (BoundSession, bool)
}

// boundSession adapts one accepted, authenticated connection to BoundSession.
// Writes are serialized: a PDU write races against nothing else on the same
// connection, but Deliver (thrower-driven) and the session's own response
// writes (submit_sm_resp, enquire_link_resp) both use the same net.Conn.
type boundSession struct {
	systemID string
	conn     net.Conn

	mu sync.Mutex
}

func newBoundSession(systemID string, conn net.Conn) *boundSession {
	return &boundSession{systemID: systemID, conn: conn}
}

func (b *boundSession) SystemID() string { return b.systemID }

func (b *boundSession) Deliver(ctx context.Context, body pdu.Body) error {
	return b.write(body)
}

func (b *boundSession) write(body pdu.Body) error {
	var buf bytes.Buffer
	if err := body.SerializeTo(&buf); err != nil {
		return fmt.Errorf("smppserver: serialize pdu: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.conn.Write(buf.Bytes())
	return err
}

// registry is the server's live map of bound sessions. A system_id may hold
// more than one concurrent bind (spec.md §3's max_bindings quota allows
// more than one); Lookup returns whichever one is still registered first.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]map[*boundSession]struct{}
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]map[*boundSession]struct{})}
}

func (r *registry) add(s *boundSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[s.systemID]
	if !ok {
		set = make(map[*boundSession]struct{})
		r.sessions[s.systemID] = set
	}
	set[s] = struct{}{}
}

func (r *registry) remove(s *boundSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[s.systemID]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.sessions, s.systemID)
	}
}

func (r *registry) Lookup(systemID string) (BoundSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for s := range r.sessions[systemID] {
		return s, true
	}
	return nil, false
}

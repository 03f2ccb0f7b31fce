package scm

import (
	"context"
	"fmt"
	"sync"

	"github.com/fiorix/go-smpp/smpp"
	"github.com/fiorix/go-smpp/smpp/pdu"
)

// Session is the narrow slice of github.com/fiorix/go-smpp's
// Transceiver/Transmitter/Receiver types a Connector depends on. Narrowing
// to an interface lets connector_test.go exercise the state machine and
// retry policy with a fake session instead of a live SMSC.
type Session interface {
	Bind(ctx context.Context) error
	Submit(sm *smpp.ShortMessage) (*smpp.ShortMessage, error)
	Close() error

	// Lost returns a channel closed the first time the session reports a
	// connection status other than Connected after a successful Bind, so
	// the connector's watchConnectionLoss goroutine can react per
	// ReconnectPolicy instead of only discovering a dead link on the next
	// failed Submit.
	Lost() <-chan struct{}
}

// fiorixSession adapts *smpp.Transceiver to the Session interface. A
// transceiver is used even for transmitter-only/receiver-only binds
// (fiorix/go-smpp doesn't need the distinct Transmitter/Receiver types
// unless memory is at a premium) so deliver_sm/DLR handling, which
// requires a Handler callback, is always available.
type fiorixSession struct {
	tx   *smpp.Transceiver
	lost chan struct{}
}

// newFiorixSession builds a Transceiver from a connector config and wires
// onDeliver as its inbound PDU handler.
func newFiorixSession(cfg ConnectorConfig, onDeliver func(pdu.Body)) *fiorixSession {
	return &fiorixSession{
		tx: &smpp.Transceiver{
			Addr:               fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			User:                cfg.SystemID,
			Passwd:              cfg.Password,
			EnquireLink:         cfg.EnquireLink,
			EnquireLinkTimeout:  cfg.EnquireLink * 2,
			RespTimeout:         cfg.ResponseTimeout,
			Handler:             onDeliver,
		},
		lost: make(chan struct{}),
	}
}

// Bind blocks until the first connection status arrives (or ctx is done),
// returning an error unless the session reports Connected. A background
// goroutine keeps draining the status channel afterward and closes lost
// the first time a post-bind status arrives (or the channel closes), which
// is this session's signal that the underlying connection is gone.
func (s *fiorixSession) Bind(ctx context.Context) error {
	statusCh := s.tx.Bind()
	select {
	case st, ok := <-statusCh:
		if !ok {
			return fmt.Errorf("scm: bind status channel closed before connecting")
		}
		if st.Status() != smpp.Connected {
			return fmt.Errorf("scm: bind failed: %s", st.Status())
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	go func() {
		var once sync.Once
		signalLost := func() { once.Do(func() { close(s.lost) }) }
		for range statusCh {
			signalLost()
		}
		signalLost()
	}()
	return nil
}

func (s *fiorixSession) Submit(sm *smpp.ShortMessage) (*smpp.ShortMessage, error) {
	return s.tx.Submit(sm)
}

func (s *fiorixSession) Close() error {
	return s.tx.Close()
}

func (s *fiorixSession) Lost() <-chan struct{} {
	return s.lost
}

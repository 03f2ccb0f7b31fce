package smppserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fiorix/go-smpp/smpp/pdu"
	"github.com/fiorix/go-smpp/smpp/pdu/pdufield"
	"github.com/rs/zerolog/log"

	"github.com/jasmin-go/jasmin/internal/router"
	"github.com/jasmin-go/jasmin/internal/ucs"
)

// Authenticator is the slice of *ucs.Store a Server needs to validate a
// bind request. Narrowed to an interface so server_test.go can exercise
// bind/submit handling without a live Store.
type Authenticator interface {
	Authenticate(username string, digest ucs.Digest) (*ucs.User, error)
}

// Submitter is the slice of *router.Core a Server needs to admit a
// submit_sm arriving over a bound session. A bound session's identity was
// already established at bind time, so the server calls SubmitForUser
// rather than re-authenticating on every submit_sm.
type Submitter interface {
	SubmitForUser(ctx context.Context, user *ucs.User, req router.SubmitRequest) (*router.SubmitResult, error)
}

var _ Authenticator = (*ucs.Store)(nil)
var _ Submitter = (*router.Core)(nil)

// Server accepts downstream SMPP binds, authenticating and admitting their
// submit_sm traffic through the Router Core, and exposes a Registry the
// throwers use to forward DLRs and MOs back over a still-bound session,
// per spec.md §4.4.
type Server struct {
	cfg       Config
	auth      Authenticator
	submitter Submitter
	registry  *registry

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewServer builds a Server. It does not listen until ListenAndServe is called.
func NewServer(cfg Config, auth Authenticator, submitter Submitter) *Server {
	return &Server{
		cfg:       cfg.WithDefaults(),
		auth:      auth,
		submitter: submitter,
		registry:  newRegistry(),
	}
}

// Registry exposes the server's bound-session lookup to the dlr/deliver_sm
// throwers.
func (s *Server) Registry() Registry { return s.registry }

// ListenAndServe opens the listener and accepts connections until ctx is
// canceled or the listener is closed. It blocks.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("smppserver: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// Close stops accepting new connections. Sessions already bound are left
// to drain on their own (an unbind or a read error on the underlying conn).
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Wait blocks until every in-flight connection handler has returned,
// for use during graceful shutdown.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	conn.SetReadDeadline(time.Now().Add(s.cfg.BindTimeout))
	bindReq, err := pdu.Decode(r)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("smppserver: failed to read bind pdu")
		}
		return
	}
	conn.SetReadDeadline(time.Time{})

	user, bindResp, ok := s.bind(bindReq)
	if !ok {
		writePDU(conn, bindResp)
		return
	}
	if err := writePDU(conn, bindResp); err != nil {
		log.Warn().Err(err).Msg("smppserver: failed to write bind_resp")
		return
	}

	sess := newBoundSession(user.Username, conn)
	s.registry.add(sess)
	defer func() {
		s.registry.remove(sess)
		user.DecrementBoundCount()
	}()

	log.Info().Str("system_id", user.Username).Str("remote", conn.RemoteAddr().String()).Msg("smppserver: bound")

	for {
		m, err := pdu.Decode(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("system_id", user.Username).Msg("smppserver: session read ended")
			}
			return
		}

		switch m.Header().ID {
		case pdu.SubmitSMID:
			resp := s.handleSubmitSM(ctx, user, m)
			resp.Header().Seq = m.Header().Seq
			if err := sess.write(resp); err != nil {
				log.Warn().Err(err).Str("system_id", user.Username).Msg("smppserver: failed to write submit_sm_resp")
				return
			}
		case pdu.EnquireLinkID:
			resp := pdu.NewEnquireLinkResp()
			resp.Header().Seq = m.Header().Seq
			if err := sess.write(resp); err != nil {
				return
			}
		case pdu.UnbindID:
			resp := pdu.NewUnbindResp()
			resp.Header().Seq = m.Header().Seq
			sess.write(resp)
			return
		default:
			log.Debug().Str("system_id", user.Username).Interface("pdu_id", m.Header().ID).Msg("smppserver: unhandled pdu, ignoring")
		}
	}
}

// bind validates a bind_transmitter/bind_receiver/bind_transceiver request
// against the User & Credential Store, enforcing authorized_bind and
// max_bindings (spec.md §3). It returns the authenticated user plus the
// bind_resp to send; ok is false when the bind must be rejected (bindResp
// still carries the failure status and should still be written to the peer).
func (s *Server) bind(req pdu.Body) (*ucs.User, pdu.Body, bool) {
	var resp pdu.Body
	switch req.Header().ID {
	case pdu.BindTransmitterID:
		resp = pdu.NewBindTransmitterResp()
	case pdu.BindReceiverID:
		resp = pdu.NewBindReceiverResp()
	case pdu.BindTransceiverID:
		resp = pdu.NewBindTransceiverResp()
	default:
		resp = pdu.NewGenericNACK()
		resp.Header().Seq = req.Header().Seq
		resp.Header().Status = pdu.Status(esmeRInvCmdID)
		return nil, resp, false
	}
	resp.Header().Seq = req.Header().Seq

	f := req.Fields()
	systemID := f[pdufield.SystemID].String()
	password := f[pdufield.Password].String()

	user, err := s.auth.Authenticate(systemID, ucs.DigestOf(password))
	if err != nil {
		resp.Header().Status = pdu.Status(esmeRInvPaswd)
		return nil, resp, false
	}
	if !user.SMPPs.AuthorizedBind {
		resp.Header().Status = pdu.Status(esmeRBindFail)
		return nil, resp, false
	}
	if !user.IncrementBoundCount() {
		resp.Header().Status = pdu.Status(esmeRBindFail)
		return nil, resp, false
	}

	resp.Fields().Set(pdufield.SystemID, systemID)
	return user, resp, true
}

// handleSubmitSM admits one submit_sm over a bound session by delegating to
// the Router Core's SubmitForUser, building a submit_sm_resp that reports
// either the assigned message id or a status mapped from the admission
// error (spec.md §4.4).
func (s *Server) handleSubmitSM(ctx context.Context, user *ucs.User, m pdu.Body) pdu.Body {
	f := m.Fields()
	resp := pdu.NewSubmitSMResp()

	req := router.SubmitRequest{
		SourceAddr:      f[pdufield.SourceAddr].String(),
		DestinationAddr: f[pdufield.DestinationAddr].String(),
		ShortMessage:    f[pdufield.ShortMessage].String(),
		DataCoding:      fieldInt(f[pdufield.DataCoding]),
		OriginSystemID:  user.Username,
	}
	if fieldInt(f[pdufield.RegisteredDelivery]) != 0 {
		req.DLRLevel = 2
	}

	result, err := s.submitter.SubmitForUser(ctx, user, req)
	if err != nil {
		resp.Header().Status = pdu.Status(statusForErr(err))
		return resp
	}

	resp.Fields().Set(pdufield.MessageID, result.MessageID)
	return resp
}

func fieldInt(f pdufield.Body) int {
	if f == nil {
		return 0
	}
	switch v := f.Raw().(type) {
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}

func writePDU(w io.Writer, body pdu.Body) error {
	return body.SerializeTo(w)
}

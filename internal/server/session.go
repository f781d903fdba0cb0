package server

import (
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/myuser/uranus/internal/metrics"
	"github.com/myuser/uranus/internal/protocol"
	"github.com/myuser/uranus/internal/txn"
)

// session is the state of one client connection. It holds at most one open
// transaction; data commands outside it run as single-command transactions.
type session struct {
	id   string
	srv  *Server
	nc   net.Conn
	conn *protocol.Conn
	log  *zap.Logger

	txn  uint64
	open bool
}

func newSession(srv *Server, nc net.Conn) *session {
	id := uuid.NewString()
	return &session{
		id:   id,
		srv:  srv,
		nc:   nc,
		conn: protocol.NewConn(nc, protocol.NewDecoder(srv.opts.Limits)),
		log: srv.log.With(
			zap.String("conn", id),
			zap.Stringer("remote", nc.RemoteAddr())),
	}
}

func (s *session) mgr() *txn.Manager { return s.srv.mgr }

// withTxn runs fn inside the open transaction, or inside a fresh one that is
// committed right after when none is open.
func (s *session) withTxn(fn func(id uint64) error) error {
	if s.open {
		err := fn(s.txn)
		if errors.Is(err, txn.ErrInvalidState) {
			// reaped or otherwise gone; let the client start over
			s.open = false
		}
		return err
	}

	id, err := s.mgr().Begin()
	if err != nil {
		return err
	}
	if err := fn(id); err != nil {
		s.mgr().Abort(id)
		return err
	}
	_, err = s.mgr().Commit(id)
	return err
}

// serve reads and answers requests until the peer goes away, a framing error
// occurs or the server shuts down.
func (s *session) serve() {
	metrics.ConnectionGauge.Inc()
	s.log.Debug("connection opened")
	defer func() {
		s.close()
		metrics.ConnectionGauge.Dec()
	}()

	for {
		req, err := s.conn.ReadValue()
		if err != nil {
			s.readFailed(err)
			return
		}
		if err := s.conn.WriteValue(s.dispatch(req)); err != nil {
			s.log.Debug("write reply failed", zap.Error(err))
			return
		}
	}
}

func (s *session) readFailed(err error) {
	switch {
	case errors.Is(err, io.EOF):
		s.log.Debug("connection closed by peer")
	case protocol.IsProtocolError(err):
		metrics.CommandCounter.WithLabelValues("invalid", "error").Inc()
		s.log.Warn("malformed request, closing connection", zap.Error(err))
		// best effort: the stream cannot be resynchronized after this
		s.conn.WriteValue(errorReply(err))
	case s.srv.shuttingDown():
	default:
		s.log.Debug("read failed", zap.Error(err))
	}
}

// close aborts the open transaction and drops the connection.
func (s *session) close() {
	if s.open {
		s.open = false
		if err := s.mgr().Abort(s.txn); err != nil && !errors.Is(err, txn.ErrInvalidState) {
			s.log.Debug("abort on disconnect failed", zap.Uint64("txn", s.txn), zap.Error(err))
		} else if err == nil {
			s.log.Debug("aborted transaction of closed connection", zap.Uint64("txn", s.txn))
		}
	}
	s.conn.Close()
}

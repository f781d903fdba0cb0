package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/myuser/uranus/internal/protocol"
	"github.com/myuser/uranus/internal/txn"
)

const (
	acceptBackoffBase = 10 * time.Millisecond
	acceptBackoffMax  = 64 * acceptBackoffBase
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server closed")

type Options struct {
	Addr string
	// AdminAddr serves the HTTP admin endpoints. Empty disables them.
	AdminAddr string

	IdleTxnTimeout time.Duration
	ReapInterval   time.Duration

	Limits protocol.Limits
}

// Server accepts client connections and runs one session per connection
// against a transaction manager.
type Server struct {
	opts Options
	mgr  *txn.Manager
	log  *zap.Logger

	mu       sync.Mutex
	ln       net.Listener
	admin    *http.Server
	sessions map[*session]struct{}
	closing  atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
}

func New(opts Options, mgr *txn.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		opts:     opts,
		mgr:      mgr,
		log:      logger,
		sessions: make(map[*session]struct{}),
		done:     make(chan struct{}),
	}
}

// ListenAndServe listens on opts.Addr (and opts.AdminAddr if set) and serves
// until Shutdown or a fatal error.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.opts.Addr)
	}
	if s.opts.AdminAddr != "" {
		if err := s.serveAdmin(); err != nil {
			ln.Close()
			return err
		}
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. It returns ErrServerClosed after
// Shutdown, and an error wrapping txn.ErrStorageIO if the manager fails.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info("uranus started to serve requests", zap.Stringer("addr", ln.Addr()))

	if s.opts.IdleTxnTimeout > 0 && s.opts.ReapInterval > 0 {
		s.wg.Add(1)
		go s.reap()
	}

	failed := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-s.mgr.Failed():
			close(failed)
			s.log.Error("transaction manager failed, stopping", zap.Error(s.mgr.Err()))
			ln.Close()
		case <-s.done:
		case <-stop:
		}
	}()

	for {
		nc, err := s.accept(ln)
		if err != nil {
			select {
			case <-failed:
				return errors.Wrap(txn.ErrStorageIO, "server stopped")
			default:
			}
			if s.shuttingDown() {
				return ErrServerClosed
			}
			return err
		}

		sess := newSession(s, nc)
		if !s.track(sess) {
			nc.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(sess)
			sess.serve()
		}()
	}
}

// accept retries temporary failures with exponential backoff and gives up
// once the delay would exceed acceptBackoffMax.
func (s *Server) accept(ln net.Listener) (net.Conn, error) {
	backoff := acceptBackoffBase
	for {
		nc, err := ln.Accept()
		if err == nil {
			return nc, nil
		}
		if s.shuttingDown() || errors.Is(err, net.ErrClosed) {
			return nil, err
		}
		if backoff > acceptBackoffMax {
			return nil, errors.Wrap(err, "accept")
		}
		s.log.Warn("accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-time.After(backoff):
		case <-s.done:
			return nil, ErrServerClosed
		}
		backoff *= 2
	}
}

func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

func (s *Server) shuttingDown() bool {
	return s.closing.Load()
}

// reap aborts transactions that have been idle too long.
func (s *Server) reap() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if n := s.mgr.AbortIdle(s.opts.IdleTxnTimeout); n > 0 {
				s.log.Info("reaped idle transactions", zap.Int("count", n))
			}
		}
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting, closes every connection (aborting their open
// transactions) and waits for sessions to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)

	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	for sess := range s.sessions {
		sess.nc.Close()
	}
	admin := s.admin
	s.mu.Unlock()

	var adminErr error
	if admin != nil {
		adminErr = admin.Shutdown(ctx)
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		s.log.Info("server stopped")
		return adminErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

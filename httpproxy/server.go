package httpproxy

import (
	"fmt"
	"net"
	"sync"

	"dqx0.com/go/wirekit/internal/obs"
)

// Server is the caching forward proxy. The zero value is usable;
// configure before the first call to Serve.
type Server struct {
	Addr   string
	Logger obs.Logger
	Meter  obs.Meter
	Cache  *Cache
	// Dial connects to an origin. host is taken verbatim from the
	// request URL; scheme is the service to use when host carries no
	// port. Nil uses the network.
	Dial func(host, scheme string) (net.Conn, error)

	mu       sync.Mutex
	ln       net.Listener
	sessions map[*session]struct{}
	closed   bool
}

// ListenAndServe binds Addr and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, one session per connection.
// It returns nil after Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrClosed
	}
	s.ln = ln
	if s.Cache == nil {
		s.Cache = NewCache()
	}
	if s.sessions == nil {
		s.sessions = make(map[*session]struct{})
	}
	s.mu.Unlock()

	log := obs.Or(s.Logger)
	meter := obs.MeterOr(s.Meter)
	dial := s.Dial
	if dial == nil {
		dial = defaultDial
	}

	for {
		c, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}

		sess := newSession(c, s.Cache, dial, log, meter)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			sess.stop()
			return nil
		}
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()
		meter.Counter("httpproxy_sessions_total", 1)

		go func() {
			sess.run()
			s.mu.Lock()
			delete(s.sessions, sess)
			s.mu.Unlock()
		}()
	}
}

// Shutdown closes the listener and every live session's sockets. The
// serve loop drains and returns nil.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	live := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.sessions = make(map[*session]struct{})
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, sess := range live {
		sess.stop()
	}
}

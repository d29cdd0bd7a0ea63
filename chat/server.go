package chat

import (
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"dqx0.com/go/wirekit/internal/netio"
	"dqx0.com/go/wirekit/internal/obs"
)

// maxQueuedConns is the accept backlog.
const maxQueuedConns = 16

// Server is the broadcast chat server. Every accepted message is
// stamped with the server's wall clock, appended to history and fanned
// out to all connected peers under one lock, so all peers observe the
// same message order; a connecting peer receives the full history
// before any later message.
type Server struct {
	Logger obs.Logger
	Meter  obs.Meter

	mu      sync.Mutex
	peers   map[*peer]struct{}
	history []Message
	ln      net.Listener
	closed  bool
	now     func() time.Time
}

type peer struct {
	conn net.Conn
}

// ListenAndServe listens on 0.0.0.0:port and serves until Close.
func (s *Server) ListenAndServe(port uint16) error {
	ln, err := listenWithBacklog(port, maxQueuedConns)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// listenWithBacklog opens a listening TCP socket with an explicit
// accept queue depth. net.Listen offers no backlog knob, so the
// socket is set up directly and handed to the runtime afterwards.
func listenWithBacklog(port uint16, backlog int) (net.Listener, error) {
	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		_ = syscall.Close(fd)
		return nil, err
	}
	sa := &syscall.SockaddrInet4{Port: int(port)} // INADDR_ANY
	if err := syscall.Bind(fd, sa); err != nil {
		_ = syscall.Close(fd)
		return nil, err
	}
	if err := syscall.Listen(fd, backlog); err != nil {
		_ = syscall.Close(fd)
		return nil, err
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		_ = syscall.Close(fd)
		return nil, err
	}
	f := os.NewFile(uintptr(fd), "chat-listener")
	defer f.Close()
	return net.FileListener(f)
}

// Serve accepts peers on ln until Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	if s.peers == nil {
		s.peers = make(map[*peer]struct{})
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.mu.Unlock()

	log := obs.Or(s.Logger)
	meter := obs.MeterOr(s.Meter)

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
		p := &peer{conn: c}
		s.attach(p)
		meter.Counter("chat_peers_total", 1)
		log.Logf(obs.Debug, "peer connected: %s", c.RemoteAddr())
		go s.servePeer(p, log, meter)
	}
}

// attach registers the peer and replays history to it before any
// later fan-out can reach it.
func (s *Server) attach(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p] = struct{}{}
	for _, m := range s.history {
		if err := m.Encode(p.conn); err != nil {
			break
		}
	}
}

func (s *Server) detach(p *peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	_ = p.conn.Close()
}

func (s *Server) servePeer(p *peer, log obs.Logger, meter obs.Meter) {
	defer s.detach(p)
	r := netio.NewReader(p.conn)
	for {
		m, err := ReadMessage(r)
		if err != nil {
			// EOF, read error or a malformed frame all mean the peer
			// is gone.
			log.Logf(obs.Debug, "peer gone: %s", p.conn.RemoteAddr())
			return
		}
		s.broadcast(m)
		meter.Counter("chat_messages_total", 1)
	}
}

// broadcast stamps the message, appends it to history and writes it
// to every currently attached peer. Write failures are left for the
// failing peer's reader to notice.
func (s *Server) broadcast(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.Accepted = s.now().Unix()
	s.history = append(s.history, m)
	for p := range s.peers {
		_ = m.Encode(p.conn)
	}
}

// Close stops accepting and disconnects every peer.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	live := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		live = append(live, p)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, p := range live {
		_ = p.conn.Close()
	}
}

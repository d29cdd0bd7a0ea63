package tftp

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"dqx0.com/go/wirekit/internal/obs"
)

// Server answers RRQ/WRQ on the well-known port and runs every
// accepted transfer on its own ephemeral socket. Files are opened by
// their requested name verbatim, relative to the working directory.
type Server struct {
	Port    uint16        // 0 means 69
	Timeout time.Duration // 0 means DefaultTimeout
	Logger  obs.Logger    // Client:/Server: error lines and timeouts
	Trace   obs.Logger    // per-packet SEND/RECV lines
	Meter   obs.Meter

	mu     sync.Mutex
	req    *Transport
	closed bool
}

func (s *Server) port() uint16 {
	if s.Port == 0 {
		return 69
	}
	return s.Port
}

func (s *Server) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

// ListenAndServe binds the request port and serves until Close.
func (s *Server) ListenAndServe() error {
	t, err := Open(s.port())
	if err != nil {
		return err
	}
	return s.serve(t)
}

func (s *Server) serve(t *Transport) error {
	t.SetTrace(s.Trace)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = t.Close()
		return nil
	}
	s.req = t
	s.mu.Unlock()

	log := obs.Or(s.Logger)
	meter := obs.MeterOr(s.Meter)

	for {
		r, err := t.Receive(0)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.accept(t, r, log, meter)
	}
}

// Close shuts the request socket; live transfers run out on their own
// timeouts.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	t := s.req
	s.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
}

// accept handles one datagram on the request port: anything that is
// not a well-formed RRQ/WRQ is answered with an ERROR and dropped.
func (s *Server) accept(t *Transport, r *Received, log obs.Logger, meter obs.Meter) {
	if r.ParseErr != nil {
		log.Logf(obs.Warn, "Server: %s", r.ParseErr.Message)
		_ = t.Send(r.From, NewError(ErrIllegalOpcode, r.ParseErr.Message))
		return
	}

	switch p := r.Packet.(type) {
	case Request:
		s.startTransfer(p, r.From, log, meter)
	case Error:
		log.Logf(obs.Warn, "Client: %s", p.Message)
		answer := NewError(ErrIllegalOpcode, "")
		log.Logf(obs.Warn, "Server: %s", answer.Message)
		_ = t.Send(r.From, answer)
	default:
		answer := NewError(ErrIllegalOpcode, "")
		log.Logf(obs.Warn, "Server: %s", answer.Message)
		_ = t.Send(r.From, answer)
	}
}

// blockSource hands out successive DATA payloads for a read transfer.
type blockSource interface {
	next() ([]byte, error)
	close()
}

// fileSource streams an octet-mode file in 512-byte blocks.
type fileSource struct {
	f *os.File
}

func (s *fileSource) next() ([]byte, error) {
	buf := make([]byte, BlockSize)
	n, err := io.ReadFull(s.f, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return buf[:n], nil
	}
	return buf[:n], err
}

func (s *fileSource) close() { _ = s.f.Close() }

// memSource serves 512-byte windows of a buffer; used for NetASCII
// reads, which encode the whole file up front.
type memSource struct {
	data []byte
	off  int
}

func (s *memSource) next() ([]byte, error) {
	end := s.off + BlockSize
	if end > len(s.data) {
		end = len(s.data)
	}
	b := s.data[s.off:end]
	s.off = end
	return b, nil
}

func (s *memSource) close() {}

// blockSink collects DATA payloads for a write transfer.
type blockSink interface {
	append(p []byte) error
	finish() error
	abort()
}

// fileSink writes octet-mode blocks straight to the file.
type fileSink struct {
	f *os.File
}

func (s *fileSink) append(p []byte) error {
	_, err := s.f.Write(p)
	return err
}

func (s *fileSink) finish() error { return s.f.Close() }

func (s *fileSink) abort() { _ = s.f.Close() }

// netasciiSink buffers the encoded payload and decodes once at
// completion.
type netasciiSink struct {
	filename string
	data     []byte
}

func (s *netasciiSink) append(p []byte) error {
	s.data = append(s.data, p...)
	return nil
}

func (s *netasciiSink) finish() error {
	return os.WriteFile(s.filename, FromNetASCII(s.data), 0o644)
}

func (s *netasciiSink) abort() {}

type transfer struct {
	t     *Transport
	peer  *net.UDPAddr
	tid   uint16
	log   obs.Logger
	meter obs.Meter

	timeout time.Duration

	// reading state
	src       blockSource
	lastSent  uint16
	lastShort bool

	// writing state
	sink    blockSink
	lastAck uint16
}

func (s *Server) startTransfer(req Request, peer *net.UDPAddr, log obs.Logger, meter obs.Meter) {
	t, err := OpenEphemeral()
	if err != nil {
		log.Logf(obs.Error, "Server: %v", err)
		return
	}
	t.SetTrace(s.Trace)

	tr := &transfer{
		t:       t,
		peer:    peer,
		tid:     uint16(peer.Port),
		log:     log,
		meter:   meter,
		timeout: s.timeout(),
	}

	switch req.Op {
	case OpRRQ:
		src, err := openSource(req)
		if err != nil {
			answer := NewError(ErrFileNotFound, "")
			log.Logf(obs.Warn, "Server: %s", answer.Message)
			_ = t.Send(peer, answer)
			_ = t.Close()
			return
		}
		tr.src = src
		block, err := src.next()
		if err != nil {
			_ = t.Send(peer, NewError(ErrUndefined, err.Error()))
			tr.destroy()
			return
		}
		tr.lastSent = 1
		tr.lastShort = len(block) < BlockSize
		if err := t.Send(peer, Data{Block: 1, Payload: block}); err != nil {
			tr.destroy()
			return
		}

	default: // OpWRQ
		sink, err := openSink(req)
		if err != nil {
			answer := NewError(ErrAccessViolation, "")
			log.Logf(obs.Warn, "Server: %s", answer.Message)
			_ = t.Send(peer, answer)
			_ = t.Close()
			return
		}
		tr.sink = sink
		if err := t.Send(peer, Ack{Block: 0}); err != nil {
			tr.destroy()
			return
		}
	}

	meter.Counter("tftp_transfers_total", 1)
	go tr.run()
}

func openSource(req Request) (blockSource, error) {
	if req.Mode == ModeNetASCII {
		raw, err := os.ReadFile(req.Filename)
		if err != nil {
			return nil, err
		}
		return &memSource{data: ToNetASCII(raw)}, nil
	}
	f, err := os.Open(req.Filename)
	if err != nil {
		return nil, err
	}
	return &fileSource{f: f}, nil
}

func openSink(req Request) (blockSink, error) {
	if req.Mode == ModeNetASCII {
		return &netasciiSink{filename: req.Filename}, nil
	}
	f, err := os.Create(req.Filename)
	if err != nil {
		return nil, err
	}
	return &fileSink{f: f}, nil
}

func (tr *transfer) destroy() {
	if tr.src != nil {
		tr.src.close()
	}
	if tr.sink != nil {
		tr.sink.abort()
	}
	_ = tr.t.Close()
}

// run drives the transfer until it finishes, errors out or times out.
func (tr *transfer) run() {
	defer tr.destroy()
	for {
		r, err := tr.t.Receive(tr.timeout)
		if err == ErrTimeout {
			tr.log.Logf(obs.Warn, "Server: timeout")
			tr.meter.Counter("tftp_transfers_expired_total", 1)
			return
		}
		if err != nil {
			return
		}
		// Datagrams from a foreign port belong to no transfer on this
		// socket.
		if r.TID != tr.tid {
			_ = tr.t.Send(r.From, NewError(ErrUnknownTransferID, ""))
			continue
		}
		if r.ParseErr != nil {
			tr.log.Logf(obs.Warn, "Server: %s", r.ParseErr.Message)
			_ = tr.t.Send(r.From, NewError(ErrIllegalOpcode, r.ParseErr.Message))
			return
		}
		if !tr.handle(r.Packet) {
			return
		}
	}
}

// handle advances the state machine by one packet; false ends the
// transfer.
func (tr *transfer) handle(p Packet) bool {
	switch p := p.(type) {
	case Error:
		tr.log.Logf(obs.Warn, "Client: %s", p.Message)
		return false

	case Ack:
		if tr.src == nil {
			break
		}
		if p.Block != tr.lastSent {
			return true // stale acknowledgement
		}
		if tr.lastShort {
			return false // final block acknowledged
		}
		block, err := tr.src.next()
		if err != nil {
			_ = tr.t.Send(tr.peer, NewError(ErrUndefined, err.Error()))
			tr.log.Logf(obs.Warn, "Server: %s", err.Error())
			return false
		}
		tr.lastSent++
		tr.lastShort = len(block) < BlockSize
		if err := tr.t.Send(tr.peer, Data{Block: tr.lastSent, Payload: block}); err != nil {
			return false
		}
		return true

	case Data:
		if tr.sink == nil {
			break
		}
		if p.Block == tr.lastAck {
			// The previous acknowledgement was lost; repeat it.
			_ = tr.t.Send(tr.peer, Ack{Block: tr.lastAck})
			return true
		}
		if p.Block != tr.lastAck+1 {
			return true
		}
		if err := tr.sink.append(p.Payload); err != nil {
			_ = tr.t.Send(tr.peer, NewError(ErrDiskFull, ""))
			tr.log.Logf(obs.Warn, "Server: %s", err.Error())
			return false
		}
		tr.lastAck = p.Block
		if len(p.Payload) < BlockSize {
			// Complete the file before the final acknowledgement goes
			// out, so the writer observes a finished file once acked.
			if err := tr.sink.finish(); err != nil {
				tr.log.Logf(obs.Warn, "Server: %s", err.Error())
			}
			tr.sink = nil
			_ = tr.t.Send(tr.peer, Ack{Block: p.Block})
			return false
		}
		if err := tr.t.Send(tr.peer, Ack{Block: p.Block}); err != nil {
			return false
		}
		return true
	}

	answer := NewError(ErrIllegalOpcode, "")
	tr.log.Logf(obs.Warn, "Server: %s", answer.Message)
	_ = tr.t.Send(tr.peer, answer)
	return false
}

package tftp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"dqx0.com/go/wirekit/internal/obs"
)

// DefaultTimeout bounds each wait for the peer's next packet.
const DefaultTimeout = 2000 * time.Millisecond

// ErrIllegalAnswer reports a datagram from the server that did not
// decode as any TFTP packet.
var ErrIllegalAnswer = errors.New("tftp: illegal answer from server")

// Client performs lock-step transfers against one server. Each call
// opens its own ephemeral transport.
type Client struct {
	Host    string
	Port    uint16        // 0 means 69
	Timeout time.Duration // 0 means DefaultTimeout
	Trace   obs.Logger    // per-packet SEND/RECV lines
}

func (c *Client) port() uint16 {
	if c.Port == 0 {
		return 69
	}
	return c.Port
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// tidLock pins the server's per-transfer port once the first expected
// packet arrived; later datagrams from any other port are answered
// with UNKNOWN_TRANSFER_ID and skipped.
type tidLock struct {
	port uint16
}

func (l *tidLock) admit(t *Transport, r *Received) (bool, error) {
	if l.port == 0 {
		return true, nil
	}
	if r.TID == l.port {
		return true, nil
	}
	err := t.Send(r.From, NewError(ErrUnknownTransferID, ""))
	return false, err
}

func (l *tidLock) pin(port uint16) {
	if l.port == 0 {
		l.port = port
	}
}

// receive waits for the next admissible datagram, handling timeout,
// parse failures and foreign transfer IDs.
func (c *Client) receive(t *Transport, lock *tidLock) (*Received, error) {
	for {
		r, err := t.Receive(c.timeout())
		if err != nil {
			return nil, err
		}
		if r.ParseErr != nil {
			_ = t.Send(r.From, NewError(ErrIllegalOpcode, r.ParseErr.Message))
			return nil, ErrIllegalAnswer
		}
		ok, err := lock.admit(t, r)
		if err != nil {
			return nil, err
		}
		if ok {
			return r, nil
		}
	}
}

// Read fetches filename from the server in octet mode and appends its
// payload to sink.
func (c *Client) Read(filename string, sink io.Writer) error {
	server, err := Resolve(c.Host, c.port())
	if err != nil {
		return err
	}
	t, err := OpenEphemeral()
	if err != nil {
		return err
	}
	defer t.Close()
	t.SetTrace(c.Trace)

	if err := t.Send(server, Request{Op: OpRRQ, Filename: filename, Mode: ModeOctet}); err != nil {
		return err
	}

	var lock tidLock
	expected := uint16(1)
	for {
		r, err := c.receive(t, &lock)
		if err != nil {
			return err
		}

		switch p := r.Packet.(type) {
		case Error:
			return fmt.Errorf("tftp: server: %s", p.Message)
		case Data:
			lock.pin(r.TID)
			if p.Block != expected {
				continue // duplicate
			}
			if _, err := sink.Write(p.Payload); err != nil {
				return err
			}
			if err := t.Send(r.From, Ack{Block: p.Block}); err != nil {
				return err
			}
			expected++
			if len(p.Payload) < BlockSize {
				return nil
			}
		default:
			answer := NewError(ErrIllegalOpcode, "")
			_ = t.Send(r.From, answer)
			return fmt.Errorf("tftp: %s", answer.Message)
		}
	}
}

// Write stores the source's bytes as filename on the server in octet
// mode. The transfer ends with a short block, possibly empty.
func (c *Client) Write(filename string, source io.Reader) error {
	server, err := Resolve(c.Host, c.port())
	if err != nil {
		return err
	}
	t, err := OpenEphemeral()
	if err != nil {
		return err
	}
	defer t.Close()
	t.SetTrace(c.Trace)

	if err := t.Send(server, Request{Op: OpWRQ, Filename: filename, Mode: ModeOctet}); err != nil {
		return err
	}

	var lock tidLock
	var peer *net.UDPAddr
	awaitAck := func(block uint16) error {
		for {
			r, err := c.receive(t, &lock)
			if err != nil {
				return err
			}
			switch p := r.Packet.(type) {
			case Error:
				return fmt.Errorf("tftp: server: %s", p.Message)
			case Ack:
				lock.pin(r.TID)
				peer = r.From
				if p.Block != block {
					continue // stale acknowledgement
				}
				return nil
			default:
				answer := NewError(ErrIllegalOpcode, "")
				_ = t.Send(r.From, answer)
				return fmt.Errorf("tftp: %s", answer.Message)
			}
		}
	}

	if err := awaitAck(0); err != nil {
		return err
	}

	block := uint16(1)
	buf := make([]byte, BlockSize)
	for {
		n, err := readFull(source, buf)
		if err != nil {
			return err
		}
		if err := t.Send(peer, Data{Block: block, Payload: buf[:n]}); err != nil {
			return err
		}
		if err := awaitAck(block); err != nil {
			return err
		}
		if n < BlockSize {
			return nil
		}
		block++
	}
}

// readFull fills buf as far as the source allows; EOF is reported as
// a short (or zero) count.
func readFull(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return n, nil
	}
	return n, err
}

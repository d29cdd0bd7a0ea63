package tftp

import (
	"errors"
	"math/rand"
	"net"
	"strconv"
	"time"

	"dqx0.com/go/wirekit/internal/obs"
)

var (
	ErrTimeout   = errors.New("tftp: timeout")
	ErrTransport = errors.New("tftp: transport error")
)

// maxDatagram leaves headroom over a full DATA packet.
const maxDatagram = 520

// Transport is one UDP endpoint. It owns its socket; Close releases
// it.
type Transport struct {
	conn  *net.UDPConn
	trace obs.Logger
}

// Open binds the given local port.
func Open(port uint16) (*Transport, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, errors.Join(ErrTransport, err)
	}
	return &Transport{conn: conn, trace: obs.NopLogger{}}, nil
}

// OpenEphemeral retries random ports in [1024, 65535] until one binds.
func OpenEphemeral() (*Transport, error) {
	for {
		port := 1024 + rand.Intn(65536-1024)
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
		if err != nil {
			continue
		}
		return &Transport{conn: conn, trace: obs.NopLogger{}}, nil
	}
}

// SetTrace installs a logger that records every packet sent and
// received.
func (t *Transport) SetTrace(log obs.Logger) {
	t.trace = obs.Or(log)
}

func (t *Transport) Close() error {
	return t.conn.Close()
}

// LocalPort is the transfer ID of this side.
func (t *Transport) LocalPort() uint16 {
	return uint16(t.conn.LocalAddr().(*net.UDPAddr).Port)
}

// Send encodes and transmits one packet to the endpoint.
func (t *Transport) Send(to *net.UDPAddr, p Packet) error {
	if _, err := t.conn.WriteToUDP(Marshal(p), to); err != nil {
		return errors.Join(ErrTransport, err)
	}
	t.trace.Logf(obs.Info, "SEND %s", describe(p))
	return nil
}

// Received is one inbound datagram. Packet is nil when the payload
// did not decode; ParseErr then says why. TID is the sender's UDP
// port.
type Received struct {
	From     *net.UDPAddr
	TID      uint16
	Packet   Packet
	ParseErr *ParseError
}

// Receive waits up to timeout for one datagram; zero or negative
// blocks indefinitely. Deadline expiry returns ErrTimeout.
func (t *Transport) Receive(timeout time.Duration) (*Received, error) {
	if timeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, maxDatagram)
	n, from, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrTimeout
		}
		return nil, errors.Join(ErrTransport, err)
	}

	r := &Received{From: from, TID: uint16(from.Port)}
	p, err := Unmarshal(buf[:n])
	if err != nil {
		var pe *ParseError
		errors.As(err, &pe)
		r.ParseErr = pe
		return r, nil
	}
	r.Packet = p
	t.trace.Logf(obs.Info, "RECV %s", describe(p))
	return r, nil
}

// Resolve turns host and port into a UDP endpoint.
func Resolve(host string, port uint16) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, errors.Join(ErrTransport, err)
	}
	return addr, nil
}

package httpproxy

import (
	"net"
	"strings"

	"dqx0.com/go/wirekit/internal/obs"
)

const sessionBufSize = 4096

// session handles one client connection: read the request, answer
// from the cache or forward to the origin, compress on egress when
// the client supports it, write the reply, close. Any socket error in
// any state tears the session down; the client is expected to
// reconnect.
type session struct {
	client net.Conn
	origin net.Conn

	reqParser  *RequestParser
	respParser *ResponseParser

	cache *Cache
	dial  func(host, scheme string) (net.Conn, error)
	log   obs.Logger
	meter obs.Meter
}

func newSession(client net.Conn, cache *Cache, dial func(host, scheme string) (net.Conn, error), log obs.Logger, meter obs.Meter) *session {
	return &session{
		client:     client,
		reqParser:  NewRequestParser(),
		respParser: NewResponseParser(),
		cache:      cache,
		dial:       dial,
		log:        log,
		meter:      meter,
	}
}

func (s *session) stop() {
	_ = s.client.Close()
	if s.origin != nil {
		_ = s.origin.Close()
	}
}

// readInto feeds bytes from c into consume until it reports Done.
func readInto(c net.Conn, consume func(byte) ParseResult) error {
	buf := make([]byte, sessionBufSize)
	for {
		n, err := c.Read(buf)
		for i := 0; i < n; i++ {
			if consume(buf[i]) == Done {
				return nil
			}
		}
		if err != nil {
			return err
		}
	}
}

func (s *session) run() {
	defer s.stop()

	if err := readInto(s.client, s.reqParser.Consume); err != nil {
		return
	}

	request := s.reqParser.Parsed()
	clientGzip := acceptsGzip(&request)
	// Upstream must send bytes the cache can reuse for any client.
	request.Headers.Remove("Accept-Encoding")

	url := request.Line.Target
	scheme, host := SplitURL(url)
	s.log.Logf(obs.Info, "[REQ]   %s", url)
	s.meter.Counter("httpproxy_requests_total", 1)

	if cached, ok := s.cache.Lookup(url); ok {
		if clientGzip {
			CompressResponse(&cached)
		}
		s.logReply("[CACHE] %s", url, clientGzip)
		s.meter.Counter("httpproxy_cache_hits_total", 1)
		s.writeClient(cached.Serialize())
		return
	}
	s.meter.Counter("httpproxy_cache_misses_total", 1)

	origin, err := s.dial(host, scheme)
	if err != nil {
		s.log.Logf(obs.Warn, "connect %s: %v", host, err)
		return
	}
	s.origin = origin

	if _, err := origin.Write(request.Serialize()); err != nil {
		return
	}
	if err := readInto(origin, s.respParser.Consume); err != nil {
		return
	}
	shutdownConn(origin)

	response := s.respParser.Parsed()
	stored := response.clone()
	if clientGzip {
		CompressResponse(&response)
	}
	s.logReply("[RESP]  %s", url, clientGzip)
	s.cache.Store(&request, &stored)

	s.writeClient(response.Serialize())
}

func (s *session) logReply(format, url string, compressed bool) {
	if compressed {
		s.log.Logf(obs.Info, format+" (gzip)", url)
	} else {
		s.log.Logf(obs.Info, format, url)
	}
}

func (s *session) writeClient(b []byte) {
	if _, err := s.client.Write(b); err != nil {
		return
	}
	shutdownConn(s.client)
}

// shutdownConn half-closes a TCP connection where possible.
func shutdownConn(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

// defaultDial resolves host:scheme the way the request URL spelled it;
// a host without an explicit port uses the scheme as the service name.
func defaultDial(host, scheme string) (net.Conn, error) {
	addr := host
	if !strings.Contains(host, ":") {
		addr = host + ":" + scheme
	}
	return net.Dial("tcp", addr)
}

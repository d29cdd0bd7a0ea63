package httpproxy

import (
	"bytes"
	"io"
	"net"
	"sync/atomic"
	"testing"
)

// startOrigin serves the canned response once per accepted connection
// and counts hits.
func startOrigin(t *testing.T, response string, hits *atomic.Int64) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("origin listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			hits.Add(1)
			go func(c net.Conn) {
				defer c.Close()
				// Drain the forwarded request headers first.
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if err != nil || bytes.Contains(buf[:n], []byte("\r\n\r\n")) {
						break
					}
				}
				_, _ = c.Write([]byte(response))
				if tc, ok := c.(*net.TCPConn); ok {
					_ = tc.CloseWrite()
				}
			}(c)
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func startProxy(t *testing.T, origin net.Listener) (addr string, srv *Server) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("proxy listen: %v", err)
	}
	srv = &Server{
		Dial: func(host, scheme string) (net.Conn, error) {
			return net.Dial("tcp", origin.Addr().String())
		},
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(srv.Shutdown)
	return ln.Addr().String(), srv
}

func proxyExchange(t *testing.T, addr, request string) []byte {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer c.Close()
	if _, err := c.Write([]byte(request)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	reply, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return reply
}

func TestProxyForwardsAndCaches(t *testing.T) {
	var hits atomic.Int64
	originResp := "HTTP/1.1 200 OK\r\n" +
		"Cache-Control: max-age=60\r\n" +
		"Content-Length: 5\r\n" +
		"\r\nhello"
	origin := startOrigin(t, originResp, &hits)
	addr, _ := startProxy(t, origin)

	request := "GET http://upstream.test/a HTTP/1.1\r\nHost: upstream.test\r\n\r\n"

	first := proxyExchange(t, addr, request)
	if !bytes.HasSuffix(first, []byte("hello")) {
		t.Fatalf("first reply = %q", first)
	}
	second := proxyExchange(t, addr, request)
	if !bytes.HasSuffix(second, []byte("hello")) {
		t.Fatalf("second reply = %q", second)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("origin hit %d times, want 1 (second request served from cache)", got)
	}
}

func TestProxyStripsAcceptEncodingUpstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("origin listen: %v", err)
	}
	defer ln.Close()

	seen := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4096)
		n, _ := c.Read(buf)
		seen <- append([]byte(nil), buf[:n]...)
		_, _ = c.Write([]byte("HTTP/1.1 204 No Content\r\nServer: t\r\n\r\n"))
		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()

	addr, _ := startProxy(t, ln)
	request := "GET http://upstream.test/a HTTP/1.1\r\n" +
		"Host: upstream.test\r\n" +
		"Accept-Encoding: gzip\r\n" +
		"\r\n"
	_ = proxyExchange(t, addr, request)

	forwarded := <-seen
	if bytes.Contains(forwarded, []byte("Accept-Encoding")) {
		t.Fatalf("Accept-Encoding forwarded upstream: %q", forwarded)
	}
	if !bytes.Contains(forwarded, []byte("GET http://upstream.test/a HTTP/1.1\r\n")) {
		t.Fatalf("request line mangled: %q", forwarded)
	}
}

func TestProxyCompressesForGzipClient(t *testing.T) {
	var hits atomic.Int64
	originResp := "HTTP/1.1 200 OK\r\n" +
		"Content-Length: 17\r\n" +
		"\r\nhello hello hello"
	origin := startOrigin(t, originResp, &hits)
	addr, _ := startProxy(t, origin)

	request := "GET http://upstream.test/z HTTP/1.1\r\n" +
		"Host: upstream.test\r\n" +
		"Accept-Encoding: gzip\r\n" +
		"\r\n"
	reply := proxyExchange(t, addr, request)
	if !bytes.Contains(reply, []byte("Content-Encoding: gzip")) {
		t.Fatalf("reply not gzip-tagged: %q", reply)
	}
	i := bytes.Index(reply, []byte("\r\n\r\n"))
	if i < 0 {
		t.Fatalf("no header terminator in %q", reply)
	}
	if got := gunzip(t, reply[i+4:]); string(got) != "hello hello hello" {
		t.Fatalf("decompressed = %q", got)
	}
}

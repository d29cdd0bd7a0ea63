// Package httpproxy implements an HTTP/1.1 caching forward proxy.
//
// Requests and responses are parsed byte-by-byte with explicit parser
// state machines, so a session can feed network reads of any size into
// the parser and resume where it left off. Responses are cached by URL
// according to Cache-Control: max-age and compressed on egress when
// the client advertised Accept-Encoding: gzip; cached bodies are
// always stored uncompressed.
//
// One connection carries one request/response exchange; there is no
// keep-alive and no TLS.
package httpproxy

package httpproxy

import (
	"bytes"
	"compress/gzip"
)

// acceptsGzip reports whether the request advertised gzip support.
func acceptsGzip(req *Request) bool {
	v, ok := req.Headers.Find("Accept-Encoding")
	if !ok {
		return false
	}
	for _, d := range splitHeaderValue(v) {
		if d == "gzip" {
			return true
		}
	}
	return false
}

// isCompressed reports whether the response body is already
// gzip-encoded. Only gzip is detected.
func isCompressed(resp *Response) bool {
	v, ok := resp.Headers.Find("Content-Encoding")
	if !ok {
		return false
	}
	for _, d := range splitHeaderValue(v) {
		if d == "gzip" {
			return true
		}
	}
	return false
}

// CompressResponse gzips the body in place unless it already is,
// appends ", gzip" to every Content-Encoding header (creating one when
// absent) and rewrites Content-Length.
func CompressResponse(resp *Response) {
	if isCompressed(resp) {
		return
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(resp.Body)
	_ = zw.Close()
	resp.Body = buf.Bytes()

	expanded := false
	list := make([]Header, 0, resp.Headers.Len()+1)
	for i := 0; i < resp.Headers.Len(); i++ {
		hd := resp.Headers.At(i)
		if hd.Key == "Content-Encoding" {
			hd.Value += ", gzip"
			expanded = true
		}
		list = append(list, hd)
	}
	if !expanded {
		list = append(list, Header{"Content-Encoding", "gzip"})
	}
	resp.Headers = NewHeaders(list)
	resp.SetContentLength()
}

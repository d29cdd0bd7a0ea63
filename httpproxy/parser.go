package httpproxy

import (
	"bytes"
	"strconv"
	"strings"
)

// ParseResult is the outcome of feeding one byte to a parser.
type ParseResult int

const (
	// Await means the parser needs more bytes.
	Await ParseResult = iota
	// Done means a complete message has been consumed; further bytes
	// are undefined until Reset.
	Done
)

// untilParser accumulates bytes until its delimiter appears, then
// strips the delimiter.
type untilParser struct {
	delim  string
	parsed []byte
}

func (p *untilParser) consume(c byte) ParseResult {
	p.parsed = append(p.parsed, c)
	if len(p.parsed) >= len(p.delim) && string(p.parsed[len(p.parsed)-len(p.delim):]) == p.delim {
		p.parsed = p.parsed[:len(p.parsed)-len(p.delim)]
		return Done
	}
	return Await
}

func (p *untilParser) reset() { p.parsed = nil }

// countParser accumulates exactly n bytes.
type countParser struct {
	n      int
	parsed []byte
}

func (p *countParser) setN(n int) {
	p.n = n
	p.parsed = make([]byte, 0, n)
}

func (p *countParser) consume(c byte) ParseResult {
	p.parsed = append(p.parsed, c)
	p.n--
	if p.n == 0 {
		return Done
	}
	return Await
}

// startLineParser parses three space-separated fields, the last
// terminated by CRLF.
type startLineParser struct {
	first  untilParser
	second untilParser
	third  untilParser
	state  int
}

func newStartLineParser() startLineParser {
	return startLineParser{
		first:  untilParser{delim: " "},
		second: untilParser{delim: " "},
		third:  untilParser{delim: "\r\n"},
	}
}

func (p *startLineParser) consume(c byte) ParseResult {
	switch p.state {
	case 0:
		if p.first.consume(c) == Done {
			p.state = 1
		}
	case 1:
		if p.second.consume(c) == Done {
			p.state = 2
		}
	default:
		if p.third.consume(c) == Done {
			return Done
		}
	}
	return Await
}

// headersParser parses "key: value" CRLF lines up to the empty line.
type headersParser struct {
	line   untilParser
	parsed []Header
}

func newHeadersParser() headersParser {
	return headersParser{line: untilParser{delim: "\r\n"}}
}

func parseHeaderLine(line []byte) Header {
	if i := bytes.Index(line, []byte(": ")); i >= 0 {
		return Header{Key: string(line[:i]), Value: string(line[i+2:])}
	}
	return Header{Key: string(line)}
}

func (p *headersParser) consume(c byte) ParseResult {
	if p.line.consume(c) == Done {
		if len(p.line.parsed) == 0 {
			return Done
		}
		p.parsed = append(p.parsed, parseHeaderLine(p.line.parsed))
		p.line.reset()
	}
	return Await
}

func (p *headersParser) headers() Headers {
	return NewHeaders(p.parsed)
}

// contentLength scans the full header list; the last Content-Length
// wins and an unparsable value counts as zero.
func contentLength(h Headers) int {
	n := 0
	for i := 0; i < h.Len(); i++ {
		hd := h.At(i)
		if hd.Key == "Content-Length" {
			v, err := strconv.Atoi(hd.Value)
			if err != nil {
				v = 0
			}
			n = v
		}
	}
	return n
}

func isChunked(h Headers) bool {
	v, ok := h.Find("Transfer-Encoding")
	if !ok {
		return false
	}
	for _, d := range splitHeaderValue(v) {
		if d == "chunked" {
			return true
		}
	}
	return false
}

const (
	stateStartLine = iota
	stateHeaders
	stateBody
	stateChunkLength
	stateChunkData
)

// RequestParser consumes a request one byte at a time. After Done,
// Parsed returns the message; Reset prepares for the next one.
// Chunked request bodies are not supported; body framing is taken
// from Content-Length only.
type RequestParser struct {
	line    startLineParser
	headers headersParser
	body    countParser
	state   int
}

func NewRequestParser() *RequestParser {
	p := &RequestParser{}
	p.Reset()
	return p
}

func (p *RequestParser) Reset() {
	p.line = newStartLineParser()
	p.headers = newHeadersParser()
	p.body = countParser{}
	p.state = stateStartLine
}

func (p *RequestParser) Consume(c byte) ParseResult {
	switch p.state {
	case stateStartLine:
		if p.line.consume(c) == Done {
			p.state = stateHeaders
		}
	case stateHeaders:
		if p.headers.consume(c) == Done {
			n := contentLength(p.headers.headers())
			if n == 0 {
				return Done
			}
			p.body.setN(n)
			p.state = stateBody
		}
	default:
		if p.body.consume(c) == Done {
			return Done
		}
	}
	return Await
}

func (p *RequestParser) Parsed() Request {
	return Request{
		Line: RequestLine{
			Method:  string(p.line.first.parsed),
			Target:  string(p.line.second.parsed),
			Version: string(p.line.third.parsed),
		},
		Headers: p.headers.headers(),
		Body:    append([]byte(nil), p.body.parsed...),
	}
}

// ResponseParser consumes a response one byte at a time. Chunked
// transfer encoding is reassembled: Parsed exposes a plain body with
// Transfer-Encoding removed and Content-Length set to its size.
type ResponseParser struct {
	line    startLineParser
	headers headersParser
	body    countParser

	chunked     bool
	chunkLength untilParser
	chunk       countParser
	chunkedData []byte

	state int
}

func NewResponseParser() *ResponseParser {
	p := &ResponseParser{}
	p.Reset()
	return p
}

func (p *ResponseParser) Reset() {
	p.line = newStartLineParser()
	p.headers = newHeadersParser()
	p.body = countParser{}
	p.chunked = false
	p.chunkLength = untilParser{delim: "\r\n"}
	p.chunk = countParser{}
	p.chunkedData = nil
	p.state = stateStartLine
}

func (p *ResponseParser) Consume(c byte) ParseResult {
	switch p.state {
	case stateStartLine:
		if p.line.consume(c) == Done {
			p.state = stateHeaders
		}
	case stateHeaders:
		if p.headers.consume(c) == Done {
			h := p.headers.headers()
			n := contentLength(h)
			p.chunked = isChunked(h)
			if p.chunked {
				p.state = stateChunkLength
				return Await
			}
			if n == 0 {
				return Done
			}
			p.body.setN(n)
			p.state = stateBody
		}
	case stateBody:
		if p.body.consume(c) == Done {
			return Done
		}
	case stateChunkLength:
		if p.chunkLength.consume(c) == Done {
			line := strings.TrimSpace(string(p.chunkLength.parsed))
			n, err := strconv.ParseInt(line, 16, 32)
			if err != nil || n <= 0 {
				return Done
			}
			// Chunk data plus its trailing CRLF.
			p.chunk.setN(int(n) + 2)
			p.chunkLength.reset()
			p.state = stateChunkData
		}
	default:
		if p.chunk.consume(c) == Done {
			p.chunkedData = append(p.chunkedData, p.chunk.parsed[:len(p.chunk.parsed)-2]...)
			p.state = stateChunkLength
		}
	}
	return Await
}

func (p *ResponseParser) Parsed() Response {
	resp := Response{
		Line: StatusLine{
			Version: string(p.line.first.parsed),
			Code:    string(p.line.second.parsed),
			Reason:  string(p.line.third.parsed),
		},
		Headers: p.headers.headers(),
	}
	if p.chunked {
		resp.Body = append([]byte(nil), p.chunkedData...)
		resp.Headers.Remove("Transfer-Encoding")
		resp.SetContentLength()
	} else {
		resp.Body = append([]byte(nil), p.body.parsed...)
	}
	return resp
}

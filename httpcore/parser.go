package httpcore

import (
	"strconv"
	"strings"
)

// MaxHeaderBlockSize bounds the combined start-line + header block a
// Parser will buffer before raising ErrorOversizedHeaders (§4.3.1).
const MaxHeaderBlockSize = 64 * 1024

// StartLine is the parsed request or response preamble, including its
// full header list — the parser buffers the entire header block before
// emitting it as one event, per the concrete scenarios in §8.
type StartLine struct {
	// Set for a request message.
	Method string
	Target string

	// Set for a response message.
	StatusCode int
	Reason     string

	Version string // "HTTP/1.1" or "HTTP/1.0"
	Headers HeaderList
}

type parserMode int

const (
	modeRequest parserMode = iota
	modeResponse
)

type bodyFraming int

const (
	framingNone bodyFraming = iota
	framingContentLength
	framingChunked
	framingUntilEOF
)

type parserState int

const (
	stateStartLine parserState = iota
	stateHeaders
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkCRLF
	stateChunkTrailer
	stateDone
	stateError
)

// Parser is a streaming push-parser for one HTTP/1.1 message. It is fed
// arbitrary byte chunks via Feed and drives its callbacks synchronously;
// it emits no further events after OnProtocolError or OnMessageDone.
type Parser struct {
	mode parserMode

	// NoBody forces zero-length body framing regardless of headers,
	// for 1xx/204/304 responses and responses to HEAD requests (§4.3.1
	// rule 1). Must be set before the first Feed call that would parse
	// headers for a response; irrelevant for requests.
	NoBody bool

	// ConnectionWillClose tells the parser this is a response on a
	// connection that will not be reused, enabling the read-until-EOF
	// framing fallback (§4.3.1 rule 4). Irrelevant for requests.
	ConnectionWillClose bool

	MaxHeaderBytes int

	OnStartLine     func(StartLine)
	OnBodyChunk     func([]byte)
	OnMessageDone   func(trailers HeaderList)
	OnProtocolError func(kind ErrorKind, detail string)

	buf   []byte
	state parserState

	contentLength int64
	remaining     int64
	chunkRemain   int64
	trailers      HeaderList
	headerBytes   int
}

// NewRequestParser constructs a Parser for request messages.
func NewRequestParser() *Parser {
	return &Parser{mode: modeRequest, MaxHeaderBytes: MaxHeaderBlockSize}
}

// NewResponseParser constructs a Parser for response messages.
func NewResponseParser() *Parser {
	return &Parser{mode: modeResponse, MaxHeaderBytes: MaxHeaderBlockSize}
}

// Feed appends data to the parser's internal buffer and advances the
// state machine as far as possible. It is safe to call repeatedly as
// bytes arrive; Feed is a no-op once the message has finished or failed.
func (p *Parser) Feed(data []byte) {
	if p.state == stateDone || p.state == stateError {
		return
	}
	p.buf = append(p.buf, data...)
	p.run()
}

func (p *Parser) fail(kind ErrorKind, detail string) {
	p.state = stateError
	p.buf = nil
	if p.OnProtocolError != nil {
		p.OnProtocolError(kind, detail)
	}
}

func (p *Parser) run() {
	for {
		switch p.state {
		case stateStartLine:
			if !p.parseStartLineAndHeaders() {
				return
			}
		case stateBody:
			if !p.consumeContentLengthBody() {
				return
			}
		case stateChunkSize:
			if !p.parseChunkSize() {
				return
			}
		case stateChunkData:
			if !p.consumeChunkData() {
				return
			}
		case stateChunkCRLF:
			if !p.consumeChunkTrailingCRLF() {
				return
			}
		case stateChunkTrailer:
			if !p.parseChunkTrailer() {
				return
			}
		case stateDone, stateError:
			return
		default:
			return
		}
	}
}

// findLineEnd locates the end of the next line in buf[from:], accepting
// both CRLF and a lenient bare LF (never emitted, only accepted per
// §4.3.1). Returns the index where the line content ends (excluding the
// terminator) and the index of the first byte after the terminator, or
// ok=false if no complete line is buffered yet.
func findLineEnd(buf []byte, from int) (lineEnd int, next int, ok bool) {
	for i := from; i < len(buf); i++ {
		if buf[i] == '\n' {
			end := i
			if end > from && buf[end-1] == '\r' {
				end--
			}
			return end, i + 1, true
		}
	}
	return 0, 0, false
}

func (p *Parser) parseStartLineAndHeaders() bool {
	headerBytesLimit := p.MaxHeaderBytes
	if headerBytesLimit <= 0 {
		headerBytesLimit = MaxHeaderBlockSize
	}

	cursor := 0
	var startLine StartLine
	var headers HeaderList
	startLineParsed := false

	for {
		lineEnd, next, ok := findLineEnd(p.buf, cursor)
		if !ok {
			if len(p.buf) > headerBytesLimit {
				p.fail(ErrorOversizedHeaders, "header block exceeds limit")
				return true
			}
			return false
		}
		if next-0 > headerBytesLimit {
			p.fail(ErrorOversizedHeaders, "header block exceeds limit")
			return true
		}

		line := p.buf[cursor:lineEnd]

		if !startLineParsed {
			sl, err := parseStartLine(p.mode, string(line))
			if err != "" {
				p.fail(ErrorProtocolError, err)
				return true
			}
			startLine = sl
			startLineParsed = true
			cursor = next
			continue
		}

		if len(line) == 0 {
			// Blank line: end of header block.
			startLine.Headers = headers
			if err := validateFraming(headers); err != "" {
				p.fail(ErrorProtocolError, err)
				return true
			}
			p.buf = p.buf[next:]
			if p.OnStartLine != nil {
				p.OnStartLine(startLine)
			}
			p.setupBodyFraming(headers)
			return true
		}

		// Folded continuation: leading whitespace joins to the previous
		// header's value with a single space, preserving the rest of the
		// folded text verbatim.
		if (line[0] == ' ' || line[0] == '\t') && len(headers) > 0 {
			headers[len(headers)-1].Value += " " + strings.TrimLeft(string(line), " \t")
			cursor = next
			continue
		}

		name, value, err := parseHeaderLine(string(line))
		if err != "" {
			p.fail(ErrorProtocolError, err)
			return true
		}
		headers = append(headers, Header{Name: name, Value: value})
		cursor = next
	}
}

func parseStartLine(mode parserMode, line string) (StartLine, string) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return StartLine{}, "bad-start-line"
	}
	if mode == modeRequest {
		method, target, version := parts[0], parts[1], parts[2]
		if method == "" || target == "" || !isHTTPVersion(version) {
			return StartLine{}, "bad-start-line"
		}
		return StartLine{Method: method, Target: target, Version: version}, ""
	}

	version, codeStr, reason := parts[0], parts[1], parts[2]
	if !isHTTPVersion(version) {
		return StartLine{}, "bad-start-line"
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 999 {
		return StartLine{}, "bad-start-line"
	}
	return StartLine{StatusCode: code, Reason: reason, Version: version}, ""
}

func isHTTPVersion(v string) bool {
	return v == "HTTP/1.1" || v == "HTTP/1.0"
}

func parseHeaderLine(line string) (name, value, errKind string) {
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return "", "", "bad-header"
	}
	name = line[:idx]
	value = strings.TrimLeft(line[idx+1:], " \t")
	return name, value, ""
}

// validateFraming rejects conflicting Content-Length/Transfer-Encoding
// combinations and malformed Content-Length values, per §4.3.1.
func validateFraming(headers HeaderList) string {
	te, hasTE := lastTransferEncoding(headers)
	chunkedLast := hasTE && strings.EqualFold(te, "chunked")

	var lengths []string
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			lengths = append(lengths, strings.TrimSpace(h.Value))
		}
	}
	if len(lengths) > 0 {
		first := lengths[0]
		for _, l := range lengths[1:] {
			if l != first {
				return "framing-error"
			}
		}
		if n, err := strconv.ParseInt(first, 10, 64); err != nil || n < 0 {
			return "framing-error"
		}
		if hasTE && !chunkedLast {
			return "framing-error"
		}
	}
	if hasTE && !chunkedLast {
		return "framing-error"
	}
	return ""
}

func lastTransferEncoding(headers HeaderList) (string, bool) {
	var last string
	var found bool
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Transfer-Encoding") {
			last = strings.TrimSpace(h.Value)
			found = true
		}
	}
	if !found {
		return "", false
	}
	codings := strings.Split(last, ",")
	return strings.TrimSpace(codings[len(codings)-1]), true
}

func (p *Parser) setupBodyFraming(headers HeaderList) {
	if p.NoBody {
		p.beginBody(framingNone)
		return
	}
	if te, ok := lastTransferEncoding(headers); ok && strings.EqualFold(te, "chunked") {
		p.beginBody(framingChunked)
		return
	}
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			n, _ := strconv.ParseInt(strings.TrimSpace(h.Value), 10, 64)
			p.contentLength = n
			p.beginBody(framingContentLength)
			return
		}
	}
	if p.mode == modeResponse && p.ConnectionWillClose {
		p.beginBody(framingUntilEOF)
		return
	}
	p.beginBody(framingNone)
}

func (p *Parser) beginBody(framing bodyFraming) {
	switch framing {
	case framingNone:
		p.finishMessage()
	case framingContentLength:
		p.remaining = p.contentLength
		p.state = stateBody
	case framingChunked:
		p.state = stateChunkSize
	case framingUntilEOF:
		p.state = stateBody
		p.remaining = -1
	}
}

func (p *Parser) consumeContentLengthBody() bool {
	if p.remaining == 0 {
		p.finishMessage()
		return true
	}
	if len(p.buf) == 0 {
		return false
	}

	n := len(p.buf)
	if p.remaining >= 0 && int64(n) > p.remaining {
		n = int(p.remaining)
	}
	chunk := p.buf[:n]
	p.buf = p.buf[n:]
	if p.remaining >= 0 {
		p.remaining -= int64(n)
	}
	if p.OnBodyChunk != nil && n > 0 {
		p.OnBodyChunk(chunk)
	}
	if p.remaining == 0 {
		p.finishMessage()
	}
	return true
}

// EOF must be called by the caller (the TCP layer observing connection
// close) when using framingUntilEOF; it is the only way that framing
// mode's body ever completes.
func (p *Parser) EOF() {
	if p.state == stateBody && p.remaining < 0 {
		p.finishMessage()
		return
	}
	if p.state != stateDone && p.state != stateError {
		p.fail(ErrorProtocolError, "unexpected-eof")
	}
}

func (p *Parser) parseChunkSize() bool {
	lineEnd, next, ok := findLineEnd(p.buf, 0)
	if !ok {
		return false
	}
	line := string(p.buf[:lineEnd])
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	size, err := strconv.ParseInt(line, 16, 64)
	if err != nil || size < 0 {
		p.fail(ErrorProtocolError, "chunk-error")
		return true
	}
	p.buf = p.buf[next:]
	p.chunkRemain = size
	if size == 0 {
		p.state = stateChunkTrailer
	} else {
		p.state = stateChunkData
	}
	return true
}

func (p *Parser) consumeChunkData() bool {
	if p.chunkRemain == 0 {
		p.state = stateChunkCRLF
		return true
	}
	if len(p.buf) == 0 {
		return false
	}
	n := len(p.buf)
	if int64(n) > p.chunkRemain {
		n = int(p.chunkRemain)
	}
	chunk := p.buf[:n]
	p.buf = p.buf[n:]
	p.chunkRemain -= int64(n)
	if p.OnBodyChunk != nil && n > 0 {
		p.OnBodyChunk(chunk)
	}
	if p.chunkRemain == 0 {
		p.state = stateChunkCRLF
	}
	return true
}

func (p *Parser) consumeChunkTrailingCRLF() bool {
	lineEnd, next, ok := findLineEnd(p.buf, 0)
	if !ok {
		return false
	}
	if lineEnd != 0 {
		p.fail(ErrorProtocolError, "chunk-error")
		return true
	}
	p.buf = p.buf[next:]
	p.state = stateChunkSize
	return true
}

func (p *Parser) parseChunkTrailer() bool {
	for {
		lineEnd, next, ok := findLineEnd(p.buf, 0)
		if !ok {
			return false
		}
		line := p.buf[:lineEnd]
		if len(line) == 0 {
			p.buf = p.buf[next:]
			p.finishMessage()
			return true
		}
		name, value, err := parseHeaderLine(string(line))
		if err != "" {
			p.fail(ErrorProtocolError, err)
			return true
		}
		p.trailers = append(p.trailers, Header{Name: name, Value: value})
		p.buf = p.buf[next:]
	}
}

func (p *Parser) finishMessage() {
	p.state = stateDone
	trailers := p.trailers
	if p.OnMessageDone != nil {
		p.OnMessageDone(trailers)
	}
}

// Pending returns bytes buffered past the current message (e.g. the
// start of a pipelined next request), for the caller to feed into a
// fresh Parser.
func (p *Parser) Pending() []byte {
	return p.buf
}

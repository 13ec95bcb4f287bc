package httpcore

import (
	"fmt"
	"strconv"
	"strings"
)

// bodyWriteMode mirrors bodyFraming but only the two modes a serializer
// ever chooses between: the user supplied a Content-Length, or the
// engine falls back to chunked framing.
type bodyWriteMode int

const (
	writeModeNone bodyWriteMode = iota
	writeModeContentLength
	writeModeChunked
)

// Writer serializes one HTTP/1.1 message (start-line + headers + body)
// per §4.3.2, writing through Sink. It strips hop-by-hop headers from
// user input and inserts its own Connection, Transfer-Encoding, and Host
// (for requests) as needed.
type Writer struct {
	Sink func([]byte) error

	mode      parserMode
	bodyMode  bodyWriteMode
	remaining int64
	started   bool
}

// NewRequestWriter constructs a Writer for request messages.
func NewRequestWriter(sink func([]byte) error) *Writer {
	return &Writer{Sink: sink, mode: modeRequest}
}

// NewResponseWriter constructs a Writer for response messages.
func NewResponseWriter(sink func([]byte) error) *Writer {
	return &Writer{Sink: sink, mode: modeResponse}
}

// WriteRequest emits the request line and headers. host is used to
// synthesize a Host header when headers doesn't already carry one.
// keepAlive selects the Connection header value the engine inserts.
func (w *Writer) WriteRequest(method, target, host string, headers HeaderList, keepAlive bool) error {
	if err := w.Sink([]byte(method + " " + target + " HTTP/1.1\r\n")); err != nil {
		return err
	}
	return w.writeHeaderBlock(headers, keepAlive, func(out *HeaderList) {
		if _, ok := out.Get("Host"); !ok && host != "" {
			*out = out.Set("Host", host)
		}
	})
}

// WriteResponse emits the status line and headers.
func (w *Writer) WriteResponse(status int, reason string, headers HeaderList, keepAlive bool) error {
	line := fmt.Sprintf("HTTP/1.1 %d %s\r\n", status, reason)
	if err := w.Sink([]byte(line)); err != nil {
		return err
	}
	return w.writeHeaderBlock(headers, keepAlive, nil)
}

func (w *Writer) writeHeaderBlock(headers HeaderList, keepAlive bool, adjust func(*HeaderList)) error {
	out := StripHopByHop(headers)
	if adjust != nil {
		adjust(&out)
	}

	if cl, ok := out.Get("Content-Length"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("httpcore: invalid Content-Length %q", cl)
		}
		w.bodyMode = writeModeContentLength
		w.remaining = n
	} else {
		w.bodyMode = writeModeChunked
		out = out.Set("Transfer-Encoding", "chunked")
	}

	if keepAlive {
		out = out.Set("Connection", "keep-alive")
	} else {
		out = out.Set("Connection", "close")
	}

	var b strings.Builder
	for _, h := range out {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	w.started = true
	return w.Sink([]byte(b.String()))
}

// WriteBody emits one body chunk, framed per the mode chosen in
// WriteRequest/WriteResponse.
func (w *Writer) WriteBody(chunk []byte) error {
	if !w.started {
		return fmt.Errorf("httpcore: WriteBody before headers written")
	}
	if len(chunk) == 0 {
		return nil
	}
	switch w.bodyMode {
	case writeModeContentLength:
		if int64(len(chunk)) > w.remaining {
			return fmt.Errorf("httpcore: body exceeds declared Content-Length")
		}
		w.remaining -= int64(len(chunk))
		return w.Sink(chunk)
	case writeModeChunked:
		header := []byte(strconv.FormatInt(int64(len(chunk)), 16) + "\r\n")
		if err := w.Sink(header); err != nil {
			return err
		}
		if err := w.Sink(chunk); err != nil {
			return err
		}
		return w.Sink([]byte("\r\n"))
	default:
		return nil
	}
}

// Done finalizes the message: for chunked framing, emits the terminating
// 0-length chunk, trailers, and the closing CRLF. For Content-Length
// framing it writes nothing (the declared length is the sole terminator)
// and returns an error if fewer bytes than declared were written.
func (w *Writer) Done(trailers HeaderList) error {
	if w.bodyMode == writeModeContentLength && w.remaining != 0 {
		return fmt.Errorf("httpcore: body short by %d bytes of declared Content-Length", w.remaining)
	}
	if w.bodyMode != writeModeChunked {
		return nil
	}
	var b strings.Builder
	b.WriteString("0\r\n")
	for _, h := range trailers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return w.Sink([]byte(b.String()))
}

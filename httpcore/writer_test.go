package httpcore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectSink() (*strings.Builder, func([]byte) error) {
	var b strings.Builder
	return &b, func(p []byte) error {
		b.Write(p)
		return nil
	}
}

func TestWriter_RequestWithContentLength(t *testing.T) {
	out, sink := collectSink()
	w := NewRequestWriter(sink)

	headers := HeaderList{{Name: "Content-Length", Value: "5"}}
	require.NoError(t, w.WriteRequest("POST", "/items", "example.com", headers, true))
	require.NoError(t, w.WriteBody([]byte("hello")))
	require.NoError(t, w.Done(nil))

	got := out.String()
	assert.True(t, strings.HasPrefix(got, "POST /items HTTP/1.1\r\n"))
	assert.Contains(t, got, "Host: example.com\r\n")
	assert.Contains(t, got, "Connection: keep-alive\r\n")
	assert.Contains(t, got, "Content-Length: 5\r\n")
	assert.True(t, strings.HasSuffix(got, "\r\n\r\nhello"))
	assert.NotContains(t, got, "Transfer-Encoding")
}

func TestWriter_ResponseDefaultsToChunked(t *testing.T) {
	out, sink := collectSink()
	w := NewResponseWriter(sink)

	require.NoError(t, w.WriteResponse(200, "OK", nil, true))
	require.NoError(t, w.WriteBody([]byte("hello")))
	require.NoError(t, w.WriteBody([]byte(" world")))
	require.NoError(t, w.Done(HeaderList{{Name: "X-Checksum", Value: "abc"}}))

	got := out.String()
	assert.True(t, strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, got, "Transfer-Encoding: chunked\r\n")
	assert.Contains(t, got, "5\r\nhello\r\n")
	assert.Contains(t, got, "6\r\n world\r\n")
	assert.True(t, strings.HasSuffix(got, "0\r\nX-Checksum: abc\r\n\r\n"))
}

func TestWriter_StripsHopByHopFromUserHeaders(t *testing.T) {
	out, sink := collectSink()
	w := NewResponseWriter(sink)

	headers := HeaderList{
		{Name: "Connection", Value: "Upgrade"},
		{Name: "Upgrade", Value: "websocket"},
		{Name: "Content-Length", Value: "0"},
	}
	require.NoError(t, w.WriteResponse(200, "OK", headers, false))

	got := out.String()
	assert.NotContains(t, got, "Upgrade")
	assert.Contains(t, got, "Connection: close\r\n")
}

func TestWriter_EmptyChunkIsNoop(t *testing.T) {
	out, sink := collectSink()
	w := NewResponseWriter(sink)

	require.NoError(t, w.WriteResponse(204, "No Content", HeaderList{{Name: "Content-Length", Value: "0"}}, true))
	require.NoError(t, w.WriteBody(nil))
	require.NoError(t, w.Done(nil))

	assert.True(t, strings.HasSuffix(out.String(), "\r\n\r\n"))
}

func TestWriter_BodyExceedingContentLengthErrors(t *testing.T) {
	_, sink := collectSink()
	w := NewResponseWriter(sink)

	require.NoError(t, w.WriteResponse(200, "OK", HeaderList{{Name: "Content-Length", Value: "2"}}, true))
	assert.Error(t, w.WriteBody([]byte("too long")))
}

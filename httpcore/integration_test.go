package httpcore

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/thorio/loop"
	"github.com/joeycumines/thorio/tcp"
)

func runLoop(t *testing.T, l *loop.Loop) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- l.Run() }()
	t.Cleanup(func() {
		l.Stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not stop")
		}
	})
}

func TestClientServer_ContentLengthRoundTrip(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)

	var srv *HttpServer
	responseBody := make(chan string, 1)
	responseStatus := make(chan int, 1)

	l.Schedule(0, func() {
		var serr error
		srv, serr = NewHttpServer(l, "127.0.0.1", 0)
		require.NoError(t, serr)

		srv.OnExchange(func(ex *ServerExchange) {
			var body []byte
			ex.OnRequestBody(func(chunk []byte) { body = append(body, chunk...) })
			ex.OnRequestDone(func(HeaderList) {
				respBody := append([]byte("echo:"), body...)
				require.NoError(t, ex.ResponseStart(200, "OK", HeaderList{
					{Name: "Content-Length", Value: itoa(len(respBody))},
				}))
				require.NoError(t, ex.ResponseBody(respBody))
				require.NoError(t, ex.ResponseDone(nil))
			})
		})

		client := NewHttpClient(l)
		cx := client.Exchange()
		cx.OnResponseStart(func(status int, reason string, headers HeaderList) {
			responseStatus <- status
		})
		var gotBody []byte
		cx.OnResponseBody(func(chunk []byte) { gotBody = append(gotBody, chunk...) })
		cx.OnResponseDone(func(HeaderList) { responseBody <- string(gotBody) })
		cx.OnError(func(e *Error) { t.Errorf("unexpected client error: %v", e) })

		addr := srv.Addr().String()
		require.NoError(t, cx.RequestStart("POST", "http://"+addr+"/echo", HeaderList{
			{Name: "Content-Length", Value: "5"},
		}))
		require.NoError(t, cx.RequestBody([]byte("hello")))
		require.NoError(t, cx.RequestDone(nil))
	})

	runLoop(t, l)

	select {
	case status := <-responseStatus:
		assert.Equal(t, 200, status)
	case <-time.After(2 * time.Second):
		t.Fatal("never got response status")
	}
	select {
	case body := <-responseBody:
		assert.Equal(t, "echo:hello", body)
	case <-time.After(2 * time.Second):
		t.Fatal("never got response body")
	}
}

func TestClientServer_ChunkedResponse(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)

	done := make(chan string, 1)

	l.Schedule(0, func() {
		srv, serr := NewHttpServer(l, "127.0.0.1", 0)
		require.NoError(t, serr)

		srv.OnExchange(func(ex *ServerExchange) {
			ex.OnRequestDone(func(HeaderList) {
				require.NoError(t, ex.ResponseStart(200, "OK", nil)) // no Content-Length -> chunked
				require.NoError(t, ex.ResponseBody([]byte("chunk-one ")))
				require.NoError(t, ex.ResponseBody([]byte("chunk-two")))
				require.NoError(t, ex.ResponseDone(nil))
			})
		})

		client := NewHttpClient(l)
		cx := client.Exchange()
		var body []byte
		cx.OnResponseBody(func(chunk []byte) { body = append(body, chunk...) })
		cx.OnResponseDone(func(HeaderList) { done <- string(body) })
		cx.OnError(func(e *Error) { t.Errorf("unexpected client error: %v", e) })

		require.NoError(t, cx.RequestStart("GET", "http://"+srv.Addr().String()+"/stream", nil))
		require.NoError(t, cx.RequestDone(nil))
	})

	runLoop(t, l)

	select {
	case body := <-done:
		assert.Equal(t, "chunk-one chunk-two", body)
	case <-time.After(2 * time.Second):
		t.Fatal("never got chunked response")
	}
}

func TestClientServer_ConnectionReuseAcrossRequests(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)

	results := make(chan int, 2)

	l.Schedule(0, func() {
		srv, serr := NewHttpServer(l, "127.0.0.1", 0)
		require.NoError(t, serr)

		reqCount := 0
		srv.OnExchange(func(ex *ServerExchange) {
			reqCount++
			ex.OnRequestDone(func(HeaderList) {
				require.NoError(t, ex.ResponseStart(200, "OK", HeaderList{{Name: "Content-Length", Value: "0"}}))
				require.NoError(t, ex.ResponseDone(nil))
			})
		})

		client := NewHttpClient(l)
		addr := srv.Addr().String()

		var second func()
		second = func() {
			cx2 := client.Exchange()
			cx2.OnResponseStart(func(status int, _ string, _ HeaderList) { results <- status })
			cx2.OnError(func(e *Error) { t.Errorf("unexpected client error: %v", e) })
			require.NoError(t, cx2.RequestStart("GET", "http://"+addr+"/second", nil))
			require.NoError(t, cx2.RequestDone(nil))
		}

		cx1 := client.Exchange()
		cx1.OnResponseStart(func(status int, _ string, _ HeaderList) { results <- status })
		cx1.OnResponseDone(func(HeaderList) { second() })
		cx1.OnError(func(e *Error) { t.Errorf("unexpected client error: %v", e) })
		require.NoError(t, cx1.RequestStart("GET", "http://"+addr+"/first", nil))
		require.NoError(t, cx1.RequestDone(nil))
	})

	runLoop(t, l)

	for i := 0; i < 2; i++ {
		select {
		case status := <-results:
			assert.Equal(t, 200, status)
		case <-time.After(2 * time.Second):
			t.Fatal("never got both responses")
		}
	}
}

func TestClientServer_MalformedRequestGets400(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)

	raw := make(chan string, 1)

	l.Schedule(0, func() {
		srv, serr := NewHttpServer(l, "127.0.0.1", 0)
		require.NoError(t, serr)
		srv.OnExchange(func(ex *ServerExchange) {
			t.Error("no exchange should surface for a malformed request")
		})

		_, lerr := tcp.Connect(l, srv.Addr().String(), func(c *tcp.Connection, derr error) {
			require.NoError(t, derr)
			var got []byte
			c.OnData(func(data []byte) {
				got = append(got, data...)
				if len(got) > 0 {
					raw <- string(got)
				}
			})
			require.NoError(t, c.Pause(false))
			require.NoError(t, c.Write([]byte("NOT A REQUEST LINE\r\n\r\n")))
		})
		require.NoError(t, lerr)
	})

	runLoop(t, l)

	select {
	case resp := <-raw:
		assert.Contains(t, resp, "400")
	case <-time.After(2 * time.Second):
		t.Fatal("never got error response")
	}
}

func itoa(n int) string { return strconv.Itoa(n) }

package httpcore

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/joeycumines/thorio/loop"
	"github.com/joeycumines/thorio/pubsub"
	"github.com/joeycumines/thorio/tcp"
)

// ServerConfig holds the server-side knobs from §4.3.4.
type ServerConfig struct {
	IdleTimeout time.Duration
}

// ServerOption configures a ServerConfig at construction.
type ServerOption func(*ServerConfig)

func WithServerIdleTimeout(d time.Duration) ServerOption {
	return func(c *ServerConfig) { c.IdleTimeout = d }
}

// HttpServer wraps a tcp.Server, attaching a request parser to each
// accepted connection and surfacing one ServerExchange at a time per
// §4.3.4.
type HttpServer struct {
	l          *loop.Loop
	srv        *tcp.Server
	cfg        ServerConfig
	onExchange *pubsub.Emitter[func(*ServerExchange)]
}

// NewHttpServer binds host:port and begins accepting connections.
func NewHttpServer(l *loop.Loop, host string, port int, opts ...ServerOption) (*HttpServer, error) {
	cfg := ServerConfig{IdleTimeout: 60 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}

	address := fmt.Sprintf("%s:%d", host, port)
	tcpSrv, err := tcp.Listen(l, address, tcp.ListenOptions{ReuseAddr: true})
	if err != nil {
		return nil, err
	}

	s := &HttpServer{l: l, srv: tcpSrv, cfg: cfg, onExchange: pubsub.New[func(*ServerExchange)]()}
	tcpSrv.OnConnection(s.handleConnection)
	return s, nil
}

// OnExchange registers a listener invoked once per request, when its
// start-line and headers have fully arrived.
func (s *HttpServer) OnExchange(fn func(*ServerExchange)) pubsub.ListenerID {
	return s.onExchange.On(fn)
}

func (s *HttpServer) Addr() net.Addr { return s.srv.Addr() }
func (s *HttpServer) Close() error   { return s.srv.Close() }

func (s *HttpServer) handleConnection(conn *tcp.Connection) {
	sc := &serverConn{conn: conn, server: s}
	conn.OnData(sc.handleData)
	conn.OnClose(sc.handleClose)
	sc.startNextExchange(nil)
	_ = conn.Pause(false)
}

// serverConn tracks one accepted connection's pipelining state: at most
// one ServerExchange is ever surfaced at a time (§4.3.4 Pipelining),
// with bytes belonging to a subsequent request buffered raw until the
// current one reaches DONE.
type serverConn struct {
	conn   tcp.Conn
	server *HttpServer

	parser  *Parser
	current *ServerExchange

	pendingRequestBytes []byte
	idleTimer           loop.TimeoutHandle
	closed              bool
}

func (sc *serverConn) startNextExchange(pending []byte) {
	sc.parser = NewRequestParser()
	sc.parser.OnStartLine = sc.handleStartLine
	sc.parser.OnBodyChunk = func(chunk []byte) {
		if sc.current != nil {
			sc.current.onRequestBody.Emit(func(fn func([]byte)) { fn(chunk) })
		}
	}
	sc.parser.OnMessageDone = func(trailers HeaderList) {
		if sc.current != nil {
			_ = sc.current.transition(StateRequestDone)
			sc.current.onRequestDone.Emit(func(fn func(HeaderList)) { fn(trailers) })
		}
		sc.pendingRequestBytes = append(sc.pendingRequestBytes, sc.parser.Pending()...)
		sc.parser = nil
	}
	sc.parser.OnProtocolError = sc.handleProtocolError

	if len(pending) > 0 {
		sc.parser.Feed(pending)
	}
}

func (sc *serverConn) handleData(data []byte) {
	sc.idleTimer.Cancel()
	if sc.parser != nil {
		sc.parser.Feed(data)
		return
	}
	// Pipelined bytes for the next request, buffered until the current
	// exchange finishes responding.
	sc.pendingRequestBytes = append(sc.pendingRequestBytes, data...)
}

func (sc *serverConn) handleClose(error) {
	sc.closed = true
	sc.idleTimer.Cancel()
}

func (sc *serverConn) handleStartLine(sl StartLine) {
	ex := &ServerExchange{
		sc:             sc,
		method:         sl.Method,
		target:         sl.Target,
		version:        sl.Version,
		requestHeaders: sl.Headers,
		onRequestBody:  pubsub.New[func([]byte)](),
		onRequestDone:  pubsub.New[func(HeaderList)](),
	}
	sc.current = ex
	_ = ex.transition(StateRequestStarted)
	sc.server.onExchange.Emit(func(fn func(*ServerExchange)) { fn(ex) })
}

// handleProtocolError implements §4.3.4's Server errors rule: a minimal
// error response and close before any response bytes were sent; a
// silent close if the error occurs mid-response.
func (sc *serverConn) handleProtocolError(kind ErrorKind, _ string) {
	if sc.closed {
		return
	}
	if sc.current != nil && sc.current.state >= StateResponseStarted {
		logWarn("http", "protocol error mid-response, closing silently", &Error{Kind: kind})
		_ = sc.conn.Close()
		return
	}

	status, reason := 400, "Bad Request"
	if kind == ErrorOversizedHeaders {
		status, reason = 413, "Payload Too Large"
	}
	logDebug("http", "rejecting malformed request", map[string]any{"kind": kind, "status": status})
	body := fmt.Sprintf("%d %s\n", status, reason)
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: %d\r\n\r\n%s",
		status, reason, len(body), body)
	_ = sc.conn.Write([]byte(resp))
	_ = sc.conn.Close()
}

// onExchangeDone is called once a ServerExchange's response is fully
// written. If both sides kept the connection alive, the next pipelined
// (or future) request is allowed to start; otherwise the connection is
// closed.
func (sc *serverConn) onExchangeDone(ex *ServerExchange) {
	sc.current = nil
	if !ex.responseKeepAlive {
		_ = sc.conn.Close()
		return
	}

	pending := sc.pendingRequestBytes
	sc.pendingRequestBytes = nil
	sc.startNextExchange(pending)

	if sc.server.cfg.IdleTimeout > 0 {
		sc.idleTimer = sc.server.l.Schedule(sc.server.cfg.IdleTimeout, func() {
			_ = sc.conn.Close()
		})
	}
}

// ServerExchange is the mirror-image state machine §4.2 describes for
// server exchanges: request_start/request_body/request_done are driven
// by the incoming parser, while response_start/response_body/
// response_done are driven by the handler the user attaches via
// HttpServer.OnExchange.
type ServerExchange struct {
	stateMachine

	sc *serverConn

	method         string
	target         string
	version        string
	requestHeaders HeaderList

	onRequestBody *pubsub.Emitter[func([]byte)]
	onRequestDone *pubsub.Emitter[func(HeaderList)]

	writer            *Writer
	responseKeepAlive bool
}

func (ex *ServerExchange) Method() string             { return ex.method }
func (ex *ServerExchange) Target() string             { return ex.target }
func (ex *ServerExchange) RequestHeaders() HeaderList { return ex.requestHeaders }

func (ex *ServerExchange) OnRequestBody(fn func([]byte)) pubsub.ListenerID {
	return ex.onRequestBody.On(fn)
}
func (ex *ServerExchange) OnRequestDone(fn func(HeaderList)) pubsub.ListenerID {
	return ex.onRequestDone.On(fn)
}

// ResponseStart writes the status line and headers, deciding connection
// reuse from both the request's and this response's Connection headers
// and HTTP versions (§4.3.4 Persistent connections).
func (ex *ServerExchange) ResponseStart(status int, reason string, headers HeaderList) error {
	if err := ex.transition(StateResponseStarted); err != nil {
		return err
	}
	ex.responseKeepAlive = computeServerKeepAlive(ex.version, ex.requestHeaders, headers)
	ex.writer = NewResponseWriter(ex.sc.conn.Write)
	return ex.writer.WriteResponse(status, reason, headers, ex.responseKeepAlive)
}

func (ex *ServerExchange) ResponseBody(chunk []byte) error {
	if err := ex.transition(StateResponseBody); err != nil {
		return err
	}
	return ex.writer.WriteBody(chunk)
}

func (ex *ServerExchange) ResponseDone(trailers HeaderList) error {
	if err := ex.transition(StateResponseDone); err != nil {
		return err
	}
	if err := ex.writer.Done(trailers); err != nil {
		return err
	}
	_ = ex.transition(StateDone)
	ex.sc.onExchangeDone(ex)
	return nil
}

// computeServerKeepAlive mirrors computeKeepAlive from the client's
// perspective: HTTP/1.1 stays alive unless either side said close;
// HTTP/1.0 requires the client to have opted in.
func computeServerKeepAlive(version string, reqHeaders, respHeaders HeaderList) bool {
	says := func(headers HeaderList, v string) bool {
		for _, h := range GetHeader(headers, "Connection") {
			if strings.EqualFold(h, v) {
				return true
			}
		}
		return false
	}
	if version == "HTTP/1.0" {
		return says(reqHeaders, "keep-alive")
	}
	return !says(reqHeaders, "close") && !says(respHeaders, "close")
}

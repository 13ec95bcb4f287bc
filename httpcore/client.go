package httpcore

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeycumines/thorio/httpcore/internal/ratelimit"
	"github.com/joeycumines/thorio/loop"
	"github.com/joeycumines/thorio/pubsub"
	"github.com/joeycumines/thorio/tcp"
)

// ClientConfig holds the knobs §4.3.3 assigns to HttpClient.
type ClientConfig struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	IdleTimeout    time.Duration // zero disables pooling
	RetryLimit     int
	RetryDelay     time.Duration
}

// ClientOption configures a ClientConfig at construction.
type ClientOption func(*ClientConfig)

func WithConnectTimeout(d time.Duration) ClientOption { return func(c *ClientConfig) { c.ConnectTimeout = d } }
func WithReadTimeout(d time.Duration) ClientOption    { return func(c *ClientConfig) { c.ReadTimeout = d } }
func WithIdleTimeout(d time.Duration) ClientOption    { return func(c *ClientConfig) { c.IdleTimeout = d } }
func WithRetryLimit(n int) ClientOption               { return func(c *ClientConfig) { c.RetryLimit = n } }
func WithRetryDelay(d time.Duration) ClientOption     { return func(c *ClientConfig) { c.RetryDelay = d } }

// HttpClient is the loop-driven HTTP/1.1 client engine of §4.3.3: a
// pooled-connection origin-keyed transport plus an automatic idempotent
// retry policy.
type HttpClient struct {
	l    *loop.Loop
	cfg  ClientConfig
	pool *pool

	// retryLimiter paces the *rate* of retries per origin across every
	// exchange sharing this client, on top of the fixed per-exchange
	// RetryDelay — a second line of defense against a thundering-herd
	// of simultaneously-failing idempotent requests hammering one
	// origin. See httpcore/internal/ratelimit for the sliding-window
	// algorithm.
	retryLimiter *ratelimit.Limiter
}

// NewHttpClient constructs a client bound to loop l, applying defaults
// per §4.3.3 (idle_timeout=60s, retry_limit=2, retry_delay=0.5s) before
// opts override them.
func NewHttpClient(l *loop.Loop, opts ...ClientOption) *HttpClient {
	cfg := ClientConfig{
		IdleTimeout: 60 * time.Second,
		RetryLimit:  2,
		RetryDelay:  500 * time.Millisecond,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &HttpClient{
		l:            l,
		cfg:          cfg,
		pool:         newPool(l, cfg.IdleTimeout),
		retryLimiter: ratelimit.New(map[time.Duration]int{time.Second: 5}),
	}
}

// Exchange returns a fresh client exchange in QUIESCENT.
func (c *HttpClient) Exchange() *ClientExchange {
	return &ClientExchange{
		client:          c,
		onResponseStart: pubsub.New[func(status int, reason string, headers HeaderList)](),
		onResponseBody:  pubsub.New[func([]byte)](),
		onResponseDone:  pubsub.New[func(trailers HeaderList)](),
		onError:         pubsub.New[func(*Error)](),
	}
}

// ClientExchange drives one client-side HTTP exchange through the state
// machine in exchange.go, including transparent retries per §4.3.3.
type ClientExchange struct {
	stateMachine

	client  *HttpClient
	attempt int

	method  string
	headers HeaderList
	origin  Origin
	target  string

	bodyChunks  [][]byte
	requestDone bool
	trailers    HeaderList

	conn    tcp.Conn
	writer  *Writer
	parser  *Parser
	keepReq bool // whether this client intends to keep the connection alive

	// dataID/closeID are the listener IDs registered on conn in
	// attachConnection, detached before the connection is returned to
	// the pool or discarded so a reused connection never accumulates a
	// stale listener per prior exchange.
	dataID  pubsub.ListenerID
	closeID pubsub.ListenerID

	gotResponseByte  bool
	responseKeepConn bool
	readTimer        loop.TimeoutHandle
	connectTimer     loop.TimeoutHandle
	connectHandle    tcp.ConnectHandle
	connectDone      bool
	finished         bool

	onResponseStart *pubsub.Emitter[func(status int, reason string, headers HeaderList)]
	onResponseBody  *pubsub.Emitter[func([]byte)]
	onResponseDone  *pubsub.Emitter[func(trailers HeaderList)]
	onError         *pubsub.Emitter[func(*Error)]
}

func (ex *ClientExchange) OnResponseStart(fn func(status int, reason string, headers HeaderList)) pubsub.ListenerID {
	return ex.onResponseStart.On(fn)
}
func (ex *ClientExchange) OnResponseBody(fn func([]byte)) pubsub.ListenerID {
	return ex.onResponseBody.On(fn)
}
func (ex *ClientExchange) OnResponseDone(fn func(trailers HeaderList)) pubsub.ListenerID {
	return ex.onResponseDone.On(fn)
}
func (ex *ClientExchange) OnError(fn func(*Error)) pubsub.ListenerID { return ex.onError.On(fn) }

// RequestStart parses uri, transitions to REQUEST_STARTED, and begins
// acquiring a connection (pool checkout, else a fresh connect).
func (ex *ClientExchange) RequestStart(method, uri string, headers HeaderList) error {
	if err := ex.transition(StateRequestStarted); err != nil {
		return err
	}
	parsed, err := ParseRequestURI(uri)
	if err != nil {
		return err
	}
	ex.method = method
	ex.headers = headers
	ex.origin = parsed.Origin
	ex.target = parsed.Target
	ex.keepReq = true
	ex.acquireConnection()
	return nil
}

// RequestBody appends chunk to the buffered request body. Allowed only
// in REQUEST_STARTED/REQUEST_BODY, per §4.3.3.
func (ex *ClientExchange) RequestBody(chunk []byte) error {
	if err := ex.transition(StateRequestBody); err != nil {
		return err
	}
	buf := append([]byte(nil), chunk...)
	ex.bodyChunks = append(ex.bodyChunks, buf)
	if ex.writer != nil {
		return ex.writer.WriteBody(buf)
	}
	return nil
}

// RequestDone terminates the request body and arms the read timeout.
func (ex *ClientExchange) RequestDone(trailers HeaderList) error {
	if err := ex.transition(StateRequestDone); err != nil {
		return err
	}
	ex.trailers = trailers
	ex.requestDone = true
	if ex.writer != nil {
		if err := ex.writer.Done(trailers); err != nil {
			return err
		}
	}
	ex.armReadTimeout()
	return nil
}

// Close aborts the exchange: cancels its read and connect timeouts,
// abandons any in-progress connect attempt, returns no connection to
// the pool, and closes the underlying connection, per §5.
func (ex *ClientExchange) Close() error {
	ex.readTimer.Cancel()
	ex.connectTimer.Cancel()
	ex.connectHandle.Cancel()
	ex.finished = true
	if ex.conn != nil {
		ex.detachConnListeners()
		ex.client.pool.discard(ex.conn)
	}
	return nil
}

// detachConnListeners removes the OnData/OnClose listeners attachConnection
// registered, so a connection released to the pool or discarded never
// carries a stale listener closing over a finished exchange into its
// next reuse.
func (ex *ClientExchange) detachConnListeners() {
	ex.conn.RemoveDataListener(ex.dataID)
	ex.conn.RemoveCloseListener(ex.closeID)
}

func (ex *ClientExchange) acquireConnection() {
	if conn := ex.client.pool.checkout(ex.origin); conn != nil {
		ex.attachConnection(conn)
		return
	}

	address := fmt.Sprintf("%s:%d", ex.origin.Host, ex.origin.Port)
	if ex.client.cfg.ConnectTimeout > 0 {
		ex.connectTimer = ex.client.l.Schedule(ex.client.cfg.ConnectTimeout, func() {
			if ex.connectDone {
				return
			}
			ex.connectDone = true
			// Per §4.2.1, a connect timeout closes the pending socket
			// rather than leaving it registered until the OS connect
			// eventually resolves.
			ex.connectHandle.Cancel()
			ex.fail(&Error{Kind: ErrorConnectTimeout, Detail: "connect timed out"})
		})
	}

	handle, err := tcp.Connect(ex.client.l, address, func(conn *tcp.Connection, cerr error) {
		if ex.connectDone {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		ex.connectDone = true
		ex.connectTimer.Cancel()
		if cerr != nil {
			ex.fail(&Error{Kind: ErrorConnectFailure, Detail: cerr.Error(), Cause: cerr})
			return
		}
		ex.attachConnection(conn)
	})
	ex.connectHandle = handle
	if err != nil {
		ex.connectDone = true
		ex.fail(&Error{Kind: ErrorConnectFailure, Detail: err.Error(), Cause: err})
	}
}

func (ex *ClientExchange) attachConnection(conn tcp.Conn) {
	ex.conn = conn
	ex.writer = NewRequestWriter(conn.Write)

	if err := ex.writer.WriteRequest(ex.method, ex.target, ex.origin.HostHeader(), ex.headers, ex.keepReq); err != nil {
		ex.fail(&Error{Kind: ErrorSocketError, Detail: err.Error(), Cause: err})
		return
	}
	for _, chunk := range ex.bodyChunks {
		if err := ex.writer.WriteBody(chunk); err != nil {
			ex.fail(&Error{Kind: ErrorSocketError, Detail: err.Error(), Cause: err})
			return
		}
	}
	if ex.requestDone {
		if err := ex.writer.Done(ex.trailers); err != nil {
			ex.fail(&Error{Kind: ErrorSocketError, Detail: err.Error(), Cause: err})
			return
		}
	}

	ex.parser = NewResponseParser()
	ex.parser.NoBody = strings.EqualFold(ex.method, "HEAD")
	ex.parser.OnStartLine = ex.handleResponseStart
	ex.parser.OnBodyChunk = ex.handleResponseBody
	ex.parser.OnMessageDone = ex.handleResponseDone
	ex.parser.OnProtocolError = ex.handleProtocolError

	ex.dataID = conn.OnData(ex.handleConnData)
	ex.closeID = conn.OnClose(ex.handleConnClose)
	_ = conn.Pause(false)

	ex.armReadTimeout()
}

func (ex *ClientExchange) handleConnData(data []byte) {
	if !ex.gotResponseByte && len(data) > 0 {
		ex.gotResponseByte = true
	}
	ex.armReadTimeout()
	ex.parser.Feed(data)
}

func (ex *ClientExchange) handleConnClose(error) {
	if ex.finished {
		return
	}
	if ex.parser != nil && ex.parser.state == stateBody && ex.parser.remaining < 0 {
		// A read-until-EOF body ends when the connection closes.
		ex.parser.EOF()
		return
	}
	kind := ErrorUpstreamClose
	if !ex.gotResponseByte {
		kind = ErrorSocketError
	}
	ex.fail(&Error{Kind: kind, Detail: "connection closed"})
}

func (ex *ClientExchange) armReadTimeout() {
	if ex.client.cfg.ReadTimeout <= 0 || ex.finished {
		return
	}
	ex.readTimer.Cancel()
	ex.readTimer = ex.client.l.Schedule(ex.client.cfg.ReadTimeout, func() {
		ex.fail(&Error{Kind: ErrorReadTimeout, Detail: "read timed out"})
	})
}

func (ex *ClientExchange) handleResponseStart(sl StartLine) {
	_ = ex.transition(StateResponseStarted)
	ex.responseKeepConn = computeKeepAlive(sl.Version, sl.Headers, ex.keepReq)
	ex.parser.ConnectionWillClose = !ex.responseKeepConn
	ex.onResponseStart.Emit(func(fn func(int, string, HeaderList)) { fn(sl.StatusCode, sl.Reason, sl.Headers) })
}

func (ex *ClientExchange) handleResponseBody(chunk []byte) {
	if ex.state == StateResponseStarted {
		_ = ex.transition(StateResponseBody)
	}
	ex.onResponseBody.Emit(func(fn func([]byte)) { fn(chunk) })
}

func (ex *ClientExchange) handleResponseDone(trailers HeaderList) {
	_ = ex.transition(StateResponseDone)
	ex.readTimer.Cancel()
	ex.finished = true

	ex.detachConnListeners()
	if ex.responseKeepConn {
		ex.client.pool.checkin(ex.origin, ex.conn)
	} else {
		ex.client.pool.discard(ex.conn)
	}

	_ = ex.transition(StateDone)
	ex.onResponseDone.Emit(func(fn func(HeaderList)) { fn(trailers) })
}

func (ex *ClientExchange) handleProtocolError(kind ErrorKind, detail string) {
	ex.fail(&Error{Kind: ErrorProtocolError, Detail: detail})
}

// fail decides, per §4.3.3's retry policy, whether this failure should
// be retried transparently or surfaced as a terminal error event.
func (ex *ClientExchange) fail(httpErr *Error) {
	if ex.finished {
		return
	}
	ex.readTimer.Cancel()
	ex.connectTimer.Cancel()
	ex.connectHandle.Cancel()

	if ex.conn != nil {
		ex.detachConnListeners()
		ex.client.pool.discard(ex.conn)
		ex.conn = nil
	}

	if isRecoverableKind(httpErr.Kind, ex.gotResponseByte) && isIdempotent(ex.method) && ex.attempt < ex.client.cfg.RetryLimit {
		ex.attempt++
		delay := ex.client.cfg.RetryDelay
		if ok, retryAfter := ex.client.retryLimiter.Allow(ex.origin, ex.client.l.Time()); !ok {
			delay = retryAfter
		}
		logDebug("http", "retrying request", map[string]any{"origin": ex.origin.String(), "attempt": ex.attempt, "kind": httpErr.Kind})
		ex.client.l.Schedule(delay, ex.retry)
		return
	}

	ex.finished = true
	httpErr.Recoverable = false
	_ = ex.transition(StateError)
	logWarn("http", "exchange failed", httpErr)
	ex.onError.Emit(func(fn func(*Error)) { fn(httpErr) })
}

func (ex *ClientExchange) retry() {
	ex.gotResponseByte = false
	ex.connectDone = false
	ex.parser = nil
	ex.writer = nil
	ex.acquireConnection()
}

// computeKeepAlive applies §4.3.3's connection-reuse rule: HTTP/1.1
// keeps alive unless either side said Connection: close; HTTP/1.0 only
// keeps alive if the peer explicitly opted in.
func computeKeepAlive(version string, headers HeaderList, requesterWantsKeepAlive bool) bool {
	says := func(v string) bool {
		for _, h := range GetHeader(headers, "Connection") {
			if strings.EqualFold(h, v) {
				return true
			}
		}
		return false
	}
	if version == "HTTP/1.0" {
		return requesterWantsKeepAlive && says("keep-alive")
	}
	return requesterWantsKeepAlive && !says("close")
}

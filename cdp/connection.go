// Package cdp implements the transport of the Chrome DevTools Protocol:
// a websocket Connection that correlates command replies by id and
// dispatches events to handlers from a single Listener.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jwriter"
	"github.com/oxtoacart/bpool"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/grafana/cdpdriver/log"
)

// DefaultIdleTimeout is the default idle window of a Listener.
const DefaultIdleTimeout = 100 * time.Millisecond

// targetDomain is served by target discovery and never enabled.
const targetDomain = "Target"

var _ cdp.Executor = &Connection{}

var bufferPool = bpool.NewBufferPool(64) //nolint:gochecknoglobals

// Handler handles an event. Handlers of a connection run one at a time on
// its Listener, so they must not wait for replies on the same connection.
// Returning an error that wraps context.Canceled stops the Listener.
type Handler func(ctx context.Context, ev *EventTransaction) error

type handlerEntry struct {
	id int64
	fn Handler
}

// Observer receives command and event measurements.
type Observer interface {
	CommandDone(method string, d time.Duration, err error)
	EventReceived(method string)
}

// Tracer starts a span for a command.
type Tracer interface {
	TraceCommand(ctx context.Context, targetID string, method string) (context.Context, trace.Span)
}

// Option configures a Connection.
type Option func(*Connection)

// WithIdleTimeout sets the Listener idle window.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Connection) { c.idleTimeout = d }
}

// WithObserver reports command and event measurements to o.
func WithObserver(o Observer) Option {
	return func(c *Connection) { c.observer = o }
}

// WithTracer traces commands with t.
func WithTracer(t Tracer) Option {
	return func(c *Connection) { c.tracer = t }
}

// WithTargetID names the target the connection belongs to.
func WithTargetID(id string) Option {
	return func(c *Connection) { c.targetID = id }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Connection) { c.dialer = d }
}

// Connection is a websocket to one debugger endpoint, the browser or a
// target. It opens lazily on the first command.
type Connection struct {
	ctx    context.Context
	logger *log.Logger
	wsURL  string

	targetID    string
	idleTimeout time.Duration
	dialer      *websocket.Dialer
	observer    Observer
	tracer      Tracer

	mu        sync.Mutex
	conn      *websocket.Conn
	listener  *Listener
	listeners int64
	closeErr  error

	writeMu sync.Mutex
	msgID   int64

	pendingMu sync.Mutex
	pending   map[int64]*Transaction

	handlersMu sync.RWMutex
	handlers   map[cdproto.MethodType][]handlerEntry
	handlerID  int64

	domainsMu sync.Mutex
	domains   map[string]struct{}

	lastEvent atomic.Pointer[EventTransaction]
}

// NewConnection returns a connection to wsURL that is opened by Open or by
// the first command. ctx is passed to event handlers.
func NewConnection(ctx context.Context, wsURL string, logger *log.Logger, opts ...Option) *Connection {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c := &Connection{
		ctx:         ctx,
		logger:      logger,
		wsURL:       wsURL,
		idleTimeout: DefaultIdleTimeout,
		dialer: &websocket.Dialer{
			HandshakeTimeout: time.Second * 10,
			ReadBufferSize:   1 << 20,
			WriteBufferSize:  1 << 20,
			Proxy:            http.ProxyFromEnvironment,
		},
		pending:  make(map[int64]*Transaction),
		handlers: make(map[cdproto.MethodType][]handlerEntry),
		domains:  make(map[string]struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	return c
}

// URL returns the websocket URL.
func (c *Connection) URL() string { return c.wsURL }

// TargetID returns the target the connection belongs to.
func (c *Connection) TargetID() string { return c.targetID }

// Open dials the websocket and starts the Listener. Calling it on an open
// connection does nothing.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	c.logger.Debugf("Connection:Open", "wsURL:%q", c.wsURL)
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("connecting to %q: %w", c.wsURL, err)
	}

	c.conn = conn
	c.closeErr = nil
	l := newListener(conn, c.idleTimeout, c.handleFrame, func(err error) {
		c.onListenerExit(conn, err)
	})
	c.listener = l
	c.listeners++
	l.start()

	return nil
}

// Closed reports whether the connection is not open.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == nil
}

// Listener returns the listener of the open connection, or nil.
func (c *Connection) Listener() *Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// ListenersStarted returns how many listeners this connection started.
func (c *Connection) ListenersStarted() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listeners
}

// Close stops the Listener, closes the websocket and fails every pending
// transaction with ErrConnectionClosed. It waits for the Listener to exit,
// so handlers must not call Close on their own connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	conn, l := c.conn, c.listener
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.logger.Debugf("Connection:Close", "wsURL:%q", c.wsURL)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	c.teardown(conn, ErrConnectionClosed)
	if l != nil {
		<-l.Stopped()
	}

	return nil
}

// onListenerExit runs on the listener goroutine, so it must not wait for
// the listener to stop.
func (c *Connection) onListenerExit(conn *websocket.Conn, err error) {
	if err == nil {
		return
	}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
		!errors.Is(err, context.Canceled) {
		c.logger.Debugf("Listener:loop", "wsURL:%q err:%v", c.wsURL, err)
	}
	c.teardown(conn, fmt.Errorf("%w: %w", ErrConnectionClosed, err))
}

// teardown closes conn if it is still the current one and fails all
// pending transactions with cause.
func (c *Connection) teardown(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	l := c.listener
	c.conn, c.listener, c.closeErr = nil, nil, cause
	c.mu.Unlock()

	if l != nil {
		l.Stop()
	}
	_ = conn.Close()

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*Transaction)
	c.pendingMu.Unlock()
	for _, tx := range pending {
		tx.fail(cause)
	}
	c.domainsMu.Lock()
	c.domains = make(map[string]struct{})
	c.domainsMu.Unlock()
}

// Err returns why the connection was last closed.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Execute implements cdp.Executor. It opens the connection if needed,
// enables the domains that registered handlers need, sends the command and
// waits for its reply.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if err := c.Open(ctx); err != nil {
		return err
	}
	if !isDomainSync(ctx) {
		c.SyncDomains(ctx)
	}
	return c.send(ctx, cdproto.MethodType(method), params, res)
}

// Send is Execute for callers that don't go through a cdproto action.
func (c *Connection) Send(ctx context.Context, method cdproto.MethodType, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return c.Execute(ctx, string(method), params, res)
}

func (c *Connection) send(ctx context.Context, method cdproto.MethodType, params easyjson.Marshaler, res easyjson.Unmarshaler) (err error) {
	var buf []byte
	if params != nil {
		if buf, err = easyjson.Marshal(params); err != nil {
			return fmt.Errorf("marshaling %s params: %w", method, err)
		}
	}

	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.TraceCommand(ctx, c.targetID, string(method))
		defer func() {
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}
	start := time.Now()
	if c.observer != nil {
		defer func() { c.observer.CommandDone(string(method), time.Since(start), err) }()
	}

	tx := newTransaction(atomic.AddInt64(&c.msgID, 1), method, buf)
	c.pendingMu.Lock()
	c.pending[tx.ID] = tx
	c.pendingMu.Unlock()

	c.logger.Debugf("Connection:send", "wsURL:%q id:%d method:%q", c.wsURL, tx.ID, method)
	if err := c.write(tx); err != nil {
		c.removePending(tx.ID)
		return err
	}

	select {
	case <-tx.Done():
	case <-ctx.Done():
		c.removePending(tx.ID)
		tx.fail(ctx.Err())
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
	if err := tx.Err(); err != nil {
		return err
	}
	if res != nil {
		if err := easyjson.Unmarshal(tx.Result(), res); err != nil {
			return fmt.Errorf("unmarshaling %s result: %w", method, err)
		}
	}

	return nil
}

// write encodes tx and writes it. A write failure tears the connection down.
func (c *Connection) write(tx *Transaction) error {
	msg := &cdproto.Message{
		ID:     tx.ID,
		Method: tx.Method,
		Params: tx.Params,
	}
	var w jwriter.Writer
	msg.MarshalEasyJSON(&w)
	if err := w.Error; err != nil {
		return fmt.Errorf("encoding %s: %w", tx.Method, err)
	}
	buf := bufferPool.Get()
	defer bufferPool.Put(buf)
	if _, err := w.DumpTo(buf); err != nil {
		return fmt.Errorf("encoding %s: %w", tx.Method, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s: %w", tx.Method, ErrConnectionClosed)
	}

	c.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, buf.Bytes())
	c.writeMu.Unlock()
	if err != nil {
		err = fmt.Errorf("writing %s: %w", tx.Method, err)
		c.logger.Debugf("Connection:write", "wsURL:%q id:%d err:%v", c.wsURL, tx.ID, err)
		c.teardown(conn, fmt.Errorf("%w: %w", ErrConnectionClosed, err))
		return err
	}

	return nil
}

func (c *Connection) removePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// Pending returns the number of transactions waiting for a reply.
func (c *Connection) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// handleFrame runs on the Listener for every frame.
func (c *Connection) handleFrame(data []byte) error {
	var msg cdproto.Message
	if err := easyjson.Unmarshal(data, &msg); err != nil {
		c.logger.Debugf("Listener:loop", "wsURL:%q malformed frame: %v", c.wsURL, err)
		return nil
	}

	switch {
	case msg.ID != 0:
		c.pendingMu.Lock()
		tx, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Debugf("Listener:loop", "wsURL:%q no transaction for reply id:%d", c.wsURL, msg.ID)
			return nil
		}
		tx.resolve(&msg)
		c.logger.Debugf("Listener:loop", "wsURL:%q matched reply id:%d method:%q", c.wsURL, msg.ID, tx.Method)
		return nil
	case msg.Method != "":
		return c.dispatch(&msg)
	default:
		c.logger.Debugf("Listener:loop", "wsURL:%q ignoring frame without id and method", c.wsURL)
		return nil
	}
}

func (c *Connection) dispatch(msg *cdproto.Message) error {
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		c.logger.Tracef("Listener:dispatch", "wsURL:%q method:%q err:%v", c.wsURL, msg.Method, err)
		ev = nil
	}
	et := newEventTransaction(msg, ev)
	c.lastEvent.Store(et)
	if c.observer != nil {
		c.observer.EventReceived(string(msg.Method))
	}

	c.handlersMu.RLock()
	hs := append([]handlerEntry(nil), c.handlers[msg.Method]...)
	c.handlersMu.RUnlock()

	for _, h := range hs {
		if err := c.callHandler(h.fn, et); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.logger.Errorf("Listener:dispatch", "wsURL:%q method:%q handler err:%v", c.wsURL, msg.Method, err)
		}
	}

	return nil
}

func (c *Connection) callHandler(fn Handler, et *EventTransaction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", et.Method, r)
		}
	}()
	return fn(c.ctx, et)
}

// LastEvent returns the most recently received event.
func (c *Connection) LastEvent() *EventTransaction {
	return c.lastEvent.Load()
}

// AddHandler registers h for the event method. Handlers for one method
// run in registration order. The returned func removes h.
func (c *Connection) AddHandler(method cdproto.MethodType, h Handler) (remove func()) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.handlerID++
	id := c.handlerID
	c.handlers[method] = append(c.handlers[method], handlerEntry{id: id, fn: h})

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()

		hs := c.handlers[method]
		for i, e := range hs {
			if e.id == id {
				hs = append(hs[:i:i], hs[i+1:]...)
				break
			}
		}
		if len(hs) == 0 {
			delete(c.handlers, method)
			return
		}
		c.handlers[method] = hs
	}
}

// RemoveHandlers removes every handler of method, or all handlers when
// method is empty.
func (c *Connection) RemoveHandlers(method cdproto.MethodType) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	if method == "" {
		c.handlers = make(map[cdproto.MethodType][]handlerEntry)
		return
	}
	delete(c.handlers, method)
}

// Handlers returns the number of handlers registered for method.
func (c *Connection) Handlers(method cdproto.MethodType) int {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return len(c.handlers[method])
}

// EnabledDomains returns the sorted names of enabled domains.
func (c *Connection) EnabledDomains() []string {
	c.domainsMu.Lock()
	defer c.domainsMu.Unlock()

	ds := make([]string, 0, len(c.domains))
	for d := range c.domains {
		ds = append(ds, d)
	}
	sort.Strings(ds)
	return ds
}

// SyncDomains enables the domains of registered handlers that are not
// enabled yet and forgets domains that no longer have handlers. Domains
// are marked before the enable command is sent, so a failed enable is
// logged and not retried until the domain is dropped.
func (c *Connection) SyncDomains(ctx context.Context) {
	c.handlersMu.RLock()
	want := make(map[string]struct{}, len(c.handlers))
	for m := range c.handlers {
		if d := domainOf(m); d != "" && d != targetDomain {
			want[d] = struct{}{}
		}
	}
	c.handlersMu.RUnlock()

	var enable []string
	c.domainsMu.Lock()
	for d := range want {
		if _, ok := c.domains[d]; !ok {
			c.domains[d] = struct{}{}
			enable = append(enable, d)
		}
	}
	for d := range c.domains {
		if _, ok := want[d]; !ok {
			delete(c.domains, d)
		}
	}
	c.domainsMu.Unlock()

	sort.Strings(enable)
	ctx = withDomainSync(ctx)
	for _, d := range enable {
		method := cdproto.MethodType(d + ".enable")
		if err := c.send(ctx, method, nil, nil); err != nil {
			c.logger.Debugf("Connection:SyncDomains", "wsURL:%q could not enable %s: %v", c.wsURL, d, err)
		}
	}
}

func domainOf(m cdproto.MethodType) string {
	s := string(m)
	if i := strings.IndexByte(s, '.'); i > 0 {
		return s[:i]
	}
	return ""
}

// Wait blocks for d when d > 0, otherwise until the Listener reports idle.
// It returns right away when the connection is not open.
func (c *Connection) Wait(ctx context.Context, d time.Duration) error {
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l := c.Listener()
	if l == nil {
		return nil
	}
	return l.WaitIdle(ctx)
}

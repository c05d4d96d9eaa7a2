// Package cdptest provides a mock debugger endpoint: the discovery HTTP
// endpoints and the browser and page websockets, with scriptable replies.
package cdptest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	browserPathPrefix = "/devtools/browser/"
	pagePathPrefix    = "/devtools/page/"
)

// Request is a command received by the server.
type Request struct {
	// Path is the websocket path the command arrived on.
	Path   string
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Target returns the target id for page connections.
func (r *Request) Target() string {
	return strings.TrimPrefix(r.Path, pagePathPrefix)
}

// Responder answers a command. A *cdproto.Error error is sent as the reply
// error object. ErrNoReply makes the server swallow the command.
type Responder func(req *Request) (result any, err error)

// ErrNoReply is returned by a Responder that does not want to reply.
var ErrNoReply = fmt.Errorf("no reply")

// Server is a mock debugger endpoint.
type Server struct {
	srv       *httptest.Server
	upgrader  websocket.Upgrader
	browserID string

	mu         sync.Mutex
	responders map[string]Responder
	requests   []*Request
	conns      map[string][]*conn
	targets    []*target.Info
	version    map[string]string
	notify     chan struct{}
}

type conn struct {
	path string
	mu   sync.Mutex
	ws   *websocket.Conn
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// NewServer starts a mock endpoint that is closed when tb finishes.
func NewServer(tb testing.TB) *Server {
	tb.Helper()

	s := &Server{
		browserID:  uuid.NewString(),
		responders: make(map[string]Responder),
		conns:      make(map[string][]*conn),
		notify:     make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", s.serveVersion)
	mux.HandleFunc("/json/list", s.serveList)
	mux.HandleFunc("/json", s.serveList)
	mux.HandleFunc("/devtools/", s.serveWebsocket)
	s.srv = httptest.NewServer(mux)
	s.version = map[string]string{
		"Browser":          "HeadlessChrome/120.0.6099.109",
		"Protocol-Version": "1.3",
		"User-Agent":       "Mozilla/5.0 HeadlessChrome/120.0.6099.109",
		"V8-Version":       "12.0.267.10",
		"WebKit-Version":   "537.36",
	}
	tb.Cleanup(s.Close)

	return s
}

// Close closes every websocket and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	var all []*conn
	for _, cs := range s.conns {
		all = append(all, cs...)
	}
	s.mu.Unlock()
	for _, c := range all {
		_ = c.ws.Close()
	}
	s.srv.Close()
}

// URL returns the HTTP base URL.
func (s *Server) URL() string { return s.srv.URL }

// Host returns the host the server listens on.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.srv.Listener.Addr().String())
	return host
}

// Port returns the port the server listens on.
func (s *Server) Port() int64 {
	_, port, _ := net.SplitHostPort(s.srv.Listener.Addr().String())
	p, _ := strconv.ParseInt(port, 10, 64)
	return p
}

// BrowserPath is the websocket path of the browser endpoint.
func (s *Server) BrowserPath() string { return browserPathPrefix + s.browserID }

// BrowserWSURL is the websocket URL of the browser endpoint.
func (s *Server) BrowserWSURL() string {
	return "ws://" + s.srv.Listener.Addr().String() + s.BrowserPath()
}

// PagePath is the websocket path of a page target.
func PagePath(targetID string) string { return pagePathPrefix + targetID }

// PageWSURL is the websocket URL of a page target.
func (s *Server) PageWSURL(targetID string) string {
	return "ws://" + s.srv.Listener.Addr().String() + PagePath(targetID)
}

// SetVersion overrides a /json/version field.
func (s *Server) SetVersion(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version[key] = value
}

// Handle sets the responder of method.
func (s *Server) Handle(method string, r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responders[method] = r
}

// HandleResult replies to method with a fixed result.
func (s *Server) HandleResult(method string, result any) {
	s.Handle(method, func(*Request) (any, error) { return result, nil })
}

// AddTarget adds a target to the Target.getTargets and /json/list replies.
func (s *Server) AddTarget(info *target.Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, info)
}

// RemoveTarget removes a target added with AddTarget.
func (s *Server) RemoveTarget(id target.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.targets {
		if t.TargetID == id {
			s.targets = append(s.targets[:i], s.targets[i+1:]...)
			return
		}
	}
}

// Targets returns the current targets.
func (s *Server) Targets() []*target.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*target.Info(nil), s.targets...)
}

// Requests returns the received commands for method, or all of them when
// method is empty.
func (s *Server) Requests(method string) []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rs []*Request
	for _, r := range s.requests {
		if method == "" || r.Method == method {
			rs = append(rs, r)
		}
	}
	return rs
}

// WaitForRequests waits until n commands for method arrived.
func (s *Server) WaitForRequests(method string, n int, timeout time.Duration) ([]*Request, error) {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		ch := s.notify
		s.mu.Unlock()

		if rs := s.Requests(method); len(rs) >= n {
			return rs, nil
		}
		select {
		case <-ch:
		case <-deadline:
			return nil, fmt.Errorf("waiting for %d %s requests: got %d", n, method, len(s.Requests(method)))
		}
	}
}

// Connections returns the number of open websockets on path.
func (s *Server) Connections(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[path])
}

// Emit sends an event to every websocket on path.
func (s *Server) Emit(path string, method cdproto.MethodType, params any) error {
	s.mu.Lock()
	cs := append([]*conn(nil), s.conns[path]...)
	s.mu.Unlock()

	if len(cs) == 0 {
		return fmt.Errorf("no websocket on %q", path)
	}
	frame := map[string]any{"method": method, "params": params}
	for _, c := range cs {
		if err := c.writeJSON(frame); err != nil {
			return fmt.Errorf("emitting %s on %q: %w", method, path, err)
		}
	}
	return nil
}

// EmitBrowser sends an event to the browser websocket.
func (s *Server) EmitBrowser(method cdproto.MethodType, params any) error {
	return s.Emit(s.BrowserPath(), method, params)
}

// WriteRaw writes a raw frame to every websocket on path.
func (s *Server) WriteRaw(path string, frame []byte) error {
	s.mu.Lock()
	cs := append([]*conn(nil), s.conns[path]...)
	s.mu.Unlock()

	for _, c := range cs {
		c.mu.Lock()
		err := c.ws.WriteMessage(websocket.TextMessage, frame)
		c.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every websocket on path without a close frame.
func (s *Server) DropConnections(path string) {
	s.mu.Lock()
	cs := s.conns[path]
	s.mu.Unlock()
	for _, c := range cs {
		_ = c.ws.UnderlyingConn().Close()
	}
}

func (s *Server) serveVersion(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	v := make(map[string]string, len(s.version)+1)
	for k, val := range s.version {
		v[k] = val
	}
	s.mu.Unlock()
	v["webSocketDebuggerUrl"] = s.BrowserWSURL()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) serveList(w http.ResponseWriter, _ *http.Request) {
	type entry struct {
		ID                   string `json:"id"`
		Type                 string `json:"type"`
		Title                string `json:"title"`
		URL                  string `json:"url"`
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	var list []entry
	for _, t := range s.Targets() {
		list = append(list, entry{
			ID:                   string(t.TargetID),
			Type:                 t.Type,
			Title:                t.Title,
			URL:                  t.URL,
			WebSocketDebuggerURL: s.PageWSURL(string(t.TargetID)),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{path: r.URL.Path, ws: ws}
	s.mu.Lock()
	s.conns[c.path] = append(s.conns[c.path], c)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		cs := s.conns[c.path]
		for i, cc := range cs {
			if cc == c {
				s.conns[c.path] = append(cs[:i:i], cs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		req := &Request{Path: c.path}
		if err := json.Unmarshal(data, req); err != nil {
			continue
		}
		s.record(req)
		go s.reply(c, req)
	}
}

func (s *Server) record(req *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Server) reply(c *conn, req *Request) {
	result, err := s.respond(req)
	if err == ErrNoReply { //nolint:errorlint
		return
	}

	frame := map[string]any{"id": req.ID}
	switch e := err.(type) { //nolint:errorlint
	case nil:
		if result == nil {
			result = struct{}{}
		}
		frame["result"] = result
	case *cdproto.Error:
		frame["error"] = e
	default:
		frame["error"] = &cdproto.Error{Code: -32000, Message: e.Error()}
	}
	_ = c.writeJSON(frame)
}

func (s *Server) respond(req *Request) (any, error) {
	s.mu.Lock()
	r, ok := s.responders[req.Method]
	s.mu.Unlock()
	if ok {
		return r(req)
	}

	switch req.Method {
	case "Target.getTargets":
		return map[string]any{"targetInfos": s.Targets()}, nil
	case "Target.getTargetInfo":
		var p struct {
			TargetID string `json:"targetId"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if p.TargetID == "" {
			p.TargetID = req.Target()
		}
		for _, t := range s.Targets() {
			if string(t.TargetID) == p.TargetID {
				return map[string]any{"targetInfo": t}, nil
			}
		}
		return nil, &cdproto.Error{Code: -32602, Message: "No target with given id found"}
	case "Browser.getVersion":
		return map[string]string{
			"protocolVersion": "1.3",
			"product":         "HeadlessChrome/120.0.6099.109",
			"revision":        "@3c5a9a9",
			"userAgent":       "Mozilla/5.0 HeadlessChrome/120.0.6099.109",
			"jsVersion":       "12.0.267.10",
		}, nil
	}
	return struct{}{}, nil
}

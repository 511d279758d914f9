// Package cdptest provides an in-process stand-in for a Chromium debugging
// endpoint. It serves the /json discovery HTTP surface and a browser-level
// WebSocket whose command handling is scripted per method, so packages that
// speak CDP can be tested without a real browser.
package cdptest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrNoReply tells the serve loop to swallow a command, leaving the client's
// send pending until the connection dies.
var ErrNoReply = errors.New("no reply")

// Call records one command frame received over the WebSocket.
type Call struct {
	Method    string
	SessionID string
	Params    json.RawMessage
}

// HandlerFunc scripts the reply for one CDP method. Returning ErrNoReply
// suppresses the reply frame entirely.
type HandlerFunc func(sessionID string, params json.RawMessage) (any, error)

// Fake is a scripted Chromium debugging endpoint.
type Fake struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	wmu      sync.Mutex
	conn     net.Conn
	handlers map[string]HandlerFunc
	calls    []Call
	sessions int
	detached []string
	closed   []string
	actived  []string
	newPages int

	browser string
	ua      string
	targets []map[string]string
}

// New starts a fake endpoint that reports itself as a regular desktop Chrome.
func New(t *testing.T) *Fake {
	f := &Fake{
		t:        t,
		handlers: make(map[string]HandlerFunc),
		browser:  "Chrome/126.0.6478.62",
		ua:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/126.0.0.0 Safari/537.36",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		browser, ua := f.browser, f.ua
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{
			"Browser":              browser,
			"Protocol-Version":     "1.3",
			"User-Agent":           ua,
			"webSocketDebuggerUrl": f.wsURL(),
		})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		targets := f.targets
		f.mu.Unlock()
		if targets == nil {
			targets = []map[string]string{}
		}
		json.NewEncoder(w).Encode(targets)
	})
	mux.HandleFunc("/json/new", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.newPages++
		page := map[string]string{
			"id":    fmt.Sprintf("NEWPAGE-%d", f.newPages),
			"type":  "page",
			"url":   r.URL.Query().Get("url"),
			"title": "",
		}
		f.targets = append(f.targets, page)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(page)
	})
	mux.HandleFunc("/json/close/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/json/close/")
		f.mu.Lock()
		f.closed = append(f.closed, id)
		f.mu.Unlock()
		fmt.Fprint(w, "Target is closing")
	})
	mux.HandleFunc("/json/activate/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/json/activate/")
		f.mu.Lock()
		f.actived = append(f.actived, id)
		f.mu.Unlock()
		fmt.Fprint(w, "Target activated")
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		go f.serve(conn)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// URL returns the HTTP base of the fake, e.g. http://127.0.0.1:41234.
func (f *Fake) URL() string { return f.srv.URL }

// Port returns the TCP port the fake listens on.
func (f *Fake) Port() int {
	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(f.srv.URL, "http://"))
	if err != nil {
		f.t.Fatalf("split fake addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func (f *Fake) wsURL() string {
	return "ws://" + strings.TrimPrefix(f.srv.URL, "http://") + "/ws"
}

// SetVersion overrides the /json/version identity, e.g. to impersonate a
// headless shell or a webview.
func (f *Fake) SetVersion(browser, ua string) {
	f.mu.Lock()
	f.browser = browser
	f.ua = ua
	f.mu.Unlock()
}

// SetTargets replaces the /json/list payload.
func (f *Fake) SetTargets(targets []map[string]string) {
	f.mu.Lock()
	f.targets = targets
	f.mu.Unlock()
}

// AddPage appends one page target to the /json/list payload.
func (f *Fake) AddPage(id, url string) {
	f.mu.Lock()
	f.targets = append(f.targets, map[string]string{"id": id, "type": "page", "url": url})
	f.mu.Unlock()
}

// Handle scripts the reply for a CDP method.
func (f *Fake) Handle(method string, fn HandlerFunc) {
	f.mu.Lock()
	f.handlers[method] = fn
	f.mu.Unlock()
}

func (f *Fake) serve(conn net.Conn) {
	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}

		var msg struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}

		f.mu.Lock()
		f.calls = append(f.calls, Call{Method: msg.Method, SessionID: msg.SessionID, Params: msg.Params})
		handler := f.handlers[msg.Method]
		f.mu.Unlock()

		var result any
		var herr error
		switch {
		case handler != nil:
			result, herr = handler(msg.SessionID, msg.Params)
			if errors.Is(herr, ErrNoReply) {
				continue
			}
		case msg.Method == "Target.attachToTarget":
			f.mu.Lock()
			f.sessions++
			result = map[string]string{"sessionId": fmt.Sprintf("SESSION-%d", f.sessions)}
			f.mu.Unlock()
		case msg.Method == "Target.detachFromTarget":
			var p struct {
				SessionID string `json:"sessionId"`
			}
			json.Unmarshal(msg.Params, &p)
			f.mu.Lock()
			f.detached = append(f.detached, p.SessionID)
			f.mu.Unlock()
			result = map[string]any{}
		default:
			result = map[string]any{}
		}

		if herr != nil {
			f.writeFrame(map[string]any{
				"id":    msg.ID,
				"error": map[string]any{"code": -32000, "message": herr.Error()},
			})
			continue
		}
		f.writeFrame(map[string]any{"id": msg.ID, "result": result})
	}
}

// Emit pushes a CDP event frame to the connected client.
func (f *Fake) Emit(method, sessionID string, params any) {
	frame := map[string]any{"method": method, "params": params}
	if sessionID != "" {
		frame["sessionId"] = sessionID
	}
	f.writeFrame(frame)
}

// EmitRaw pushes an arbitrary text frame, valid JSON or not.
func (f *Fake) EmitRaw(text string) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		f.t.Fatalf("EmitRaw: no client connected")
	}
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if err := wsutil.WriteServerText(conn, []byte(text)); err != nil {
		f.t.Logf("EmitRaw: %v", err)
	}
}

func (f *Fake) writeFrame(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		f.t.Fatalf("marshal frame: %v", err)
	}
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}
	f.wmu.Lock()
	defer f.wmu.Unlock()
	wsutil.WriteServerText(conn, data)
}

// DropConnection severs the WebSocket from the server side.
func (f *Fake) DropConnection() {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Calls returns the recorded command frames, optionally filtered by method.
func (f *Fake) Calls(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// DetachedSessions returns the session ids the client detached, in order.
func (f *Fake) DetachedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.detached))
	copy(out, f.detached)
	return out
}

// ActivatedTargets returns the ids passed to /json/activate, in order.
func (f *Fake) ActivatedTargets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.actived))
	copy(out, f.actived)
	return out
}

// PagesCreated returns how many pages /json/new has opened.
func (f *Fake) PagesCreated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newPages
}

// ClosedTargets returns the ids passed to /json/close, in order.
func (f *Fake) ClosedTargets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.closed))
	copy(out, f.closed)
	return out
}

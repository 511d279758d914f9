package cdpcontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Transport is a minimal CDP client over the browser-level WebSocket without
// chromedp's heavy session initialisation (SetAutoAttach, Page.Enable,
// DOM.Enable, etc.). Those commands destabilise some browser builds and cause
// the browser process to exit when service workers are auto-attached.
//
// All per-target traffic rides flattened sessions: the sessionId travels in
// the outer envelope, so one socket multiplexes the root session and every
// attached target. A Transport is single-use; once the socket dies it stays
// dead and the orchestrator builds a fresh one on the next connect.
type Transport struct {
	endpoints *Endpoints

	mu   sync.Mutex
	conn net.Conn
	seq  atomic.Int64

	pending   map[int64]chan json.RawMessage
	pendingMu sync.Mutex

	eventMu       sync.RWMutex
	eventHandlers map[string][]eventHandler

	closed    atomic.Bool
	closeOnce sync.Once
	onClose   func()
}

type eventHandler struct {
	id int64
	fn func(sessionID string, params json.RawMessage)
}

func NewTransport(endpoints *Endpoints) *Transport {
	return &Transport{
		endpoints:     endpoints,
		pending:       make(map[int64]chan json.RawMessage),
		eventHandlers: make(map[string][]eventHandler),
	}
}

// SetOnClose registers a hook fired exactly once when the connection dies,
// whether by Close or by read-loop failure. Must be set before Dial.
func (t *Transport) SetOnClose(fn func()) { t.onClose = fn }

// Dial resolves the browser WebSocket URL from /json/version and opens the
// single browser-level socket.
func (t *Transport) Dial(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return NewError(CodeCDPUnavailable, "transport already closed", nil)
	}
	if t.conn != nil {
		return nil
	}

	info, err := t.endpoints.Version(ctx)
	if err != nil {
		return NewError(CodeCDPUnavailable, "browser ws url", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return NewError(CodeCDPUnavailable, "empty webSocketDebuggerUrl", nil)
	}

	slog.Debug("cdp transport connecting", "ws_url", info.WebSocketDebuggerURL)
	conn, _, _, err := ws.Dial(ctx, info.WebSocketDebuggerURL)
	if err != nil {
		return NewError(CodeCDPUnavailable, "dial", err)
	}

	t.conn = conn
	t.pending = make(map[int64]chan json.RawMessage)
	go t.readLoop()
	return nil
}

// Connected reports whether the socket is currently open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Close tears the socket down and fires the close hook.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()
	t.markClosed()
}

func (t *Transport) markClosed() {
	t.closed.Store(true)
	t.closeAllPending()
	t.closeOnce.Do(func() {
		if t.onClose != nil {
			t.onClose()
		}
	})
}

// readLoop processes incoming frames, routing replies to waiters and events
// to subscribers. A frame that is not a CDP envelope poisons the connection:
// it is closed rather than resynchronised.
func (t *Transport) readLoop() {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			t.markClosed()
			return
		}

		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("cdp read loop exit", "error", err)
			t.markClosed()
			return
		}

		var msg struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &msg) != nil || (msg.ID == 0 && msg.Method == "") {
			slog.Warn("cdp transport poisoned by malformed frame", "bytes", len(data))
			t.Close()
			return
		}
		if msg.ID > 0 {
			t.pendingMu.Lock()
			ch, ok := t.pending[msg.ID]
			if ok {
				delete(t.pending, msg.ID)
			}
			t.pendingMu.Unlock()
			if ok {
				ch <- json.RawMessage(data)
			}
		} else {
			t.dispatchEvent(msg.Method, msg.SessionID, msg.Params)
		}
	}
}

func (t *Transport) closeAllPending() {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

func (t *Transport) deletePending(id int64) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

// sendRaw marshals an envelope, writes it to the socket, and waits for the
// reply keyed by id.
func (t *Transport) sendRaw(ctx context.Context, id int64, envelope any) (json.RawMessage, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, NewError(CodeCDPUnavailable, "not connected", nil)
	}

	ch := make(chan json.RawMessage, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()

	data, err := json.Marshal(envelope)
	if err != nil {
		t.deletePending(id)
		return nil, fmt.Errorf("cdp: marshal: %w", err)
	}

	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		t.deletePending(id)
		return nil, NewError(CodeCDPUnavailable, "not connected", nil)
	}
	err = wsutil.WriteClientText(t.conn, data)
	t.mu.Unlock()
	if err != nil {
		t.deletePending(id)
		return nil, NewError(CodeCDPUnavailable, "send", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, NewError(CodeCDPUnavailable, "connection closed mid-command", nil)
		}
		return resp, nil
	case <-ctx.Done():
		t.deletePending(id)
		return nil, ctx.Err()
	}
}

// Send issues a CDP command on a flattened session and returns the inner
// result payload. An empty sessionID addresses the browser-level session.
func (t *Transport) Send(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	id := t.seq.Add(1)
	req := struct {
		ID        int64  `json:"id"`
		Method    string `json:"method"`
		SessionID string `json:"sessionId,omitempty"`
		Params    any    `json:"params,omitempty"`
	}{ID: id, Method: method, SessionID: sessionID, Params: params}

	resp, err := t.sendRaw(ctx, id, req)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int64  `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp, &envelope); err != nil {
		return resp, nil
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("cdp: %s: %s", method, envelope.Error.Message)
	}
	return envelope.Result, nil
}

// Subscribe registers a handler for a CDP event method (e.g.
// "Fetch.requestPaused"). Handlers receive every occurrence regardless of
// session and filter on sessionID themselves. Returns an unsubscribe func.
func (t *Transport) Subscribe(method string, fn func(sessionID string, params json.RawMessage)) func() {
	id := t.seq.Add(1)
	t.eventMu.Lock()
	t.eventHandlers[method] = append(t.eventHandlers[method], eventHandler{id: id, fn: fn})
	t.eventMu.Unlock()
	return func() {
		t.eventMu.Lock()
		defer t.eventMu.Unlock()
		handlers := t.eventHandlers[method]
		for i, h := range handlers {
			if h.id == id {
				t.eventHandlers[method] = append(handlers[:i], handlers[i+1:]...)
				break
			}
		}
	}
}

// dispatchEvent invokes all registered handlers for the given event method.
// Handlers run on the read loop and must not block; anything that issues CDP
// commands in response to an event hands the work to its own goroutine.
func (t *Transport) dispatchEvent(method, sessionID string, params json.RawMessage) {
	t.eventMu.RLock()
	handlers := make([]eventHandler, len(t.eventHandlers[method]))
	copy(handlers, t.eventHandlers[method])
	t.eventMu.RUnlock()
	for _, h := range handlers {
		h.fn(sessionID, params)
	}
}

// AttachToTarget attaches a flat session to the given target.
func (t *Transport) AttachToTarget(ctx context.Context, targetID string) (string, error) {
	params := struct {
		TargetID string `json:"targetId"`
		Flatten  bool   `json:"flatten"`
	}{TargetID: targetID, Flatten: true}

	raw, err := t.Send(ctx, "", "Target.attachToTarget", params)
	if err != nil {
		return "", err
	}

	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("cdp: unmarshal attach: %w", err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("cdp: attach to %s returned no session", targetID)
	}
	return resp.SessionID, nil
}

// DetachFromTarget detaches a session without closing the target.
func (t *Transport) DetachFromTarget(ctx context.Context, sessionID string) error {
	params := struct {
		SessionID string `json:"sessionId"`
	}{SessionID: sessionID}

	_, err := t.Send(ctx, "", "Target.detachFromTarget", params)
	return err
}

package capture

import (
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
)

// Frame directions as reported to listings.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// WSFrame is one captured WebSocket frame.
type WSFrame struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"requestId"`
	URL          string    `json:"url"`
	Direction    string    `json:"direction"`
	Opcode       int       `json:"opcode"`
	Payload      string    `json:"payload"`
	Truncated    bool      `json:"truncated,omitempty"`
	OriginalSize int       `json:"originalSize,omitempty"`
	SHA256       string    `json:"sha256,omitempty"`
}

type wsConnection struct {
	url       string
	createdAt time.Time
}

// WebSocketCapture keeps the most recent WebSocket frames of one page target
// in a fixed-size ring. Oldest frames are overwritten once the ring is full;
// the drop count is reported so the caller knows the window slid.
type WebSocketCapture struct {
	maxPayload int

	mu          sync.Mutex
	capturing   bool
	maxFrames   int
	connections map[string]*wsConnection
	frames      []WSFrame
	next        int
	total       int64
}

// NewWebSocketCapture creates an idle capture with the given ring size and
// per-frame payload cap.
func NewWebSocketCapture(maxFrames, maxPayload int) *WebSocketCapture {
	if maxFrames <= 0 {
		maxFrames = 1000
	}
	return &WebSocketCapture{
		maxPayload:  maxPayload,
		maxFrames:   maxFrames,
		connections: make(map[string]*wsConnection),
	}
}

// Start clears any previous run and begins capturing. maxFrames <= 0 keeps
// the configured ring size.
func (w *WebSocketCapture) Start(maxFrames int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if maxFrames > 0 {
		w.maxFrames = maxFrames
	}
	w.capturing = true
	w.connections = make(map[string]*wsConnection)
	w.frames = nil
	w.next = 0
	w.total = 0
}

// Stop ends capturing. Captured frames stay available for listing until the
// next Start.
func (w *WebSocketCapture) Stop() (frames int64, connections int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.capturing = false
	return w.total, len(w.connections)
}

// Capturing reports whether frames are being recorded.
func (w *WebSocketCapture) Capturing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.capturing
}

// ActiveConnections returns the number of sockets seen created and not yet
// closed.
func (w *WebSocketCapture) ActiveConnections() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.connections)
}

// TotalFrames returns how many frames were captured since Start, including
// ones already overwritten in the ring.
func (w *WebSocketCapture) TotalFrames() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}

func (w *WebSocketCapture) OnWebSocketCreated(ev *network.EventWebSocketCreated) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.capturing {
		return
	}
	w.connections[string(ev.RequestID)] = &wsConnection{url: ev.URL, createdAt: time.Now().UTC()}
}

func (w *WebSocketCapture) OnWebSocketFrameSent(ev *network.EventWebSocketFrameSent) {
	if ev.Response == nil {
		return
	}
	w.record(string(ev.RequestID), DirectionOutgoing, ev.Response)
}

func (w *WebSocketCapture) OnWebSocketFrameReceived(ev *network.EventWebSocketFrameReceived) {
	if ev.Response == nil {
		return
	}
	w.record(string(ev.RequestID), DirectionIncoming, ev.Response)
}

func (w *WebSocketCapture) OnWebSocketClosed(ev *network.EventWebSocketClosed) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.connections, string(ev.RequestID))
}

func (w *WebSocketCapture) record(requestID, direction string, frame *network.WebSocketFrame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.capturing {
		return
	}

	url := ""
	if conn, ok := w.connections[requestID]; ok {
		url = conn.url
	}

	payload, truncated, originalSize, hash := TruncateString(frame.PayloadData, w.maxPayload)
	captured := WSFrame{
		Timestamp:    time.Now().UTC(),
		RequestID:    requestID,
		URL:          url,
		Direction:    direction,
		Opcode:       int(frame.Opcode),
		Payload:      payload,
		Truncated:    truncated,
		OriginalSize: originalSize,
		SHA256:       hash,
	}

	if len(w.frames) < w.maxFrames {
		w.frames = append(w.frames, captured)
	} else {
		w.frames[w.next] = captured
		w.next = (w.next + 1) % w.maxFrames
	}
	w.total++
}

// Frames returns captured frames in chronological order, optionally filtered
// by direction, keeping only the newest limit entries. limit <= 0 returns
// all buffered frames.
func (w *WebSocketCapture) Frames(limit int, direction string) []WSFrame {
	w.mu.Lock()
	defer w.mu.Unlock()

	ordered := make([]WSFrame, 0, len(w.frames))
	if len(w.frames) < w.maxFrames {
		ordered = append(ordered, w.frames...)
	} else {
		ordered = append(ordered, w.frames[w.next:]...)
		ordered = append(ordered, w.frames[:w.next]...)
	}

	if direction == DirectionIncoming || direction == DirectionOutgoing {
		filtered := ordered[:0]
		for _, f := range ordered {
			if f.Direction == direction {
				filtered = append(filtered, f)
			}
		}
		ordered = filtered
	}

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

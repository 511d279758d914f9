package capture

import (
	"fmt"
	"testing"

	"github.com/chromedp/cdproto/network"
)

func wsFrameSent(id, payload string) *network.EventWebSocketFrameSent {
	return &network.EventWebSocketFrameSent{
		RequestID: network.RequestID(id),
		Response:  &network.WebSocketFrame{Opcode: 1, PayloadData: payload},
	}
}

func wsFrameReceived(id, payload string) *network.EventWebSocketFrameReceived {
	return &network.EventWebSocketFrameReceived{
		RequestID: network.RequestID(id),
		Response:  &network.WebSocketFrame{Opcode: 1, PayloadData: payload},
	}
}

func TestWebSocketRingOverwritesOldest(t *testing.T) {
	w := NewWebSocketCapture(3, 1024)
	w.Start(0)
	w.OnWebSocketCreated(&network.EventWebSocketCreated{RequestID: "WS1", URL: "wss://feed.example/live"})

	for i := 1; i <= 5; i++ {
		w.OnWebSocketFrameSent(wsFrameSent("WS1", fmt.Sprintf("msg-%d", i)))
	}

	frames := w.Frames(0, "")
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	for i, want := range []string{"msg-3", "msg-4", "msg-5"} {
		if frames[i].Payload != want {
			t.Fatalf("frames[%d].Payload = %q, want %q", i, frames[i].Payload, want)
		}
	}
	if w.TotalFrames() != 5 {
		t.Fatalf("TotalFrames() = %d, want 5", w.TotalFrames())
	}
	if frames[0].URL != "wss://feed.example/live" {
		t.Fatalf("frame url = %q", frames[0].URL)
	}
}

func TestWebSocketDirectionFilter(t *testing.T) {
	w := NewWebSocketCapture(10, 1024)
	w.Start(0)
	w.OnWebSocketCreated(&network.EventWebSocketCreated{RequestID: "WS1", URL: "wss://feed.example"})

	w.OnWebSocketFrameSent(wsFrameSent("WS1", "out-1"))
	w.OnWebSocketFrameReceived(wsFrameReceived("WS1", "in-1"))
	w.OnWebSocketFrameSent(wsFrameSent("WS1", "out-2"))

	in := w.Frames(0, DirectionIncoming)
	if len(in) != 1 || in[0].Payload != "in-1" {
		t.Fatalf("incoming = %+v, want single in-1", in)
	}
	out := w.Frames(0, DirectionOutgoing)
	if len(out) != 2 {
		t.Fatalf("outgoing = %d frames, want 2", len(out))
	}
}

func TestWebSocketLimitKeepsNewest(t *testing.T) {
	w := NewWebSocketCapture(10, 1024)
	w.Start(0)
	for i := 1; i <= 4; i++ {
		w.OnWebSocketFrameReceived(wsFrameReceived("WS1", fmt.Sprintf("m%d", i)))
	}

	frames := w.Frames(2, "")
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if frames[0].Payload != "m3" || frames[1].Payload != "m4" {
		t.Fatalf("kept = %q,%q, want m3,m4", frames[0].Payload, frames[1].Payload)
	}
}

func TestWebSocketStopRetainsRing(t *testing.T) {
	w := NewWebSocketCapture(10, 1024)
	w.Start(0)
	w.OnWebSocketFrameSent(wsFrameSent("WS1", "kept"))

	total, _ := w.Stop()
	if total != 1 {
		t.Fatalf("Stop() total = %d, want 1", total)
	}

	// Frames after stop are dropped, the ring survives for listing.
	w.OnWebSocketFrameSent(wsFrameSent("WS1", "late"))
	frames := w.Frames(0, "")
	if len(frames) != 1 || frames[0].Payload != "kept" {
		t.Fatalf("frames after stop = %+v", frames)
	}
}

func TestWebSocketStartOverridesRingSize(t *testing.T) {
	w := NewWebSocketCapture(10, 1024)
	w.Start(2)
	for i := 1; i <= 3; i++ {
		w.OnWebSocketFrameSent(wsFrameSent("WS1", fmt.Sprintf("m%d", i)))
	}
	if got := len(w.Frames(0, "")); got != 2 {
		t.Fatalf("frames = %d, want 2 after Start(2)", got)
	}
}

func TestWebSocketPayloadTruncated(t *testing.T) {
	w := NewWebSocketCapture(10, 4)
	w.Start(0)
	w.OnWebSocketFrameSent(wsFrameSent("WS1", "abcdefgh"))

	frames := w.Frames(0, "")
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	f := frames[0]
	if f.Payload != "abcd" || !f.Truncated || f.OriginalSize != 8 || f.SHA256 == "" {
		t.Fatalf("frame = %+v, want truncated 4-byte payload", f)
	}
}

func TestWebSocketConnectionLifecycle(t *testing.T) {
	w := NewWebSocketCapture(10, 1024)
	w.Start(0)

	w.OnWebSocketCreated(&network.EventWebSocketCreated{RequestID: "WS1", URL: "wss://a.example"})
	w.OnWebSocketCreated(&network.EventWebSocketCreated{RequestID: "WS2", URL: "wss://b.example"})
	if got := w.ActiveConnections(); got != 2 {
		t.Fatalf("ActiveConnections() = %d, want 2", got)
	}

	w.OnWebSocketClosed(&network.EventWebSocketClosed{RequestID: "WS1"})
	if got := w.ActiveConnections(); got != 1 {
		t.Fatalf("ActiveConnections() = %d, want 1", got)
	}
}

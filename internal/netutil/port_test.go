package netutil

import (
	"net"
	"strconv"
	"testing"
	"time"
)

func TestIsPortListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	if !IsPortListening(host, port, time.Second) {
		t.Fatalf("IsPortListening() = false for live listener %s", ln.Addr())
	}

	_ = ln.Close()
	if IsPortListening(host, port, 200*time.Millisecond) {
		t.Fatalf("IsPortListening() = true after listener closed")
	}
}

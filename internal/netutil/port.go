package netutil

import (
	"net"
	"strconv"
	"time"
)

// IsPortListening reports whether something accepts TCP connections on
// host:port. It says nothing about what is listening there.
func IsPortListening(host string, port int, timeout time.Duration) bool {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

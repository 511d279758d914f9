// Package capture accumulates observed network traffic (HTTP pairs for HAR
// export, WebSocket frames) in bounded in-memory buffers. It never talks CDP
// itself; the interception engine feeds it parsed events.
package capture

import (
	"crypto/sha256"
	"encoding/hex"
)

// Truncate caps a byte slice at maxBytes. When it cuts, it reports the
// original length and a sha256 of the full input so a reader can still
// verify what the complete body was. maxBytes <= 0 disables the cap.
func Truncate(in []byte, maxBytes int) (out []byte, truncated bool, originalSize int, sha256Hex string) {
	if maxBytes <= 0 || len(in) <= maxBytes {
		return in, false, len(in), ""
	}
	sum := sha256.Sum256(in)
	return in[:maxBytes], true, len(in), hex.EncodeToString(sum[:])
}

// TruncateString is Truncate for string payloads. The cut is by bytes, not
// runes, so the tail of a multi-byte sequence may be dropped.
func TruncateString(in string, maxBytes int) (out string, truncated bool, originalSize int, sha256Hex string) {
	raw, cut, size, hash := Truncate([]byte(in), maxBytes)
	return string(raw), cut, size, hash
}

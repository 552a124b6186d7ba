// Package signing implements HMAC request signing for outbound dispatches.
// Requests carry a unix-seconds timestamp and an HMAC-SHA256 signature over
// "{timestamp}.{body}" so receivers can verify origin and reject replays.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Header names attached to signed dispatches.
const (
	HeaderTimestamp = "X-Cronicorn-Timestamp"
	HeaderSignature = "X-Cronicorn-Signature"
)

// Sign computes the lowercase hex HMAC-SHA256 of "{timestamp}.{body}" with
// the given key. Pure function: identical inputs always produce identical
// signatures. body is the serialized JSON payload, or the empty string for
// body-less requests.
func Sign(key []byte, timestamp int64, body string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the expected HMAC for the payload.
// Comparison is constant-time.
func Verify(key []byte, timestamp int64, body, signature string) bool {
	expected := Sign(key, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix marks the signature scheme in the header value.
const Prefix = "sha256="

// Sign computes the hex HMAC-SHA256 of body||timestamp with the subscription
// secret, formatted for the signature header. The receiver recomputes the same
// MAC out of band to authenticate the payload.
func Sign(secret, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether header carries a valid signature for body||timestamp
// under secret. Comparison is constant-time.
func Verify(secret, body []byte, timestamp, header string) bool {
	if !strings.HasPrefix(header, Prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, Prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return hmac.Equal(got, mac.Sum(nil))
}

package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Header names attached to every signed venue request.
const (
	HeaderAPIKey     = "X-API-KEY"
	HeaderTimestamp  = "X-API-TIMESTAMP"
	HeaderPassphrase = "X-API-PASSPHRASE"
	HeaderSignature  = "X-API-SIGNATURE"
)

// HMACAuth holds the credentials for HMAC-authenticated venue REST calls.
type HMACAuth struct {
	Key        string
	Secret     string
	Passphrase string
}

// Headers returns the signed headers for a request. The signature is
// hex(HMAC-SHA256(secret, timestampMs+METHOD+path+body)).
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().UnixMilli())
}

// HeadersAt is like Headers with a caller-supplied millisecond timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixMs int64) map[string]string {
	ts := strconv.FormatInt(unixMs, 10)
	out := map[string]string{
		HeaderAPIKey:    h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: Sign(h.Secret, ts+method+path+body),
	}
	if h.Passphrase != "" {
		out[HeaderPassphrase] = h.Passphrase
	}
	return out
}

// Sign returns the hex-encoded HMAC-SHA256 of message under secret.
func Sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}

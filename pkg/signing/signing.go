// Package signing builds the canonical request payload shared by pixel clients
// and the gateway, and computes HMAC-SHA256 signatures over it.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Pixel-Signature"
	HeaderTimestamp = "X-Pixel-Timestamp"
	HeaderNonce     = "X-Pixel-Nonce"
)

// Context is the set of request attributes bound into a signature.
type Context struct {
	Method        string
	PathWithQuery string
	Timestamp     string
	Nonce         string
	Body          []byte
}

// Payload returns the canonical payload for c.
func (c Context) Payload() string {
	return BuildPayload(c.Method, c.PathWithQuery, c.Timestamp, c.Nonce, c.Body)
}

// BuildPayload joins the signed attributes with newlines:
//
//	METHOD
//	/path?query
//	timestamp
//	nonce
//	hex(sha256(body))
func BuildPayload(method, pathWithQuery, timestamp, nonce string, body []byte) string {
	if i := strings.IndexByte(pathWithQuery, '#'); i >= 0 {
		pathWithQuery = pathWithQuery[:i]
	}
	return strings.Join([]string{
		strings.ToUpper(method),
		pathWithQuery,
		timestamp,
		nonce,
		BodyHash(body),
	}, "\n")
}

// BodyHash is the lowercase hex SHA-256 of body. An empty body hashes to the
// digest of the empty string.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Sign computes base64(HMAC-SHA256(secret, payload)).
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature for payload and compares it with provided in
// constant time.
func Verify(secret, payload, provided string) bool {
	expected := Sign(secret, payload)
	if len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// Headers is what a client attaches to a signed request.
type Headers struct {
	Signature string
	Timestamp string
	Nonce     string
}

// Map returns the headers keyed by their wire names.
func (h Headers) Map() map[string]string {
	return map[string]string{
		HeaderSignature: h.Signature,
		HeaderTimestamp: h.Timestamp,
		HeaderNonce:     h.Nonce,
	}
}

// SignRequest produces the signature headers for a request issued at now.
func SignRequest(secret, method, pathWithQuery, nonce string, body []byte, now time.Time) Headers {
	ts := strconv.FormatInt(now.Unix(), 10)
	payload := BuildPayload(method, pathWithQuery, ts, nonce, body)
	return Headers{
		Signature: Sign(secret, payload),
		Timestamp: ts,
		Nonce:     nonce,
	}
}

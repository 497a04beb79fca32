package polymarket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// APICreds holds the L2 credentials required for HMAC-authenticated requests
// against the CLOB API.
type APICreds struct {
	Key        string // API key
	Secret     string // API secret, base64-encoded
	Passphrase string // API passphrase
}

// L2Headers returns the HTTP headers for an L2 (CLOB) API request signed at
// the current time.
//
// Returned header keys:
//   - POLY_ADDRESS
//   - POLY_API_KEY
//   - POLY_TIMESTAMP
//   - POLY_PASSPHRASE
//   - POLY_SIGNATURE
func (c *APICreds) L2Headers(address, method, path, body string) map[string]string {
	return c.L2HeadersAt(address, method, path, body, time.Now().Unix())
}

// L2HeadersAt is like L2Headers with a caller-supplied Unix timestamp.
func (c *APICreds) L2HeadersAt(address, method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)

	secret, err := base64.URLEncoding.DecodeString(c.Secret)
	if err != nil {
		secret, err = base64.StdEncoding.DecodeString(c.Secret)
	}
	if err != nil {
		// Fall back to raw bytes so the caller gets an obviously-wrong
		// signature rather than a panic.
		secret = []byte(c.Secret)
	}

	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    c.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": c.Passphrase,
		"POLY_SIGNATURE":  hmacSHA256Base64(secret, ts+method+path+body),
	}
}

// String returns a redacted representation suitable for logging. Only a short
// prefix of the key is shown; the secret and passphrase never are.
func (c *APICreds) String() string {
	key := "****"
	if len(c.Key) > 4 {
		key = c.Key[:4] + "****"
	}
	return fmt.Sprintf("APICreds{key=%s, secret=****, passphrase=****}", key)
}

// hmacSHA256Base64 computes HMAC-SHA256 of message and returns it URL-safe
// base64 encoded, as the CLOB expects.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

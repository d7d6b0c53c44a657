package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Request headers set on every delivery.
const (
	HeaderTimestamp = "X-Timestamp"
	HeaderRequestID = "X-Request-ID"
	HeaderSignature = "X-Signature"
)

const signaturePrefix = "sha256="

var (
	ErrInvalidSignature = errors.New("webhooks: signature mismatch")
	ErrStaleTimestamp   = errors.New("webhooks: timestamp outside allowed window")
)

// Sign returns the X-Signature value for a delivery: "sha256=" followed by
// the lowercase hex HMAC-SHA256 of "{timestamp}.{requestID}.{body}".
func Sign(secret string, timestamp int64, requestID string, body []byte) string {
	return signaturePrefix + hex.EncodeToString(mac(secret, strconv.FormatInt(timestamp, 10), requestID, body))
}

// Verify checks a received delivery. timestamp is the raw X-Timestamp
// header; deliveries older or newer than maxSkew relative to now are
// rejected. A maxSkew of zero disables the window check.
func Verify(secret, timestamp, requestID string, body []byte, header string, maxSkew time.Duration, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	if maxSkew > 0 {
		skew := now.Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > maxSkew {
			return ErrStaleTimestamp
		}
	}

	header = strings.ToLower(strings.TrimSpace(header))
	if !strings.HasPrefix(header, signaturePrefix) {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, mac(secret, timestamp, requestID, body)) {
		return ErrInvalidSignature
	}
	return nil
}

func mac(secret, timestamp, requestID string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write([]byte(requestID))
	h.Write([]byte{'.'})
	h.Write(body)
	return h.Sum(nil)
}

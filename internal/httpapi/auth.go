package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	errMissingSignature = errors.New("missing signature header")
	errSignatureFormat  = errors.New("malformed signature header")
	errSignatureMatch   = errors.New("signature mismatch")
)

// verifySignature checks the sender's HMAC-SHA256 over the raw body. The
// header value is hex, optionally prefixed "sha256=". Comparison is
// constant time.
func verifySignature(secret, header string, body []byte) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return errMissingSignature
	}
	header = strings.TrimPrefix(header, "sha256=")
	provided, err := hex.DecodeString(strings.ToLower(header))
	if err != nil {
		return errSignatureFormat
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return errSignatureMatch
	}
	return nil
}

// SignBody produces the header value a sender should attach. Exported for
// integration tooling and tests.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

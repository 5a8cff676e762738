// Package webhook serves the GitHub webhook receiver and the read-only
// status API.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SignatureHeader carries GitHub's HMAC-SHA256 of the request body
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// Sign returns the SignatureHeader value for body under secret
func Sign(secret, body []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	return signaturePrefix + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a SignatureHeader value against body.
// Returns an error if the header is missing, malformed, or does not match.
func VerifySignature(secret, body []byte, header string) error {
	if header == "" {
		return errors.New("missing " + SignatureHeader)
	}
	encoded, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return fmt.Errorf("unsupported signature format %q", header)
	}
	signature, err := hex.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}

	h := hmac.New(sha256.New, secret)
	h.Write(body)
	if !hmac.Equal(signature, h.Sum(nil)) {
		return errors.New("signature mismatch")
	}
	return nil
}

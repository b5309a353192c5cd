package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// verifySignature checks the HMAC-SHA256 payload signature when a signing
// secret is configured; without one every payload is accepted.
func (i *Ingestor) verifySignature(payload []byte, signature string) error {
	if i.signingSecret == "" {
		return nil
	}
	if signature == "" {
		return fmt.Errorf("%w: missing signature", ErrUnauthorized)
	}

	signature = strings.TrimPrefix(signature, "sha256=")
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrUnauthorized)
	}

	mac := hmac.New(sha256.New, []byte(i.signingSecret))
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return fmt.Errorf("%w: signature mismatch", ErrUnauthorized)
	}
	return nil
}

package qbwebhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"

	"github.com/advisorhq/books_sync_backend/utils"
)

// VerifySignature checks the provider's HMAC-SHA256 signature over the raw
// request body. The provider sends the digest base64-encoded. Comparison is
// constant-time; a mismatch is a security event, not a soft skip.
func VerifySignature(secret string, payload []byte, signature string) error {
	if signature == "" {
		return &utils.AuthorizationError{Reason: "missing webhook signature"}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return &utils.AuthorizationError{Reason: "webhook signature mismatch"}
	}
	return nil
}

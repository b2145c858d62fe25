package qbwebhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/advisorhq/books_sync_backend/utils"
)

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"eventNotifications":[]}`)

	if err := VerifySignature("top-secret", payload, sign("top-secret", payload)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	err := VerifySignature("top-secret", payload, sign("wrong-secret", payload))
	var ae *utils.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError for bad signature, got %T: %v", err, err)
	}

	if err := VerifySignature("top-secret", payload, ""); err == nil {
		t.Fatal("missing signature must be rejected")
	}

	// Tampered body fails against the original signature.
	if err := VerifySignature("top-secret", []byte(`{"tampered":true}`), sign("top-secret", payload)); err == nil {
		t.Fatal("tampered payload must be rejected")
	}
}

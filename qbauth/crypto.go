package qbauth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// TokenPair is the plaintext OAuth token material. It only ever exists
// in memory; at rest it is sealed with XChaCha20-Poly1305.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

var errKeyMissing = errors.New("CREDENTIAL_ENCRYPTION_KEY is not set or not 32 bytes (base64)")

func encryptionKey() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv("CREDENTIAL_ENCRYPTION_KEY"))
	if raw == "" {
		return nil, errKeyMissing
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, errKeyMissing
	}
	return key, nil
}

// SealTokenPair encrypts the pair for storage. Output layout: nonce || ciphertext.
func SealTokenPair(pair TokenPair) ([]byte, error) {
	key, err := encryptionKey()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(pair)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenTokenPair decrypts a sealed credential blob.
func OpenTokenPair(sealed []byte) (TokenPair, error) {
	var pair TokenPair
	key, err := encryptionKey()
	if err != nil {
		return pair, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return pair, err
	}
	if len(sealed) < aead.NonceSize() {
		return pair, errors.New("sealed credential too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return pair, err
	}
	err = json.Unmarshal(plaintext, &pair)
	return pair, err
}

package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
)

// sealer encrypts cookie payloads with AES-256-GCM.
type sealer struct {
	aead   cipher.AEAD
	secure bool
}

func newSealer(key []byte, what string, secure bool) (*sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%s key must be 32 bytes, got %d", what, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &sealer{aead: aead, secure: secure}, nil
}

func (s *sealer) seal(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cookie: %w", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

func (s *sealer) open(r *http.Request, name string, v any) error {
	cookie, err := r.Cookie(name)
	if err != nil {
		return fmt.Errorf("cookie %s not found: %w", name, err)
	}

	ciphertext, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return fmt.Errorf("failed to decode cookie: %w", err)
	}
	if len(ciphertext) < s.aead.NonceSize() {
		return fmt.Errorf("invalid cookie data")
	}

	nonce := ciphertext[:s.aead.NonceSize()]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext[s.aead.NonceSize():], nil)
	if err != nil {
		return fmt.Errorf("failed to decrypt cookie: %w", err)
	}

	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("failed to unmarshal cookie: %w", err)
	}
	return nil
}

func (s *sealer) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.secure,
	}
}

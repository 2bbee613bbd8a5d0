package zerotrust

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// TokenSealer mints and opens opaque session tokens using AES-256-GCM.
// A token binds the session identifier, the device fingerprint observed at
// verification time, and the issue timestamp.
//
// If no key is configured, sealing is disabled and tokens degrade to bare
// random session identifiers that cannot be validated offline.
type TokenSealer struct {
	key     []byte
	enabled bool
}

// sessionClaims is the sealed token payload
type sessionClaims struct {
	SessionID   string `json:"sid"`
	Fingerprint string `json:"fp"`
	IssuedAt    int64  `json:"iat"`
}

// NewTokenSealer creates a token sealer.
// If key is nil or empty, sealing is disabled.
// The key must be exactly 32 bytes for AES-256.
func NewTokenSealer(key []byte) (*TokenSealer, error) {
	if len(key) == 0 {
		return &TokenSealer{enabled: false}, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("sealing key must be exactly 32 bytes for AES-256, got %d", len(key))
	}
	return &TokenSealer{key: key, enabled: true}, nil
}

// IsEnabled reports whether tokens are sealed rather than bare identifiers.
func (t *TokenSealer) IsEnabled() bool {
	return t.enabled
}

// Mint produces an opaque session token for the given session and device
// fingerprint. With sealing disabled the token is the session ID itself.
func (t *TokenSealer) Mint(sessionID, fingerprint string, issuedAt time.Time) (string, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if !t.enabled {
		return sessionID, nil
	}

	payload, err := json.Marshal(sessionClaims{
		SessionID:   sessionID,
		Fingerprint: fingerprint,
		IssuedAt:    issuedAt.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token claims: %w", err)
	}

	block, err := aes.NewCipher(t.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, payload, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open validates a sealed token and returns its claims. With sealing
// disabled every token fails to open; callers fall back to the session
// registry for validation.
func (t *TokenSealer) Open(token string) (sessionID, fingerprint string, issuedAt time.Time, err error) {
	if !t.enabled {
		return "", "", time.Time{}, fmt.Errorf("token sealing disabled")
	}

	sealed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("malformed token: %w", err)
	}

	block, err := aes.NewCipher(t.key)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(sealed) < gcm.NonceSize() {
		return "", "", time.Time{}, fmt.Errorf("malformed token: too short")
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	payload, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("token authentication failed: %w", err)
	}

	var claims sessionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", "", time.Time{}, fmt.Errorf("malformed token claims: %w", err)
	}

	return claims.SessionID, claims.Fingerprint, time.Unix(claims.IssuedAt, 0), nil
}
